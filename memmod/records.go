package memmod

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

const (
	// ET_SCE_EXEC is the executable type used by signed executables.
	ET_SCE_EXEC elf.Type = 0xFE00

	// ModuleInfoSection is the section holding the image's module info.
	ModuleInfoSection = ".sceModuleInfo.rodata"

	// EntryNID identifies the program entry among module-info exports.
	EntryNID uint32 = 0x935CD196

	// AttrModuleInfo marks an export descriptor carrying module metadata.
	AttrModuleInfo uint16 = 0x8000

	// DefaultReclaimAddress is the segment base that marks a resident module
	// as occupying the image's load region.
	DefaultReclaimAddress uint32 = 0x81000000

	// SegmentAlign is the allocation granularity for segment blocks.
	SegmentAlign = 1 << 20

	ehdrSize = 0x34
	phdrSize = 0x20
	shdrSize = 0x28

	// Sizes of the encoded records.
	ModuleInfoRecordSize = 0x5C
	ExportRecordSize     = 0x20
	ImportRecordSize     = 0x34
)

var byteOrder = binary.LittleEndian

// StrucOptions returns the codec options for the record types.
func StrucOptions() *struc.Options {
	return &struc.Options{Order: byteOrder}
}

// ModuleInfoRecord is the layout of the module info section.
type ModuleInfoRecord struct {
	Attribute  uint16
	Version    uint16
	Name       [27]byte
	Type       uint8
	GP         uint32
	EntTop     uint32
	EntEnd     uint32
	StubTop    uint32
	StubEnd    uint32
	ModuleNID  uint32
	Reserved1  uint32
	Reserved2  uint32
	Reserved3  uint32
	ModStart   uint32
	ModStop    uint32
	ExidxStart uint32
	ExidxEnd   uint32
	ExtabStart uint32
	ExtabEnd   uint32
}

// ExportRecord is the layout of an export descriptor. Its NID and entry
// tables list functions, then variables, then TLS variables.
type ExportRecord struct {
	Size         uint16
	Version      uint16
	Attribute    uint16
	NumFunctions uint16
	NumVars      uint32
	NumTLSVars   uint32
	ModuleNID    uint32
	LibName      uint32
	NIDTable     uint32
	EntryTable   uint32
}

// ImportRecord is the layout of an import descriptor.
type ImportRecord struct {
	Size           uint16
	Version        uint16
	Attribute      uint16
	NumFunctions   uint16
	NumVars        uint16
	NumTLSVars     uint16
	Reserved1      uint32
	ModuleNID      uint32
	LibName        uint32
	Reserved2      uint32
	FuncNIDTable   uint32
	FuncEntryTable uint32
	VarNIDTable    uint32
	VarEntryTable  uint32
	TLSNIDTable    uint32
	TLSEntryTable  uint32
}

func alignUp[I constraints.Integer](v, a I) I {
	return (v + a - 1) &^ (a - 1)
}

// image is a bounds-checked view of an image buffer.
type image struct {
	r    io.ReaderAt
	size int64
}

func (img image) contains(off, n int64) bool {
	return off >= 0 && n >= 0 && off <= img.size && n <= img.size-off
}

func (img image) read(off, n int64) ([]byte, error) {
	if !img.contains(off, n) {
		return nil, errors.Errorf("range [0x%X, 0x%X) outside image of %d bytes", off, off+n, img.size)
	}
	buf := make([]byte, n)
	if _, err := img.r.ReadAt(buf, off); err != nil && !(errors.Is(err, io.EOF) && n == 0) {
		return nil, errors.Wrapf(err, "read image at 0x%X", off)
	}
	return buf, nil
}

func (img image) unpack(off, n int64, v any) error {
	buf, err := img.read(off, n)
	if err != nil {
		return err
	}
	return struc.UnpackWithOptions(bytes.NewReader(buf), v, StrucOptions())
}

// unpackAt decodes a record of n bytes at a platform address.
func unpackAt(r io.ReaderAt, addr uint32, n int, v any) error {
	buf := make([]byte, n)
	if _, err := r.ReadAt(buf, int64(addr)); err != nil {
		return errors.Wrapf(err, "read 0x%X bytes at 0x%08X", n, addr)
	}
	return struc.UnpackWithOptions(bytes.NewReader(buf), v, StrucOptions())
}

func packAt(w io.WriterAt, addr uint32, v any) error {
	var buf bytes.Buffer
	if err := struc.PackWithOptions(&buf, v, StrucOptions()); err != nil {
		return errors.Wrap(err, "pack record")
	}
	if _, err := w.WriteAt(buf.Bytes(), int64(addr)); err != nil {
		return errors.Wrapf(err, "write 0x%X bytes at 0x%08X", buf.Len(), addr)
	}
	return nil
}

func readWords(r io.ReaderAt, addr uint32, count int) ([]uint32, error) {
	if count == 0 {
		return nil, nil
	}
	buf := make([]byte, count*4)
	if _, err := r.ReadAt(buf, int64(addr)); err != nil {
		return nil, errors.Wrapf(err, "read %d words at 0x%08X", count, addr)
	}
	words := make([]uint32, count)
	for i := range words {
		words[i] = byteOrder.Uint32(buf[i*4:])
	}
	return words, nil
}

func writeWords(w io.WriterAt, addr uint32, words []uint32) error {
	if len(words) == 0 {
		return nil
	}
	buf := make([]byte, len(words)*4)
	for i, word := range words {
		byteOrder.PutUint32(buf[i*4:], word)
	}
	if _, err := w.WriteAt(buf, int64(addr)); err != nil {
		return errors.Wrapf(err, "write %d words at 0x%08X", len(words), addr)
	}
	return nil
}

// maxCStringLen bounds the library names read from descriptors.
const maxCStringLen = 256

// readCString reads a NUL-terminated string in 16-byte steps.
func readCString(r io.ReaderAt, addr uint32) (string, error) {
	var out []byte
	var chunk [0x10]byte
	for len(out) < maxCStringLen {
		n, err := r.ReadAt(chunk[:], int64(addr)+int64(len(out)))
		if n == 0 && err != nil {
			return "", errors.Wrapf(err, "read string at 0x%08X", addr)
		}
		if i := bytes.IndexByte(chunk[:n], 0); i >= 0 && len(out)+i < maxCStringLen {
			return string(append(out, chunk[:i]...)), nil
		}
		out = append(out, chunk[:n]...)
	}
	return "", errors.Errorf("string at 0x%08X is not terminated within %d bytes", addr, maxCStringLen)
}

func fixedCString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
