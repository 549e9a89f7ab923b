package vitaload

import (
	"bytes"
	"debug/elf"
	"io"
	"os"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/sliverarmory/vitaload/memmod"
)

const (
	// SignedHeaderSize is the length of the wrapper in front of a signed
	// executable's ELF image.
	SignedHeaderSize = 0xA0
	// MaxImageSize caps how much of a file is staged for loading.
	MaxImageSize = 0x1000000
	// StagingBlockName names the temporary block a file is staged in.
	StagingBlockName = "LoaderTemp"
)

var (
	ErrUnknownMagic = errors.New("vitaload: unknown magic")

	signedMagic = []byte{'S', 'C', 'E', 0}
)

// Executable is an image loaded into platform memory and ready to be entered
// at Entry.
type Executable struct {
	*memmod.Image
	Signed bool
}

// LoadExecutable loads a plain or signed executable image from memory.
func LoadExecutable(p memmod.Platform, data []byte, opts ...memmod.Option) (*Executable, error) {
	if len(data) == 0 {
		return nil, errors.Wrap(memmod.ErrIO, "vitaload: empty executable image")
	}
	return load(p, bytes.NewReader(data), int64(len(data)), opts, memmod.LoggerOf(opts...).WithName("vitaload"))
}

// LoadExecutableFile stages the file at path in a temporary platform block,
// loads it, and frees the block again.
func LoadExecutableFile(p memmod.Platform, path string, opts ...memmod.Option) (exe *Executable, err error) {
	log := memmod.LoggerOf(opts...).WithName("vitaload").WithValues("path", path)
	f, err := os.Open(path)
	if err != nil {
		log.Error(err, "cannot open executable")
		return nil, errors.Wrapf(memmod.ErrIO, "vitaload: open %s: %v", path, err)
	}
	closed := false
	defer func() {
		if !closed {
			_ = f.Close()
		}
	}()

	block, err := p.AllocMemBlock(StagingBlockName, memmod.MemBlockTypeUserRW, MaxImageSize)
	if err != nil {
		log.Error(err, "cannot allocate staging block", "size", MaxImageSize)
		return nil, errors.Wrapf(memmod.ErrAllocation, "vitaload: allocate %d bytes: %v", MaxImageSize, err)
	}
	base, err := p.MemBlockBase(block)
	if err != nil {
		log.Error(err, "cannot locate staging block", "block", block)
		_ = p.FreeMemBlock(block)
		return nil, errors.Wrapf(memmod.ErrAllocation, "vitaload: locate block %d: %v", block, err)
	}

	defer func() {
		ferr := freeStaged(p, base)
		if ferr == nil {
			return
		}
		log.Error(ferr, "cannot free staging block")
		if err == nil {
			_ = exe.Release(p)
			exe, err = nil, ferr
		}
	}()

	n, err := io.Copy(io.NewOffsetWriter(p, int64(base)), io.LimitReader(f, MaxImageSize))
	if err != nil {
		log.Error(err, "cannot read executable")
		return nil, errors.Wrapf(memmod.ErrIO, "vitaload: read %s: %v", path, err)
	}
	closed = true
	if err := f.Close(); err != nil {
		log.Error(err, "cannot close executable")
		return nil, errors.Wrapf(memmod.ErrIO, "vitaload: close %s: %v", path, err)
	}
	if n == 0 {
		log.Info("executable is empty")
		return nil, errors.Wrapf(memmod.ErrIO, "vitaload: %s is empty", path)
	}
	truncated := n >= MaxImageSize
	if truncated {
		log.Info("executable is larger than the staging block, truncated", "size", n)
	}

	exe, err = load(p, io.NewSectionReader(p, int64(base), n), n, opts, log)
	if err != nil {
		if truncated {
			err = errors.Wrapf(err, "vitaload: image truncated at %d bytes", n)
		}
		return nil, err
	}
	if truncated {
		exe.Warnings = append(exe.Warnings, memmod.Warning{Kind: memmod.WarnImageTruncated, Actual: uint32(n)})
	}
	return exe, nil
}

// Unwrap returns the ELF image held in src, skipping the signed-executable
// wrapper when src has one.
func Unwrap(src io.ReaderAt, size int64) (_ io.ReaderAt, _ int64, signed bool, _ error) {
	magic := make([]byte, 4)
	if size < int64(len(magic)) {
		return nil, 0, false, errors.Wrapf(ErrUnknownMagic, "image of %d bytes", size)
	}
	if _, err := src.ReadAt(magic, 0); err != nil {
		return nil, 0, false, errors.Wrapf(memmod.ErrIO, "vitaload: read magic: %v", err)
	}

	switch {
	case bytes.Equal(magic, []byte(elf.ELFMAG)):
		return src, size, false, nil
	case bytes.Equal(magic, signedMagic):
		if size <= SignedHeaderSize {
			return nil, 0, true, errors.Wrapf(memmod.ErrInvalidHeader, "vitaload: signed image of %d bytes", size)
		}
		inner := size - SignedHeaderSize
		return io.NewSectionReader(src, SignedHeaderSize, inner), inner, true, nil
	default:
		return nil, 0, false, errors.Wrapf(ErrUnknownMagic, "% X", magic)
	}
}

func load(p memmod.Platform, src io.ReaderAt, size int64, opts []memmod.Option, log logr.Logger) (*Executable, error) {
	img, n, signed, err := Unwrap(src, size)
	if err != nil {
		if errors.Is(err, ErrUnknownMagic) {
			log.Info("invalid magic", "error", err.Error())
		} else {
			log.Error(err, "cannot unwrap executable")
		}
		return nil, err
	}
	m, err := memmod.Load(p, img, n, opts...)
	if err != nil {
		log.Error(err, "cannot load executable", "signed", signed)
		if signed {
			return nil, errors.Wrap(err, "vitaload: load signed executable")
		}
		return nil, errors.Wrap(err, "vitaload: load ELF")
	}
	return &Executable{Image: m, Signed: signed}, nil
}
