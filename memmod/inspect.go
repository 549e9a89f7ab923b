package memmod

import (
	"debug/elf"
	"io"

	"github.com/pkg/errors"
)

// Report describes an image as it sits in its file.
type Report struct {
	Header   elf.Header32
	Info     ModuleInfo
	Programs []elf.Prog32
	Imports  []*ImportDescriptor
	Exports  []*ExportDescriptor
}

// fileView reads an image's declared address space from its file bytes.
type fileView struct {
	img   image
	progs []elf.Prog32
}

func (v fileView) ReadAt(b []byte, off int64) (int, error) {
	for i := range v.progs {
		ph := &v.progs[i]
		if elf.ProgType(ph.Type) != elf.PT_LOAD {
			continue
		}
		lo, hi := int64(ph.Vaddr), int64(ph.Vaddr)+int64(ph.Filesz)
		if off < lo || off >= hi {
			continue
		}
		n := int64(len(b))
		if off+n > hi {
			n = hi - off
		}
		data, err := v.img.read(int64(ph.Off)+off-lo, n)
		if err != nil {
			return 0, err
		}
		copy(b, data)
		if int(n) < len(b) {
			return int(n), io.EOF
		}
		return len(b), nil
	}
	return 0, errors.Errorf("address 0x%08X is not backed by the file", off)
}

// Inspect validates the image in src and reads its module info, program
// headers, imports and exports without mapping anything.
func Inspect(src io.ReaderAt, size int64, opts ...Option) (*Report, error) {
	o := newLoadOptions(opts)
	log := o.log
	img := image{r: src, size: size}
	hdr, err := readHeader(img)
	if err != nil {
		return nil, err
	}
	if err := ValidateHeader(hdr); err != nil {
		return nil, err
	}
	progs, err := programHeaders(img, hdr)
	if err != nil {
		return nil, err
	}
	if len(progs) == 0 {
		return nil, errors.WithStack(ErrNoLoadableSegments)
	}
	info, err := findModuleInfo(img, hdr, log.WithName("modinfo"))
	if err != nil {
		return nil, err
	}

	rep := &Report{Header: *hdr, Info: *info, Programs: progs}
	view := fileView{img: img, progs: progs}
	base := progs[0].Vaddr
	frame := FrameLoad
	if o.fileRelativeImports {
		frame = FrameFile
	}
	for addr := base + info.ImportsTop; addr+ImportRecordSize <= base+info.ImportsEnd; addr += ImportRecordSize {
		d, err := ReadImportDescriptor(view, addr, frame, base)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidHeader, "import descriptor at 0x%08X: %v", addr, err)
		}
		rep.Imports = append(rep.Imports, d)
	}
	if rep.Exports, err = readExports(view, base+info.ExportsTop, base+info.ExportsEnd); err != nil {
		return nil, errors.Wrapf(ErrInvalidHeader, "exports: %v", err)
	}
	log.V(1).Info("inspected image", "name", info.Name, "imports", len(rep.Imports), "exports", len(rep.Exports))
	return rep, nil
}
