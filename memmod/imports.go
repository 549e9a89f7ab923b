package memmod

import (
	"io"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
)

// Frame says what the pointers inside an import descriptor are relative to.
type Frame int

const (
	// FrameLoad pointers are absolute addresses in the loaded image.
	FrameLoad Frame = iota
	// FrameFile pointers are offsets from the image's first segment and
	// still need the load base added.
	FrameFile
)

func (f Frame) String() string {
	if f == FrameFile {
		return "file"
	}
	return "load"
}

// ImportDescriptor is one library import of an image together with its
// identifier and slot tables.
type ImportDescriptor struct {
	Addr    uint32
	Library string

	FuncNIDs  []uint32
	FuncSlots []uint32
	VarNIDs   []uint32
	VarSlots  []uint32
	TLSNIDs   []uint32
	TLSSlots  []uint32

	rec   ImportRecord
	frame Frame
}

func (d *ImportDescriptor) Frame() Frame { return d.frame }

func (d *ImportDescriptor) ModuleNID() uint32 { return d.rec.ModuleNID }

// ReadImportDescriptor decodes the descriptor at addr. In FrameFile, pointers
// are followed as base+pointer; in FrameLoad, base is ignored.
func ReadImportDescriptor(r io.ReaderAt, addr uint32, frame Frame, base uint32) (*ImportDescriptor, error) {
	d := &ImportDescriptor{Addr: addr, frame: frame}
	if err := unpackAt(r, addr, ImportRecordSize, &d.rec); err != nil {
		return nil, err
	}
	at := func(ptr uint32) uint32 {
		if frame == FrameFile {
			return base + ptr
		}
		return ptr
	}

	var err error
	if d.Library, err = readCString(r, at(d.rec.LibName)); err != nil {
		return nil, errors.Wrap(err, "library name")
	}
	tables := []struct {
		dst   *[]uint32
		ptr   uint32
		count uint16
	}{
		{&d.FuncNIDs, d.rec.FuncNIDTable, d.rec.NumFunctions},
		{&d.FuncSlots, d.rec.FuncEntryTable, d.rec.NumFunctions},
		{&d.VarNIDs, d.rec.VarNIDTable, d.rec.NumVars},
		{&d.VarSlots, d.rec.VarEntryTable, d.rec.NumVars},
		{&d.TLSNIDs, d.rec.TLSNIDTable, d.rec.NumTLSVars},
		{&d.TLSSlots, d.rec.TLSEntryTable, d.rec.NumTLSVars},
	}
	for _, t := range tables {
		if *t.dst, err = readWords(r, at(t.ptr), int(t.count)); err != nil {
			return nil, errors.Wrapf(err, "%s import table", d.Library)
		}
	}
	return d, nil
}

// offset returns a copy of d with addend added to the library name pointer,
// all six table pointers and every slot.
func (d ImportDescriptor) offset(addend int32) ImportDescriptor {
	add := func(v uint32) uint32 { return uint32(int64(v) + int64(addend)) }
	shift := func(slots []uint32) []uint32 {
		if slots == nil {
			return nil
		}
		out := make([]uint32, len(slots))
		for i, v := range slots {
			out[i] = add(v)
		}
		return out
	}

	d.rec.LibName = add(d.rec.LibName)
	d.rec.FuncNIDTable = add(d.rec.FuncNIDTable)
	d.rec.FuncEntryTable = add(d.rec.FuncEntryTable)
	d.rec.VarNIDTable = add(d.rec.VarNIDTable)
	d.rec.VarEntryTable = add(d.rec.VarEntryTable)
	d.rec.TLSNIDTable = add(d.rec.TLSNIDTable)
	d.rec.TLSEntryTable = add(d.rec.TLSEntryTable)
	d.FuncSlots = shift(d.FuncSlots)
	d.VarSlots = shift(d.VarSlots)
	d.TLSSlots = shift(d.TLSSlots)
	return d
}

// Relocate moves a file-relative descriptor to the load frame by adding
// addend to every pointer and slot. It may run once per descriptor.
func (d *ImportDescriptor) Relocate(addend int32) error {
	if d.frame == FrameLoad {
		return errors.Wrapf(ErrDescriptorRelocated, "%s at 0x%08X", d.Library, d.Addr)
	}
	*d = d.offset(addend)
	d.frame = FrameLoad
	return nil
}

// Write stores the descriptor header and its slot tables back to memory.
func (d *ImportDescriptor) Write(w io.WriterAt) error {
	if d.frame != FrameLoad {
		return errors.Errorf("import descriptor %s at 0x%08X is still file-relative", d.Library, d.Addr)
	}
	if err := packAt(w, d.Addr, &d.rec); err != nil {
		return err
	}
	for _, t := range []struct {
		ptr   uint32
		slots []uint32
	}{
		{d.rec.FuncEntryTable, d.FuncSlots},
		{d.rec.VarEntryTable, d.VarSlots},
		{d.rec.TLSEntryTable, d.TLSSlots},
	} {
		if err := writeWords(w, t.ptr, t.slots); err != nil {
			return err
		}
	}
	return nil
}

// LibraryExports are the symbols one library publishes, keyed by NID.
type LibraryExports struct {
	Module    string
	Library   string
	Functions map[uint32]uint32
	Variables map[uint32]uint32
	TLS       map[uint32]uint32
}

// exportIndex caches the libraries exported by resident modules for the
// duration of one load.
type exportIndex struct {
	mt   ModuleTable
	mem  io.ReaderAt
	libs map[string]*LibraryExports
	log  logr.Logger
}

func newExportIndex(p Platform, log logr.Logger) *exportIndex {
	return &exportIndex{mt: p, mem: p, log: log}
}

func (x *exportIndex) build() error {
	ids, err := x.mt.ModuleList(MaxLoadedModules)
	if err != nil {
		return errors.Wrap(err, "module list")
	}
	x.libs = make(map[string]*LibraryExports)
	for _, id := range ids {
		info, err := x.mt.ModuleInfo(id)
		if err != nil {
			x.log.Error(err, "cannot read module info, skipping", "uid", id)
			continue
		}
		for addr := info.ExportsStart; addr+ExportRecordSize <= info.ExportsEnd; addr += ExportRecordSize {
			exp, err := readExport(x.mem, addr)
			if err != nil {
				x.log.Error(err, "cannot read export descriptor, skipping", "module", info.Name, "address", hexAddr(addr))
				continue
			}
			if exp.Library == "" {
				continue
			}
			if _, dup := x.libs[exp.Library]; dup {
				continue
			}
			x.libs[exp.Library] = exp.split(info.Name)
		}
	}
	x.log.V(1).Info("indexed resident exports", "libraries", len(x.libs))
	return nil
}

// lookup returns the exports of library, rebuilding the index once when the
// library is missing since its provider may have become resident after the
// last build.
func (x *exportIndex) lookup(library string) (*LibraryExports, error) {
	fresh := false
	if x.libs == nil {
		if err := x.build(); err != nil {
			return nil, err
		}
		fresh = true
	}
	lib, ok := x.libs[library]
	if !ok && !fresh {
		if err := x.build(); err != nil {
			return nil, err
		}
		lib, ok = x.libs[library]
	}
	if !ok {
		return nil, errors.Errorf("no resident module exports %s", library)
	}
	return lib, nil
}

// resolveDescriptor fills every slot of d from lib.
func resolveDescriptor(d *ImportDescriptor, lib *LibraryExports) error {
	for _, t := range []struct {
		kind  string
		nids  []uint32
		slots []uint32
		table map[uint32]uint32
	}{
		{"function", d.FuncNIDs, d.FuncSlots, lib.Functions},
		{"variable", d.VarNIDs, d.VarSlots, lib.Variables},
		{"tls variable", d.TLSNIDs, d.TLSSlots, lib.TLS},
	} {
		for i, nid := range t.nids {
			addr, ok := t.table[nid]
			if !ok {
				return errors.Errorf("%s NID 0x%08X not exported by %s (%s)", t.kind, nid, lib.Library, lib.Module)
			}
			t.slots[i] = addr
		}
	}
	return nil
}

// ResolveImports patches the import descriptors in [start, end) with
// addresses exported by resident modules. A library whose providing module
// cannot be loaded is skipped with a warning; an identifier that a resident
// provider does not export aborts with ErrImportResolutionFailed.
func ResolveImports(p Platform, start, end uint32, frame Frame, base uint32, log logr.Logger) ([]Warning, error) {
	index := newExportIndex(p, log)
	var warnings []Warning
	for addr := start; addr+ImportRecordSize <= end; addr += ImportRecordSize {
		d, err := ReadImportDescriptor(p, addr, frame, base)
		if err != nil {
			log.Error(err, "cannot read import descriptor", "address", hexAddr(addr))
			return warnings, errors.Wrapf(ErrImportResolutionFailed, "descriptor at 0x%08X: %v", addr, err)
		}

		log.V(1).Info("loading module for library", "library", d.Library)
		if err := p.LoadModuleForLibrary(d.Library); err != nil {
			log.Info("cannot load required module, may still be possible to resolve with cached entries, continuing",
				"library", d.Library, "error", err.Error())
			warnings = append(warnings, Warning{
				Kind:    WarnProviderSkipped,
				Library: d.Library,
				Err:     errors.Wrapf(ErrProviderLoadFailed, "%s: %v", d.Library, err),
			})
			continue
		}
		if d.frame == FrameFile {
			if err := d.Relocate(int32(base)); err != nil {
				return warnings, errors.Wrapf(ErrImportResolutionFailed, "%v", err)
			}
		}

		log.V(1).Info("resolving imports", "library", d.Library,
			"functions", len(d.FuncNIDs), "variables", len(d.VarNIDs), "tls", len(d.TLSNIDs))
		lib, err := index.lookup(d.Library)
		if err == nil {
			err = resolveDescriptor(d, lib)
		}
		if err == nil {
			err = d.Write(p)
		}
		if err != nil {
			log.Error(err, "failed to resolve imports", "library", d.Library)
			return warnings, errors.Wrapf(ErrImportResolutionFailed, "%s: %v", d.Library, err)
		}
	}
	return warnings, nil
}
