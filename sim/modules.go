package sim

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/sliverarmory/vitaload/memmod"
)

// Symbol is one exported function or variable. A zero Addr is replaced by
// a synthesized address inside the module's block.
type Symbol struct {
	NID  uint32 `yaml:"nid"`
	Addr uint32 `yaml:"addr,omitempty"`
}

// LibrarySpec is a library exported by a module.
type LibrarySpec struct {
	Name      string   `yaml:"name"`
	NID       uint32   `yaml:"nid,omitempty"`
	Functions []Symbol `yaml:"functions,omitempty"`
	Variables []Symbol `yaml:"variables,omitempty"`
	TLS       []Symbol `yaml:"tls,omitempty"`
}

// ModuleSpec describes a module to make resident. A zero Base places the
// module first-fit. Pinned modules refuse StopUnloadModule.
type ModuleSpec struct {
	Name      string        `yaml:"name"`
	Base      uint32        `yaml:"base,omitempty"`
	Size      uint32        `yaml:"size,omitempty"`
	Pinned    bool          `yaml:"pinned,omitempty"`
	Libraries []LibrarySpec `yaml:"libraries,omitempty"`
}

func (s *ModuleSpec) exports(library string) bool {
	for _, lib := range s.Libraries {
		if lib.Name == library {
			return true
		}
	}
	return false
}

type module struct {
	memmod.LoadedModule
	spec  ModuleSpec
	block memmod.BlockID
}

type hexAddr uint32

func (a hexAddr) String() string {
	return fmt.Sprintf("0x%08X", uint32(a))
}

// exportTable lays out a module's export descriptors at the start of its
// block: the module-info descriptor, one descriptor per library, then each
// library's name, NID table and entry table, then synthesized symbols.
func exportTable(spec *ModuleSpec, base uint32) []byte {
	off := uint32(1+len(spec.Libraries)) * memmod.ExportRecordSize
	recs := []memmod.ExportRecord{{
		Size:      memmod.ExportRecordSize,
		Version:   1,
		Attribute: memmod.AttrModuleInfo,
	}}
	var tail bytes.Buffer
	put := func(words ...uint32) {
		_ = binary.Write(&tail, binary.LittleEndian, words)
	}

	var pending []*uint32
	type table struct{ nids, entries []uint32 }
	tables := make([]table, len(spec.Libraries))
	for i, lib := range spec.Libraries {
		t := &tables[i]
		for _, group := range [][]Symbol{lib.Functions, lib.Variables, lib.TLS} {
			for _, sym := range group {
				t.nids = append(t.nids, sym.NID)
				t.entries = append(t.entries, sym.Addr)
			}
		}
		for j := range t.entries {
			if t.entries[j] == 0 {
				pending = append(pending, &t.entries[j])
			}
		}
	}

	cursor := off
	for i, lib := range spec.Libraries {
		t := tables[i]
		nameLen := alignUp(uint32(len(lib.Name))+1, 4)
		rec := memmod.ExportRecord{
			Size:         memmod.ExportRecordSize,
			Version:      1,
			Attribute:    1,
			NumFunctions: uint16(len(lib.Functions)),
			NumVars:      uint32(len(lib.Variables)),
			NumTLSVars:   uint32(len(lib.TLS)),
			ModuleNID:    lib.NID,
			LibName:      base + cursor,
		}
		cursor += nameLen
		rec.NIDTable = base + cursor
		cursor += uint32(len(t.nids)) * 4
		rec.EntryTable = base + cursor
		cursor += uint32(len(t.entries)) * 4
		recs = append(recs, rec)
	}
	for i, ptr := range pending {
		*ptr = base + cursor + uint32(i)*4
	}

	for i, lib := range spec.Libraries {
		name := make([]byte, alignUp(uint32(len(lib.Name))+1, 4))
		copy(name, lib.Name)
		tail.Write(name)
		put(tables[i].nids...)
		put(tables[i].entries...)
	}
	// bx lr at every synthesized address
	for range pending {
		put(0xE12FFF1E)
	}

	var out bytes.Buffer
	for i := range recs {
		// bytes.Buffer writes do not fail
		_ = struc.PackWithOptions(&out, &recs[i], memmod.StrucOptions())
	}
	out.Write(tail.Bytes())
	return out.Bytes()
}

// InstallModule makes a module resident, writing its export tables into a
// block of its own.
func (p *Platform) InstallModule(spec ModuleSpec) (memmod.ModuleID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.install(spec)
}

func (p *Platform) install(spec ModuleSpec) (memmod.ModuleID, error) {
	if spec.Name == "" {
		return 0, errors.New("sim: module has no name")
	}
	if len(p.modules) >= memmod.MaxLoadedModules {
		return 0, errors.Errorf("sim: %d modules already resident", len(p.modules))
	}
	for _, lib := range spec.Libraries {
		if lib.Name == "" {
			return 0, errors.Errorf("sim: module %s exports a library with no name", spec.Name)
		}
		if len(lib.Functions) > 0xFFFF {
			return 0, errors.Errorf("sim: library %s exports %d functions", lib.Name, len(lib.Functions))
		}
	}

	// The table size does not depend on the base.
	size := uint32(len(exportTable(&spec, 0)))
	if spec.Size > size {
		size = spec.Size
	}
	b, err := p.alloc(spec.Name, alignUp(size, memmod.SegmentAlign), false, spec.Base)
	if err != nil {
		return 0, errors.Wrapf(err, "install %s", spec.Name)
	}
	table := exportTable(&spec, b.Base)
	if _, err := b.arena.Write(table, 0); err != nil {
		_ = p.free(b.ID)
		return 0, errors.Wrapf(err, "install %s", spec.Name)
	}

	m := &module{spec: spec, block: b.ID}
	m.ID = p.nextModule
	p.nextModule++
	m.Name = spec.Name
	m.Segments[0] = memmod.ModuleSegment{Base: b.Base, Size: b.Size}
	m.ExportsStart = b.Base
	m.ExportsEnd = b.Base + uint32(1+len(spec.Libraries))*memmod.ExportRecordSize
	p.modules = append(p.modules, m)
	p.log.V(1).Info("module resident", "module", spec.Name, "uid", m.ID, "base", hexAddr(b.Base), "libraries", len(spec.Libraries))
	return m.ID, nil
}

// Provide adds a module to the catalogue LoadModuleForLibrary draws from.
func (p *Platform) Provide(spec ModuleSpec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.catalogue = append(p.catalogue, spec)
}

// Modules lists the resident modules in load order.
func (p *Platform) Modules() []memmod.LoadedModule {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]memmod.LoadedModule, len(p.modules))
	for i, m := range p.modules {
		out[i] = m.LoadedModule
	}
	return out
}

func (p *Platform) moduleByID(id memmod.ModuleID) (int, *module) {
	for i, m := range p.modules {
		if m.ID == id {
			return i, m
		}
	}
	return -1, nil
}

func (p *Platform) ModuleList(max int) ([]memmod.ModuleID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []memmod.ModuleID
	for _, m := range p.modules {
		if len(ids) >= max {
			break
		}
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (p *Platform) ModuleInfo(id memmod.ModuleID) (memmod.LoadedModule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, m := p.moduleByID(id)
	if m == nil {
		return memmod.LoadedModule{}, errors.Wrapf(ErrNoSuchModule, "uid %d", id)
	}
	return m.LoadedModule, nil
}

func (p *Platform) StopUnloadModule(id memmod.ModuleID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, m := p.moduleByID(id)
	if m == nil {
		return errors.Wrapf(ErrNoSuchModule, "uid %d", id)
	}
	if m.spec.Pinned {
		return errors.Wrapf(ErrModulePinned, "%s", m.Name)
	}
	p.modules = append(p.modules[:i], p.modules[i+1:]...)
	p.log.V(1).Info("module unloaded", "module", m.Name, "uid", id)
	return p.free(m.block)
}

// LoadModuleForLibrary succeeds when a resident module exports library, and
// otherwise installs the first catalogue module that does.
func (p *Platform) LoadModuleForLibrary(library string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.modules {
		if m.spec.exports(library) {
			return nil
		}
	}
	for _, spec := range p.catalogue {
		if !spec.exports(library) {
			continue
		}
		p.log.V(1).Info("loading provider", "library", library, "module", spec.Name)
		_, err := p.install(spec)
		return err
	}
	return errors.Wrapf(ErrLibraryUnavailable, "%s", library)
}
