package memmod

import (
	"io"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
)

// ExportDescriptor is a table of identifiers and addresses published by a
// module. Functions come first, then variables, then TLS variables.
type ExportDescriptor struct {
	Addr         uint32
	Attribute    uint16
	Library      string
	ModuleNID    uint32
	NumFunctions int
	NumVars      int
	NumTLSVars   int
	NIDs         []uint32
	Entries      []uint32
}

func readExport(r io.ReaderAt, addr uint32) (*ExportDescriptor, error) {
	var rec ExportRecord
	if err := unpackAt(r, addr, ExportRecordSize, &rec); err != nil {
		return nil, err
	}
	d := &ExportDescriptor{
		Addr:         addr,
		Attribute:    rec.Attribute,
		ModuleNID:    rec.ModuleNID,
		NumFunctions: int(rec.NumFunctions),
		NumVars:      int(rec.NumVars),
		NumTLSVars:   int(rec.NumTLSVars),
	}
	if rec.LibName != 0 {
		var err error
		if d.Library, err = readCString(r, rec.LibName); err != nil {
			return nil, errors.Wrap(err, "export library name")
		}
	}
	count := d.NumFunctions + d.NumVars + d.NumTLSVars
	if count > 0xFFFF {
		return nil, errors.Errorf("export at 0x%08X declares %d symbols", addr, count)
	}
	var err error
	if d.NIDs, d.Entries, err = readExportTables(r, &rec, count); err != nil {
		return nil, err
	}
	return d, nil
}

func readExportTables(r io.ReaderAt, rec *ExportRecord, count int) (nids, entries []uint32, err error) {
	if nids, err = readWords(r, rec.NIDTable, count); err != nil {
		return nil, nil, errors.Wrap(err, "export NID table")
	}
	if entries, err = readWords(r, rec.EntryTable, count); err != nil {
		return nil, nil, errors.Wrap(err, "export entry table")
	}
	return nids, entries, nil
}

func readExports(r io.ReaderAt, start, end uint32) ([]*ExportDescriptor, error) {
	var out []*ExportDescriptor
	for addr := start; addr+ExportRecordSize <= end; addr += ExportRecordSize {
		d, err := readExport(r, addr)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (d *ExportDescriptor) split(module string) *LibraryExports {
	lib := &LibraryExports{
		Module:    module,
		Library:   d.Library,
		Functions: make(map[uint32]uint32, d.NumFunctions),
		Variables: make(map[uint32]uint32, d.NumVars),
		TLS:       make(map[uint32]uint32, d.NumTLSVars),
	}
	for i, nid := range d.NIDs {
		switch {
		case i < d.NumFunctions:
			lib.Functions[nid] = d.Entries[i]
		case i < d.NumFunctions+d.NumVars:
			lib.Variables[nid] = d.Entries[i]
		default:
			lib.TLS[nid] = d.Entries[i]
		}
	}
	return lib
}

// FindEntry scans the export descriptors in [start, end) for a module-info
// descriptor exporting EntryNID and returns its address. Only the tables of
// module-info descriptors are read.
func FindEntry(r io.ReaderAt, start, end uint32, log logr.Logger) (uint32, error) {
	for addr := start; addr+ExportRecordSize <= end; addr += ExportRecordSize {
		var rec ExportRecord
		if err := unpackAt(r, addr, ExportRecordSize, &rec); err != nil {
			log.Error(err, "cannot read export descriptor", "address", hexAddr(addr))
			return 0, errors.Wrapf(ErrEntryNotFound, "export at 0x%08X: %v", addr, err)
		}
		if rec.Attribute != AttrModuleInfo {
			continue
		}
		nids, entries, err := readExportTables(r, &rec, int(rec.NumFunctions))
		if err != nil {
			log.Error(err, "cannot read module-info export", "address", hexAddr(addr))
			return 0, errors.Wrapf(ErrEntryNotFound, "export at 0x%08X: %v", addr, err)
		}
		for j, nid := range nids {
			if nid == EntryNID {
				log.V(1).Info("found application entry", "entry", hexAddr(entries[j]))
				return entries[j], nil
			}
		}
	}
	log.Info("cannot find application entry")
	return 0, errors.Wrapf(ErrEntryNotFound, "no module-info export of NID 0x%08X in [0x%08X, 0x%08X)", EntryNID, start, end)
}
