package memmod

import (
	"bytes"
	"debug/elf"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
)

// ModuleInfo is the self-describing metadata embedded in an image. Table
// offsets are relative to the base of the image's first segment.
type ModuleInfo struct {
	Name       string
	Attribute  uint16
	Version    uint16
	ExportsTop uint32
	ExportsEnd uint32
	ImportsTop uint32
	ImportsEnd uint32
	ModuleNID  uint32
	Start      uint32
	Stop       uint32
}

func sectionHeader(img image, hdr *elf.Header32, i int) (*elf.Section32, error) {
	entsize := int64(hdr.Shentsize)
	if entsize < shdrSize {
		return nil, errors.Errorf("section header entry size %d", hdr.Shentsize)
	}
	var sec elf.Section32
	if err := img.unpack(int64(hdr.Shoff)+int64(i)*entsize, shdrSize, &sec); err != nil {
		return nil, errors.Wrapf(err, "section header %d", i)
	}
	return &sec, nil
}

// findModuleInfo locates the module info section through the section name
// string table.
func findModuleInfo(img image, hdr *elf.Header32, log logr.Logger) (*ModuleInfo, error) {
	strtab, err := sectionHeader(img, hdr, int(hdr.Shstrndx))
	if err != nil {
		return nil, errors.Wrapf(ErrModuleInfoNotFound, "string table header: %v", err)
	}
	log.V(1).Info("string table", "offset", hexAddr(strtab.Off), "size", strtab.Size)
	strs, err := img.read(int64(strtab.Off), int64(strtab.Size))
	if err != nil {
		return nil, errors.Wrapf(ErrModuleInfoNotFound, "string table: %v", err)
	}
	nameIdx := bytes.Index(strs, []byte(ModuleInfoSection))
	if nameIdx <= 0 {
		return nil, errors.Wrapf(ErrModuleInfoNotFound, "section %s not in string table", ModuleInfoSection)
	}
	log.V(1).Info("section name index", "section", ModuleInfoSection, "index", nameIdx)

	log.V(1).Info("reading sections", "count", hdr.Shnum)
	for i := 0; i < int(hdr.Shnum); i++ {
		sec, err := sectionHeader(img, hdr, i)
		if err != nil {
			return nil, errors.Wrapf(ErrModuleInfoNotFound, "%v", err)
		}
		if sec.Name != uint32(nameIdx) {
			continue
		}
		log.V(1).Info("found module info section", "index", i, "offset", hexAddr(sec.Off), "size", sec.Size)
		var rec ModuleInfoRecord
		if err := img.unpack(int64(sec.Off), ModuleInfoRecordSize, &rec); err != nil {
			return nil, errors.Wrapf(ErrModuleInfoNotFound, "section %d contents: %v", i, err)
		}
		return &ModuleInfo{
			Name:       fixedCString(rec.Name[:]),
			Attribute:  rec.Attribute,
			Version:    rec.Version,
			ExportsTop: rec.EntTop,
			ExportsEnd: rec.EntEnd,
			ImportsTop: rec.StubTop,
			ImportsEnd: rec.StubEnd,
			ModuleNID:  rec.ModuleNID,
			Start:      rec.ModStart,
			Stop:       rec.ModStop,
		}, nil
	}
	return nil, errors.Wrapf(ErrModuleInfoNotFound, "no section named %s", ModuleInfoSection)
}
