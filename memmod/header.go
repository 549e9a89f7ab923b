package memmod

import (
	"debug/elf"

	"github.com/pkg/errors"
)

func readHeader(img image) (*elf.Header32, error) {
	var hdr elf.Header32
	if err := img.unpack(0, ehdrSize, &hdr); err != nil {
		return nil, errors.Wrapf(ErrInvalidHeader, "read ELF header: %v", err)
	}
	return &hdr, nil
}

// ValidateHeader reports whether hdr describes an executable this loader can
// bring up.
func ValidateHeader(hdr *elf.Header32) error {
	ident := hdr.Ident
	switch {
	case string(ident[:elf.EI_CLASS]) != elf.ELFMAG:
		return errors.Wrapf(ErrInvalidHeader, "bad magic % X", ident[:elf.EI_CLASS])
	case elf.Class(ident[elf.EI_CLASS]) != elf.ELFCLASS32:
		return errors.Wrapf(ErrInvalidHeader, "not a 32-bit executable (%v)", elf.Class(ident[elf.EI_CLASS]))
	case elf.Data(ident[elf.EI_DATA]) != elf.ELFDATA2LSB:
		return errors.Wrapf(ErrInvalidHeader, "not a little-endian executable (%v)", elf.Data(ident[elf.EI_DATA]))
	case elf.Version(ident[elf.EI_VERSION]) != elf.EV_CURRENT:
		return errors.Wrapf(ErrInvalidHeader, "unsupported ident version %d", ident[elf.EI_VERSION])
	case elf.Type(hdr.Type) != elf.ET_EXEC && elf.Type(hdr.Type) != ET_SCE_EXEC:
		return errors.Wrapf(ErrInvalidHeader, "type 0x%04X is not an executable", hdr.Type)
	case elf.Machine(hdr.Machine) != elf.EM_ARM:
		return errors.Wrapf(ErrInvalidHeader, "machine %v is not ARM", elf.Machine(hdr.Machine))
	case elf.Version(hdr.Version) != elf.EV_CURRENT:
		return errors.Wrapf(ErrInvalidHeader, "unsupported version %d", hdr.Version)
	case hdr.Shoff == 0 || hdr.Phoff == 0:
		return errors.Wrap(ErrInvalidHeader, "missing table header(s)")
	case hdr.Shstrndx == 0:
		return errors.Wrap(ErrInvalidHeader, "missing strings table")
	}
	return nil
}

func programHeaders(img image, hdr *elf.Header32) ([]elf.Prog32, error) {
	if hdr.Phnum > 0 && hdr.Phentsize < phdrSize {
		return nil, errors.Wrapf(ErrInvalidHeader, "program header entry size %d", hdr.Phentsize)
	}
	progs := make([]elf.Prog32, hdr.Phnum)
	for i := range progs {
		off := int64(hdr.Phoff) + int64(i)*int64(hdr.Phentsize)
		if err := img.unpack(off, phdrSize, &progs[i]); err != nil {
			return nil, errors.Wrapf(ErrInvalidHeader, "program header %d: %v", i, err)
		}
	}
	return progs, nil
}
