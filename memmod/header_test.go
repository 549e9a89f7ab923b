package memmod

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/pkg/errors"

	"github.com/sliverarmory/vitaload/internal/testimage"
)

func TestValidateHeader(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*elf.Header32)
		valid  bool
	}{
		{name: "signed executable type", valid: true},
		{name: "plain executable type", mutate: func(h *elf.Header32) { h.Type = uint16(elf.ET_EXEC) }, valid: true},
		{name: "bad magic", mutate: func(h *elf.Header32) { h.Ident[1] = 'X' }},
		{name: "64-bit class", mutate: func(h *elf.Header32) { h.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64) }},
		{name: "big endian", mutate: func(h *elf.Header32) { h.Ident[elf.EI_DATA] = byte(elf.ELFDATA2MSB) }},
		{name: "ident version", mutate: func(h *elf.Header32) { h.Ident[elf.EI_VERSION] = 0 }},
		{name: "shared object", mutate: func(h *elf.Header32) { h.Type = uint16(elf.ET_DYN) }},
		{name: "relocatable", mutate: func(h *elf.Header32) { h.Type = uint16(elf.ET_REL) }},
		{name: "x86 machine", mutate: func(h *elf.Header32) { h.Machine = uint16(elf.EM_386) }},
		{name: "header version", mutate: func(h *elf.Header32) { h.Version = 0 }},
		{name: "no section table", mutate: func(h *elf.Header32) { h.Shoff = 0 }},
		{name: "no program table", mutate: func(h *elf.Header32) { h.Phoff = 0 }},
		{name: "no string table", mutate: func(h *elf.Header32) { h.Shstrndx = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			img := testimage.Build(testimage.Config{Name: "header", Header: tc.mutate})
			hdr, err := readHeader(imageOf(img))
			if err != nil {
				t.Fatalf("readHeader: %v", err)
			}
			err = ValidateHeader(hdr)
			if tc.valid && err != nil {
				t.Fatalf("ValidateHeader: %v", err)
			}
			if !tc.valid && !errors.Is(err, ErrInvalidHeader) {
				t.Fatalf("ValidateHeader: got=%v want=%v", err, ErrInvalidHeader)
			}
		})
	}
}

func TestReadHeaderShortImage(t *testing.T) {
	img := testimage.Build(testimage.Config{Name: "short"})
	short := img.Bytes[:0x20]
	_, err := readHeader(image{r: bytes.NewReader(short), size: int64(len(short))})
	if !errors.Is(err, ErrInvalidHeader) {
		t.Fatalf("readHeader: got=%v want=%v", err, ErrInvalidHeader)
	}
}

func TestProgramHeaders(t *testing.T) {
	img := testimage.Build(testimage.Config{
		Name:          "progs",
		ExtraPrograms: []elf.Prog32{{Type: uint32(elf.PT_NOTE)}},
	})
	hdr, err := readHeader(imageOf(img))
	if err != nil {
		t.Fatalf("readHeader: %v", err)
	}
	progs, err := programHeaders(imageOf(img), hdr)
	if err != nil {
		t.Fatalf("programHeaders: %v", err)
	}
	if len(progs) != 3 {
		t.Fatalf("unexpected program count: got=%d want=3", len(progs))
	}
	if progs[0].Vaddr != img.Base || progs[1].Vaddr != img.DataBase {
		t.Fatalf("unexpected segment addresses: 0x%08X 0x%08X", progs[0].Vaddr, progs[1].Vaddr)
	}
	if progs[1].Memsz != img.DataMem {
		t.Fatalf("unexpected data memsz: got=0x%X want=0x%X", progs[1].Memsz, img.DataMem)
	}

	hdr.Phentsize = 0x10
	if _, err := programHeaders(imageOf(img), hdr); !errors.Is(err, ErrInvalidHeader) {
		t.Fatalf("short phentsize: got=%v want=%v", err, ErrInvalidHeader)
	}
	hdr.Phentsize = phdrSize
	hdr.Phoff = uint32(len(img.Bytes))
	if _, err := programHeaders(imageOf(img), hdr); !errors.Is(err, ErrInvalidHeader) {
		t.Fatalf("table past end: got=%v want=%v", err, ErrInvalidHeader)
	}
}
