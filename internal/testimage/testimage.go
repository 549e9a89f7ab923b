// Package testimage builds small executable images for tests: a text
// segment holding code, module info, exports and import descriptors, and a
// data segment holding import slot tables, filler and bss.
package testimage

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/lunixbochs/struc"
)

const (
	DefaultBase uint32 = 0x81000000
	// DataOffset separates the data segment from the text segment.
	DataOffset uint32 = 0x100000

	EntryNID       uint32 = 0x935CD196
	ETSceExec             = 0xFE00
	ModuleInfoName        = ".sceModuleInfo.rodata"

	textFileOff = 0x1000
	bxLR        = 0xE12FFF1E
)

// Sym is an exported NID and its address.
type Sym struct {
	NID  uint32
	Addr uint32
}

type Export struct {
	Library   string
	NID       uint32
	Functions []Sym
	Variables []Sym
	TLS       []Sym
}

type Import struct {
	Library   string
	ModuleNID uint32
	Functions []uint32
	Variables []uint32
	TLS       []uint32
}

type Config struct {
	Name      string
	ModuleNID uint32
	// Base is the text segment's address. Zero means DefaultBase.
	Base uint32
	// DataSize bytes of filler follow the slot tables; BSS adds memory
	// size past the file bytes.
	DataSize uint32
	BSS      uint32

	// ModuleInfoExports precede the entry in the module-info export.
	ModuleInfoExports []Sym
	NoEntry           bool
	Exports           []Export
	Imports           []Import

	// FileRelative writes import pointers relative to Base.
	FileRelative bool
	// OmitModuleInfo leaves the module info name out of the string table.
	OmitModuleInfo bool
	// UnreferencedModuleInfo keeps the name but no section uses it.
	UnreferencedModuleInfo bool
	// ModuleInfoOutOfBounds points the module info section past the file.
	ModuleInfoOutOfBounds bool

	ExtraPrograms []elf.Prog32
	Header        func(*elf.Header32)
}

// ImportLayout gives the load-frame addresses of one import's descriptor
// and slots.
type ImportLayout struct {
	Descriptor uint32
	FuncSlots  []uint32
	VarSlots   []uint32
	TLSSlots   []uint32
}

type Image struct {
	Bytes []byte

	Base     uint32
	DataBase uint32
	TextSize uint32
	DataSize uint32
	DataMem  uint32
	Entry    uint32

	ExportsTop uint32
	ExportsEnd uint32
	ImportsTop uint32
	ImportsEnd uint32
	Imports    []ImportLayout
}

type moduleInfo struct {
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
	Reserved   [3]uint32
	ModStart   uint32
	ModStop    uint32
	ExidxStart uint32
	ExidxEnd   uint32
	ExtabStart uint32
	ExtabEnd   uint32
}

type export struct {
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

type importDesc struct {
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

func pack(v any) []byte {
	var buf bytes.Buffer
	if err := struc.PackWithOptions(&buf, v, &struc.Options{Order: binary.LittleEndian}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

type segment struct {
	vaddr uint32
	buf   []byte
}

func (s *segment) reserve(n, align int) uint32 {
	for len(s.buf)%align != 0 {
		s.buf = append(s.buf, 0)
	}
	off := len(s.buf)
	s.buf = append(s.buf, make([]byte, n)...)
	return s.vaddr + uint32(off)
}

func (s *segment) put(addr uint32, b []byte) {
	copy(s.buf[addr-s.vaddr:], b)
}

func (s *segment) words(ws []uint32) uint32 {
	addr := s.reserve(4*len(ws), 4)
	for i, w := range ws {
		binary.LittleEndian.PutUint32(s.buf[int(addr-s.vaddr)+4*i:], w)
	}
	return addr
}

func (s *segment) cstring(str string) uint32 {
	addr := s.reserve(len(str)+1, 4)
	s.put(addr, []byte(str))
	return addr
}

func nids(syms ...[]Sym) (ids, addrs []uint32) {
	for _, group := range syms {
		for _, s := range group {
			ids = append(ids, s.NID)
			addrs = append(addrs, s.Addr)
		}
	}
	return ids, addrs
}

// Build lays out and encodes an image.
func Build(cfg Config) *Image {
	base := cfg.Base
	if base == 0 {
		base = DefaultBase
	}
	text := &segment{vaddr: base}
	data := &segment{vaddr: base + DataOffset}
	out := &Image{Base: base, DataBase: data.vaddr}

	out.Entry = text.words([]uint32{bxLR, 0, 0, 0})
	infoAddr := text.reserve(0x5C, 0x10)
	expTop := text.reserve(0x20*(1+len(cfg.Exports)), 0x10)
	impTop := text.reserve(0x34*len(cfg.Imports), 4)
	out.ExportsTop = expTop - base
	out.ExportsEnd = out.ExportsTop + uint32(0x20*(1+len(cfg.Exports)))
	out.ImportsTop = impTop - base
	out.ImportsEnd = out.ImportsTop + uint32(0x34*len(cfg.Imports))

	infoSyms := append([]Sym(nil), cfg.ModuleInfoExports...)
	if !cfg.NoEntry {
		infoSyms = append(infoSyms, Sym{NID: EntryNID, Addr: out.Entry})
	}
	ids, addrs := nids(infoSyms)
	text.put(expTop, pack(&export{
		Size:         0x20,
		Version:      1,
		Attribute:    0x8000,
		NumFunctions: uint16(len(ids)),
		NIDTable:     text.words(ids),
		EntryTable:   text.words(addrs),
	}))
	for i, e := range cfg.Exports {
		ids, addrs := nids(e.Functions, e.Variables, e.TLS)
		text.put(expTop+uint32(0x20*(i+1)), pack(&export{
			Size:         0x20,
			Version:      1,
			Attribute:    1,
			NumFunctions: uint16(len(e.Functions)),
			NumVars:      uint32(len(e.Variables)),
			NumTLSVars:   uint32(len(e.TLS)),
			ModuleNID:    e.NID,
			LibName:      text.cstring(e.Library),
			NIDTable:     text.words(ids),
			EntryTable:   text.words(addrs),
		}))
	}

	rel := func(addr uint32) uint32 {
		if cfg.FileRelative && addr != 0 {
			return addr - base
		}
		return addr
	}
	slots := func(n int) (uint32, []uint32) {
		if n == 0 {
			return 0, nil
		}
		addr := data.reserve(4*n, 4)
		all := make([]uint32, n)
		for i := range all {
			all[i] = addr + uint32(4*i)
		}
		return addr, all
	}
	for i, imp := range cfg.Imports {
		at := impTop + uint32(0x34*i)
		lay := ImportLayout{Descriptor: at}
		desc := importDesc{
			Size:         0x34,
			Version:      1,
			NumFunctions: uint16(len(imp.Functions)),
			NumVars:      uint16(len(imp.Variables)),
			NumTLSVars:   uint16(len(imp.TLS)),
			ModuleNID:    imp.ModuleNID,
			LibName:      rel(text.cstring(imp.Library)),
		}
		var funcs, vars, tls uint32
		funcs, lay.FuncSlots = slots(len(imp.Functions))
		vars, lay.VarSlots = slots(len(imp.Variables))
		tls, lay.TLSSlots = slots(len(imp.TLS))
		if len(imp.Functions) > 0 {
			desc.FuncNIDTable = rel(text.words(imp.Functions))
			desc.FuncEntryTable = rel(funcs)
		}
		if len(imp.Variables) > 0 {
			desc.VarNIDTable = rel(text.words(imp.Variables))
			desc.VarEntryTable = rel(vars)
		}
		if len(imp.TLS) > 0 {
			desc.TLSNIDTable = rel(text.words(imp.TLS))
			desc.TLSEntryTable = rel(tls)
		}
		text.put(at, pack(&desc))
		out.Imports = append(out.Imports, lay)
	}

	info := moduleInfo{
		Version:   0x0101,
		EntTop:    out.ExportsTop,
		EntEnd:    out.ExportsEnd,
		StubTop:   out.ImportsTop,
		StubEnd:   out.ImportsEnd,
		ModuleNID: cfg.ModuleNID,
		ModStart:  out.Entry,
	}
	copy(info.Name[:26], cfg.Name)
	text.put(infoAddr, pack(&info))

	if cfg.DataSize > 0 {
		filler := bytes.Repeat([]byte{0x5A}, int(cfg.DataSize))
		data.put(data.reserve(len(filler), 1), filler)
	}
	if len(data.buf) == 0 {
		data.reserve(0x10, 1)
	}
	out.TextSize = uint32(len(text.buf))
	out.DataSize = uint32(len(data.buf))
	out.DataMem = out.DataSize + cfg.BSS

	out.Bytes = encode(cfg, out, text, data, infoAddr)
	return out
}

func alignUp(v, a int) int {
	return (v + a - 1) &^ (a - 1)
}

func encode(cfg Config, out *Image, text, data *segment, infoAddr uint32) []byte {
	dataFileOff := alignUp(textFileOff+len(text.buf), 0x1000)
	strOff := dataFileOff + len(data.buf)

	var strtab []byte
	infoName := uint32(0)
	strtab = append(strtab, 0)
	if !cfg.OmitModuleInfo {
		infoName = uint32(len(strtab))
		strtab = append(append(strtab, ModuleInfoName...), 0)
	}
	textName := uint32(len(strtab))
	strtab = append(append(strtab, ".text"...), 0)
	shstrName := uint32(len(strtab))
	strtab = append(append(strtab, ".shstrtab"...), 0)
	if cfg.OmitModuleInfo || cfg.UnreferencedModuleInfo {
		infoName = textName
	}
	shOff := alignUp(strOff+len(strtab), 4)

	progs := []elf.Prog32{
		{
			Type:   uint32(elf.PT_LOAD),
			Off:    textFileOff,
			Vaddr:  text.vaddr,
			Paddr:  text.vaddr,
			Filesz: uint32(len(text.buf)),
			Memsz:  uint32(len(text.buf)),
			Flags:  uint32(elf.PF_R | elf.PF_X),
			Align:  0x10,
		},
		{
			Type:   uint32(elf.PT_LOAD),
			Off:    uint32(dataFileOff),
			Vaddr:  data.vaddr,
			Paddr:  data.vaddr,
			Filesz: out.DataSize,
			Memsz:  out.DataMem,
			Flags:  uint32(elf.PF_R | elf.PF_W),
			Align:  0x10,
		},
	}
	progs = append(progs, cfg.ExtraPrograms...)

	infoOff := uint32(textFileOff) + infoAddr - text.vaddr
	if cfg.ModuleInfoOutOfBounds {
		infoOff = uint32(shOff + 0x1000)
	}
	sections := []elf.Section32{
		{},
		{
			Name:      infoName,
			Type:      uint32(elf.SHT_PROGBITS),
			Flags:     uint32(elf.SHF_ALLOC),
			Addr:      infoAddr,
			Off:       infoOff,
			Size:      0x5C,
			Addralign: 4,
		},
		{
			Name:      shstrName,
			Type:      uint32(elf.SHT_STRTAB),
			Off:       uint32(strOff),
			Size:      uint32(len(strtab)),
			Addralign: 1,
		},
	}

	hdr := elf.Header32{
		Type:      ETSceExec,
		Machine:   uint16(elf.EM_ARM),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     out.Entry,
		Phoff:     0x34,
		Shoff:     uint32(shOff),
		Flags:     0x05000000,
		Ehsize:    0x34,
		Phentsize: 0x20,
		Phnum:     uint16(len(progs)),
		Shentsize: 0x28,
		Shnum:     uint16(len(sections)),
		Shstrndx:  2,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	if cfg.Header != nil {
		cfg.Header(&hdr)
	}

	file := make([]byte, shOff+len(sections)*0x28)
	copy(file, pack(&hdr))
	for i := range progs {
		copy(file[0x34+0x20*i:], pack(&progs[i]))
	}
	copy(file[textFileOff:], text.buf)
	copy(file[dataFileOff:], data.buf)
	copy(file[strOff:], strtab)
	for i := range sections {
		copy(file[shOff+0x28*i:], pack(&sections[i]))
	}
	return file
}

// Sign wraps an ELF image in a signed-executable header.
func Sign(image []byte) []byte {
	out := make([]byte, 0xA0, 0xA0+len(image))
	copy(out, "SCE\x00")
	binary.LittleEndian.PutUint32(out[4:], 3)
	return append(out, image...)
}
