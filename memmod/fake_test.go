package memmod

import (
	"bytes"
	"io"

	"github.com/pkg/errors"

	"github.com/sliverarmory/vitaload/internal/testimage"
)

type fakeBlock struct {
	id   BlockID
	name string
	base uint32
	data []byte
	exec bool
}

// fakePlatform hands out blocks at increasing addresses and records what
// the loader asked of it.
type fakePlatform struct {
	blocks    []*fakeBlock
	nextID    BlockID
	cursor    uint32
	placeAt   []uint32
	allocs    int
	failAlloc int
	baseErr   error

	modules   []LoadedModule
	listErr   error
	infoErr   map[ModuleID]error
	unloadErr error
	unloaded  []ModuleID
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		nextID:  1,
		cursor:  DefaultReclaimAddress,
		infoErr: make(map[ModuleID]error),
	}
}

func (f *fakePlatform) find(addr int64) *fakeBlock {
	for _, b := range f.blocks {
		if addr >= int64(b.base) && addr < int64(b.base)+int64(len(b.data)) {
			return b
		}
	}
	return nil
}

func (f *fakePlatform) ReadAt(b []byte, off int64) (int, error) {
	blk := f.find(off)
	if blk == nil {
		return 0, errors.Errorf("unmapped read at 0x%X", off)
	}
	n := copy(b, blk.data[off-int64(blk.base):])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func (f *fakePlatform) WriteAt(b []byte, off int64) (int, error) {
	blk := f.find(off)
	if blk == nil || off+int64(len(b)) > int64(blk.base)+int64(len(blk.data)) {
		return 0, errors.Errorf("unmapped write at 0x%X", off)
	}
	return copy(blk.data[off-int64(blk.base):], b), nil
}

func (f *fakePlatform) alloc(name string, size uint32, exec bool) (BlockID, error) {
	f.allocs++
	if f.allocs == f.failAlloc {
		return 0, errors.New("out of memory")
	}
	base := f.cursor
	if len(f.placeAt) > 0 {
		base, f.placeAt = f.placeAt[0], f.placeAt[1:]
	} else {
		f.cursor += size
	}
	blk := &fakeBlock{
		id:   f.nextID,
		name: name,
		base: base,
		data: bytes.Repeat([]byte{0xCC}, int(size)),
		exec: exec,
	}
	f.nextID++
	f.blocks = append(f.blocks, blk)
	return blk.id, nil
}

func (f *fakePlatform) AllocMemBlock(name string, typ MemBlockType, size uint32) (BlockID, error) {
	return f.alloc(name, size, false)
}

func (f *fakePlatform) AllocCodeMemBlock(name string, size uint32) (BlockID, error) {
	return f.alloc(name, size, true)
}

func (f *fakePlatform) MemBlockBase(id BlockID) (uint32, error) {
	if f.baseErr != nil {
		return 0, f.baseErr
	}
	for _, b := range f.blocks {
		if b.id == id {
			return b.base, nil
		}
	}
	return 0, errors.Errorf("no block %d", id)
}

func (f *fakePlatform) FindMemBlockByAddr(addr uint32) (BlockID, error) {
	if b := f.find(int64(addr)); b != nil {
		return b.id, nil
	}
	return 0, errors.Errorf("no block at 0x%08X", addr)
}

func (f *fakePlatform) FreeMemBlock(id BlockID) error {
	for i, b := range f.blocks {
		if b.id == id {
			f.blocks = append(f.blocks[:i], f.blocks[i+1:]...)
			return nil
		}
	}
	return errors.Errorf("no block %d", id)
}

func (f *fakePlatform) ModuleList(max int) ([]ModuleID, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var ids []ModuleID
	for _, m := range f.modules {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (f *fakePlatform) ModuleInfo(id ModuleID) (LoadedModule, error) {
	if err := f.infoErr[id]; err != nil {
		return LoadedModule{}, err
	}
	for _, m := range f.modules {
		if m.ID == id {
			return m, nil
		}
	}
	return LoadedModule{}, errors.Errorf("no module %d", id)
}

func (f *fakePlatform) StopUnloadModule(id ModuleID) error {
	if f.unloadErr != nil {
		return f.unloadErr
	}
	for i, m := range f.modules {
		if m.ID == id {
			f.modules = append(f.modules[:i], f.modules[i+1:]...)
			f.unloaded = append(f.unloaded, id)
			return nil
		}
	}
	return errors.Errorf("no module %d", id)
}

func (f *fakePlatform) LoadModuleForLibrary(library string) error {
	return errors.Errorf("no provider for %s", library)
}

// flatMem is an image's text and data segments laid out at their declared
// addresses.
type flatMem struct {
	base uint32
	buf  []byte
}

func newFlatMem(img *testimage.Image) *flatMem {
	m := &flatMem{base: img.Base, buf: make([]byte, testimage.DataOffset+img.DataMem)}
	copy(m.buf, img.Bytes[0x1000:0x1000+img.TextSize])
	dataOff := (0x1000 + int(img.TextSize) + 0xFFF) &^ 0xFFF
	copy(m.buf[testimage.DataOffset:], img.Bytes[dataOff:dataOff+int(img.DataSize)])
	return m
}

func (m *flatMem) ReadAt(b []byte, off int64) (int, error) {
	rel := off - int64(m.base)
	if rel < 0 || rel >= int64(len(m.buf)) {
		return 0, errors.Errorf("unmapped read at 0x%X", off)
	}
	n := copy(b, m.buf[rel:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func (m *flatMem) WriteAt(b []byte, off int64) (int, error) {
	rel := off - int64(m.base)
	if rel < 0 || rel+int64(len(b)) > int64(len(m.buf)) {
		return 0, errors.Errorf("unmapped write at 0x%X", off)
	}
	return copy(m.buf[rel:], b), nil
}

func imageOf(img *testimage.Image) image {
	return image{r: bytes.NewReader(img.Bytes), size: int64(len(img.Bytes))}
}
