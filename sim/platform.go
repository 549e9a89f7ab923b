// Package sim is an in-process platform: a 32-bit address space of memory
// blocks backed by host arenas, plus a table of resident modules and a
// catalogue of modules that can be brought in on demand.
package sim

import (
	"slices"
	"sync"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"

	"github.com/sliverarmory/vitaload/internal/hostmem"
	"github.com/sliverarmory/vitaload/memmod"
)

const (
	// DefaultBase is where first-fit placement starts.
	DefaultBase uint32 = 0x81000000
	// DefaultLimit is the first address past the allocatable space.
	DefaultLimit uint32 = 0xE0000000

	pageSize = 0x1000
)

var (
	ErrUnmapped           = errors.New("sim: address not mapped")
	ErrNoSuchBlock        = errors.New("sim: no such memory block")
	ErrNoSuchModule       = errors.New("sim: no such module")
	ErrOutOfMemory        = errors.New("sim: address space exhausted")
	ErrAddressInUse       = errors.New("sim: address range in use")
	ErrLibraryUnavailable = errors.New("sim: library unavailable")
	ErrModulePinned       = errors.New("sim: module is pinned")
)

// BlockInfo describes an allocated memory block.
type BlockInfo struct {
	ID         memmod.BlockID
	Name       string
	Base       uint32
	Size       uint32
	Executable bool
}

type block struct {
	BlockInfo
	arena *hostmem.Arena
}

func (b *block) end() uint64 {
	return uint64(b.Base) + uint64(b.Size)
}

// Platform implements memmod.Platform. It is safe for concurrent use.
type Platform struct {
	log     logr.Logger
	base    uint32
	limit   uint32
	regions map[string]uint32

	mu         sync.Mutex
	blocks     []*block // sorted by base
	nextBlock  memmod.BlockID
	modules    []*module // load order
	nextModule memmod.ModuleID
	catalogue  []ModuleSpec
}

type Option func(*Platform)

// WithBase sets where first-fit placement starts.
func WithBase(addr uint32) Option {
	return func(p *Platform) {
		p.base = addr
	}
}

// WithLimit sets the end of the allocatable address space.
func WithLimit(addr uint32) Option {
	return func(p *Platform) {
		p.limit = addr
	}
}

// WithRegion starts first-fit placement of blocks called name at addr
// instead of at the platform base.
func WithRegion(name string, addr uint32) Option {
	return func(p *Platform) {
		p.regions[name] = addr
	}
}

func WithLogger(log logr.Logger) Option {
	return func(p *Platform) {
		p.log = log
	}
}

func New(opts ...Option) *Platform {
	p := &Platform{
		log:        logr.Discard(),
		base:       DefaultBase,
		limit:      DefaultLimit,
		regions:    make(map[string]uint32),
		nextBlock:  0x10001,
		nextModule: 0x20001,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func alignUp[I constraints.Integer](v, a I) I {
	return (v + a - 1) &^ (a - 1)
}

// Close frees every block, resident modules included.
func (p *Platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for _, b := range p.blocks {
		if err := b.arena.Close(); err != nil && first == nil {
			first = err
		}
	}
	p.blocks = nil
	p.modules = nil
	return first
}

// Blocks lists the allocated blocks in address order.
func (p *Platform) Blocks() []BlockInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]BlockInfo, len(p.blocks))
	for i, b := range p.blocks {
		out[i] = b.BlockInfo
	}
	return out
}

func (p *Platform) blockAt(addr int64) *block {
	for _, b := range p.blocks {
		if addr >= int64(b.Base) && uint64(addr) < b.end() {
			return b
		}
	}
	return nil
}

func (p *Platform) blockByID(id memmod.BlockID) (int, *block) {
	for i, b := range p.blocks {
		if b.ID == id {
			return i, b
		}
	}
	return -1, nil
}

// ReadAt reads platform memory at the absolute address off. Reads may span
// adjacent blocks; hitting an unmapped address stops the read with
// ErrUnmapped.
func (p *Platform) ReadAt(b []byte, off int64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for n < len(b) {
		addr := off + int64(n)
		blk := p.blockAt(addr)
		if blk == nil {
			return n, errors.Wrapf(ErrUnmapped, "read at 0x%08X", addr)
		}
		m, err := blk.arena.ReadAt(b[n:], int(addr-int64(blk.Base)))
		n += m
		if err != nil {
			return n, errors.Wrapf(err, "read block %d", blk.ID)
		}
	}
	return n, nil
}

// WriteAt writes platform memory at the absolute address off with the same
// rules as ReadAt.
func (p *Platform) WriteAt(b []byte, off int64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for n < len(b) {
		addr := off + int64(n)
		blk := p.blockAt(addr)
		if blk == nil {
			return n, errors.Wrapf(ErrUnmapped, "write at 0x%08X", addr)
		}
		chunk := b[n:]
		if room := blk.end() - uint64(addr); uint64(len(chunk)) > room {
			chunk = chunk[:room]
		}
		m, err := blk.arena.Write(chunk, int(addr-int64(blk.Base)))
		n += m
		if err != nil {
			return n, errors.Wrapf(err, "write block %d", blk.ID)
		}
	}
	return n, nil
}

// place finds the lowest free range of size bytes on a segment boundary at
// or above start.
func (p *Platform) place(start, size uint32) (uint32, error) {
	cand := alignUp(uint64(start), memmod.SegmentAlign)
	for _, b := range p.blocks {
		if b.end() <= cand {
			continue
		}
		if cand+uint64(size) <= uint64(b.Base) {
			break
		}
		cand = alignUp(b.end(), memmod.SegmentAlign)
	}
	if cand+uint64(size) > uint64(p.limit) {
		return 0, errors.Wrapf(ErrOutOfMemory, "0x%X bytes from 0x%08X", size, start)
	}
	return uint32(cand), nil
}

func (p *Platform) overlaps(base, size uint32) bool {
	end := uint64(base) + uint64(size)
	for _, b := range p.blocks {
		if uint64(base) < b.end() && uint64(b.Base) < end {
			return true
		}
	}
	return false
}

// alloc maps a block of size bytes. A zero at picks the address first-fit.
func (p *Platform) alloc(name string, size uint32, exec bool, at uint32) (*block, error) {
	if size == 0 {
		return nil, errors.Errorf("sim: zero-sized block %q", name)
	}
	size = alignUp(size, pageSize)
	if size == 0 {
		return nil, errors.Wrapf(ErrOutOfMemory, "block %q", name)
	}
	base := at
	if base == 0 {
		start := p.base
		if r, ok := p.regions[name]; ok {
			start = r
		}
		var err error
		if base, err = p.place(start, size); err != nil {
			return nil, err
		}
	} else if p.overlaps(base, size) || uint64(base)+uint64(size) > 1<<32 {
		return nil, errors.Wrapf(ErrAddressInUse, "[0x%08X, 0x%08X)", base, uint64(base)+uint64(size))
	}

	arena, err := hostmem.Map(int(size), exec)
	if err != nil {
		return nil, errors.Wrapf(ErrOutOfMemory, "map %q: %v", name, err)
	}
	b := &block{
		BlockInfo: BlockInfo{
			ID:         p.nextBlock,
			Name:       name,
			Base:       base,
			Size:       size,
			Executable: exec,
		},
		arena: arena,
	}
	p.nextBlock++
	p.blocks = append(p.blocks, b)
	slices.SortFunc(p.blocks, func(x, y *block) int {
		switch {
		case x.Base < y.Base:
			return -1
		case x.Base > y.Base:
			return 1
		}
		return 0
	})
	p.log.V(1).Info("allocated block", "name", name, "uid", b.ID, "base", hexAddr(base), "size", size, "executable", exec)
	return b, nil
}

func (p *Platform) free(id memmod.BlockID) error {
	i, b := p.blockByID(id)
	if b == nil {
		return errors.Wrapf(ErrNoSuchBlock, "uid %d", id)
	}
	p.blocks = slices.Delete(p.blocks, i, i+1)
	p.log.V(1).Info("freed block", "name", b.Name, "uid", id, "base", hexAddr(b.Base))
	return b.arena.Close()
}

func (p *Platform) AllocMemBlock(name string, typ memmod.MemBlockType, size uint32) (memmod.BlockID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log.V(2).Info("alloc", "name", name, "type", hexAddr(uint32(typ)), "size", size)
	b, err := p.alloc(name, size, false, 0)
	if err != nil {
		return 0, err
	}
	return b.ID, nil
}

func (p *Platform) AllocCodeMemBlock(name string, size uint32) (memmod.BlockID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, err := p.alloc(name, size, true, 0)
	if err != nil {
		return 0, err
	}
	return b.ID, nil
}

func (p *Platform) MemBlockBase(id memmod.BlockID) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, b := p.blockByID(id)
	if b == nil {
		return 0, errors.Wrapf(ErrNoSuchBlock, "uid %d", id)
	}
	return b.Base, nil
}

func (p *Platform) FindMemBlockByAddr(addr uint32) (memmod.BlockID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.blockAt(int64(addr))
	if b == nil {
		return 0, errors.Wrapf(ErrUnmapped, "no block at 0x%08X", addr)
	}
	return b.ID, nil
}

func (p *Platform) FreeMemBlock(id memmod.BlockID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free(id)
}
