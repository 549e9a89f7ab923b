package memmod

import "io"

// MemBlockType is the attribute word passed to AllocMemBlock.
type MemBlockType uint32

// MemBlockTypeUserRW is the attribute used for ordinary read/write blocks.
const MemBlockTypeUserRW MemBlockType = 0x0C20D060

const (
	// MaxLoadedModules bounds the resident module list.
	MaxLoadedModules = 128
	// MaxModuleSegments is the number of segments kept per resident module.
	MaxModuleSegments = 3
)

type (
	BlockID  int32
	ModuleID int32
)

// Memory addresses the platform's 32-bit address space. Offsets passed to
// ReadAt and WriteAt are absolute addresses.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

type Allocator interface {
	AllocMemBlock(name string, typ MemBlockType, size uint32) (BlockID, error)
	AllocCodeMemBlock(name string, size uint32) (BlockID, error)
	MemBlockBase(id BlockID) (uint32, error)
	FindMemBlockByAddr(addr uint32) (BlockID, error)
	FreeMemBlock(id BlockID) error
}

type ModuleTable interface {
	ModuleList(max int) ([]ModuleID, error)
	ModuleInfo(id ModuleID) (LoadedModule, error)
	StopUnloadModule(id ModuleID) error
	LoadModuleForLibrary(library string) error
}

// Platform is every service the loader consumes from the host.
type Platform interface {
	Memory
	Allocator
	ModuleTable
}

type ModuleSegment struct {
	Base, Size uint32
}

// LoadedModule describes a resident module as reported by the platform.
type LoadedModule struct {
	ID           ModuleID
	Name         string
	Segments     [MaxModuleSegments]ModuleSegment
	ExportsStart uint32
	ExportsEnd   uint32
}
