package memmod

import (
	"debug/elf"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
)

// Segment is a program segment mapped into platform memory.
type Segment struct {
	Index      int
	Vaddr      uint32
	Base       uint32
	Length     uint32
	MemSize    uint32
	Block      BlockID
	Executable bool
}

func isMapped(p *elf.Prog32) bool {
	return elf.ProgType(p.Type) == elf.PT_LOAD && p.Vaddr != 0
}

// loadSegments allocates a block for every mapped program header and fills
// it with the segment's file bytes followed by zeroes up to its memory size.
// Blocks allocated by a failing call are freed before it returns.
func loadSegments(p Platform, img image, progs []elf.Prog32, blockName string, log logr.Logger) (segs []Segment, warnings []Warning, err error) {
	if len(progs) < 1 {
		return nil, nil, errors.WithStack(ErrNoLoadableSegments)
	}
	defer func() {
		if err != nil {
			releaseSegments(p, segs, log)
			segs = nil
		}
	}()

	log.V(1).Info("loading program sections", "count", len(progs))
	for i := range progs {
		ph := &progs[i]
		if !isMapped(ph) {
			log.V(1).Info("section is not loadable, skipping", "index", i, "type", elf.ProgType(ph.Type), "vaddr", hexAddr(ph.Vaddr))
			continue
		}
		if ph.Memsz < ph.Filesz {
			return segs, warnings, errors.Wrapf(ErrInvalidHeader, "segment %d memsz 0x%X < filesz 0x%X", i, ph.Memsz, ph.Filesz)
		}
		data, err := img.read(int64(ph.Off), int64(ph.Filesz))
		if err != nil {
			return segs, warnings, errors.Wrapf(ErrInvalidHeader, "segment %d: %v", i, err)
		}

		length := alignUp(uint64(ph.Memsz), SegmentAlign)
		if length == 0 {
			length = SegmentAlign
		}
		if length > 0xFFFFFFFF {
			return segs, warnings, errors.Wrapf(ErrInvalidHeader, "segment %d memsz 0x%X", i, ph.Memsz)
		}
		exec := elf.ProgFlag(ph.Flags)&elf.PF_X != 0

		var block BlockID
		if exec {
			block, err = p.AllocCodeMemBlock(blockName, uint32(length))
		} else {
			block, err = p.AllocMemBlock(blockName, MemBlockTypeUserRW, uint32(length))
		}
		if err != nil {
			log.Error(err, "error allocating memory", "index", i, "length", length, "executable", exec)
			return segs, warnings, errors.Wrapf(ErrSegmentAllocFailed, "segment %d (0x%X bytes): %v", i, length, err)
		}
		seg := Segment{
			Index:      i,
			Vaddr:      ph.Vaddr,
			Length:     uint32(length),
			MemSize:    ph.Memsz,
			Block:      block,
			Executable: exec,
		}
		segs = append(segs, seg)

		base, err := p.MemBlockBase(block)
		if err != nil {
			log.Error(err, "error getting memory block address", "block", block)
			return segs, warnings, errors.Wrapf(ErrSegmentMapFailed, "segment %d block %d: %v", i, block, err)
		}
		segs[len(segs)-1].Base = base
		if base != ph.Vaddr {
			log.Info("segment placed away from its declared address", "index", i, "wanted", hexAddr(ph.Vaddr), "allocated", hexAddr(base))
			warnings = append(warnings, Warning{
				Kind:     WarnPlacementMismatch,
				Segment:  i,
				Declared: ph.Vaddr,
				Actual:   base,
			})
		}

		log.V(1).Info("allocated memory, loading section", "index", i, "base", hexAddr(base), "filesz", ph.Filesz)
		if _, err := p.WriteAt(data, int64(base)); err != nil {
			return segs, warnings, errors.Wrapf(ErrSegmentMapFailed, "segment %d copy: %v", i, err)
		}
		if zero := ph.Memsz - ph.Filesz; zero > 0 {
			log.V(1).Info("zeroing remainder of memory", "index", i, "size", zero)
			if _, err := p.WriteAt(make([]byte, zero), int64(base)+int64(ph.Filesz)); err != nil {
				return segs, warnings, errors.Wrapf(ErrSegmentMapFailed, "segment %d zero fill: %v", i, err)
			}
		}
	}
	return segs, warnings, nil
}

func releaseSegments(p Allocator, segs []Segment, log logr.Logger) {
	for _, seg := range segs {
		if err := p.FreeMemBlock(seg.Block); err != nil {
			log.Error(err, "cannot free segment block", "index", seg.Index, "block", seg.Block)
		}
	}
}
