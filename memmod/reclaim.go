package memmod

import (
	"debug/elf"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
)

// Footprint returns the lowest and highest addresses spanned by progs,
// loadable or not.
func Footprint(progs []elf.Prog32) (lo, hi uint32) {
	lo = 0xFFFFFFFF
	for _, p := range progs {
		if p.Vaddr < lo {
			lo = p.Vaddr
		}
		if end := p.Vaddr + p.Memsz; end > hi {
			hi = end
		}
	}
	return lo, hi
}

// Reclaim force-unloads every resident module with a segment based at
// reclaimAddr. The conflict test is an exact base match, not an overlap with
// the image's footprint. It returns the names of the evicted modules.
func Reclaim(mt ModuleTable, progs []elf.Prog32, reclaimAddr uint32, log logr.Logger) ([]string, error) {
	lo, hi := Footprint(progs)
	log.V(1).Info("image footprint", "lowest", hexAddr(lo), "highest", hexAddr(hi))

	ids, err := mt.ModuleList(MaxLoadedModules)
	if err != nil {
		log.Error(err, "failed to get module list")
		return nil, errors.Wrapf(ErrReclaimFailed, "module list: %v", err)
	}
	if len(ids) > MaxLoadedModules {
		ids = ids[:MaxLoadedModules]
	}
	log.V(1).Info("resident modules", "count", len(ids))

	var evicted []string
	for i, id := range ids {
		log.V(2).Info("reading module info", "index", i, "uid", id)
		info, err := mt.ModuleInfo(id)
		if err != nil {
			log.Error(err, "cannot read module info, continuing", "uid", id)
			continue
		}
		for j, seg := range info.Segments {
			if seg.Base != reclaimAddr {
				continue
			}
			log.V(1).Info("module segment is in our address space, unloading",
				"module", info.Name, "segment", j, "base", hexAddr(seg.Base), "size", seg.Size)
			if err := mt.StopUnloadModule(id); err != nil {
				log.Error(err, "error unloading module", "module", info.Name)
				return evicted, errors.Wrapf(ErrReclaimFailed, "unload %s: %v", info.Name, err)
			}
			evicted = append(evicted, info.Name)
			break
		}
	}
	return evicted, nil
}
