package memmod

import (
	"io"

	"github.com/pkg/errors"
)

// Image is an executable brought up in platform memory.
type Image struct {
	Name     string
	Entry    uint32
	Info     ModuleInfo
	Segments []Segment
	Evicted  []string
	Warnings []Warning
}

// Load validates the ELF image in src, evicts resident modules that occupy
// its load region, maps its segments, resolves its imports and returns its
// entry point. Segment blocks mapped before a failure are freed; on success
// they belong to the returned image.
func Load(p Platform, src io.ReaderAt, size int64, opts ...Option) (_ *Image, err error) {
	o := newLoadOptions(opts)
	log := o.log
	img := image{r: src, size: size}

	log.V(2).Info("reading headers")
	hdr, err := readHeader(img)
	if err != nil {
		log.Error(err, "check header failed")
		return nil, err
	}
	log.V(1).Info("checking headers", "type", hexAddr(hdr.Type), "machine", hdr.Machine)
	if err := ValidateHeader(hdr); err != nil {
		log.WithName("header").Error(err, "check header failed")
		return nil, err
	}
	progs, err := programHeaders(img, hdr)
	if err != nil {
		log.WithName("header").Error(err, "cannot read program headers")
		return nil, err
	}

	log.V(1).Info("getting module info")
	info, err := findModuleInfo(img, hdr, log.WithName("modinfo"))
	if err != nil {
		log.Error(err, "cannot find module info section")
		return nil, err
	}
	log.V(1).Info("module info", "name", info.Name,
		"exports", hexAddr(info.ExportsTop), "imports", hexAddr(info.ImportsTop))

	log.V(1).Info("cleaning up memory")
	evicted, err := Reclaim(p, progs, o.reclaimAddress, log.WithName("reclaim"))
	if err != nil {
		return nil, err
	}

	segs, warnings, err := loadSegments(p, img, progs, o.blockName, log.WithName("segments"))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			releaseSegments(p, segs, log)
		}
	}()

	base := progs[0].Vaddr
	frame := FrameLoad
	if o.fileRelativeImports {
		frame = FrameFile
	}
	skipped, err := ResolveImports(p, base+info.ImportsTop, base+info.ImportsEnd, frame, base, log.WithName("imports"))
	warnings = append(warnings, skipped...)
	if err != nil {
		return nil, err
	}

	entry, err := FindEntry(p, base+info.ExportsTop, base+info.ExportsEnd, log.WithName("entry"))
	if err != nil {
		return nil, err
	}

	return &Image{
		Name:     info.Name,
		Entry:    entry,
		Info:     *info,
		Segments: segs,
		Evicted:  evicted,
		Warnings: warnings,
	}, nil
}

// Release frees the blocks holding the image's segments.
func (m *Image) Release(p Allocator) error {
	var first error
	for _, seg := range m.Segments {
		if err := p.FreeMemBlock(seg.Block); err != nil && first == nil {
			first = errors.Wrapf(err, "free segment %d", seg.Index)
		}
	}
	m.Segments = nil
	return first
}
