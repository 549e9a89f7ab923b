package memmod

import (
	"fmt"

	"github.com/go-logr/logr"
)

// DefaultBlockName names the blocks allocated for an image's segments.
const DefaultBlockName = "LoaderImage"

type loadOptions struct {
	log                 logr.Logger
	reclaimAddress      uint32
	fileRelativeImports bool
	blockName           string
}

type Option func(*loadOptions)

// WithLogger routes pipeline diagnostics to log.
func WithLogger(log logr.Logger) Option {
	return func(o *loadOptions) {
		o.log = log
	}
}

// WithReclaimAddress changes the segment base that marks a resident module
// for eviction.
func WithReclaimAddress(addr uint32) Option {
	return func(o *loadOptions) {
		o.reclaimAddress = addr
	}
}

// WithFileRelativeImports declares that the image's import descriptors hold
// pointers relative to the first segment's base rather than absolute
// addresses.
func WithFileRelativeImports() Option {
	return func(o *loadOptions) {
		o.fileRelativeImports = true
	}
}

// WithBlockName sets the name given to segment blocks.
func WithBlockName(name string) Option {
	return func(o *loadOptions) {
		o.blockName = name
	}
}

// LoggerOf returns the logger opts route diagnostics to.
func LoggerOf(opts ...Option) logr.Logger {
	return newLoadOptions(opts).log
}

func newLoadOptions(opts []Option) loadOptions {
	o := loadOptions{
		log:            logr.Discard(),
		reclaimAddress: DefaultReclaimAddress,
		blockName:      DefaultBlockName,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type hexAddr uint32

func (a hexAddr) String() string {
	return fmt.Sprintf("0x%08X", uint32(a))
}
