package memmod

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrIO                     = errors.New("io failure")
	ErrAllocation             = errors.New("allocation failure")
	ErrInvalidHeader          = errors.New("invalid header")
	ErrModuleInfoNotFound     = errors.New("module info not found")
	ErrNoLoadableSegments     = errors.New("no loadable segments")
	ErrSegmentAllocFailed     = errors.New("segment allocation failed")
	ErrSegmentMapFailed       = errors.New("segment map failed")
	ErrReclaimFailed          = errors.New("reclaim failed")
	ErrProviderLoadFailed     = errors.New("provider load failed")
	ErrImportResolutionFailed = errors.New("import resolution failed")
	ErrEntryNotFound          = errors.New("entry not found")
	ErrDescriptorRelocated    = errors.New("import descriptor already relocated")
)

// WarningKind classifies a condition that was tolerated during a load.
type WarningKind int

const (
	// WarnPlacementMismatch means a segment block was allocated somewhere
	// other than the segment's declared address.
	WarnPlacementMismatch WarningKind = iota + 1
	// WarnProviderSkipped means the module providing a library could not be
	// loaded and the import descriptor was left unresolved.
	WarnProviderSkipped
	// WarnImageTruncated means the staged file filled the staging block.
	WarnImageTruncated
)

func (k WarningKind) String() string {
	switch k {
	case WarnPlacementMismatch:
		return "placement mismatch"
	case WarnProviderSkipped:
		return "provider skipped"
	case WarnImageTruncated:
		return "image truncated"
	default:
		return fmt.Sprintf("warning(%d)", int(k))
	}
}

// Warning is a tolerated condition observed during a load.
type Warning struct {
	Kind     WarningKind
	Segment  int
	Declared uint32
	Actual   uint32
	Library  string
	Err      error
}

func (w Warning) String() string {
	switch w.Kind {
	case WarnPlacementMismatch:
		return fmt.Sprintf("%s: segment %d wants 0x%08X, allocated 0x%08X", w.Kind, w.Segment, w.Declared, w.Actual)
	case WarnProviderSkipped:
		return fmt.Sprintf("%s: %s: %v", w.Kind, w.Library, w.Err)
	case WarnImageTruncated:
		return fmt.Sprintf("%s: read %d bytes", w.Kind, w.Actual)
	default:
		return w.Kind.String()
	}
}
