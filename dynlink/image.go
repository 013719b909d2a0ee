package dynlink

import "sync"

// LoadState is a point in §4.4's per-image load pipeline:
//
//	NEW -> HEADER_READ -> SEGMENTS_MAPPED -> LINKER_INFO_LOADED ->
//	DEPENDENCIES_LOADED -> EXPORTS_INITED -> RELOCATED -> READY
//
// An image already at READY short-circuits a repeat Load (LOADED_ALREADY)
// rather than re-running any stage — see Linker.Load.
type LoadState int

const (
	StateNew LoadState = iota
	StateHeaderRead
	StateSegmentsMapped
	StateLinkerInfoLoaded
	StateDependenciesLoaded
	StateExportsInited
	StateRelocated
	StateReady
)

func (s LoadState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateHeaderRead:
		return "header-read"
	case StateSegmentsMapped:
		return "segments-mapped"
	case StateLinkerInfoLoaded:
		return "linker-info-loaded"
	case StateDependenciesLoaded:
		return "dependencies-loaded"
	case StateExportsInited:
		return "exports-inited"
	case StateRelocated:
		return "relocated"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Image is one loaded Mach-O image (§3 "Image"): the executable itself, or
// one of its transitive LC_LOAD_DYLIB dependencies.
type Image struct {
	mu    sync.Mutex
	Name  string
	State LoadState

	c    *container
	mem  []byte // the whole file, read once at SEGMENTS_MAPPED; segment/dyld-info offsets index directly into it
	rebaseBytes []byte
	bindBytes   []byte
	weakBindBytes []byte
	lazyBindBytes []byte

	loadBias uint64

	deps           []*Image
	dependents     []*Image // reciprocal back-edges to deps (§3 invariant 6)
	mainExecutable *Image

	// IsLibdymple marks the image that is itself the dynamic linker (the
	// Mach-O analogue of dyld, "libdymple" in §3's Image attribute list),
	// set by Linker.load when the requested name matches
	// WithDylinkerName's configured value.
	IsLibdymple bool

	exports map[string]exportEntry

	// binder resolves one lazy-bind symbol on first call (§4.4
	// "lazy-bind stub protocol"), instead of eagerly resolving the whole
	// lazyBindBytes stream at load time.
	binder *StubBinder
}

// Segments exposes the parsed segment table (read-only).
func (img *Image) Segments() []Segment {
	out := make([]Segment, len(img.c.segments))
	copy(out, img.c.segments)
	return out
}

// Dependencies returns the image's already-loaded transitive dependencies,
// in LC_LOAD_DYLIB order (also the ordinal order bind records reference).
func (img *Image) Dependencies() []*Image {
	out := make([]*Image, len(img.deps))
	copy(out, img.deps)
	return out
}

// Dependents returns the images that depend on img — the reciprocal
// back-edge §3 invariant 6 requires for every entry in another image's
// Dependencies(). Order is the order dependents were loaded in, not
// meaningful beyond that.
func (img *Image) Dependents() []*Image {
	out := make([]*Image, len(img.dependents))
	copy(out, img.dependents)
	return out
}

// EntryPoint returns img's entry point, mapped from the LC_MAIN file offset
// into the loaded segments' virtual addresses and shifted by img's load
// bias (§4.4 step 7). ok is false for an image with no LC_MAIN (every
// dependency, and any main executable built without one).
func (img *Image) EntryPoint() (addr uint64, ok bool) {
	if !img.c.hasEntryPoint {
		return 0, false
	}
	off := img.c.entryPoint
	for _, seg := range img.c.segments {
		if off >= seg.FileOff && off < seg.FileOff+seg.FileSize {
			return seg.VMAddr + (off - seg.FileOff) + img.loadBias, true
		}
	}
	return 0, false
}

// Binder returns the image's lazy-bind stub resolver. Images with no lazy
// bindings still get one; Resolve just always misses.
func (img *Image) Binder() *StubBinder { return img.binder }

// LoadBias returns the synthetic placement offset this linker assigned the
// image. There's no real virtual memory to place it in — this is purely a
// per-image delta rebase/bind apply against, standing in for what ASLR
// would pick in a real loader.
func (img *Image) LoadBias() uint64 { return img.loadBias }

// lookupExport resolves name against the image's export trie, already
// flattened into a map at the ExportsInited stage, and applies the load
// bias to get an address meaningful to a caller that also knows the bias.
func (img *Image) lookupExport(name string) (uint64, bool) {
	e, ok := img.exports[name]
	if !ok {
		return 0, false
	}
	return e.offset + img.loadBias, true
}
