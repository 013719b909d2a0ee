package dynlink

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/anillo-os/kernel-core/internal/errkind"
)

// Linker drives every Image through the §4.4 load pipeline and owns the
// process-wide table of already-loaded images, keyed by the name each was
// requested under. A single apiLock serializes the whole pipeline (header
// read through relocation) rather than locking at finer grain: real dyld
// behaves the same way — the loader itself is not meant to be a hot path
// the way the scheduler or channel send path are.
type Linker struct {
	apiLock sync.Mutex
	images  map[string]*Image
	source  FileSource

	rpaths         []string
	loaderPath     string
	executablePath string
	dylinkerName   string

	nextBias uint64
}

// LinkerOption configures token substitution for dependency names that use
// @rpath, @loader_path, or @executable_path (§4.4 "Dependency name tokens").
type LinkerOption interface{ apply(*Linker) }

type linkerOptionFunc func(*Linker)

func (f linkerOptionFunc) apply(l *Linker) { f(l) }

// WithRPath appends a search directory substituted for an @rpath/ prefixed
// dependency name. Later calls extend the search list; @rpath tries each in
// order, first match wins.
func WithRPath(dir string) LinkerOption {
	return linkerOptionFunc(func(l *Linker) { l.rpaths = append(l.rpaths, dir) })
}

// WithLoaderPath sets the directory substituted for @loader_path (the
// directory containing the image that names the dependency).
func WithLoaderPath(dir string) LinkerOption {
	return linkerOptionFunc(func(l *Linker) { l.loaderPath = dir })
}

// WithExecutablePath sets the directory substituted for @executable_path
// (the directory containing the main executable of the running process).
func WithExecutablePath(dir string) LinkerOption {
	return linkerOptionFunc(func(l *Linker) { l.executablePath = dir })
}

// WithDylinkerName identifies which requested name is the dynamic linker
// itself, so the Image loaded under that name gets Image.IsLibdymple set
// (§3 Image attribute "is-libdymple flag"). Unset, no image is ever marked.
func WithDylinkerName(name string) LinkerOption {
	return linkerOptionFunc(func(l *Linker) { l.dylinkerName = name })
}

// NewLinker constructs a Linker that resolves images through source.
func NewLinker(source FileSource, opts ...LinkerOption) *Linker {
	l := &Linker{
		images: make(map[string]*Image),
		source: source,
	}
	for _, o := range opts {
		o.apply(l)
	}
	return l
}

const (
	tokenRPath         = "@rpath/"
	tokenLoaderPath    = "@loader_path/"
	tokenExecutablePath = "@executable_path/"
)

// resolveDependencyName substitutes §4.4's path tokens, trying each rpath
// directory in turn for @rpath/-prefixed names. A name with no recognized
// token is passed through unchanged (it's either absolute or resolvable
// directly by the FileSource's own search path).
func (l *Linker) resolveDependencyName(name string) ([]string, error) {
	switch {
	case strings.HasPrefix(name, tokenRPath):
		rest := strings.TrimPrefix(name, tokenRPath)
		if len(l.rpaths) == 0 {
			return nil, errkind.New(errkind.NoSuchResource, "dynlink.linker.rpath")
		}
		out := make([]string, 0, len(l.rpaths))
		for _, dir := range l.rpaths {
			out = append(out, dir+"/"+rest)
		}
		return out, nil
	case strings.HasPrefix(name, tokenLoaderPath):
		if l.loaderPath == "" {
			return nil, errkind.New(errkind.NoSuchResource, "dynlink.linker.loader_path")
		}
		return []string{l.loaderPath + "/" + strings.TrimPrefix(name, tokenLoaderPath)}, nil
	case strings.HasPrefix(name, tokenExecutablePath):
		if l.executablePath == "" {
			return nil, errkind.New(errkind.NoSuchResource, "dynlink.linker.executable_path")
		}
		return []string{l.executablePath + "/" + strings.TrimPrefix(name, tokenExecutablePath)}, nil
	default:
		return []string{name}, nil
	}
}

// Load resolves name to a ready Image, running the full pipeline on first
// request and short-circuiting (LOADED_ALREADY) on every subsequent one.
func (l *Linker) Load(name string) (*Image, error) {
	l.apiLock.Lock()
	defer l.apiLock.Unlock()
	return l.load(name, nil)
}

// load is Load's internal, recursion-capable counterpart: mainExecutable is
// nil for the top-level Load call and propagated down to every transitive
// dependency so BIND_SPECIAL_DYLIB_MAIN_EXECUTABLE resolves correctly.
func (l *Linker) load(name string, mainExecutable *Image) (*Image, error) {
	if img, ok := l.images[name]; ok {
		return img, nil // LOADED_ALREADY
	}

	mem, err := l.readWholeFile(name)
	if err != nil {
		return nil, err
	}

	c, err := parseContainer(bytes.NewReader(mem))
	if err != nil {
		return nil, err
	}
	if c.cpuType != cpuTypeARM64 && c.cpuType != cpuTypeX8664 {
		return nil, errkind.New(errkind.Unsupported, "dynlink.linker.cpu_type")
	}

	img := &Image{
		Name:        name,
		State:       StateHeaderRead,
		c:           c,
		mem:         mem,
		IsLibdymple: l.dylinkerName != "" && name == l.dylinkerName,
	}
	if mainExecutable == nil {
		img.mainExecutable = img
	} else {
		img.mainExecutable = mainExecutable
	}

	img.State = StateSegmentsMapped

	img.rebaseBytes = sliceSection(mem, c.dyld.rebaseOff, c.dyld.rebaseSize)
	img.bindBytes = sliceSection(mem, c.dyld.bindOff, c.dyld.bindSize)
	img.weakBindBytes = sliceSection(mem, c.dyld.weakBindOff, c.dyld.weakBindSize)
	img.lazyBindBytes = sliceSection(mem, c.dyld.lazyBindOff, c.dyld.lazyBindSize)
	img.State = StateLinkerInfoLoaded

	if c.chainedFixupsPresent {
		return nil, errkind.New(errkind.Unsupported, "dynlink.linker.chained_fixups")
	}

	// Register before recursing into dependencies so a dependency cycle
	// (legal for two dylibs that both re-export each other) resolves to the
	// same in-progress Image instead of looping forever.
	l.images[name] = img

	for _, dep := range c.dylibs {
		depImg, err := l.loadDependency(dep, img)
		if err != nil {
			delete(l.images, name)
			return nil, err
		}
		img.deps = append(img.deps, depImg)
		depImg.dependents = append(depImg.dependents, img)
	}
	img.State = StateDependenciesLoaded

	exportBytes := sliceSection(mem, c.exportsTrie.off, c.exportsTrie.size)
	if len(exportBytes) == 0 {
		exportBytes = sliceSection(mem, c.dyld.exportOff, c.dyld.exportSize)
	}
	exports, err := walkExportTrie(exportBytes)
	if err != nil {
		delete(l.images, name)
		return nil, err
	}
	img.exports = exports
	img.State = StateExportsInited

	img.loadBias = l.assignLoadBias(img)

	if err := img.runRebase(); err != nil {
		delete(l.images, name)
		return nil, err
	}
	if err := img.runBind(img.bindBytes); err != nil {
		delete(l.images, name)
		return nil, err
	}
	if err := img.runBind(img.weakBindBytes); err != nil {
		delete(l.images, name)
		return nil, err
	}
	img.binder = newStubBinder(img)
	img.State = StateRelocated

	img.State = StateReady
	return img, nil
}

// loadDependency resolves one LC_LOAD_DYLIB-family entry, tolerating
// failure for weak dependencies: a missing weak dylib is replaced by an
// empty placeholder Image with no exports, so the load goes on, but any
// bind record that names a symbol from it still fails with NoSuchResource
// (its symbols are not bound to zero). A missing strong one is a hard
// failure.
func (l *Linker) loadDependency(dep DylibDep, parent *Image) (*Image, error) {
	candidates, err := l.resolveDependencyName(dep.Name)
	if err != nil {
		if dep.Weak {
			return &Image{Name: dep.Name, State: StateReady, exports: map[string]exportEntry{}}, nil
		}
		return nil, err
	}
	var lastErr error
	for _, candidate := range candidates {
		img, err := l.load(candidate, parent.mainExecutable)
		if err == nil {
			return img, nil
		}
		lastErr = err
	}
	if dep.Weak {
		return &Image{Name: dep.Name, State: StateReady, exports: map[string]exportEntry{}}, nil
	}
	return nil, lastErr
}

// assignLoadBias hands out a synthetic, monotonically increasing placement
// for img. There's no real address space to place images in, so this simply
// keeps distinct images from colliding if a caller compares biased addresses
// across images — it plays the role ASLR would in a real loader.
func (l *Linker) assignLoadBias(img *Image) uint64 {
	l.nextBias++
	return l.nextBias << 32
}

func (l *Linker) readWholeFile(name string) ([]byte, error) {
	rc, err := l.source.OpenByName(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errkind.Wrap(errkind.TemporaryOutage, "dynlink.linker.read", err)
	}
	return data, nil
}

func sliceSection(mem []byte, off, size uint32) []byte {
	if size == 0 {
		return nil
	}
	end := uint64(off) + uint64(size)
	if end > uint64(len(mem)) {
		return nil
	}
	return mem[off:end]
}

// Lookup returns an already-loaded image by name without triggering a load.
func (l *Linker) Lookup(name string) (*Image, bool) {
	l.apiLock.Lock()
	defer l.apiLock.Unlock()
	img, ok := l.images[name]
	return img, ok
}
