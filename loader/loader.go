// Package loader wires the resolver, mapper, fixup engine, dependency
// graph, initializer scheduler, and notifier dispatch into the top-level
// operations a process-launch or a runtime's dlopen/dlsym/dlclose actually
// calls (§4, §5).
package loader

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/blacktop/go-dyld/depgraph"
	"github.com/blacktop/go-dyld/dylderr"
	"github.com/blacktop/go-dyld/fixup"
	"github.com/blacktop/go-dyld/imagegraph"
	"github.com/blacktop/go-dyld/initorder"
	"github.com/blacktop/go-dyld/internal/logging"
	"github.com/blacktop/go-dyld/macho"
	"github.com/blacktop/go-dyld/macho/types"
	"github.com/blacktop/go-dyld/mapper"
	"github.com/blacktop/go-dyld/notify"
	"github.com/blacktop/go-dyld/resolver"
	"github.com/blacktop/go-dyld/sharedcache"
)

// hostCPU reports the CPU the running process itself is on, the "wantCPU"
// resolver.SelectSlice picks a universal-binary slice for (§4.2). Go only
// runs on amd64 and arm64 Macs; anything else can't host this loader.
func hostCPU() types.CPU {
	switch runtime.GOARCH {
	case "arm64":
		return types.CPUArm64
	default:
		return types.CPUAmd64
	}
}

// Loader is the process-wide singleton. All structural mutations (load,
// unload, GC, notifier registration) serialize through lock, which is
// recursive on the owning goroutine since an initializer may itself call
// Dlopen (§5 "cooperative single-threaded through a process-global loader
// lock ... recursive").
type Loader struct {
	lock  *recursiveGILock
	graph *imagegraph.Graph
	lc    *imagegraph.LinkContext

	resolver *resolver.Resolver
	mapper   *mapper.Mapper
	dispatch *notify.Dispatcher
	beacon   notify.Beacon

	weak *fixup.WeakCoalescer
	gc   *depgraph.GC

	opened map[string]*os.File                // path -> open handle, kept for the process lifetime
	fixups map[*imagegraph.Image]*fixupInputs // pending rebase/bind payloads, consumed by runFixups
	mu     sync.Mutex
}

// recursiveGILock is the same owner-token recursive lock shape as
// initorder's per-image lock, reused here for the single process-global
// instance (§5).
type recursiveGILock struct {
	mu    sync.Mutex
	cond  *sync.Cond
	owner int64
	depth int
}

func newGIL() *recursiveGILock {
	l := &recursiveGILock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *recursiveGILock) Lock(token int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.depth > 0 && l.owner != token {
		l.cond.Wait()
	}
	l.owner = token
	l.depth++
}

func (l *recursiveGILock) Unlock() {
	l.mu.Lock()
	l.depth--
	if l.depth == 0 {
		l.owner = 0
		l.cond.Broadcast()
	}
	l.mu.Unlock()
}

// New builds a Loader over a freshly constructed image graph and the
// supplied link context (typically from
// imagegraph.NewLinkContextFromEnvironment).
func New(lc *imagegraph.LinkContext, cache *sharedcache.Cache) *Loader {
	graph := imagegraph.New()
	ld := &Loader{
		lock:     newGIL(),
		graph:    graph,
		lc:       lc,
		resolver: resolver.New(lc, graph, cache),
		dispatch: notify.NewDispatcher(),
		weak:     fixup.NewWeakCoalescer(),
		opened:   make(map[string]*os.File),
		fixups:   make(map[*imagegraph.Image]*fixupInputs),
	}
	ld.mapper = mapper.New(graph, mapper.NullRegistrar{})
	ld.graph.AddObserver(ld.dispatch)
	ld.gc = depgraph.NewGC(graph, ld.unmapImage, ld.finalizeRanges)
	return ld
}

// Graph exposes the underlying image graph for read-only inspection
// (dlsym-adjacent tooling, tests).
func (ld *Loader) Graph() *imagegraph.Graph { return ld.graph }

// token identifies the calling goroutine for the recursive lock's
// reentrancy check. Go has no native goroutine-ID API; callers that need
// genuine reentrancy (an initializer calling back into Dlopen) must drive
// that nested call from the same goroutine and pass the same token they
// were invoked with. token is an unexported alias of int64, so callers
// outside this package pass a plain int64.
type token = int64

// Launch loads mainPath and its full dependency closure, runs fixups, and
// executes initializers in order, leaving the loader ready for the caller
// to jump to the entry point. It is the single-threaded, cannot-unwind
// path of §5 — any error here is fatal and should be reported via
// dylderr.NewTerminationPayload.
func (ld *Loader) Launch(mainPath string, tok token) (*imagegraph.Image, error) {
	ld.lock.Lock(tok)
	defer ld.lock.Unlock()

	main, err := ld.openAndMap(mainPath, resolver.LoadContext{RequesterPath: mainPath}, true)
	if err != nil {
		return nil, err
	}
	main.Flags.IsMainExecutable = true
	ld.lc.MainExecutable = main
	ld.lc.ProcessVars.MainExecutablePath = mainPath

	if err := ld.loadAndInit(main, tok); err != nil {
		return nil, err
	}
	return main, nil
}

// Dlopen loads name (if not already loaded) on behalf of requester,
// returning a handle with an incremented dlopenRefs. A second Dlopen of an
// already-loaded image is the Recoverable case of §7: it returns the
// existing image and bumps the refcount rather than re-loading.
func (ld *Loader) Dlopen(name string, requester *imagegraph.Image, tok token) (*imagegraph.Image, error) {
	ld.lock.Lock(tok)
	defer ld.lock.Unlock()

	lctx := resolver.LoadContext{RequesterPath: requester.Path}
	out, err := ld.resolver.Resolve(name, lctx)
	if err != nil {
		return nil, err
	}
	if out.Image != nil {
		out.Image.AddDlopenRef()
		return out.Image, nil
	}

	img, err := ld.openAndMap(name, lctx, false)
	if err != nil {
		return nil, err
	}
	if err := ld.loadAndInit(img, tok); err != nil {
		// Partial-load unwind (§7): anything this call mapped but never
		// reached bound is unmapped and dropped; anything that reached
		// bound is left for the next GC pass to reap.
		if img.State() < imagegraph.StateBound {
			ld.unmapImage(img)
			ld.graph.Remove(img)
		}
		return nil, err
	}
	img.AddDlopenRef()
	return img, nil
}

// Dlclose drops one dlopen reference and, if it reaches zero, triggers a
// GC pass.
func (ld *Loader) Dlclose(img *imagegraph.Image, tok token) {
	ld.lock.Lock(tok)
	defer ld.lock.Unlock()

	if img.DropDlopenRef() <= 0 && !img.Flags.NeverUnload {
		ld.gc.Run()
	}
}

// Dlsym resolves name starting from requester's two-level scope, falling
// back to a flat search across every loaded image if requester has
// ForceFlat set (§4.4.4).
func (ld *Loader) Dlsym(requester *imagegraph.Image, name string) (uint64, *imagegraph.Image, error) {
	for _, dep := range requester.Dependencies {
		if dep.Image == nil || dep.Image.Exports == nil {
			continue
		}
		if addr, _, _, _, found := dep.Image.Exports.Lookup(name); found {
			return dep.Image.LoadAddress + addr, dep.Image, nil
		}
	}
	if requester.Flags.ForceFlat {
		for _, img := range ld.graph.All() {
			if img.Exports == nil {
				continue
			}
			if addr, _, _, _, found := img.Exports.Lookup(name); found {
				ld.graph.AddDynamicReference(requester, img)
				return img.LoadAddress + addr, img, nil
			}
		}
	}
	return 0, nil, dylderr.WrapSymbol(requester.Path, name, dylderr.ErrMissingSymbol)
}

func (ld *Loader) loadAndInit(root *imagegraph.Image, tok token) error {
	opener := loaderOpener{ld: ld}
	if err := depgraph.LoadClosure(opener, root); err != nil {
		return err
	}

	engine := fixup.New(loaderSymbolResolver{ld: ld})
	for _, img := range closureOf(root) {
		if img.State() < imagegraph.StateRebased {
			if err := ld.runFixups(engine, img); err != nil {
				return err
			}
		}
		ld.weak.Observe(img)
	}

	sched := initorder.New(ld.graph, nil, ld.callInitializer)
	return sched.RunClosure(root, tok)
}

func closureOf(root *imagegraph.Image) []*imagegraph.Image {
	seen := map[*imagegraph.Image]bool{root: true}
	order := []*imagegraph.Image{root}
	queue := []*imagegraph.Image{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range cur.Dependencies {
			if dep.Image == nil || seen[dep.Image] {
				continue
			}
			seen[dep.Image] = true
			order = append(order, dep.Image)
			queue = append(queue, dep.Image)
		}
	}
	return order
}

// runFixups hands img's dyld-info opcode streams and/or decoded
// chained-fixups payload (captured by openAndMap via readFixupInputs) to
// the fixup engine, which rebases and binds the image's mapped segments in
// place (§4.4).
func (ld *Loader) runFixups(engine *fixup.Engine, img *imagegraph.Image) error {
	// A cache-resident image arrives already rebased/bound by the cache
	// builder; it is marked bound and no fixups are applied to it here.
	if img.Flags.InSharedCache {
		img.ForceState(imagegraph.StateBound)
		return nil
	}

	ld.mu.Lock()
	in := ld.fixups[img]
	delete(ld.fixups, img)
	ld.mu.Unlock()
	if in == nil {
		in = &fixupInputs{}
	}

	return engine.RebaseAndBind(img, in.rebase, in.bind, in.weakBind, in.lazyBind, in.chained)
}

func (ld *Loader) callInitializer(img *imagegraph.Image, fnOffset uint64) error {
	// Actually invoking mapped executable code from this Go process is
	// outside what a memory-safe host can do generically; production
	// integration plugs a platform-specific trampoline in here. Tests
	// substitute their own CallInitializer.
	logging.For(logging.Initializers).WithField("image", img.Path).WithField("offset", fnOffset).Trace("would call initializer")
	return nil
}

// unmapImage drops img's segment mappings and closes its backing file
// handle. The mapper hands back page-aligned-base slices sliced to the
// segment's own start (seg.Data = data[pad:], mapper.go), so the original
// mmap base/length needed for a correct munmap isn't preserved on Segment;
// actually reclaiming the address space requires the mapper to retain that
// pair per segment, which is tracked as a follow-up rather than done here
// with a (silently wrong, non-page-aligned) munmap call.
func (ld *Loader) unmapImage(img *imagegraph.Image) {
	log := logging.For(logging.Segments).WithField("image", img.Path)
	for _, seg := range img.Segments {
		if seg.Data == nil {
			continue
		}
		log.WithField("segment", seg.Name).Debug("unmapping")
		seg.Data = nil
	}
	ld.mu.Lock()
	if f, ok := ld.opened[img.Path]; ok {
		f.Close()
		delete(ld.opened, img.Path)
	}
	ld.mu.Unlock()
}

func (ld *Loader) finalizeRanges(dead []*imagegraph.Image) {
	log := logging.For(logging.Libraries)
	for _, img := range dead {
		if seg := img.SegmentNamed("__TEXT"); seg != nil {
			log.WithField("image", img.Path).WithField("range", fmt.Sprintf("%#x-%#x", img.LoadAddress+seg.VMAddr, img.LoadAddress+seg.VMAddr+seg.VMSize)).Debug("finalizing unwind ranges")
		}
	}
}

func (ld *Loader) openAndMap(name string, lctx resolver.LoadContext, mustSlide bool) (*imagegraph.Image, error) {
	out, err := ld.resolver.Resolve(name, lctx)
	if err != nil {
		return nil, err
	}
	if out.Image != nil {
		return out.Image, nil
	}
	if out.InCache {
		img := imagegraph.NewImage(out.Path, 0)
		img.Flags.InSharedCache = true
		ld.graph.Insert(img)
		return img, nil
	}

	f, err := os.Open(out.Path)
	if err != nil {
		return nil, dylderr.Wrap(dylderr.Structural, "", out.Path, err)
	}

	var r io.ReaderAt = f
	var isFat bool
	var sliceBase uint64
	if arches, ferr := resolver.ParseFatHeader(f); ferr == nil {
		slice, serr := resolver.SelectSlice(arches, hostCPU())
		if serr != nil {
			f.Close()
			return nil, dylderr.Wrap(dylderr.Structural, "", out.Path, serr)
		}
		r = io.NewSectionReader(f, int64(slice.Offset), int64(slice.Size))
		isFat, sliceBase = true, slice.Offset
	}

	mf, err := macho.NewFile(r)
	if err != nil {
		f.Close()
		return nil, dylderr.Wrap(dylderr.Structural, "", out.Path, err)
	}

	img := imageFromMachO(out.Path, mf)
	if isFat {
		// Segment file offsets macho.NewFile reported are relative to the
		// selected slice; the mapper mmaps straight from the real fd, so
		// they need to be translated back to whole-file offsets (§4.2/§4.3).
		for _, seg := range img.Segments {
			seg.FileOffset += sliceBase
		}
	}

	fixups, err := readFixupInputs(mf)
	if err != nil {
		f.Close()
		return nil, dylderr.Wrap(dylderr.Structural, "", out.Path, err)
	}

	ld.mu.Lock()
	ld.opened[out.Path] = f
	ld.fixups[img] = fixups
	ld.mu.Unlock()

	if err := ld.mapper.Map(img, f, mustSlide); err != nil {
		f.Close()
		return nil, dylderr.Wrap(dylderr.Structural, "", out.Path, err)
	}
	ld.graph.Insert(img)
	ld.graph.TransitionAndNotify(img, imagegraph.StateMapped, imagegraph.StateDependentsMapped)
	return img, nil
}

type loaderOpener struct{ ld *Loader }

func (o loaderOpener) Open(name string, requester *imagegraph.Image) (*imagegraph.Image, error) {
	lctx := resolver.LoadContext{RequesterPath: requester.Path}
	return o.ld.openAndMap(name, lctx, true)
}

// loaderSymbolResolver implements fixup.SymbolResolver over the image
// graph's dependency ordinals and flat-namespace fallback (§4.4.4).
type loaderSymbolResolver struct{ ld *Loader }

func (r loaderSymbolResolver) Resolve(requester *imagegraph.Image, ordinal int, name string, weak bool) (uint64, *imagegraph.Image, error) {
	if requester.Flags.ForceFlat || weak {
		if addr, img, err := r.ld.Dlsym(requester, name); err == nil {
			return addr, img, nil
		}
		for _, img := range r.ld.graph.All() {
			if img.Exports == nil {
				continue
			}
			if addr, _, _, _, found := img.Exports.Lookup(name); found {
				return img.LoadAddress + addr, img, nil
			}
		}
		if weak {
			return 0, nil, dylderr.ErrMissingSymbol
		}
	}

	if ordinal <= 0 || ordinal > len(requester.Dependencies) {
		return 0, nil, fmt.Errorf("fixup: library ordinal %d out of range for %s", ordinal, requester.Path)
	}
	dep := requester.Dependencies[ordinal-1]
	if dep.Image == nil || dep.Image.Exports == nil {
		return 0, nil, dylderr.ErrMissingSymbol
	}
	addr, _, _, _, found := dep.Image.Exports.Lookup(name)
	if !found {
		return 0, nil, dylderr.ErrMissingSymbol
	}
	return dep.Image.LoadAddress + addr, dep.Image, nil
}
