// Package initorder implements the bottom-up initializer scheduler (§4.6):
// a recursive walk ordered by dependency depth, a per-image reentrant lock
// so a self-dlopen'ing initializer doesn't deadlock, and the libSystem-
// first constraint.
package initorder

import (
	"fmt"
	"sync"

	"github.com/blacktop/go-dyld/imagegraph"
	"github.com/blacktop/go-dyld/internal/logging"
)

// RuntimeHook lets a higher-level runtime (an Objective-C-like runtime,
// say) observe the scheduler: DependentsInited is called after an image's
// dependents have finished but before its own initializers run, matching
// the "+load"-style hook point of §4.6.
type RuntimeHook interface {
	DependentsInited(img *imagegraph.Image)
}

// CallInitializer invokes one resolved initializer function pointer. The
// scheduler validates the pointer lies within img's executable segments
// before calling this, per §4.6's "validated to lie within the image's
// executable segments".
type CallInitializer func(img *imagegraph.Image, fnOffset uint64) error

// Scheduler runs initializers in dependency order.
type Scheduler struct {
	graph *imagegraph.Graph
	hook  RuntimeHook
	call  CallInitializer

	locksMu sync.Mutex
	locks   map[uint64]*recursiveLock // keyed by Image.ID
}

func New(graph *imagegraph.Graph, hook RuntimeHook, call CallInitializer) *Scheduler {
	return &Scheduler{graph: graph, hook: hook, call: call, locks: make(map[uint64]*recursiveLock)}
}

// recursiveLock lets the owning goroutine re-enter while a different
// goroutine blocks, implemented as a simple owner-token plus condvar since
// Go has no native recursive mutex (§4.6 "thread-owned recursive lock").
type recursiveLock struct {
	mu    sync.Mutex
	cond  *sync.Cond
	owner int64
	depth int
}

func newRecursiveLock() *recursiveLock {
	l := &recursiveLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *recursiveLock) Lock(token int64) (reentrant bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.depth > 0 && l.owner != token {
		l.cond.Wait()
	}
	reentrant = l.depth > 0
	l.owner = token
	l.depth++
	return reentrant
}

func (l *recursiveLock) Unlock() {
	l.mu.Lock()
	l.depth--
	if l.depth == 0 {
		l.owner = 0
		l.cond.Broadcast()
	}
	l.mu.Unlock()
}

func (s *Scheduler) lockFor(img *imagegraph.Image) *recursiveLock {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[img.ID]
	if !ok {
		l = newRecursiveLock()
		s.locks[img.ID] = l
	}
	return l
}

// RunClosure initializes root's entire dependency closure bottom-up,
// enforcing that the graph's registered libSystem-equivalent image (if
// any) goes first (§4.6 "libSystem constraint").
func (s *Scheduler) RunClosure(root *imagegraph.Image, token int64) error {
	if ls := s.graph.LibSystem(); ls != nil && ls != root {
		if err := s.initOne(ls, token); err != nil {
			return err
		}
	}
	return s.initOne(root, token)
}

// initOne runs img's own initializer after recursively initializing its
// non-upward dependents in dependency order, per the §4.6 walk.
func (s *Scheduler) initOne(img *imagegraph.Image, token int64) error {
	lock := s.lockFor(img)
	reentrant := lock.Lock(token)
	defer lock.Unlock()
	if reentrant {
		// A thread already initializing img (directly or via a cycle)
		// re-entered through a nested dlopen; treat as success without
		// running anything a second time.
		return nil
	}

	if img.State() >= imagegraph.StateInited {
		return nil
	}

	deps := orderedDependents(img)
	for _, dep := range deps {
		if dep.Kind == imagegraph.DepUpward {
			continue
		}
		if dep.Image == nil {
			continue // unresolved weak dependency
		}
		if err := s.initOne(dep.Image, token); err != nil {
			return err
		}
	}

	if !s.graph.TransitionAndNotify(img, imagegraph.StateBound, imagegraph.StateDependentsInited) {
		if img.State() < imagegraph.StateDependentsInited {
			return fmt.Errorf("initorder: %s not yet bound", img.Path)
		}
	}

	if s.hook != nil {
		s.hook.DependentsInited(img)
	}

	if !img.TransitionTo(imagegraph.StateDependentsInited, imagegraph.StateBeingInited) {
		if img.State() >= imagegraph.StateBeingInited {
			// Lost the race to a concurrent initializer for the same
			// image (distinct from the reentrancy case above, which the
			// per-image lock already prevented); wait isn't needed since
			// the lock serializes every caller that reaches here.
			return nil
		}
	}

	log := logging.For(logging.Initializers).WithField("image", img.Path)
	for _, fn := range img.Initializers {
		if seg, ok := img.ContainsAddress(img.LoadAddress + fn); !ok || !vmProt(seg.InitProt).Execute() {
			return fmt.Errorf("initorder: initializer at offset %#x in %s is outside an executable segment", fn, img.Path)
		}
		if err := s.call(img, fn); err != nil {
			return fmt.Errorf("initorder: initializer in %s: %w", img.Path, err)
		}
	}

	if !s.graph.TransitionAndNotify(img, imagegraph.StateBeingInited, imagegraph.StateInited) {
		return fmt.Errorf("initorder: %s left beingInited unexpectedly", img.Path)
	}
	log.Debug("initialized")

	// Upward dependents whose closure doesn't already include img are
	// initialized after img itself (§4.6).
	for _, dep := range img.Dependencies {
		if dep.Kind == imagegraph.DepUpward && dep.Image != nil && dep.Image.State() < imagegraph.StateInited {
			if err := s.initOne(dep.Image, token); err != nil {
				return err
			}
		}
	}

	return nil
}

// orderedDependents returns a copy of all of img's dependencies sorted by
// descending depth, so the deepest (most-depended-upon) images initialize
// first within one image's own dependent list. Upward and unresolved
// entries are kept in the result; initOne skips them.
func orderedDependents(img *imagegraph.Image) []imagegraph.Dependency {
	out := make([]imagegraph.Dependency, len(img.Dependencies))
	copy(out, img.Dependencies)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && depthOf(out[j]) > depthOf(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func depthOf(d imagegraph.Dependency) int {
	if d.Image == nil {
		return 0
	}
	return d.Image.Depth
}

type vmProt uint32

func (v vmProt) Execute() bool { return v&0x4 != 0 }
