// Package depgraph implements breadth-first dependency loading, refcount
// bookkeeping, initializer-depth assignment, and mark-and-sweep GC over an
// imagegraph.Graph (§4.5).
package depgraph

import (
	"sync/atomic"

	"github.com/blacktop/go-dyld/imagegraph"
	"github.com/blacktop/go-dyld/internal/logging"
)

// depthSentinel seeds depth before recursion so a dependency cycle
// terminates instead of looping forever (§4.5 "cycles are broken by
// seeding depth to a large sentinel").
const depthSentinel = 1 << 30

// Opener resolves and maps one dependency by name, returning the loaded
// (or already-loaded) image. It is supplied by the top-level loader, which
// owns the resolver/mapper/fixup wiring this package doesn't need to know
// about.
type Opener interface {
	Open(name string, requester *imagegraph.Image) (*imagegraph.Image, error)
}

// LoadClosure performs a breadth-first walk from root, opening every not-
// yet-loaded dependency, wiring Dependency.Image, bumping staticRefs on
// each non-upward edge, and recording dynamic-reference edges is left to
// the caller (those only arise from runtime symbol lookups, not load-time
// dependency walking).
func LoadClosure(opener Opener, root *imagegraph.Image) error {
	log := logging.For(logging.Libraries)
	seen := map[*imagegraph.Image]bool{root: true}
	queue := []*imagegraph.Image{root}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for i := range cur.Dependencies {
			dep := &cur.Dependencies[i]
			if dep.Image != nil {
				continue
			}
			img, err := opener.Open(dep.Name, cur)
			if err != nil {
				if dep.Kind == imagegraph.DepWeak {
					log.WithField("dylib", dep.Name).Warn("weak dependency not found")
					continue
				}
				return err
			}
			dep.Image = img

			if dep.Kind != imagegraph.DepUpward {
				img.AddStaticRef()
			}

			if !seen[img] {
				seen[img] = true
				queue = append(queue, img)
			}
		}
	}

	AssignDepths(root)
	return nil
}

// AssignDepths computes depth(img) = 1 + max(depth(dependent)) over every
// non-upward dependent reachable from root, used by the initializer
// scheduler to order bottom-up (§4.5/§4.6).
func AssignDepths(root *imagegraph.Image) {
	visiting := make(map[*imagegraph.Image]bool)
	var walk func(img *imagegraph.Image) int
	walk = func(img *imagegraph.Image) int {
		if visiting[img] {
			img.Depth = depthSentinel
			return depthSentinel
		}
		if img.Depth != 0 {
			return img.Depth
		}
		visiting[img] = true
		defer delete(visiting, img)

		max := 0
		for _, dep := range img.Dependencies {
			if dep.Image == nil || dep.Kind == imagegraph.DepUpward {
				continue
			}
			if d := walk(dep.Image); d > max {
				max = d
			}
		}
		img.Depth = max + 1
		return img.Depth
	}
	walk(root)
}

// GC runs the mark-and-sweep pass of §4.5. finalize is called once per
// sweep with the set of images about to be unmapped, before they are
// actually removed (the "finalize-ranges hook" the spec describes as
// serving a higher-level runtime's stack-unwind tables).
type GC struct {
	graph     *imagegraph.Graph
	running   atomic.Int32 // reentrancy counter: >1 means a redo is owed
	unmapper  func(img *imagegraph.Image)
	finalize  func(dead []*imagegraph.Image)
}

func NewGC(graph *imagegraph.Graph, unmapper func(img *imagegraph.Image), finalize func(dead []*imagegraph.Image)) *GC {
	return &GC{graph: graph, unmapper: unmapper, finalize: finalize}
}

// Run executes one or more GC passes, re-iterating if a concurrent caller
// requested a pass while this one was already running (§4.5 "GC reentrancy
// is guarded by an atomic counter").
func (g *GC) Run() {
	if g.running.Add(1) != 1 {
		// Another goroutine is already running the loop below; it will
		// observe our bump and redo a pass before returning.
		return
	}

	for {
		g.onePass()
		if g.running.Add(-1) == 0 {
			return
		}
		// running() is still > 0: someone asked for another GC while we
		// were sweeping. Reset to 1 and go again.
		g.running.Store(1)
	}
}

func (g *GC) onePass() {
	log := logging.For(logging.Libraries)
	images := g.graph.All()

	inUse := make(map[*imagegraph.Image]bool, len(images))
	var mark func(img *imagegraph.Image)
	mark = func(img *imagegraph.Image) {
		if inUse[img] {
			return
		}
		inUse[img] = true
		for _, dep := range img.Dependencies {
			if dep.Image == nil {
				continue
			}
			if dep.Kind != imagegraph.DepUpward || inUse[dep.Image] {
				mark(dep.Image)
			}
		}
		for _, targetID := range g.graph.DynamicTargets(img) {
			if t := findByID(images, targetID); t != nil {
				mark(t)
			}
		}
	}

	for _, img := range images {
		if img.Flags.NeverUnload || img.Flags.IsMainExecutable || img.RefCount() > 0 {
			mark(img)
		}
	}

	var dead []*imagegraph.Image
	for _, img := range images {
		if !inUse[img] {
			dead = append(dead, img)
		}
	}
	if len(dead) == 0 {
		return
	}

	if g.finalize != nil {
		g.finalize(dead)
	}

	for _, img := range dead {
		runTerminators(img)
	}

	for _, img := range dead {
		if !img.Flags.LeaveMapped && g.unmapper != nil {
			g.unmapper(img)
		}
		g.graph.Remove(img)
	}
	log.WithField("collected", len(dead)).Info("garbage collected")
}

func findByID(images []*imagegraph.Image, id uint64) *imagegraph.Image {
	for _, img := range images {
		if img.ID == id {
			return img
		}
	}
	return nil
}

// runTerminators moves img to StateTerminated at most once: an image
// already in StateTerminated is left as it is, and an image in any other
// state is moved there. It does not call the functions listed in
// img.Terminators, and no other code in this module calls them either.
func runTerminators(img *imagegraph.Image) {
	if !img.TransitionTo(imagegraph.StateInited, imagegraph.StateTerminated) {
		if img.State() == imagegraph.StateTerminated {
			return
		}
		img.ForceState(imagegraph.StateTerminated)
	}
}
