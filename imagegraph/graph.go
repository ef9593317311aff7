package imagegraph

import (
	"sync"

	"github.com/alphadose/haxmap"
)

const pageShift = 12 // 4KiB pages, matching the mapper's granularity

// Observer receives state-transition notifications. notify.Dispatcher is
// the production implementation; tests can stub it directly.
type Observer interface {
	ImageStateChanged(img *Image, to State)
	ImageAdded(img *Image)
	ImageRemoved(img *Image)
}

// Graph is the process-wide singleton: every loaded Image, a page-indexed
// address lookup table, and the dynamic-reference edges created by flat
// symbol lookups. The mapped-ranges and install-name tables use a
// lock-free concurrent map (haxmap) so address-to-image lookups from a
// crash handler or a concurrent dlsym never block on the structural lock
// that load/unload/GC take (§5).
type Graph struct {
	mu sync.RWMutex // guards Images, nextID; held across structural mutations

	Images []*Image
	nextID uint64

	mappedRanges *haxmap.Map[uint64, *Image] // page number -> owning image
	byInstall    *haxmap.Map[string, *Image] // canonical path -> image

	dynMu             sync.Mutex
	dynamicReferences map[uint64]map[uint64]struct{} // from image ID -> set of to image IDs

	observers []Observer

	libSystem *Image // the image providing libSystem-equivalent helpers; inited first
}

func New() *Graph {
	return &Graph{
		mappedRanges:      haxmap.New[uint64, *Image](),
		byInstall:         haxmap.New[string, *Image](),
		dynamicReferences: make(map[uint64]map[uint64]struct{}),
	}
}

// AddObserver registers an observer for state-transition/add/remove
// notifications (§4.7). Registration itself is not required to replay past
// events here — notify.Dispatcher, which wraps a Graph, does that replay.
func (g *Graph) AddObserver(o Observer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observers = append(g.observers, o)
}

func (g *Graph) notifyAdded(img *Image) {
	for _, o := range g.observers {
		o.ImageAdded(img)
	}
}

func (g *Graph) notifyRemoved(img *Image) {
	for _, o := range g.observers {
		o.ImageRemoved(img)
	}
}

func (g *Graph) notifyState(img *Image, to State) {
	for _, o := range g.observers {
		o.ImageStateChanged(img, to)
	}
}

// Insert adds img to the graph (main executable first, then inserted
// libraries, then the rest — callers are responsible for insertion order;
// Insert itself just appends and assigns an ID) and indexes it by install
// path.
func (g *Graph) Insert(img *Image) {
	g.mu.Lock()
	img.ID = g.nextID
	g.nextID++
	g.Images = append(g.Images, img)
	g.mu.Unlock()

	if _, ok := g.byInstall.Get(img.Path); !ok {
		g.byInstall.Set(img.Path, img)
	}
	if img.RealPath != "" && img.RealPath != img.Path {
		if _, ok := g.byInstall.Get(img.RealPath); !ok {
			g.byInstall.Set(img.RealPath, img)
		}
	}
	g.notifyAdded(img)
}

// Remove drops img from the graph and every index. Callers must have
// already unmapped its segments (or set LeaveMapped) and reached
// StateTerminated.
func (g *Graph) Remove(img *Image) {
	g.mu.Lock()
	for i, other := range g.Images {
		if other == img {
			g.Images = append(g.Images[:i], g.Images[i+1:]...)
			break
		}
	}
	g.mu.Unlock()

	if cur, ok := g.byInstall.Get(img.Path); ok && cur == img {
		g.byInstall.Del(img.Path)
	}
	if img.RealPath != "" && img.RealPath != img.Path {
		if cur, ok := g.byInstall.Get(img.RealPath); ok && cur == img {
			g.byInstall.Del(img.RealPath)
		}
	}
	for _, seg := range img.Segments {
		g.unindexSegment(img, seg)
	}

	g.dynMu.Lock()
	delete(g.dynamicReferences, img.ID)
	for _, set := range g.dynamicReferences {
		delete(set, img.ID)
	}
	g.dynMu.Unlock()

	g.notifyRemoved(img)
}

// ByInstallName resolves the tie-break rule of §4.1: duplicate install
// names across the loaded-image list resolve to the first one loaded.
// Insert leaves an existing index entry in place, and Remove deletes an
// entry only while it still points at the image being removed.
func (g *Graph) ByInstallName(name string) (*Image, bool) {
	return g.byInstall.Get(name)
}

// All returns a snapshot of the currently loaded images, main executable
// first.
func (g *Graph) All() []*Image {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Image, len(g.Images))
	copy(out, g.Images)
	return out
}

// IndexSegment publishes [start,start+vmsize) -> img into the mapped-ranges
// table, one entry per page, satisfying §4.3 step 5. Called by the mapper
// once a segment is actually mapped at LoadAddress+slide.
func (g *Graph) IndexSegment(img *Image, seg *Segment) {
	start := (img.LoadAddress + seg.VMAddr) >> pageShift
	end := (img.LoadAddress + seg.VMAddr + seg.VMSize + (1 << pageShift) - 1) >> pageShift
	for p := start; p < end; p++ {
		g.mappedRanges.Set(p, img)
	}
}

func (g *Graph) unindexSegment(img *Image, seg *Segment) {
	start := (img.LoadAddress + seg.VMAddr) >> pageShift
	end := (img.LoadAddress + seg.VMAddr + seg.VMSize + (1 << pageShift) - 1) >> pageShift
	for p := start; p < end; p++ {
		// Only clear the entry if it's still ours: a torn concurrent
		// reader must see either the old image or nothing, never a
		// different, unrelated image (§3 invariant on mappedRanges).
		if cur, ok := g.mappedRanges.Get(p); ok && cur == img {
			g.mappedRanges.Del(p)
		}
	}
}

// FindImageForAddress is the O(1) address-to-image lookup of §8's
// testable property 4: for any indexed address the returned Image has a
// segment that actually contains it.
func (g *Graph) FindImageForAddress(addr uint64) (*Image, *Segment, bool) {
	img, ok := g.mappedRanges.Get(addr >> pageShift)
	if !ok || img == nil {
		return nil, nil, false
	}
	seg, ok := img.ContainsAddress(addr)
	if !ok {
		return nil, nil, false
	}
	return img, seg, true
}

// AddDynamicReference records an edge created by a flat-namespace symbol
// lookup, so GC reachability doesn't miss an image that's only reached
// dynamically (§4.5).
func (g *Graph) AddDynamicReference(from, to *Image) {
	if from == to {
		return
	}
	g.dynMu.Lock()
	defer g.dynMu.Unlock()
	set, ok := g.dynamicReferences[from.ID]
	if !ok {
		set = make(map[uint64]struct{})
		g.dynamicReferences[from.ID] = set
	}
	if _, already := set[to.ID]; !already {
		set[to.ID] = struct{}{}
		to.AddDynamicRef()
	}
}

// DynamicTargets returns the images from.ID has a dynamic-reference edge
// to, used by the GC mark phase.
func (g *Graph) DynamicTargets(from *Image) []uint64 {
	g.dynMu.Lock()
	defer g.dynMu.Unlock()
	set := g.dynamicReferences[from.ID]
	out := make([]uint64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func (g *Graph) SetLibSystem(img *Image) { g.libSystem = img }
func (g *Graph) LibSystem() *Image       { return g.libSystem }

// TransitionAndNotify performs img's state-machine CAS and, on success,
// notifies observers. All transitions for X happen-before any observer
// notification for X (§5 ordering guarantee) because the notify call is
// sequenced after the successful CAS on the same goroutine.
func (g *Graph) TransitionAndNotify(img *Image, from, to State) bool {
	if !img.TransitionTo(from, to) {
		return false
	}
	g.notifyState(img, to)
	return true
}

