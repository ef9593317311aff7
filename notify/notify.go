// Package notify implements observer dispatch (§4.7): per-image and batch
// state-change notifications delivered outside any structural lock, the
// debugger-facing image-info beacon with its null-publish-restore update
// protocol, and a runtime-callback triple that replays history to a late
// registrant.
package notify

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/blacktop/go-dyld/imagegraph"
	"github.com/blacktop/go-dyld/internal/logging"
)

// StateObserver receives one notification per state transition. Batch
// registrants (that only care "a load/unload happened") can ignore the
// `to` parameter and react to ImageAdded/ImageRemoved alone.
type StateObserver interface {
	ImageStateChanged(img *imagegraph.Image, to imagegraph.State)
	ImageAdded(img *imagegraph.Image)
	ImageRemoved(img *imagegraph.Image)
}

// Dispatcher records notifications under a lock and invokes callbacks
// after releasing it, so an observer callback that itself calls back into
// the loader (a dlopen from a "library added" hook) never deadlocks on the
// same lock it was called under (§4.7 "calls back outside any critical
// section it can release").
type Dispatcher struct {
	mu        sync.Mutex
	observers []StateObserver
	queue     []event
}

type event struct {
	kind string // "state", "added", "removed"
	img  *imagegraph.Image
	to   imagegraph.State
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

func (d *Dispatcher) Register(o StateObserver) {
	d.mu.Lock()
	d.observers = append(d.observers, o)
	d.mu.Unlock()
}

func (d *Dispatcher) ImageStateChanged(img *imagegraph.Image, to imagegraph.State) {
	d.enqueue(event{kind: "state", img: img, to: to})
}
func (d *Dispatcher) ImageAdded(img *imagegraph.Image) { d.enqueue(event{kind: "added", img: img}) }
func (d *Dispatcher) ImageRemoved(img *imagegraph.Image) {
	d.enqueue(event{kind: "removed", img: img})
}

// enqueue records the event, then drains and delivers the whole queue if
// this call is the first to find it non-empty (so nested notifications
// triggered by an observer's own loader calls are delivered in order by
// whichever goroutine's call made the queue non-empty first).
func (d *Dispatcher) enqueue(e event) {
	d.mu.Lock()
	d.queue = append(d.queue, e)
	if len(d.queue) > 1 {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	d.drain()
}

func (d *Dispatcher) drain() {
	log := logging.For(logging.Notifications)
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		e := d.queue[0]
		d.queue = d.queue[1:]
		obs := make([]StateObserver, len(d.observers))
		copy(obs, d.observers)
		d.mu.Unlock()

		for _, o := range obs {
			switch e.kind {
			case "state":
				o.ImageStateChanged(e.img, e.to)
			case "added":
				o.ImageAdded(e.img)
			case "removed":
				o.ImageRemoved(e.img)
			}
		}
		log.WithField("kind", e.kind).WithField("image", e.img.Path).Trace("dispatched")
	}
}

// RuntimeCallbacks is the "mapped/init/unmapped" triple a higher-level
// runtime registers once (§4.7).
type RuntimeCallbacks struct {
	Mapped   func(img *imagegraph.Image)
	Init     func(img *imagegraph.Image)
	Unmapped func(img *imagegraph.Image)
}

// RegisterRuntime replays history to cb: a Mapped call for every
// currently-bound-or-later image, and an Init call for every
// already-initialized one, so a runtime that registers late still sees a
// consistent view (§4.7 "on registration the loader replays"). cb is not
// retained: images bound, initialized or unloaded after this call are not
// reported to it.
func RegisterRuntime(graph *imagegraph.Graph, cb RuntimeCallbacks) {
	for _, img := range graph.All() {
		if img.State() >= imagegraph.StateBound && cb.Mapped != nil {
			cb.Mapped(img)
		}
		if img.State() >= imagegraph.StateInited && cb.Init != nil {
			cb.Init(img)
		}
	}
}

// Beacon is the process-global debugger-facing image-info record (§6/§7):
// writers null the pointer, rebuild the buffer, then publish it with a
// release store; readers spin-load until they observe non-null (§4.7
// "null-publish-restore pattern").
type Beacon struct {
	Version              uint32
	NotificationFunction uintptr
	CacheBaseAddress     uint64
	CacheUUID            [16]byte

	ptr unsafe.Pointer // *BeaconInfo, atomically swapped
}

// BeaconInfo is the published snapshot: every loaded image's path and load
// address, for an external debugger to walk without calling back into the
// process.
type BeaconInfo struct {
	Images []BeaconImage
	Slide  int64
}

type BeaconImage struct {
	Path        string
	LoadAddress uint64
}

// Publish atomically nulls the beacon, builds a fresh snapshot from graph,
// and republishes it. A concurrent reader calling Load during the null
// window simply spins (not blocks) until Publish finishes.
func (b *Beacon) Publish(graph *imagegraph.Graph, slide int64) {
	atomic.StorePointer(&b.ptr, nil)

	images := graph.All()
	info := &BeaconInfo{Images: make([]BeaconImage, len(images)), Slide: slide}
	for i, img := range images {
		info.Images[i] = BeaconImage{Path: img.Path, LoadAddress: img.LoadAddress}
	}

	atomic.StorePointer(&b.ptr, unsafe.Pointer(info))
}

// Load returns the current snapshot, spinning past a concurrent Publish's
// null window. Intended for an out-of-process reader in the real design;
// in-process callers should prefer imagegraph.Graph directly.
func (b *Beacon) Load() *BeaconInfo {
	for {
		if p := atomic.LoadPointer(&b.ptr); p != nil {
			return (*BeaconInfo)(p)
		}
	}
}
