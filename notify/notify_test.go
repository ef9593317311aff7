package notify

import (
	"testing"

	"github.com/blacktop/go-dyld/imagegraph"
)

type recordingObserver struct {
	added   []string
	removed []string
	states  []string
}

func (r *recordingObserver) ImageAdded(img *imagegraph.Image)   { r.added = append(r.added, img.Path) }
func (r *recordingObserver) ImageRemoved(img *imagegraph.Image) { r.removed = append(r.removed, img.Path) }
func (r *recordingObserver) ImageStateChanged(img *imagegraph.Image, to imagegraph.State) {
	r.states = append(r.states, img.Path+":"+to.String())
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	d := NewDispatcher()
	rec := &recordingObserver{}
	d.Register(rec)

	img := imagegraph.NewImage("/a", 1)
	d.ImageAdded(img)
	d.ImageStateChanged(img, imagegraph.StateBound)
	d.ImageRemoved(img)

	if len(rec.added) != 1 || rec.added[0] != "/a" {
		t.Fatalf("added = %v", rec.added)
	}
	if len(rec.states) != 1 || rec.states[0] != "/a:bound" {
		t.Fatalf("states = %v", rec.states)
	}
	if len(rec.removed) != 1 || rec.removed[0] != "/a" {
		t.Fatalf("removed = %v", rec.removed)
	}
}

func TestRegisterRuntimeReplaysHistory(t *testing.T) {
	graph := imagegraph.New()
	bound := imagegraph.NewImage("/bound", 1)
	bound.ForceState(imagegraph.StateBound)
	graph.Insert(bound)

	inited := imagegraph.NewImage("/inited", 2)
	inited.ForceState(imagegraph.StateInited)
	graph.Insert(inited)

	mapped := imagegraph.NewImage("/just-mapped", 3)
	graph.Insert(mapped) // still at StateMapped, default

	var mappedCalls, initCalls []string
	RegisterRuntime(graph, RuntimeCallbacks{
		Mapped: func(img *imagegraph.Image) { mappedCalls = append(mappedCalls, img.Path) },
		Init:   func(img *imagegraph.Image) { initCalls = append(initCalls, img.Path) },
	})

	if len(mappedCalls) != 2 {
		t.Fatalf("mappedCalls = %v, want 2 entries", mappedCalls)
	}
	if len(initCalls) != 1 || initCalls[0] != "/inited" {
		t.Fatalf("initCalls = %v", initCalls)
	}
}

func TestBeaconPublishAndLoad(t *testing.T) {
	graph := imagegraph.New()
	img := imagegraph.NewImage("/a", 1)
	img.LoadAddress = 0x100000000
	graph.Insert(img)

	b := &Beacon{}
	b.Publish(graph, 0x4000)

	info := b.Load()
	if info.Slide != 0x4000 {
		t.Errorf("Slide = %#x, want 0x4000", info.Slide)
	}
	if len(info.Images) != 1 || info.Images[0].Path != "/a" {
		t.Fatalf("Images = %v", info.Images)
	}
}
