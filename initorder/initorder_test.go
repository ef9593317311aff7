package initorder

import (
	"sync"
	"testing"

	"github.com/blacktop/go-dyld/imagegraph"
)

func boundImage(path string, id uint64) *imagegraph.Image {
	img := imagegraph.NewImage(path, id)
	img.LoadAddress = 0x100000000
	img.Segments = []*imagegraph.Segment{
		{Name: "__TEXT", VMAddr: 0, VMSize: 0x10000, InitProt: 0x5}, // r-x
	}
	img.ForceState(imagegraph.StateBound)
	return img
}

func TestRunClosureInitializesDependentsFirst(t *testing.T) {
	graph := imagegraph.New()
	a := boundImage("/a", 1)
	b := boundImage("/b", 2)
	a.Dependencies = []imagegraph.Dependency{{Name: "/b", Kind: imagegraph.DepRequired, Image: b}}
	b.Depth, a.Depth = 1, 2

	var order []string
	var mu sync.Mutex
	call := func(img *imagegraph.Image, off uint64) error {
		mu.Lock()
		order = append(order, img.Path)
		mu.Unlock()
		return nil
	}

	sched := New(graph, nil, call)
	a.Initializers = []uint64{0}
	b.Initializers = []uint64{0}

	if err := sched.RunClosure(a, 1); err != nil {
		t.Fatalf("RunClosure: %v", err)
	}

	if len(order) != 2 || order[0] != "/b" || order[1] != "/a" {
		t.Fatalf("init order = %v, want [/b /a]", order)
	}
	if a.State() != imagegraph.StateInited || b.State() != imagegraph.StateInited {
		t.Fatalf("expected both images inited, got a=%s b=%s", a.State(), b.State())
	}
}

func TestRunClosureCycleIsNoop(t *testing.T) {
	graph := imagegraph.New()
	a := boundImage("/a", 1)
	b := boundImage("/b", 2)
	a.Dependencies = []imagegraph.Dependency{{Name: "/b", Kind: imagegraph.DepRequired, Image: b}}
	b.Dependencies = []imagegraph.Dependency{{Name: "/a", Kind: imagegraph.DepRequired, Image: a}}

	called := 0
	call := func(img *imagegraph.Image, off uint64) error {
		called++
		return nil
	}

	sched := New(graph, nil, call)
	a.Initializers = []uint64{0}
	b.Initializers = []uint64{0}

	done := make(chan error, 1)
	go func() { done <- sched.RunClosure(a, 1) }()

	if err := <-done; err != nil {
		t.Fatalf("expected cyclic closure to resolve without deadlock, got %v", err)
	}
	if called != 2 {
		t.Fatalf("expected each image's initializer to run exactly once, ran %d times", called)
	}
}

func TestRunClosureLibSystemFirst(t *testing.T) {
	graph := imagegraph.New()
	libSystem := boundImage("/usr/lib/libSystem.B.dylib", 1)
	main := boundImage("/main", 2)
	graph.SetLibSystem(libSystem)

	var order []string
	call := func(img *imagegraph.Image, off uint64) error {
		order = append(order, img.Path)
		return nil
	}
	libSystem.Initializers = []uint64{0}
	main.Initializers = []uint64{0}

	sched := New(graph, nil, call)
	if err := sched.RunClosure(main, 1); err != nil {
		t.Fatalf("RunClosure: %v", err)
	}
	if len(order) != 2 || order[0] != libSystem.Path {
		t.Fatalf("expected libSystem first, got %v", order)
	}
}

func TestInitializerOutsideExecutableSegmentRejected(t *testing.T) {
	graph := imagegraph.New()
	a := boundImage("/a", 1)
	a.Initializers = []uint64{0x999999} // far outside the one segment

	sched := New(graph, nil, func(*imagegraph.Image, uint64) error { return nil })
	if err := sched.initOne(a, 1); err == nil {
		t.Fatal("expected out-of-segment initializer to be rejected")
	}
}
