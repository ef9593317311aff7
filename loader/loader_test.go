package loader

import (
	"testing"

	"github.com/blacktop/go-dyld/imagegraph"
)

func exportingImage(path string, id uint64, addr uint64, symbol string) *imagegraph.Image {
	img := imagegraph.NewImage(path, id)
	img.LoadAddress = 0x100000000
	img.Exports = &imagegraph.ExportView{
		Names: []string{symbol},
		Lookup: func(name string) (uint64, string, bool, bool, bool) {
			if name == symbol {
				return addr, "", false, false, true
			}
			return 0, "", false, false, false
		},
	}
	return img
}

func newTestLoader() *Loader {
	lc := imagegraph.NewLinkContextFromEnvironment(false, "macos")
	return New(lc, nil)
}

func TestDlsymResolvesThroughDependency(t *testing.T) {
	ld := newTestLoader()
	libc := exportingImage("/usr/lib/libc.dylib", 1, 0x1000, "puts")
	main := imagegraph.NewImage("/main", 2)
	main.Dependencies = []imagegraph.Dependency{{Name: "/usr/lib/libc.dylib", Kind: imagegraph.DepRequired, Image: libc}}
	ld.graph.Insert(libc)
	ld.graph.Insert(main)

	addr, found, err := ld.Dlsym(main, "puts")
	if err != nil {
		t.Fatalf("Dlsym: %v", err)
	}
	if found != libc {
		t.Fatalf("expected resolution in libc, got %v", found)
	}
	if want := libc.LoadAddress + 0x1000; addr != want {
		t.Fatalf("addr = %#x, want %#x", addr, want)
	}
}

func TestDlsymMissingSymbolErrors(t *testing.T) {
	ld := newTestLoader()
	main := imagegraph.NewImage("/main", 1)
	ld.graph.Insert(main)

	if _, _, err := ld.Dlsym(main, "nope"); err == nil {
		t.Fatal("expected an error for a missing symbol")
	}
}

func TestDlsymFlatFallbackRecordsDynamicReference(t *testing.T) {
	ld := newTestLoader()
	lib := exportingImage("/usr/lib/libextra.dylib", 1, 0x2000, "extra_fn")
	main := imagegraph.NewImage("/main", 2)
	main.Flags.ForceFlat = true
	ld.graph.Insert(lib)
	ld.graph.Insert(main)

	addr, found, err := ld.Dlsym(main, "extra_fn")
	if err != nil {
		t.Fatalf("Dlsym: %v", err)
	}
	if found != lib || addr != lib.LoadAddress+0x2000 {
		t.Fatalf("unexpected resolution: addr=%#x found=%v", addr, found)
	}
	if lib.RefCount() != 1 {
		t.Fatalf("expected the flat lookup to record a dynamic reference, refcount = %d", lib.RefCount())
	}
}

func TestDlcloseTriggersGCOfUnreferencedDependency(t *testing.T) {
	ld := newTestLoader()
	dep := imagegraph.NewImage("/dep.dylib", 1)
	dep.ForceState(imagegraph.StateInited)
	main := imagegraph.NewImage("/main", 2)
	main.Dependencies = []imagegraph.Dependency{{Name: "/dep.dylib", Kind: imagegraph.DepRequired, Image: dep}}
	ld.graph.Insert(dep)
	ld.graph.Insert(main)
	main.AddDlopenRef()

	ld.Dlclose(main, 1)

	for _, img := range ld.graph.All() {
		if img == dep {
			t.Fatal("expected the unreferenced dependency to be collected")
		}
	}
}
