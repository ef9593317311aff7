package mapper

import (
	"testing"

	"github.com/blacktop/go-dyld/imagegraph"
)

func seg(name string, addr, size, off, fsize uint64) *imagegraph.Segment {
	return &imagegraph.Segment{Name: name, VMAddr: addr, VMSize: size, FileOffset: off, FileSize: fsize}
}

func TestComputeSpanContiguous(t *testing.T) {
	segs := []*imagegraph.Segment{
		seg("__PAGEZERO", 0, 0x100000000, 0, 0),
		seg("__TEXT", 0x100000000, 0x4000, 0, 0x4000),
		seg("__DATA", 0x100004000, 0x1000, 0x4000, 0x1000),
		seg("__LINKEDIT", 0x100005000, 0x2000, 0x5000, 0x1800),
	}
	span, err := ComputeSpan(segs)
	if err != nil {
		t.Fatalf("ComputeSpan: %v", err)
	}
	if span.Low != 0 {
		t.Errorf("Low = %#x, want 0", span.Low)
	}
	if want := uint64(0x100007000); span.High != want {
		t.Errorf("High = %#x, want %#x", span.High, want)
	}
}

func TestComputeSpanRejectsOverlap(t *testing.T) {
	segs := []*imagegraph.Segment{
		seg("__TEXT", 0x100000000, 0x4000, 0, 0x4000),
		seg("__DATA", 0x100002000, 0x1000, 0x4000, 0x1000), // overlaps __TEXT
	}
	if _, err := ComputeSpan(segs); err == nil {
		t.Fatal("expected overlap error, got nil")
	}
}

func TestComputeSpanRejectsFilesizeExceedsVMSize(t *testing.T) {
	segs := []*imagegraph.Segment{
		seg("__TEXT", 0x100000000, 0x1000, 0, 0x2000),
	}
	if _, err := ComputeSpan(segs); err == nil {
		t.Fatal("expected filesize-exceeds-vmsize error, got nil")
	}
}

func TestComputeSpanRejectsEmpty(t *testing.T) {
	if _, err := ComputeSpan(nil); err == nil {
		t.Fatal("expected error for image with no segments, got nil")
	}
}

func TestProtTranslation(t *testing.T) {
	cases := []struct {
		in   uint32
		want int
	}{
		{0x0, 0},
		{0x1, 1 /* PROT_READ */},
	}
	for _, c := range cases {
		if got := prot(c.in); got != c.want {
			t.Errorf("prot(%#x) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestNullRegistrar(t *testing.T) {
	var r CodeSignRegistrar = NullRegistrar{}
	if err := r.Register(nil, 0, 0); err != nil {
		t.Errorf("NullRegistrar.Register returned %v, want nil", err)
	}
}
