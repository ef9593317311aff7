// Package mapper implements the segment mapper (§4.3): choosing a load
// address, mapping each segment with correct protections, and registering
// the result in the image graph's address index.
package mapper

import (
	"fmt"
	"os"
	"sort"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/blacktop/go-dyld/imagegraph"
	"github.com/blacktop/go-dyld/internal/logging"
)

const pageSize = 4096

// CodeSignRegistrar abstracts "register the code signature with the
// kernel before touching executable pages" (§4.3 step 4). NullRegistrar,
// the only implementation in this module, does nothing and returns nil.
type CodeSignRegistrar interface {
	Register(f *os.File, blobOffset, blobSize uint64) error
}

type NullRegistrar struct{}

func (NullRegistrar) Register(*os.File, uint64, uint64) error { return nil }

// Span is the total VM range an image's segments occupy, computed by
// walking the SEGMENT commands (§4.3 step 1).
type Span struct {
	Low, High uint64 // [Low, High)
}

// ComputeSpan validates segment layout and returns the total VM span.
// Overlapping segments, and a zero-offset-nonzero-size segment other than
// the first, are rejected.
func ComputeSpan(segs []*imagegraph.Segment) (Span, error) {
	if len(segs) == 0 {
		return Span{}, fmt.Errorf("mapper: image has no segments")
	}

	ordered := make([]*imagegraph.Segment, len(segs))
	copy(ordered, segs)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].VMAddr < ordered[j].VMAddr })

	span := Span{Low: ordered[0].VMAddr, High: ordered[0].VMAddr + ordered[0].VMSize}
	for i, s := range ordered {
		if s.FileSize > s.VMSize {
			return Span{}, fmt.Errorf("mapper: segment %s filesize %d exceeds vmsize %d", s.Name, s.FileSize, s.VMSize)
		}
		if i > 0 && s.FileOffset == 0 && s.FileSize != 0 {
			return Span{}, fmt.Errorf("mapper: segment %s has zero file offset but nonzero size", s.Name)
		}
		if i > 0 {
			prev := ordered[i-1]
			if s.VMAddr < prev.VMAddr+prev.VMSize {
				return Span{}, fmt.Errorf("mapper: segments %s and %s overlap", prev.Name, s.Name)
			}
		}
		if end := s.VMAddr + s.VMSize; end > span.High {
			span.High = end
		}
	}
	return span, nil
}

// Mapper maps one image's segments into the process.
type Mapper struct {
	graph     *imagegraph.Graph
	registrar CodeSignRegistrar
	aslrPad   uint64 // extra padding added to a slid reservation, between dylibs
}

func New(graph *imagegraph.Graph, registrar CodeSignRegistrar) *Mapper {
	if registrar == nil {
		registrar = NullRegistrar{}
	}
	return &Mapper{graph: graph, registrar: registrar}
}

// Map reserves address space for img (sliding it if mustSlide, or honoring
// the segments' preferred addresses otherwise), maps each segment, and
// indexes the result. f is the open file backing the image; callers must
// not call Map for a cache-resident image (§3: "segments are not
// individually mapped" there).
func (m *Mapper) Map(img *imagegraph.Image, f *os.File, mustSlide bool) error {
	span, err := ComputeSpan(img.Segments)
	if err != nil {
		return err
	}

	if mustSlide {
		reserveSize := alignUp(span.High-span.Low, pageSize) + m.aslrPad
		reservation, err := unix.Mmap(-1, 0, int(reserveSize), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			if err == unix.EACCES || err == unix.EPERM {
				return fmt.Errorf("mapper: sandbox denied reservation mmap: %w", err)
			}
			return fmt.Errorf("mapper: reserving %d bytes: %w", reserveSize, err)
		}
		base := uintptr(unsafe.Pointer(&reservation[0]))
		img.LoadAddress = uint64(base)
		img.Slide = int64(base) - int64(span.Low)
	} else {
		img.LoadAddress = span.Low
		img.Slide = 0
	}

	// __LINKEDIT is always read-only regardless of what the load command
	// asked for (§4.3 step 3).
	if le := img.SegmentNamed("__LINKEDIT"); le != nil {
		le.InitProt = uint32(unix.PROT_READ)
	}

	for _, seg := range img.Segments {
		if err := m.mapSegment(img, seg, f); err != nil {
			return err
		}
		m.graph.IndexSegment(img, seg)
	}

	logging.For(logging.Segments).WithField("image", img.Path).WithField("slide", img.Slide).Debug("mapped")
	return nil
}

func (m *Mapper) mapSegment(img *imagegraph.Image, seg *imagegraph.Segment, f *os.File) error {
	segStart := uint64(int64(seg.VMAddr) + img.Slide)
	alignedStart := segStart &^ (pageSize - 1)
	pad := segStart - alignedStart

	if seg.FileSize == 0 {
		// Purely zero-fill (bss-only) segment: anonymous mapping, no file
		// backing at all.
		size := alignUp(seg.VMSize+pad, pageSize)
		data, err := mmapFixed(uintptr(alignedStart), size, prot(seg.InitProt), -1, 0, unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			return fmt.Errorf("mapper: mapping zero-fill segment %s: %w", seg.Name, err)
		}
		seg.Data = data[pad:]
		return nil
	}

	size := alignUp(seg.FileSize+pad, pageSize)
	data, err := mmapFixed(uintptr(alignedStart), size, prot(seg.InitProt), int(f.Fd()), int64(seg.FileOffset)-int64(pad), unix.MAP_PRIVATE)
	if err != nil {
		if err == unix.EACCES {
			return fmt.Errorf("mapper: sandbox denied mmap of segment %s: %w", seg.Name, err)
		}
		return fmt.Errorf("mapper: mapping segment %s: %w", seg.Name, err)
	}
	seg.Data = data[pad:]

	if seg.Name == "__TEXT" && img.CodeSignSize > 0 {
		if err := m.registrar.Register(f, img.CodeSignOffset, img.CodeSignSize); err != nil {
			return fmt.Errorf("mapper: registering code signature: %w", err)
		}
	}

	return nil
}

// mmapFixed maps at addr with MAP_FIXED folded in. x/sys/unix's portable
// Mmap wrapper has no address parameter, so this drops to the raw syscall
// the same way the wrapper itself is implemented.
func mmapFixed(addr uintptr, length uint64, prot, fd int, offset int64, flags int) ([]byte, error) {
	r, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(length), uintptr(prot), uintptr(flags|unix.MAP_FIXED), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return nil, errno
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(r)), int(length)), nil
}

func prot(p uint32) int {
	v := vmProtection(p)
	out := 0
	if v.Read() {
		out |= unix.PROT_READ
	}
	if v.Write() {
		out |= unix.PROT_WRITE
	}
	if v.Execute() {
		out |= unix.PROT_EXEC
	}
	return out
}

// vmProtection mirrors macho/types.VmProtection's bit layout without
// importing that package's broader surface into this one.
type vmProtection uint32

func (v vmProtection) Read() bool    { return v&0x1 != 0 }
func (v vmProtection) Write() bool   { return v&0x2 != 0 }
func (v vmProtection) Execute() bool { return v&0x4 != 0 }

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}
