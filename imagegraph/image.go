// Package imagegraph holds the core data model of the loader: one Image per
// mapped mach-o file, the process-wide ImageGraph that owns them, and the
// LinkContext plumbing threaded through every phase (§3 of the design).
package imagegraph

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// State is a point in an Image's lifecycle. Transitions are monotonic and
// are applied with compare-and-swap so concurrent callers (an initializer
// that triggers a nested dlopen) observe a consistent sequence.
type State int32

const (
	StateMapped State = iota
	StateDependentsMapped
	StateRebased
	StateBound
	StateDependentsInited
	StateBeingInited
	StateInited
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateMapped:
		return "mapped"
	case StateDependentsMapped:
		return "dependentsMapped"
	case StateRebased:
		return "rebased"
	case StateBound:
		return "bound"
	case StateDependentsInited:
		return "dependentsInited"
	case StateBeingInited:
		return "beingInited"
	case StateInited:
		return "inited"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// DependencyKind distinguishes the four LC_*_DYLIB command flavors.
type DependencyKind int

const (
	DepRequired DependencyKind = iota
	DepWeak
	DepReexport
	DepUpward
)

func (k DependencyKind) String() string {
	switch k {
	case DepRequired:
		return "required"
	case DepWeak:
		return "weak"
	case DepReexport:
		return "reexport"
	case DepUpward:
		return "upward"
	default:
		return "unknown"
	}
}

// Dependency is one entry of an Image's dependency vector, resolved lazily
// by the path resolver / recursive loader.
type Dependency struct {
	Name          string
	MinVersion    uint32
	CompatVersion uint32
	Kind          DependencyKind
	Image         *Image // nil until resolved; stays nil forever for a missing weak dep
}

// Segment mirrors a mach-o SEGMENT load command, with the fields the mapper
// and fixup engine need at runtime (not the full on-disk encoding, which
// lives in the macho parser package).
type Segment struct {
	Name       string
	VMAddr     uint64
	VMSize     uint64
	FileOffset uint64
	FileSize   uint64
	InitProt   uint32
	MaxProt    uint32
	P2Align    uint32

	// Data is the live mapped bytes for this segment once the mapper has
	// run; the fixup engine rewrites absolute pointers in place here.
	Data []byte
}

// Flags bundles the boolean attributes §3 lists for an Image.
type Flags struct {
	InSharedCache          bool
	NeverUnload            bool
	LeaveMapped            bool
	HideExports            bool // RTLD_LOCAL
	MatchByInstallName     bool
	ParticipatesInCoalescing bool
	ForceFlat              bool
	IsBundle               bool
	IsDylib                bool
	IsMainExecutable       bool
	IsPIE                  bool
}

// Image is one loaded mach-o file: an executable, a dylib, or a linked
// bundle.
type Image struct {
	Path     string // canonical
	RealPath string // symlink-resolved, may equal Path
	PathHash uint64 // cheap pre-filter, see resolver

	LoadAddress uint64
	Slide       int64
	Segments    []*Segment

	Dependencies []Dependency

	Exports *ExportView
	Imports []ImportRef

	// Reference counts. staticRefs is bumped by every non-upward dependent
	// at load time; dynamicRefs by flat-namespace symbol lookups that
	// would otherwise be invisible to GC; dlopenRefs once per live dlopen
	// handle.
	staticRefs  atomic.Int32
	dynamicRefs atomic.Int32
	dlopenRefs  atomic.Int32

	Flags Flags

	state atomic.Int32

	// Depth is the topological rank used to order initializers: 1 + the
	// max depth of non-upward dependents.
	Depth int

	UUID uuid.UUID

	// ID is a small dense integer assigned at insertion, used as the key
	// type for the graph's lock-free maps (which only accept scalar keys).
	ID uint64

	// Initializers are the resolved, validated function pointers (as
	// offsets from LoadAddress) from the image's __DATA initializer
	// section. They are invoked at most once each, enforced by the state
	// machine rather than by a mutable "done" bit per entry.
	Initializers []uint64

	Terminators []uint64

	// CodeSignOffset and CodeSignSize locate the LC_CODE_SIGNATURE blob in
	// the backing file, for mapper.CodeSignRegistrar. Zero when the image
	// carries no signature.
	CodeSignOffset uint64
	CodeSignSize   uint64

	initOnce   initGuard
	termDone   atomic.Bool
}

// initGuard is a recursive-on-owning-goroutine lock, described in §4.6: a
// thread that is already running this image's initializer (because it
// dlopen'd something that transitively depends on itself) must not
// deadlock, while a different thread must block.
type initGuard struct {
	owner atomic.Int64 // goroutine-ish token, 0 == unlocked; see initorder's recursiveLock
}

func NewImage(path string, id uint64) *Image {
	img := &Image{Path: path, RealPath: path, ID: id}
	img.state.Store(int32(StateMapped))
	return img
}

func (img *Image) State() State { return State(img.state.Load()) }

// TransitionTo attempts the state machine transition from 'from' to 'to'.
// It reports whether the CAS succeeded; callers that lose the race should
// treat a State() already >= 'to' as a no-op success (see initorder for the
// beingInited/cycle case).
func (img *Image) TransitionTo(from, to State) bool {
	return img.state.CompareAndSwap(int32(from), int32(to))
}

func (img *Image) ForceState(to State) { img.state.Store(int32(to)) }

func (img *Image) AddStaticRef()  { img.staticRefs.Add(1) }
func (img *Image) DropStaticRef() { img.staticRefs.Add(-1) }

func (img *Image) AddDynamicRef()  { img.dynamicRefs.Add(1) }
func (img *Image) DropDynamicRef() { img.dynamicRefs.Add(-1) }

func (img *Image) AddDlopenRef() int32  { return img.dlopenRefs.Add(1) }
func (img *Image) DropDlopenRef() int32 { return img.dlopenRefs.Add(-1) }

// RefCount is the sum of the static, dynamic and dlopen reference counts.
// GC treats an image with a positive RefCount (or NeverUnload) as live.
func (img *Image) RefCount() int32 {
	return img.staticRefs.Load() + img.dynamicRefs.Load() + img.dlopenRefs.Load()
}

func (img *Image) Live() bool {
	return img.Flags.NeverUnload || img.RefCount() > 0
}

// SegmentNamed returns the first segment with the given name, or nil.
func (img *Image) SegmentNamed(name string) *Segment {
	for _, s := range img.Segments {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// ContainsAddress reports whether addr (a *loaded*, post-slide address)
// falls within one of img's segments, and returns that segment.
func (img *Image) ContainsAddress(addr uint64) (*Segment, bool) {
	for _, s := range img.Segments {
		start := img.LoadAddress + s.VMAddr
		if addr >= start && addr < start+s.VMSize {
			return s, true
		}
	}
	return nil, false
}

// ImportRef is one entry an image's bind metadata names: a library ordinal
// plus symbol name, not yet resolved to an address (§4.4.3/4.4.4).
type ImportRef struct {
	LibraryOrdinal int
	Symbol         string
	Weak           bool
	Lazy           bool
	Addend         int64
	SegOffset      uint64 // offset within SegIndex where the resolved ptr is written
	SegIndex       int
}

// ExportView is a thin adapter over the macho parser's export trie so the
// fixup engine can look up a symbol without depending on the parser's file
// handle lifetime.
type ExportView struct {
	// Lookup returns the image-relative export address (before slide) for
	// name, and whether it is a re-export (ReexportOf != "" in that case).
	Lookup func(name string) (addr uint64, reexportOf string, weak, stub bool, found bool)
	Names  []string // sorted, for weak-coalescing merge walks
}
