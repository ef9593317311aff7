package fixup

import (
	"github.com/blacktop/go-dyld/imagegraph"
	"github.com/blacktop/go-dyld/internal/logging"
)

// InterposeTuple is one (replacement, replacee) pair from a __DATA,
// __interpose section: every bound reference to replacee's address,
// anywhere in the process except within the interposing image itself,
// should instead resolve to replacement (§4.4.6).
type InterposeTuple struct {
	Replacement uint64
	Replacee    uint64
}

// Interposer rewrites already-bound pointers across the image set to
// honor a set of interposing tuples, applied once after every inserted
// library (including DYLD_INSERT_LIBRARIES entries) has finished binding.
type Interposer struct {
	tuples []InterposeTuple
	source *imagegraph.Image
}

func NewInterposer(source *imagegraph.Image, tuples []InterposeTuple) *Interposer {
	return &Interposer{tuples: tuples, source: source}
}

// Apply walks the bound references of img passed in refs and rewrites
// any whose current value matches a replacee, skipping the interposing
// image itself so it can still call the original implementation it wraps.
// The bind walkers do not record BoundSlot values; refs come from the
// caller.
func (ip *Interposer) Apply(e *Engine, img *imagegraph.Image, refs []BoundSlot) error {
	if img == ip.source || len(ip.tuples) == 0 {
		return nil
	}
	log := logging.For(logging.Bindings).WithField("image", img.Path)

	for _, ref := range refs {
		for _, t := range ip.tuples {
			if ref.Value != t.Replacee {
				continue
			}
			if err := e.bindOne(img, ref.SegIndex, ref.SegOffset, ref.Kind, t.Replacement); err != nil {
				return err
			}
			log.WithField("symbol", ref.Symbol).Debug("interposed")
			break
		}
	}
	return nil
}

// BoundSlot records one slot a bind walker wrote, the minimum needed for a
// later interposing or weak-rehome pass to reconsider it without
// re-parsing the opcode stream.
type BoundSlot struct {
	Symbol    string
	SegIndex  int
	SegOffset uint64
	Kind      uint8
	Value     uint64
}
