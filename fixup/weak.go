package fixup

import (
	"sort"

	"github.com/blacktop/go-dyld/imagegraph"
	"github.com/blacktop/go-dyld/internal/logging"
)

// WeakCoalescer picks, for each weak symbol name seen across every loaded
// image, a single "winning" definition and rewrites every other image's
// bound reference to point at it (§4.4.5). The winner is the first
// definition encountered when images are visited in load order, matching
// dyld's "first one wins, ties favor the already-loaded image" rule.
type WeakCoalescer struct {
	winners map[string]weakWinner
}

type weakWinner struct {
	addr  uint64
	image *imagegraph.Image
}

func NewWeakCoalescer() *WeakCoalescer {
	return &WeakCoalescer{winners: make(map[string]weakWinner)}
}

// Observe registers every weak-exported symbol img provides, in a
// deterministic (sorted) order so re-running Observe over the same image
// set is idempotent.
func (c *WeakCoalescer) Observe(img *imagegraph.Image) {
	if img.Exports == nil || !img.Flags.ParticipatesInCoalescing {
		return
	}
	names := make([]string, len(img.Exports.Names))
	copy(names, img.Exports.Names)
	sort.Strings(names)

	for _, name := range names {
		addr, reexportOf, weak, _, found := img.Exports.Lookup(name)
		if !found || !weak || reexportOf != "" {
			continue
		}
		if _, exists := c.winners[name]; exists {
			continue
		}
		c.winners[name] = weakWinner{addr: img.LoadAddress + addr, image: img}
	}
}

// Winner returns the coalesced address for name, if any weak definition of
// it has been observed.
func (c *WeakCoalescer) Winner(name string) (uint64, *imagegraph.Image, bool) {
	w, ok := c.winners[name]
	return w.addr, w.image, ok
}

// Rehome rewrites every already-bound weak reference in img that did not
// resolve to the coalescing winner, so all images converge on one
// definition regardless of bind order (§4.4.5 "coalescing may need a
// second pass once every image's exports are known").
func (c *WeakCoalescer) Rehome(e *Engine, img *imagegraph.Image, refs []WeakRef) error {
	log := logging.For(logging.Bindings).WithField("image", img.Path)
	for _, ref := range refs {
		addr, winner, ok := c.Winner(ref.Symbol)
		if !ok || winner == img {
			continue
		}
		if err := e.bindOne(img, ref.SegIndex, ref.SegOffset, ref.Kind, addr); err != nil {
			return err
		}
		log.WithField("symbol", ref.Symbol).Debug("rehomed to coalesced weak definition")
	}
	return nil
}

// WeakRef is a previously-bound weak reference the rehome pass may need to
// revisit.
type WeakRef struct {
	Symbol    string
	SegIndex  int
	SegOffset uint64
	Kind      uint8
}
