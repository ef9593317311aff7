// Package fixup implements the fixup engine (§4.4): rebasing internal
// pointers for slide, binding external symbol references (classic opcode
// stream and chained fixups), weak coalescing, interposing, and shared
// cache patch application.
package fixup

import (
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-dyld/dylderr"
	"github.com/blacktop/go-dyld/imagegraph"
	"github.com/blacktop/go-dyld/internal/logging"
)

// SymbolResolver looks up a symbol by ordinal-and-name against the
// dependency vector of the image currently being bound, honoring
// two-level vs. flat namespace policy (§4.4.3/§4.4.4).
type SymbolResolver interface {
	// Resolve returns the bound address for name as seen from requester,
	// consulting dependency ordinal, or (for flat/weak lookups) every
	// loaded image in load order.
	Resolve(requester *imagegraph.Image, ordinal int, name string, weak bool) (addr uint64, foundIn *imagegraph.Image, err error)
}

// Engine runs rebase/bind for one image at a time. It holds no per-image
// state between calls; all of that lives on imagegraph.Image/Segment.
type Engine struct {
	resolver SymbolResolver
	order    binary.ByteOrder
}

func New(resolver SymbolResolver) *Engine {
	return &Engine{resolver: resolver, order: binary.LittleEndian}
}

// RebaseAndBind drives an image from StateDependentsMapped through
// StateBound, running whichever fixup mechanism the image actually
// carries (classic opcodes, or chained fixups — never both, §4.4).
//
//   - rebaseOpcodes: LC_DYLD_INFO rebase_off/rebase_size bytes, nil if absent
//   - bindOpcodes: LC_DYLD_INFO bind_off/bind_size bytes, nil if absent
//   - weakBindOpcodes: LC_DYLD_INFO weak_bind_off/weak_bind_size bytes, nil if absent
//   - lazyBindOpcodes: LC_DYLD_INFO lazy_bind_off/lazy_bind_size bytes, nil if absent
//   - chained: decoded LC_DYLD_CHAINED_FIXUPS payload, nil if absent
func (e *Engine) RebaseAndBind(img *imagegraph.Image, rebaseOpcodes, bindOpcodes, weakBindOpcodes, lazyBindOpcodes []byte, chained *ChainedFixups) error {
	log := logging.For(logging.Bindings).WithField("image", img.Path)

	if !img.TransitionTo(imagegraph.StateDependentsMapped, imagegraph.StateRebased) {
		if img.State() >= imagegraph.StateRebased {
			// Another goroutine already rebased/bound this image (a
			// redundant dependency edge reached it twice); nothing to do.
			return nil
		}
		return dylderr.Wrap(dylderr.Structural, "", img.Path, errBadState(img.State()))
	}

	if chained != nil {
		if err := e.runChained(img, chained); err != nil {
			return dylderr.Wrap(dylderr.Structural, "", img.Path, err)
		}
	} else {
		if err := e.runRebaseOpcodes(img, rebaseOpcodes); err != nil {
			return dylderr.Wrap(dylderr.Structural, "", img.Path, err)
		}
	}

	if !img.TransitionTo(imagegraph.StateRebased, imagegraph.StateBound) {
		if img.State() >= imagegraph.StateBound {
			return nil
		}
		return dylderr.Wrap(dylderr.Structural, "", img.Path, errBadState(img.State()))
	}

	if chained == nil {
		if err := e.runBindOpcodes(img, bindOpcodes, false); err != nil {
			return err
		}
		if err := e.runBindOpcodes(img, weakBindOpcodes, true); err != nil {
			return err
		}
		// Lazy bindings are left unbound here; the stub helper resolves
		// them on first call via BindLazy (§4.4.3 "lazy binding may be
		// deferred").
		_ = lazyBindOpcodes
	}

	log.Debug("rebased and bound")
	return nil
}

func errBadState(s imagegraph.State) error {
	return fmt.Errorf("fixup: image in unexpected state %s", s)
}
