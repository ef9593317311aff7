package fixup

import (
	"fmt"

	"github.com/blacktop/go-dyld/dylderr"
	"github.com/blacktop/go-dyld/imagegraph"
	"github.com/blacktop/go-dyld/macho/types"
)

// runBindOpcodes walks a classic LC_DYLD_INFO bind (or weak_bind) opcode
// stream, resolving each named symbol through the engine's SymbolResolver
// and writing the resolved, slid address into the named segment slot
// (§4.4.3). A weak_bind stream additionally drives the coalescing walk in
// weak.go after every image's opcodes have run once.
func (e *Engine) runBindOpcodes(img *imagegraph.Image, opcodes []byte, weak bool) error {
	if len(opcodes) == 0 {
		return nil
	}

	r := newOpcodeReader(opcodes)

	var (
		segIndex int
		segOff   uint64
		ordinal  int
		symbol   string
		addend   int64
		kind     uint8
		flags    uint8
	)

	doBind := func() error {
		addr, foundIn, err := e.resolver.Resolve(img, ordinal, symbol, weak || flags&0x1 != 0)
		if err != nil {
			if flags&0x1 != 0 {
				// A weak import with no provider binds to null and is
				// not an error (§4.4.3 weak semantics).
				return e.bindOne(img, segIndex, segOff, kind, 0)
			}
			if weak {
				// A weak-bind entry with no other provider leaves the
				// slot as it is.
				return nil
			}
			return dylderr.WrapSymbol(img.Path, symbol, err)
		}
		if err := e.bindOne(img, segIndex, segOff, kind, uint64(int64(addr)+addend)); err != nil {
			return err
		}
		_ = foundIn
		return nil
	}

	for !r.done() {
		b, err := r.byte()
		if err != nil {
			return err
		}
		opcode := b & types.BIND_OPCODE_MASK
		imm := uint64(b & 0x0F)

		switch opcode {
		case types.BIND_OPCODE_DONE:
			// Terminates this opcode run. A regular/weak bind stream has
			// one trailing DONE for the whole image; the lazy_bind stream
			// is a concatenation of many single-symbol runs, each ending
			// in its own DONE, so BindLazy relies on this to stop at the
			// boundary of the one entry it was asked to resolve.
			return nil
		case types.BIND_OPCODE_SET_DYLIB_ORDINAL_IMM:
			ordinal = int(imm)
		case types.BIND_OPCODE_SET_DYLIB_ORDINAL_ULEB:
			v, err := r.uleb()
			if err != nil {
				return err
			}
			ordinal = int(v)
		case types.BIND_OPCODE_SET_DYLIB_SPECIAL_IMM:
			if imm == 0 {
				ordinal = int(types.BIND_SPECIAL_DYLIB_SELF)
			} else {
				// Sign-extend the 4-bit immediate for the negative special
				// ordinals (-1, -2, -3).
				ordinal = int(int8(imm | 0xF0))
			}
		case types.BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM:
			flags = uint8(imm)
			if symbol, err = r.cstring(); err != nil {
				return err
			}
		case types.BIND_OPCODE_SET_TYPE_IMM:
			kind = uint8(imm)
		case types.BIND_OPCODE_SET_ADDEND_SLEB:
			if addend, err = r.sleb(); err != nil {
				return err
			}
		case types.BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB:
			segIndex = int(imm)
			if segOff, err = r.uleb(); err != nil {
				return err
			}
		case types.BIND_OPCODE_ADD_ADDR_ULEB:
			delta, err := r.uleb()
			if err != nil {
				return err
			}
			segOff += delta
		case types.BIND_OPCODE_DO_BIND:
			if err := doBind(); err != nil {
				return err
			}
			segOff += 8
		case types.BIND_OPCODE_DO_BIND_ADD_ADDR_ULEB:
			if err := doBind(); err != nil {
				return err
			}
			delta, err := r.uleb()
			if err != nil {
				return err
			}
			segOff += 8 + delta
		case types.BIND_OPCODE_DO_BIND_ADD_ADDR_IMM_SCALED:
			if err := doBind(); err != nil {
				return err
			}
			segOff += 8 + imm*8
		case types.BIND_OPCODE_DO_BIND_ULEB_TIMES_SKIPPING_ULEB:
			count, err := r.uleb()
			if err != nil {
				return err
			}
			skip, err := r.uleb()
			if err != nil {
				return err
			}
			for i := uint64(0); i < count; i++ {
				if err := doBind(); err != nil {
					return err
				}
				segOff += 8 + skip
			}
		case types.BIND_OPCODE_THREADED:
			// Threaded rebase/bind (arm64e pre-chained-fixups encoding) is
			// superseded by LC_DYLD_CHAINED_FIXUPS on every OS version this
			// loader targets; images that still use it are out of scope.
			return fmt.Errorf("fixup: BIND_OPCODE_THREADED not supported, use chained fixups")
		default:
			return fmt.Errorf("fixup: unknown bind opcode %#x", opcode)
		}
	}
	return nil
}

func (e *Engine) bindOne(img *imagegraph.Image, segIndex int, segOff uint64, kind uint8, value uint64) error {
	if segIndex < 0 || segIndex >= len(img.Segments) {
		return fmt.Errorf("fixup: bind segment index %d out of range (%d segments)", segIndex, len(img.Segments))
	}
	seg := img.Segments[segIndex]
	if segOff+8 > uint64(len(seg.Data)) {
		return fmt.Errorf("fixup: bind offset %#x beyond segment %s (%d bytes)", segOff, seg.Name, len(seg.Data))
	}
	switch kind {
	case types.BIND_TYPE_POINTER, types.BIND_TYPE_TEXT_ABSOLUTE32:
		e.order.PutUint64(seg.Data[segOff:], value)
	default:
		return fmt.Errorf("fixup: unsupported bind type %d", kind)
	}
	return nil
}

// BindLazy resolves and writes a single lazy stub binding on demand
// (§4.4.3 "lazy binding is deferred until first call"). offset is the
// byte offset of this binding's opcodes within the lazy_bind stream.
func (e *Engine) BindLazy(img *imagegraph.Image, lazyOpcodes []byte, offset uint32) error {
	if int(offset) >= len(lazyOpcodes) {
		return fmt.Errorf("fixup: lazy bind offset %#x beyond stream (%d bytes)", offset, len(lazyOpcodes))
	}
	return e.runBindOpcodes(img, lazyOpcodes[offset:], false)
}
