package fixup

import (
	"fmt"

	"github.com/blacktop/go-dyld/imagegraph"
	"github.com/blacktop/go-dyld/macho/types"
)

// runRebaseOpcodes walks the classic LC_DYLD_INFO rebase opcode stream,
// adding img.Slide to every pointer-sized slot it names (§4.4.1). Segments
// are addressed by index in load-command order, matching what the opcode
// stream encodes.
func (e *Engine) runRebaseOpcodes(img *imagegraph.Image, opcodes []byte) error {
	if len(opcodes) == 0 || img.Slide == 0 {
		return nil
	}

	r := newOpcodeReader(opcodes)

	var (
		segIndex int
		segOff   uint64
		kind     uint8
	)

	apply := func(count, skip uint64) error {
		for i := uint64(0); i < count; i++ {
			if err := e.rebaseOne(img, segIndex, segOff, kind); err != nil {
				return err
			}
			segOff += 8 + skip
		}
		return nil
	}

	for !r.done() {
		b, err := r.byte()
		if err != nil {
			return err
		}
		opcode := b & types.REBASE_OPCODE_MASK
		imm := uint64(b & 0x0F)

		switch opcode {
		case types.REBASE_OPCODE_DONE:
			return nil
		case types.REBASE_OPCODE_SET_TYPE_IMM:
			kind = uint8(imm)
		case types.REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB:
			segIndex = int(imm)
			if segOff, err = r.uleb(); err != nil {
				return err
			}
		case types.REBASE_OPCODE_ADD_ADDR_ULEB:
			delta, err := r.uleb()
			if err != nil {
				return err
			}
			segOff += delta
		case types.REBASE_OPCODE_ADD_ADDR_IMM_SCALED:
			segOff += imm * 8
		case types.REBASE_OPCODE_DO_REBASE_IMM_TIMES:
			if err := apply(imm, 0); err != nil {
				return err
			}
		case types.REBASE_OPCODE_DO_REBASE_ULEB_TIMES:
			count, err := r.uleb()
			if err != nil {
				return err
			}
			if err := apply(count, 0); err != nil {
				return err
			}
		case types.REBASE_OPCODE_DO_REBASE_ADD_ADDR_ULEB:
			delta, err := r.uleb()
			if err != nil {
				return err
			}
			if err := apply(1, 0); err != nil {
				return err
			}
			segOff += delta - 8
		case types.REBASE_OPCODE_DO_REBASE_ULEB_TIMES_SKIPPING_ULEB:
			count, err := r.uleb()
			if err != nil {
				return err
			}
			skip, err := r.uleb()
			if err != nil {
				return err
			}
			if err := apply(count, skip); err != nil {
				return err
			}
		default:
			return fmt.Errorf("fixup: unknown rebase opcode %#x", opcode)
		}
	}
	return nil
}

func (e *Engine) rebaseOne(img *imagegraph.Image, segIndex int, segOff uint64, kind uint8) error {
	if segIndex < 0 || segIndex >= len(img.Segments) {
		return fmt.Errorf("fixup: rebase segment index %d out of range (%d segments)", segIndex, len(img.Segments))
	}
	seg := img.Segments[segIndex]
	if segOff+8 > uint64(len(seg.Data)) {
		return fmt.Errorf("fixup: rebase offset %#x beyond segment %s (%d bytes)", segOff, seg.Name, len(seg.Data))
	}
	switch kind {
	case types.REBASE_TYPE_POINTER, types.REBASE_TYPE_TEXT_ABSOLUTE32:
		raw := e.order.Uint64(seg.Data[segOff:])
		e.order.PutUint64(seg.Data[segOff:], uint64(int64(raw)+img.Slide))
	default:
		return fmt.Errorf("fixup: unsupported rebase type %d", kind)
	}
	return nil
}

// opcodeReader is a tiny cursor over an opcode byte stream, shared by the
// rebase and bind walkers.
type opcodeReader struct {
	buf []byte
	pos int
}

func newOpcodeReader(buf []byte) *opcodeReader { return &opcodeReader{buf: buf} }

func (r *opcodeReader) done() bool { return r.pos >= len(r.buf) }

func (r *opcodeReader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, fmt.Errorf("fixup: opcode stream truncated")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *opcodeReader) uleb() (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result, nil
}

func (r *opcodeReader) sleb() (int64, error) {
	var result int64
	var shift uint
	var b byte
	var err error
	for {
		b, err = r.byte()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && (b&0x40) != 0 {
		result |= -(int64(1) << shift)
	}
	return result, nil
}

func (r *opcodeReader) cstring() (string, error) {
	start := r.pos
	for r.pos < len(r.buf) && r.buf[r.pos] != 0 {
		r.pos++
	}
	if r.pos >= len(r.buf) {
		return "", fmt.Errorf("fixup: unterminated symbol name in opcode stream")
	}
	s := string(r.buf[start:r.pos])
	r.pos++ // skip NUL
	return s, nil
}
