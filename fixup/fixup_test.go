package fixup

import (
	"encoding/binary"
	"testing"

	"github.com/blacktop/go-dyld/imagegraph"
	"github.com/blacktop/go-dyld/macho/types"
)

func newTestImage(slide int64, dataSize int) *imagegraph.Image {
	img := imagegraph.NewImage("/usr/lib/libtest.dylib", 1)
	img.LoadAddress = 0x100000000
	img.Slide = slide
	img.Segments = []*imagegraph.Segment{
		{Name: "__DATA", VMAddr: 0x100004000, VMSize: uint64(dataSize), Data: make([]byte, dataSize)},
	}
	return img
}

func TestRunRebaseOpcodesAddsSlide(t *testing.T) {
	img := newTestImage(0x1000, 16)
	binary.LittleEndian.PutUint64(img.Segments[0].Data[0:], 0x100004000)
	binary.LittleEndian.PutUint64(img.Segments[0].Data[8:], 0x100004008)

	opcodes := []byte{
		byte(types.REBASE_OPCODE_SET_TYPE_IMM) | byte(types.REBASE_TYPE_POINTER),
		byte(types.REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB) | 0x00, 0x00, // segment 0, offset 0
		byte(types.REBASE_OPCODE_DO_REBASE_IMM_TIMES) | 0x02, // rebase 2 consecutive pointers
		byte(types.REBASE_OPCODE_DONE),
	}

	e := New(nil)
	if err := e.runRebaseOpcodes(img, opcodes); err != nil {
		t.Fatalf("runRebaseOpcodes: %v", err)
	}

	got0 := binary.LittleEndian.Uint64(img.Segments[0].Data[0:])
	got1 := binary.LittleEndian.Uint64(img.Segments[0].Data[8:])
	if want := uint64(0x100005000); got0 != want {
		t.Errorf("slot 0 = %#x, want %#x", got0, want)
	}
	if want := uint64(0x100005008); got1 != want {
		t.Errorf("slot 1 = %#x, want %#x", got1, want)
	}
}

func TestRunRebaseOpcodesNoopWithoutSlide(t *testing.T) {
	img := newTestImage(0, 8)
	binary.LittleEndian.PutUint64(img.Segments[0].Data, 0xdeadbeef)

	e := New(nil)
	if err := e.runRebaseOpcodes(img, []byte{byte(types.REBASE_OPCODE_DONE)}); err != nil {
		t.Fatalf("runRebaseOpcodes: %v", err)
	}
	if got := binary.LittleEndian.Uint64(img.Segments[0].Data); got != 0xdeadbeef {
		t.Errorf("unexpected mutation: %#x", got)
	}
}

type stubResolver struct {
	addr uint64
	err  error
}

func (s stubResolver) Resolve(*imagegraph.Image, int, string, bool) (uint64, *imagegraph.Image, error) {
	return s.addr, nil, s.err
}

func TestRunBindOpcodesResolvesSymbol(t *testing.T) {
	img := newTestImage(0, 8)

	opcodes := []byte{}
	opcodes = append(opcodes, byte(types.BIND_OPCODE_SET_DYLIB_ORDINAL_IMM)|0x01)
	opcodes = append(opcodes, byte(types.BIND_OPCODE_SET_TYPE_IMM)|byte(types.BIND_TYPE_POINTER))
	opcodes = append(opcodes, byte(types.BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM))
	opcodes = append(opcodes, []byte("_puts")...)
	opcodes = append(opcodes, 0x00)
	opcodes = append(opcodes, byte(types.BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB)|0x00, 0x00)
	opcodes = append(opcodes, byte(types.BIND_OPCODE_DO_BIND))
	opcodes = append(opcodes, byte(types.BIND_OPCODE_DONE))

	e := New(stubResolver{addr: 0x200000000})
	if err := e.runBindOpcodes(img, opcodes, false); err != nil {
		t.Fatalf("runBindOpcodes: %v", err)
	}
	if got := binary.LittleEndian.Uint64(img.Segments[0].Data); got != 0x200000000 {
		t.Errorf("bound value = %#x, want 0x200000000", got)
	}
}

func TestRunBindOpcodesWeakMissingIsNotError(t *testing.T) {
	img := newTestImage(0, 8)
	binary.LittleEndian.PutUint64(img.Segments[0].Data, 0)

	opcodes := []byte{
		byte(types.BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM),
	}
	opcodes = append(opcodes, []byte("_weak_sym")...)
	opcodes = append(opcodes, 0x00)
	opcodes = append(opcodes, byte(types.BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB)|0x00, 0x00)
	opcodes = append(opcodes, byte(types.BIND_OPCODE_DO_BIND))
	opcodes = append(opcodes, byte(types.BIND_OPCODE_DONE))

	e := New(stubResolver{err: errNotFoundStub{}})
	if err := e.runBindOpcodes(img, opcodes, true); err != nil {
		t.Fatalf("expected weak-missing to be tolerated, got %v", err)
	}
}

type errNotFoundStub struct{}

func (errNotFoundStub) Error() string { return "not found" }
