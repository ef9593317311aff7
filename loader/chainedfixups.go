package loader

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-dyld/fixup"
	"github.com/blacktop/go-dyld/macho"
	"github.com/blacktop/go-dyld/macho/types"
)

// fixupInputs holds the raw LC_DYLD_INFO opcode streams and/or the decoded
// LC_DYLD_CHAINED_FIXUPS payload readFixupInputs pulls out of the backing
// file, carried on through to the fixup engine by runFixups (§4.4). A
// mach-o carries one mechanism or the other, never both.
type fixupInputs struct {
	rebase, bind, weakBind, lazyBind []byte
	chained                          *fixup.ChainedFixups
}

// readFixupInputs reads every fixup-relevant load command's backing bytes
// out of mf. The byte ranges it returns are relative to mf's own backing
// reader (the selected slice, for a universal binary), matching the
// coordinate space openAndMap already translates segment file offsets
// into.
func readFixupInputs(mf *macho.File) (*fixupInputs, error) {
	in := &fixupInputs{}
	for _, l := range mf.Loads {
		switch d := l.(type) {
		case *macho.DyldInfo:
			if err := in.readOpcodes(mf, d.RebaseOff, d.RebaseSize, d.BindOff, d.BindSize, d.WeakBindOff, d.WeakBindSize, d.LazyBindOff, d.LazyBindSize); err != nil {
				return nil, err
			}
		case *macho.DyldInfoOnly:
			if err := in.readOpcodes(mf, d.RebaseOff, d.RebaseSize, d.BindOff, d.BindSize, d.WeakBindOff, d.WeakBindSize, d.LazyBindOff, d.LazyBindSize); err != nil {
				return nil, err
			}
		case *macho.DyldChainedFixups:
			cf, err := decodeChainedFixups(mf, d.Offset, d.Size)
			if err != nil {
				return nil, fmt.Errorf("loader: decoding chained fixups: %w", err)
			}
			in.chained = cf
		}
	}
	return in, nil
}

func (in *fixupInputs) readOpcodes(mf *macho.File, rebaseOff, rebaseSize, bindOff, bindSize, weakOff, weakSize, lazyOff, lazySize uint32) error {
	var err error
	if in.rebase, err = readRange(mf, rebaseOff, rebaseSize); err != nil {
		return err
	}
	if in.bind, err = readRange(mf, bindOff, bindSize); err != nil {
		return err
	}
	if in.weakBind, err = readRange(mf, weakOff, weakSize); err != nil {
		return err
	}
	if in.lazyBind, err = readRange(mf, lazyOff, lazySize); err != nil {
		return err
	}
	return nil
}

func readRange(mf *macho.File, off, size uint32) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	if _, err := mf.ReadAt(buf, int64(off)); err != nil {
		return nil, fmt.Errorf("loader: reading fixup payload at %#x (%d bytes): %w", off, size, err)
	}
	return buf, nil
}

// decodeChainedFixups parses the LC_DYLD_CHAINED_FIXUPS payload (header,
// imports table, per-segment page-start tables) into the shape fixup.Engine
// walks directly against mapped segment bytes. This reimplements just the
// header layout (§4.4.2); it does not reuse the teacher's own chained-fixup
// reader, which decodes for read-only inspection against a file offset
// rather than live mutation of mapped memory (see DESIGN.md).
func decodeChainedFixups(mf *macho.File, cmdOff, cmdSize uint32) (*fixup.ChainedFixups, error) {
	data, err := readRange(mf, cmdOff, cmdSize)
	if err != nil {
		return nil, err
	}
	order := mf.ByteOrder

	var hdr types.DyldChainedFixupsHeader
	if err := binary.Read(bytes.NewReader(data), order, &hdr); err != nil {
		return nil, fmt.Errorf("reading dyld_chained_fixups_header: %w", err)
	}

	imports, err := decodeChainedImports(data, hdr, order)
	if err != nil {
		return nil, err
	}
	starts, err := decodeChainedStarts(data, hdr.StartsOffset, order)
	if err != nil {
		return nil, err
	}
	return &fixup.ChainedFixups{Imports: imports, Starts: starts}, nil
}

func decodeChainedImports(data []byte, hdr types.DyldChainedFixupsHeader, order binary.ByteOrder) ([]fixup.ChainedImport, error) {
	imports := make([]fixup.ChainedImport, hdr.ImportsCount)
	var entrySize uint32
	switch hdr.ImportsFormat {
	case types.DC_IMPORT:
		entrySize = 4
	case types.DC_IMPORT_ADDEND:
		entrySize = 8
	case types.DC_IMPORT_ADDEND64:
		entrySize = 16
	default:
		return nil, fmt.Errorf("unsupported chained imports format %d", hdr.ImportsFormat)
	}

	for i := uint32(0); i < hdr.ImportsCount; i++ {
		base := hdr.ImportsOffset + i*entrySize
		if uint64(base+entrySize) > uint64(len(data)) {
			return nil, fmt.Errorf("import %d at %#x exceeds payload (%d bytes)", i, base, len(data))
		}

		var libOrdinal int
		var weak bool
		var nameOff uint64
		var addend int64

		switch hdr.ImportsFormat {
		case types.DC_IMPORT:
			raw := types.DyldChainedImport(order.Uint32(data[base:]))
			libOrdinal = int(raw.LibOrdinal())
			weak = raw.WeakImport()
			nameOff = uint64(raw.NameOffset())
		case types.DC_IMPORT_ADDEND:
			raw := types.DyldChainedImport(order.Uint32(data[base:]))
			libOrdinal = int(raw.LibOrdinal())
			weak = raw.WeakImport()
			nameOff = uint64(raw.NameOffset())
			addend = int64(int32(order.Uint32(data[base+4:])))
		case types.DC_IMPORT_ADDEND64:
			raw := types.DyldChainedImport64(order.Uint64(data[base:]))
			libOrdinal = int(raw.LibOrdinal())
			weak = raw.WeakImport()
			nameOff = raw.NameOffset()
			addend = int64(order.Uint64(data[base+8:]))
		}

		nameStart := uint64(hdr.SymbolsOffset) + nameOff
		if nameStart > uint64(len(data)) {
			return nil, fmt.Errorf("import %d name offset %#x exceeds payload", i, nameStart)
		}
		imports[i] = fixup.ChainedImport{
			LibOrdinal: libOrdinal,
			Weak:       weak,
			Name:       cstring(data[nameStart:]),
			Addend:     addend,
		}
	}
	return imports, nil
}

func decodeChainedStarts(data []byte, startsOffset uint32, order binary.ByteOrder) ([]fixup.SegmentStarts, error) {
	if uint64(startsOffset+4) > uint64(len(data)) {
		return nil, fmt.Errorf("chained starts offset %#x exceeds payload", startsOffset)
	}
	segCount := order.Uint32(data[startsOffset:])
	starts := make([]fixup.SegmentStarts, segCount)

	segTableSize := binary.Size(types.DyldChainedStartsInSegment{})
	for seg := uint32(0); seg < segCount; seg++ {
		offField := startsOffset + 4 + seg*4
		if uint64(offField+4) > uint64(len(data)) {
			return nil, fmt.Errorf("chained starts segment %d offset table exceeds payload", seg)
		}
		segInfoOffset := order.Uint32(data[offField:])
		if segInfoOffset == 0 {
			continue // segment carries no chains
		}
		base := uint64(startsOffset) + uint64(segInfoOffset)
		if base+uint64(segTableSize) > uint64(len(data)) {
			return nil, fmt.Errorf("chained starts segment %d header exceeds payload", seg)
		}
		var hdr types.DyldChainedStartsInSegment
		if err := binary.Read(bytes.NewReader(data[base:base+uint64(segTableSize)]), order, &hdr); err != nil {
			return nil, fmt.Errorf("reading dyld_chain_starts_in_segment for segment %d: %w", seg, err)
		}

		pageStartsOff := base + uint64(segTableSize)
		pageStarts := make([]uint16, hdr.PageCount)
		for p := uint16(0); p < hdr.PageCount; p++ {
			off := pageStartsOff + uint64(p)*2
			if off+2 > uint64(len(data)) {
				return nil, fmt.Errorf("chained starts segment %d page %d exceeds payload", seg, p)
			}
			pageStarts[p] = order.Uint16(data[off:])
		}

		starts[seg] = fixup.SegmentStarts{
			PointerFormat: hdr.PointerFormat,
			PageSize:      uint32(hdr.PageSize),
			PageStarts:    pageStarts,
		}
	}
	return starts, nil
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
