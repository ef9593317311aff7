package fixup

import (
	"fmt"

	"github.com/blacktop/go-dyld/imagegraph"
	"github.com/blacktop/go-dyld/macho/types"
)

// ChainedFixups is the decoded form of an LC_DYLD_CHAINED_FIXUPS payload,
// adapted to address mapped segments by index (as the mapper lays them
// out) rather than by file offset (as the read-only macho parser does).
type ChainedFixups struct {
	Imports  []ChainedImport
	Starts   []SegmentStarts // one entry per segment, len(Starts) == len(Image.Segments); zero PageCount == segment has no chains
}

// ChainedImport is one resolved entry of the imports table: either a plain
// symbol bind, or a symbol bind with an additional addend.
type ChainedImport struct {
	LibOrdinal int
	Weak       bool
	Name       string
	Addend     int64
}

// SegmentStarts is one segment's dyld_chain_starts_in_segment, with the
// per-page chain head offsets already unpacked.
type SegmentStarts struct {
	PointerFormat types.DCPtrKind
	PageSize      uint32
	PageStarts    []uint16 // DYLD_CHAINED_PTR_START_NONE if the page has no chain
}

// runChained walks every segment's page-start table and follows each
// chain, rewriting rebases in place and resolving binds through the
// engine's SymbolResolver (§4.4.2).
func (e *Engine) runChained(img *imagegraph.Image, cf *ChainedFixups) error {
	for segIdx, starts := range cf.Starts {
		if segIdx >= len(img.Segments) {
			return fmt.Errorf("fixup: chained starts reference segment %d, image has %d", segIdx, len(img.Segments))
		}
		if len(starts.PageStarts) == 0 {
			continue
		}
		seg := img.Segments[segIdx]
		pageSize := uint64(starts.PageSize)
		if pageSize == 0 {
			pageSize = 0x1000
		}
		for page, head := range starts.PageStarts {
			if head == uint16(0xFFFF) { // DYLD_CHAINED_PTR_START_NONE
				continue
			}
			pageOff := uint64(page) * pageSize
			if err := e.walkChain(img, seg, cf, starts.PointerFormat, pageOff+uint64(head)); err != nil {
				return fmt.Errorf("fixup: segment %s page %d: %w", seg.Name, page, err)
			}
		}
	}
	return nil
}

func (e *Engine) walkChain(img *imagegraph.Image, seg *imagegraph.Segment, cf *ChainedFixups, format types.DCPtrKind, offset uint64) error {
	stride, err := strideFor(format)
	if err != nil {
		return err
	}
	for {
		if offset+8 > uint64(len(seg.Data)) {
			return fmt.Errorf("fixup: chain offset %#x beyond segment (%d bytes)", offset, len(seg.Data))
		}
		raw := e.order.Uint64(seg.Data[offset:])

		next, err := e.rewriteChainedSlot(img, seg, cf, format, offset, raw)
		if err != nil {
			return err
		}
		if next == 0 {
			return nil
		}
		offset += next * stride
	}
}

// rewriteChainedSlot decodes one chain entry, writes its resolved value in
// place, and returns the next-entry delta (0 if this is the chain's last
// link).
func (e *Engine) rewriteChainedSlot(img *imagegraph.Image, seg *imagegraph.Segment, cf *ChainedFixups, format types.DCPtrKind, offset uint64, raw uint64) (uint64, error) {
	switch format {
	case types.DYLD_CHAINED_PTR_ARM64E, types.DYLD_CHAINED_PTR_ARM64E_USERLAND, types.DYLD_CHAINED_PTR_ARM64E_USERLAND24:
		return e.rewriteArm64e(img, seg, cf, offset, raw, format == types.DYLD_CHAINED_PTR_ARM64E_USERLAND24)
	case types.DYLD_CHAINED_PTR_64, types.DYLD_CHAINED_PTR_64_OFFSET:
		return e.rewrite64(img, seg, cf, offset, raw, format == types.DYLD_CHAINED_PTR_64_OFFSET)
	default:
		return 0, fmt.Errorf("fixup: unsupported chained pointer format %d", format)
	}
}

func (e *Engine) rewriteArm64e(img *imagegraph.Image, seg *imagegraph.Segment, cf *ChainedFixups, offset uint64, raw uint64, bind24 bool) (uint64, error) {
	isAuth := types.ExtractBits(raw, 63, 1) != 0
	isBind := types.ExtractBits(raw, 62, 1) != 0

	var next uint64
	var value uint64

	switch {
	case !isAuth && !isBind:
		d := types.DyldChainedPtrArm64eRebase(raw)
		next = d.Next()
		value = uint64(int64(img.LoadAddress+d.Offset()) + img.Slide)
	case !isAuth && isBind:
		var ordinal uint
		var addend uint64
		if bind24 {
			d := types.DyldChainedPtrArm64eBind24(raw)
			next, ordinal, addend = d.Next(), d.Ordinal(), d.SignExtendedAddend()
		} else {
			d := types.DyldChainedPtrArm64eBind(raw)
			next, ordinal, addend = d.Next(), d.Ordinal(), d.SignExtendedAddend()
		}
		v, err := e.resolveImport(img, cf, int(ordinal), int64(addend))
		if err != nil {
			return 0, err
		}
		value = v
	case isAuth && !isBind:
		d := types.DyldChainedPtrArm64eAuthRebase(raw)
		next = d.Next()
		value = uint64(int64(img.LoadAddress+uint64(d.Offset())) + img.Slide)
		// Pointer signing (diversity/addrDiv/key) is not reproduced in this
		// process; the raw target address is written unsigned.
	case isAuth && isBind:
		d := types.DyldChainedPtrArm64eAuthBind(raw)
		next = d.Next()
		v, err := e.resolveImport(img, cf, int(d.Ordinal()), 0)
		if err != nil {
			return 0, err
		}
		value = v
	}

	e.order.PutUint64(seg.Data[offset:], value)
	return next, nil
}

func (e *Engine) rewrite64(img *imagegraph.Image, seg *imagegraph.Segment, cf *ChainedFixups, offset uint64, raw uint64, isOffsetForm bool) (uint64, error) {
	isBind := types.ExtractBits(raw, 63, 1) != 0

	var next, value uint64
	if !isBind {
		if isOffsetForm {
			d := types.DyldChainedPtr64RebaseOffset(raw)
			next = d.Next()
			value = uint64(int64(img.LoadAddress+uint64(d.Offset())) + img.Slide)
		} else {
			d := types.DyldChainedPtr64Rebase(raw)
			next = d.Next()
			value = uint64(int64(d.Offset()) + img.Slide)
		}
	} else {
		d := types.DyldChainedPtr64Bind(raw)
		next = d.Next()
		v, err := e.resolveImport(img, cf, int(d.Ordinal()), int64(d.Addend()))
		if err != nil {
			return 0, err
		}
		value = v
	}

	e.order.PutUint64(seg.Data[offset:], value)
	return next, nil
}

func (e *Engine) resolveImport(img *imagegraph.Image, cf *ChainedFixups, ordinal int, addend int64) (uint64, error) {
	if ordinal < 0 || ordinal >= len(cf.Imports) {
		return 0, fmt.Errorf("fixup: import ordinal %d out of range (%d imports)", ordinal, len(cf.Imports))
	}
	imp := cf.Imports[ordinal]
	addr, _, err := e.resolver.Resolve(img, imp.LibOrdinal, imp.Name, imp.Weak)
	if err != nil {
		if imp.Weak {
			return 0, nil
		}
		return 0, err
	}
	return uint64(int64(addr) + addend + imp.Addend), nil
}

func strideFor(format types.DCPtrKind) (uint64, error) {
	switch format {
	case types.DYLD_CHAINED_PTR_ARM64E, types.DYLD_CHAINED_PTR_ARM64E_USERLAND, types.DYLD_CHAINED_PTR_ARM64E_USERLAND24:
		return 8, nil
	case types.DYLD_CHAINED_PTR_64, types.DYLD_CHAINED_PTR_64_OFFSET:
		return 4, nil
	default:
		return 0, fmt.Errorf("fixup: unsupported chained pointer format %d", format)
	}
}
