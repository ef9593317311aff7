// Package resolver implements the path resolver (§4.1) and the file
// opener / slice selector (§4.2). The teacher parser (macho.NewFile)
// consumes a single thin mach-o slice and explicitly panics on a fat
// header ("MagicFat not handled yet") — universal-binary handling is new
// code here, since it is squarely in scope for "turn a load-name into an
// openable file".
package resolver

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/cpuid/v2"

	"github.com/blacktop/go-dyld/macho/types"
)

const (
	fatMagic    = 0xcafebabe
	fatMagic64  = 0xcafebabf
	fatHeaderSize = 8
	fatArchSize   = 20
	fatArch64Size = 32
	maxFatArches  = 1024 // load-command-page sanity bound, see ParseFatHeader
)

// FatArch is one slice descriptor from a universal-binary wrapper.
type FatArch struct {
	CPU       types.CPU
	SubType   types.CPUSubtype
	Offset    uint64
	Size      uint64
	Align     uint32
}

// ParseFatHeader reads the big-endian fat header and its array of slice
// descriptors from r, validating that the table fits within one page and
// that no two slices overlap (§4.2).
func ParseFatHeader(r io.ReaderAt) ([]FatArch, error) {
	var hdr [fatHeaderSize]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return nil, fmt.Errorf("resolver: reading fat header: %w", err)
	}
	magic := binary.BigEndian.Uint32(hdr[0:4])
	count := binary.BigEndian.Uint32(hdr[4:8])

	is64 := magic == fatMagic64
	if magic != fatMagic && !is64 {
		return nil, fmt.Errorf("resolver: not a fat binary (magic %#x)", magic)
	}
	if count == 0 || count > maxFatArches {
		return nil, fmt.Errorf("resolver: implausible fat arch count %d", count)
	}

	entrySize := fatArchSize
	if is64 {
		entrySize = fatArch64Size
	}
	tableSize := fatHeaderSize + int(count)*entrySize
	if tableSize > 4096 {
		return nil, fmt.Errorf("resolver: fat arch table (%d bytes) does not fit in one page", tableSize)
	}

	buf := make([]byte, int(count)*entrySize)
	if _, err := r.ReadAt(buf, fatHeaderSize); err != nil {
		return nil, fmt.Errorf("resolver: reading fat arch table: %w", err)
	}

	arches := make([]FatArch, count)
	for i := range arches {
		b := buf[i*entrySize:]
		arches[i].CPU = types.CPU(binary.BigEndian.Uint32(b[0:4]))
		arches[i].SubType = types.CPUSubtype(binary.BigEndian.Uint32(b[4:8]))
		if is64 {
			arches[i].Offset = binary.BigEndian.Uint64(b[8:16])
			arches[i].Size = binary.BigEndian.Uint64(b[16:24])
			arches[i].Align = binary.BigEndian.Uint32(b[24:28])
		} else {
			arches[i].Offset = uint64(binary.BigEndian.Uint32(b[8:12]))
			arches[i].Size = uint64(binary.BigEndian.Uint32(b[12:16]))
			arches[i].Align = binary.BigEndian.Uint32(b[16:20])
		}
	}

	if err := validateNoOverlap(arches); err != nil {
		return nil, err
	}
	return arches, nil
}

func validateNoOverlap(arches []FatArch) error {
	for i := range arches {
		ai := arches[i]
		for j := i + 1; j < len(arches); j++ {
			aj := arches[j]
			if ai.Offset < aj.Offset+aj.Size && aj.Offset < ai.Offset+ai.Size {
				return fmt.Errorf("resolver: fat slices %d and %d overlap", i, j)
			}
		}
	}
	return nil
}

// subtypePreference returns, for the host's actual CPU (queried via
// klauspost/cpuid so the preference order reflects what the running
// hardware really supports rather than a hardcoded table), the ordered
// list of acceptable subtypes for cpu, most-preferred first, with
// CpuSubtypeAny implicitly last.
func subtypePreference(cpu types.CPU) []types.CPUSubtype {
	switch cpu {
	case types.CPUArm64:
		if cpuid.CPU.Supports(cpuid.AESARM) && hostSupportsArm64e() {
			return []types.CPUSubtype{types.CPUSubtypeArm64E, types.CPUSubtypeArm64V8, types.CPUSubtypeArm64All}
		}
		return []types.CPUSubtype{types.CPUSubtypeArm64V8, types.CPUSubtypeArm64All}
	case types.CPUAmd64:
		if cpuid.CPU.Supports(cpuid.AVX2) {
			return []types.CPUSubtype{types.CPUSubtypeX86_64H, types.CPUSubtypeX8664All, types.CPUSubtypeX86Arch1}
		}
		return []types.CPUSubtype{types.CPUSubtypeX8664All, types.CPUSubtypeX86Arch1}
	default:
		return nil
	}
}

// hostSupportsArm64e reports whether cpuid lists the ASIMD feature, which
// this package takes as a proxy for pointer authentication because
// cpuid.CPU doesn't name that directly on every platform.
func hostSupportsArm64e() bool {
	for _, f := range cpuid.CPU.FeatureSet() {
		if f == "ASIMD" {
			return true
		}
	}
	return false
}

// SelectSlice picks the FatArch matching wantCPU with the best subtype
// grading, preferring CPU-subtype preferences in the fixed per-architecture
// order from subtypePreference, with an "any" fallback (§4.2).
func SelectSlice(arches []FatArch, wantCPU types.CPU) (FatArch, error) {
	var best FatArch
	bestRank := -1
	pref := subtypePreference(wantCPU)

	for _, a := range arches {
		if a.CPU != wantCPU {
			continue
		}
		rank := len(pref) // "any"/unlisted subtype ranks last but still acceptable
		for i, want := range pref {
			if a.SubType&types.CpuSubtypeMask == want&types.CpuSubtypeMask {
				rank = i
				break
			}
		}
		if bestRank == -1 || rank < bestRank {
			best, bestRank = a, rank
		}
	}
	if bestRank == -1 {
		return FatArch{}, fmt.Errorf("resolver: no slice for cpu %s", wantCPU)
	}
	return best, nil
}
