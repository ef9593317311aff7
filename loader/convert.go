package loader

import (
	"sort"

	"github.com/google/uuid"

	"github.com/blacktop/go-dyld/imagegraph"
	"github.com/blacktop/go-dyld/macho"
	"github.com/blacktop/go-dyld/macho/types"
)

// imageFromMachO builds the runtime Image the rest of the loader operates
// on from a parsed mach-o file: segments (with protections carried over
// as-is; the mapper decides the actual mmap protection), the dependency
// vector classified by load-command flavor, and an export view backed by
// the dyld export trie.
func imageFromMachO(path string, mf *macho.File) *imagegraph.Image {
	img := imagegraph.NewImage(path, 0)

	for _, s := range mf.Segments() {
		img.Segments = append(img.Segments, &imagegraph.Segment{
			Name:       s.Name,
			VMAddr:     s.Addr,
			VMSize:     s.Memsz,
			FileOffset: s.Offset,
			FileSize:   s.Filesz,
			InitProt:   uint32(s.Prot),
			MaxProt:    uint32(s.Maxprot),
		})
	}

	for _, l := range mf.Loads {
		switch d := l.(type) {
		case *macho.Dylib:
			img.Dependencies = append(img.Dependencies, imagegraph.Dependency{
				Name: d.Name, Kind: imagegraph.DepRequired,
				MinVersion: 0, CompatVersion: 0,
			})
		case *macho.WeakDylib:
			img.Dependencies = append(img.Dependencies, imagegraph.Dependency{Name: d.Name, Kind: imagegraph.DepWeak})
		case *macho.ReExportDylib:
			img.Dependencies = append(img.Dependencies, imagegraph.Dependency{Name: d.Name, Kind: imagegraph.DepReexport})
		case *macho.UpwardDylib:
			img.Dependencies = append(img.Dependencies, imagegraph.Dependency{Name: d.Name, Kind: imagegraph.DepUpward})
		case *macho.CodeSignature:
			img.CodeSignOffset = uint64(d.Offset)
			img.CodeSignSize = uint64(d.Size)
		}
	}

	if exports, err := mf.DyldExports(); err == nil {
		byName := make(map[string]exportEntry, len(exports))
		names := make([]string, 0, len(exports))
		for _, e := range exports {
			byName[e.Name] = exportEntry{addr: e.Address, reexport: e.ReExport, weak: e.Flags.WeakDefinition(), stub: e.Flags.StubAndResolver()}
			names = append(names, e.Name)
		}
		sort.Strings(names)
		img.Exports = &imagegraph.ExportView{
			Names: names,
			Lookup: func(name string) (uint64, string, bool, bool, bool) {
				e, ok := byName[name]
				if !ok {
					return 0, "", false, false, false
				}
				return e.addr, e.reexport, e.weak, e.stub, true
			},
		}
	}

	if sec := mf.Section("__DATA", "__mod_init_func"); sec != nil {
		img.Initializers = readPointerArray(sec)
	}
	if sec := mf.Section("__DATA_CONST", "__mod_init_func"); sec != nil {
		img.Initializers = append(img.Initializers, readPointerArray(sec)...)
	}
	if sec := mf.Section("__DATA", "__mod_term_func"); sec != nil {
		img.Terminators = readPointerArray(sec)
	}

	if u := mf.UUID(); u != nil {
		if parsed, err := uuid.Parse(u.ID); err == nil {
			img.UUID = parsed
		}
	}

	if mf.Flags.PIE() {
		img.Flags.IsPIE = true
	}
	img.Flags.IsDylib = mf.Type == types.MH_DYLIB

	return img
}

type exportEntry struct {
	addr     uint64
	reexport string
	weak     bool
	stub     bool
}

// readPointerArray reads an array of 8-byte pointer-sized entries out of a
// section (__mod_init_func/__mod_term_func) and returns each one as an
// offset from LoadAddress: the on-disk values are themselves unslid
// link-time addresses, which is exactly the coordinate space img.LoadAddress
// is added to once an initializer actually runs (§4.6).
func readPointerArray(sec *macho.Section) []uint64 {
	data, err := sec.Data()
	if err != nil {
		return nil
	}
	out := make([]uint64, 0, len(data)/8)
	for i := 0; i+8 <= len(data); i += 8 {
		raw := uint64(data[i]) | uint64(data[i+1])<<8 | uint64(data[i+2])<<16 | uint64(data[i+3])<<24 |
			uint64(data[i+4])<<32 | uint64(data[i+5])<<40 | uint64(data[i+6])<<48 | uint64(data[i+7])<<56
		out = append(out, raw)
	}
	return out
}
