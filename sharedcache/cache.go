// Package sharedcache maps and indexes the system shared cache: the
// read-only, external-but-consumed collaborator described in spec §3.
// Building the cache is someone else's job; this package only maps it
// (shared or private, per DYLD_SHARED_REGION) and answers "is this path in
// the cache?" / "give me the mach header for this path" / "who do I patch
// when this dylib is overridden?" (§4.4.7).
package sharedcache

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/gofrs/flock"
)

// magic identifies the cache header this package knows how to read. Real
// shared caches are built by a separate optimizer; this is the minimal
// shape the loader core needs consumed from it.
const magic = "dyldcch2"

// Dylib is one cached mach-o image descriptor.
type Dylib struct {
	Path         string
	MachOffset   uint64 // byte offset of the mach header within the cache mapping
	MTime        int64  // mtime recorded at cache-build time, for the overridable check
	Inode        uint64
	Overridable  bool
}

// PatchLocation is one use-site inside the cache that must be rewritten
// when the dylib that defines the symbol is overridden on disk.
type PatchLocation struct {
	CacheOffset uint64
	ExportName  string
}

// Cache is a read-only descriptor over a mapped shared-cache file.
type Cache struct {
	Path        string
	BaseAddress uint64
	Slide       int64
	UUID        [16]byte
	Dylibs      []Dylib

	mu       sync.RWMutex
	byPath   map[string]int // index into Dylibs
	patches  map[string][]PatchLocation // dylib path -> locations to rewrite if overridden
	data     []byte                     // the mapped (or read) cache bytes
	lock     *flock.Flock
}

// Mode selects how the cache is mapped, mirroring DYLD_SHARED_REGION.
type Mode int

const (
	ModeUse Mode = iota
	ModePrivate
	ModeAvoid
)

// Open validates and maps the cache file at path. ModeAvoid returns
// ErrAvoided without touching the filesystem, matching DYLD_SHARED_REGION=avoid.
func Open(path string, mode Mode) (*Cache, error) {
	if mode == ModeAvoid {
		return nil, ErrAvoided
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryRLock()
	if err != nil {
		return nil, fmt.Errorf("sharedcache: locking %s: %w", path, err)
	}
	if locked {
		defer lock.Unlock()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	c := &Cache{Path: path, byPath: make(map[string]int), patches: make(map[string][]PatchLocation)}
	if err := c.parseHeader(bufio.NewReader(f)); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c.data = data

	return c, nil
}

// ErrAvoided is returned by Open when Mode == ModeAvoid.
var ErrAvoided = fmt.Errorf("sharedcache: DYLD_SHARED_REGION=avoid")

func (c *Cache) parseHeader(r io.Reader) error {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("sharedcache: reading magic: %w", err)
	}
	if string(hdr[:]) != magic {
		return fmt.Errorf("sharedcache: bad magic %q", hdr)
	}

	var base, slide uint64
	if err := binary.Read(r, binary.LittleEndian, &base); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &slide); err != nil {
		return err
	}
	c.BaseAddress = base
	c.Slide = int64(slide)

	if _, err := io.ReadFull(r, c.UUID[:]); err != nil {
		return err
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return err
	}
	c.Dylibs = make([]Dylib, count)
	for i := range c.Dylibs {
		d, err := readDylibEntry(r)
		if err != nil {
			return fmt.Errorf("sharedcache: dylib entry %d: %w", i, err)
		}
		c.Dylibs[i] = d
		c.byPath[d.Path] = i
	}

	var patchCount uint32
	if err := binary.Read(r, binary.LittleEndian, &patchCount); err != nil {
		if err == io.EOF {
			return nil // patch table is optional
		}
		return err
	}
	for i := uint32(0); i < patchCount; i++ {
		var pathLen uint16
		if err := binary.Read(r, binary.LittleEndian, &pathLen); err != nil {
			return err
		}
		pathBuf := make([]byte, pathLen)
		if _, err := io.ReadFull(r, pathBuf); err != nil {
			return err
		}
		var locCount uint32
		if err := binary.Read(r, binary.LittleEndian, &locCount); err != nil {
			return err
		}
		locs := make([]PatchLocation, locCount)
		for j := range locs {
			var offset uint64
			var nameLen uint16
			if err := binary.Read(r, binary.LittleEndian, &offset); err != nil {
				return err
			}
			if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
				return err
			}
			nameBuf := make([]byte, nameLen)
			if _, err := io.ReadFull(r, nameBuf); err != nil {
				return err
			}
			locs[j] = PatchLocation{CacheOffset: offset, ExportName: string(nameBuf)}
		}
		c.patches[string(pathBuf)] = locs
	}

	return nil
}

func readDylibEntry(r io.Reader) (Dylib, error) {
	var d Dylib
	var pathLen uint16
	if err := binary.Read(r, binary.LittleEndian, &pathLen); err != nil {
		return d, err
	}
	buf := make([]byte, pathLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return d, err
	}
	d.Path = string(buf)
	if err := binary.Read(r, binary.LittleEndian, &d.MachOffset); err != nil {
		return d, err
	}
	if err := binary.Read(r, binary.LittleEndian, &d.MTime); err != nil {
		return d, err
	}
	if err := binary.Read(r, binary.LittleEndian, &d.Inode); err != nil {
		return d, err
	}
	var overridable uint8
	if err := binary.Read(r, binary.LittleEndian, &overridable); err != nil {
		return d, err
	}
	d.Overridable = overridable != 0
	return d, nil
}

// Lookup reports whether path is present in the cache.
func (c *Cache) Lookup(path string) (Dylib, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.byPath[path]
	if !ok {
		return Dylib{}, false
	}
	return c.Dylibs[idx], true
}

// ShouldPreferOnDisk implements the cache-hit tie-break of §4.1 phase 4:
// use the cache unless the dylib is overridable, a filesystem file exists,
// and that file's mtime/inode differ from what the cache recorded.
func (c *Cache) ShouldPreferOnDisk(d Dylib, diskMTime int64, diskInode uint64, diskExists bool) bool {
	if !d.Overridable || !diskExists {
		return false
	}
	return diskMTime != d.MTime || diskInode != d.Inode
}

// MachHeader returns the raw mach header + load-command bytes for d,
// starting at its recorded offset, sized n bytes (the caller knows how much
// it needs from the load-command-count page convention of the parser).
func (c *Cache) MachHeader(d Dylib, n int) ([]byte, error) {
	if int(d.MachOffset)+n > len(c.data) {
		return nil, fmt.Errorf("sharedcache: header read out of range for %s", d.Path)
	}
	return c.data[d.MachOffset : int(d.MachOffset)+n], nil
}

// PatchLocations returns the cache-internal use-sites that must be
// rewritten when dylibPath is overridden by a fresh on-disk load (§4.4.7).
func (c *Cache) PatchLocations(dylibPath string) []PatchLocation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.patches[dylibPath]
}

// ApplyPatch rewrites every recorded use-site for dylibPath's symbol
// exportName to point at resolvedAddr, the overriding image's export
// address. VM accounting is not a concept this Go process can suspend (the
// original does this so cache dirty-page charges aren't billed to the
// loader); here the write is simply a plain memory store.
func (c *Cache) ApplyPatch(dylibPath, exportName string, resolvedAddr uint64) int {
	patched := 0
	for _, loc := range c.PatchLocations(dylibPath) {
		if loc.ExportName != exportName {
			continue
		}
		if int(loc.CacheOffset)+8 > len(c.data) {
			continue
		}
		binary.LittleEndian.PutUint64(c.data[loc.CacheOffset:], resolvedAddr)
		patched++
	}
	return patched
}
