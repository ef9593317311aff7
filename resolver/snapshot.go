// Snapshot persists resolved load-name -> path decisions across process
// launches, generalizing the Image.pathHash "cheap pre-filter" idea (§3)
// into an on-disk index so a repeatedly re-exec'd tool (a shell, a test
// runner) doesn't repeat the same stat storm on every invocation. This has
// no correctness role: a missing or stale snapshot just falls back to the
// normal phase-4 resolution, since every entry is re-validated by stat
// before use.
package resolver

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
)

type snapshotEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	MTime int64  `json:"mtime"`
	Inode uint64 `json:"inode"`
}

// Snapshot is a compressed, append-friendly log of resolved candidates.
type Snapshot struct {
	path string

	mu      sync.Mutex
	entries map[string]snapshotEntry
}

// LoadSnapshot reads and decompresses path, tolerating a missing or
// corrupt file (treated as an empty, cold snapshot).
func LoadSnapshot(path string) *Snapshot {
	s := &Snapshot{path: path, entries: make(map[string]snapshotEntry)}

	f, err := os.Open(path)
	if err != nil {
		return s
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return s
	}
	defer zr.Close()

	dec := json.NewDecoder(zr)
	for {
		var e snapshotEntry
		if err := dec.Decode(&e); err != nil {
			break
		}
		s.entries[e.Name] = e
	}
	return s
}

// Lookup returns the previously resolved path for name if its recorded
// mtime/inode still stat-match the file on disk — a stale entry is
// reported as a miss so the normal resolution phases run instead of
// trusting rot.
func (s *Snapshot) Lookup(name string) (string, bool) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	info, err := os.Stat(e.Path)
	if err != nil {
		return "", false
	}
	if info.ModTime().Unix() != e.MTime || inodeOf(info) != e.Inode {
		return "", false
	}
	return e.Path, true
}

// Record stores a freshly resolved (name, path) pair for future launches.
func (s *Snapshot) Record(name, path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.entries[name] = snapshotEntry{Name: name, Path: path, MTime: info.ModTime().Unix(), Inode: inodeOf(info)}
	s.mu.Unlock()
}

// Flush rewrites the snapshot file from the current entry set, compressed
// with zstd at the default level — this is a small, infrequently-written
// index, not a throughput-sensitive path.
func (s *Snapshot) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	zw, err := zstd.NewWriter(bw)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(zw)
	for _, e := range s.entries {
		if err := enc.Encode(e); err != nil {
			zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
