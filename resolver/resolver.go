package resolver

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/blacktop/go-dyld/dylderr"
	"github.com/blacktop/go-dyld/imagegraph"
	"github.com/blacktop/go-dyld/sharedcache"
)

// LoadContext carries the per-load-chain state the @-variable phases need:
// who is asking (for @loader_path) and the accumulated rpath chain from
// outermost caller to the current image (for @rpath, §4.1 phase 2).
type LoadContext struct {
	RequesterPath string
	RPathChain    []string
}

// Outcome is what Resolve found: either an already-loaded Image (symlink
// aliasing or a repeat dlopen), or a filesystem path ready to be opened, or
// a shared-cache-resident identity.
type Outcome struct {
	Image      *imagegraph.Image
	Path       string
	InCache    bool
	CacheDylib sharedcache.Dylib
}

// Resolver implements §4.1's phased algorithm.
type Resolver struct {
	lc    *imagegraph.LinkContext
	graph *imagegraph.Graph
	cache *sharedcache.Cache // nil if none mapped

	group singleflight.Group

	mu        sync.Mutex
	statCache map[string]os.FileInfo
}

func New(lc *imagegraph.LinkContext, graph *imagegraph.Graph, cache *sharedcache.Cache) *Resolver {
	return &Resolver{lc: lc, graph: graph, cache: cache, statCache: make(map[string]os.FileInfo)}
}

// Resolve turns load-name N into an Outcome, or returns the aggregated
// failure across every candidate tried in every phase.
func (r *Resolver) Resolve(name string, lctx LoadContext) (Outcome, error) {
	agg := &dylderr.Aggregate{}

	candidates := r.expand(name, lctx)
	for _, cand := range candidates {
		out, err := r.tryCandidate(cand)
		if err == nil {
			return out, nil
		}
		agg.Add(cand, err, isSandboxErr(err))
	}

	// Fallback paths: only tried when *opening*, not when merely checking
	// an already-loaded match, and only for a bare leaf name (phase 5).
	if r.lc.Permissions.MayFollowFallbackPaths && isBareLeaf(name) {
		for _, cand := range r.fallbackCandidates(name) {
			out, err := r.tryCandidate(cand)
			if err == nil {
				return out, nil
			}
			agg.Add(cand, err, isSandboxErr(err))
		}
	}

	if len(agg.Attempts) == 0 {
		agg.Add(name, dylderr.ErrNotFound, false)
	}
	return Outcome{}, agg
}

// expand runs phases 0-3, producing the ordered candidate path list for
// phase 4 to resolve one at a time.
func (r *Resolver) expand(name string, lctx LoadContext) []string {
	var out []string

	names := []string{name}

	// Phase 0: root substitution.
	if len(r.lc.RootPath) > 0 && strings.HasPrefix(name, "/") {
		var rooted []string
		for _, root := range r.lc.RootPath {
			rooted = append(rooted, filepath.Join(root, name))
		}
		names = append(rooted, names...)
	}

	for _, n := range names {
		out = append(out, r.expandOne(n, lctx)...)
	}
	return withSuffixOverlay(out, r.lc.ImageSuffix)
}

func (r *Resolver) expandOne(name string, lctx LoadContext) []string {
	var out []string

	switch {
	case strings.HasPrefix(name, "@executable_path/"):
		if r.atPathsAllowed(lctx, false) {
			rest := strings.TrimPrefix(name, "@executable_path/")
			out = append(out, filepath.Join(filepath.Dir(r.lc.ProcessVars.MainExecutablePath), rest))
		}
		return out

	case strings.HasPrefix(name, "@loader_path/"):
		if r.atPathsAllowed(lctx, lctx.RequesterPath == r.lc.ProcessVars.MainExecutablePath) {
			rest := strings.TrimPrefix(name, "@loader_path/")
			out = append(out, filepath.Join(filepath.Dir(lctx.RequesterPath), rest))
		}
		return out

	case strings.HasPrefix(name, "@rpath/"):
		rest := strings.TrimPrefix(name, "@rpath/")
		if r.atPathsAllowed(lctx, false) {
			for i := len(lctx.RPathChain) - 1; i >= 0; i-- {
				out = append(out, filepath.Join(lctx.RPathChain[i], rest))
			}
		}
		if r.lc.Permissions.MayUseEnvVarPaths {
			for _, lp := range r.lc.LibraryPath {
				out = append(out, filepath.Join(lp, rest))
			}
		}
		return out
	}

	// Phase 1: forced search paths, only for a bare leaf or when flags
	// demand it (here: when DYLD_FORCE_FLAT_NAMESPACE is set).
	if isBareLeaf(name) || r.lc.ForceFlatNamespace {
		if r.lc.Permissions.MayUseEnvVarPaths {
			for _, lp := range r.lc.LibraryPath {
				out = append(out, filepath.Join(lp, name))
			}
			for _, fp := range r.lc.FrameworkPath {
				out = append(out, filepath.Join(fp, name))
			}
		}
	}

	out = append(out, name)
	return out
}

func (r *Resolver) atPathsAllowed(lctx LoadContext, requesterIsMain bool) bool {
	if !r.lc.Permissions.MayUseAtPaths {
		return false
	}
	if r.lc.Permissions.Restricted && requesterIsMain {
		return false
	}
	return true
}

func withSuffixOverlay(candidates, suffixes []string) []string {
	if len(suffixes) == 0 {
		return candidates
	}
	var out []string
	for _, c := range candidates {
		ext := filepath.Ext(c)
		base := strings.TrimSuffix(c, ext)
		for _, suf := range suffixes {
			out = append(out, base+suf+ext)
		}
		out = append(out, c)
	}
	return out
}

func (r *Resolver) fallbackCandidates(name string) []string {
	var out []string
	for _, fp := range r.lc.FallbackFrameworkPath {
		out = append(out, filepath.Join(fp, name))
	}
	for _, lp := range r.lc.FallbackLibraryPath {
		out = append(out, filepath.Join(lp, name))
	}
	return withSuffixOverlay(out, r.lc.ImageSuffix)
}

func isBareLeaf(name string) bool {
	return !strings.Contains(name, "/")
}

func isSandboxErr(err error) bool {
	return err == dylderr.ErrSandboxed
}

// tryCandidate implements phase 4: consult the cache index, fall back to
// stat-based symlink aliasing against already-loaded images, else hand back
// a path ready to be opened. Concurrent resolutions of the same candidate
// collapse onto one singleflight call.
func (r *Resolver) tryCandidate(path string) (Outcome, error) {
	v, err, _ := r.group.Do(path, func() (interface{}, error) {
		return r.resolveOnce(path)
	})
	if err != nil {
		return Outcome{}, err
	}
	return v.(Outcome), nil
}

func (r *Resolver) resolveOnce(path string) (Outcome, error) {
	if r.cache != nil {
		if d, ok := r.cache.Lookup(path); ok {
			info, statErr := r.stat(path)
			preferDisk := false
			if statErr == nil {
				preferDisk = r.cache.ShouldPreferOnDisk(d, info.ModTime().Unix(), inodeOf(info), true)
			}
			if !preferDisk {
				return Outcome{InCache: true, CacheDylib: d, Path: path}, nil
			}
		}
	}

	info, err := r.stat(path)
	if err != nil {
		if os.IsPermission(err) {
			return Outcome{}, dylderr.ErrSandboxed
		}
		return Outcome{}, err
	}

	if img, ok := r.findLoadedByInode(info); ok {
		return Outcome{Image: img}, nil
	}

	return Outcome{Path: path}, nil
}

func (r *Resolver) stat(path string) (os.FileInfo, error) {
	r.mu.Lock()
	if info, ok := r.statCache[path]; ok {
		r.mu.Unlock()
		return info, nil
	}
	r.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.statCache[path] = info
	r.mu.Unlock()
	return info, nil
}

func (r *Resolver) findLoadedByInode(info os.FileInfo) (*imagegraph.Image, bool) {
	target := inodeOf(info)
	if target == 0 {
		return nil, false
	}
	for _, img := range r.graph.All() {
		if img.RealPath == "" {
			continue
		}
		real, err := r.stat(img.RealPath)
		if err != nil {
			continue
		}
		if inodeOf(real) == target {
			return img, true
		}
	}
	return nil, false
}
