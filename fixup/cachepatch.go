package fixup

import (
	"github.com/blacktop/go-dyld/imagegraph"
	"github.com/blacktop/go-dyld/internal/logging"
	"github.com/blacktop/go-dyld/sharedcache"
)

// PatchOverride applies one dylib's on-disk override to every shared-cache
// client that imports from it, rewriting the cache's own recorded patch
// locations (§4.4.7). This runs once per overridden dylib, after its
// individual rebase/bind has completed, not per-client.
func PatchOverride(cache *sharedcache.Cache, overriding *imagegraph.Image, exportAddrs map[string]uint64) int {
	if cache == nil {
		return 0
	}
	log := logging.For(logging.Bindings).WithField("dylib", overriding.Path)

	total := 0
	for name, addr := range exportAddrs {
		n := cache.ApplyPatch(overriding.Path, name, addr)
		total += n
	}
	log.WithField("patched", total).Debug("applied shared cache patch table")
	return total
}
