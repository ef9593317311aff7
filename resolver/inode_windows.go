//go:build windows

package resolver

import "os"

// Windows has no stable inode; symlink-aliasing dedup (§4.1 phase 4) is
// unavailable there, which is an acceptable degradation since it only
// affects a "do I already have this open under another name" shortcut.
func inodeOf(info os.FileInfo) uint64 { return 0 }
