// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package obscuretestdata provides helpers for reading test files that have
// been lightly obscured to avoid being mistaken for the real executable
// formats they encode (some scanners flag raw Mach-O/ELF/PE bytes in a
// source tree). Files are stored base64-encoded with a ".base64" suffix over
// their real name.
package obscuretestdata

import (
	"encoding/base64"
	"os"
)

// ReadFile reads the named obscured file (its name includes the ".base64"
// suffix) and returns the decoded original bytes.
func ReadFile(name string) ([]byte, error) {
	b, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(string(b))
}
