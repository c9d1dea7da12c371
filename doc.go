// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pixie16 holds the host-side driver SDK for a crate of digital
// pulse-processing modules: crate/module lifecycle and locking, AFE
// auto-calibration, and the list-mode FIFO pump. The PCI bus driver,
// firmware image parsing, and the configuration front-end are external
// collaborators consumed through the interfaces in sub-packages bus,
// firmware and config.
package pixie16 // import "github.com/go-pixie/pixie16"

import (
	"fmt"
	"runtime/debug"
)

// Version returns the version of this module and its checksum.
// The returned values are only valid in binaries built with module support.
func Version() (version, sum string) {
	b, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	return versionOf(b)
}

func versionOf(b *debug.BuildInfo) (version, sum string) {
	if b == nil {
		return "", ""
	}

	const root = "github.com/go-pixie/pixie16"
	for _, m := range b.Deps {
		if m.Path != root {
			continue
		}
		if m.Replace != nil {
			switch {
			case m.Replace.Version != "" && m.Replace.Path != "":
				return fmt.Sprintf("%s %s", m.Replace.Path, m.Replace.Version), m.Replace.Sum
			case m.Replace.Version != "":
				return m.Replace.Version, m.Replace.Sum
			case m.Replace.Path != "":
				return m.Replace.Path, m.Replace.Sum
			default:
				return m.Version + "*", ""
			}
		}
		return m.Version, m.Sum
	}
	return "", ""
}
