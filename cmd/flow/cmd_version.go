// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/mod/semver"

	"github.com/AleutianAI/AleutianFlow/services/flow/archive"
	"github.com/AleutianAI/AleutianFlow/services/flow/codec"
)

// version is set at build time with -ldflags "-X main.version=v1.2.3".
var version = "v0.1.0-dev"

// displayVersion returns version in canonical semver form, falling back
// to the module version recorded in the binary.
func displayVersion() string {
	v := version
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if semver.IsValid(v) {
		// Canonical drops +build metadata.
		return semver.Canonical(v) + semver.Build(v)
	}
	if info, ok := debug.ReadBuildInfo(); ok && semver.IsValid(info.Main.Version) {
		return info.Main.Version
	}
	return version
}

func versionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(*cobra.Command, []string) error {
			a.printer().KeyValues("flow", [][2]string{
				{"version", displayVersion()},
				{"go", runtime.Version()},
				{"frame document", codec.Version},
				{"archive format", archive.Version},
				{"platform", runtime.GOOS + "/" + runtime.GOARCH},
			})
			return nil
		},
	}
}
