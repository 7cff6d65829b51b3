// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// PersonalityLevel defines the richness of CLI output.
type PersonalityLevel string

const (
	// PersonalityFull enables colors, icons, boxes and progress bars.
	PersonalityFull PersonalityLevel = "full"

	// PersonalityMinimal uses icons and plain text.
	PersonalityMinimal PersonalityLevel = "minimal"

	// PersonalityMachine outputs tab separated text for scripts.
	PersonalityMachine PersonalityLevel = "machine"
)

// EnvPersonality overrides the detected level.
const EnvPersonality = "FLOW_PERSONALITY"

// ParsePersonalityLevel converts a string to a PersonalityLevel. Unknown
// values give PersonalityMinimal.
func ParsePersonalityLevel(s string) PersonalityLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full", "f":
		return PersonalityFull
	case "machine", "quiet", "q":
		return PersonalityMachine
	default:
		return PersonalityMinimal
	}
}

// DetectPersonality picks the level for output written to f: the
// FLOW_PERSONALITY variable if set, full on a terminal, machine otherwise.
func DetectPersonality(f *os.File) PersonalityLevel {
	if env := os.Getenv(EnvPersonality); env != "" {
		return ParsePersonalityLevel(env)
	}
	if IsTerminal(f) {
		return PersonalityFull
	}
	return PersonalityMachine
}

// IsTerminal reports whether f is a terminal, including Cygwin and MSYS
// terminals on Windows.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
