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
	"fmt"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianFlow/services/flow/export"
)

// parseFrames expands a frame selection for a source with n frames.
//
// The selection is a comma separated list of items, each a single frame
// "7" or a range "first:last[:step]" with both ends included. Either end
// of a range may be omitted: "10:" runs to the last frame. An empty
// selection means every frame.
func parseFrames(sel string, n int) ([]int, error) {
	if n <= 0 {
		return nil, fmt.Errorf("source has no frames")
	}
	sel = strings.TrimSpace(sel)
	if sel == "" {
		return export.FrameRange(0, n-1, 1), nil
	}
	var out []int
	for _, item := range strings.Split(sel, ",") {
		item = strings.TrimSpace(item)
		parts := strings.Split(item, ":")
		if len(parts) > 3 {
			return nil, fmt.Errorf("frame range %q: too many colons", item)
		}
		if len(parts) == 1 {
			f, err := frameNumber(parts[0], -1, n)
			if err != nil {
				return nil, err
			}
			out = append(out, f)
			continue
		}
		first, err := frameNumber(parts[0], 0, n)
		if err != nil {
			return nil, err
		}
		last, err := frameNumber(parts[1], n-1, n)
		if err != nil {
			return nil, err
		}
		step := 1
		if len(parts) == 3 {
			step, err = strconv.Atoi(strings.TrimSpace(parts[2]))
			if err != nil || step < 1 {
				return nil, fmt.Errorf("frame range %q: step must be a positive integer", item)
			}
		}
		if last < first {
			return nil, fmt.Errorf("frame range %q: end before start", item)
		}
		out = append(out, export.FrameRange(first, last, step)...)
	}
	return out, nil
}

// frameNumber parses one frame index. An empty string gives def, or an
// error when def is negative.
func frameNumber(s string, def, n int) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		if def < 0 {
			return 0, fmt.Errorf("empty frame number")
		}
		return def, nil
	}
	f, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("frame %q is not a number", s)
	}
	if f < 0 || f >= n {
		return 0, fmt.Errorf("frame %d out of range, source has %d frames", f, n)
	}
	return f, nil
}

// frameFailures reports frames that did not evaluate successfully.
type frameFailures struct {
	failed, total int
}

func (e frameFailures) Error() string {
	return fmt.Sprintf("%d of %d frames failed", e.failed, e.total)
}
