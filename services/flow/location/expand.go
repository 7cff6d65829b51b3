// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package location

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// IsWildcard reports whether the file name part of url contains a '*'.
func IsWildcard(url string) bool {
	_, name := Split(url)
	return strings.Contains(name, "*")
}

// Expand resolves a wildcard location into the matching file URLs.
//
// Description:
//
//	The '*' may appear once, in the file name only, and stands for a run
//	of decimal digits. Matches are ordered by that number, so frame_9
//	comes before frame_10. A location without a wildcard is returned as
//	is, after checking it exists.
//
// Outputs:
//
//	[]string - Matching URLs in numeric order.
//	error - Invalid pattern, listing failure, or no match.
func Expand(ctx context.Context, f Fetcher, url string) ([]string, error) {
	dir, name := Split(url)
	if strings.Contains(dir, "*") {
		return nil, fmt.Errorf("wildcard is only allowed in the file name: %s", url)
	}
	if !strings.Contains(name, "*") {
		if _, err := f.Stat(ctx, url); err != nil {
			return nil, err
		}
		return []string{url}, nil
	}
	if strings.Count(name, "*") > 1 {
		return nil, fmt.Errorf("file name pattern may contain only one '*': %s", name)
	}
	if !doublestar.ValidatePattern(name) {
		return nil, fmt.Errorf("invalid file name pattern: %s", name)
	}

	objs, err := f.List(ctx, dir)
	if err != nil {
		return nil, err
	}

	type match struct {
		url string
		num uint64
	}
	var matches []match
	for _, o := range objs {
		ok, err := doublestar.Match(name, o.Name)
		if err != nil || !ok {
			continue
		}
		n, ok := wildcardNumber(name, o.Name)
		if !ok {
			continue
		}
		matches = append(matches, match{url: Join(dir, o.Name), num: n})
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: no files match %s", ErrNotFound, url)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].num != matches[j].num {
			return matches[i].num < matches[j].num
		}
		return matches[i].url < matches[j].url
	})
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.url
	}
	return out, nil
}

// ExpandAll expands each location and concatenates the results in order.
func ExpandAll(ctx context.Context, f Fetcher, urls []string) ([]string, error) {
	var out []string
	for _, u := range urls {
		n, err := Normalize(u)
		if err != nil {
			return nil, err
		}
		files, err := Expand(ctx, f, n)
		if err != nil {
			return nil, err
		}
		out = append(out, files...)
	}
	return out, nil
}

// wildcardNumber extracts the digits standing in for '*'. The literal
// parts around the star are matched by length, so they may hold '?' but
// no character classes.
func wildcardNumber(pattern, name string) (uint64, bool) {
	prefix, suffix, _ := strings.Cut(pattern, "*")
	if strings.ContainsAny(prefix+suffix, "[{") {
		return lastDigits(name)
	}
	if len(name) < len(prefix)+len(suffix) {
		return 0, false
	}
	digits := name[len(prefix) : len(name)-len(suffix)]
	if digits == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lastDigits(name string) (uint64, bool) {
	end := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] >= '0' && name[i] <= '9' {
			end = i + 1
			break
		}
	}
	if end < 0 {
		return 0, false
	}
	start := end
	for start > 0 && name[start-1] >= '0' && name[start-1] <= '9' {
		start--
	}
	n, err := strconv.ParseUint(name[start:end], 10, 64)
	return n, err == nil
}
