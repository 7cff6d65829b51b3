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
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
)

const threeFrames = `2
Properties=pos:R:3:Value:R:1 Timestep=0
0 0 0 1.5
1 1 1 -2
2
Properties=pos:R:3:Value:R:1 Timestep=10
0 0 0 3
1 1 1 4
2
Properties=pos:R:3:Value:R:1 Timestep=20
0 0 0 5
1 1 1 6
`

const doubledStages = `- type: compute
  output: Doubled
  input: Value
  op: scale
  scalar: 2
`

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errb bytes.Buffer
	a := newApp(&out, &errb)
	cmd := a.rootCmd()
	cmd.SetArgs(append([]string{"--personality", "machine"}, args...))
	_, err := cmd.ExecuteContextC(context.Background())
	a.close()
	return out.String(), errb.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "seq.xyz", threeFrames)

	out, _, err := execute(t, "inspect", input, "--frame", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "format\txyz\n")
	assert.Contains(t, out, "frames\t3\n")
	assert.Contains(t, out, "container\tproperty\ttype\tcomponents\telements\n")
	assert.Contains(t, out, "\tValue\tfloat\t1\t2\n")
	assert.Contains(t, out, "Timestep\t10\n")

	_, _, err = execute(t, "inspect", input, "--frame", "3")
	assert.Error(t, err)
	_, _, err = execute(t, "inspect")
	assert.ErrorIs(t, err, errNoInput)
}

func TestEval_WithStages(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "seq.xyz", threeFrames)
	stagesFile := writeFile(t, dir, "stages.yaml", doubledStages)

	out, _, err := execute(t, "--stages", stagesFile, "eval", input, "--frames", "0:2:2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4, out)
	assert.True(t, strings.HasPrefix(lines[1], "0\tsuccess\t2\t"))
	assert.True(t, strings.HasPrefix(lines[2], "2\tsuccess\t2\t"))
	assert.Equal(t, "OK\t2 frames evaluated", lines[3])
}

func TestEval_FailingFrames(t *testing.T) {
	dir := t.TempDir()
	// The last frame lacks the stage input.
	broken := strings.Replace(threeFrames, "Properties=pos:R:3:Value:R:1 Timestep=20\n0 0 0 5\n1 1 1 6",
		"Properties=pos:R:3 Timestep=20\n0 0 0\n1 1 1", 1)
	input := writeFile(t, dir, "seq.xyz", broken)
	stagesFile := writeFile(t, dir, "stages.yaml", doubledStages)

	out, _, err := execute(t, "--stages", stagesFile, "eval", input)
	var ff frameFailures
	require.True(t, errors.As(err, &ff), "got %v", err)
	assert.Equal(t, frameFailures{failed: 1, total: 3}, ff)
	assert.Contains(t, out, "2\terror\t")
}

func TestExport_JSONThenInspect(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "seq.xyz", threeFrames)
	stagesFile := writeFile(t, dir, "stages.yaml", doubledStages)
	dest := filepath.Join(dir, "out.json.gz")

	out, _, err := execute(t, "--stages", stagesFile, "export", input, "-t", "json", "-o", dest, "--frames", "1:", "-j", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "OK\texported 2 frames to "+dest)

	out, _, err = execute(t, "inspect", dest, "--frame", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "format\tjson\n")
	assert.Contains(t, out, "frames\t2\n")
	assert.Contains(t, out, "\tDoubled\tfloat\t1\t2\n")
}

func TestExport_Errors(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "seq.xyz", threeFrames)

	_, _, err := execute(t, "export", input, "-t", "json")
	assert.Error(t, err)
	_, _, err = execute(t, "export", input, "-t", "pdb", "-o", filepath.Join(dir, "x.pdb"))
	assert.ErrorIs(t, err, flowerr.ErrParameter)
	_, _, err = execute(t, "export", input, "-t", "columns", "-o", filepath.Join(dir, "x.xyz"), "-P", "precision")
	assert.Error(t, err)
	_, _, err = execute(t, "export", input, "-t", "json", "-o", filepath.Join(dir, "x.json"), "--frames", "5")
	assert.Error(t, err)
}

func TestBadConfig(t *testing.T) {
	cfg := writeFile(t, t.TempDir(), "flow.yaml", "source:\n  max_frames: -3\n")
	_, _, err := execute(t, "--config", cfg, "version")
	assert.Error(t, err)

	_, _, err = execute(t, "--stages", filepath.Join(t.TempDir(), "missing.yaml"), "version")
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "version\tv0.1.0-dev\n")
	assert.Contains(t, out, "frame document\tv1.0.0\n")

	old := version
	defer func() { version = old }()
	version = "1.2.0+build.5"
	assert.Equal(t, "v1.2.0+build.5", displayVersion())
}

func TestParseFrames(t *testing.T) {
	tests := []struct {
		sel  string
		want []int
	}{
		{"", []int{0, 1, 2, 3, 4, 5}},
		{"3", []int{3}},
		{"1:3", []int{1, 2, 3}},
		{"0:5:2", []int{0, 2, 4}},
		{"4:", []int{4, 5}},
		{":1, 5", []int{0, 1, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.sel, func(t *testing.T) {
			got, err := parseFrames(tt.sel, 6)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	for _, bad := range []string{"6", "-1", "a", "3:1", "0:4:0", "1:2:3:4", ","} {
		_, err := parseFrames(bad, 6)
		assert.Error(t, err, bad)
	}
	_, err := parseFrames("", 0)
	assert.Error(t, err)
}

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"columns=pos,Value", "rescale= true"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"columns": "pos,Value", "rescale": " true"}, got)

	_, err = parseParams([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseParams([]string{"a=1", "a=2"})
	assert.Error(t, err)

	got, err = parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}
