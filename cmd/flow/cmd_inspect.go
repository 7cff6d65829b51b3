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
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/services/flow/codec"
	"github.com/AleutianAI/AleutianFlow/services/flow/collection"
)

func (a *app) inspectCmd() *cobra.Command {
	var (
		in    importFlags
		frame int
	)
	cmd := &cobra.Command{
		Use:   "inspect LOCATION...",
		Short: "Show the frames, containers and attributes of input files",
		Example: `  flow inspect dump.xyz
  flow inspect 'run/frame_*.xyz' --frame 10
  flow inspect s3://bucket/traj.json.gz --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errNoInput
			}
			ctx := cmd.Context()
			s, err := a.session(ctx)
			if err != nil {
				return err
			}
			e, err := a.load(ctx, s, args, in)
			if err != nil {
				return err
			}
			if frame < 0 || frame >= e.Pipeline.NumFrames() {
				return fmt.Errorf("frame %d out of range, source has %d frames", frame, e.Pipeline.NumFrames())
			}
			st, err := e.Pipeline.ComputeFrame(ctx, frame)
			if err != nil {
				return err
			}

			out := a.printer()
			stageNames := make([]string, 0, len(e.Pipeline.Stages()))
			for _, app := range e.Pipeline.Stages() {
				stageNames = append(stageNames, app.Stage().Name())
			}
			out.KeyValues("Source", [][2]string{
				{"pipeline", e.Pipeline.ID().String()},
				{"format", e.Source.Importer().Format()},
				{"files", strconv.Itoa(len(e.Source.Locations()))},
				{"frames", strconv.Itoa(e.Pipeline.NumFrames())},
				{"stages", strings.Join(stageNames, ", ")},
			})

			doc := codec.Encode(st.Data, frame)
			out.Title(fmt.Sprintf("Frame %d", frame))
			if doc.Cell != nil {
				out.KeyValues("Cell", cellRows(st.Data.Cell()))
			}
			rows := [][]string{}
			for _, c := range doc.Containers {
				for _, p := range c.Properties {
					rows = append(rows, []string{c.Key, p.Name, p.Type, strconv.Itoa(p.Components), strconv.Itoa(c.Count)})
				}
			}
			out.Table([]string{"container", "property", "type", "components", "elements"}, rows)
			if len(doc.Attributes) > 0 {
				out.KeyValues("Attributes", attributeRows(doc.Attributes))
			}
			return nil
		},
	}
	in.register(cmd)
	cmd.Flags().IntVar(&frame, "frame", 0, "frame to show")
	return cmd
}

func cellRows(c *collection.SimulationCell) [][2]string {
	m := c.Matrix()
	pbc := c.PBC()
	rows := make([][2]string, 0, 5)
	for i, name := range []string{"a", "b", "c"} {
		v := c.Vector(i)
		rows = append(rows, [2]string{name, fmt.Sprintf("%g %g %g", v[0], v[1], v[2])})
	}
	rows = append(rows,
		[2]string{"origin", fmt.Sprintf("%g %g %g", m[0][3], m[1][3], m[2][3])},
		[2]string{"pbc", fmt.Sprintf("%t %t %t", pbc[0], pbc[1], pbc[2])},
	)
	return rows
}

func attributeRows(attrs map[string]any) [][2]string {
	names := make([]string, 0, len(attrs))
	for k := range attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	rows := make([][2]string, 0, len(names))
	for _, k := range names {
		rows = append(rows, [2]string{k, fmt.Sprint(attrs[k])})
	}
	return rows
}
