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
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func (a *app) evalCmd() *cobra.Command {
	var (
		in     importFlags
		frames string
	)
	cmd := &cobra.Command{
		Use:   "eval LOCATION...",
		Short: "Evaluate frames through the configured stages and report their status",
		Long: `eval runs the selected frames through the pipeline and prints one line
per frame. It exits with status 2 when any frame fails.`,
		Example: `  flow eval dump.xyz --stages stages.yaml
  flow eval 'run/frame_*.xyz' --frames 0:100:10`,
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
			sel, err := parseFrames(frames, e.Pipeline.NumFrames())
			if err != nil {
				return err
			}

			out := a.printer()
			rows := make([][]string, 0, len(sel))
			failed := 0
			for i, f := range sel {
				start := time.Now()
				st, err := e.Pipeline.EvaluateFrame(ctx, f)
				if err != nil {
					return err
				}
				if !st.Status.IsSuccess() {
					failed++
				}
				elements := ""
				if p := st.Data.Particles(); p != nil {
					elements = strconv.Itoa(p.Len())
				}
				rows = append(rows, []string{
					strconv.Itoa(f),
					st.Status.Type.String(),
					elements,
					time.Since(start).Round(time.Microsecond).String(),
					st.Status.Text,
				})
				out.Progress("evaluating", i+1, len(sel))
			}
			out.Table([]string{"frame", "status", "particles", "time", "message"}, rows)
			if failed > 0 {
				return frameFailures{failed: failed, total: len(sel)}
			}
			out.Success(strconv.Itoa(len(sel)) + " frames evaluated")
			return nil
		},
	}
	in.register(cmd)
	cmd.Flags().StringVar(&frames, "frames", "", "frames to evaluate, e.g. 0:10:2,15 (default: all)")
	return cmd
}
