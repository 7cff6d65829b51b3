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
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/services/flow/export"
	"github.com/AleutianAI/AleutianFlow/services/flow/session"
)

func (a *app) exportCmd() *cobra.Command {
	var (
		in          importFlags
		format      string
		output      string
		frames      string
		params      []string
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "export LOCATION... -o DESTINATION -t FORMAT",
		Short: "Evaluate frames and write them in another format",
		Long: `export evaluates the selected frames and writes them to DESTINATION.

A '*' in DESTINATION writes one file per frame with the frame number in
its place. A .gz or .zst suffix compresses the output. The sql format takes
a postgres:// URL or a SQLite file; lineproto takes an InfluxDB http(s)://
URL or a file.`,
		Example: `  flow export dump.xyz -t json -o out.json.gz
  flow export 'run/frame_*.xyz' -t columns -o 'out/frame_*.xyz' -P properties=pos,Value
  flow export dump.xyz -t sql -o results.db --frames 0:100:10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errNoInput
			}
			if output == "" || format == "" {
				return errors.New("both --output and --to are required")
			}
			exportParams, err := parseParams(params)
			if err != nil {
				return err
			}
			if concurrency == 0 {
				concurrency = a.cfg.Export.Concurrency
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
			sum, err := s.Export(ctx, e.Pipeline, session.ExportRequest{
				Format:      format,
				Destination: output,
				Frames:      sel,
				Params:      exportParams,
				Concurrency: concurrency,
				Progress:    func(done, total int) { out.Progress("exporting", done, total) },
			})
			if err != nil {
				return err
			}
			out.Success(fmt.Sprintf("exported %d frames to %s in %s", sum.Frames, output, sum.Duration.Round(1e6)))
			return nil
		},
	}
	in.register(cmd)
	f := cmd.Flags()
	f.StringVarP(&format, "to", "t", "", "output format: "+strings.Join(exportFormats(), ", "))
	f.StringVarP(&output, "output", "o", "", "destination path or URL")
	f.StringVar(&frames, "frames", "", "frames to export, e.g. 0:10:2,15 (default: all)")
	f.StringArrayVarP(&params, "export-param", "P", nil, "exporter parameter name=value, repeatable")
	f.IntVarP(&concurrency, "concurrency", "j", 0, "frames evaluated in parallel (default from config)")
	return cmd
}

func exportFormats() []string {
	return export.NewDefaultRegistry(export.Deps{}).Formats()
}
