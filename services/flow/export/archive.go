// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package export

import (
	"context"

	"github.com/AleutianAI/AleutianFlow/services/flow/archive"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowstate"
	"github.com/AleutianAI/AleutianFlow/services/flow/importer"
	"github.com/AleutianAI/AleutianFlow/services/flow/location"
)

// FormatArchive stores frames in a local frame archive that the archive
// importer reads back with random access.
const FormatArchive = archive.Format

// Archive writes frame archives.
type Archive struct {
	deps   Deps
	params *importer.ParamSet
}

// NewArchive returns the archive exporter.
func NewArchive(deps Deps) *Archive {
	return &Archive{deps: deps, params: importer.NewParamSet(FormatArchive)}
}

// Format implements Exporter.
func (a *Archive) Format() string { return FormatArchive }

// Params implements Exporter.
func (a *Archive) Params() *importer.ParamSet { return a.params }

// Open implements Exporter. Existing frames at dest are replaced.
func (a *Archive) Open(ctx context.Context, dest string) (Writer, error) {
	url, err := location.Normalize(dest)
	if err != nil {
		return nil, err
	}
	w, err := archive.Create(ctx, url, a.deps.Logger)
	if err != nil {
		return nil, err
	}
	return &archiveWriter{w: w}, nil
}

type archiveWriter struct {
	w *archive.Writer
}

func (w *archiveWriter) WriteFrame(ctx context.Context, frame int, st *flowstate.State) error {
	return w.w.WriteFrame(ctx, frame, st.Data)
}

func (w *archiveWriter) Close() error { return w.w.Close() }
