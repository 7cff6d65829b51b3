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

	"github.com/AleutianAI/AleutianFlow/services/flow/codec"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowstate"
	"github.com/AleutianAI/AleutianFlow/services/flow/importer"
)

// FormatJSON is the frame document format read back by the json importer.
const FormatJSON = "json"

// JSON writes frame documents.
type JSON struct {
	deps   Deps
	params *importer.ParamSet
}

// NewJSON returns the JSON exporter.
func NewJSON(deps Deps) *JSON {
	return &JSON{deps: deps, params: importer.NewParamSet(FormatJSON)}
}

// Format implements Exporter.
func (j *JSON) Format() string { return FormatJSON }

// Params implements Exporter.
func (j *JSON) Params() *importer.ParamSet { return j.params }

// Open implements Exporter.
func (j *JSON) Open(_ context.Context, dest string) (Writer, error) {
	sink, err := newFileSink(j.deps.Uploader, dest)
	if err != nil {
		return nil, err
	}
	return &jsonWriter{sink: sink}, nil
}

type jsonWriter struct {
	sink   *fileSink
	frames []codec.FrameDoc
}

func (w *jsonWriter) WriteFrame(ctx context.Context, frame int, st *flowstate.State) error {
	doc := codec.Encode(st.Data, frame)
	if !w.sink.perFrame {
		w.frames = append(w.frames, doc)
		return nil
	}
	data, err := codec.MarshalFile([]codec.FrameDoc{doc})
	if err != nil {
		return err
	}
	return upload(ctx, w.sink.up, frameURL(w.sink.dest, frame), data)
}

// Close stores the joined document of a single-file export.
func (w *jsonWriter) Close() error {
	if w.sink.perFrame || w.frames == nil {
		return nil
	}
	data, err := codec.MarshalFile(w.frames)
	if err != nil {
		return err
	}
	w.frames = nil
	return upload(context.Background(), w.sink.up, w.sink.dest, data)
}
