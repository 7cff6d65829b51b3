// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package importer

import (
	"bytes"
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianFlow/services/flow/codec"
	"github.com/AleutianAI/AleutianFlow/services/flow/collection"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
	"github.com/AleutianAI/AleutianFlow/services/flow/location"
)

// FormatJSON is the tag of the JSON frame document format.
const FormatJSON = "json"

// JSON reads frame documents written by the JSON exporter.
type JSON struct {
	params *ParamSet
}

// NewJSON returns a JSON importer. It has no parameters.
func NewJSON() *JSON {
	return &JSON{params: NewParamSet(FormatJSON)}
}

// Format implements Importer.
func (j *JSON) Format() string { return FormatJSON }

// Params implements Importer.
func (j *JSON) Params() *ParamSet { return j.params }

// Detect accepts JSON objects carrying the document tag or a containers
// list. The probe may cut the document short, so it is not validated.
func (j *JSON) Detect(p Probe) bool {
	head := bytes.TrimSpace(p.Head)
	if len(head) == 0 || head[0] != '{' {
		return false
	}
	return bytes.Contains(head, []byte(codec.FormatTag)) || bytes.Contains(head, []byte(`"containers"`))
}

func (j *JSON) read(ctx context.Context, f location.Fetcher, url string) (codec.FileDoc, error) {
	data, err := location.ReadAll(ctx, f, url)
	if err != nil {
		if ctx.Err() != nil {
			return codec.FileDoc{}, flowerr.Canceled("read "+url, ctx)
		}
		return codec.FileDoc{}, err
	}
	doc, err := codec.UnmarshalFile(data)
	if err != nil {
		return codec.FileDoc{}, &flowerr.FormatError{Location: url, Detail: err.Error()}
	}
	return doc, nil
}

// DiscoverFrames implements Importer.
func (j *JSON) DiscoverFrames(ctx context.Context, f location.Fetcher, url string) ([]Frame, error) {
	doc, err := j.read(ctx, f, url)
	if err != nil {
		return nil, err
	}
	obj, err := f.Stat(ctx, url)
	if err != nil {
		return nil, err
	}
	_, name := location.Split(url)
	frames := make([]Frame, len(doc.Frames))
	for i := range doc.Frames {
		frames[i] = Frame{
			SourceURL: url,
			Index:     i,
			ModTime:   obj.ModTime,
			Label:     fmt.Sprintf("%s (Frame %d)", name, i),
		}
	}
	if len(frames) == 0 {
		return nil, &flowerr.FormatError{Location: url, Detail: "document contains no frames"}
	}
	return frames, nil
}

// LoadFrame implements Importer.
func (j *JSON) LoadFrame(ctx context.Context, f location.Fetcher, frame Frame) (*collection.DataCollection, error) {
	doc, err := j.read(ctx, f, frame.SourceURL)
	if err != nil {
		return nil, err
	}
	if frame.Index < 0 || frame.Index >= len(doc.Frames) {
		return nil, fmt.Errorf("%w: frame %d of %s, document has %d",
			flowerr.ErrFrameOutOfRange, frame.Index, frame.SourceURL, len(doc.Frames))
	}
	return codec.Decode(doc.Frames[frame.Index])
}
