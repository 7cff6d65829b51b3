// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package codec converts data collections to and from a JSON document
// model. The json importer/exporter, the snapshot archive and the HTTP API
// all share it.
package codec

import (
	"fmt"
	"sort"

	"github.com/bytedance/sonic"

	"github.com/AleutianAI/AleutianFlow/services/flow/collection"
	"github.com/AleutianAI/AleutianFlow/services/flow/container"
	"github.com/AleutianAI/AleutianFlow/services/flow/property"
)

// FormatTag identifies JSON documents written by this package.
const FormatTag = "aleutianflow-frames"

// Version is the document version written by Encode.
const Version = "v1.0.0"

// api keeps integer attributes as int64 and writes maps in key order.
var api = sonic.Config{UseInt64: true, SortMapKeys: true}.Froze()

// FileDoc is a JSON file holding one or more frames.
type FileDoc struct {
	Format  string     `json:"format"`
	Version string     `json:"version"`
	Frames  []FrameDoc `json:"frames"`
}

// FrameDoc is one serialized data collection.
type FrameDoc struct {
	Frame      int            `json:"frame"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Cell       *CellDoc       `json:"cell,omitempty"`
	Containers []ContainerDoc `json:"containers"`
	Series     []SeriesDoc    `json:"series,omitempty"`
}

// CellDoc is a serialized simulation cell.
type CellDoc struct {
	Matrix [3][4]float64 `json:"matrix"`
	PBC    [3]bool       `json:"pbc"`
	Is2D   bool          `json:"is_2d,omitempty"`
}

// ContainerDoc is a serialized property container.
type ContainerDoc struct {
	Key        string        `json:"key"`
	Class      string        `json:"class"`
	Title      string        `json:"title,omitempty"`
	Count      int           `json:"count"`
	Properties []PropertyDoc `json:"properties"`
}

// PropertyDoc is a serialized property. Exactly one of Floats and Ints is
// set, holding count x components values in row-major order.
type PropertyDoc struct {
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	Components     int       `json:"components"`
	ComponentNames []string  `json:"component_names,omitempty"`
	Floats         []float64 `json:"floats,omitempty"`
	Ints           []int64   `json:"ints,omitempty"`
	ElementTypes   []TypeDoc `json:"element_types,omitempty"`
}

// TypeDoc is a serialized element type.
type TypeDoc struct {
	ID     int        `json:"id"`
	Name   string     `json:"name,omitempty"`
	Color  [3]float64 `json:"color,omitempty"`
	Radius float64    `json:"radius,omitempty"`
}

// SeriesDoc is a serialized data series.
type SeriesDoc struct {
	Name   string    `json:"name"`
	XLabel string    `json:"x_label,omitempty"`
	YLabel string    `json:"y_label,omitempty"`
	X      []float64 `json:"x"`
	Y      []float64 `json:"y"`
}

// Encode converts a collection into a frame document.
func Encode(d *collection.DataCollection, frame int) FrameDoc {
	doc := FrameDoc{Frame: frame, Containers: []ContainerDoc{}}

	if attrs := d.Attributes(); attrs != nil && attrs.Len() > 0 {
		doc.Attributes = make(map[string]any, attrs.Len())
		for _, name := range attrs.Names() {
			v, _ := attrs.Get(name)
			doc.Attributes[name] = v
		}
	}
	if cell := d.Cell(); cell != nil {
		doc.Cell = &CellDoc{Matrix: cell.Matrix(), PBC: cell.PBC(), Is2D: cell.Is2D()}
	}
	for _, key := range d.ContainerKeys() {
		doc.Containers = append(doc.Containers, EncodeContainer(key, d.Container(key)))
	}
	for _, name := range d.SeriesNames() {
		s := d.Series(name)
		x, y := s.Points()
		xl, yl := s.Labels()
		doc.Series = append(doc.Series, SeriesDoc{Name: name, XLabel: xl, YLabel: yl, X: x, Y: y})
	}
	return doc
}

// EncodeContainer converts one container.
func EncodeContainer(key string, c *container.Container) ContainerDoc {
	cd := ContainerDoc{Key: key, Class: c.Class().Name(), Count: c.Len()}
	if c.Title() != c.Class().Name() {
		cd.Title = c.Title()
	}
	for _, p := range c.Properties() {
		cd.Properties = append(cd.Properties, EncodeProperty(p))
	}
	return cd
}

// EncodeProperty converts one property.
func EncodeProperty(p *property.Property) PropertyDoc {
	pd := PropertyDoc{
		Name:           p.Name(),
		Type:           typeName(p.DataType()),
		Components:     p.Components(),
		ComponentNames: p.ComponentNames(),
	}
	v := p.Read()
	if p.DataType() == property.Float64 {
		pd.Floats = v.Float64s()
	} else {
		pd.Ints = v.Int64s()
	}
	for _, t := range p.Types() {
		pd.ElementTypes = append(pd.ElementTypes, TypeDoc{ID: t.ID, Name: t.Name, Color: t.Color, Radius: t.Radius})
	}
	return pd
}

func typeName(d property.DataType) string {
	switch d {
	case property.Int32:
		return "int"
	case property.Int64:
		return "int64"
	default:
		return "float"
	}
}

// Decode rebuilds a collection from a frame document.
func Decode(doc FrameDoc) (*collection.DataCollection, error) {
	d := collection.New()
	if len(doc.Attributes) > 0 {
		names := make([]string, 0, len(doc.Attributes))
		for k := range doc.Attributes {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			if err := d.SetAttribute(k, doc.Attributes[k]); err != nil {
				return nil, err
			}
		}
	}
	if doc.Cell != nil {
		cell := collection.NewCell([3]float64{}, [3]float64{}, [3]float64{}, [3]float64{}, doc.Cell.PBC)
		if err := cell.SetMatrix(doc.Cell.Matrix); err != nil {
			return nil, err
		}
		if err := cell.SetIs2D(doc.Cell.Is2D); err != nil {
			return nil, err
		}
		if err := d.Put(collection.KeyCell, cell); err != nil {
			return nil, err
		}
	}
	for _, cd := range doc.Containers {
		c, err := DecodeContainer(cd)
		if err != nil {
			return nil, err
		}
		key := cd.Key
		if key == "" {
			key = collection.ContainerKey(c.Class())
		}
		if err := d.Put(key, c); err != nil {
			return nil, err
		}
	}
	for _, sd := range doc.Series {
		s, err := collection.NewSeries(sd.Name, sd.XLabel, sd.YLabel, sd.X, sd.Y)
		if err != nil {
			return nil, err
		}
		if err := d.PutSeries(s); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// DecodeContainer rebuilds one container.
func DecodeContainer(cd ContainerDoc) (*container.Container, error) {
	class, ok := container.ClassByName(cd.Class)
	if !ok {
		class = container.Generic
	}
	c := container.New(class)
	if cd.Title != "" {
		if err := c.SetTitle(cd.Title); err != nil {
			return nil, err
		}
	}
	for _, pd := range cd.Properties {
		p, err := DecodeProperty(class, pd)
		if err != nil {
			return nil, err
		}
		if p.Len() != cd.Count {
			return nil, fmt.Errorf("property %q has %d elements, container declares %d", pd.Name, p.Len(), cd.Count)
		}
		if err := c.Add(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// DecodeProperty rebuilds one property. Names of standard properties of
// class get their role back.
func DecodeProperty(class *container.Class, pd PropertyDoc) (*property.Property, error) {
	dtype, err := property.ParseDataType(pd.Type)
	if err != nil {
		return nil, err
	}
	if pd.Components < 1 {
		return nil, fmt.Errorf("property %q: component count must be at least 1", pd.Name)
	}
	var values any = pd.Floats
	n := len(pd.Floats)
	if dtype != property.Float64 {
		values, n = pd.Ints, len(pd.Ints)
	}
	if n%pd.Components != 0 {
		return nil, fmt.Errorf("property %q: %d values do not divide into %d components", pd.Name, n, pd.Components)
	}
	if dtype == property.Int32 {
		i32 := make([]int32, len(pd.Ints))
		for i, v := range pd.Ints {
			i32[i] = int32(v)
		}
		values = i32
	}
	arr, err := property.NewArray(dtype, n/pd.Components, pd.Components, values)
	if err != nil {
		return nil, err
	}
	spec := property.Spec{Name: pd.Name, DataType: dtype, Components: pd.Components, ComponentNames: pd.ComponentNames}
	if role, ok := class.RoleByName(pd.Name); ok {
		std, _ := class.Standard(role)
		if std.DataType == dtype && std.Components == pd.Components {
			spec.Role = int(role)
		}
	}
	p, err := property.FromArray(spec, arr)
	if err != nil {
		return nil, err
	}
	if len(pd.ElementTypes) > 0 {
		_, err = property.WithWritable(p, func(w *property.Property) error {
			for _, t := range pd.ElementTypes {
				if err := w.AddType(property.ElementType{ID: t.ID, Name: t.Name, Color: t.Color, Radius: t.Radius}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Marshal encodes v with the shared sonic configuration.
func Marshal(v any) ([]byte, error) { return api.Marshal(v) }

// Unmarshal decodes data into v with the shared sonic configuration.
func Unmarshal(data []byte, v any) error { return api.Unmarshal(data, v) }

// MarshalFile encodes collections as a FileDoc.
func MarshalFile(frames []FrameDoc) ([]byte, error) {
	return api.Marshal(FileDoc{Format: FormatTag, Version: Version, Frames: frames})
}

// UnmarshalFile decodes a FileDoc. A bare FrameDoc is accepted as a file
// with a single frame.
func UnmarshalFile(data []byte) (FileDoc, error) {
	var f FileDoc
	if err := api.Unmarshal(data, &f); err != nil {
		return FileDoc{}, fmt.Errorf("decoding frame document: %w", err)
	}
	if f.Format == FormatTag {
		return f, nil
	}
	var single FrameDoc
	if err := api.Unmarshal(data, &single); err != nil {
		return FileDoc{}, fmt.Errorf("decoding frame document: %w", err)
	}
	if single.Containers == nil {
		return FileDoc{}, fmt.Errorf("document is neither a %s file nor a frame", FormatTag)
	}
	return FileDoc{Format: FormatTag, Version: Version, Frames: []FrameDoc{single}}, nil
}
