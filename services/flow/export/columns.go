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
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianFlow/services/flow/collection"
	"github.com/AleutianAI/AleutianFlow/services/flow/container"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowstate"
	"github.com/AleutianAI/AleutianFlow/services/flow/importer"
	"github.com/AleutianAI/AleutianFlow/services/flow/property"
)

// FormatColumns is the extended XYZ particle table.
const FormatColumns = "columns"

// Columns parameters.
const (
	// ParamProperties lists the particle properties to write. Empty
	// writes all of them.
	ParamProperties = "properties"
	// ParamPrecision is the number of significant digits of real values.
	ParamPrecision = "precision"
)

// extendedNames are the column names the xyz importer maps back to roles.
var extendedNames = map[container.Role]string{
	container.RoleType:       "species",
	container.RolePosition:   "pos",
	container.RoleVelocity:   "velo",
	container.RoleForce:      "force",
	container.RoleIdentifier: "id",
	container.RoleMass:       "mass",
	container.RoleCharge:     "charge",
	container.RoleRadius:     "radius",
	container.RoleSelection:  "selection",
	container.RoleColor:      "color",
}

// Columns writes the particles of each frame as an extended XYZ block:
// count line, a header line with cell, column layout and attributes, one
// row per particle.
type Columns struct {
	deps   Deps
	params *importer.ParamSet
}

// NewColumns returns the columns exporter.
func NewColumns(deps Deps) *Columns {
	return &Columns{deps: deps, params: importer.NewParamSet(FormatColumns,
		importer.ParamSpec{Name: ParamProperties, Kind: importer.ParamStrings,
			Help: "particle properties to write, all by default"},
		importer.ParamSpec{Name: ParamPrecision, Kind: importer.ParamInt, Default: 10,
			Help: "significant digits of real values"},
	)}
}

// Format implements Exporter.
func (c *Columns) Format() string { return FormatColumns }

// Params implements Exporter.
func (c *Columns) Params() *importer.ParamSet { return c.params }

// Open implements Exporter.
func (c *Columns) Open(_ context.Context, dest string) (Writer, error) {
	prec := c.params.Int(ParamPrecision)
	if prec < 1 || prec > 17 {
		return nil, &flowerr.ParameterError{Owner: FormatColumns, Param: ParamPrecision, Reason: "must be between 1 and 17"}
	}
	sink, err := newFileSink(c.deps.Uploader, dest)
	if err != nil {
		return nil, err
	}
	return &columnsWriter{sink: sink, names: c.params.Strings(ParamProperties), prec: prec}, nil
}

type columnsWriter struct {
	sink  *fileSink
	names []string
	prec  int
	buf   bytes.Buffer
}

// outColumn is one property written as one or more columns.
type outColumn struct {
	prop  *property.Property
	name  string
	kind  string
	types map[int]string
}

func (w *columnsWriter) selectColumns(particles *container.Container) ([]outColumn, error) {
	props := particles.Properties()
	if len(w.names) > 0 {
		props = props[:0:0]
		for _, n := range w.names {
			p := particles.Get(n)
			if p == nil {
				return nil, &flowerr.ParameterError{Owner: FormatColumns, Param: ParamProperties,
					Reason: fmt.Sprintf("particle property %q does not exist", n)}
			}
			props = append(props, p)
		}
	}
	cols := make([]outColumn, 0, len(props))
	for _, p := range props {
		col := outColumn{prop: p, name: strings.ReplaceAll(p.Name(), " ", "_"), kind: "R"}
		if p.DataType() != property.Float64 {
			col.kind = "I"
		}
		if role, ok := particles.Class().RoleByName(p.Name()); ok && p.IsStandard() {
			col.name = extendedNames[role]
			if role == container.RoleType {
				col.types = typeNames(p)
				if col.types != nil {
					col.kind = "S"
				}
			}
		}
		if col.name == "" {
			col.name = strings.ReplaceAll(p.Name(), " ", "_")
		}
		cols = append(cols, col)
	}
	return cols, nil
}

// typeNames returns id to name when every id used has a named type.
func typeNames(p *property.Property) map[int]string {
	types := p.Types()
	if len(types) == 0 {
		return nil
	}
	names := make(map[int]string, len(types))
	for _, t := range types {
		if t.Name == "" || strings.ContainsAny(t.Name, " \t") {
			return nil
		}
		names[t.ID] = t.Name
	}
	v := p.Read()
	for i := 0; i < v.Len(); i++ {
		if _, ok := names[int(v.Int(i, 0))]; !ok {
			return nil
		}
	}
	return names
}

func (w *columnsWriter) formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', w.prec, 64)
}

func (w *columnsWriter) header(d *collection.DataCollection, cols []outColumn) string {
	var sb strings.Builder
	if cell := d.Cell(); cell != nil {
		sb.WriteString(`Lattice="`)
		for i := 0; i < 3; i++ {
			v := cell.Vector(i)
			for k := 0; k < 3; k++ {
				if i+k > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(w.formatFloat(v[k]))
			}
		}
		sb.WriteString(`" `)
		m := cell.Matrix()
		if m[0][3] != 0 || m[1][3] != 0 || m[2][3] != 0 {
			fmt.Fprintf(&sb, `cell_origin="%s %s %s" `, w.formatFloat(m[0][3]), w.formatFloat(m[1][3]), w.formatFloat(m[2][3]))
		}
		pbc := cell.PBC()
		fmt.Fprintf(&sb, `pbc="%s %s %s" `, logical(pbc[0]), logical(pbc[1]), logical(pbc[2]))
	}
	sb.WriteString("Properties=")
	for i, c := range cols {
		if i > 0 {
			sb.WriteByte(':')
		}
		fmt.Fprintf(&sb, "%s:%s:%d", c.name, c.kind, c.prop.Components())
	}
	if attrs := d.Attributes(); attrs != nil {
		names := attrs.Names()
		sort.Strings(names)
		for _, n := range names {
			if strings.ContainsAny(n, " \t=\"") {
				continue
			}
			v, _ := attrs.Get(n)
			sb.WriteByte(' ')
			sb.WriteString(n)
			sb.WriteByte('=')
			sb.WriteString(w.attribute(v))
		}
	}
	return sb.String()
}

func (w *columnsWriter) attribute(v any) string {
	var s string
	switch x := v.(type) {
	case float64:
		s = w.formatFloat(x)
	case bool:
		s = logical(x)
	default:
		s = fmt.Sprint(x)
	}
	if s == "" || strings.ContainsAny(s, " \t=") {
		return `"` + strings.ReplaceAll(s, `"`, "'") + `"`
	}
	return s
}

func logical(b bool) string {
	if b {
		return "T"
	}
	return "F"
}

// WriteFrame implements Writer.
func (w *columnsWriter) WriteFrame(ctx context.Context, frame int, st *flowstate.State) error {
	particles := st.Data.Particles()
	if particles == nil {
		return fmt.Errorf("frame %d has no particles", frame)
	}
	cols, err := w.selectColumns(particles)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d\n%s\n", particles.Len(), w.header(st.Data, cols))
	views := make([]property.View, len(cols))
	for i, c := range cols {
		views[i] = c.prop.Read()
	}
	for row := 0; row < particles.Len(); row++ {
		if row%4096 == 0 && ctx.Err() != nil {
			return flowerr.Canceled("export columns", ctx)
		}
		for i, c := range cols {
			v := views[i]
			for k := 0; k < v.Components(); k++ {
				if i+k > 0 {
					buf.WriteByte(' ')
				}
				switch {
				case c.types != nil:
					buf.WriteString(c.types[int(v.Int(row, k))])
				case c.kind == "I":
					buf.WriteString(strconv.FormatInt(v.Int(row, k), 10))
				default:
					buf.WriteString(w.formatFloat(v.Float(row, k)))
				}
			}
		}
		buf.WriteByte('\n')
	}
	if w.sink.perFrame {
		return upload(ctx, w.sink.up, frameURL(w.sink.dest, frame), buf.Bytes())
	}
	w.buf.Write(buf.Bytes())
	return nil
}

// Close stores the concatenated frames of a single-file export.
func (w *columnsWriter) Close() error {
	if w.sink.perFrame || w.buf.Len() == 0 {
		return nil
	}
	data := w.buf.Bytes()
	w.buf = bytes.Buffer{}
	return upload(context.Background(), w.sink.up, w.sink.dest, data)
}
