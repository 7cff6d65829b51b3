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
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianFlow/services/flow/collection"
	"github.com/AleutianAI/AleutianFlow/services/flow/container"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
	"github.com/AleutianAI/AleutianFlow/services/flow/location"
	"github.com/AleutianAI/AleutianFlow/services/flow/property"
)

// FormatXYZ is the tag of the (extended) XYZ columns format.
const FormatXYZ = "xyz"

// XYZ parameter names.
const (
	ParamColumns        = "columns"
	ParamMultipleFrames = "multiple_frames"
	ParamRescale        = "rescale_reduced"
)

// cancelCheckLines is how many lines are scanned between context checks.
const cancelCheckLines = 4096

// reducedSlack is how far outside [0, 1] reduced coordinates may lie.
const reducedSlack = 0.02

// defaultColumns maps plain XYZ files without a Properties header.
var defaultColumns = []string{"Particle Type", "Position.X", "Position.Y", "Position.Z"}

// XYZ reads plain and extended XYZ files. A file holds one or more frames,
// each a particle count line, a comment line and one line per particle.
type XYZ struct {
	params *ParamSet
}

// NewXYZ returns an XYZ importer with default parameters.
func NewXYZ() *XYZ {
	return &XYZ{params: NewParamSet(FormatXYZ,
		ParamSpec{Name: ParamColumns, Kind: ParamStrings,
			Help: "Property for each file column, e.g. Position.X; empty entries skip a column"},
		ParamSpec{Name: ParamMultipleFrames, Kind: ParamBool, Default: true,
			Help: "Scan the whole file for frames instead of reading only the first"},
		ParamSpec{Name: ParamRescale, Kind: ParamBool, Default: true,
			Help: "Convert reduced coordinates to Cartesian when a cell is given"},
	)}
}

// Format implements Importer.
func (x *XYZ) Format() string { return FormatXYZ }

// Params implements Importer.
func (x *XYZ) Params() *ParamSet { return x.params }

// Detect accepts content whose first line holds nothing but an integer.
func (x *XYZ) Detect(p Probe) bool {
	line, complete := p.FirstLine()
	if !complete {
		return false
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}
	for _, ch := range line {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}

// lineReader walks newline-separated lines of an in-memory file.
type lineReader struct {
	data []byte
	pos  int
	line int
}

// next returns the next line without its terminator and the byte offset
// where it starts.
func (r *lineReader) next() ([]byte, int64, bool) {
	if r.pos >= len(r.data) {
		return nil, 0, false
	}
	start := r.pos
	end := bytes.IndexByte(r.data[start:], '\n')
	if end < 0 {
		r.pos = len(r.data)
		end = len(r.data)
	} else {
		end += start
		r.pos = end + 1
	}
	r.line++
	return bytes.TrimRight(r.data[start:end], "\r"), int64(start), true
}

func parseCount(line []byte, lineNo int, url string) (int, error) {
	n, err := strconv.Atoi(string(bytes.TrimSpace(line)))
	if err != nil || n < 0 {
		return 0, &flowerr.FormatError{
			Location: url,
			Detail:   fmt.Sprintf("invalid number of particles in line %d: %q", lineNo, line),
		}
	}
	return n, nil
}

// DiscoverFrames implements Importer.
func (x *XYZ) DiscoverFrames(ctx context.Context, f location.Fetcher, url string) ([]Frame, error) {
	data, err := location.ReadAll(ctx, f, url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, flowerr.Canceled("scan "+url, ctx)
		}
		return nil, err
	}
	obj, err := f.Stat(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, flowerr.Canceled("scan "+url, ctx)
		}
		return nil, err
	}
	fp, err := location.Fingerprint(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	_, name := location.Split(url)
	multiple := x.params.Bool(ParamMultipleFrames)

	lr := &lineReader{data: data}
	var frames []Frame
	for {
		line, offset, ok := lr.next()
		if !ok {
			break
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		first := lr.line
		n, err := parseCount(line, first, url)
		if err != nil {
			return nil, err
		}
		frames = append(frames, Frame{
			SourceURL:   url,
			ByteOffset:  offset,
			LineNumber:  first,
			Index:       len(frames),
			ModTime:     obj.ModTime,
			Label:       fmt.Sprintf("%s (Frame %d)", name, len(frames)),
			Fingerprint: fp,
		})
		if !multiple {
			break
		}
		for i := 0; i < n+1; i++ {
			if lr.line%cancelCheckLines == 0 && ctx.Err() != nil {
				return nil, flowerr.Canceled("scan "+url, ctx)
			}
			if _, _, ok := lr.next(); !ok {
				return nil, &flowerr.FormatError{
					Location: url,
					Detail:   fmt.Sprintf("unexpected end of file in frame %d starting at line %d", len(frames)-1, first),
				}
			}
		}
	}
	if len(frames) == 0 {
		return nil, &flowerr.FormatError{Location: url, Detail: "file contains no frames"}
	}
	return frames, nil
}

// xyzHeader is the parsed comment line of a frame.
type xyzHeader struct {
	extended   bool
	lattice    []float64
	origin     [3]float64
	pbc        [3]bool
	hasPBC     bool
	properties string
	pairs      [][2]string
	comment    string
}

// splitPairs tokenizes key=value pairs. Values may be double or single
// quoted. Bare words without a value are dropped.
func splitPairs(s string) [][2]string {
	var out [][2]string
	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
		start := i
		for i < len(s) && s[i] != '=' && s[i] != ' ' && s[i] != '\t' {
			i++
		}
		key := s[start:i]
		if i >= len(s) || s[i] != '=' {
			continue
		}
		i++
		var value string
		if i < len(s) && (s[i] == '"' || s[i] == '\'') {
			q := s[i]
			i++
			vs := i
			for i < len(s) && s[i] != q {
				i++
			}
			value = s[vs:i]
			if i < len(s) {
				i++
			}
		} else {
			vs := i
			for i < len(s) && s[i] != ' ' && s[i] != '\t' {
				i++
			}
			value = s[vs:i]
		}
		if key != "" {
			out = append(out, [2]string{key, value})
		}
	}
	return out
}

func parseFlags(s string) ([3]bool, error) {
	var out [3]bool
	fields := strings.Fields(s)
	if len(fields) != 3 {
		return out, fmt.Errorf("expected three periodicity flags, got %q", s)
	}
	for i, f := range fields {
		b, err := parseLogical(f)
		if err != nil {
			return out, err
		}
		out[i] = b != 0
	}
	return out, nil
}

func parseFloats(s string, n int) ([]float64, error) {
	fields := strings.Fields(s)
	if len(fields) != n {
		return nil, fmt.Errorf("expected %d numbers, got %q", n, s)
	}
	out := make([]float64, n)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", f)
		}
		out[i] = v
	}
	return out, nil
}

func parseLogical(s string) (int32, error) {
	switch strings.ToUpper(s) {
	case "T", "TRUE", "1":
		return 1, nil
	case "F", "FALSE", "0":
		return 0, nil
	}
	return 0, fmt.Errorf("invalid logical value %q", s)
}

func parseHeader(comment string) (xyzHeader, error) {
	h := xyzHeader{comment: strings.TrimSpace(comment)}
	pairs := splitPairs(comment)
	for _, kv := range pairs {
		if strings.EqualFold(kv[0], "Lattice") || strings.EqualFold(kv[0], "Properties") {
			h.extended = true
		}
	}
	if !h.extended {
		return h, nil
	}
	for _, kv := range pairs {
		switch strings.ToLower(kv[0]) {
		case "lattice":
			v, err := parseFloats(kv[1], 9)
			if err != nil {
				return h, fmt.Errorf("lattice: %w", err)
			}
			h.lattice = v
			continue
		case "cell_origin":
			v, err := parseFloats(kv[1], 3)
			if err != nil {
				return h, fmt.Errorf("cell_origin: %w", err)
			}
			copy(h.origin[:], v)
		case "pbc":
			v, err := parseFlags(kv[1])
			if err != nil {
				return h, fmt.Errorf("pbc: %w", err)
			}
			h.pbc, h.hasPBC = v, true
		case "properties":
			h.properties = kv[1]
			continue
		}
		h.pairs = append(h.pairs, kv)
	}
	if h.lattice != nil && !h.hasPBC {
		h.pbc = [3]bool{true, true, true}
	}
	return h, nil
}

// attributeValue types a header value as int, then float, then string.
func attributeValue(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// column maps one file column to a property component.
type column struct {
	skip    bool
	name    string
	role    container.Role
	comp    int
	comps   int
	dtype   property.DataType
	typed   bool
	logical bool
}

// extendedRole maps extended XYZ column names to standard roles.
func extendedRole(name string) container.Role {
	switch strings.ToLower(name) {
	case "type", "element", "atom_types", "species":
		return container.RoleType
	case "pos":
		return container.RolePosition
	case "velo", "vel", "velocity", "velocities":
		return container.RoleVelocity
	case "force", "forces":
		return container.RoleForce
	case "id":
		return container.RoleIdentifier
	case "mass", "masses":
		return container.RoleMass
	case "charge", "charges":
		return container.RoleCharge
	case "radius":
		return container.RoleRadius
	case "selection":
		return container.RoleSelection
	case "color", "colors":
		return container.RoleColor
	}
	return container.RoleUser
}

func standardColumns(role container.Role, count int, letter string) []column {
	std, _ := container.Particles.Standard(role)
	cols := make([]column, count)
	for k := range cols {
		if k >= std.Components {
			cols[k].skip = true
			continue
		}
		cols[k] = column{
			name:    std.Name,
			role:    role,
			comp:    k,
			comps:   std.Components,
			dtype:   std.DataType,
			typed:   role == container.RoleType,
			logical: letter == "L",
		}
	}
	return cols
}

// columnsFromProperties parses an extended XYZ Properties header such as
// species:S:1:pos:R:3.
func columnsFromProperties(spec string) ([]column, error) {
	parts := strings.Split(spec, ":")
	if len(parts)%3 != 0 {
		return nil, fmt.Errorf("malformed Properties header %q", spec)
	}
	var cols []column
	for i := 0; i < len(parts); i += 3 {
		name, letter := parts[i], strings.ToUpper(parts[i+1])
		count, err := strconv.Atoi(parts[i+2])
		if err != nil || count < 1 {
			return nil, fmt.Errorf("invalid column count for %q in Properties header", name)
		}
		role := extendedRole(name)
		switch {
		case role != container.RoleUser && (letter != "S" || role == container.RoleType):
			cols = append(cols, standardColumns(role, count, letter)...)
		case letter == "S":
			for k := 0; k < count; k++ {
				cols = append(cols, column{skip: true})
			}
		default:
			dtype := property.Float64
			switch letter {
			case "I", "L":
				dtype = property.Int32
			case "R":
			default:
				return nil, fmt.Errorf("unknown column type %q for %q in Properties header", letter, name)
			}
			for k := 0; k < count; k++ {
				cols = append(cols, column{name: name, comp: k, comps: count, dtype: dtype, logical: letter == "L"})
			}
		}
	}
	return cols, nil
}

// columnsFromMapping parses explicit column names such as "Position.X",
// "Particle Type" or "Energy". Empty entries, "-" and "None" skip a column.
func columnsFromMapping(entries []string) []column {
	cols := make([]column, len(entries))
	custom := make(map[string]int)
	for i, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" || entry == "-" || strings.EqualFold(entry, "none") {
			cols[i].skip = true
			continue
		}
		if role, ok := container.Particles.RoleByName(entry); ok {
			cols[i] = standardColumns(role, 1, "")[0]
			continue
		}
		base, suffix := entry, ""
		if dot := strings.LastIndexByte(entry, '.'); dot > 0 {
			base, suffix = entry[:dot], entry[dot+1:]
		}
		if role, ok := container.Particles.RoleByName(base); ok {
			std, _ := container.Particles.Standard(role)
			comp := -1
			for k, cn := range std.ComponentNames {
				if strings.EqualFold(cn, suffix) {
					comp = k
				}
			}
			if n, err := strconv.Atoi(suffix); err == nil {
				comp = n
			}
			if comp >= 0 && comp < std.Components {
				col := standardColumns(role, std.Components, "")[comp]
				cols[i] = col
				continue
			}
		}
		comp := 0
		if n, err := strconv.Atoi(suffix); err == nil && n >= 0 {
			comp = n
		} else {
			base = entry
		}
		cols[i] = column{name: base, comp: comp, dtype: property.Float64}
		if comp+1 > custom[base] {
			custom[base] = comp + 1
		}
	}
	for i := range cols {
		if !cols[i].skip && cols[i].role == container.RoleUser {
			cols[i].comps = custom[cols[i].name]
		}
	}
	return cols
}

// propBuilder accumulates the values of one property while parsing.
type propBuilder struct {
	name    string
	role    container.Role
	dtype   property.DataType
	comps   int
	typed   bool
	f64     []float64
	i32     []int32
	i64     []int64
	names   []string
	ids     map[string]int32
	numeric map[int32]bool
}

func newBuilder(c column, n int) *propBuilder {
	b := &propBuilder{name: c.name, role: c.role, dtype: c.dtype, comps: c.comps, typed: c.typed}
	switch c.dtype {
	case property.Float64:
		b.f64 = make([]float64, n*c.comps)
	case property.Int32:
		b.i32 = make([]int32, n*c.comps)
	case property.Int64:
		b.i64 = make([]int64, n*c.comps)
	}
	if c.typed {
		b.ids = make(map[string]int32)
		b.numeric = make(map[int32]bool)
	}
	return b
}

func (b *propBuilder) set(c column, row int, token string) error {
	at := row*b.comps + c.comp
	switch {
	case b.typed:
		if id, err := strconv.ParseInt(token, 10, 32); err == nil {
			b.i32[at] = int32(id)
			b.numeric[int32(id)] = true
			return nil
		}
		id, ok := b.ids[token]
		if !ok {
			b.names = append(b.names, token)
			id = int32(len(b.names))
			b.ids[token] = id
		}
		b.i32[at] = id
	case c.logical:
		v, err := parseLogical(token)
		if err != nil {
			return err
		}
		b.i32[at] = v
	case b.dtype == property.Float64:
		v, err := strconv.ParseFloat(token, 64)
		if err != nil {
			return fmt.Errorf("invalid floating point value %q", token)
		}
		b.f64[at] = v
	case b.dtype == property.Int32:
		v, err := strconv.ParseInt(token, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid integer value %q", token)
		}
		b.i32[at] = int32(v)
	case b.dtype == property.Int64:
		v, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer value %q", token)
		}
		b.i64[at] = v
	}
	return nil
}

// elementTypes returns the types to attach. Named types are numbered in
// name order; values are remapped accordingly when no numeric ids are used.
func (b *propBuilder) elementTypes() []property.ElementType {
	var out []property.ElementType
	if len(b.names) > 0 && len(b.numeric) == 0 {
		sorted := append([]string(nil), b.names...)
		sort.Strings(sorted)
		remap := make(map[int32]int32, len(sorted))
		for i, name := range sorted {
			remap[b.ids[name]] = int32(i + 1)
			out = append(out, property.ElementType{ID: i + 1, Name: name})
		}
		for i, v := range b.i32 {
			b.i32[i] = remap[v]
		}
		return out
	}
	seen := make(map[int]bool)
	for _, name := range b.names {
		out = append(out, property.ElementType{ID: int(b.ids[name]), Name: name})
		seen[int(b.ids[name])] = true
	}
	ids := make([]int, 0, len(b.numeric))
	for id := range b.numeric {
		if !seen[int(id)] {
			ids = append(ids, int(id))
		}
	}
	sort.Ints(ids)
	for _, id := range ids {
		out = append(out, property.ElementType{ID: id})
	}
	return out
}

func (b *propBuilder) array(rows int) (property.Array, error) {
	switch b.dtype {
	case property.Int32:
		return property.NewArray(b.dtype, rows, b.comps, b.i32)
	case property.Int64:
		return property.NewArray(b.dtype, rows, b.comps, b.i64)
	default:
		return property.NewArray(b.dtype, rows, b.comps, b.f64)
	}
}

// LoadFrame implements Importer.
func (x *XYZ) LoadFrame(ctx context.Context, f location.Fetcher, frame Frame) (*collection.DataCollection, error) {
	url := frame.SourceURL
	data, err := location.ReadAll(ctx, f, url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, flowerr.Canceled("load "+frame.Label, ctx)
		}
		return nil, err
	}
	if frame.ByteOffset < 0 || frame.ByteOffset >= int64(len(data)) {
		return nil, fmt.Errorf("frame %d of %s: byte offset %d beyond end of file", frame.Index, url, frame.ByteOffset)
	}
	lr := &lineReader{data: data, pos: int(frame.ByteOffset), line: frame.LineNumber - 1}

	countLine, _, _ := lr.next()
	n, err := parseCount(countLine, lr.line, url)
	if err != nil {
		return nil, err
	}
	comment, _, ok := lr.next()
	if !ok {
		return nil, &flowerr.FormatError{Location: url, Detail: fmt.Sprintf("missing comment line after line %d", lr.line)}
	}
	hdr, err := parseHeader(string(comment))
	if err != nil {
		return nil, fmt.Errorf("parsing comment line %d of XYZ file %s: %w", lr.line, url, err)
	}

	var cols []column
	switch {
	case len(x.params.Strings(ParamColumns)) > 0:
		cols = columnsFromMapping(x.params.Strings(ParamColumns))
	case hdr.properties != "":
		if cols, err = columnsFromProperties(hdr.properties); err != nil {
			return nil, &flowerr.FormatError{Location: url, Detail: err.Error()}
		}
	default:
		cols = columnsFromMapping(defaultColumns)
	}

	var order []*propBuilder
	builders := make(map[string]*propBuilder)
	for _, c := range cols {
		if c.skip {
			continue
		}
		if _, ok := builders[c.name]; !ok {
			b := newBuilder(c, n)
			builders[c.name] = b
			order = append(order, b)
		}
	}

	for row := 0; row < n; row++ {
		if row%cancelCheckLines == 0 && ctx.Err() != nil {
			return nil, flowerr.Canceled("load "+frame.Label, ctx)
		}
		line, _, ok := lr.next()
		if !ok {
			return nil, &flowerr.FormatError{
				Location: url,
				Detail:   fmt.Sprintf("unexpected end of file after %d of %d particles", row, n),
			}
		}
		fields := strings.Fields(string(line))
		if len(fields) < len(cols) {
			return nil, fmt.Errorf("parsing error in line %d of XYZ file %s: expected %d columns, found %d",
				lr.line, url, len(cols), len(fields))
		}
		for i, c := range cols {
			if c.skip {
				continue
			}
			if err := builders[c.name].set(c, row, fields[i]); err != nil {
				return nil, fmt.Errorf("parsing error in line %d of XYZ file %s, column %d (%s): %w",
					lr.line, url, i+1, c.name, err)
			}
		}
	}

	d := collection.New()
	particles, err := d.CreateContainer(collection.KeyParticles, container.Particles)
	if err != nil {
		return nil, err
	}
	for _, b := range order {
		var types []property.ElementType
		if b.typed {
			types = b.elementTypes()
		}
		arr, err := b.array(n)
		if err != nil {
			return nil, err
		}
		id := container.ByName(b.name)
		if b.role != container.RoleUser {
			id = container.ByRole(b.role)
		}
		if _, err := particles.CreateProperty(id, container.WithData(arr)); err != nil {
			return nil, err
		}
		if len(types) > 0 {
			_, err := particles.WithWritable(b.name, func(w *property.Property) error {
				for _, t := range types {
					if err := w.AddType(t); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	}

	if err := x.applyCell(d, particles, hdr); err != nil {
		return nil, err
	}

	if hdr.extended {
		for _, kv := range hdr.pairs {
			if err := d.SetAttribute(kv[0], attributeValue(kv[1])); err != nil {
				return nil, err
			}
		}
	} else if hdr.comment != "" {
		if err := d.SetAttribute("Comment", hdr.comment); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// applyCell stores the header cell, or the bounding box of the particles
// when the file has none. Reduced coordinates are rescaled if enabled.
func (x *XYZ) applyCell(d *collection.DataCollection, particles *container.Container, hdr xyzHeader) error {
	pos := particles.GetByRole(container.RolePosition)
	if hdr.lattice != nil {
		var a, b, c [3]float64
		copy(a[:], hdr.lattice[0:3])
		copy(b[:], hdr.lattice[3:6])
		copy(c[:], hdr.lattice[6:9])
		cell := collection.NewCell(a, b, c, hdr.origin, hdr.pbc)
		if err := d.Put(collection.KeyCell, cell); err != nil {
			return err
		}
		if pos != nil && pos.Len() > 0 && x.params.Bool(ParamRescale) && isReduced(pos) {
			m := cell.Matrix()
			_, err := particles.WithWritable(pos.Name(), func(w *property.Property) error {
				v := w.Read()
				for i := 0; i < v.Len(); i++ {
					s := v.Vector(i)
					r := make([]float64, 3)
					for k := 0; k < 3; k++ {
						r[k] = m[k][0]*s[0] + m[k][1]*s[1] + m[k][2]*s[2] + m[k][3]
					}
					if err := w.SetVector(i, r); err != nil {
						return err
					}
				}
				return nil
			})
			return err
		}
		return nil
	}
	if pos == nil || pos.Len() == 0 {
		return nil
	}
	lo := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	v := pos.Read()
	for i := 0; i < v.Len(); i++ {
		for k := 0; k < 3; k++ {
			lo[k] = math.Min(lo[k], v.Float(i, k))
			hi[k] = math.Max(hi[k], v.Float(i, k))
		}
	}
	cell := collection.NewCell(
		[3]float64{hi[0] - lo[0], 0, 0},
		[3]float64{0, hi[1] - lo[1], 0},
		[3]float64{0, 0, hi[2] - lo[2]},
		lo, [3]bool{})
	return d.Put(collection.KeyCell, cell)
}

func isReduced(pos *property.Property) bool {
	for _, v := range pos.Read().Float64s() {
		if v < -reducedSlack || v > 1+reducedSlack {
			return false
		}
	}
	return true
}
