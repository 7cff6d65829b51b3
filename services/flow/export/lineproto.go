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
	"log/slog"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/AleutianAI/AleutianFlow/services/flow/collection"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowstate"
	"github.com/AleutianAI/AleutianFlow/services/flow/importer"
	"github.com/AleutianAI/AleutianFlow/services/flow/location"
	"github.com/AleutianAI/AleutianFlow/services/flow/property"
)

// FormatLineProtocol writes one time-series point per frame in InfluxDB
// line protocol.
const FormatLineProtocol = "lineproto"

// Line protocol parameters.
const (
	ParamMeasurement = "measurement"
	ParamRun         = "run"
	ParamEpoch       = "epoch"
	ParamInterval    = "interval"
	ParamToken       = "token"
	ParamOrg         = "org"
	ParamBucket      = "bucket"
)

// LineProtocol turns frames into points. Fields are the numeric global
// attributes, the particle count and mean/min/max of every real particle
// property component. An http(s) destination is an InfluxDB server the
// points are pushed to; anything else is a file.
type LineProtocol struct {
	deps   Deps
	params *importer.ParamSet
}

// NewLineProtocol returns the line protocol exporter.
func NewLineProtocol(deps Deps) *LineProtocol {
	return &LineProtocol{deps: deps, params: importer.NewParamSet(FormatLineProtocol,
		importer.ParamSpec{Name: ParamMeasurement, Kind: importer.ParamString, Default: "frames",
			Help: "measurement name"},
		importer.ParamSpec{Name: ParamRun, Kind: importer.ParamString,
			Help: "value of the run tag, a random id by default"},
		importer.ParamSpec{Name: ParamEpoch, Kind: importer.ParamString, Default: "2000-01-01T00:00:00Z",
			Help: "timestamp of frame 0"},
		importer.ParamSpec{Name: ParamInterval, Kind: importer.ParamFloat, Default: 1.0,
			Help: "seconds between frames"},
		importer.ParamSpec{Name: ParamToken, Kind: importer.ParamString, Help: "InfluxDB token"},
		importer.ParamSpec{Name: ParamOrg, Kind: importer.ParamString, Help: "InfluxDB organization"},
		importer.ParamSpec{Name: ParamBucket, Kind: importer.ParamString, Help: "InfluxDB bucket"},
	)}
}

// Format implements Exporter.
func (l *LineProtocol) Format() string { return FormatLineProtocol }

// Params implements Exporter.
func (l *LineProtocol) Params() *importer.ParamSet { return l.params }

// Open implements Exporter.
func (l *LineProtocol) Open(ctx context.Context, dest string) (Writer, error) {
	epoch, err := strfmt.ParseDateTime(l.params.String(ParamEpoch))
	if err != nil {
		return nil, &flowerr.ParameterError{Owner: FormatLineProtocol, Param: ParamEpoch, Reason: err.Error()}
	}
	interval := l.params.Float(ParamInterval)
	if interval <= 0 {
		return nil, &flowerr.ParameterError{Owner: FormatLineProtocol, Param: ParamInterval, Reason: "must be positive"}
	}
	run := l.params.String(ParamRun)
	if run == "" {
		run = uuid.New().String()
	}
	w := &lineWriter{
		measurement: l.params.String(ParamMeasurement),
		run:         run,
		epoch:       time.Time(epoch),
		interval:    time.Duration(interval * float64(time.Second)),
		logger:      l.deps.Logger,
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}

	switch location.Scheme(dest) {
	case "http", "https":
		bucket, org := l.params.String(ParamBucket), l.params.String(ParamOrg)
		if bucket == "" || org == "" {
			return nil, &flowerr.ParameterError{Owner: FormatLineProtocol, Param: ParamBucket,
				Reason: "org and bucket are required when pushing to a server"}
		}
		w.client = influxdb2.NewClient(dest, l.params.String(ParamToken))
		health, err := w.client.Health(ctx)
		if err != nil {
			w.client.Close()
			return nil, fmt.Errorf("influxdb at %s is not reachable: %w", dest, err)
		}
		w.logger.Info("pushing frames to influxdb",
			slog.String("url", dest),
			slog.String("status", string(health.Status)),
			slog.String("bucket", bucket),
			slog.String("run", run),
		)
		w.api = w.client.WriteAPIBlocking(org, bucket)
	default:
		sink, err := newFileSink(l.deps.Uploader, dest)
		if err != nil {
			return nil, err
		}
		w.sink = sink
	}
	return w, nil
}

type lineWriter struct {
	measurement string
	run         string
	epoch       time.Time
	interval    time.Duration
	logger      *slog.Logger

	client influxdb2.Client
	api    api.WriteAPIBlocking

	sink *fileSink
	buf  bytes.Buffer
}

// point builds the point of one frame.
func (w *lineWriter) point(frame int, d *collection.DataCollection) *write.Point {
	fields := map[string]any{"frame": int64(frame)}
	if attrs := d.Attributes(); attrs != nil {
		for _, n := range attrs.Names() {
			v, _ := attrs.Get(n)
			switch v.(type) {
			case int64, float64, bool:
				fields[fieldName(n)] = v
			}
		}
	}
	if particles := d.Particles(); particles != nil {
		fields["particles"] = int64(particles.Len())
		for _, p := range particles.Properties() {
			if p.DataType() != property.Float64 || p.Len() == 0 {
				continue
			}
			addStats(fields, p)
		}
	}
	ts := w.epoch.Add(time.Duration(frame) * w.interval)
	return influxdb2.NewPoint(w.measurement, map[string]string{"run": w.run}, fields, ts)
}

// addStats adds mean, min and max of every component of p.
func addStats(fields map[string]any, p *property.Property) {
	v := p.Read()
	flat := v.Float64s()
	comps := v.Components()
	names := p.ComponentNames()
	col := make([]float64, v.Len())
	for k := 0; k < comps; k++ {
		for i := range col {
			col[i] = flat[i*comps+k]
		}
		base := fieldName(p.Name())
		if comps > 1 {
			suffix := fmt.Sprint(k)
			if k < len(names) {
				suffix = names[k]
			}
			base += "_" + fieldName(suffix)
		}
		fields[base+"_mean"] = stat.Mean(col, nil)
		fields[base+"_min"] = floats.Min(col)
		fields[base+"_max"] = floats.Max(col)
	}
}

func fieldName(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "_"))
}

// WriteFrame implements Writer.
func (w *lineWriter) WriteFrame(ctx context.Context, frame int, st *flowstate.State) error {
	p := w.point(frame, st.Data)
	if w.api != nil {
		return w.api.WritePoint(ctx, p)
	}
	line := write.PointToLineProtocol(p, time.Nanosecond)
	if w.sink.perFrame {
		return upload(ctx, w.sink.up, frameURL(w.sink.dest, frame), []byte(line))
	}
	w.buf.WriteString(line)
	return nil
}

// Close implements Writer.
func (w *lineWriter) Close() error {
	if w.client != nil {
		w.client.Close()
		return nil
	}
	if w.sink.perFrame || w.buf.Len() == 0 {
		return nil
	}
	data := w.buf.Bytes()
	w.buf = bytes.Buffer{}
	return upload(context.Background(), w.sink.up, w.sink.dest, data)
}
