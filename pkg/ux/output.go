// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux renders the output of the flow CLI.
package ux

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles are the lipgloss styles of the full personality.
var Styles = struct {
	Title    lipgloss.Style
	Bold     lipgloss.Style
	Muted    lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style
	Key      lipgloss.Style
	Box      lipgloss.Style
	ErrorBox lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Key:     lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
)

// Render colors the icon.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return Styles.Muted.Render(string(i))
	}
}

// Printer writes CLI output at one personality level. Messages go to out;
// warnings and errors go to errw.
//
// Thread Safety: safe for concurrent use.
type Printer struct {
	mu    sync.Mutex
	out   io.Writer
	errw  io.Writer
	level PersonalityLevel
}

// NewPrinter creates a Printer.
func NewPrinter(out, errw io.Writer, level PersonalityLevel) *Printer {
	return &Printer{out: out, errw: errw, level: level}
}

// Level returns the personality level.
func (p *Printer) Level() PersonalityLevel { return p.level }

func (p *Printer) printf(w io.Writer, format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(w, format, args...)
}

// Title prints a heading. Machine output omits it.
func (p *Printer) Title(text string) {
	switch p.level {
	case PersonalityMachine:
	case PersonalityMinimal:
		p.printf(p.out, "%s\n", text)
	default:
		p.printf(p.out, "%s\n", Styles.Title.Render(text))
	}
}

// Success prints a success message.
func (p *Printer) Success(text string) {
	switch p.level {
	case PersonalityMachine:
		p.printf(p.out, "OK\t%s\n", text)
	case PersonalityMinimal:
		p.printf(p.out, "%s %s\n", IconSuccess, text)
	default:
		p.printf(p.out, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	}
}

// Warning prints a warning.
func (p *Printer) Warning(text string) {
	switch p.level {
	case PersonalityMachine:
		p.printf(p.errw, "WARN\t%s\n", text)
	case PersonalityMinimal:
		p.printf(p.errw, "%s %s\n", IconWarning, text)
	default:
		p.printf(p.errw, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

// Error prints an error, boxed in the full personality.
func (p *Printer) Error(title string, err error) {
	switch p.level {
	case PersonalityMachine:
		p.printf(p.errw, "ERROR\t%s: %v\n", title, err)
	case PersonalityMinimal:
		p.printf(p.errw, "%s %s: %v\n", IconError, title, err)
	default:
		body := Styles.Error.Bold(true).Render(title) + "\n" + err.Error()
		p.printf(p.errw, "%s\n", Styles.ErrorBox.Render(body))
	}
}

// KeyValues prints aligned key/value pairs, boxed under title in the
// full personality.
func (p *Printer) KeyValues(title string, pairs [][2]string) {
	if p.level == PersonalityMachine {
		var b strings.Builder
		for _, kv := range pairs {
			fmt.Fprintf(&b, "%s\t%s\n", kv[0], kv[1])
		}
		p.printf(p.out, "%s", b.String())
		return
	}
	width := 0
	for _, kv := range pairs {
		width = max(width, len(kv[0]))
	}
	lines := make([]string, 0, len(pairs)+1)
	for _, kv := range pairs {
		key := fmt.Sprintf("%-*s", width, kv[0])
		if p.level == PersonalityFull {
			key = Styles.Key.Render(key)
		}
		lines = append(lines, key+"  "+kv[1])
	}
	if p.level == PersonalityMinimal {
		p.printf(p.out, "%s\n%s\n", title, strings.Join(lines, "\n"))
		return
	}
	p.printf(p.out, "%s\n", Styles.Box.Render(Styles.Title.Render(title)+"\n"+strings.Join(lines, "\n")))
}

// Table prints rows under headers. Machine output is tab separated with
// the header line first.
func (p *Printer) Table(headers []string, rows [][]string) {
	var b strings.Builder
	if p.level == PersonalityMachine {
		b.WriteString(strings.Join(headers, "\t") + "\n")
		for _, r := range rows {
			b.WriteString(strings.Join(r, "\t") + "\n")
		}
		p.printf(p.out, "%s", b.String())
		return
	}
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, r := range rows {
		for i := range widths {
			if i < len(r) {
				widths[i] = max(widths[i], len(r[i]))
			}
		}
	}
	line := func(cells []string, style *lipgloss.Style) {
		parts := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			cell = fmt.Sprintf("%-*s", widths[i], cell)
			if style != nil {
				cell = style.Render(cell)
			}
			parts[i] = cell
		}
		b.WriteString(strings.TrimRight(strings.Join(parts, "  "), " ") + "\n")
	}
	if p.level == PersonalityFull {
		line(headers, &Styles.Bold)
	} else {
		line(headers, nil)
	}
	for _, r := range rows {
		line(r, nil)
	}
	p.printf(p.out, "%s", b.String())
}

// Progress redraws a progress line for done of total. Only the full
// personality shows progress; it ends the line when done == total.
func (p *Printer) Progress(label string, done, total int) {
	if p.level != PersonalityFull || total <= 0 {
		return
	}
	end := ""
	if done >= total {
		end = "\n"
	}
	p.printf(p.errw, "\r%s %s %d/%d%s", Styles.Muted.Render(label), ProgressBar(done, total, 30), done, total, end)
}

// ProgressBar renders a bar of width cells.
func ProgressBar(current, total, width int) string {
	if total <= 0 {
		return strings.Repeat("░", width)
	}
	pct := float64(min(max(current, 0), total)) / float64(total)
	filled := int(pct * float64(width))
	return Styles.Success.Render(strings.Repeat("█", filled)) +
		Styles.Muted.Render(strings.Repeat("░", width-filled)) +
		fmt.Sprintf(" %3.0f%%", pct*100)
}
