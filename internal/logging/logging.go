// Copyright 2025 Archiver Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging sets up the structured slog.Logger shared by both
// binaries. Event names follow a dotted convention ("archive.batch.select",
// "restore.file.complete") so a log aggregator can treat them like metric
// names.
package logging

import (
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Format selects the slog handler used for output.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// New builds a logger at the given level and format. Console format uses a
// plain text handler; color is applied separately by the Status helpers
// below so that JSON consumers never see ANSI escapes.
func New(level slog.Level, format Format) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch format {
	case FormatJSON:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps the --log-level flag value to a slog.Level, defaulting to
// Info for unrecognized strings.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ColorEnabled reports whether ANSI colors should be used for console status
// lines, honoring --no-color, NO_COLOR, and tty detection, mirroring the
// precedence the teacher CLI uses for its own color toggle.
func ColorEnabled(noColor bool) bool {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// Status prints a one-line colored status message to stdout for interactive
// use (never used for JSON-mode output, which relies solely on the logger
// and the final summary struct).
type Status struct {
	enabled bool
}

func NewStatus(enabled bool) *Status {
	return &Status{enabled: enabled}
}

func (s *Status) Success(format string, args ...any) { s.line(color.FgGreen, format, args...) }
func (s *Status) Warn(format string, args ...any)    { s.line(color.FgYellow, format, args...) }
func (s *Status) Fail(format string, args ...any)    { s.line(color.FgRed, format, args...) }

func (s *Status) line(attr color.Attribute, format string, args ...any) {
	c := color.New(attr)
	if !s.enabled {
		c.DisableColor()
	}
	c.Printf(format+"\n", args...)
}
