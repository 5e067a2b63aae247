/*
Copyright (C) 2023-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package telemetry is the thin logging seam every other package logs
// through, rather than calling fmt/log directly: a host process can swap in
// its own Logger, but nothing in fs/wal/lsm/index/stream/subscribe/
// consensus/process depends on a particular logging library to do so.
// Metrics emission is out of scope; Metrics exists only so a host process
// has somewhere to plug counters in later without this package growing a
// dependency on one.
package telemetry

import (
	"log"
	"os"
	"strings"
)

// Logger is the line-oriented logging interface every component here is
// written against. Infof/Warnf/Errorf take a printf-style format, matching
// the progress messages the storage layer has always composed by hand.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Metrics is a counter/gauge hook. The default implementation is a no-op;
// a host process wires in whatever collector it wants by implementing this
// interface, without eventcored itself depending on one.
type Metrics interface {
	Count(name string, delta int64, tags ...string)
	Gauge(name string, value float64, tags ...string)
}

// stdLogger wraps the standard library's log.Logger, prefixing each line by
// level the same way the teacher's rebuild/compaction progress messages are
// composed by hand with strings.Builder rather than a structured encoder.
type stdLogger struct {
	out *log.Logger
}

// NewStdLogger returns a Logger that writes prefixed lines to os.Stderr.
func NewStdLogger() Logger {
	return &stdLogger{out: log.New(os.Stderr, "", log.LstdFlags)}
}

func (l *stdLogger) Infof(format string, args ...any)  { l.line("INFO", format, args...) }
func (l *stdLogger) Warnf(format string, args ...any)  { l.line("WARN", format, args...) }
func (l *stdLogger) Errorf(format string, args ...any) { l.line("ERROR", format, args...) }

func (l *stdLogger) line(level, format string, args ...any) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(": ")
	l.out.Printf(b.String()+format, args...)
}

type noopMetrics struct{}

// NoopMetrics discards every call. It is the default Metrics until a host
// process supplies its own.
func NoopMetrics() Metrics { return noopMetrics{} }

func (noopMetrics) Count(string, int64, ...string)   {}
func (noopMetrics) Gauge(string, float64, ...string) {}
