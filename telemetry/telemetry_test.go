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
package telemetry

import "testing"

func TestStdLoggerImplementsLogger(t *testing.T) {
	var l Logger = NewStdLogger()
	l.Infof("starting up %s", "node-1")
	l.Warnf("retrying in %d ms", 50)
	l.Errorf("%v", errTest)
}

func TestNoopMetricsDiscardsEverything(t *testing.T) {
	var m Metrics = NoopMetrics()
	m.Count("events.written", 1, "stream=orders")
	m.Gauge("lsm.level0.size_bytes", 1024)
}

var errTest = errStr("boom")

type errStr string

func (e errStr) Error() string { return string(e) }
