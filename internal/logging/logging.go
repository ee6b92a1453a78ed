// Package logging sets up the structured logger every gasbot process uses
// and the supervisor-side collector that merges their records.
//
// Children write slog JSON to stderr; the supervisor reads each child's
// stderr line by line and feeds one collector, which writes a size-rotated
// file and a colored console stream.
package logging

import (
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"time"
)

// Keys every record carries besides slog's own time/level/msg.
const (
	KeyProcess   = "process"
	KeyComponent = "component"
)

// ParseLevel maps debug|info|warn|error to a slog level. Anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// New returns a JSON logger writing to w, tagged with the process name.
func New(w io.Writer, level, process string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(h).With(KeyProcess, process)
}

// Record is one log record as the collector sees it.
type Record struct {
	Time      time.Time
	Level     slog.Level
	Process   string
	Component string
	Message   string
	Attrs     map[string]any
}

// Decode parses one stderr line of process. Lines that are not slog JSON,
// such as a Go panic trace, become error records of the "stderr" component.
func Decode(process string, line []byte) Record {
	rec := Record{Process: process}
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil || raw == nil {
		rec.Time = time.Now()
		rec.Level = slog.LevelError
		rec.Component = "stderr"
		rec.Message = strings.TrimRight(string(line), "\r\n")
		return rec
	}

	if s, ok := raw[slog.TimeKey].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			rec.Time = t
		}
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	if s, ok := raw[slog.LevelKey].(string); ok {
		if err := rec.Level.UnmarshalText([]byte(s)); err != nil {
			rec.Level = slog.LevelInfo
		}
	}
	rec.Message, _ = raw[slog.MessageKey].(string)
	if s, ok := raw[KeyProcess].(string); ok && s != "" {
		rec.Process = s
	}
	rec.Component, _ = raw[KeyComponent].(string)

	for _, k := range []string{slog.TimeKey, slog.LevelKey, slog.MessageKey, KeyProcess, KeyComponent} {
		delete(raw, k)
	}
	if len(raw) > 0 {
		rec.Attrs = raw
	}
	return rec
}

// MarshalJSON writes the record in the same shape slog's JSON handler uses.
func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Attrs)+5)
	for k, v := range r.Attrs {
		m[k] = v
	}
	m[slog.TimeKey] = r.Time.Format(time.RFC3339Nano)
	m[slog.LevelKey] = r.Level.String()
	m[slog.MessageKey] = r.Message
	m[KeyProcess] = r.Process
	if r.Component != "" {
		m[KeyComponent] = r.Component
	}
	return json.Marshal(m)
}
