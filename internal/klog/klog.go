// Package klog wires github.com/joeycumines/logiface into the rest of this
// module, the way sql/export.Exporter embeds a *logiface.Logger[logiface.Event]
// and logs via its fluent Debug()/Info()/Warning()/Err() builders.
//
// A nil *Logger is valid and a no-op everywhere it's used, mirroring
// eventloop's NewNoOpLogger() fallback when no structured logger is configured.
package klog

import (
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/joeycumines/logiface"
)

// Logger is a type alias so callers can pass this around without importing
// logiface directly; every subsystem option takes a *Logger.
type Logger = logiface.Logger[logiface.Event]

// event is this module's logiface.Event implementation: a flat field map
// plus the mandatory level, message, and error slots. Grounded on
// logiface/stumpy's Event (a level field plus an append-only buffer); this one
// buffers into a map and marshals lazily in the Writer, trading stumpy's
// zero-allocation buffer for a simpler, easier-to-verify-by-hand encoder.
type event struct {
	logiface.UnimplementedEvent
	lvl    logiface.Level
	msg    string
	err    error
	fields map[string]any
}

func (e *event) Level() logiface.Level { return e.lvl }

func (e *event) AddField(key string, val any) {
	if e.fields == nil {
		e.fields = make(map[string]any, 8)
	}
	e.fields[key] = val
}

func (e *event) AddMessage(msg string) bool {
	e.msg = msg
	return true
}

func (e *event) AddError(err error) bool {
	e.err = err
	return true
}

type eventFactory struct{}

func (eventFactory) NewEvent(level logiface.Level) *event {
	return &event{lvl: level}
}

type eventReleaser struct{}

func (eventReleaser) ReleaseEvent(e *event) {
	e.msg = ""
	e.err = nil
	e.fields = nil
}

// jsonWriter writes one JSON line per event, serialized with a mutex the same
// way eventloop's DefaultLogger serializes writes to its *os.File.
type jsonWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *jsonWriter) Write(e *event) error {
	rec := make(map[string]any, len(e.fields)+3)
	for k, v := range e.fields {
		rec[k] = v
	}
	rec["lvl"] = e.lvl.String()
	if e.msg != "" {
		rec["msg"] = e.msg
	}
	if e.err != nil {
		rec["err"] = e.err.Error()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.out.Write(b)
	return err
}

// New builds a *Logger writing newline-delimited JSON to out at the given
// minimum level. Passing a nil out defaults to os.Stderr.
func New(level logiface.Level, out io.Writer) *Logger {
	if out == nil {
		out = os.Stderr
	}
	w := &jsonWriter{out: out}
	base := logiface.New[*event](
		logiface.WithLevel[*event](level),
		logiface.WithEventFactory[*event](eventFactory{}),
		logiface.WithEventReleaser[*event](eventReleaser{}),
		logiface.WithWriter[*event](logiface.WriterFunc[*event](w.Write)),
	)
	return base.Logger()
}

// NoOp returns a Logger that never writes anything, for callers that don't
// configure a sink explicitly. Safe() below is the normal way to obtain one
// of these from a possibly-nil *Logger. Leaving the writer unconfigured makes
// every Logger method a guaranteed no-op (canWrite() is false), so no event
// factory is needed either.
func NoOp() *Logger {
	return logiface.New[logiface.Event]().Logger()
}

// Safe returns l if non-nil, else a no-op logger, so call sites never need a
// nil check before l.Debug()/.Info()/etc.
func Safe(l *Logger) *Logger {
	if l != nil {
		return l
	}
	return NoOp()
}
