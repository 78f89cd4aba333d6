// Package logging wires a single zerolog.Logger for the whole process and
// keeps a bounded tail of recent structured records in memory so the admin
// REST surface can serve GET /api/logs?limit=N without re-reading files.
package logging

import (
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// New constructs the process logger. In development mode it writes a
// human-readable console stream; otherwise it writes line-delimited JSON
// to w (typically a rotated file opened by the caller).
func New(level string, development bool, w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = w
	if development {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Record is one structured log line captured by the ring buffer, in the
// shape the admin REST /api/logs endpoint returns.
type Record struct {
	Timestamp time.Time `json:"ts"`
	Level     string    `json:"level"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
}

// Ring is a fixed-capacity circular buffer of the most recent Records,
// written to from a zerolog hook so every component's logging
// automatically contributes to the admin tail with no extra call sites.
type Ring struct {
	mu       sync.Mutex
	buf      []Record
	capacity int
	next     int
	full     bool
}

// NewRing creates a Ring holding at most capacity records.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 500
	}
	return &Ring{buf: make([]Record, capacity), capacity: capacity}
}

// Push appends a record directly; used by WithComponent-wrapped loggers.
func (r *Ring) Push(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = rec
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.full = true
	}
}

// Tail returns up to limit most-recent records, oldest first.
func (r *Ring) Tail(limit int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []Record
	if r.full {
		ordered = append(ordered, r.buf[r.next:]...)
		ordered = append(ordered, r.buf[:r.next]...)
	} else {
		ordered = append(ordered, r.buf[:r.next]...)
	}
	if limit > 0 && limit < len(ordered) {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

// WithComponent returns a child logger scoped to component whose events are
// also pushed into ring, in addition to the normal log sink.
func WithComponent(base zerolog.Logger, ring *Ring, component string) zerolog.Logger {
	hook := recordHook{ring: ring, component: component}
	return base.With().Str("component", component).Logger().Hook(hook)
}

type recordHook struct {
	ring      *Ring
	component string
}

func (h recordHook) Run(e *zerolog.Event, level zerolog.Level, message string) {
	if h.ring == nil {
		return
	}
	h.ring.Push(Record{
		Timestamp: time.Now(),
		Level:     level.String(),
		Component: h.component,
		Message:   message,
	})
}
