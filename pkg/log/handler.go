package log

import (
	"context"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

const redactedValue = "[REDACTED]"

// levelFatal is the slog level carried by Fatal records.
const levelFatal = slog.LevelError + 4

var slogLevels = [...]slog.Level{
	DebugLevel: slog.LevelDebug,
	InfoLevel:  slog.LevelInfo,
	WarnLevel:  slog.LevelWarn,
	ErrorLevel: slog.LevelError,
	FatalLevel: levelFatal,
}

func toSlogLevel(level Level) slog.Level {
	if level < DebugLevel || level > FatalLevel {
		return slog.LevelInfo
	}
	return slogLevels[level]
}

func fromSlogLevel(level slog.Level) Level {
	for l := FatalLevel; l > DebugLevel; l-- {
		if level >= slogLevels[l] {
			return l
		}
	}
	return DebugLevel
}

// entryHandler turns slog records into Entries for the logger's formatter
// and outputs. Attributes bound through WithAttrs are flattened once into
// bound.
type entryHandler struct {
	sink   *BaseLogger
	group  string
	bound  Fields
	redact map[string]bool
	sample *sampler
}

func newEntryHandler(sink *BaseLogger) *entryHandler {
	h := &entryHandler{sink: sink}
	if len(sink.redact) > 0 {
		h.redact = make(map[string]bool, len(sink.redact))
		for _, k := range sink.redact {
			h.redact[k] = true
		}
	}
	if sink.sampleThen > 0 {
		h.sample = &sampler{initial: uint64(max(sink.sampleInit, 0)), every: uint64(sink.sampleThen)}
	}
	return h
}

func (h *entryHandler) Enabled(_ context.Context, level slog.Level) bool {
	return fromSlogLevel(level) >= h.sink.GetLevel()
}

func (h *entryHandler) Handle(_ context.Context, r slog.Record) error {
	if h.sample != nil && r.Level < slog.LevelError && !h.sample.keep(r.Level, r.Message) {
		return nil
	}
	fields := make(Fields, len(h.bound)+r.NumAttrs())
	for k, v := range h.bound {
		fields[k] = v
	}
	r.Attrs(func(a slog.Attr) bool {
		h.flatten(fields, h.group, a)
		return true
	})
	entry := &Entry{
		Level:     fromSlogLevel(r.Level),
		Message:   r.Message,
		Fields:    fields,
		Timestamp: r.Time,
		Caller:    callerOf(r.PC),
	}
	out, err := h.sink.formatter.Format(entry)
	if err != nil {
		return err
	}
	for _, o := range h.sink.outputs {
		_ = o.Write(entry, out)
	}
	return nil
}

// flatten writes a into fields, expanding groups into dotted keys.
func (h *entryHandler) flatten(fields Fields, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	key := a.Key
	if prefix != "" && key != "" {
		key = prefix + "." + key
	} else if key == "" {
		key = prefix
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.flatten(fields, key, ga)
		}
		return
	}
	if key == "" {
		return
	}
	if h.redact[a.Key] {
		fields[key] = redactedValue
		return
	}
	fields[key] = a.Value.Any()
}

func (h *entryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	nh := *h
	nh.bound = make(Fields, len(h.bound)+len(attrs))
	for k, v := range h.bound {
		nh.bound[k] = v
	}
	for _, a := range attrs {
		h.flatten(nh.bound, h.group, a)
	}
	return &nh
}

func (h *entryHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	if h.group != "" {
		name = h.group + "." + name
	}
	nh.group = name
	return &nh
}

// callerOf renders pc as dir/file.go:line.
func callerOf(pc uintptr) string {
	if pc == 0 {
		return ""
	}
	f, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if f.File == "" {
		return ""
	}
	dir, file := filepath.Split(f.File)
	return filepath.Join(filepath.Base(dir), file) + ":" + strconv.Itoa(f.Line)
}

// sampler passes the first initial records of each level and message, then
// every every-th one.
type sampler struct {
	initial uint64
	every   uint64
	counts  sync.Map // string -> *atomic.Uint64
}

func (s *sampler) keep(level slog.Level, msg string) bool {
	key := level.String() + "|" + msg
	c, ok := s.counts.Load(key)
	if !ok {
		c, _ = s.counts.LoadOrStore(key, new(atomic.Uint64))
	}
	n := c.(*atomic.Uint64).Add(1) - 1
	if n < s.initial {
		return true
	}
	return (n-s.initial)%s.every == 0
}

func attrsOf(fields []Field) []slog.Attr {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]slog.Attr, len(fields))
	for i, f := range fields {
		attrs[i] = slog.Any(f.Key, f.Value)
	}
	return attrs
}
