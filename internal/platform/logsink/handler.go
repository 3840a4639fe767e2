package logsink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// TimeLayout is the timestamp format of job log lines.
const TimeLayout = "2006-01-02 15:04:05,000"

// FormatLine renders "[LEVEL] time : message" followed by key=value attrs.
func FormatLine(r slog.Record, attrs []slog.Attr) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(r.Level.String())
	b.WriteString("] ")
	b.WriteString(r.Time.Format(TimeLayout))
	b.WriteString(" : ")
	b.WriteString(r.Message)
	for _, a := range attrs {
		writeAttr(&b, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, "", a)
		return true
	})
	return b.String()
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(b, key, ga)
		}
		return
	}
	fmt.Fprintf(b, " %s=%v", key, a.Value.Any())
}

// lineHandler formats records as single lines and hands them to emit.
type lineHandler struct {
	level slog.Leveler
	emit  func(ctx context.Context, line string) error
	attrs []slog.Attr
	group string
}

func (h *lineHandler) Enabled(_ context.Context, level slog.Level) bool {
	threshold := slog.LevelInfo
	if h.level != nil {
		threshold = h.level.Level()
	}
	return level >= threshold
}

func (h *lineHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.group != "" {
		var grouped []slog.Attr
		r.Attrs(func(a slog.Attr) bool {
			grouped = append(grouped, a)
			return true
		})
		r = slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
		if len(grouped) > 0 {
			r.AddAttrs(slog.Attr{Key: h.group, Value: slog.GroupValue(grouped...)})
		}
	}
	return h.emit(ctx, FormatLine(r, h.attrs))
}

func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	if h.group != "" {
		attrs = []slog.Attr{{Key: h.group, Value: slog.GroupValue(attrs...)}}
	}
	c.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &c
}

func (h *lineHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	if c.group != "" {
		c.group += "." + name
	} else {
		c.group = name
	}
	return &c
}

// NewWriterHandler writes one formatted line per record to w.
func NewWriterHandler(w io.Writer, level slog.Leveler) slog.Handler {
	var mu sync.Mutex
	return &lineHandler{
		level: level,
		emit: func(_ context.Context, line string) error {
			mu.Lock()
			defer mu.Unlock()
			_, err := io.WriteString(w, line+"\n")
			return err
		},
	}
}

// NewPubSubHandler publishes one formatted line per record on channel.
func NewPubSubHandler(sink Sink, channel string, level slog.Leveler) slog.Handler {
	return &lineHandler{
		level: level,
		emit: func(ctx context.Context, line string) error {
			if ctx == nil {
				ctx = context.Background()
			}
			return sink.Publish(ctx, channel, line)
		},
	}
}

type fanoutHandler struct {
	handlers []slog.Handler
}

// Fanout returns a handler passing every record to each of handlers.
func Fanout(handlers ...slog.Handler) slog.Handler {
	var hs []slog.Handler
	for _, h := range handlers {
		if h != nil {
			hs = append(hs, h)
		}
	}
	return &fanoutHandler{handlers: hs}
}

func (f *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: hs}
}

func (f *fanoutHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &fanoutHandler{handlers: hs}
}
