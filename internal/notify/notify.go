// Package notify is the fire-and-forget sink for transient user-facing
// messages about cart mutations.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Level classifies a notification.
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notification is one transient message.
type Notification struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// Notifier shows a transient message. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Func adapts a function to a Notifier.
type Func func(ctx context.Context, n Notification)

// Notify calls f.
func (f Func) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// Logger writes notifications to slog: errors at warn, the rest at info.
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates a slog-backed notifier.
func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger}
}

// Notify logs n.
func (l *Logger) Notify(ctx context.Context, n Notification) {
	level := slog.LevelInfo
	if n.Level == LevelError {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, n.Message, slog.String("notification", string(n.Level)))
}

// Recorder keeps every notification in memory. Used by tests and by the
// daemon to relay notifications to event-stream clients.
type Recorder struct {
	mu  sync.Mutex
	all []Notification
}

// Notify appends n.
func (r *Recorder) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, n)
}

// All returns a copy of everything recorded so far.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.all))
	copy(out, r.all)
	return out
}

// Multi fans a notification out to several notifiers in order.
type Multi []Notifier

// Notify calls every notifier.
func (m Multi) Notify(ctx context.Context, n Notification) {
	for _, nt := range m {
		nt.Notify(ctx, n)
	}
}

var (
	_ Notifier = Func(nil)
	_ Notifier = (*Logger)(nil)
	_ Notifier = (*Recorder)(nil)
	_ Notifier = Multi(nil)
)
