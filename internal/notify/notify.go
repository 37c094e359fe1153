// Package notify delivers operator notifications about publish progress.
//
// Delivery is best-effort. A Notifier never returns an error and never fails
// the pipeline; sinks log delivery problems and move on.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Level orders events by importance. Sinks may drop events below a minimum.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	default:
		return "error"
	}
}

// ParseLevel maps a level name to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Event types.
const (
	KindRun        = "run"
	KindTransition = "transition"
)

// Event is one notification.
type Event struct {
	Time        time.Time `json:"time"`
	Level       Level     `json:"-"`
	Kind        string    `json:"kind"`
	RunID       string    `json:"runId,omitempty"`
	Asset       string    `json:"asset,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	State       string    `json:"state,omitempty"`
	Message     string    `json:"message"`
	Code        int       `json:"code,omitempty"`
	CreationID  string    `json:"creationId,omitempty"`
	PublishedID string    `json:"publishedId,omitempty"`
}

// Text renders the event for a human reader.
func (e Event) Text() string {
	var b strings.Builder
	switch e.Level {
	case LevelError:
		b.WriteString("❌ ")
	case LevelWarn:
		b.WriteString("⚠️ ")
	}
	if e.Platform != "" {
		fmt.Fprintf(&b, "[%s] ", e.Platform)
	}
	b.WriteString(e.Message)
	if e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	return b.String()
}

// Notifier receives events.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, e Event)

func (f Func) Notify(ctx context.Context, e Event) { f(ctx, e) }

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Multi fans an event out to every sink in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, e)
		}
	}
}

// Filter drops events below Min before passing them to Next.
type Filter struct {
	Min  Level
	Next Notifier
}

func (f Filter) Notify(ctx context.Context, e Event) {
	if e.Level < f.Min {
		return
	}
	f.Next.Notify(ctx, e)
}
