// Package notify delivers user-facing outcome messages for queue operations.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Kind is the severity shown to the user.
type Kind string

const (
	KindSuccess Kind = "success"
	KindInfo    Kind = "info"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
)

// Notification is one toast-style message addressed to an owner.
type Notification struct {
	OwnerID uuid.UUID `json:"owner_id"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Kind    Kind      `json:"kind"`
	At      time.Time `json:"at"`
}

// Sink receives notifications. Implementations must not block for long.
type Sink interface {
	Notify(ctx context.Context, n Notification)
}

// LogSink writes notifications to the process log.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) Notify(_ context.Context, n Notification) {
	level := slog.LevelInfo
	switch n.Kind {
	case KindWarning:
		level = slog.LevelWarn
	case KindError:
		level = slog.LevelError
	}
	s.Log.Log(context.Background(), level, "notify", "owner_id", n.OwnerID, "title", n.Title, "message", n.Message, "kind", n.Kind)
}

// Multi fans a notification out to several sinks.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, n Notification) {
	for _, s := range m {
		if s != nil {
			s.Notify(ctx, n)
		}
	}
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Notify(context.Context, Notification) {}
