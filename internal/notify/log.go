package notify

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogSink writes every event to the global zerolog logger.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, e Event) {
	var evt *zerolog.Event
	switch e.Level {
	case LevelDebug:
		evt = log.Debug()
	case LevelInfo:
		evt = log.Info()
	case LevelWarn:
		evt = log.Warn()
	default:
		evt = log.Error()
	}
	evt.Str("kind", e.Kind).
		Str("runId", e.RunID).
		Str("asset", e.Asset).
		Str("platform", e.Platform).
		Str("state", e.State)
	if e.Code != 0 {
		evt.Int("errorCode", e.Code)
	}
	if e.CreationID != "" {
		evt.Str("creationId", e.CreationID)
	}
	if e.PublishedID != "" {
		evt.Str("publishedId", e.PublishedID)
	}
	evt.Msg(e.Message)
}
