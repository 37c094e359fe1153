package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog/log"
)

// EventSource and DetailType identify media-relay events on the bus.
const (
	EventSource = "media-relay"
	DetailType  = "MediaRelay Publish Event"
)

// PutEventsAPI is the subset of the EventBridge client in use.
type PutEventsAPI interface {
	PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgeSink publishes events to a bus so other systems can react to
// publish outcomes.
type EventBridgeSink struct {
	client PutEventsAPI
	bus    string
	min    Level
}

// NewEventBridgeSink publishes events at or above min to bus.
func NewEventBridgeSink(client PutEventsAPI, bus string, min Level) *EventBridgeSink {
	return &EventBridgeSink{client: client, bus: bus, min: min}
}

type eventDetail struct {
	Event
	Level string `json:"level"`
}

func (s *EventBridgeSink) Notify(ctx context.Context, e Event) {
	if e.Level < s.min {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	detail, err := json.Marshal(eventDetail{Event: e, Level: e.Level.String()})
	if err != nil {
		log.Warn().Err(err).Msg("EventBridge detail marshal failed")
		return
	}
	out, err := s.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []ebtypes.PutEventsRequestEntry{{
			EventBusName: aws.String(s.bus),
			Source:       aws.String(EventSource),
			DetailType:   aws.String(DetailType),
			Detail:       aws.String(string(detail)),
			Time:         aws.Time(e.Time),
		}},
	})
	if err != nil {
		log.Warn().Err(err).Str("bus", s.bus).Msg("EventBridge delivery failed")
		return
	}
	if out.FailedEntryCount > 0 && len(out.Entries) > 0 {
		log.Warn().
			Str("bus", s.bus).
			Str("errorCode", aws.ToString(out.Entries[0].ErrorCode)).
			Str("errorMessage", aws.ToString(out.Entries[0].ErrorMessage)).
			Msg("EventBridge rejected event")
	}
}
