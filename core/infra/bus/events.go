package bus

import (
	"context"
	"time"

	"github.com/cordum/jobgate/core/infra/logging"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// SubjectPrefix is the subject namespace for job lifecycle events.
const SubjectPrefix = "jobgate.job."

// Job lifecycle actions.
const (
	ActionSubmitted = "submitted"
	ActionStopped   = "stopped"
	ActionDeleted   = "deleted"
)

// EventPublisher announces job lifecycle changes made through the gateway.
type EventPublisher interface {
	PublishJobEvent(ctx context.Context, action, submissionID string, attrs map[string]any)
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) PublishJobEvent(context.Context, string, string, map[string]any) {}

type publisher interface {
	Publish(subject string, msg proto.Message) error
}

// NatsPublisher publishes events as structpb.Struct messages on jobgate.job.<action>.
// Publish failures are logged and dropped.
type NatsPublisher struct {
	bus     publisher
	session string
	now     func() time.Time
}

// NewNatsPublisher wraps a bus connection.
func NewNatsPublisher(b *NatsBus, session string) *NatsPublisher {
	return &NatsPublisher{bus: b, session: session, now: time.Now}
}

// Subject returns the subject an action is published on.
func Subject(action string) string {
	return SubjectPrefix + action
}

// BuildEvent assembles the event payload.
func BuildEvent(action, submissionID, session string, at time.Time, attrs map[string]any) (*structpb.Struct, error) {
	fields := map[string]any{
		"action":        action,
		"submission_id": submissionID,
		"session_name":  session,
		"timestamp":     at.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range attrs {
		if _, reserved := fields[k]; reserved {
			continue
		}
		fields[k] = v
	}
	return structpb.NewStruct(fields)
}

func (p *NatsPublisher) PublishJobEvent(ctx context.Context, action, submissionID string, attrs map[string]any) {
	if p == nil || p.bus == nil {
		return
	}
	if ctx != nil && ctx.Err() != nil {
		return
	}
	event, err := BuildEvent(action, submissionID, p.session, p.now(), attrs)
	if err != nil {
		logging.Warn("bus", "build job event", "action", action, "submission_id", submissionID, "error", err)
		return
	}
	if err := p.bus.Publish(Subject(action), event); err != nil {
		logging.Warn("bus", "publish job event", "action", action, "submission_id", submissionID, "error", err)
	}
}
