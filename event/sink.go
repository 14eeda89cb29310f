package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// SinkStreamName is the JetStream stream that mirrors bus events.
	SinkStreamName = "PROBELINE_EVENTS"
	// sinkSubjectPrefix is the subject prefix for mirrored events.
	sinkSubjectPrefix = "probeline.events."
)

// Sink mirrors a workflow's event stream into NATS JetStream as a
// durable audit log. Writes are idempotent: the message id is the
// workflow id plus sequence number, so replays after a crash deduplicate
// inside the stream's duplicate window.
type Sink struct {
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSink creates a sink over an established NATS connection and ensures
// the backing stream exists.
func NewSink(ctx context.Context, nc *nats.Conn, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        SinkStreamName,
		Description: "Durable mirror of workflow event streams",
		Subjects:    []string{sinkSubjectPrefix + ">"},
		Storage:     jetstream.FileStorage,
		Duplicates:  2 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", SinkStreamName, err)
	}

	return &Sink{js: js, logger: logger}, nil
}

// Mirror consumes a subscription and writes every event to JetStream.
// It returns when the subscription ends or the context is cancelled.
// Write failures are logged and skipped; the audit log is best-effort
// and must never stall the workflow.
func (s *Sink) Mirror(ctx context.Context, workflowID string, sub *Subscription) {
	defer sub.Close()

	subject := sinkSubjectPrefix + workflowID
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-sub.Events():
			if !ok {
				return
			}
			if item.Lagged > 0 {
				s.logger.Warn("Audit sink lagged, events missing from mirror",
					"workflow_id", workflowID,
					"dropped", item.Lagged)
			}
			if err := s.write(ctx, subject, item.Event); err != nil {
				s.logger.Warn("Failed to mirror event",
					"workflow_id", workflowID,
					"seq", item.Event.Seq,
					"error", err)
			}
		}
	}
}

func (s *Sink) write(ctx context.Context, subject string, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set("Nats-Msg-Id", fmt.Sprintf("%s.%d", e.WorkflowID, e.Seq))

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := s.js.PublishMsg(pubCtx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}
