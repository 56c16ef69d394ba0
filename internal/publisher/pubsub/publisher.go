// Package pubsub publishes one Pub/Sub message per terminal target outcome.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/crawler"
)

const publishTimeout = 10 * time.Second

// Event is the JSON payload of an outcome message.
type Event struct {
	RunID    string `json:"run_id"`
	TargetID string `json:"target_id"`
	Status   string `json:"status"`
	Path     string `json:"path,omitempty"`
	Attempts int    `json:"attempts"`
	Detail   string `json:"detail,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// Publisher wraps a Pub/Sub topic and implements crawler.OutcomeObserver.
type Publisher struct {
	topic  *pubsub.Topic
	runID  string
	logger *zap.Logger
}

// New creates a Publisher for the provided topic.
func New(topic *pubsub.Topic, runID string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{topic: topic, runID: runID, logger: logger}
}

// Open connects with Application Default Credentials and checks that the
// topic exists.
func Open(ctx context.Context, projectID, topicID, runID string, logger *zap.Logger) (*Publisher, *pubsub.Client, error) {
	if projectID == "" || topicID == "" {
		return nil, nil, crawler.NewError(crawler.KindConfiguration, "pubsub publisher", errors.New("publish.project_id and publish.topic are required"))
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, crawler.NewError(crawler.KindConfiguration, "create pubsub client", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil || !exists {
		_ = client.Close()
		if err == nil {
			err = fmt.Errorf("topic %q does not exist in project %q", topicID, projectID)
		}
		return nil, nil, crawler.NewError(crawler.KindConfiguration, "pubsub topic", err)
	}
	return New(topic, runID, logger), client, nil
}

// Publish marshals the outcome and waits for the server to accept it.
func (p *Publisher) Publish(ctx context.Context, outcome crawler.Outcome) (string, error) {
	if p.topic == nil {
		return "", fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(Event{
		RunID:    p.runID,
		TargetID: outcome.TargetID,
		Status:   string(outcome.Status),
		Path:     outcome.Path,
		Attempts: outcome.Attempts,
		Detail:   outcome.Detail,
		Checksum: outcome.Checksum,
	})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"run_id": p.runID,
			"status": string(outcome.Status),
		},
	}
	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Observe implements crawler.OutcomeObserver. Publish failures are logged.
func (p *Publisher) Observe(ctx context.Context, outcome crawler.Outcome) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	id, err := p.Publish(pubCtx, outcome)
	if err != nil {
		p.logger.Warn("outcome publish failed", zap.String("target", outcome.TargetID), zap.Error(err))
		return
	}
	p.logger.Debug("outcome published", zap.String("target", outcome.TargetID), zap.String("message_id", id))
}

// Stop flushes pending messages.
func (p *Publisher) Stop() {
	if p.topic != nil {
		p.topic.Stop()
	}
}
