// Package notify delivers lifecycle notifications to connected consumers.
// The outbox worker is the only producer; the publisher behind it is
// pluggable so tests and headless deployments can run without sockets.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rampline/settlecore/internal/storage/relationaldb"
)

// Publisher pushes one staged envelope to the outside world. Publish must be
// safe for concurrent use; the outbox worker may run several drains.
type Publisher interface {
	Publish(ctx context.Context, env *relationaldb.Envelope) error
	Close() error
}

// Frame is the wire shape pushed to consumers. Key deduplicates redelivered
// envelopes: the outbox retries on ambiguous failures, so consumers may see
// the same (event, order, version) more than once.
type Frame struct {
	Key       string          `json:"key"`
	EventType string          `json:"eventType"`
	OrderID   string          `json:"orderId"`
	Payload   json.RawMessage `json:"payload"`
}

// FrameFor builds the wire frame of one envelope.
func FrameFor(env *relationaldb.Envelope) (*Frame, error) {
	var payload struct {
		OrderVersion int64 `json:"orderVersion"`
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, fmt.Errorf("malformed envelope payload: %w", err)
	}

	return &Frame{
		Key:       fmt.Sprintf("%s:%s:%d", env.EventType, env.OrderID, payload.OrderVersion),
		EventType: env.EventType,
		OrderID:   env.OrderID.String(),
		Payload:   env.Payload,
	}, nil
}

// NoOpPublisher drops every envelope. Used when no consumer surface is
// configured.
type NoOpPublisher struct{}

// NewNoOpPublisher creates a publisher that discards everything.
func NewNoOpPublisher() *NoOpPublisher { return &NoOpPublisher{} }

// Publish discards the envelope.
func (p *NoOpPublisher) Publish(context.Context, *relationaldb.Envelope) error { return nil }

// Close is a no-op.
func (p *NoOpPublisher) Close() error { return nil }

var _ Publisher = (*NoOpPublisher)(nil)
