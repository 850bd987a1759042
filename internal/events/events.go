// Package events publishes a record of every committed ledger operation.
// Publishing happens after commit and never affects the outcome of the
// operation that produced the event.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/streamflow/internal/amount"
	"github.com/R3E-Network/streamflow/internal/domain/stream"
	"github.com/R3E-Network/streamflow/internal/logging"
)

// EventType classifies a ledger event.
type EventType string

const (
	EventStreamCreated    EventType = "stream.created"
	EventStreamUpdated    EventType = "stream.updated"
	EventStreamPaused     EventType = "stream.paused"
	EventStreamResumed    EventType = "stream.resumed"
	EventStreamStopped    EventType = "stream.stopped"
	EventStreamDeposited  EventType = "stream.deposited"
	EventStreamWithdrawn  EventType = "stream.withdrawn"
	EventStreamLiquidated EventType = "stream.liquidated"
	EventVaultUpdated     EventType = "config.vault_updated"
)

// Event is a single ledger occurrence.
type Event struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	StreamID   uint64            `json:"stream_id,omitempty"`
	Actor      stream.ActorID    `json:"actor"`
	Amount     *amount.Amount    `json:"amount,omitempty"`
	Status     string            `json:"status,omitempty"`
	LedgerTime uint64            `json:"ledger_time"`
	Timestamp  time.Time         `json:"timestamp"`
	TraceID    string            `json:"trace_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// New builds an event stamped with a fresh id and the trace id in ctx.
func New(ctx context.Context, typ EventType, streamID uint64, actor stream.ActorID, ledgerTime uint64) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		StreamID:   streamID,
		Actor:      actor,
		LedgerTime: ledgerTime,
		Timestamp:  time.Now().UTC(),
		TraceID:    logging.GetTraceID(ctx),
	}
}

// WithAmount attaches an amount.
func (e Event) WithAmount(a amount.Amount) Event {
	e.Amount = &a
	return e
}

// WithStatus attaches the resulting stream status.
func (e Event) WithStatus(s stream.Status) Event {
	e.Status = s.String()
	return e
}

// WithMetadata attaches a key/value pair.
func (e Event) WithMetadata(key, value string) Event {
	m := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		m[k] = v
	}
	m[key] = value
	e.Metadata = m
	return e
}

// Encode renders the event as JSON.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events to a sink.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Multi fans an event out to several publishers.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
