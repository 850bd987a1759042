package events

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/streamflow/internal/logging"
)

// =============================================================================
// Log
// =============================================================================

// LogPublisher writes events to the structured log.
type LogPublisher struct {
	logger *logging.Logger
}

func NewLogPublisher(logger *logging.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	fields := logrus.Fields{
		"event_id":   e.ID,
		"event_type": e.Type,
		"stream_id":  e.StreamID,
		"actor":      e.Actor,
	}
	if e.Amount != nil {
		fields["amount"] = e.Amount.String()
	}
	if e.Status != "" {
		fields["status"] = e.Status
	}
	p.logger.WithContext(ctx).WithFields(fields).Info("Ledger event")
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// =============================================================================
// Redis stream
// =============================================================================

// streamAdder is the subset of the redis client used for publishing.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisPublisher appends events to a Redis stream with XADD.
type RedisPublisher struct {
	client redis.UniversalClient
	adder  streamAdder
	stream string
	maxLen int64
}

// NewRedisPublisher connects to addr and publishes to streamName, trimming
// the stream to roughly maxLen entries when maxLen > 0.
func NewRedisPublisher(addr, password string, db int, streamName string, maxLen int64) *RedisPublisher {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return &RedisPublisher{client: client, adder: client, stream: streamName, maxLen: maxLen}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := e.Encode()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"id":        e.ID,
			"type":      string(e.Type),
			"stream_id": strconv.FormatUint(e.StreamID, 10),
			"payload":   payload,
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.adder.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd %s: %w", p.stream, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

// =============================================================================
// Kafka
// =============================================================================

// messageWriter is the subset of kafka.Writer used for publishing.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic keyed by stream id, so all
// events of one stream land on the same partition in order.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher creates a publisher for topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := e.Encode()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(e.StreamID, 10)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
			{Key: "event_id", Value: []byte(e.ID)},
		},
		Time: e.Timestamp,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// =============================================================================
// Async
// =============================================================================

// AsyncPublisher hands events to a worker pool so that slow sinks never
// block the ledger. Delivery failures are logged and dropped.
type AsyncPublisher struct {
	next   Publisher
	pool   *workerpool.WorkerPool
	logger *logging.Logger

	mu     sync.RWMutex
	closed bool
}

// NewAsyncPublisher wraps next with a pool of workers. A single worker
// preserves publication order.
func NewAsyncPublisher(next Publisher, workers int, logger *logging.Logger) *AsyncPublisher {
	if workers <= 0 {
		workers = 1
	}
	return &AsyncPublisher{next: next, pool: workerpool.New(workers), logger: logger}
}

func (p *AsyncPublisher) Publish(ctx context.Context, e Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("publisher closed")
	}
	// Detach from the request context so delivery survives the response.
	traceCtx := logging.WithTraceID(context.Background(), logging.GetTraceID(ctx))
	p.pool.Submit(func() {
		if err := p.next.Publish(traceCtx, e); err != nil {
			p.logger.WithContext(traceCtx).WithError(err).WithField("event_type", e.Type).Warn("Event delivery failed")
		}
	})
	return nil
}

// Close drains queued events and closes the wrapped publisher.
func (p *AsyncPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.pool.StopWait()
	return p.next.Close()
}

// =============================================================================
// Memory
// =============================================================================

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the types of everything published so far.
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
