package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/streamflow/internal/amount"
	"github.com/R3E-Network/streamflow/internal/domain/stream"
	"github.com/R3E-Network/streamflow/internal/logging"
)

func sampleEvent() Event {
	ctx := logging.WithTraceID(context.Background(), "trace-7")
	return New(ctx, EventStreamWithdrawn, 3, "bob", 1100).
		WithAmount(amount.New(1000)).
		WithStatus(stream.StatusActive)
}

func TestNewEvent(t *testing.T) {
	e := sampleEvent()
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "trace-7", e.TraceID)
	assert.Equal(t, "active", e.Status)

	data, err := e.Encode()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "stream.withdrawn", decoded["type"])
	assert.Equal(t, "1000", decoded["amount"])
}

func TestWithMetadataDoesNotAlias(t *testing.T) {
	a := sampleEvent().WithMetadata("k", "1")
	b := a.WithMetadata("k", "2")
	assert.Equal(t, "1", a.Metadata["k"])
	assert.Equal(t, "2", b.Metadata["k"])
}

type fakeAdder struct {
	args []*redis.XAddArgs
	err  error
}

func (f *fakeAdder) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	return redis.NewStringResult("1-0", f.err)
}

func TestRedisPublisher(t *testing.T) {
	adder := &fakeAdder{}
	p := &RedisPublisher{adder: adder, stream: "streamflow:events", maxLen: 1000}

	require.NoError(t, p.Publish(context.Background(), sampleEvent()))
	require.Len(t, adder.args, 1)
	args := adder.args[0]
	assert.Equal(t, "streamflow:events", args.Stream)
	assert.Equal(t, int64(1000), args.MaxLen)
	assert.True(t, args.Approx)

	values := args.Values.(map[string]interface{})
	assert.Equal(t, "3", values["stream_id"])
	assert.Equal(t, "stream.withdrawn", values["type"])

	adder.err = errors.New("connection refused")
	assert.Error(t, p.Publish(context.Background(), sampleEvent()))
	assert.NoError(t, p.Close())
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}

	require.NoError(t, p.Publish(context.Background(), sampleEvent()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "3", string(w.msgs[0].Key))
	assert.Equal(t, "type", w.msgs[0].Headers[0].Key)

	var decoded Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, EventStreamWithdrawn, decoded.Type)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

type slowPublisher struct {
	mu   sync.Mutex
	seen []EventType
	fail bool
}

func (s *slowPublisher) Publish(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, e.Type)
	if s.fail {
		return errors.New("sink down")
	}
	return nil
}

func (s *slowPublisher) Close() error { return nil }

func TestAsyncPublisherDrainsOnClose(t *testing.T) {
	sink := &slowPublisher{fail: true}
	p := NewAsyncPublisher(sink, 1, logging.NewDiscard())

	for _, typ := range []EventType{EventStreamCreated, EventStreamPaused, EventStreamResumed} {
		require.NoError(t, p.Publish(context.Background(), New(context.Background(), typ, 1, "a", 0)))
	}
	require.NoError(t, p.Close())

	assert.Equal(t, []EventType{EventStreamCreated, EventStreamPaused, EventStreamResumed}, sink.seen)
	assert.Error(t, p.Publish(context.Background(), sampleEvent()))
	assert.NoError(t, p.Close())
}

func TestMultiAndRecorder(t *testing.T) {
	r1, r2 := &Recorder{}, &Recorder{}
	m := Multi{r1, r2, Nop{}}

	require.NoError(t, m.Publish(context.Background(), sampleEvent()))
	assert.Equal(t, []EventType{EventStreamWithdrawn}, r1.Types())
	assert.Len(t, r2.Events(), 1)
	assert.NoError(t, m.Close())
}

func TestLogPublisher(t *testing.T) {
	p := NewLogPublisher(logging.NewDiscard())
	assert.NoError(t, p.Publish(context.Background(), sampleEvent()))
	assert.NoError(t, p.Close())
}
