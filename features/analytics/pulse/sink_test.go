package pulse

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clientspulse "goa.design/scout/features/analytics/pulse/clients/pulse"
	"goa.design/scout/runtime/analytics"
)

type fakeStream struct {
	mu       sync.Mutex
	events   []string
	payloads [][]byte
	block    chan struct{}
}

func (f *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	f.payloads = append(f.payloads, payload)
	return "id", nil
}

func (f *fakeStream) added() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	copy(out, f.events)
	return out
}

type fakeClient struct {
	stream *fakeStream
	name   string
}

func (f *fakeClient) Stream(name string) (clientspulse.Stream, error) {
	f.name = name
	return f.stream, nil
}

func (f *fakeClient) Close(context.Context) error { return nil }

func TestSinkPublishes(t *testing.T) {
	stream := &fakeStream{}
	sink, err := NewSink(context.Background(), Options{Client: &fakeClient{stream: stream}})
	require.NoError(t, err)

	sink.Emit(analytics.Event{
		Name: analytics.EventRunCompleted, UserID: "u1", ScoutID: "s1", ExecutionID: "e1",
		Props: map[string]any{"task_status": "completed"},
	})
	sink.Close()

	require.Equal(t, []string{analytics.EventRunCompleted}, stream.added())
	var env struct {
		analytics.Event
		Timestamp time.Time `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(stream.payloads[0], &env))
	assert.Equal(t, "s1", env.ScoutID)
	assert.False(t, env.Timestamp.IsZero())
}

func TestSinkDefaultsStreamName(t *testing.T) {
	client := &fakeClient{stream: &fakeStream{}}
	sink, err := NewSink(context.Background(), Options{Client: client})
	require.NoError(t, err)
	sink.Close()
	assert.Equal(t, "scout/analytics", client.name)
}

func TestSinkDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	stream := &fakeStream{block: block}
	sink, err := NewSink(context.Background(), Options{
		Client:     &fakeClient{stream: stream},
		BufferSize: 1,
	})
	require.NoError(t, err)

	// Saturate the single-slot buffer plus the event the drain goroutine is
	// holding, then overflow.
	for i := 0; i < 10; i++ {
		sink.Emit(analytics.Event{Name: "n"})
	}
	assert.Positive(t, sink.Dropped())
	close(block)
	sink.Close()
}

func TestSinkRequiresClient(t *testing.T) {
	_, err := NewSink(context.Background(), Options{})
	assert.EqualError(t, err, "pulse client is required")
}
