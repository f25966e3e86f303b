// Package pulse exposes the analytics sink used by the scout pipeline. Events
// are queued into a bounded local buffer and drained by a single background
// goroutine that publishes envelopes to a Pulse stream over Redis. Emitting is
// non-blocking: when the buffer is full the event is dropped rather than
// stalling a run.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"goa.design/clue/log"

	"goa.design/scout/features/analytics/pulse/clients/pulse"
	"goa.design/scout/runtime/analytics"
)

type (
	// envelope wraps events for transmission over the stream.
	envelope struct {
		analytics.Event
		Timestamp time.Time `json:"timestamp"`
	}

	// Options configures the sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// StreamName is the target stream. Defaults to "scout/analytics".
		StreamName string
		// BufferSize bounds the local queue. Defaults to 256.
		BufferSize int
	}

	// Sink buffers and publishes analytics events. Safe for concurrent Emit.
	Sink struct {
		stream  pulse.Stream
		queue   chan envelope
		dropped atomic.Int64

		closeOnce sync.Once
		done      chan struct{}
	}
)

const (
	defaultStreamName = "scout/analytics"
	defaultBufferSize = 256
)

// NewSink constructs the sink and starts its drain goroutine. The Client field
// in opts is required.
func NewSink(ctx context.Context, opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.StreamName
	if name == "" {
		name = defaultStreamName
	}
	size := opts.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	stream, err := opts.Client.Stream(name)
	if err != nil {
		return nil, err
	}
	s := &Sink{
		stream: stream,
		queue:  make(chan envelope, size),
		done:   make(chan struct{}),
	}
	go s.drain(ctx)
	return s, nil
}

// Emit queues the event for publication. It never blocks; events are dropped
// when the buffer is full.
func (s *Sink) Emit(event analytics.Event) {
	env := envelope{Event: event, Timestamp: time.Now().UTC()}
	select {
	case s.queue <- env:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded due to a full buffer.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Close stops the drain goroutine after flushing queued events.
func (s *Sink) Close() {
	s.closeOnce.Do(func() { close(s.queue) })
	<-s.done
}

func (s *Sink) drain(ctx context.Context) {
	defer close(s.done)
	for env := range s.queue {
		payload, err := json.Marshal(env)
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "analytics marshal failed"},
				log.KV{K: "event", V: env.Name})
			continue
		}
		if _, err := s.stream.Add(ctx, env.Name, payload); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "analytics publish failed"},
				log.KV{K: "event", V: env.Name})
		}
	}
}
