package engine

import (
	"context"
	"errors"
	"io"
	"sync"
)

var (
	ErrNoProvider = errors.New("no generation provider configured")
	ErrEmptyInput = errors.New("input text is required")
)

// EventKind discriminates the events of a generation feed
type EventKind int

const (
	EventTextDelta EventKind = iota
	EventToolCall
	EventToolResult
	EventFinish
)

func (k EventKind) String() string {
	switch k {
	case EventTextDelta:
		return "text-delta"
	case EventToolCall:
		return "tool-call"
	case EventToolResult:
		return "tool-result"
	case EventFinish:
		return "finish"
	}
	return "unknown"
}

// Event is one typed element of a generation feed. Text is set for
// text deltas, ToolName for tool calls and results.
type Event struct {
	Kind     EventKind
	Text     string
	ToolName string
}

// Request is a single generation invocation
type Request struct {
	UserID    string
	SessionID string
	Input     string
}

// Stream is the sequential feed of one invocation. Recv blocks until the
// next event and returns io.EOF once the feed is exhausted. FinalText
// resolves the aggregated reply after the feed ends.
type Stream interface {
	Recv() (Event, error)
	FinalText() (string, error)
	Close()
}

// Engine starts generation invocations
type Engine interface {
	Name() string
	Stream(ctx context.Context, req Request) (Stream, error)
}

// produceFunc generates a feed by calling emit for each event and returns
// the aggregated final text
type produceFunc func(ctx context.Context, emit func(Event) error) (string, error)

// pipeStream runs a producer in its own goroutine and hands its events to
// the consumer one at a time.
type pipeStream struct {
	events chan Event
	done   chan struct{}
	cancel context.CancelFunc

	mu    sync.Mutex
	final string
	err   error
}

func newPipeStream(parent context.Context, produce produceFunc) *pipeStream {
	ctx, cancel := context.WithCancel(parent)
	s := &pipeStream{
		events: make(chan Event),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	emit := func(ev Event) error {
		select {
		case s.events <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	go func() {
		defer close(s.done)
		defer close(s.events)
		final, err := produce(ctx, emit)
		s.mu.Lock()
		s.final, s.err = final, err
		s.mu.Unlock()
	}()
	return s
}

func (s *pipeStream) Recv() (Event, error) {
	ev, ok := <-s.events
	if ok {
		return ev, nil
	}
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Event{}, s.err
	}
	return Event{}, io.EOF
}

func (s *pipeStream) FinalText() (string, error) {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final, s.err
}

// Close abandons the feed and releases the producer
func (s *pipeStream) Close() {
	s.cancel()
}
