package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-contrib/sse"
)

// EventKind tags a push event
type EventKind string

const (
	EventSearchStart    EventKind = "search_start"
	EventSearchComplete EventKind = "search_complete"
	EventStage1Init     EventKind = "stage1_init"
	EventModelResult    EventKind = "model_result"
	EventStage1Complete EventKind = "stage1_complete"
	EventStage2Init     EventKind = "stage2_init"
	EventStage2Skipped  EventKind = "stage2_skipped"
	EventRankingResult  EventKind = "ranking_result"
	EventStage2Complete EventKind = "stage2_complete"
	EventStage3Init     EventKind = "stage3_init"
	EventStage3Complete EventKind = "stage3_complete"
	EventTitleComplete  EventKind = "title_complete"
	EventComplete       EventKind = "complete"
	EventError          EventKind = "error"
	EventCancelled      EventKind = "cancelled"
)

// Terminal reports whether the event ends the stream
func (k EventKind) Terminal() bool {
	return k == EventComplete || k == EventError || k == EventCancelled
}

// StageEvent is one unit of the push protocol
type StageEvent struct {
	Index   int       `json:"index"`
	Kind    EventKind `json:"type"`
	Stage   int       `json:"stage,omitempty"`
	Payload any       `json:"data,omitempty"`
}

// EventSink receives events in emission order.
// A Send error means the caller is gone.
type EventSink interface {
	Send(event StageEvent) error
}

// SinkFunc adapts a function to the EventSink interface
type SinkFunc func(event StageEvent) error

// Send calls f
func (f SinkFunc) Send(event StageEvent) error {
	return f(event)
}

// Emitter numbers events and forwards them to a sink until a terminal event.
// It is used from the orchestrating goroutine only.
type Emitter struct {
	sink     EventSink
	logger   ModelLogger
	next     int
	closed   bool
	detached bool
	onDetach func()
}

// NewEmitter creates an emitter; onDetach is called once if the sink fails
func NewEmitter(sink EventSink, logger ModelLogger, onDetach func()) *Emitter {
	if logger == nil {
		logger = NopLogger{}
	}
	return &Emitter{sink: sink, logger: logger, onDetach: onDetach}
}

// Emit appends an event to the stream. Events after a terminal event are dropped.
func (e *Emitter) Emit(kind EventKind, stage int, payload any) {
	if e.closed {
		return
	}

	event := StageEvent{Index: e.next, Kind: kind, Stage: stage, Payload: payload}
	e.next++
	if kind.Terminal() {
		e.closed = true
	}

	e.logger.LogStageEvent(kind, payload)

	if e.detached || e.sink == nil {
		return
	}
	if err := e.sink.Send(event); err != nil {
		log.Printf("Event sink failed at %s #%d, detaching: %v", kind, event.Index, err)
		e.detached = true
		if e.onDetach != nil {
			e.onDetach()
		}
	}
}

// Closed reports whether a terminal event was emitted
func (e *Emitter) Closed() bool {
	return e.closed
}

// Count returns the number of events emitted so far
func (e *Emitter) Count() int {
	return e.next
}

// ChannelSink delivers events on a channel until ctx is done
type ChannelSink struct {
	ctx context.Context
	ch  chan<- StageEvent
}

// NewChannelSink creates a sink writing to ch
func NewChannelSink(ctx context.Context, ch chan<- StageEvent) *ChannelSink {
	return &ChannelSink{ctx: ctx, ch: ch}
}

// Send implements EventSink
func (s *ChannelSink) Send(event StageEvent) error {
	select {
	case s.ch <- event:
		return nil
	default:
	}
	select {
	case s.ch <- event:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// RecorderSink keeps every event in memory
type RecorderSink struct {
	mu     sync.Mutex
	events []StageEvent
	// OnEvent, when set, runs after each event is recorded
	OnEvent func(event StageEvent)
}

// Send implements EventSink
func (r *RecorderSink) Send(event StageEvent) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()

	if r.OnEvent != nil {
		r.OnEvent(event)
	}
	return nil
}

// Events returns a copy of the recorded events
func (r *RecorderSink) Events() []StageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := make([]StageEvent, len(r.events))
	copy(events, r.events)
	return events
}

// Kinds returns the recorded event kinds in order
func (r *RecorderSink) Kinds() []EventKind {
	events := r.Events()
	kinds := make([]EventKind, len(events))
	for i, event := range events {
		kinds[i] = event.Kind
	}
	return kinds
}

// SSESink writes each event as a Server-Sent Event and flushes it
type SSESink struct {
	w io.Writer
}

// NewSSESink creates a sink writing to w
func NewSSESink(w io.Writer) *SSESink {
	return &SSESink{w: w}
}

// Send implements EventSink
func (s *SSESink) Send(event StageEvent) error {
	err := sse.Encode(s.w, sse.Event{
		Id:    strconv.Itoa(event.Index),
		Event: string(event.Kind),
		Data:  event,
	})
	if err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	if flusher, ok := s.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}
