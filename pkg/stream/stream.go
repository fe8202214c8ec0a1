// Package stream provides the channel-like event sink used by the runtime
// and tools to surface progress. Sinks are bounded; a slow subscriber drops
// events rather than blocking the scheduler.
package stream

import (
	"sync"
	"time"
)

// Event is a single published item.
type Event struct {
	Channel string `json:"channel"`
	TS      int64  `json:"ts"`
	Payload any    `json:"payload"`
}

// Sink receives events from the run.
type Sink interface {
	Emit(channel string, payload any)
	Close()
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Emit(string, any) {}
func (NopSink) Close()           {}

// BufferedSink fans events out to per-channel bounded buffers. Subscribers
// read from a channel; when a buffer is full the event is counted as dropped.
type BufferedSink struct {
	mu       sync.Mutex
	buffers  map[string]chan Event
	drops    map[string]int
	capacity int
	closed   bool
	clock    func() time.Time
}

// NewBufferedSink creates a sink whose per-channel buffers hold capacity
// events.
func NewBufferedSink(capacity int) *BufferedSink {
	if capacity <= 0 {
		capacity = 64
	}
	return &BufferedSink{
		buffers:  make(map[string]chan Event),
		drops:    make(map[string]int),
		capacity: capacity,
		clock:    time.Now,
	}
}

// Subscribe returns the receive side of a channel's buffer, creating it on
// first use.
func (s *BufferedSink) Subscribe(channel string) <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufferLocked(channel)
}

func (s *BufferedSink) bufferLocked(channel string) chan Event {
	buf, ok := s.buffers[channel]
	if !ok {
		buf = make(chan Event, s.capacity)
		s.buffers[channel] = buf
	}
	return buf
}

// Emit publishes without blocking; full buffers drop.
func (s *BufferedSink) Emit(channel string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	event := Event{Channel: channel, TS: s.clock().UnixMilli(), Payload: payload}
	select {
	case s.bufferLocked(channel) <- event:
	default:
		s.drops[channel]++
	}
}

// Drops returns the number of dropped events for a channel.
func (s *BufferedSink) Drops(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops[channel]
}

// Close closes all channel buffers. Further emits are ignored.
func (s *BufferedSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, buf := range s.buffers {
		close(buf)
	}
}
