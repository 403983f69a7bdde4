package server

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/NicolasHaas/roomchat/pkg/model"
)

// EventSink receives event records from the server core.
type EventSink interface {
	RecordEvent(ctx context.Context, ev model.Event) error
}

// MultiSink fans an event out to every sink. All sinks are called even if
// one fails; the errors are joined.
type MultiSink []EventSink

// RecordEvent implements EventSink.
func (m MultiSink) RecordEvent(ctx context.Context, ev model.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Feed delivers events to live subscribers (the /events stream).
// Delivery never blocks: a subscriber whose buffer is full misses the event.
type Feed struct {
	mu     sync.Mutex
	subs   map[chan model.Event]struct{}
	buffer int
	closed bool

	dropped func()
}

// NewFeed creates a feed whose subscribers buffer up to buffer events.
func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 1
	}
	return &Feed{
		subs:   make(map[chan model.Event]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber. The returned cancel func removes it
// and closes the channel; it is safe to call more than once.
func (f *Feed) Subscribe() (<-chan model.Event, func()) {
	ch := make(chan model.Event, f.buffer)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if _, ok := f.subs[ch]; ok {
				delete(f.subs, ch)
				close(ch)
			}
		})
	}
}

// Subscribers returns the number of live subscribers.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// RecordEvent implements EventSink.
func (f *Feed) RecordEvent(_ context.Context, ev model.Event) error {
	ev.Members = slices.Clone(ev.Members)

	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
			if f.dropped != nil {
				f.dropped()
			}
		}
	}
	return nil
}

// Close closes every subscriber channel. Later subscriptions get a closed
// channel.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.subs {
		delete(f.subs, ch)
		close(ch)
	}
}

// emit routes an event: connection events go to the recording sinks when
// enabled, every event goes to the live feed.
func (s *Server) emit(ev model.Event) {
	if ev.Time.IsZero() {
		ev.Time = s.now()
	}
	if s.cfg.RecordEvents && !ev.Kind.IsRoomEvent() && len(s.sinks) > 0 {
		if err := s.sinks.RecordEvent(context.WithoutCancel(s.ctx), ev); err != nil {
			slog.Warn("record event failed", "event", ev.Kind, "conn", ev.ConnID, "err", err)
		}
	}
	_ = s.feed.RecordEvent(s.ctx, ev)
}
