package events

import (
	"context"
	"sync"
)

// Subscription is a lazy ordered sequence of events on one channel.
// Events are read from C; the channel is closed when the subscription
// terminates (unsubscribed, broker closed, buffer overflow, or a terminal
// replay error). Delivery to a live subscriber is at-most-once: after an
// overflow the consumer must resubscribe with its last observed cursor.
type Subscription struct {
	broker  *Broker
	channel string

	live chan *Event // fed by Broker.Publish, bounded
	out  chan *Event // consumed by the caller

	mu     sync.Mutex
	closed bool

	err error
}

func newSubscription(b *Broker, channel string, buffer int) *Subscription {
	return &Subscription{
		broker:  b,
		channel: channel,
		live:    make(chan *Event, buffer),
		out:     make(chan *Event),
	}
}

// C returns the event channel.
func (s *Subscription) C() <-chan *Event {
	return s.out
}

// Channel returns the subscribed channel name.
func (s *Subscription) Channel() string {
	return s.channel
}

// Err returns the terminal error, if the subscription ended abnormally.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes and releases the subscription.
func (s *Subscription) Close() {
	s.broker.unsubscribe(s)
	s.terminate()
}

// push delivers a live event without blocking. Returns false when the buffer
// is full, in which case the broker drops the subscription.
func (s *Subscription) push(event *Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.live <- event:
		return true
	default:
		s.closed = true
		close(s.live)
		return false
	}
}

// terminate closes the live feed; pump drains and then closes out.
func (s *Subscription) terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.live)
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.broker.unsubscribe(s)
	s.terminate()
}

// pump replays persisted events (when requested) and then forwards live
// events, skipping any already delivered during replay.
func (s *Subscription) pump(ctx context.Context, fromCursor *Cursor, history int) {
	defer close(s.out)

	var last Cursor
	delivered := false

	deliver := func(event *Event) bool {
		select {
		case s.out <- event:
			last = event.Cursor()
			delivered = true
			return true
		case <-ctx.Done():
			s.fail(ctx.Err())
			return false
		}
	}

	switch {
	case fromCursor != nil:
		cursor := *fromCursor
		for {
			page, err := s.broker.repo.ListAfter(ctx, s.channel, cursor, replayPageSize)
			if err != nil {
				s.fail(err)
				return
			}
			for _, event := range page {
				if !deliver(event) {
					return
				}
			}
			if len(page) < replayPageSize {
				break
			}
			cursor = last
		}
	case history > 0:
		page, err := s.broker.repo.ListLast(ctx, s.channel, history)
		if err != nil {
			s.fail(err)
			return
		}
		for _, event := range page {
			if !deliver(event) {
				return
			}
		}
	}

	for event := range s.live {
		// Skip events already delivered from storage during replay.
		if delivered && !last.Before(event.Cursor()) {
			continue
		}
		if !deliver(event) {
			return
		}
	}
}
