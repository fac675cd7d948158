package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quillhq/quill/internal/common/logger"
)

// DefaultSubscriberBuffer is the per-subscriber buffer size. A live
// subscriber that falls this many events behind is closed and must
// resubscribe with its last cursor.
const DefaultSubscriberBuffer = 50

const replayPageSize = 200

// Broker is a durable, channel-addressable event log with bounded live
// fan-out. Every published event is persisted before delivery; subscribers
// can replay from a cursor and transition to live delivery with no gap and
// no duplicate.
type Broker struct {
	repo   Repository
	logger *logger.Logger
	buffer int
	mirror Mirror // optional, nil when disabled

	mu      sync.Mutex
	subs    map[string]map[*Subscription]struct{}
	cursors map[string]Cursor // last assigned cursor per channel
	closed  bool
}

// Mirror receives a copy of every published event. Used to bridge events to
// an external transport (NATS); errors are logged, never propagated.
type Mirror interface {
	Forward(event *Event) error
}

// Option configures a Broker.
type Option func(*Broker)

// WithSubscriberBuffer overrides the per-subscriber buffer size.
func WithSubscriberBuffer(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithMirror attaches an external mirror for published events.
func WithMirror(m Mirror) Option {
	return func(b *Broker) { b.mirror = m }
}

// NewBroker creates a broker backed by the given repository.
func NewBroker(repo Repository, log *logger.Logger, opts ...Option) *Broker {
	b := &Broker{
		repo:    repo,
		logger:  log.WithFields(zap.String("component", "event_broker")),
		buffer:  DefaultSubscriberBuffer,
		subs:    make(map[string]map[*Subscription]struct{}),
		cursors: make(map[string]Cursor),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends one event to the channel. The broker assigns the id,
// timestamp, and a channel-local sequence such that the cursor strictly
// increases, persists the event, then pushes it to every live subscriber.
// Publish never blocks on slow subscribers. A persistence failure is
// returned to the caller; live fan-out still happens on a best-effort basis.
func (b *Broker) Publish(ctx context.Context, channel, eventType string, payload map[string]any) (*Event, error) {
	event := NewEvent(channel, eventType, payload)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("event broker is closed")
	}

	last, err := b.lastCursorLocked(ctx, channel)
	if err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("failed to load channel cursor: %w", err)
	}

	event.Timestamp = time.Now().UnixMilli()
	if event.Timestamp < last.Timestamp {
		event.Timestamp = last.Timestamp
	}
	event.Sequence = last.Sequence + 1
	b.cursors[channel] = event.Cursor()

	persistErr := b.repo.Append(ctx, event)

	// Fan out under the lock so registration order matches delivery order.
	for sub := range b.subs[channel] {
		if !sub.push(event) {
			delete(b.subs[channel], sub)
			b.logger.Warn("Dropping slow subscriber",
				zap.String("channel", channel),
				zap.Int("buffer", b.buffer))
		}
	}
	b.mu.Unlock()

	if b.mirror != nil {
		if err := b.mirror.Forward(event); err != nil {
			b.logger.Warn("Event mirror failed", zap.String("channel", channel), zap.Error(err))
		}
	}

	if persistErr != nil {
		return event, fmt.Errorf("failed to persist event: %w", persistErr)
	}

	b.logger.Debug("Published event",
		zap.String("channel", channel),
		zap.String("event_type", eventType),
		zap.String("cursor", event.Cursor().String()))
	return event, nil
}

// lastCursorLocked returns the last assigned cursor for channel, loading it
// from storage the first time the channel is seen.
func (b *Broker) lastCursorLocked(ctx context.Context, channel string) (Cursor, error) {
	if cur, ok := b.cursors[channel]; ok {
		return cur, nil
	}
	cur, err := b.repo.LastCursor(ctx, channel)
	if err != nil {
		return Cursor{}, err
	}
	b.cursors[channel] = cur
	return cur, nil
}

// Subscribe returns a subscription delivering events on the channel. When
// fromCursor is non-nil, every persisted event strictly after the cursor is
// replayed first, then delivery transitions to live events with no gap and
// no duplicate. With a nil cursor only live events are delivered.
func (b *Broker) Subscribe(ctx context.Context, channel string, fromCursor *Cursor) (*Subscription, error) {
	return b.subscribe(ctx, channel, fromCursor, 0)
}

// SubscribeWithHistory fetches the most recent n persisted events, yields
// them in order, then continues live.
func (b *Broker) SubscribeWithHistory(ctx context.Context, channel string, n int) (*Subscription, error) {
	return b.subscribe(ctx, channel, nil, n)
}

func (b *Broker) subscribe(ctx context.Context, channel string, fromCursor *Cursor, history int) (*Subscription, error) {
	sub := newSubscription(b, channel, b.buffer)

	// Register before reading storage: events published during replay land
	// in the live buffer and are deduplicated by cursor on handoff.
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("event broker is closed")
	}
	if _, ok := b.subs[channel]; !ok {
		b.subs[channel] = make(map[*Subscription]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump(ctx, fromCursor, history)
	return sub, nil
}

// unsubscribe removes the subscription from the broker's bookkeeping.
func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subs[sub.channel]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subs, sub.channel)
		}
	}
}

// ChannelInfo summarizes one channel's live and persisted state.
type ChannelInfo struct {
	Channel        string `json:"channel"`
	Subscribers    int    `json:"subscribers"`
	PersistedCount int64  `json:"persisted_count"`
	FirstEventID   string `json:"first_event_id,omitempty"`
	LastEventID    string `json:"last_event_id,omitempty"`
}

// Info returns the channel's subscriber count, persisted count, and bounds.
func (b *Broker) Info(ctx context.Context, channel string) (*ChannelInfo, error) {
	b.mu.Lock()
	subscribers := len(b.subs[channel])
	b.mu.Unlock()

	count, err := b.repo.Count(ctx, channel)
	if err != nil {
		return nil, err
	}
	firstID, lastID, err := b.repo.Bounds(ctx, channel)
	if err != nil {
		return nil, err
	}
	return &ChannelInfo{
		Channel:        channel,
		Subscribers:    subscribers,
		PersistedCount: count,
		FirstEventID:   firstID,
		LastEventID:    lastID,
	}, nil
}

// CleanupChannel deletes all but the most recent keepLast persisted events
// on the channel. In-memory buffers are unaffected.
func (b *Broker) CleanupChannel(ctx context.Context, channel string, keepLast int) (int64, error) {
	return b.repo.DeleteAllButLast(ctx, channel, keepLast)
}

// Channels returns the distinct persisted channel names.
func (b *Broker) Channels(ctx context.Context) ([]string, error) {
	return b.repo.Channels(ctx)
}

// SubscriberCount returns the number of live subscribers across all channels.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, subs := range b.subs {
		total += len(subs)
	}
	return total
}

// Close terminates every live subscription and rejects further publishes.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for channel, subs := range b.subs {
		for sub := range subs {
			sub.terminate()
		}
		delete(b.subs, channel)
	}
	b.logger.Info("Event broker closed")
}
