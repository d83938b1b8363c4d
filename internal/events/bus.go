// Package events implements the in-process event bus: a single producer
// queue drained by one broadcast goroutine that fans events out to
// per-subscriber bounded queues. New subscribers first receive a replay of
// the bounded history, then live events in publication order.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/pkg/models"
	"github.com/rs/zerolog/log"
)

// Filter narrows which events a subscriber receives.
type Filter struct {
	EventTypes  []models.EventType
	MinSeverity models.Severity
}

// Matches reports whether an event passes the filter.
func (f Filter) Matches(ev models.SystemEvent) bool {
	if f.MinSeverity != "" && ev.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if ev.Type == t {
			return true
		}
	}
	return false
}

type subscriber struct {
	ch     chan models.SystemEvent
	filter Filter
	// dead is closed on unsubscribe. It wakes a dispatch blocked on a
	// full queue so the channel is never closed under a pending send.
	dead chan struct{}
}

// Bus is the broadcast event bus.
type Bus struct {
	producer chan models.SystemEvent

	mu          sync.Mutex
	history     []models.SystemEvent
	historySize int
	subscribers map[*subscriber]struct{}

	queueSize       int
	dispatchTimeout time.Duration

	// defunct hands unsubscribed channels to the broadcast goroutine,
	// the only closer while it is alive.
	defunct chan *subscriber

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	started  bool
}

// Option configures the bus.
type Option func(*Bus)

// WithHistorySize sets the bounded replay history (0 disables replay).
func WithHistorySize(n int) Option {
	return func(b *Bus) { b.historySize = n }
}

// WithQueueSize sets the per-subscriber queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) { b.queueSize = n }
}

// WithDispatchTimeout sets how long a full subscriber queue may block a
// dispatch before the subscriber is dropped.
func WithDispatchTimeout(d time.Duration) Option {
	return func(b *Bus) { b.dispatchTimeout = d }
}

// NewBus creates an event bus. Call Start before publishing.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		producer:        make(chan models.SystemEvent, 1024),
		historySize:     50,
		subscribers:     make(map[*subscriber]struct{}),
		queueSize:       256,
		dispatchTimeout: 2 * time.Second,
		defunct:         make(chan *subscriber, 64),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start spawns the broadcast goroutine. It returns immediately.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	ctx, b.cancel = context.WithCancel(ctx)
	go b.broadcast(ctx)
	log.Info().Int("history", b.historySize).Msg("Event bus started")
}

// Publish enqueues an event. Never blocks the caller: if the producer
// queue is full the event is dropped with a warning.
func (b *Bus) Publish(ev models.SystemEvent) {
	select {
	case b.producer <- ev:
	default:
		log.Warn().Str("type", string(ev.Type)).Msg("Event bus producer queue full, dropping event")
	}
}

// Subscribe registers a new subscriber. History (filtered) is replayed
// onto the returned channel before live events. The returned cancel func
// removes and closes the subscription.
func (b *Bus) Subscribe(filter Filter) (<-chan models.SystemEvent, func()) {
	sub := &subscriber{
		ch:     make(chan models.SystemEvent, b.queueSize+b.historySize),
		filter: filter,
		dead:   make(chan struct{}),
	}

	b.mu.Lock()
	for _, ev := range b.history {
		if filter.Matches(ev) {
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
	b.subscribers[sub] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()

	log.Debug().Int("subscribers", n).Msg("Event bus subscriber added")

	return sub.ch, func() { b.remove(sub) }
}

// HistoryLen returns the number of events currently held for replay.
func (b *Bus) HistoryLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.history)
}

// SubscriberCount returns the current number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Running reports whether the broadcast goroutine is alive.
func (b *Bus) Running() bool {
	select {
	case <-b.done:
		return false
	default:
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.started
	}
}

// Stop cancels the broadcast goroutine and clears all subscribers.
// Idempotent.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
			<-b.done
		} else {
			close(b.done)
		}
		for {
			select {
			case sub := <-b.defunct:
				close(sub.ch)
				continue
			default:
			}
			break
		}
		b.mu.Lock()
		for sub := range b.subscribers {
			close(sub.ch)
			delete(b.subscribers, sub)
		}
		b.mu.Unlock()
		log.Info().Msg("Event bus stopped")
	})
}

// remove detaches a subscriber. The channel must not be closed here: a
// dispatch may be blocked sending on it. Closing sub.dead aborts that
// send, and the broadcast goroutine closes the channel between
// dispatches.
func (b *Bus) remove(sub *subscriber) {
	b.mu.Lock()
	_, ok := b.subscribers[sub]
	if ok {
		delete(b.subscribers, sub)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	close(sub.dead)
	select {
	case b.defunct <- sub:
	case <-b.done:
		// Broadcast goroutine is gone, no send can be in flight.
		close(sub.ch)
	}
}

// dropSlow detaches a subscriber from within dispatch. Runs on the
// broadcast goroutine with no send in flight, so closing directly is
// safe.
func (b *Bus) dropSlow(sub *subscriber) {
	b.mu.Lock()
	_, ok := b.subscribers[sub]
	if ok {
		delete(b.subscribers, sub)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	close(sub.dead)
	close(sub.ch)
}

// broadcast drains the producer queue, records history, and fans out.
func (b *Bus) broadcast(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-b.defunct:
			close(sub.ch)
		case ev := <-b.producer:
			b.dispatch(ev)
		}
	}
}

func (b *Bus) dispatch(ev models.SystemEvent) {
	b.mu.Lock()
	if b.historySize > 0 {
		if len(b.history) >= b.historySize {
			b.history = b.history[1:]
		}
		b.history = append(b.history, ev)
	}
	subs := make([]*subscriber, 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		if !sub.filter.Matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Queue full: give the subscriber one dispatch timeout to
			// drain, then drop it.
			timer := time.NewTimer(b.dispatchTimeout)
			select {
			case sub.ch <- ev:
				timer.Stop()
			case <-sub.dead:
				timer.Stop()
			case <-timer.C:
				log.Warn().Msg("Dropping slow event bus subscriber")
				b.dropSlow(sub)
			}
		}
	}
}
