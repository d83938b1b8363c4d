package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/conclave-ai/conclave/internal/events"
	"github.com/conclave-ai/conclave/pkg/models"
)

func newStartedBus(t *testing.T, opts ...events.Option) *events.Bus {
	t.Helper()
	b := events.NewBus(opts...)
	b.Start(context.Background())
	t.Cleanup(b.Stop)
	return b
}

func recv(t *testing.T, ch <-chan models.SystemEvent) models.SystemEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return models.SystemEvent{}
	}
}

func TestDeliveryOrder(t *testing.T) {
	b := newStartedBus(t)
	ch, cancel := b.Subscribe(events.Filter{})
	defer cancel()

	for i := 0; i < 10; i++ {
		b.Publish(models.NewEvent(models.EventQueryRoute, models.SeverityInfo,
			"event", map[string]interface{}{"seq": i}))
	}

	for i := 0; i < 10; i++ {
		ev := recv(t, ch)
		if got := ev.Metadata["seq"].(int); got != i {
			t.Fatalf("event %d delivered out of order: got seq %d", i, got)
		}
	}
}

func TestHistoryReplay(t *testing.T) {
	b := newStartedBus(t, events.WithHistorySize(3))

	// A watcher subscribed up front tells us when all five events have
	// been dispatched (dispatch records history before fan-out).
	watcher, stopWatch := b.Subscribe(events.Filter{})
	defer stopWatch()

	for i := 0; i < 5; i++ {
		b.Publish(models.NewEvent(models.EventCache, models.SeverityInfo,
			"cached", map[string]interface{}{"seq": i}))
	}
	for i := 0; i < 5; i++ {
		recv(t, watcher)
	}

	ch, cancel := b.Subscribe(events.Filter{})
	defer cancel()

	// History is bounded at 3, so the new subscriber sees seq 2, 3, 4.
	for want := 2; want <= 4; want++ {
		ev := recv(t, ch)
		if got := ev.Metadata["seq"].(int); got != want {
			t.Fatalf("replay: got seq %d, want %d", got, want)
		}
	}
}

func TestHistorySizeZero(t *testing.T) {
	b := newStartedBus(t, events.WithHistorySize(0))

	watcher, stopWatch := b.Subscribe(events.Filter{})
	defer stopWatch()

	b.Publish(models.NewEvent(models.EventCache, models.SeverityInfo, "before", nil))
	recv(t, watcher)

	ch, cancel := b.Subscribe(events.Filter{})
	defer cancel()

	b.Publish(models.NewEvent(models.EventCache, models.SeverityInfo, "after", nil))
	ev := recv(t, ch)
	if ev.Message != "after" {
		t.Fatalf("expected only live events with history 0, got %q", ev.Message)
	}
}

func TestTypeAndSeverityFilter(t *testing.T) {
	b := newStartedBus(t)
	ch, cancel := b.Subscribe(events.Filter{
		EventTypes:  []models.EventType{models.EventError},
		MinSeverity: models.SeverityWarning,
	})
	defer cancel()

	b.Publish(models.NewEvent(models.EventQueryRoute, models.SeverityError, "wrong type", nil))
	b.Publish(models.NewEvent(models.EventError, models.SeverityInfo, "too mild", nil))
	b.Publish(models.NewEvent(models.EventError, models.SeverityError, "matches", nil))

	ev := recv(t, ch)
	if ev.Message != "matches" {
		t.Fatalf("filter passed %q", ev.Message)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := newStartedBus(t)
	ch, cancel := b.Subscribe(events.Filter{})
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
}

func TestUnsubscribeDuringBlockedDispatch(t *testing.T) {
	b := newStartedBus(t,
		events.WithHistorySize(0),
		events.WithQueueSize(1),
		events.WithDispatchTimeout(5*time.Second))

	ch, cancel := b.Subscribe(events.Filter{})

	// First event fills the queue; the second parks dispatch in the
	// timed send on this subscriber's channel.
	b.Publish(models.NewEvent(models.EventLog, models.SeverityInfo, "first", nil))
	b.Publish(models.NewEvent(models.EventLog, models.SeverityInfo, "second", nil))
	time.Sleep(50 * time.Millisecond)

	// Must not panic, and must release dispatch well before its timeout.
	cancel()

	fresh, cancelFresh := b.Subscribe(events.Filter{})
	defer cancelFresh()
	b.Publish(models.NewEvent(models.EventLog, models.SeverityInfo, "after", nil))
	if ev := recv(t, fresh); ev.Message != "after" {
		t.Fatalf("expected live event after unsubscribe, got %q", ev.Message)
	}

	// The old subscription still drains its queue and then closes.
	if ev := recv(t, ch); ev.Message != "first" {
		t.Fatalf("expected queued event, got %q", ev.Message)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	b := newStartedBus(t,
		events.WithHistorySize(0),
		events.WithQueueSize(1),
		events.WithDispatchTimeout(50*time.Millisecond))

	// Never read from this subscription.
	_, cancel := b.Subscribe(events.Filter{})
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Publish(models.NewEvent(models.EventLog, models.SeverityInfo, "flood", nil))
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if b.SubscriberCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("slow subscriber was not dropped, count=%d", b.SubscriberCount())
}

func TestStopIdempotent(t *testing.T) {
	b := events.NewBus()
	b.Start(context.Background())
	b.Stop()
	b.Stop() // must not panic
	if b.Running() {
		t.Fatal("bus still running after Stop")
	}
}
