package events

import (
	"testing"
	"time"
)

func TestMemoryBusPublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	bus.Publish(NewEvent(EventStageStart, "test"))

	select {
	case event := <-ch:
		if event.Type != EventStageStart {
			t.Errorf("expected EventStageStart, got %s", event.Type)
		}
		if event.Data != "test" {
			t.Errorf("expected data 'test', got %v", event.Data)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemoryBusFilter(t *testing.T) {
	bus := NewMemoryBus()
	ch := bus.Subscribe(EventStageEnd)
	defer bus.Unsubscribe(ch)

	bus.Publish(NewEvent(EventStageStart, "intent-start"))
	bus.Publish(NewEvent(EventStageEnd, "intent-end"))

	select {
	case event := <-ch:
		if event.Type != EventStageEnd {
			t.Errorf("expected EventStageEnd, got %s", event.Type)
		}
		if event.Data != "intent-end" {
			t.Errorf("expected data 'should-arrive', got %v", event.Data)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for event")
	}

	// Ensure the filtered event didn't arrive.
	select {
	case event := <-ch:
		t.Errorf("unexpected event: %v", event)
	case <-time.After(50 * time.Millisecond):
		// No event arrived.
	}
}

func TestMemoryBusMultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	ch1 := bus.Subscribe()
	ch2 := bus.Subscribe()
	defer bus.Unsubscribe(ch1)
	defer bus.Unsubscribe(ch2)

	bus.Publish(NewEvent(EventPipelineStart, "sess_1"))

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case event := <-ch:
			if event.Type != EventPipelineStart {
				t.Errorf("expected EventPipelineStart, got %s", event.Type)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestMemoryBusHistory(t *testing.T) {
	bus := NewMemoryBus()

	t1 := time.Now()
	bus.Publish(NewEvent(EventStageStart, "first"))
	time.Sleep(10 * time.Millisecond)
	t2 := time.Now()
	bus.Publish(NewEvent(EventStageEnd, "second"))

	all := bus.History(t1)
	if len(all) != 2 {
		t.Fatalf("expected 2 events, got %d", len(all))
	}

	since := bus.History(t2)
	if len(since) != 1 {
		t.Fatalf("expected 1 event since t2, got %d", len(since))
	}
	if since[0].Data != "second" {
		t.Errorf("expected 'second', got %v", since[0].Data)
	}
}

func TestMemoryBusHistoryEmpty(t *testing.T) {
	bus := NewMemoryBus()
	events := bus.History(time.Time{})
	if len(events) != 0 {
		t.Errorf("expected 0 events, got %d", len(events))
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	ch := bus.Subscribe()
	bus.Unsubscribe(ch)

	// Channel should be closed after unsubscribe.
	_, ok := <-ch
	if ok {
		t.Error("expected channel to be closed")
	}
}

func TestNewEvent(t *testing.T) {
	event := NewEvent(EventStageStart, map[string]string{"stage": "VERIFY"})

	if event.Type != EventStageStart {
		t.Errorf("expected EventStageStart, got %s", event.Type)
	}
	if event.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}

func TestPublishPipelineEvent(t *testing.T) {
	bus := NewMemoryBus()
	ch := bus.Subscribe(EventRoute)
	defer bus.Unsubscribe(ch)

	bus.PublishPipelineEvent("sess_1", "route", map[string]any{"from": "PLAN", "to": "EXECUTE"}, 3, time.Millisecond)

	select {
	case event := <-ch:
		if event.SessionID != "sess_1" {
			t.Errorf("expected session sess_1, got %q", event.SessionID)
		}
		if event.StepIndex != 3 {
			t.Errorf("expected step index 3, got %d", event.StepIndex)
		}
		if event.Timestamp.IsZero() {
			t.Error("expected timestamp to be set")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for event")
	}
}

func TestBoundedBusTrimsHistory(t *testing.T) {
	bus := NewBoundedBus(3)
	for i := 0; i < 5; i++ {
		bus.Publish(NewEvent(EventStageStart, i))
	}
	if bus.Len() != 3 {
		t.Fatalf("expected 3 events, got %d", bus.Len())
	}
	history := bus.History(time.Time{})
	if history[0].Data != 2 {
		t.Errorf("expected oldest retained event 2, got %v", history[0].Data)
	}
}

func TestBoundedBusKeepsOrderAcrossWrap(t *testing.T) {
	bus := NewBoundedBus(4)
	for i := 0; i < 11; i++ {
		bus.Publish(NewEvent(EventStageEnd, i))
	}
	history := bus.History(time.Time{})
	if len(history) != 4 {
		t.Fatalf("expected 4 events, got %d", len(history))
	}
	for i, e := range history {
		if e.Data != 7+i {
			t.Errorf("history[%d] = %v, want %d", i, e.Data, 7+i)
		}
	}
}

func TestSubscribeSession(t *testing.T) {
	bus := NewMemoryBus()
	ch := bus.SubscribeSession("s2", EventStageEnd)
	defer bus.Unsubscribe(ch)

	bus.PublishPipelineEvent("s1", "stage.end", "other", 0, 0)
	bus.PublishPipelineEvent("s2", "stage.start", "wrong type", 0, 0)
	bus.PublishPipelineEvent("s2", "stage.end", "mine", 0, 0)

	select {
	case event := <-ch:
		if event.Data != "mine" {
			t.Errorf("expected 'mine', got %v", event.Data)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for event")
	}
	select {
	case event := <-ch:
		t.Errorf("unexpected event: %v", event)
	default:
	}

	if got := len(bus.SessionHistory("s2")); got != 2 {
		t.Errorf("expected 2 events for s2, got %d", got)
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	bus := NewMemoryBus()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	for i := 0; i < subscriberBuffer+5; i++ {
		bus.Publish(NewEvent(EventToolCall, i))
	}
	if bus.Dropped() != 5 {
		t.Errorf("expected 5 dropped deliveries, got %d", bus.Dropped())
	}
	if bus.Len() != subscriberBuffer+5 {
		t.Errorf("history should keep every event, got %d", bus.Len())
	}
}

func TestUnsubscribeUnknownChannel(t *testing.T) {
	bus := NewMemoryBus()
	bus.Unsubscribe(make(chan Event))
	ch := bus.Subscribe()
	bus.Unsubscribe(ch)
	bus.Unsubscribe(ch)
	bus.Publish(NewEvent(EventPipelineEnd, nil))
}
