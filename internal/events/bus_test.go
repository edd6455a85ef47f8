package events

import (
	"context"
	"sync"
	"testing"
)

func TestBus_PublishDeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus(nil)

	var got []string
	bus.Subscribe(TopicOperationCompleted, func(_ context.Context, evt OperationEvent) {
		got = append(got, "first:"+evt.OperationID)
	})
	bus.Subscribe(TopicOperationCompleted, func(_ context.Context, evt OperationEvent) {
		got = append(got, "second:"+evt.OperationID)
	})

	bus.Publish(context.Background(), TopicOperationCompleted, OperationEvent{OperationID: "op-1234abcd"})

	want := []string{"first:op-1234abcd", "second:op-1234abcd"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("deliveries = %v, want %v", got, want)
	}
}

func TestBus_TopicsAreIsolated(t *testing.T) {
	bus := NewBus(nil)

	var calls int
	bus.Subscribe(TopicLinkStatusChanged, func(context.Context, OperationEvent) { calls++ })

	bus.Publish(context.Background(), TopicOperationStateChanged, OperationEvent{OperationID: "op-1234abcd"})
	if calls != 0 {
		t.Errorf("handler on another topic fired %d times", calls)
	}

	bus.Publish(context.Background(), TopicLinkStatusChanged, OperationEvent{OperationID: "op-1234abcd"})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestBus_PanickingHandlerDoesNotStopOthers(t *testing.T) {
	bus := NewBus(nil)

	var survived bool
	bus.Subscribe(TopicOperationCompleted, func(context.Context, OperationEvent) {
		panic("bad payload")
	})
	bus.Subscribe(TopicOperationCompleted, func(context.Context, OperationEvent) {
		survived = true
	})

	bus.Publish(context.Background(), TopicOperationCompleted, OperationEvent{OperationID: "op-1234abcd"})
	if !survived {
		t.Error("panic in one handler prevented delivery to the next")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)

	var mu sync.Mutex
	count := 0
	bus.Subscribe(TopicOperationStateChanged, func(context.Context, OperationEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), TopicOperationStateChanged, OperationEvent{OperationID: "op-1234abcd"})
		}()
	}
	wg.Wait()

	if count != 20 {
		t.Errorf("count = %d, want 20", count)
	}
}

func TestBus_PublishWithoutSubscribersIsNoop(t *testing.T) {
	bus := NewBus(nil)
	bus.Publish(context.Background(), TopicOperationCompleted, OperationEvent{OperationID: "op-1234abcd"})
}
