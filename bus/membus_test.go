package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/petalscript/runtime"
)

func recv(t *testing.T, sub Subscription) runtime.Event {
	t.Helper()
	select {
	case e, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return runtime.Event{}
}

func expectNone(t *testing.T, sub Subscription) {
	t.Helper()
	select {
	case e, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected event %v", e.Kind)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemBus_PublishSubscribe(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("run-1")
	defer sub.Close()

	b.Publish(runtime.NewEvent(runtime.EventRunStarted, "run-1"))

	got := recv(t, sub)
	if got.Kind != runtime.EventRunStarted {
		t.Errorf("got kind %v, want %v", got.Kind, runtime.EventRunStarted)
	}
	if got.RunID != "run-1" {
		t.Errorf("got RunID %q, want %q", got.RunID, "run-1")
	}
}

func TestMemBus_FanOut(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	subs := []Subscription{b.Subscribe("run-1"), b.Subscribe("run-1"), b.Subscribe("run-1")}
	b.Publish(runtime.NewEvent(runtime.EventNodeStarted, "run-1"))

	for i, sub := range subs {
		if e := recv(t, sub); e.Kind != runtime.EventNodeStarted {
			t.Errorf("sub%d: got kind %v", i, e.Kind)
		}
		sub.Close()
	}
}

func TestMemBus_RunIsolation(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub1 := b.Subscribe("run-1")
	defer sub1.Close()
	sub2 := b.Subscribe("run-2")
	defer sub2.Close()

	b.Publish(runtime.NewEvent(runtime.EventRunStarted, "run-1"))

	recv(t, sub1)
	expectNone(t, sub2)
}

func TestMemBus_SubscribeAll(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	all := b.SubscribeAll()
	defer all.Close()

	b.Publish(runtime.NewEvent(runtime.EventRunStarted, "run-1"))
	b.Publish(runtime.NewEvent(runtime.EventRunStarted, "run-2"))

	if e := recv(t, all); e.RunID != "run-1" {
		t.Errorf("first RunID = %q, want run-1", e.RunID)
	}
	if e := recv(t, all); e.RunID != "run-2" {
		t.Errorf("second RunID = %q, want run-2", e.RunID)
	}
}

func TestMemBus_KindFilter(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("run-1", runtime.EventEdgeFired)
	defer sub.Close()

	b.Publish(runtime.NewEvent(runtime.EventNodeStarted, "run-1"))
	b.Publish(runtime.NewEvent(runtime.EventEdgeFired, "run-1"))

	if e := recv(t, sub); e.Kind != runtime.EventEdgeFired {
		t.Errorf("got kind %v, want edge.fired", e.Kind)
	}
	expectNone(t, sub)
}

func TestMemBus_SlowSubscriberDrops(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 2})
	defer b.Close()

	sub := b.Subscribe("run-1")
	defer sub.Close()

	for range 5 {
		b.Publish(runtime.NewEvent(runtime.EventNodeOutput, "run-1"))
	}

	if got := b.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
	if got := len(sub.Events()); got != 2 {
		t.Errorf("buffered = %d, want 2", got)
	}
}

func TestMemBus_SubscriptionCloseDetaches(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("run-1")
	all := b.SubscribeAll()
	if got := b.Subscribers(); got != 2 {
		t.Fatalf("Subscribers() = %d, want 2", got)
	}

	sub.Close()
	sub.Close()
	all.Close()
	if got := b.Subscribers(); got != 0 {
		t.Errorf("Subscribers() after close = %d, want 0", got)
	}

	// Publishing after detach must not panic on a closed channel.
	b.Publish(runtime.NewEvent(runtime.EventRunStarted, "run-1"))
}

func TestMemBus_Close(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	sub := b.Subscribe("run-1")

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("expected closed channel after bus Close")
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	late := b.Subscribe("run-1")
	if _, ok := <-late.Events(); ok {
		t.Error("subscription on closed bus should be closed")
	}
	b.Publish(runtime.NewEvent(runtime.EventRunStarted, "run-1"))
}

func TestMemBus_ConcurrentPublish(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 1000})
	defer b.Close()

	sub := b.Subscribe("run-1")
	defer sub.Close()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				b.Publish(runtime.NewEvent(runtime.EventNodeOutput, "run-1"))
			}
		}()
	}
	wg.Wait()

	if got := len(sub.Events()); got != 500 {
		t.Errorf("received %d events, want 500", got)
	}
}

func TestMemBus_AsEngineBus(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("run-x", runtime.EventRunStarted)
	defer sub.Close()

	var pub runtime.EventPublisher = b
	pub.Publish(runtime.NewEvent(runtime.EventRunStarted, "run-x"))

	recv(t, sub)
}
