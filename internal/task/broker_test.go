package task

import (
	"testing"
	"time"

	"github.com/mkarel/storyforge/internal/model"
)

func recvUpdate(t *testing.T, ch <-chan model.Task) (model.Task, bool) {
	t.Helper()
	select {
	case u, ok := <-ch:
		return u, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return model.Task{}, false
	}
}

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	ch, unsub := b.Subscribe("t1")
	defer unsub()

	b.Publish(model.Task{ID: "t1", Status: model.StatusRunning, Progress: 40})

	u, ok := recvUpdate(t, ch)
	if !ok {
		t.Fatal("channel closed unexpectedly")
	}
	if u.Progress != 40 || u.Status != model.StatusRunning {
		t.Errorf("update = %+v, want running/40", u)
	}
}

func TestBrokerIsolatesTopics(t *testing.T) {
	b := NewBroker()
	ch, unsub := b.Subscribe("t1")
	defer unsub()

	b.Publish(model.Task{ID: "t2", Progress: 99})

	select {
	case u := <-ch:
		t.Errorf("received update for another task: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerCloseEndsSubscribers(t *testing.T) {
	b := NewBroker()
	ch, unsub := b.Subscribe("t1")
	defer unsub()

	b.Close("t1")

	if _, ok := recvUpdate(t, ch); ok {
		t.Error("channel still open after Close")
	}
}

func TestBrokerLateSubscriberGetsClosedChannel(t *testing.T) {
	b := NewBroker()
	b.Close("t1")

	ch, _ := b.Subscribe("t1")
	if _, ok := recvUpdate(t, ch); ok {
		t.Error("late subscriber channel not closed")
	}
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	ch, unsub := b.Subscribe("t1")
	unsub()

	b.Publish(model.Task{ID: "t1", Progress: 1})

	select {
	case u, ok := <-ch:
		if ok {
			t.Errorf("received update after unsubscribe: %+v", u)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerPublishAfterCloseDropped(t *testing.T) {
	b := NewBroker()
	b.Close("t1")
	// Must not panic or resurrect the topic.
	b.Publish(model.Task{ID: "t1", Progress: 1})

	ch, _ := b.Subscribe("t1")
	if _, ok := recvUpdate(t, ch); ok {
		t.Error("topic resurrected by post-close publish")
	}
}
