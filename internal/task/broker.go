package task

import (
	"sync"

	"github.com/mkarel/storyforge/internal/model"
)

// subscriberBufferSize is the channel buffer for each update subscriber.
// Updates are dropped if a subscriber falls this far behind; the store always
// holds the authoritative latest state.
const subscriberBufferSize = 64

// Broker fans task state updates out to watchers. It is safe for concurrent
// use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a task finishes) receive a closed channel instead of
// blocking forever. Each marker is a few bytes, which is acceptable for the
// expected task volume.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*updateTopic
}

type updateTopic struct {
	subs   map[int]chan model.Task
	nextID int
	closed bool
}

// NewBroker creates a new task update broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*updateTopic),
	}
}

// Subscribe returns a channel that receives state snapshots for the given
// task and an unsubscribe function. If the task has already finished (Close
// was called), the returned channel is immediately closed.
func (b *Broker) Subscribe(taskID string) (<-chan model.Task, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		t = &updateTopic{subs: make(map[int]chan model.Task)}
		b.topics[taskID] = t
	}

	ch := make(chan model.Task, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends a snapshot to all subscribers of the given task. Snapshots
// are dropped for subscribers whose buffers are full.
func (b *Broker) Publish(snapshot model.Task) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[snapshot.ID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- snapshot:
		default:
			// Drop for slow subscribers to avoid blocking execution.
		}
	}
}

// Close signals that no more updates will be published for the given task.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *Broker) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		// Create a closed marker so late subscribers get a closed channel.
		b.topics[taskID] = &updateTopic{subs: make(map[int]chan model.Task), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
