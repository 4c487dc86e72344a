// Package bus is the in-process topic bus. Publish fans a payload out to
// every subscriber of the topic over a bounded per-subscriber queue; a
// subscriber whose queue is full is dropped and must resubscribe. Delivery
// is best-effort and FIFO per (topic, subscriber).
package bus

import "sync"

// DefaultQueueSize is the per-subscriber queue depth.
const DefaultQueueSize = 64

// Message is a single delivery.
type Message struct {
	Topic   string
	Payload any
}

// Subscription is a live handle on a topic. Receive from C until it closes;
// a closed channel means the handle was invalidated (unsubscribe or queue
// overflow) and a fresh Subscribe is required.
type Subscription struct {
	C     <-chan Message
	topic string
	ch    chan Message

	// mu orders sends against close: a publisher holding mu either sees
	// closed and skips, or completes its send before shut can close ch.
	mu     sync.Mutex
	closed bool
}

// Topic returns the topic this handle is bound to.
func (s *Subscription) Topic() string { return s.topic }

// send enqueues msg unless the handle is closed. open reports whether the
// handle was still live, delivered whether the queue had room.
func (s *Subscription) send(msg Message) (open, delivered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	select {
	case s.ch <- msg:
		return true, true
	default:
		return true, false
	}
}

// shut closes the channel exactly once.
func (s *Subscription) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Bus routes published messages to topic subscribers.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	queue  int

	// OnDrop, when set, is called with the topic of every subscriber
	// dropped for queue overflow. Set before first use; not synchronized.
	OnDrop func(topic string)
}

// New creates a Bus with the given per-subscriber queue size
// (DefaultQueueSize when size ≤ 0).
func New(size int) *Bus {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Bus{
		topics: make(map[string]map[*Subscription]struct{}),
		queue:  size,
	}
}

// Subscribe registers a new subscriber on topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	ch := make(chan Message, b.queue)
	sub := &Subscription{C: ch, topic: topic, ch: ch}

	b.mu.Lock()
	set := b.topics[topic]
	if set == nil {
		set = make(map[*Subscription]struct{})
		b.topics[topic] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the handle and closes its channel. Safe to call for an
// already-dropped handle.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	removed := b.remove(sub)
	b.mu.Unlock()
	if removed {
		sub.shut()
	}
}

// Publish delivers payload to every subscriber of topic. It never blocks on
// subscriber liveness: a full queue drops that subscriber on the spot.
func (b *Bus) Publish(topic string, payload any) {
	msg := Message{Topic: topic, Payload: payload}

	b.mu.RLock()
	set := b.topics[topic]
	subs := make([]*Subscription, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	var dropped []*Subscription
	for _, sub := range subs {
		open, delivered := sub.send(msg)
		if open && !delivered {
			dropped = append(dropped, sub)
		}
	}

	if len(dropped) == 0 {
		return
	}
	b.mu.Lock()
	for i, sub := range dropped {
		if !b.remove(sub) {
			dropped[i] = nil // lost a race with Unsubscribe or another publisher
		}
	}
	b.mu.Unlock()
	for _, sub := range dropped {
		if sub == nil {
			continue
		}
		sub.shut()
		if b.OnDrop != nil {
			b.OnDrop(sub.topic)
		}
	}
}

// Subscribers returns the current subscriber count for topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// remove detaches sub under b.mu; reports whether it was still registered.
func (b *Bus) remove(sub *Subscription) bool {
	set := b.topics[sub.topic]
	if set == nil {
		return false
	}
	if _, ok := set[sub]; !ok {
		return false
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.topics, sub.topic)
	}
	return true
}
