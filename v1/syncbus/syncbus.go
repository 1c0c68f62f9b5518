package syncbus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// EventKind identifies what happened to a lock.
type EventKind string

const (
	// EventLocked is published when a holder is granted a key.
	EventLocked EventKind = "locked"
	// EventUnlocked is published when a holder releases a key.
	EventUnlocked EventKind = "unlocked"
	// EventViolation is published when a key is released without being held.
	EventViolation EventKind = "violation"
)

// Event describes a lock state change observed by a node.
type Event struct {
	Key  string    `json:"key"`
	Kind EventKind `json:"kind"`
	Node string    `json:"node,omitempty"`
	At   time.Time `json:"at"`
}

// Bus provides a simple pub/sub mechanism used to propagate lock events
// across nodes and to interested watchers.
type Bus interface {
	Publish(ctx context.Context, topic string, ev Event) error
	Subscribe(ctx context.Context, topic string) (<-chan Event, error)
	Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error
}

// Metrics reports delivery counters of a bus.
type Metrics struct {
	Published uint64
	Delivered uint64
}

const topicPrefix = "notelock."

// Topic returns the bus topic carrying events for key. Keys are opaque, so
// they are base64url encoded to stay valid as NATS subjects and Kafka topics.
func Topic(key string) string {
	return topicPrefix + base64.RawURLEncoding.EncodeToString([]byte(key))
}

func encodeEvent(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

func decodeEvent(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}

// fanout delivers ev to every channel without blocking. Slow subscribers
// lose events rather than stall the publisher.
func fanout(chans []chan Event, ev Event, delivered *atomic.Uint64) {
	for _, ch := range chans {
		select {
		case ch <- ev:
			delivered.Add(1)
		default:
		}
	}
}

// removeChan deletes ch from chans, closing it. The second result reports
// whether ch was found.
func removeChan(chans []chan Event, ch <-chan Event) ([]chan Event, bool) {
	for i, c := range chans {
		if c == ch {
			chans[i] = chans[len(chans)-1]
			chans = chans[:len(chans)-1]
			close(c)
			return chans, true
		}
	}
	return chans, false
}

// InMemoryBus is a local implementation of Bus used by single-process
// deployments and tests.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	published atomic.Uint64
	delivered atomic.Uint64
	buffer    int
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan Event), buffer: 16}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	chans := append([]chan Event(nil), b.subs[topic]...)
	// Sends happen under the lock so Unsubscribe cannot close a channel mid-send.
	b.published.Add(1)
	fanout(chans, ev, &b.delivered)
	b.mu.Unlock()
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is done.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, _ := removeChan(b.subs[topic], ch)
	if len(subs) == 0 {
		delete(b.subs, topic)
	} else {
		b.subs[topic] = subs
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
