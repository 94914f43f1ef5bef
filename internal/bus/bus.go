// Package bus is the in-process Monitoring Bus: a publish/subscribe fanout
// over job.*, runner.*, container.*, scaling.*, and network.* topics.
//
// Each subscriber gets a buffered channel and a non-blocking publish path
// with an explicit Subscribe/Unsubscribe API. When a subscriber's buffer is
// full, the bus drops the subscriber's oldest buffered event and admits the
// new one, tracking a per-subscriber drop counter, so a slow subscriber
// observes fresh state rather than stale state once its buffer saturates.
package bus

import (
	"sync"
	"time"

	"github.com/runnerhub/orchestrator/internal/metrics"
)

// Topic names one family of bus events.
type Topic string

const (
	TopicJob       Topic = "job"
	TopicRunner    Topic = "runner"
	TopicContainer Topic = "container"
	TopicScaling   Topic = "scaling"
	TopicNetwork   Topic = "network"
)

// Event is one published message.
type Event struct {
	Topic     Topic
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Subscriber is the channel a caller reads published events from.
type Subscriber chan *Event

const subscriberBuffer = 64

type subscription struct {
	ch    Subscriber
	mu    sync.Mutex // guards drop-oldest admission into ch
	drops uint64
}

// Bus fans out Published events to all current Subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[Subscriber]*subscription
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[Subscriber]*subscription)}
}

// Subscribe registers a new Subscriber with a bounded buffer.
func (b *Bus) Subscribe() Subscriber {
	ch := make(Subscriber, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = &subscription{ch: ch}
	return ch
}

// Unsubscribe removes a Subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish fans an event out to all subscribers without blocking the caller.
func (b *Bus) Publish(topic Topic, kind string, payload any) {
	ev := &Event{Topic: topic, Kind: kind, Timestamp: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		admit(sub, ev, string(topic))
	}
}

// admit sends ev to sub's channel, dropping the oldest buffered event (not
// ev itself) if the buffer is already full.
func admit(sub *subscription, ev *Event, topic string) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	select {
	case sub.ch <- ev:
		return
	default:
	}

	select {
	case <-sub.ch:
		sub.drops++
		metrics.BusDropsTotal.WithLabelValues(topic).Inc()
	default:
	}

	select {
	case sub.ch <- ev:
	default:
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Drops returns the drop counter for a subscriber, or 0 if unknown.
func (b *Bus) Drops(ch Subscriber) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sub, ok := b.subs[ch]; ok {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return sub.drops
	}
	return 0
}

// Snapshot is the periodic aggregate state pushed every snapshot_interval.
type Snapshot struct {
	Jobs struct {
		Queued, Running, Completed, Failed int
	}
	Runners struct {
		Total, Idle, Busy, Offline int
	}
	Pools []PoolSnapshot
	Upstream struct {
		Remaining int
		Reset     time.Time
	}
}

// PoolSnapshot is one pool's contribution to a Snapshot.
type PoolSnapshot struct {
	Repository string
	Util       float64
	Size       int
	InCooldown bool
}

// PublishSnapshot publishes a point-in-time Snapshot on TopicJob under kind
// "snapshot"; a dedicated topic isn't warranted since snapshots aggregate
// across all the other topics.
func (b *Bus) PublishSnapshot(s Snapshot) {
	b.Publish(TopicJob, "snapshot", s)
}
