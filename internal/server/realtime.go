package server

import (
	"context"
	"sync"
	"time"

	"github.com/lumeno/telebridge/internal/puppet"
)

const (
	RealtimeEventProfileChanged = "profile-change"
	realtimeEventHeartbeat      = "heartbeat"
)

// RealtimeMessage is one event delivered to provisioning stream subscribers.
type RealtimeMessage struct {
	EventType string
	Event     puppet.ProfileEvent
	Timestamp time.Time
}

// RealtimeDispatcher fans committed profile changes out to provisioning
// stream subscribers. Slow subscribers lose events rather than block the
// reconciliation path.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream of profile events. The stream is abandoned
// (not closed) when the context ends; the returned cleanup is idempotent.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context) (<-chan RealtimeMessage, func()) {
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(subscriber)
	cleanup := func() {
		d.unregisterSubscriber(subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// PublishProfileChange implements puppet.ProfileEventSink.
func (d *RealtimeDispatcher) PublishProfileChange(event puppet.ProfileEvent) {
	d.publish(RealtimeMessage{
		EventType: RealtimeEventProfileChanged,
		Event:     event,
		Timestamp: event.Timestamp,
	})
}

func (d *RealtimeDispatcher) publish(message RealtimeMessage) {
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
