package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/carelog/internal/offline"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceCore     = "carelog-core"
)

// RealtimeDispatcher fans change notifications out to the stream subscribers
// of each baby profile. Slow subscribers miss messages rather than block.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan offline.Notification
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for babyID until ctx ends or cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, babyID string) (<-chan offline.Notification, func()) {
	if babyID == "" {
		ch := make(chan offline.Notification)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan offline.Notification, d.bufferSize),
	}
	d.registerSubscriber(babyID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(babyID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish implements offline.Notifier.
func (d *RealtimeDispatcher) Publish(notification offline.Notification) {
	if notification.BabyID == "" || notification.Type == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[notification.BabyID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- notification:
		default:
		}
	}
}

func (d *RealtimeDispatcher) subscriberCount(babyID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[babyID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(babyID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[babyID]; !ok {
		d.subscribers[babyID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[babyID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(babyID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[babyID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, babyID)
		}
	}
	d.mu.Unlock()
}
