package server

import (
	"context"
	"sync"
	"time"
)

const (
	// RealtimeEventChange announces a blob write to the account's other devices.
	RealtimeEventChange      = "change"
	realtimeEventHeartbeat   = "heartbeat"
	defaultRealtimeBuffer    = 16
	defaultHeartbeatInterval = 25 * time.Second
)

// ChangeEvent is the payload of a change event; it mirrors a change feed entry.
type ChangeEvent struct {
	Key       string `json:"key"`
	UpdatedAt string `json:"updatedAt"`
	Kind      string `json:"kind"`
}

// RealtimeMessage is delivered to every subscriber of AccountID.
type RealtimeMessage struct {
	AccountID string
	EventType string
	Change    ChangeEvent
	Timestamp time.Time
}

// RealtimeDispatcher fans account-scoped messages out to stream subscribers.
// Slow subscribers drop messages instead of blocking publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  defaultRealtimeBuffer,
	}
}

// Subscribe registers a stream for accountID until ctx ends or cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, accountID string) (<-chan RealtimeMessage, func()) {
	if accountID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(accountID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(accountID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.AccountID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.AccountID]
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
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the active subscriptions for accountID.
func (d *RealtimeDispatcher) SubscriberCount(accountID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[accountID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(accountID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[accountID]; !ok {
		d.subscribers[accountID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[accountID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(accountID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[accountID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, accountID)
		}
	}
	d.mu.Unlock()
}
