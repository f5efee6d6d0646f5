package server

import (
	"context"
	"sync"
	"time"
)

const (
	// RealtimeEventMessage signals that an append committed on the thread.
	RealtimeEventMessage   = "message"
	realtimeEventHeartbeat = "heartbeat"
)

// RealtimeMessage is a hint, not a delivery: it carries the latest message
// identifier so listeners know to pull, never the message content.
type RealtimeMessage struct {
	ThreadID    string
	EventType   string
	LatestMsgID int64
	Timestamp   time.Time
}

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
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, threadID string) (<-chan RealtimeMessage, func()) {
	if threadID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(threadID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(threadID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.ThreadID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.ThreadID]
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

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(threadID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[threadID]; !ok {
		d.subscribers[threadID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[threadID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(threadID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[threadID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, threadID)
		}
	}
	d.mu.Unlock()
}
