package client

import (
	"sync"

	"github.com/example/campus-messaging/domain/message"
)

// Queue is the ordered outbound queue of one Channel.
type Queue struct {
	mu    sync.Mutex
	items []message.PendingMessage
}

// Push appends p.
func (q *Queue) Push(p message.PendingMessage) {
	q.mu.Lock()
	q.items = append(q.items, p)
	q.mu.Unlock()
}

// PushFront puts p ahead of everything queued.
func (q *Queue) PushFront(p message.PendingMessage) {
	q.mu.Lock()
	q.items = append([]message.PendingMessage{p}, q.items...)
	q.mu.Unlock()
}

// Peek returns the head without removing it.
func (q *Queue) Peek() (message.PendingMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return message.PendingMessage{}, false
	}
	return q.items[0], true
}

// Replace swaps the queued entry with the same client id for p.
func (q *Queue) Replace(p message.PendingMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ClientID == p.ClientID {
			q.items[i] = p
			return true
		}
	}
	return false
}

// Remove drops the entry with clientID.
func (q *Queue) Remove(clientID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ClientID == clientID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the queue in send order.
func (q *Queue) Snapshot() []message.PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]message.PendingMessage(nil), q.items...)
}
