package client

import "museum-presence/domain"

const DefaultQueueSize = 10

// PositionUpdate is one locally generated transform.
type PositionUpdate struct {
	Position domain.Vector3
	Rotation domain.Vector3
}

// PendingQueue buffers position updates produced while disconnected. When full the oldest
// update is dropped. Only the most recent entry is ever sent.
type PendingQueue struct {
	items []PositionUpdate
	size  int
}

func NewPendingQueue(size int) *PendingQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &PendingQueue{items: make([]PositionUpdate, 0, size), size: size}
}

func (q *PendingQueue) Push(u PositionUpdate) {
	if len(q.items) == q.size {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
	}
	q.items = append(q.items, u)
}

// Drain empties the queue and returns its newest update.
func (q *PendingQueue) Drain() (PositionUpdate, bool) {
	if len(q.items) == 0 {
		return PositionUpdate{}, false
	}
	last := q.items[len(q.items)-1]
	q.items = q.items[:0]
	return last, true
}

func (q *PendingQueue) Len() int {
	return len(q.items)
}
