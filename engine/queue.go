package engine

// WaitQueue is the FIFO queue of sequence groups waiting to be scheduled.
// Arrival order is preserved; there is no starvation reordering.
type WaitQueue struct {
	queue []*SequenceGroup
}

// Enqueue adds a group to the back of the wait queue.
func (wq *WaitQueue) Enqueue(g *SequenceGroup) {
	wq.queue = append(wq.queue, g)
}

// Len returns the number of waiting groups.
func (wq *WaitQueue) Len() int {
	return len(wq.queue)
}

// Peek returns the group at the front of the queue without removing it.
// Returns nil if the queue is empty.
func (wq *WaitQueue) Peek() *SequenceGroup {
	if len(wq.queue) == 0 {
		return nil
	}
	return wq.queue[0]
}

// Dequeue removes and returns the group at the front of the queue.
func (wq *WaitQueue) Dequeue() *SequenceGroup {
	if len(wq.queue) == 0 {
		return nil
	}
	g := wq.queue[0]
	wq.queue = wq.queue[1:]
	return g
}

// PrependFront inserts a group at the front of the queue. Used for
// preemption: a group evicted from the running batch goes back to the head
// of the wait queue so it is rescheduled first.
func (wq *WaitQueue) PrependFront(g *SequenceGroup) {
	if g == nil {
		panic("PrependFront: group must not be nil")
	}
	wq.queue = append([]*SequenceGroup{g}, wq.queue...)
}

// Remove deletes a group from anywhere in the queue (cancellation path).
// Reports whether the group was present.
func (wq *WaitQueue) Remove(g *SequenceGroup) bool {
	for i, q := range wq.queue {
		if q == g {
			wq.queue = append(wq.queue[:i], wq.queue[i+1:]...)
			return true
		}
	}
	return false
}
