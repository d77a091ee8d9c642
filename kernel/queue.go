package kernel

// threadQueue is an intrusive doubly linked list of threads, linked through
// Thread.next and Thread.prev. It is used both as the priority ordered ready
// list and as the wait queue of synchronization objects.
// The zero value is an empty queue.
//
// None of these methods take the kernel lock, callers must already hold it.
type threadQueue struct {
	head, tail *Thread
}

// isEmpty checks if the queue is empty.
func (q *threadQueue) isEmpty() bool {
	return q.head == nil
}

// first returns the thread at the head of the queue, or nil.
func (q *threadQueue) first() *Thread {
	return q.head
}

// peekHighestPriority returns the priority of the first thread. An empty
// queue reports NoPriority, which is lower than any thread priority.
func (q *threadQueue) peekHighestPriority() Priority {
	if q.head == nil {
		return NoPriority
	}
	return q.head.prio
}

// insertBehind places t after all threads with a higher or equal priority, so
// that it joins the tail of its peers.
func (q *threadQueue) insertBehind(t *Thread) *Thread {
	cp := q.head
	for cp != nil && cp.prio >= t.prio {
		cp = cp.next
	}
	q.linkBefore(cp, t)
	return t
}

// insertAhead places t after all threads with a strictly higher priority, so
// that it goes ahead of its peers.
func (q *threadQueue) insertAhead(t *Thread) *Thread {
	cp := q.head
	for cp != nil && cp.prio > t.prio {
		cp = cp.next
	}
	q.linkBefore(cp, t)
	return t
}

// insert appends t at the tail of the queue.
func (q *threadQueue) insert(t *Thread) {
	q.linkBefore(nil, t)
}

// removeHighest unlinks and returns the first thread, which is the one with
// the highest priority in a priority ordered queue. It returns nil if the
// queue is empty.
func (q *threadQueue) removeHighest() *Thread {
	return q.fifoRemove()
}

// fifoRemove unlinks and returns the first thread, or nil.
func (q *threadQueue) fifoRemove() *Thread {
	t := q.head
	if t != nil {
		q.unlink(t)
	}
	return t
}

// lifoRemove unlinks and returns the last thread, or nil.
func (q *threadQueue) lifoRemove() *Thread {
	t := q.tail
	if t != nil {
		q.unlink(t)
	}
	return t
}

// dequeue removes t from whatever position it has in the queue.
func (q *threadQueue) dequeue(t *Thread) *Thread {
	if t.queue != q {
		t.core.Halt("thread not in queue")
	}
	q.unlink(t)
	return t
}

// len counts the threads in the queue.
func (q *threadQueue) len() int {
	n := 0
	for t := q.head; t != nil; t = t.next {
		n++
	}
	return n
}

// linkBefore inserts t in front of cp, or at the tail when cp is nil.
func (q *threadQueue) linkBefore(cp, t *Thread) {
	if t.queue != nil {
		// A thread can only be part of a single queue. Linking it twice
		// would corrupt both queues.
		t.core.Halt("thread already queued")
	}
	t.queue = q
	t.next = cp
	if cp == nil {
		t.prev = q.tail
		q.tail = t
	} else {
		t.prev = cp.prev
		cp.prev = t
	}
	if t.prev == nil {
		q.head = t
	} else {
		t.prev.next = t
	}
}

func (q *threadQueue) unlink(t *Thread) {
	if t.prev == nil {
		q.head = t.next
	} else {
		t.prev.next = t.next
	}
	if t.next == nil {
		q.tail = t.prev
	} else {
		t.next.prev = t.prev
	}
	t.next, t.prev, t.queue = nil, nil, nil
}

// checkLinks walks the queue forward and backward and reports whether both
// directions agree and every element points back to the queue.
func (q *threadQueue) checkLinks() bool {
	n := 0
	var prev *Thread
	for t := q.head; t != nil; t = t.next {
		if t.queue != q || t.prev != prev {
			return false
		}
		prev = t
		n++
	}
	if prev != q.tail {
		return false
	}
	for t := q.tail; t != nil; t = t.prev {
		n--
	}
	return n == 0
}

// prioInsert inserts t in a priority ordered wait queue, behind the waiters
// with the same priority.
func (q *threadQueue) prioInsert(t *Thread) {
	q.insertBehind(t)
}
