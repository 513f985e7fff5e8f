// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

// stopQueue is a bounded FIFO ring of stop events reported asynchronously in non-stop mode.
// Unlike a lossy ring it never overwrites: when it is full, push fails and the caller applies
// backpressure by not asking the stub for more events. It is not goroutine-safe.
type stopQueue struct {
	buf  []StopEvent
	head int // read index
	len  int
}

func newStopQueue(capacity int) *stopQueue {
	if capacity <= 0 {
		capacity = DefaultStopQueueSize
	}
	return &stopQueue{buf: make([]StopEvent, capacity)}
}

// push appends an event. Returns false, leaving the queue unchanged, if the queue is full.
func (q *stopQueue) push(ev StopEvent) bool {
	if q.len == len(q.buf) {
		return false
	}
	q.buf[(q.head+q.len)%len(q.buf)] = ev
	q.len++
	return true
}

// pop removes and returns the oldest event.
func (q *stopQueue) pop() (StopEvent, bool) {
	if q.len == 0 {
		return StopEvent{}, false
	}
	ev := q.buf[q.head]
	q.buf[q.head] = StopEvent{}
	q.head = (q.head + 1) % len(q.buf)
	q.len--
	return ev, true
}

// popAll removes every queued event, oldest first.
func (q *stopQueue) popAll() []StopEvent {
	events := make([]StopEvent, 0, q.len)
	for {
		ev, found := q.pop()
		if !found {
			return events
		}
		events = append(events, ev)
	}
}

func (q *stopQueue) room() int {
	return len(q.buf) - q.len
}

func (q *stopQueue) size() int {
	return q.len
}
