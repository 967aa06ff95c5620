package engine

import (
	"container/heap"
	"time"
)

type timerKind int

const (
	timerDue timerKind = iota + 1
	timerRetry
	timerCutoff
	timerHorizon
)

func (k timerKind) String() string {
	switch k {
	case timerDue:
		return "due"
	case timerRetry:
		return "retry"
	case timerCutoff:
		return "cutoff"
	case timerHorizon:
		return "horizon"
	default:
		return "unknown"
	}
}

type timerKey struct {
	instanceID string // empty for the horizon timer
	kind       timerKind
}

type timer struct {
	timerKey
	at       time.Time
	seq      uint64
	failures int // consecutive persistence failures
	index    int
}

// timerHeap orders timers by deadline, then by insertion
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timerQueue holds at most one timer per key. It is not safe for
// concurrent use.
type timerQueue struct {
	heap  timerHeap
	byKey map[timerKey]*timer
	seq   uint64
}

func newTimerQueue() *timerQueue {
	return &timerQueue{byKey: make(map[timerKey]*timer)}
}

// set arms the timer for key at the given instant, replacing an armed one
func (q *timerQueue) set(key timerKey, at time.Time, failures int) {
	q.seq++
	if t, ok := q.byKey[key]; ok {
		t.at = at
		t.seq = q.seq
		t.failures = failures
		heap.Fix(&q.heap, t.index)
		return
	}
	t := &timer{timerKey: key, at: at, seq: q.seq, failures: failures}
	q.byKey[key] = t
	heap.Push(&q.heap, t)
}

func (q *timerQueue) remove(key timerKey) {
	t, ok := q.byKey[key]
	if !ok {
		return
	}
	heap.Remove(&q.heap, t.index)
	delete(q.byKey, key)
}

// clear removes every timer of an instance
func (q *timerQueue) clear(instanceID string) {
	for _, k := range []timerKind{timerDue, timerRetry, timerCutoff} {
		q.remove(timerKey{instanceID: instanceID, kind: k})
	}
}

func (q *timerQueue) peek() (*timer, bool) {
	if len(q.heap) == 0 {
		return nil, false
	}
	return q.heap[0], true
}

// popDue removes and returns the timers due at or before now, earliest first
func (q *timerQueue) popDue(now time.Time) []*timer {
	var due []*timer
	for len(q.heap) > 0 && !q.heap[0].at.After(now) {
		t := heap.Pop(&q.heap).(*timer)
		delete(q.byKey, t.timerKey)
		due = append(due, t)
	}
	return due
}

func (q *timerQueue) has(key timerKey) bool {
	_, ok := q.byKey[key]
	return ok
}

func (q *timerQueue) len() int {
	return len(q.heap)
}
