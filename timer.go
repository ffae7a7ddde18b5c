package canopen

import "container/heap"

// TimerCallback is invoked when its deadline elapses. The engine never
// invokes a callback early, and never retries; rescheduling is the
// callback's own responsibility (it may call TimerQueue.Schedule again).
type TimerCallback func(now uint64)

type pendingTimer struct {
	deadline uint64
	callback TimerCallback
	index    int
}

type timerHeap []*pendingTimer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline < h[j].deadline }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) {
	t := x.(*pendingTimer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// TimerQueue is the timer half of the frame dispatcher & timer facade
// (§4.6): the host supplies "now" via Tick, or polls NextDeadline to wait
// externally (e.g. in a select/poll loop) without a busy loop.
//
// TimerQueue keeps no internal lock; per §5 the host must serialize calls.
type TimerQueue struct {
	pending timerHeap
}

// NewTimerQueue returns an empty timer queue.
func NewTimerQueue() *TimerQueue {
	tq := &TimerQueue{}
	heap.Init(&tq.pending)
	return tq
}

// Schedule arms a one-shot callback to fire at deadline (in the host's time
// base, e.g. monotonic microseconds). It returns a handle usable with
// Cancel.
func (tq *TimerQueue) Schedule(deadline uint64, callback TimerCallback) *pendingTimer {
	t := &pendingTimer{deadline: deadline, callback: callback}
	heap.Push(&tq.pending, t)
	return t
}

// Cancel removes a previously scheduled timer if it has not yet fired.
func (tq *TimerQueue) Cancel(t *pendingTimer) {
	if t.index < 0 || t.index >= len(tq.pending) || tq.pending[t.index] != t {
		return
	}
	heap.Remove(&tq.pending, t.index)
}

// NextDeadline returns the earliest pending deadline and true, or
// (0, false) if no timer is armed. A host driving its own event loop can
// use this to size its next external wait instead of polling Tick.
func (tq *TimerQueue) NextDeadline() (uint64, bool) {
	if len(tq.pending) == 0 {
		return 0, false
	}
	return tq.pending[0].deadline, true
}

// Tick fires, in deadline order, every timer due at or before now.
func (tq *TimerQueue) Tick(now uint64) {
	for len(tq.pending) > 0 && tq.pending[0].deadline <= now {
		t := heap.Pop(&tq.pending).(*pendingTimer)
		t.callback(now)
	}
}
