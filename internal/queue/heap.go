package queue

// entry wraps a queued job with scheduling metadata for the ready heap.
// seq provides FIFO ordering within the same priority level.
type entry struct {
	record   *Record
	priority int
	seq      uint64
}

// readyHeap implements [container/heap.Interface] as a min-heap ordered by
// priority ascending (lower numeric value wins, per spec.md §4.8), with
// FIFO tie-breaking on seq ascending. This is the inverse comparator of
// the teacher's segmentHeap, which orders by priority descending for a
// live-preemption playback scheduler.
type readyHeap []entry

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) {
	*h = append(*h, x.(entry))
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
