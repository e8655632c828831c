package speaker

// action wraps a scheduled callback with its trigger offset for the
// priority queue. seq provides FIFO ordering when two actions share an
// offset.
type action struct {
	offset   uint64
	handle   Handle
	fn       func()
	seq      uint64
	canceled bool
}

// actionHeap implements [container/heap.Interface] as a min-heap ordered by
// offset (ascending), with FIFO tie-breaking on seq.
type actionHeap []*action

func (h actionHeap) Len() int { return len(h) }

// Less reports whether element i should fire before element j: lower offset
// wins, equal offsets fall back to insertion order.
func (h actionHeap) Less(i, j int) bool {
	if h[i].offset != h[j].offset {
		return h[i].offset < h[j].offset
	}
	return h[i].seq < h[j].seq
}

func (h actionHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *actionHeap) Push(x any) {
	*h = append(*h, x.(*action))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *actionHeap) Pop() any {
	old := *h
	n := len(old)
	a := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return a
}
