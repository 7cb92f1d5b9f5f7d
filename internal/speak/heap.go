package speak

// queued wraps a [Request] with scheduling metadata. seq gives FIFO order
// within one priority level.
type queued struct {
	req Request
	seq uint64
}

// requestHeap implements [container/heap.Interface] as a max-heap on
// priority with FIFO tie-breaking on seq.
type requestHeap []queued

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push is called by [container/heap.Push] only.
func (h *requestHeap) Push(x any) {
	*h = append(*h, x.(queued))
}

// Pop is called by [container/heap.Pop] only.
func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = queued{}
	*h = old[:n-1]
	return e
}
