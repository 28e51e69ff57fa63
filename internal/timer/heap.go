package timer

import "container/heap"

// item is one outstanding one-shot timer.
type item struct {
	id       uint32
	deadline int64 // UTC nanoseconds, sort key
	seq      uint64

	// heapIdx is kept current by minHeap.Swap so Cancel can heap.Remove in
	// O(log N).
	heapIdx int
}

// minHeap orders timers by deadline; ties fire in scheduling order.
type minHeap []*item

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}

func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *minHeap) Push(x any) {
	it := x.(*item)
	it.heapIdx = len(*h)
	*h = append(*h, it)
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.heapIdx = -1
	*h = old[:n-1]
	return it
}

func (h *minHeap) remove(idx int) *item {
	return heap.Remove(h, idx).(*item)
}
