package scheduler

import "container/heap"

// windowHeap is a min-heap of window ids, giving the scheduler loop
// "lowest window_id first" dispatch order (§4.10's priority queue).
type windowHeap []uint64

func (h windowHeap) Len() int           { return len(h) }
func (h windowHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h windowHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *windowHeap) Push(x any)        { *h = append(*h, x.(uint64)) }
func (h *windowHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

func (h *windowHeap) pushID(id uint64) { heap.Push(h, id) }
func (h *windowHeap) popID() uint64    { return heap.Pop(h).(uint64) }
