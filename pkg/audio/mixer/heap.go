// Package mixer keeps a set of sample blocks placed on an output clock and
// renders them into contiguous buffers. Output devices use a [Timeline] to
// implement [audio.OutputDevice.Schedule].
package mixer

import "time"

// entry is one scheduled block with its placement on the clock. The seq field
// breaks ties between blocks that end at the same instant.
type entry struct {
	samples []float32
	end     time.Duration
	first   int64 // clock sample index of samples[0]
	onEnded func()
	seq     uint64
}

// entryHeap implements [container/heap.Interface] as a min-heap ordered by end
// time, with insertion order as the tie-breaker.
type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].end != h[j].end {
		return h[i].end < h[j].end
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *entryHeap) Push(x any) {
	*h = append(*h, x.(entry))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return e
}
