package mixer

import (
	"container/heap"
	"time"
)

// Timeline holds sample blocks placed at absolute times on a clock running at
// a fixed sample rate. Overlapping blocks are summed when rendered.
//
// A Timeline is not safe for concurrent use; the owning device guards it.
type Timeline struct {
	rate  int
	queue entryHeap
	seq   uint64
}

// NewTimeline returns an empty Timeline for a clock at rate Hz.
func NewTimeline(rate int) *Timeline {
	t := &Timeline{rate: rate, queue: make(entryHeap, 0, 16)}
	heap.Init(&t.queue)
	return t
}

// Add places samples so that samples[0] plays at time at. onEnded is handed
// back by [Timeline.PopEnded] or [Timeline.Render] once the block is over.
// It returns the end time of the block.
func (t *Timeline) Add(samples []float32, at time.Duration, onEnded func()) time.Duration {
	if at < 0 {
		at = 0
	}
	first := t.index(at)
	end := t.timeOf(first + int64(len(samples)))
	t.seq++
	heap.Push(&t.queue, entry{
		samples: samples,
		end:     end,
		first:   first,
		onEnded: onEnded,
		seq:     t.seq,
	})
	return end
}

// Len reports how many blocks have not ended yet.
func (t *Timeline) Len() int { return t.queue.Len() }

// NextEnd returns the end time of the block that finishes first.
func (t *Timeline) NextEnd() (time.Duration, bool) {
	if t.queue.Len() == 0 {
		return 0, false
	}
	return t.queue[0].end, true
}

// PopEnded removes the earliest-ending block if it ends at or before now and
// returns its end time and callback. ok is false when no block has ended.
func (t *Timeline) PopEnded(now time.Duration) (end time.Duration, onEnded func(), ok bool) {
	if t.queue.Len() == 0 || t.queue[0].end > now {
		return 0, nil, false
	}
	e := heap.Pop(&t.queue).(entry)
	return e.end, e.onEnded, true
}

// Render mixes every block overlapping the window that starts at clock sample
// index from into dst, which must be zeroed by the caller (or hold a bed to
// mix onto). Mixed values are clamped to [-1, 1]. Blocks that end within the
// window are removed, and their callbacks are returned in end order.
func (t *Timeline) Render(from int64, dst []float32) []func() {
	lo := from
	hi := lo + int64(len(dst))
	for _, e := range t.queue {
		last := e.first + int64(len(e.samples))
		if last <= lo || e.first >= hi {
			continue
		}
		for g := max(lo, e.first); g < min(hi, last); g++ {
			dst[g-lo] += e.samples[g-e.first]
		}
	}
	for i, v := range dst {
		switch {
		case v > 1:
			dst[i] = 1
		case v < -1:
			dst[i] = -1
		}
	}

	var ended []func()
	windowEnd := t.timeOf(hi)
	for {
		_, cb, ok := t.PopEnded(windowEnd)
		if !ok {
			break
		}
		if cb != nil {
			ended = append(ended, cb)
		}
	}
	return ended
}

// Clear drops every block without handing out callbacks and returns how many
// were dropped.
func (t *Timeline) Clear() int {
	n := t.queue.Len()
	t.queue = t.queue[:0]
	return n
}

// index maps a clock time to the nearest sample index, so that timeOf and
// index round-trip exactly.
func (t *Timeline) index(d time.Duration) int64 {
	return (int64(d)*int64(t.rate) + int64(time.Second)/2) / int64(time.Second)
}

func (t *Timeline) timeOf(sample int64) time.Duration {
	return time.Duration(sample * int64(time.Second) / int64(t.rate))
}
