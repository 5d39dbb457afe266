package mixer_test

import (
	"testing"
	"time"

	"github.com/argushq/liveintake/pkg/audio/mixer"
)

func ones(n int, v float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestTimeline_AddReturnsEnd(t *testing.T) {
	t.Parallel()

	tl := mixer.NewTimeline(1000)
	end := tl.Add(ones(100, 0.1), 10*time.Millisecond, nil)
	if end != 110*time.Millisecond {
		t.Errorf("end = %v, want 110ms", end)
	}
	if tl.Len() != 1 {
		t.Errorf("Len = %d, want 1", tl.Len())
	}
}

func TestTimeline_PopEndedInEndOrder(t *testing.T) {
	t.Parallel()

	tl := mixer.NewTimeline(1000)
	var order []string
	tl.Add(ones(50, 0), 100*time.Millisecond, func() { order = append(order, "late") })
	tl.Add(ones(50, 0), 0, func() { order = append(order, "early") })

	if _, _, ok := tl.PopEnded(49 * time.Millisecond); ok {
		t.Fatal("PopEnded returned a block before it ended")
	}
	for {
		_, cb, ok := tl.PopEnded(time.Second)
		if !ok {
			break
		}
		cb()
	}
	if len(order) != 2 || order[0] != "early" || order[1] != "late" {
		t.Errorf("order = %v, want [early late]", order)
	}
}

func TestTimeline_RenderMixesAndClamps(t *testing.T) {
	t.Parallel()

	tl := mixer.NewTimeline(1000)
	tl.Add(ones(4, 0.25), 2*time.Millisecond, nil)
	tl.Add(ones(2, 0.9), 4*time.Millisecond, nil)

	dst := make([]float32, 8)
	ended := tl.Render(0, dst)

	want := []float32{0, 0, 0.25, 0.25, 1, 1, 0, 0}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("dst[%d] = %v, want %v", i, dst[i], want[i])
		}
	}
	if len(ended) != 0 {
		t.Errorf("ended = %d callbacks, want 0 (nil callbacks are skipped)", len(ended))
	}
	if tl.Len() != 0 {
		t.Errorf("Len = %d, want 0 after both blocks ended in the window", tl.Len())
	}
}

func TestTimeline_RenderSpansWindows(t *testing.T) {
	t.Parallel()

	tl := mixer.NewTimeline(1000)
	fired := 0
	tl.Add(ones(6, 0.5), 0, func() { fired++ })

	first := make([]float32, 4)
	for _, cb := range tl.Render(0, first) {
		cb()
	}
	if fired != 0 {
		t.Fatalf("fired after first window = %d, want 0", fired)
	}
	second := make([]float32, 4)
	for _, cb := range tl.Render(4, second) {
		cb()
	}
	if fired != 1 {
		t.Errorf("fired after second window = %d, want 1", fired)
	}
	if second[1] != 0.5 || second[2] != 0 {
		t.Errorf("second window = %v, want tail of block then silence", second)
	}
}

func TestTimeline_Clear(t *testing.T) {
	t.Parallel()

	tl := mixer.NewTimeline(24000)
	tl.Add(ones(10, 0), 0, nil)
	tl.Add(ones(10, 0), time.Millisecond, nil)
	if n := tl.Clear(); n != 2 {
		t.Errorf("Clear = %d, want 2", n)
	}
	if _, ok := tl.NextEnd(); ok {
		t.Error("NextEnd reported a block after Clear")
	}
}
