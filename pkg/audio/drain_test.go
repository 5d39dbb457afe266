package audio_test

import (
	"testing"
	"time"

	"github.com/argushq/liveintake/pkg/audio"
)

func TestDrain(t *testing.T) {
	t.Parallel()

	ch := make(chan []float32, 4)
	for range 4 {
		ch <- []float32{0}
	}
	close(ch)

	done := make(chan struct{})
	go func() {
		audio.Drain(ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Drain did not return after the channel closed")
	}
	if n := len(ch); n != 0 {
		t.Errorf("%d values left in the channel", n)
	}
}
