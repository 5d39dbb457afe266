package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/argushq/liveintake/pkg/audio"
	"github.com/argushq/liveintake/pkg/audio/mixer"
	"github.com/argushq/liveintake/pkg/audio/pcm"
)

var _ audio.OutputDevice = (*outputDevice)(nil)

const (
	// blockDuration is how much audio the pump renders per write.
	blockDuration = 20 * time.Millisecond

	// lead is how far ahead of wall time the pump keeps the player fed.
	lead = 60 * time.Millisecond
)

// OpenOutput implements [audio.OutputBackend]. It starts ffplay reading mono
// s16le PCM from a pipe and a pump goroutine that keeps the pipe fed with the
// mix of scheduled blocks, or silence.
//
// The device clock counts samples handed to ffplay, so it runs slightly
// ahead of what is audible.
func (b *Backend) OpenOutput(ctx context.Context, sampleRate int) (audio.OutputDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("ffmpeg: invalid playback sample rate %d", sampleRate)
	}
	bin, err := exec.LookPath(b.ffplayPath)
	if err != nil {
		return nil, fmt.Errorf("%w: ffplay is required for playback: %v", audio.ErrDeviceUnavailable, err)
	}
	cmd := exec.Command(bin, playerArgs(sampleRate)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffplay: %v", audio.ErrDeviceUnavailable, err)
	}
	return newOutputDevice(stdin, sampleRate, cmd), nil
}

// outputDevice mixes scheduled blocks into a PCM stream written to w.
type outputDevice struct {
	rate  int
	block int // samples per pump write
	w     io.WriteCloser
	cmd   *exec.Cmd // nil when not backed by a process

	mu       sync.Mutex
	timeline *mixer.Timeline
	rendered int64 // samples written so far
	closed   bool

	started   time.Time
	done      chan struct{}
	pumpDone  chan struct{}
	closeOnce sync.Once
}

func newOutputDevice(w io.WriteCloser, rate int, cmd *exec.Cmd) *outputDevice {
	d := &outputDevice{
		rate:     rate,
		block:    int(int64(rate) * int64(blockDuration) / int64(time.Second)),
		w:        w,
		cmd:      cmd,
		timeline: mixer.NewTimeline(rate),
		started:  time.Now(),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	go d.pump()
	return d
}

func (d *outputDevice) SampleRate() int { return d.rate }

func (d *outputDevice) CurrentTime() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return pcm.SamplesDuration(int(d.rendered), d.rate)
}

func (d *outputDevice) Schedule(samples []float32, at time.Duration, onEnded func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return audio.ErrDeviceClosed
	}
	d.timeline.Add(samples, at, onEnded)
	return nil
}

func (d *outputDevice) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := d.timeline.Clear(); n > 0 {
		slog.Debug("ffmpeg: flushed scheduled audio", "blocks", n)
	}
}

func (d *outputDevice) pump() {
	defer close(d.pumpDone)
	ticker := time.NewTicker(blockDuration)
	defer ticker.Stop()

	for {
		target := time.Since(d.started) + lead
		for d.CurrentTime() < target {
			if !d.renderBlock() {
				return
			}
		}
		select {
		case <-d.done:
			return
		case <-ticker.C:
		}
	}
}

// renderBlock mixes and writes one block, then runs the callbacks of blocks
// that ended within it. It reports false once the device is unusable.
func (d *outputDevice) renderBlock() bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	buf := make([]float32, d.block)
	ended := d.timeline.Render(d.rendered, buf)
	d.rendered += int64(len(buf))
	d.mu.Unlock()

	if _, err := d.w.Write(pcm.SamplesToPCM16(buf)); err != nil {
		select {
		case <-d.done:
		default:
			slog.Warn("ffmpeg: player write failed, playback stopped", "err", err)
			d.mu.Lock()
			d.closed = true
			d.timeline.Clear()
			d.mu.Unlock()
		}
		return false
	}
	for _, cb := range ended {
		cb()
	}
	return true
}

// Close stops the pump and the player process.
func (d *outputDevice) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.timeline.Clear()
		d.mu.Unlock()
		close(d.done)
		err = d.w.Close()
		<-d.pumpDone
		if d.cmd != nil && d.cmd.Process != nil {
			_ = d.cmd.Process.Kill()
			_ = d.cmd.Wait()
		}
	})
	return err
}
