// Package mock provides in-memory implementations of the [audio.CaptureDevice],
// [audio.CaptureBackend], [audio.OutputDevice] and [audio.OutputBackend]
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record method calls so that
// tests can assert on call counts and arguments, and they expose exported
// fields that the test can set to control return values.
//
// The output device has a manual clock: nothing plays until the test calls
// [OutputDevice.Advance].
//
//	out := mock.NewOutputDevice(24000)
//	_ = out.Schedule(samples, 0, func() { ended = true })
//	out.Advance(100 * time.Millisecond) // fires onEnded once the block is over
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/argushq/liveintake/pkg/audio"
	"github.com/argushq/liveintake/pkg/audio/mixer"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureDevice  = (*CaptureDevice)(nil)
	_ audio.CaptureBackend = (*Backend)(nil)
	_ audio.OutputDevice   = (*OutputDevice)(nil)
	_ audio.OutputBackend  = (*Backend)(nil)
)

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// CaptureDevice is a scriptable microphone. Tests feed it with
// [CaptureDevice.Push].
type CaptureDevice struct {
	rate    int
	samples chan []float32

	mu     sync.Mutex
	closed bool

	// CloseError is returned by Close.
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewCaptureDevice returns a capture device at rate Hz whose channel buffers
// up to buf chunks.
func NewCaptureDevice(rate, buf int) *CaptureDevice {
	return &CaptureDevice{rate: rate, samples: make(chan []float32, buf)}
}

// Samples implements [audio.CaptureDevice].
func (d *CaptureDevice) Samples() <-chan []float32 { return d.samples }

// SampleRate implements [audio.CaptureDevice].
func (d *CaptureDevice) SampleRate() int { return d.rate }

// Push delivers a chunk as if the hardware had produced it. It waits up to a
// second for buffer space and reports false if the chunk was not delivered or
// the device is closed.
func (d *CaptureDevice) Push(chunk []float32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	select {
	case d.samples <- chunk:
		return true
	case <-time.After(time.Second):
		return false
	}
}

// End closes the sample channel as if the hardware stopped on its own.
func (d *CaptureDevice) End() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.samples)
	}
}

// Close implements [audio.CaptureDevice]. Returns CloseError.
func (d *CaptureDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	if !d.closed {
		d.closed = true
		close(d.samples)
	}
	return d.CloseError
}

// Closed reports whether Close or End has been called.
func (d *CaptureDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of a single [OutputDevice.Schedule]
// invocation.
type ScheduleCall struct {
	// At is the requested start time.
	At time.Duration
	// End is the time the block finishes on the device clock.
	End time.Duration
	// Samples is the number of samples scheduled.
	Samples int
}

// OutputDevice is an output device driven by a manual clock.
type OutputDevice struct {
	rate int

	mu       sync.Mutex
	now      time.Duration
	timeline *mixer.Timeline
	closed   bool

	// ScheduleError, if set, is returned by Schedule and nothing is queued.
	ScheduleError error

	// CloseError is returned by Close.
	CloseError error

	// ScheduleCalls records all Schedule invocations that were accepted.
	ScheduleCalls []ScheduleCall

	// CallCountFlush records how many times Flush was called.
	CallCountFlush int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewOutputDevice returns an output device at rate Hz with its clock at zero.
func NewOutputDevice(rate int) *OutputDevice {
	return &OutputDevice{rate: rate, timeline: mixer.NewTimeline(rate)}
}

// SampleRate implements [audio.OutputDevice].
func (d *OutputDevice) SampleRate() int { return d.rate }

// CurrentTime implements [audio.OutputDevice].
func (d *OutputDevice) CurrentTime() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// Schedule implements [audio.OutputDevice].
func (d *OutputDevice) Schedule(samples []float32, at time.Duration, onEnded func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return audio.ErrDeviceClosed
	}
	if d.ScheduleError != nil {
		return d.ScheduleError
	}
	end := d.timeline.Add(samples, at, onEnded)
	d.ScheduleCalls = append(d.ScheduleCalls, ScheduleCall{At: at, End: end, Samples: len(samples)})
	return nil
}

// Advance moves the clock forward by delta. Blocks that end within the
// interval fire their onEnded callbacks in end order, each with the clock set
// to that block's end time. Callbacks run on the caller's goroutine without
// the device lock held.
func (d *OutputDevice) Advance(delta time.Duration) {
	d.mu.Lock()
	target := d.now + delta
	for !d.closed {
		end, cb, ok := d.timeline.PopEnded(target)
		if !ok {
			break
		}
		if end > d.now {
			d.now = end
		}
		if cb != nil {
			d.mu.Unlock()
			cb()
			d.mu.Lock()
		}
	}
	if target > d.now {
		d.now = target
	}
	d.mu.Unlock()
}

// Pending reports how many scheduled blocks have not ended.
func (d *OutputDevice) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timeline.Len()
}

// Calls returns a copy of ScheduleCalls.
func (d *OutputDevice) Calls() []ScheduleCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ScheduleCall, len(d.ScheduleCalls))
	copy(out, d.ScheduleCalls)
	return out
}

// Flush implements [audio.OutputDevice].
func (d *OutputDevice) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountFlush++
	d.timeline.Clear()
}

// Close implements [audio.OutputDevice]. Returns CloseError.
func (d *OutputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.closed = true
	d.timeline.Clear()
	return d.CloseError
}

// Closed reports whether Close has been called.
func (d *OutputDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// ─── Backend ──────────────────────────────────────────────────────────────────

// OpenCaptureCall records the arguments of a single [Backend.OpenCapture]
// invocation.
type OpenCaptureCall struct {
	Config audio.CaptureConfig
}

// Backend is a mock implementation of [audio.CaptureBackend] and
// [audio.OutputBackend].
type Backend struct {
	mu sync.Mutex

	// Capture is returned by OpenCapture. When nil or closed, a fresh
	// [CaptureDevice] is created at the requested rate with a buffer of 16
	// chunks.
	Capture *CaptureDevice

	// CaptureError, if set, is returned by OpenCapture.
	CaptureError error

	// Output is returned by OpenOutput. When nil or closed, a fresh
	// [OutputDevice] is created at the requested rate.
	Output *OutputDevice

	// OutputError, if set, is returned by OpenOutput.
	OutputError error

	// DevicesResult is returned by Devices.
	DevicesResult []audio.DeviceInfo

	// OpenCaptureCalls records all OpenCapture invocations.
	OpenCaptureCalls []OpenCaptureCall

	// OpenOutputRates records the rate of every OpenOutput invocation.
	OpenOutputRates []int
}

// OpenCapture implements [audio.CaptureBackend].
func (b *Backend) OpenCapture(_ context.Context, cfg audio.CaptureConfig) (audio.CaptureDevice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OpenCaptureCalls = append(b.OpenCaptureCalls, OpenCaptureCall{Config: cfg})
	if b.CaptureError != nil {
		return nil, b.CaptureError
	}
	if b.Capture == nil || b.Capture.Closed() {
		b.Capture = NewCaptureDevice(cfg.SampleRate, 16)
	}
	return b.Capture, nil
}

// CaptureDevice returns the device handed out by the last successful
// OpenCapture, or nil.
func (b *Backend) CaptureDevice() *CaptureDevice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Capture
}

// Devices implements [audio.CaptureBackend].
func (b *Backend) Devices(_ context.Context) ([]audio.DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.DevicesResult, nil
}

// OpenOutput implements [audio.OutputBackend].
func (b *Backend) OpenOutput(_ context.Context, sampleRate int) (audio.OutputDevice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OpenOutputRates = append(b.OpenOutputRates, sampleRate)
	if b.OutputError != nil {
		return nil, b.OutputError
	}
	if b.Output == nil || b.Output.Closed() {
		b.Output = NewOutputDevice(sampleRate)
	}
	return b.Output, nil
}

// OutputDevice returns the device handed out by the last successful
// OpenOutput, or nil.
func (b *Backend) OutputDevice() *OutputDevice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Output
}
