// Package capture turns a microphone stream into wire-ready frames.
//
// A [Pipeline] owns one open [audio.CaptureDevice]. Its goroutine slices the
// device's arbitrary-length chunks into fixed windows of FrameSize samples,
// converts each window to 16-bit PCM, base64-encodes it and hands the result
// to the frame callback. Delivery is at-most-once: there is no queue and no
// retry, so a slow callback holds back the device, which drops chunks on its
// own side.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/argushq/liveintake/internal/observe"
	"github.com/argushq/liveintake/pkg/audio"
	"github.com/argushq/liveintake/pkg/audio/pcm"
)

const (
	// DefaultSampleRate is the capture and wire rate used when none is set.
	DefaultSampleRate = 16000

	// DefaultFrameSize is the number of samples per wire frame.
	DefaultFrameSize = 4096
)

// Config configures a [Pipeline].
type Config struct {
	// Device is the backend-specific device identifier; empty selects the
	// default microphone.
	Device string

	// DeviceSampleRate is the rate requested from the device.
	// Default: [DefaultSampleRate].
	DeviceSampleRate int

	// WireSampleRate is the rate frames are tagged with. When it differs from
	// the rate the device actually delivers, samples are resampled before
	// framing. Default: the device rate.
	WireSampleRate int

	// FrameSize is the number of wire-rate samples per frame.
	// Default: [DefaultFrameSize].
	FrameSize int
}

func (c Config) withDefaults() Config {
	if c.DeviceSampleRate <= 0 {
		c.DeviceSampleRate = DefaultSampleRate
	}
	if c.WireSampleRate <= 0 {
		c.WireSampleRate = c.DeviceSampleRate
	}
	if c.FrameSize <= 0 {
		c.FrameSize = DefaultFrameSize
	}
	return c
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// Pipeline is a running capture pipeline. Create one with [Open].
type Pipeline struct {
	dev      audio.CaptureDevice
	onFrame  func(pcm.WireFrame)
	frame    int
	wireRate int
	rs       resampling.Resampler // nil when device and wire rates match
	metrics  *observe.Metrics
	log      *slog.Logger

	frames   atomic.Int64
	stopped  atomic.Bool
	done     chan struct{}
	closeErr error
	once     sync.Once
	warnOnce sync.Once
}

// Open acquires a capture device from backend and starts framing its samples.
// onFrame is called synchronously from the pipeline goroutine for every
// complete frame, in capture order. It must not call [Pipeline.Close].
//
// A device that cannot be opened yields an error wrapping
// [audio.ErrDeviceUnavailable].
func Open(ctx context.Context, backend audio.CaptureBackend, cfg Config, onFrame func(pcm.WireFrame), opts ...Option) (*Pipeline, error) {
	if backend == nil {
		return nil, errors.New("capture: backend must not be nil")
	}
	if onFrame == nil {
		return nil, errors.New("capture: onFrame must not be nil")
	}
	cfg = cfg.withDefaults()

	p := &Pipeline{
		onFrame:  onFrame,
		frame:    cfg.FrameSize,
		wireRate: cfg.WireSampleRate,
		metrics:  observe.DefaultMetrics(),
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}

	dev, err := backend.OpenCapture(ctx, audio.CaptureConfig{Device: cfg.Device, SampleRate: cfg.DeviceSampleRate})
	if err != nil {
		if errors.Is(err, audio.ErrDeviceUnavailable) {
			return nil, fmt.Errorf("capture: open device: %w", err)
		}
		return nil, fmt.Errorf("capture: open device: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	p.dev = dev

	if src := dev.SampleRate(); src != p.wireRate {
		p.rs, err = resampling.New(&resampling.Config{
			InputRate:  float64(src),
			OutputRate: float64(p.wireRate),
			Channels:   1,
			Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
		})
		if err != nil {
			_ = dev.Close()
			return nil, fmt.Errorf("capture: create resampler %d->%d Hz: %w", src, p.wireRate, err)
		}
		p.log.Debug("capture: resampling", "from_hz", src, "to_hz", p.wireRate)
	}

	go p.run()
	return p, nil
}

// SampleRate returns the rate frames are tagged with.
func (p *Pipeline) SampleRate() int { return p.wireRate }

// Frames returns the number of frames delivered so far.
func (p *Pipeline) Frames() int64 { return p.frames.Load() }

// Done is closed when the pipeline goroutine has exited, either after Close or
// because the device stopped on its own.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Close stops the device and waits for the pipeline goroutine to exit. No
// frame is delivered after Close returns. It is safe to call more than once.
func (p *Pipeline) Close() error {
	p.once.Do(func() {
		p.stopped.Store(true)
		p.closeErr = p.dev.Close()
		<-p.done
	})
	return p.closeErr
}

func (p *Pipeline) run() {
	defer close(p.done)

	window := make([]float32, 0, p.frame)
	samples := p.dev.Samples()
	for chunk := range samples {
		if p.stopped.Load() {
			// Chunks still buffered after Close are never delivered.
			audio.Drain(samples)
			break
		}
		if p.rs != nil {
			chunk = p.resample(chunk)
		}
		for len(chunk) > 0 {
			n := min(p.frame-len(window), len(chunk))
			window = append(window, chunk[:n]...)
			chunk = chunk[n:]
			if len(window) == p.frame {
				p.emit(window)
				window = window[:0]
			}
		}
	}
	if len(window) > 0 {
		p.log.Debug("capture: discarded partial frame", "samples", len(window))
	}
}

func (p *Pipeline) emit(window []float32) {
	if p.stopped.Load() {
		return
	}
	wf := pcm.EncodeWire(pcm.SamplesToPCM16(window), p.wireRate)
	p.frames.Add(1)
	p.metrics.FramesCaptured.Add(context.Background(), 1)
	p.onFrame(wf)
}

func (p *Pipeline) resample(chunk []float32) []float32 {
	in := make([]float64, len(chunk))
	for i, s := range chunk {
		in[i] = float64(s)
	}
	out, err := p.rs.Process(in)
	if err != nil {
		p.warnOnce.Do(func() {
			p.log.Warn("capture: resample failed, dropping chunk", "err", err)
		})
		return nil
	}
	res := make([]float32, len(out))
	for i, s := range out {
		res[i] = float32(s)
	}
	return res
}
