// Package playback places inbound speech on the output device clock.
//
// A [Scheduler] keeps a single cursor, the device sample at which the next
// chunk may start. Each chunk starts at max(now, cursor) and advances the
// cursor by its length, so consecutive chunks play back to back with no gap
// and no overlap no matter how irregularly they arrive. The scheduler reports
// "talking" from the first scheduled chunk until the device clock passes the
// cursor.
//
// Chunks tagged with a rate other than the device rate go through one
// streaming resampler per source rate, so consecutive chunks of a turn are
// converted as a single stream.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/argushq/liveintake/internal/observe"
	"github.com/argushq/liveintake/pkg/audio"
	"github.com/argushq/liveintake/pkg/audio/pcm"
)

var (
	// ErrDecode wraps every reason an inbound frame could not be turned into
	// samples. The frame is dropped and the cursor does not move.
	ErrDecode = errors.New("playback: decode error")

	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("playback: scheduler closed")
)

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithDefaultRate sets the rate assumed for frames whose MIME type carries no
// rate parameter. Default: the output device rate.
func WithDefaultRate(rate int) Option {
	return func(s *Scheduler) { s.defaultRate = rate }
}

// Scheduler schedules decoded chunks gaplessly on an [audio.OutputDevice].
// It does not own the device.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	out         audio.OutputDevice
	defaultRate int
	metrics     *observe.Metrics
	log         *slog.Logger

	mu         sync.Mutex
	nextSample int64 // cursor in device samples
	talking    bool
	epoch      uint64 // bumped by Flush and Close; stale onEnded calls are ignored
	closed     bool
	onTalking  func(bool)
	resamplers map[int]resampling.Resampler // keyed by source rate
}

// New returns a Scheduler for out with its cursor at zero.
func New(out audio.OutputDevice, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:         out,
		defaultRate: out.SampleRate(),
		metrics:     observe.DefaultMetrics(),
		log:         slog.Default(),
		resamplers:  make(map[int]resampling.Resampler),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnTalking registers fn to be called whenever the talking state flips. fn
// runs with the scheduler lock held and must not call back into the
// Scheduler.
func (s *Scheduler) OnTalking(fn func(talking bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTalking = fn
}

// Enqueue decodes frame and schedules it right after everything already
// scheduled. Malformed frames are logged, counted and dropped; the returned
// error wraps [ErrDecode] and the cursor is unchanged. A zero-length frame is
// a no-op.
func (s *Scheduler) Enqueue(frame pcm.WireFrame) error {
	rate, samples, err := s.decode(frame)
	if err != nil {
		return s.drop(frame, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if rate != s.out.SampleRate() {
		if samples, err = s.resampleLocked(rate, samples); err != nil {
			return s.drop(frame, fmt.Errorf("%w: %w", ErrDecode, err))
		}
	}
	return s.scheduleLocked(samples)
}

// EndTurn schedules the audio still held back by the resamplers and resets
// them for the next turn. Call it when the remote side finishes a turn.
func (s *Scheduler) EndTurn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	var errs []error
	for _, rate := range slices.Sorted(maps.Keys(s.resamplers)) {
		rs := s.resamplers[rate]
		tail, err := rs.Flush()
		rs.Reset()
		if err != nil {
			errs = append(errs, fmt.Errorf("playback: flush resampler %d Hz: %w", rate, err))
			continue
		}
		if err := s.scheduleLocked(toFloat32(tail)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) drop(frame pcm.WireFrame, err error) error {
	s.metrics.DecodeErrors.Add(context.Background(), 1)
	s.log.Warn("DecodeError: dropping inbound audio", "err", err, "mime", frame.MIMEType, "bytes", len(frame.Data))
	return err
}

// scheduleLocked places samples at max(now, cursor). Starts are kept on the
// device sample grid so the device reports the block's end at exactly the
// new cursor.
func (s *Scheduler) scheduleLocked(samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	rate := s.out.SampleRate()
	now := s.out.CurrentTime()
	first := max(sampleAtOrAfter(now, rate), s.nextSample)
	at := pcm.SamplesDuration(int(first), rate)

	epoch := s.epoch
	if err := s.out.Schedule(samples, at, func() { s.ended(epoch) }); err != nil {
		return fmt.Errorf("playback: schedule: %w", err)
	}
	s.nextSample = first + int64(len(samples))
	s.setTalkingLocked(true)
	s.metrics.RecordScheduled(context.Background(), pcm.SamplesDuration(len(samples), rate), at-now)
	return nil
}

// decode turns a wire frame into samples at the frame's own rate.
func (s *Scheduler) decode(frame pcm.WireFrame) (int, []float32, error) {
	rate, err := pcm.ParseRate(frame.MIMEType, s.defaultRate)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	data, err := pcm.DecodeWire(frame.Data)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	samples, err := pcm.PCM16ToSamples(data)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w: %d bytes", ErrDecode, err, len(data))
	}
	return rate, samples, nil
}

// resampleLocked converts samples from rate to the device rate, carrying
// filter state over from the previous chunk of the same rate. The output
// lags the input by the resampler latency until [Scheduler.EndTurn].
func (s *Scheduler) resampleLocked(rate int, samples []float32) ([]float32, error) {
	rs, ok := s.resamplers[rate]
	if !ok {
		var err error
		rs, err = resampling.New(&resampling.Config{
			InputRate:  float64(rate),
			OutputRate: float64(s.out.SampleRate()),
			Channels:   1,
			Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
		})
		if err != nil {
			return nil, fmt.Errorf("create resampler %d->%d Hz: %w", rate, s.out.SampleRate(), err)
		}
		s.log.Debug("playback: resampling", "from_hz", rate, "to_hz", s.out.SampleRate())
		s.resamplers[rate] = rs
	}
	return rs.ProcessFloat32(samples)
}

// ended runs from the device when one scheduled chunk has finished.
func (s *Scheduler) ended(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || s.closed {
		return
	}
	if s.out.CurrentTime() >= s.cursorLocked() {
		s.setTalkingLocked(false)
	}
}

func (s *Scheduler) setTalkingLocked(v bool) {
	if s.talking == v {
		return
	}
	s.talking = v
	if s.onTalking != nil {
		s.onTalking(v)
	}
}

// Flush cancels everything scheduled on the device, resets the cursor and
// stops talking. Used when the remote side reports an interruption.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.epoch++
	s.out.Flush()
	s.nextSample = 0
	for _, rs := range s.resamplers {
		rs.Reset()
	}
	s.setTalkingLocked(false)
}

// Talking reports whether scheduled audio is still playing.
func (s *Scheduler) Talking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.talking
}

// Cursor returns the device time at which the next chunk would start if the
// device clock were behind it.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursorLocked()
}

func (s *Scheduler) cursorLocked() time.Duration {
	return pcm.SamplesDuration(int(s.nextSample), s.out.SampleRate())
}

// Close stops accepting chunks and drops talking to false. It does not touch
// the device. Safe to call more than once.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.setTalkingLocked(false)
	s.closed = true
	s.epoch++
	clear(s.resamplers)
}

// sampleAtOrAfter returns the index of the first sample at rate Hz that
// starts at or after d.
func sampleAtOrAfter(d time.Duration, rate int) int64 {
	return (int64(d)*int64(rate) + int64(time.Second) - 1) / int64(time.Second)
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
