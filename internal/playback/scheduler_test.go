package playback_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/argushq/liveintake/internal/observe"
	"github.com/argushq/liveintake/internal/playback"
	"github.com/argushq/liveintake/pkg/audio/mock"
	"github.com/argushq/liveintake/pkg/audio/pcm"
)

const rate = 24000

// tone returns a wire frame of d at rate Hz.
func tone(d time.Duration) pcm.WireFrame {
	n := int(d * rate / time.Second)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.25
	}
	return pcm.EncodeWire(pcm.SamplesToPCM16(samples), rate)
}

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: unexpected data type %T", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

// talkLog records OnTalking transitions.
type talkLog struct {
	mu  sync.Mutex
	got []bool
}

func (l *talkLog) record(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, v)
}

func (l *talkLog) values() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.got)
}

func TestEnqueue_TalkingFollowsDeviceClock(t *testing.T) {
	t.Parallel()

	dev := mock.NewOutputDevice(rate)
	m, _ := newTestMetrics(t)
	s := playback.New(dev, playback.WithMetrics(m))
	var log talkLog
	s.OnTalking(log.record)

	if err := s.Enqueue(tone(100 * time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !s.Talking() {
		t.Fatal("not talking right after Enqueue")
	}

	dev.Advance(10 * time.Millisecond)
	if err := s.Enqueue(tone(50 * time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	calls := dev.Calls()
	if len(calls) != 2 {
		t.Fatalf("scheduled %d chunks, want 2", len(calls))
	}
	if calls[0].At != 0 || calls[1].At != 100*time.Millisecond {
		t.Errorf("starts = %v, %v; want 0s, 100ms", calls[0].At, calls[1].At)
	}
	if got := s.Cursor(); got != 150*time.Millisecond {
		t.Errorf("Cursor = %v, want 150ms", got)
	}

	dev.Advance(110 * time.Millisecond) // t = 120ms
	if !s.Talking() {
		t.Error("stopped talking at 120ms with audio scheduled until 150ms")
	}

	dev.Advance(40 * time.Millisecond) // t = 160ms
	if s.Talking() {
		t.Error("still talking at 160ms")
	}
	if got, want := log.values(), []bool{true, false}; !slices.Equal(got, want) {
		t.Errorf("OnTalking = %v, want %v", got, want)
	}
}

func TestEnqueue_NeverOverlaps(t *testing.T) {
	t.Parallel()

	dev := mock.NewOutputDevice(rate)
	m, _ := newTestMetrics(t)
	s := playback.New(dev, playback.WithMetrics(m))

	steps := []struct {
		advance time.Duration
		chunk   time.Duration
	}{
		{0, 40 * time.Millisecond},
		{5 * time.Millisecond, 20 * time.Millisecond},
		{100 * time.Millisecond, 30 * time.Millisecond}, // after a gap
		{0, 10 * time.Millisecond},
		{15 * time.Millisecond, 60 * time.Millisecond},
	}
	for _, st := range steps {
		dev.Advance(st.advance)
		if err := s.Enqueue(tone(st.chunk)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	calls := dev.Calls()
	for i := 1; i < len(calls); i++ {
		if calls[i].At < calls[i-1].End {
			t.Errorf("chunk %d starts at %v before chunk %d ends at %v", i, calls[i].At, i-1, calls[i-1].End)
		}
	}
	// Chunk 2 arrived after the device went idle: it starts at the current
	// time, not at the stale cursor.
	if calls[2].At != 105*time.Millisecond {
		t.Errorf("chunk 2 starts at %v, want 105ms", calls[2].At)
	}
	// Chunk 3 arrived while chunk 2 was queued: back to back.
	if calls[3].At != calls[2].End {
		t.Errorf("chunk 3 starts at %v, want %v", calls[3].At, calls[2].End)
	}
}

func TestEnqueue_CorruptFrameBetweenValidFrames(t *testing.T) {
	t.Parallel()

	dev := mock.NewOutputDevice(rate)
	m, reader := newTestMetrics(t)
	s := playback.New(dev, playback.WithMetrics(m))

	if err := s.Enqueue(tone(20 * time.Millisecond)); err != nil {
		t.Fatalf("Enqueue first: %v", err)
	}
	cursor := s.Cursor()

	corrupt := []pcm.WireFrame{
		{MIMEType: pcm.MIMEType(rate), Data: "not//base64!!"},
		pcm.EncodeWire([]byte{1, 2, 3}, rate),
		{MIMEType: "audio/pcm;rate=zero", Data: tone(10 * time.Millisecond).Data},
	}
	for _, f := range corrupt {
		if err := s.Enqueue(f); !errors.Is(err, playback.ErrDecode) {
			t.Errorf("Enqueue(%q) err = %v, want ErrDecode", f.Data, err)
		}
		if s.Cursor() != cursor {
			t.Errorf("corrupt frame moved cursor to %v", s.Cursor())
		}
	}

	if err := s.Enqueue(tone(30 * time.Millisecond)); err != nil {
		t.Fatalf("Enqueue last: %v", err)
	}
	calls := dev.Calls()
	if len(calls) != 2 {
		t.Fatalf("scheduled %d chunks, want 2", len(calls))
	}
	if calls[1].At != calls[0].End {
		t.Errorf("second valid chunk at %v, want %v", calls[1].At, calls[0].End)
	}
	if got := counterValue(t, reader, "liveintake.playback.decode_errors"); got != int64(len(corrupt)) {
		t.Errorf("decode_errors = %d, want %d", got, len(corrupt))
	}
}

func TestEnqueue_ResamplesToDeviceRate(t *testing.T) {
	t.Parallel()

	dev := mock.NewOutputDevice(48000)
	m, reader := newTestMetrics(t)
	s := playback.New(dev, playback.WithMetrics(m))

	// Ten 40ms chunks of one 24 kHz stream, 400ms in total.
	for range 10 {
		if err := s.Enqueue(tone(40 * time.Millisecond)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if err := s.EndTurn(); err != nil {
		t.Fatalf("EndTurn: %v", err)
	}

	calls := dev.Calls()
	if len(calls) == 0 {
		t.Fatal("nothing scheduled")
	}
	total := 0
	for i, c := range calls {
		total += c.Samples
		if i > 0 && c.At != calls[i-1].End {
			t.Errorf("chunk %d starts at %v, want %v", i, c.At, calls[i-1].End)
		}
	}
	if want := 19200; total < want*9/10 || total > want*21/20 {
		t.Errorf("scheduled %d samples at 48 kHz, want about %d", total, want)
	}
	if got := s.Cursor(); got != calls[len(calls)-1].End {
		t.Errorf("Cursor = %v, want %v", got, calls[len(calls)-1].End)
	}
	if n := counterValue(t, reader, "liveintake.playback.decode_errors"); n != 0 {
		t.Errorf("decode errors = %d, want 0", n)
	}
}

func TestEndTurn_NoResamplingIsNoOp(t *testing.T) {
	t.Parallel()

	dev := mock.NewOutputDevice(rate)
	m, _ := newTestMetrics(t)
	s := playback.New(dev, playback.WithMetrics(m))

	if err := s.Enqueue(tone(20 * time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.EndTurn(); err != nil {
		t.Fatalf("EndTurn: %v", err)
	}
	if n := len(dev.Calls()); n != 1 {
		t.Errorf("scheduled %d chunks, want 1", n)
	}
	if got := s.Cursor(); got != 20*time.Millisecond {
		t.Errorf("Cursor = %v, want 20ms", got)
	}

	s.Close()
	if err := s.EndTurn(); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("EndTurn after Close err = %v, want ErrClosed", err)
	}
}

func TestEnqueue_OffGridStartStopsTalking(t *testing.T) {
	t.Parallel()

	const cdRate = 44100
	dev := mock.NewOutputDevice(cdRate)
	m, _ := newTestMetrics(t)
	s := playback.New(dev, playback.WithMetrics(m))
	var log talkLog
	s.OnTalking(log.record)

	samples := make([]float32, 4410)
	for i := range samples {
		samples[i] = 0.25
	}
	// 1ms is 44.1 samples at 44.1 kHz, between two sample boundaries.
	dev.Advance(time.Millisecond)
	if err := s.Enqueue(pcm.EncodeWire(pcm.SamplesToPCM16(samples), cdRate)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	calls := dev.Calls()
	if len(calls) != 1 {
		t.Fatalf("scheduled %d chunks, want 1", len(calls))
	}
	if calls[0].At < time.Millisecond {
		t.Errorf("chunk starts at %v, before the clock at 1ms", calls[0].At)
	}
	if got := s.Cursor(); got != calls[0].End {
		t.Errorf("Cursor = %v, device end = %v", got, calls[0].End)
	}

	dev.Advance(time.Second)
	if s.Talking() {
		t.Errorf("still talking at %v with audio ending at %v", dev.CurrentTime(), calls[0].End)
	}
	if got, want := log.values(), []bool{true, false}; !slices.Equal(got, want) {
		t.Errorf("OnTalking = %v, want %v", got, want)
	}
}

func TestEnqueue_DefaultRateForUntaggedFrames(t *testing.T) {
	t.Parallel()

	dev := mock.NewOutputDevice(rate)
	m, _ := newTestMetrics(t)
	s := playback.New(dev, playback.WithMetrics(m), playback.WithDefaultRate(12000))

	f := tone(100 * time.Millisecond) // 2400 samples
	f.MIMEType = "audio/pcm"
	if err := s.Enqueue(f); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.EndTurn(); err != nil {
		t.Fatalf("EndTurn: %v", err)
	}
	// Read as 12 kHz, the 2400 samples last 200ms; read as 24 kHz they
	// would last 100ms.
	if got := s.Cursor(); got < 180*time.Millisecond || got > 210*time.Millisecond {
		t.Errorf("Cursor = %v, want about 200ms", got)
	}
}

func TestFlush_CancelsScheduledAudio(t *testing.T) {
	t.Parallel()

	dev := mock.NewOutputDevice(rate)
	m, _ := newTestMetrics(t)
	s := playback.New(dev, playback.WithMetrics(m))
	var log talkLog
	s.OnTalking(log.record)

	for range 3 {
		if err := s.Enqueue(tone(50 * time.Millisecond)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	dev.Advance(20 * time.Millisecond)
	s.Flush()

	if s.Talking() {
		t.Error("talking after Flush")
	}
	if s.Cursor() != 0 {
		t.Errorf("Cursor = %v after Flush, want 0", s.Cursor())
	}
	if dev.Pending() != 0 {
		t.Errorf("device still has %d chunks", dev.Pending())
	}

	if err := s.Enqueue(tone(10 * time.Millisecond)); err != nil {
		t.Fatalf("Enqueue after Flush: %v", err)
	}
	if calls := dev.Calls(); calls[len(calls)-1].At != 20*time.Millisecond {
		t.Errorf("post-flush chunk at %v, want 20ms", calls[len(calls)-1].At)
	}
	dev.Advance(10 * time.Millisecond)
	if got, want := log.values(), []bool{true, false, true, false}; !slices.Equal(got, want) {
		t.Errorf("OnTalking = %v, want %v", got, want)
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	dev := mock.NewOutputDevice(rate)
	m, _ := newTestMetrics(t)
	s := playback.New(dev, playback.WithMetrics(m))

	if err := s.Enqueue(tone(10 * time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	s.Close()
	s.Close()
	if s.Talking() {
		t.Error("talking after Close")
	}
	if err := s.Enqueue(tone(10 * time.Millisecond)); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("Enqueue after Close err = %v, want ErrClosed", err)
	}
	if dev.Closed() {
		t.Error("scheduler closed the device it does not own")
	}
}

func TestEnqueue_DeviceErrorPropagates(t *testing.T) {
	t.Parallel()

	dev := mock.NewOutputDevice(rate)
	dev.ScheduleError = errors.New("underrun")
	m, _ := newTestMetrics(t)
	s := playback.New(dev, playback.WithMetrics(m))

	if err := s.Enqueue(tone(10 * time.Millisecond)); err == nil || errors.Is(err, playback.ErrDecode) {
		t.Fatalf("err = %v, want schedule error", err)
	}
	if s.Talking() || s.Cursor() != 0 {
		t.Error("failed schedule changed scheduler state")
	}
}
