package voice_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/argushq/liveintake/internal/capture"
	"github.com/argushq/liveintake/internal/observe"
	"github.com/argushq/liveintake/internal/voice"
	"github.com/argushq/liveintake/pkg/audio"
	audiomock "github.com/argushq/liveintake/pkg/audio/mock"
	"github.com/argushq/liveintake/pkg/audio/pcm"
	"github.com/argushq/liveintake/pkg/transport"
	transportmock "github.com/argushq/liveintake/pkg/transport/mock"
)

const waitTimeout = 2 * time.Second

// recorder collects observer notifications.
type recorder struct {
	mu      sync.Mutex
	states  []voice.State
	talking []bool
	frags   []voice.Entry
	changed chan struct{}
}

func newRecorder() *recorder { return &recorder{changed: make(chan struct{}, 64)} }

func (r *recorder) observer() voice.Observer {
	return voice.Observer{
		OnState: func(s voice.State, _ error) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
			r.signal()
		},
		OnTalking: func(v bool) {
			r.mu.Lock()
			r.talking = append(r.talking, v)
			r.mu.Unlock()
			r.signal()
		},
		OnTranscript: func(e voice.Entry) {
			r.mu.Lock()
			r.frags = append(r.frags, e)
			r.mu.Unlock()
			r.signal()
		},
	}
}

func (r *recorder) signal() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

func (r *recorder) States() []voice.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.states)
}

func (r *recorder) Talking() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.talking)
}

// waitState blocks until s has been observed.
func (r *recorder) waitState(t *testing.T, s voice.State) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for !slices.Contains(r.States(), s) {
		select {
		case <-r.changed:
		case <-deadline:
			t.Fatalf("state %v not observed; got %v", s, r.States())
		}
	}
}

type fixture struct {
	provider *transportmock.Provider
	backend  *audiomock.Backend
	rec      *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		provider: &transportmock.Provider{},
		backend:  &audiomock.Backend{},
		rec:      newRecorder(),
	}
}

func (f *fixture) start(t *testing.T) (*voice.Controller, *transportmock.Session) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	ready := f.provider.Await()
	c, err := voice.Start(context.Background(), voice.Deps{
		Transport: f.provider,
		Capture:   f.backend,
		Output:    f.backend,
		Metrics:   m,
	}, voice.Options{
		Capture:  capture.Config{FrameSize: 160},
		Observer: f.rec.observer(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Stop)
	select {
	case s := <-ready:
		return c, s
	case <-time.After(waitTimeout):
		t.Fatal("Connect not called")
		return nil, nil
	}
}

func waitDone(t *testing.T, c *voice.Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session did not finish")
	}
}

func TestController_FullConversation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c, sess := f.start(t)
	if c.ID() == "" {
		t.Error("empty session id")
	}
	if got := c.State(); got != voice.StateConnecting {
		t.Errorf("state before handshake = %v, want connecting", got)
	}

	sess.Open()
	f.rec.waitState(t, voice.StateConnected)

	// Microphone frames reach the transport.
	mic := f.backend.CaptureDevice()
	if mic == nil {
		t.Fatal("capture not opened after handshake")
	}
	if mic.SampleRate() != transport.DefaultCaptureSampleRate {
		t.Errorf("capture rate = %d, want %d", mic.SampleRate(), transport.DefaultCaptureSampleRate)
	}
	mic.Push(make([]float32, 320))
	sent := sess.WaitSent(2, waitTimeout)
	if len(sent) != 2 {
		t.Fatalf("sent %d frames, want 2", len(sent))
	}
	if sent[0].MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("frame mime = %q", sent[0].MIMEType)
	}

	// Inbound audio is scheduled and flips talking.
	speaker := f.backend.OutputDevice()
	chunk := pcm.EncodeWire(pcm.SamplesToPCM16(make([]float32, 2400)), 24000)
	sess.DeliverAudio(chunk)
	sess.DeliverAudio(chunk)
	if n := len(speaker.Calls()); n != 2 {
		t.Fatalf("scheduled %d chunks, want 2", n)
	}
	if !c.Talking() {
		t.Error("not talking with audio scheduled")
	}
	speaker.Advance(200 * time.Millisecond)
	if c.Talking() {
		t.Error("still talking after playback ended")
	}

	// Transcripts accumulate per speaker and turn.
	sess.Deliver(transport.InboundEvent{Kind: transport.EventTranscript, Role: transport.RoleUser, Text: "There is a fire "})
	sess.Deliver(transport.InboundEvent{Kind: transport.EventTranscript, Role: transport.RoleUser, Text: "on Main Street."})
	sess.Deliver(transport.InboundEvent{Kind: transport.EventTranscript, Role: transport.RoleAgent, Text: "Is anyone hurt?"})
	sess.Deliver(transport.InboundEvent{Kind: transport.EventTurnComplete})
	sess.Deliver(transport.InboundEvent{Kind: transport.EventTranscript, Role: transport.RoleAgent, Text: "Stay safe."})

	want := "user: There is a fire on Main Street.\nagent: Is anyone hurt?\nagent: Stay safe."
	if got := c.Transcript(); got != want {
		t.Errorf("Transcript =\n%s\nwant\n%s", got, want)
	}

	c.Stop()
	waitDone(t, c)

	if !mic.Closed() {
		t.Error("capture device not closed")
	}
	if !sess.Closed() {
		t.Error("transport session not closed")
	}
	if !speaker.Closed() {
		t.Error("output device not closed")
	}
	if got := c.State(); got != voice.StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
	wantStates := []voice.State{voice.StateConnecting, voice.StateConnected, voice.StateClosed}
	if got := f.rec.States(); !slices.Equal(got, wantStates) {
		t.Errorf("states = %v, want %v", got, wantStates)
	}
	if got := f.rec.Talking(); !slices.Equal(got, []bool{true, false}) {
		t.Errorf("talking = %v, want [true false]", got)
	}
	if n := len(f.rec.frags); n != 4 {
		t.Errorf("observed %d fragments, want 4", n)
	}
}

func TestController_StopBeforeHandshake(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c, sess := f.start(t)

	c.Stop()
	// The handshake resolves after Stop: nothing may happen.
	sess.Open()
	waitDone(t, c)

	if got := c.State(); got != voice.StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
	if n := len(f.backend.OpenCaptureCalls); n != 0 {
		t.Errorf("capture opened %d times after Stop", n)
	}
	if sess.CloseCount() != 1 {
		t.Errorf("session CloseCount = %d, want 1", sess.CloseCount())
	}
	if !f.backend.OutputDevice().Closed() {
		t.Error("output device not closed")
	}
	if got := f.rec.States(); !slices.Equal(got, []voice.State{voice.StateConnecting, voice.StateClosed}) {
		t.Errorf("states = %v", got)
	}
}

func TestController_DoubleStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c, sess := f.start(t)
	sess.Open()
	f.rec.waitState(t, voice.StateConnected)

	c.Stop()
	c.Stop()
	waitDone(t, c)
	c.Stop()

	if sess.CloseCount() != 1 {
		t.Errorf("session CloseCount = %d, want 1", sess.CloseCount())
	}
	out := f.backend.OutputDevice()
	if out.CallCountClose != 1 {
		t.Errorf("output CallCountClose = %d, want 1", out.CallCountClose)
	}
	if n := f.backend.CaptureDevice().CallCountClose; n != 1 {
		t.Errorf("capture CallCountClose = %d, want 1", n)
	}
}

func TestController_TransportErrorEndsInError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c, sess := f.start(t)
	sess.Open()
	f.rec.waitState(t, voice.StateConnected)

	sess.Fail(errors.New("socket reset"))
	waitDone(t, c)

	if got := c.State(); got != voice.StateError {
		t.Errorf("state = %v, want error", got)
	}
	if !errors.Is(c.Err(), transport.ErrTransport) {
		t.Errorf("Err = %v, want ErrTransport", c.Err())
	}
	if !f.backend.CaptureDevice().Closed() || !f.backend.OutputDevice().Closed() {
		t.Error("devices not released after transport error")
	}
	// Stop after the session ended keeps the error state.
	c.Stop()
	if got := c.State(); got != voice.StateError {
		t.Errorf("state after Stop = %v, want error", got)
	}
}

func TestController_HandshakeFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.provider.ConnectError = errors.New("401 unauthorized")
	c, _ := f.start(t)
	waitDone(t, c)

	if got := c.State(); got != voice.StateError {
		t.Errorf("state = %v, want error", got)
	}
	if n := len(f.backend.OpenCaptureCalls); n != 0 {
		t.Errorf("capture opened %d times", n)
	}
}

func TestController_CaptureUnavailable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.backend.CaptureError = fmt.Errorf("%w: permission denied", audio.ErrDeviceUnavailable)
	f.provider.AutoOpen = true
	c, sess := f.start(t)
	waitDone(t, c)

	if got := c.State(); got != voice.StateError {
		t.Errorf("state = %v, want error", got)
	}
	if !errors.Is(c.Err(), audio.ErrDeviceUnavailable) {
		t.Errorf("Err = %v, want ErrDeviceUnavailable", c.Err())
	}
	if !sess.Closed() {
		t.Error("transport not closed after capture failure")
	}
}

func TestController_OutputUnavailable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.backend.OutputError = fmt.Errorf("%w: no sink", audio.ErrDeviceUnavailable)
	_, err := voice.Start(context.Background(), voice.Deps{
		Transport: f.provider,
		Capture:   f.backend,
		Output:    f.backend,
	}, voice.Options{})
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if n := len(f.provider.ConnectCalls); n != 0 {
		t.Errorf("Connect called %d times", n)
	}
}

func TestController_RemoteCloseEndsClosed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c, sess := f.start(t)
	sess.Open()
	f.rec.waitState(t, voice.StateConnected)

	sess.End()
	waitDone(t, c)
	if got := c.State(); got != voice.StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
	if c.Err() != nil {
		t.Errorf("Err = %v, want nil", c.Err())
	}
}

func TestController_InterruptFlushesPlayback(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c, sess := f.start(t)
	sess.Open()
	f.rec.waitState(t, voice.StateConnected)

	sess.DeliverAudio(pcm.EncodeWire(pcm.SamplesToPCM16(make([]float32, 4800)), 24000))
	if !c.Talking() {
		t.Fatal("not talking")
	}
	sess.Deliver(transport.InboundEvent{Kind: transport.EventInterrupted})

	out := f.backend.OutputDevice()
	if out.Pending() != 0 {
		t.Errorf("%d chunks still scheduled after interrupt", out.Pending())
	}
	if c.Talking() {
		t.Error("talking after interrupt")
	}
}

func TestController_ObserverMayStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var c *voice.Controller
	ready := make(chan struct{})
	f.rec = newRecorder()
	obs := f.rec.observer()
	inner := obs.OnState
	obs.OnState = func(s voice.State, err error) {
		inner(s, err)
		if s == voice.StateConnected {
			<-ready
			c.Stop()
		}
	}
	f.provider.AutoOpen = true

	var err error
	c, err = voice.Start(context.Background(), voice.Deps{
		Transport: f.provider,
		Capture:   f.backend,
		Output:    f.backend,
	}, voice.Options{Observer: obs})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	close(ready)
	waitDone(t, c)
	if got := c.State(); got != voice.StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	for s, want := range map[voice.State]string{
		voice.StateConnecting: "connecting",
		voice.StateConnected:  "connected",
		voice.StateError:      "error",
		voice.StateClosed:     "closed",
		voice.State(42):       "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
		if strings.Contains(want, "unknown") && s.Terminal() {
			t.Errorf("unknown state reported terminal")
		}
	}
}
