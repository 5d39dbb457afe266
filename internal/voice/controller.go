// Package voice runs one live intake conversation end to end.
//
// A [Controller] owns every resource of a session: the output device and its
// playback scheduler, the transport session, and the capture pipeline that
// is opened once the transport handshake completes. Microphone frames flow to
// the transport; inbound audio flows to the scheduler; transcripts accumulate
// on the controller. Whatever ends the session (a transport error, the remote
// side closing, or [Controller.Stop]) releases the resources in reverse
// order: capture, transport, output device.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/argushq/liveintake/internal/capture"
	"github.com/argushq/liveintake/internal/observe"
	"github.com/argushq/liveintake/internal/playback"
	"github.com/argushq/liveintake/pkg/audio"
	"github.com/argushq/liveintake/pkg/audio/pcm"
	"github.com/argushq/liveintake/pkg/transport"
)

// Entry is one transcript segment.
type Entry struct {
	// Role is [transport.RoleUser] or [transport.RoleAgent].
	Role string `json:"role"`
	// Text is the segment text.
	Text string `json:"text"`
	// At is when the segment started.
	At time.Time `json:"at"`
}

// Observer receives session notifications. All callbacks run in order on a
// single goroutine owned by the Controller, so they may call
// [Controller.Stop]. Nil callbacks are skipped.
type Observer struct {
	// OnState is called on every state change. err is set for StateError.
	OnState func(state State, err error)

	// OnTalking is called when the agent starts or stops speaking.
	OnTalking func(talking bool)

	// OnTranscript is called for every transcript fragment as it arrives.
	OnTranscript func(fragment Entry)
}

// Deps are the collaborators a Controller drives.
type Deps struct {
	Transport transport.Provider
	Capture   audio.CaptureBackend
	Output    audio.OutputBackend

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Options configure a single session.
type Options struct {
	Transport transport.Config

	// Capture.WireSampleRate defaults to Transport.CaptureSampleRate.
	Capture capture.Config

	Observer Observer
}

// Controller is a running voice session. Create one with [Start].
type Controller struct {
	id       string
	started  time.Time
	log      *slog.Logger
	metrics  *observe.Metrics
	observer Observer
	backend  audio.CaptureBackend
	ccfg     capture.Config

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span

	out   audio.OutputDevice
	sched *playback.Scheduler
	sess  transport.Session

	mu         sync.Mutex
	state      State
	err        error
	pipeline   *capture.Pipeline
	entries    []Entry
	turnClosed bool // next fragment starts a new entry

	live     atomic.Bool
	talking  atomic.Bool
	notify   *notifier
	stopOnce sync.Once
}

// Start opens the output device, then starts the transport handshake and
// returns. The microphone opens when the handshake completes. Start fails
// only if the output device cannot be acquired (the error wraps
// [audio.ErrDeviceUnavailable]) or deps are incomplete; later failures move
// the session to StateError.
//
// ctx bounds the device acquisition. The session itself lives until it ends
// or Stop is called.
func Start(ctx context.Context, deps Deps, opts Options) (*Controller, error) {
	if deps.Transport == nil || deps.Capture == nil || deps.Output == nil {
		return nil, errors.New("voice: transport, capture and output are required")
	}
	tcfg := opts.Transport.WithDefaults()
	ccfg := opts.Capture
	if ccfg.WireSampleRate <= 0 {
		ccfg.WireSampleRate = tcfg.CaptureSampleRate
	}
	if ccfg.DeviceSampleRate <= 0 {
		ccfg.DeviceSampleRate = ccfg.WireSampleRate
	}

	metrics := deps.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	id := uuid.NewString()
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session_id", id)

	out, err := deps.Output.OpenOutput(ctx, tcfg.PlaybackSampleRate)
	if err != nil {
		return nil, fmt.Errorf("voice: open output: %w", err)
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sctx, span := observe.StartSessionSpan(sctx, id, deps.Transport.Name())
	c := &Controller{
		id:       id,
		started:  time.Now().UTC(),
		log:      log,
		metrics:  metrics,
		observer: opts.Observer,
		backend:  deps.Capture,
		ccfg:     ccfg,
		ctx:      sctx,
		cancel:   cancel,
		span:     span,
		out:      out,
		notify:   newNotifier(),
	}
	c.sched = playback.New(out,
		playback.WithMetrics(metrics),
		playback.WithLogger(log),
		playback.WithDefaultRate(tcfg.PlaybackSampleRate),
	)
	c.sched.OnTalking(c.talkingChanged)
	c.live.Store(true)
	metrics.ActiveSessions.Add(sctx, 1)

	log.Info("voice session starting",
		"provider", deps.Transport.Name(),
		"capture_rate", tcfg.CaptureSampleRate,
		"playback_rate", tcfg.PlaybackSampleRate,
		"send_policy", tcfg.SendPolicy,
	)

	c.mu.Lock()
	c.metrics.RecordStateTransition(sctx, StateConnecting.String())
	if fn := c.observer.OnState; fn != nil {
		c.notify.post(func() { fn(StateConnecting, nil) })
	}
	// Held across Connect so no callback sees c.sess unset.
	c.sess = deps.Transport.Connect(sctx, tcfg, transport.Callbacks{
		OnOpen:    c.onOpen,
		OnMessage: c.onMessage,
		OnClose:   c.onClose,
		OnError:   c.onError,
	})
	c.mu.Unlock()
	return c, nil
}

func (c *Controller) onOpen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.live.Load() {
		return
	}
	p, err := capture.Open(c.ctx, c.backend, c.ccfg, c.onFrame,
		capture.WithMetrics(c.metrics),
		capture.WithLogger(c.log),
	)
	if err != nil {
		c.finishLocked(StateError, fmt.Errorf("voice: open capture: %w", err))
		return
	}
	c.pipeline = p
	c.setStateLocked(StateConnected, nil)
}

func (c *Controller) onFrame(f pcm.WireFrame) {
	if c.live.Load() {
		c.sess.Send(f)
	}
}

func (c *Controller) onMessage(ev transport.InboundEvent) {
	if !c.live.Load() {
		return
	}
	switch ev.Kind {
	case transport.EventAudio:
		c.metrics.InboundChunks.Add(c.ctx, 1)
		if err := c.sched.Enqueue(ev.Audio); err != nil && !errors.Is(err, playback.ErrDecode) {
			c.log.Warn("voice: playback failed", "err", err)
		}
	case transport.EventTranscript:
		c.addTranscript(ev.Role, ev.Text)
	case transport.EventInterrupted:
		c.log.Debug("voice: agent interrupted, flushing playback")
		c.sched.Flush()
		c.endTurn()
	case transport.EventTurnComplete:
		if err := c.sched.EndTurn(); err != nil && !errors.Is(err, playback.ErrClosed) {
			c.log.Warn("voice: playback failed", "err", err)
		}
		c.endTurn()
	}
}

func (c *Controller) onClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishLocked(StateClosed, nil)
}

func (c *Controller) onError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishLocked(StateError, err)
}

// finishLocked records the terminal state and releases resources on a
// separate goroutine, since it may run inside a transport callback.
func (c *Controller) finishLocked(s State, err error) {
	if !c.live.Load() || c.state.Terminal() {
		return
	}
	if err != nil {
		c.err = err
		c.log.Warn("voice session failed", "err", err)
	}
	c.setStateLocked(s, err)
	go c.teardown()
}

func (c *Controller) setStateLocked(s State, err error) {
	if c.state == s || c.state.Terminal() {
		return
	}
	c.state = s
	c.metrics.RecordStateTransition(c.ctx, s.String())
	c.span.AddEvent("state", trace.WithAttributes(attribute.String("state", s.String())))
	c.log.Info("voice session state", "state", s.String())
	if fn := c.observer.OnState; fn != nil {
		c.notify.post(func() { fn(s, err) })
	}
}

func (c *Controller) talkingChanged(v bool) {
	c.talking.Store(v)
	if fn := c.observer.OnTalking; fn != nil {
		c.notify.post(func() { fn(v) })
	}
}

func (c *Controller) addTranscript(role, text string) {
	if text == "" {
		return
	}
	frag := Entry{Role: role, Text: text, At: time.Now().UTC()}
	c.metrics.RecordTranscript(c.ctx, role)

	c.mu.Lock()
	n := len(c.entries)
	if n > 0 && !c.turnClosed && c.entries[n-1].Role == role {
		c.entries[n-1].Text += text
	} else {
		c.entries = append(c.entries, frag)
	}
	c.turnClosed = false
	c.mu.Unlock()

	if fn := c.observer.OnTranscript; fn != nil {
		c.notify.post(func() { fn(frag) })
	}
}

func (c *Controller) endTurn() {
	c.mu.Lock()
	c.turnClosed = true
	c.mu.Unlock()
}

// Stop ends the session and releases its resources: capture first, then the
// transport session, then the output device. It is idempotent and safe to
// call in any state, including before the handshake resolves and from
// Observer callbacks. Release errors are logged and swallowed.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.setStateLocked(StateClosed, nil)
	c.mu.Unlock()
	c.teardown()
}

func (c *Controller) teardown() {
	c.stopOnce.Do(func() {
		c.live.Store(false)

		c.mu.Lock()
		p := c.pipeline
		c.mu.Unlock()

		var frames int64
		if p != nil {
			if err := p.Close(); err != nil {
				c.log.Warn("voice: close capture", "err", err)
			}
			frames = p.Frames()
		}
		if err := c.sess.Close(); err != nil {
			c.log.Warn("voice: close transport", "err", err)
		}
		c.sched.Close()
		if err := c.out.Close(); err != nil {
			c.log.Warn("voice: close output", "err", err)
		}

		c.metrics.ActiveSessions.Add(context.Background(), -1)
		c.cancel()
		c.log.Info("voice session ended",
			"state", c.State().String(),
			"frames_captured", frames,
			"duration", time.Since(c.started).Round(time.Millisecond),
		)
		observe.EndSpan(c.span, c.Err())
		c.notify.close()
	})
}

// ID returns the session identifier.
func (c *Controller) ID() string { return c.id }

// StartedAt returns when the session was started.
func (c *Controller) StartedAt() time.Time { return c.started }

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that ended the session, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Talking reports whether agent audio is playing.
func (c *Controller) Talking() bool { return c.talking.Load() }

// Entries returns the transcript so far. Consecutive fragments of one
// speaker within a turn are merged into one entry.
func (c *Controller) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Transcript returns the accumulated transcript as "role: text" lines.
func (c *Controller) Transcript() string {
	var b strings.Builder
	for i, e := range c.Entries() {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.Role)
		b.WriteString(": ")
		b.WriteString(e.Text)
	}
	return b.String()
}

// Done is closed once the session has ended, its resources are released and
// every observer notification has been delivered.
func (c *Controller) Done() <-chan struct{} { return c.notify.done }
