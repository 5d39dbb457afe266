// Package transport defines the Provider interface for full-duplex streaming
// sessions with a remote conversational voice agent.
//
// A session carries base64-wrapped PCM frames out and a stream of inbound
// events (synthesized audio, transcripts, turn boundaries) back. Connecting is
// asynchronous: [Provider.Connect] returns at once and reports the handshake
// outcome through [Callbacks]. The callback contract is:
//
//   - exactly one of OnOpen or OnError fires for the handshake;
//   - after OnOpen, OnMessage fires in delivery order until exactly one of
//     OnClose or OnError ends the session;
//   - once [Session.Close] has returned, no callback begins.
//
// Every implementation builds on [Dispatcher] and [Outbox] so that callback
// ordering and the pre-open send policy behave identically across providers.
//
// All implementations must be safe for concurrent use.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/argushq/liveintake/pkg/audio/pcm"
)

// ErrTransport marks failures of the remote session: dial and handshake
// errors, connection loss and server-reported errors. Any of them terminates
// the session.
var ErrTransport = errors.New("transport: session failed")

// EventKind discriminates [InboundEvent] values.
type EventKind int

const (
	// EventAudio carries one chunk of synthesized speech in Audio.
	EventAudio EventKind = iota

	// EventTranscript carries a transcript fragment in Role and Text.
	EventTranscript

	// EventTurnComplete marks the end of the agent's turn.
	EventTurnComplete

	// EventInterrupted reports that the agent stopped speaking because the
	// user barged in. Audio already scheduled should be discarded.
	EventInterrupted
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventTranscript:
		return "transcript"
	case EventTurnComplete:
		return "turn_complete"
	case EventInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Transcript roles.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// InboundEvent is one message received from the remote agent. Session end
// and failure are not events; they are reported by OnClose and OnError.
type InboundEvent struct {
	Kind EventKind

	// Audio is set for [EventAudio].
	Audio pcm.WireFrame

	// Role and Text are set for [EventTranscript].
	Role string
	Text string
}

// Callbacks receives the session lifecycle. Nil fields are ignored.
// Callbacks are invoked one at a time from a provider goroutine and must not
// block for long.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(InboundEvent)
	OnClose   func()
	OnError   func(error)
}

// SendPolicy decides what happens to frames sent before the session is open.
type SendPolicy int

const (
	// SendPolicyQueue keeps up to Config.PendingLimit frames and flushes them
	// in order right after OnOpen. On overflow the oldest frame is dropped.
	SendPolicyQueue SendPolicy = iota

	// SendPolicyDrop discards frames sent before the session is open.
	SendPolicyDrop
)

// String returns the configuration name of the policy.
func (p SendPolicy) String() string {
	switch p {
	case SendPolicyQueue:
		return "queue"
	case SendPolicyDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// ParseSendPolicy parses a configuration name. The empty string selects
// [SendPolicyQueue].
func ParseSendPolicy(s string) (SendPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "queue":
		return SendPolicyQueue, nil
	case "drop":
		return SendPolicyDrop, nil
	default:
		return 0, fmt.Errorf("transport: unknown send policy %q", s)
	}
}

// Defaults applied by [Config.WithDefaults].
const (
	DefaultCaptureSampleRate  = 16000
	DefaultPlaybackSampleRate = 24000
	DefaultPendingLimit       = 32
	DefaultOutboxSize         = 64
	DefaultHandshakeTimeout   = 15 * time.Second
)

// Config is the per-session configuration handed to [Provider.Connect].
type Config struct {
	// Model is the provider model name. Empty selects the provider default.
	Model string

	// Voice is the prebuilt voice the agent speaks with.
	Voice string

	// Instructions is the system instruction that sets the agent's persona.
	Instructions string

	// CaptureSampleRate is the rate outbound frames are tagged with.
	CaptureSampleRate int

	// PlaybackSampleRate is the rate inbound audio is expected at. It is used
	// to tag inbound chunks that arrive without a rate parameter.
	PlaybackSampleRate int

	// SendPolicy governs frames sent before the session is open.
	SendPolicy SendPolicy

	// PendingLimit bounds the pre-open queue under [SendPolicyQueue].
	PendingLimit int

	// OutboxSize bounds the queue between Send and the writer goroutine.
	OutboxSize int

	// HandshakeTimeout bounds dial plus setup.
	HandshakeTimeout time.Duration

	// InputTranscription asks for transcripts of the user's speech.
	InputTranscription bool

	// OutputTranscription asks for transcripts of the agent's speech.
	OutputTranscription bool
}

// WithDefaults returns c with zero fields replaced by package defaults.
func (c Config) WithDefaults() Config {
	if c.CaptureSampleRate <= 0 {
		c.CaptureSampleRate = DefaultCaptureSampleRate
	}
	if c.PlaybackSampleRate <= 0 {
		c.PlaybackSampleRate = DefaultPlaybackSampleRate
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = DefaultPendingLimit
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = DefaultOutboxSize
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return c
}

// Session is an open or opening streaming session.
type Session interface {
	// Send queues a frame for the remote agent. It never blocks and never
	// fails; frames that cannot be delivered are dropped and counted.
	Send(frame pcm.WireFrame)

	// Close ends the session. It is idempotent, and once it returns no
	// callback begins.
	Close() error
}

// Provider opens sessions with one remote agent endpoint.
type Provider interface {
	// Connect starts the handshake and returns immediately. ctx bounds the
	// handshake only; the session lives until Close or a transport failure.
	Connect(ctx context.Context, cfg Config, cb Callbacks) Session

	// Name identifies the provider in logs and metrics.
	Name() string
}

// Recorder receives transport counters. *observe.Metrics satisfies it.
type Recorder interface {
	RecordConnect(ctx context.Context, provider, status string, d time.Duration)
	RecordFrameSent(ctx context.Context, provider string)
	RecordFrameDropped(ctx context.Context, provider, reason string)
	RecordTransportError(ctx context.Context, provider, kind string)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) RecordConnect(context.Context, string, string, time.Duration) {}
func (NopRecorder) RecordFrameSent(context.Context, string)                      {}
func (NopRecorder) RecordFrameDropped(context.Context, string, string)           {}
func (NopRecorder) RecordTransportError(context.Context, string, string)         {}
