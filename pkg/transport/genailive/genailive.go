// Package genailive implements transport.Provider on top of the Live API
// client in google.golang.org/genai. It speaks the same protocol as the
// gemini package but lets the SDK own the wire format, which makes it the
// natural choice for Vertex AI backends.
package genailive

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/argushq/liveintake/pkg/audio/pcm"
	"github.com/argushq/liveintake/pkg/transport"
)

var _ transport.Provider = (*Provider)(nil)

// Name identifies this provider in configuration, logs and metrics.
const Name = "genai-live"

const defaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

// Option configures a Provider.
type Option func(*Provider)

// WithModel sets the model used when the session config names none.
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithBaseURL points the SDK at a different API host.
func WithBaseURL(url string) Option { return func(p *Provider) { p.baseURL = url } }

// WithVertex selects the Vertex AI backend for the given project and region.
// Credentials come from Application Default Credentials.
func WithVertex(project, location string) Option {
	return func(p *Provider) {
		p.backend = genai.BackendVertexAI
		p.project = project
		p.location = location
	}
}

// WithRecorder sets the metrics sink.
func WithRecorder(r transport.Recorder) Option { return func(p *Provider) { p.rec = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Provider) { p.log = l } }

// Provider connects Live sessions through a genai.Client.
type Provider struct {
	apiKey   string
	model    string
	baseURL  string
	backend  genai.Backend
	project  string
	location string
	rec      transport.Recorder
	log      *slog.Logger

	clientOnce sync.Once
	client     *genai.Client
	clientErr  error
}

// New returns a Provider authenticating with apiKey. The SDK client is built
// on first use.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		backend: genai.BackendGeminiAPI,
		rec:     transport.NopRecorder{},
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements transport.Provider.
func (p *Provider) Name() string { return Name }

func (p *Provider) sdk(ctx context.Context) (*genai.Client, error) {
	p.clientOnce.Do(func() {
		cc := &genai.ClientConfig{
			Backend: p.backend,
			HTTPOptions: genai.HTTPOptions{
				BaseURL: p.baseURL,
			},
		}
		if p.backend == genai.BackendVertexAI {
			cc.Project = p.project
			cc.Location = p.location
		} else {
			cc.APIKey = p.apiKey
		}
		p.client, p.clientErr = genai.NewClient(ctx, cc)
	})
	return p.client, p.clientErr
}

// Connect implements transport.Provider.
func (p *Provider) Connect(ctx context.Context, cfg transport.Config, cb transport.Callbacks) transport.Session {
	cfg = cfg.WithDefaults()
	if cfg.Model == "" {
		cfg.Model = p.model
	}
	s := &session{
		p:        p,
		cfg:      cfg,
		dispatch: transport.NewDispatcher(cb),
		stop:     make(chan struct{}),
	}
	s.outbox = transport.NewOutbox(cfg, func(reason string) {
		p.rec.RecordFrameDropped(context.Background(), Name, reason)
	})
	go s.run(ctx)
	return s
}

// liveConfig builds the SDK connect config for cfg.
func liveConfig(cfg transport.Config) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.Instructions}}}
	}
	if cfg.InputTranscription {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

// translate maps one server message onto transport events. Inline audio is
// re-encoded to wire text so consumers see the same frames as from the
// WebSocket provider.
func translate(msg *genai.LiveServerMessage, playbackRate int) []transport.InboundEvent {
	sc := msg.ServerContent
	if sc == nil {
		return nil
	}
	var out []transport.InboundEvent
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil {
				continue
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				mime := part.InlineData.MIMEType
				if !strings.Contains(strings.ToLower(mime), "rate=") {
					mime = pcm.MIMEType(playbackRate)
				}
				out = append(out, transport.InboundEvent{
					Kind: transport.EventAudio,
					Audio: pcm.WireFrame{
						MIMEType: mime,
						Data:     base64.StdEncoding.EncodeToString(part.InlineData.Data),
					},
				})
			}
			if part.Text != "" && !part.Thought {
				out = append(out, transport.InboundEvent{Kind: transport.EventTranscript, Role: transport.RoleAgent, Text: part.Text})
			}
		}
	}
	if t := sc.InputTranscription; t != nil && t.Text != "" {
		out = append(out, transport.InboundEvent{Kind: transport.EventTranscript, Role: transport.RoleUser, Text: t.Text})
	}
	if t := sc.OutputTranscription; t != nil && t.Text != "" {
		out = append(out, transport.InboundEvent{Kind: transport.EventTranscript, Role: transport.RoleAgent, Text: t.Text})
	}
	if sc.Interrupted {
		out = append(out, transport.InboundEvent{Kind: transport.EventInterrupted})
	}
	if sc.TurnComplete {
		out = append(out, transport.InboundEvent{Kind: transport.EventTurnComplete})
	}
	return out
}

type session struct {
	p        *Provider
	cfg      transport.Config
	dispatch *transport.Dispatcher
	outbox   *transport.Outbox

	mu   sync.Mutex
	live *genai.Session

	stop      chan struct{}
	closeOnce sync.Once
}

func (s *session) run(ctx context.Context) {
	start := time.Now()
	live, err := s.handshake(ctx)
	if err != nil {
		if s.dispatch.Closed() {
			s.teardown()
			return
		}
		s.p.rec.RecordConnect(context.Background(), Name, "error", time.Since(start))
		s.p.rec.RecordTransportError(context.Background(), Name, "handshake")
		s.p.log.Warn("genai: handshake failed", "err", err)
		s.dispatch.Fail(err)
		s.teardown()
		return
	}

	s.mu.Lock()
	s.live = live
	s.mu.Unlock()
	select {
	case <-s.stop:
		live.Close()
		return
	default:
	}

	s.p.rec.RecordConnect(context.Background(), Name, "ok", time.Since(start))
	go s.writeLoop(live)
	s.outbox.Open()
	s.dispatch.Open()
	s.receiveLoop(live)
}

// handshake connects and waits for setupComplete, bounded by the configured
// handshake timeout and by Close.
func (s *session) handshake(ctx context.Context) (*genai.Session, error) {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-hctx.Done():
		}
	}()

	client, err := s.p.sdk(hctx)
	if err != nil {
		return nil, fmt.Errorf("genai: client: %w", err)
	}
	live, err := client.Live.Connect(hctx, s.cfg.Model, liveConfig(s.cfg))
	if err != nil {
		return nil, fmt.Errorf("genai: connect: %w", err)
	}

	// Receive has no context; closing the session unblocks it.
	unblock := context.AfterFunc(hctx, func() { live.Close() })
	for {
		msg, err := live.Receive()
		if err != nil {
			unblock()
			live.Close()
			if hctx.Err() != nil {
				return nil, fmt.Errorf("genai: await setupComplete: %w", hctx.Err())
			}
			return nil, fmt.Errorf("genai: await setupComplete: %w", err)
		}
		if msg.SetupComplete != nil {
			if !unblock() {
				return nil, fmt.Errorf("genai: await setupComplete: %w", hctx.Err())
			}
			return live, nil
		}
	}
}

func (s *session) writeLoop(live *genai.Session) {
	for f := range s.outbox.Frames() {
		data, err := pcm.DecodeWire(f.Data)
		if err != nil {
			s.p.log.Warn("genai: dropping undecodable frame", "err", err)
			s.p.rec.RecordFrameDropped(context.Background(), Name, "invalid_encoding")
			continue
		}
		err = live.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{MIMEType: f.MIMEType, Data: data},
		})
		if err != nil {
			s.fail("write", fmt.Errorf("genai: send: %w", err))
			return
		}
		s.p.rec.RecordFrameSent(context.Background(), Name)
	}
}

func (s *session) receiveLoop(live *genai.Session) {
	for {
		msg, err := live.Receive()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			if isNormalClose(err) {
				s.dispatch.End()
				s.teardown()
				return
			}
			s.fail("read", fmt.Errorf("genai: receive: %w", err))
			return
		}
		if msg.GoAway != nil {
			s.p.log.Warn("genai: server is about to end the session", "time_left", msg.GoAway.TimeLeft)
		}
		for _, ev := range translate(msg, s.cfg.PlaybackSampleRate) {
			s.dispatch.Message(ev)
		}
	}
}

// isNormalClose reports whether err is the SDK surfacing a 1000 close frame.
func isNormalClose(err error) bool {
	return strings.Contains(err.Error(), "close 1000")
}

func (s *session) fail(kind string, err error) {
	if !s.dispatch.Closed() {
		s.p.rec.RecordTransportError(context.Background(), Name, kind)
		s.p.log.Warn("genai: session failed", "kind", kind, "err", err)
	}
	s.dispatch.Fail(err)
	s.teardown()
}

func (s *session) teardown() {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.outbox.Close()
		s.mu.Lock()
		live := s.live
		s.mu.Unlock()
		if live != nil {
			if err := live.Close(); err != nil && !errors.Is(err, context.Canceled) {
				s.p.log.Debug("genai: close", "err", err)
			}
		}
	})
}

// Send implements transport.Session.
func (s *session) Send(frame pcm.WireFrame) { s.outbox.Send(frame) }

// Close implements transport.Session.
func (s *session) Close() error {
	s.dispatch.Close()
	s.teardown()
	return nil
}
