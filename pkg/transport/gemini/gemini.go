// Package gemini implements transport.Provider for Google's Gemini Live API.
//
// It opens a WebSocket to the BidiGenerateContent endpoint, sends the setup
// message and waits for setupComplete before reporting the session open.
// Microphone frames go out as realtimeInput media chunks; inbound
// serverContent is translated into transport events (audio, transcripts,
// interruptions, turn boundaries).
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/argushq/liveintake/pkg/audio/pcm"
	"github.com/argushq/liveintake/pkg/transport"
)

// Compile-time assertions that Provider and session satisfy the transport
// interfaces.
var _ transport.Provider = (*Provider)(nil)
var _ transport.Session = (*session)(nil)

const (
	// Name identifies this provider in configuration, logs and metrics.
	Name = "gemini-live"

	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	rpcPath        = "google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// readLimit bounds a single inbound message. Audio turns arrive as large
	// base64 text frames.
	readLimit = 16 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the default Gemini model, used when the session config does
// not name one.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Used for regional endpoints,
// proxies and, in tests, a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithRecorder sets the metrics sink. Default: [transport.NopRecorder].
func WithRecorder(r transport.Recorder) Option {
	return func(p *Provider) { p.rec = r }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements transport.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	rec     transport.Recorder
	log     *slog.Logger
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
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

// Endpoint returns the base URL sessions dial.
func (p *Provider) Endpoint() string { return p.baseURL }

// Connect implements transport.Provider. The handshake runs on its own
// goroutine; its outcome arrives through cb.
func (p *Provider) Connect(ctx context.Context, cfg transport.Config, cb transport.Callbacks) transport.Session {
	cfg = cfg.WithDefaults()
	if cfg.Model == "" {
		cfg.Model = p.model
	}
	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		p:        p,
		cfg:      cfg,
		dispatch: transport.NewDispatcher(cb),
		ctx:      sessCtx,
		cancel:   sessCancel,
		done:     make(chan struct{}),
	}
	s.outbox = transport.NewOutbox(cfg, func(reason string) {
		p.rec.RecordFrameDropped(context.Background(), Name, reason)
	})
	go s.run(ctx)
	return s
}

func (p *Provider) dialURL() string {
	return fmt.Sprintf("%s/%s?key=%s", p.baseURL, rpcPath, url.QueryEscape(p.apiKey))
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("gemini: server error %d %s: %s", e.Code, e.Status, msg)
	}
	return fmt.Sprintf("gemini: server error %d: %s", e.Code, msg)
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// buildSetup renders the BidiGenerateContent setup message for cfg.
func buildSetup(cfg transport.Config) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + strings.TrimPrefix(cfg.Model, "models/"),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	p        *Provider
	cfg      transport.Config
	dispatch *transport.Dispatcher
	outbox   *transport.Outbox

	mu   sync.Mutex
	conn *websocket.Conn

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{} // closed when teardown completes
	closeOnce sync.Once
}

// run performs the handshake and then owns the receive loop.
func (s *session) run(ctx context.Context) {
	start := time.Now()
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	stop := context.AfterFunc(s.ctx, cancel)
	conn, err := s.handshake(hctx)
	stop()
	cancel()

	if err != nil {
		if s.dispatch.Closed() {
			s.teardown(websocket.StatusNormalClosure)
			return
		}
		s.p.rec.RecordConnect(context.Background(), Name, "error", time.Since(start))
		s.p.rec.RecordTransportError(context.Background(), Name, "handshake")
		s.p.log.Warn("gemini: handshake failed", "err", err, "endpoint", s.p.baseURL)
		s.dispatch.Fail(err)
		s.teardown(websocket.StatusInternalError)
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	if s.ctx.Err() != nil {
		// Closed while the handshake was finishing; teardown may already
		// have run without seeing conn.
		conn.CloseNow()
		s.teardown(websocket.StatusNormalClosure)
		return
	}

	s.p.rec.RecordConnect(context.Background(), Name, "ok", time.Since(start))
	s.p.log.Debug("gemini: session open", "model", s.cfg.Model, "handshake", time.Since(start))

	go s.writeLoop(conn)
	go s.keepaliveLoop(conn)
	s.outbox.Open()
	s.dispatch.Open()
	s.receiveLoop(conn)
}

// handshake dials the endpoint, sends setup and waits for setupComplete.
func (s *session) handshake(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, s.p.dialURL(), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	if err := writeJSON(ctx, conn, buildSetup(s.cfg)); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			conn.CloseNow()
			return nil, fmt.Errorf("gemini: await setupComplete: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			conn.CloseNow()
			return nil, msg.Error
		}
		if msg.SetupComplete != nil {
			return conn, nil
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// writeLoop drains the outbox onto the connection in send order.
func (s *session) writeLoop(conn *websocket.Conn) {
	for f := range s.outbox.Frames() {
		msg := realtimeInputMessage{
			RealtimeInput: realtimeInput{
				MediaChunks: []inlineData{{MIMEType: f.MIMEType, Data: f.Data}},
			},
		}
		if err := writeJSON(s.ctx, conn, msg); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.fail("write", fmt.Errorf("gemini: write: %w", err))
			return
		}
		s.p.rec.RecordFrameSent(s.ctx, Name)
	}
}

// receiveLoop reads messages until the connection ends.
func (s *session) receiveLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.p.log.Debug("gemini: server closed session")
				s.dispatch.End()
				s.teardown(websocket.StatusNormalClosure)
				return
			}
			s.fail("read", fmt.Errorf("gemini: read: %w", err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.p.log.Debug("gemini: skipping malformed message", "err", err, "bytes", len(data))
			continue
		}
		if !s.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage translates one server message into events. It reports
// false when the message ended the session.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		s.fail("server", msg.Error)
		return false
	}
	if msg.GoAway != nil {
		s.p.log.Warn("gemini: server is about to end the session", "time_left", msg.GoAway.TimeLeft)
	}
	if msg.ServerContent != nil {
		s.handleServerContent(msg.ServerContent)
	}
	return true
}

func (s *session) handleServerContent(sc *serverContent) {
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				s.dispatch.Message(transport.InboundEvent{
					Kind:  transport.EventAudio,
					Audio: s.inboundFrame(p.InlineData),
				})
			}
			if p.Text != "" {
				s.dispatch.Message(transport.InboundEvent{
					Kind: transport.EventTranscript,
					Role: transport.RoleAgent,
					Text: p.Text,
				})
			}
		}
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.dispatch.Message(transport.InboundEvent{
			Kind: transport.EventTranscript,
			Role: transport.RoleUser,
			Text: sc.InputTranscription.Text,
		})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		s.dispatch.Message(transport.InboundEvent{
			Kind: transport.EventTranscript,
			Role: transport.RoleAgent,
			Text: sc.OutputTranscription.Text,
		})
	}
	if sc.Interrupted {
		s.dispatch.Message(transport.InboundEvent{Kind: transport.EventInterrupted})
	}
	if sc.TurnComplete {
		s.dispatch.Message(transport.InboundEvent{Kind: transport.EventTurnComplete})
	}
}

// inboundFrame tags an inline audio part with a rate, defaulting to the
// configured playback rate when the server omits it.
func (s *session) inboundFrame(d *inlineData) pcm.WireFrame {
	mime := d.MIMEType
	if !strings.Contains(strings.ToLower(mime), "rate=") {
		mime = pcm.MIMEType(s.cfg.PlaybackSampleRate)
	}
	return pcm.WireFrame{MIMEType: mime, Data: d.Data}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && s.ctx.Err() == nil {
				s.p.log.Debug("gemini: keepalive ping failed", "err", err)
			}
		}
	}
}

// fail reports err through the dispatcher and tears the session down.
func (s *session) fail(kind string, err error) {
	if !s.dispatch.Closed() {
		s.p.rec.RecordTransportError(context.Background(), Name, kind)
		s.p.log.Warn("gemini: session failed", "kind", kind, "err", err)
	}
	s.dispatch.Fail(err)
	s.teardown(websocket.StatusInternalError)
}

// teardown releases the connection and stops every goroutine. Idempotent.
func (s *session) teardown(code websocket.StatusCode) {
	s.closeOnce.Do(func() {
		s.cancel()
		s.outbox.Close()
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			if err := conn.Close(code, "session closed"); err != nil && !errors.Is(err, net.ErrClosed) {
				s.p.log.Debug("gemini: close", "err", err)
			}
		}
		close(s.done)
	})
}

// ── Session methods ───────────────────────────────────────────────────────────

// Send implements transport.Session.
func (s *session) Send(frame pcm.WireFrame) { s.outbox.Send(frame) }

// Close implements transport.Session. Idempotent.
func (s *session) Close() error {
	s.dispatch.Close()
	s.teardown(websocket.StatusNormalClosure)
	return nil
}
