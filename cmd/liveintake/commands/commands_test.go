package commands

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/argushq/liveintake/internal/config"
	"github.com/argushq/liveintake/internal/observe"
	"github.com/argushq/liveintake/internal/resilience"
	"github.com/argushq/liveintake/pkg/audio"
	audiomock "github.com/argushq/liveintake/pkg/audio/mock"
	"github.com/argushq/liveintake/pkg/transport"
	"github.com/argushq/liveintake/pkg/transport/gemini"
	"github.com/argushq/liveintake/pkg/transport/genailive"
	transportmock "github.com/argushq/liveintake/pkg/transport/mock"
)

const waitTimeout = 5 * time.Second

func mockConfig() *config.Config {
	cfg := &config.Config{
		Transport: config.TransportConfig{Name: "mock"},
		Capture:   config.CaptureConfig{Backend: "mock"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func newMockStack(t *testing.T) *stack {
	t.Helper()
	st, err := buildStack(context.Background(), mockConfig(), observe.DefaultMetrics(), slog.Default())
	if err != nil {
		t.Fatalf("buildStack: %v", err)
	}
	t.Cleanup(st.close)
	return st
}

func TestRegisterBuiltins_Transports(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltins(reg, transport.NopRecorder{}, slog.Default())

	tests := []struct {
		name   string
		tc     config.TransportConfig
		assert func(t *testing.T, p transport.Provider)
	}{
		{
			name: "gemini",
			tc:   config.TransportConfig{Name: "gemini-live", APIKey: "k", BaseURL: "wss://primary.example.com/ws"},
			assert: func(t *testing.T, p transport.Provider) {
				g, ok := p.(*gemini.Provider)
				if !ok {
					t.Fatalf("provider = %T, want *gemini.Provider", p)
				}
				if g.Endpoint() != "wss://primary.example.com/ws" {
					t.Errorf("Endpoint = %q", g.Endpoint())
				}
			},
		},
		{
			name: "gemini with fallbacks",
			tc: config.TransportConfig{
				Name:         "gemini-live",
				APIKey:       "k",
				FallbackURLs: []string{"wss://backup.example.com/ws"},
			},
			assert: func(t *testing.T, p transport.Provider) {
				if _, ok := p.(*resilience.TransportFallback); !ok {
					t.Fatalf("provider = %T, want *resilience.TransportFallback", p)
				}
				if p.Name() != gemini.Name {
					t.Errorf("Name = %q, want %q", p.Name(), gemini.Name)
				}
			},
		},
		{
			name: "genai",
			tc:   config.TransportConfig{Name: "genai-live", Vertex: &config.VertexConfig{Project: "p", Location: "europe-west4"}},
			assert: func(t *testing.T, p transport.Provider) {
				if _, ok := p.(*genailive.Provider); !ok {
					t.Fatalf("provider = %T, want *genailive.Provider", p)
				}
			},
		},
		{
			name: "mock",
			tc:   config.TransportConfig{Name: "mock"},
			assert: func(t *testing.T, p transport.Provider) {
				if _, ok := p.(*transportmock.Provider); !ok {
					t.Fatalf("provider = %T, want *mock.Provider", p)
				}
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &config.Config{Transport: tc.tc}
			p, err := reg.CreateTransport(cfg)
			if err != nil {
				t.Fatalf("CreateTransport: %v", err)
			}
			tc.assert(t, p)
		})
	}

	got := reg.TransportNames()
	want := []string{"gemini-live", "genai-live", "mock"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("TransportNames = %v, want %v", got, want)
	}
}

func TestBuildStack_SharesBackend(t *testing.T) {
	t.Parallel()
	st := newMockStack(t)
	if st.capture != st.output {
		t.Error("capture and playback should share the backend when both name the same one")
	}
	if st.store != nil {
		t.Error("archive store built without a DSN")
	}
}

func TestBuildStack_UnknownBackend(t *testing.T) {
	t.Parallel()
	cfg := mockConfig()
	cfg.Capture.Backend = "alsa"
	if _, err := buildStack(context.Background(), cfg, observe.DefaultMetrics(), slog.Default()); err == nil {
		t.Fatal("expected error for unregistered audio backend")
	}
}

func TestRunTalk_RemoteEnd(t *testing.T) {
	t.Parallel()
	st := newMockStack(t)
	svc, err := st.service(slog.Default())
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	p := st.transport.(*transportmock.Provider)
	ready := p.Await()

	go func() {
		sess := <-ready
		sess.Deliver(transport.InboundEvent{Kind: transport.EventTranscript, Role: transport.RoleAgent, Text: "What happened?"})
		sess.End()
	}()

	var buf bytes.Buffer
	con := &console{w: &buf}
	if err := runTalk(context.Background(), svc, con); err != nil {
		t.Fatalf("runTalk: %v", err)
	}

	con.mu.Lock()
	out := buf.String()
	con.mu.Unlock()
	for _, want := range []string{"What happened?", "ended (closed)", "1 transcript entries"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunTalk_Interrupted(t *testing.T) {
	t.Parallel()
	st := newMockStack(t)
	svc, err := st.service(slog.Default())
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	p := st.transport.(*transportmock.Provider)
	ready := p.Await()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-ready
		cancel()
	}()

	done := make(chan error, 1)
	go func() { done <- runTalk(ctx, svc, &console{w: &bytes.Buffer{}}) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runTalk: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("runTalk did not return after cancellation")
	}
	if sess := p.Last(); sess == nil || !sess.Closed() {
		t.Error("transport session not closed after interrupt")
	}
}

func TestRunTalk_TransportError(t *testing.T) {
	t.Parallel()
	st := newMockStack(t)
	p := st.transport.(*transportmock.Provider)
	p.AutoOpen = false
	p.ConnectError = context.DeadlineExceeded
	svc, err := st.service(slog.Default())
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	if err := runTalk(context.Background(), svc, &console{w: &bytes.Buffer{}}); err == nil {
		t.Fatal("expected an error when the handshake fails")
	}
}

func TestNewHandler_Routes(t *testing.T) {
	t.Parallel()
	st := newMockStack(t)
	st.capture.(*audiomock.Backend).DevicesResult = []audio.DeviceInfo{{ID: "default", Name: "Built-in", Default: true}}
	svc, err := st.service(slog.Default())
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	srv := httptest.NewServer(newHandler(st, svc, prometheus.NewRegistry(), nil))
	t.Cleanup(srv.Close)

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/readyz", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/v1/sessions/none", http.StatusNotFound},
		{http.MethodGet, "/v1/transcripts/search?q=x", http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		req, _ := http.NewRequest(tc.method, srv.URL+tc.path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tc.method, tc.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("%s %s = %d, want %d", tc.method, tc.path, resp.StatusCode, tc.want)
		}
	}
}

func TestReloader(t *testing.T) {
	t.Parallel()
	st := newMockStack(t)
	svc, err := st.service(slog.Default())
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	level := new(slog.LevelVar)

	old := mockConfig()
	updated := mockConfig()
	updated.Server.LogLevel = config.LogDebug
	updated.Transport.Instructions = "Ask only for the location."
	reloader(svc, level, slog.Default())(old, updated, config.Diff(old, updated))

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}

	p := st.transport.(*transportmock.Provider)
	ready := p.Await()
	h, err := svc.StartVoiceSession(context.Background(), nil)
	if err != nil {
		t.Fatalf("StartVoiceSession: %v", err)
	}
	<-ready
	_ = svc.StopVoiceSession(h)

	calls := p.ConnectCalls
	if len(calls) == 0 || calls[len(calls)-1].Instructions != "Ask only for the location." {
		t.Errorf("ConnectCalls = %+v, want reloaded instructions", calls)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := slogLevel(in); got != want {
			t.Errorf("slogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
