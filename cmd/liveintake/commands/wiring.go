package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/argushq/liveintake/internal/archive"
	"github.com/argushq/liveintake/internal/config"
	"github.com/argushq/liveintake/internal/intake"
	"github.com/argushq/liveintake/internal/observe"
	"github.com/argushq/liveintake/internal/resilience"
	"github.com/argushq/liveintake/pkg/audio/ffmpeg"
	audiomock "github.com/argushq/liveintake/pkg/audio/mock"
	"github.com/argushq/liveintake/pkg/transport"
	"github.com/argushq/liveintake/pkg/transport/gemini"
	"github.com/argushq/liveintake/pkg/transport/genailive"
	transportmock "github.com/argushq/liveintake/pkg/transport/mock"
)

// registerBuiltins wires the transports and audio backends that ship with
// liveintake into reg. rec receives transport metrics.
func registerBuiltins(reg *config.Registry, rec transport.Recorder, log *slog.Logger) {
	reg.RegisterTransport("gemini-live", func(cfg *config.Config) (transport.Provider, error) {
		tc := cfg.Transport
		geminiAt := func(baseURL string) *gemini.Provider {
			opts := []gemini.Option{gemini.WithRecorder(rec), gemini.WithLogger(log)}
			if tc.Model != "" {
				opts = append(opts, gemini.WithModel(tc.Model))
			}
			if baseURL != "" {
				opts = append(opts, gemini.WithBaseURL(baseURL))
			}
			return gemini.New(tc.APIKey, opts...)
		}

		primary := geminiAt(tc.BaseURL)
		if len(tc.FallbackURLs) == 0 {
			return primary, nil
		}
		fb := resilience.NewTransportFallback(primary, primary.Endpoint(), resilience.FallbackConfig{})
		for _, u := range tc.FallbackURLs {
			fb.AddFallback(u, geminiAt(u))
		}
		return fb, nil
	})

	reg.RegisterTransport("genai-live", func(cfg *config.Config) (transport.Provider, error) {
		tc := cfg.Transport
		opts := []genailive.Option{genailive.WithRecorder(rec), genailive.WithLogger(log)}
		if tc.Model != "" {
			opts = append(opts, genailive.WithModel(tc.Model))
		}
		if tc.BaseURL != "" {
			opts = append(opts, genailive.WithBaseURL(tc.BaseURL))
		}
		if tc.Vertex != nil {
			opts = append(opts, genailive.WithVertex(tc.Vertex.Project, tc.Vertex.Location))
		}
		return genailive.New(tc.APIKey, opts...), nil
	})

	// The mock transport completes every handshake and never answers; it
	// exercises the audio path without credentials.
	reg.RegisterTransport("mock", func(*config.Config) (transport.Provider, error) {
		return &transportmock.Provider{AutoOpen: true}, nil
	})

	reg.RegisterAudio("ffmpeg", func(cfg *config.Config) (config.AudioBackend, error) {
		var opts []ffmpeg.Option
		if cfg.Capture.InputFormat != "" {
			opts = append(opts, ffmpeg.WithInputFormat(cfg.Capture.InputFormat))
		}
		return ffmpeg.New(opts...), nil
	})

	reg.RegisterAudio("mock", func(*config.Config) (config.AudioBackend, error) {
		return &audiomock.Backend{}, nil
	})
}

// stack is everything built from one configuration.
type stack struct {
	cfg       *config.Config
	transport transport.Provider
	capture   config.AudioBackend
	output    config.AudioBackend
	store     *archive.Store
	metrics   *observe.Metrics
}

// buildStack instantiates the configured transport, audio backends and
// archive. The caller must call close.
func buildStack(ctx context.Context, cfg *config.Config, metrics *observe.Metrics, log *slog.Logger) (*stack, error) {
	reg := config.NewRegistry()
	registerBuiltins(reg, metrics, log)

	st := &stack{cfg: cfg, metrics: metrics}
	var err error
	if st.transport, err = reg.CreateTransport(cfg); err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	if st.capture, err = reg.CreateAudio(cfg.Capture.Backend, cfg); err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	st.output = st.capture
	if cfg.Playback.Backend != cfg.Capture.Backend {
		if st.output, err = reg.CreateAudio(cfg.Playback.Backend, cfg); err != nil {
			return nil, fmt.Errorf("playback: %w", err)
		}
	}
	if cfg.Archive.PostgresDSN != "" {
		if st.store, err = archive.NewStore(ctx, cfg.Archive.PostgresDSN); err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
	}
	return st, nil
}

// service returns an intake service over the stack.
func (s *stack) service(log *slog.Logger) (*intake.Service, error) {
	session, err := s.cfg.SessionConfig()
	if err != nil {
		return nil, err
	}
	icfg := intake.Config{
		Transport: s.transport,
		Capture:   s.capture,
		Output:    s.output,
		Session:   session,
		Pipeline:  s.cfg.PipelineConfig(),
		Metrics:   s.metrics,
		Logger:    log,
	}
	// A nil *archive.Store must not become a non-nil interface.
	if s.store != nil {
		icfg.Archive = s.store
	}
	return intake.NewService(icfg), nil
}

func (s *stack) close() {
	if s.store != nil {
		s.store.Close()
	}
}
