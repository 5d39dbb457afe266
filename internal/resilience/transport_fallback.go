package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/argushq/liveintake/pkg/audio/pcm"
	"github.com/argushq/liveintake/pkg/transport"
)

// ErrAllFailed is reported when no endpoint completed the handshake.
var ErrAllFailed = errors.New("all transport endpoints failed")

// errAttemptAborted ends a handshake attempt that was abandoned because the
// session was closed or its context ended.
var errAttemptAborted = errors.New("connect attempt aborted")

// FallbackConfig configures a [TransportFallback].
type FallbackConfig struct {
	// Breaker is the template for the per-endpoint breakers. Name is set
	// from the endpoint name.
	Breaker BreakerConfig

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// endpoint is one provider with its own breaker.
type endpoint struct {
	name     string
	provider transport.Provider
	breaker  *Breaker
}

// TransportFallback implements [transport.Provider] with failover across
// several endpoints. Only the handshake participates: each endpoint is tried
// in order until one reports open, and the first one to open carries the
// whole session. Failures after open are reported to the consumer as usual.
// Endpoints whose breaker is open are skipped.
type TransportFallback struct {
	name string
	cfg  FallbackConfig
	log  *slog.Logger

	mu        sync.RWMutex
	endpoints []*endpoint
}

// Compile-time interface assertion.
var _ transport.Provider = (*TransportFallback)(nil)

// NewTransportFallback creates a [TransportFallback] with primary as the
// preferred endpoint.
func NewTransportFallback(primary transport.Provider, primaryName string, cfg FallbackConfig) *TransportFallback {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	f := &TransportFallback{
		name: primary.Name(),
		cfg:  cfg,
		log:  cfg.Logger.With("provider", primary.Name()),
	}
	f.AddFallback(primaryName, primary)
	return f
}

// AddFallback appends an endpoint. Endpoints are tried in the order they
// were added, after the primary.
func (f *TransportFallback) AddFallback(name string, provider transport.Provider) {
	bc := f.cfg.Breaker
	bc.Name = name
	if bc.Logger == nil {
		bc.Logger = f.cfg.Logger
	}
	f.mu.Lock()
	f.endpoints = append(f.endpoints, &endpoint{name: name, provider: provider, breaker: NewBreaker(bc)})
	f.mu.Unlock()
}

// Name returns the name of the primary provider.
func (f *TransportFallback) Name() string { return f.name }

// BreakerState returns the breaker state of the named endpoint.
func (f *TransportFallback) BreakerState(name string) (State, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ep := range f.endpoints {
		if ep.name == name {
			return ep.breaker.State(), true
		}
	}
	return StateClosed, false
}

// Connect implements [transport.Provider].
func (f *TransportFallback) Connect(ctx context.Context, cfg transport.Config, cb transport.Callbacks) transport.Session {
	cfg = cfg.WithDefaults()
	s := &fallbackSession{
		dispatch: transport.NewDispatcher(cb),
		outbox:   transport.NewOutbox(cfg, nil),
		log:      f.log,
		stop:     make(chan struct{}),
	}
	f.mu.RLock()
	eps := slices.Clone(f.endpoints)
	f.mu.RUnlock()
	go s.run(ctx, eps, cfg)
	return s
}

// fallbackSession fronts whichever inner session won the handshake.
type fallbackSession struct {
	dispatch *transport.Dispatcher
	outbox   *transport.Outbox

	mu    sync.Mutex
	inner transport.Session

	log      *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

func (s *fallbackSession) run(ctx context.Context, eps []*endpoint, cfg transport.Config) {
	inner, err := s.handshake(ctx, eps, cfg)
	if err != nil {
		s.dispatch.Fail(err)
		s.shutdown()
		return
	}

	s.mu.Lock()
	s.inner = inner
	s.mu.Unlock()
	select {
	case <-s.stop:
		inner.Close()
		return
	default:
	}

	for f := range s.outbox.Frames() {
		inner.Send(f)
	}
}

// handshake tries each endpoint in turn and returns the first session that
// opens.
func (s *fallbackSession) handshake(ctx context.Context, eps []*endpoint, cfg transport.Config) (transport.Session, error) {
	var errs []error
	for i, ep := range eps {
		if err := ep.breaker.Allow(); err != nil {
			s.log.Debug("skipping endpoint", "endpoint", ep.name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", ep.name, err))
			continue
		}
		inner, err := s.attempt(ctx, ep.provider, cfg)
		switch {
		case err == nil:
			ep.breaker.Success()
			if i > 0 {
				s.log.Warn("transport failover", "endpoint", ep.name, "skipped", len(errs))
			}
			return inner, nil
		case errors.Is(err, errAttemptAborted):
			ep.breaker.Cancel()
			return nil, err
		}
		ep.breaker.Failure()
		s.log.Warn("endpoint handshake failed, trying next", "endpoint", ep.name, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", ep.name, err))
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// attempt connects through p and waits for the inner handshake to settle.
// The wrapper opens from inside the inner OnOpen so that no inbound event can
// overtake it. The outbox opens first so frames sent from OnOpen are kept.
func (s *fallbackSession) attempt(ctx context.Context, p transport.Provider, cfg transport.Config) (transport.Session, error) {
	var live atomic.Bool
	live.Store(true)
	opened := make(chan struct{})
	failed := make(chan error, 1)

	inner := p.Connect(ctx, cfg, transport.Callbacks{
		OnOpen: func() {
			if live.Load() {
				s.outbox.Open()
				s.dispatch.Open()
				close(opened)
			}
		},
		OnMessage: func(ev transport.InboundEvent) {
			if live.Load() {
				s.dispatch.Message(ev)
			}
		},
		OnClose: func() {
			if live.Load() {
				s.dispatch.End()
			}
		},
		OnError: func(err error) {
			if !live.Load() {
				return
			}
			if !s.dispatch.IsOpen() {
				failed <- err
				return
			}
			s.dispatch.Fail(err)
		},
	})

	select {
	case <-opened:
		return inner, nil
	case err := <-failed:
		live.Store(false)
		inner.Close()
		return nil, err
	case <-ctx.Done():
		live.Store(false)
		inner.Close()
		return nil, fmt.Errorf("%w: %w", errAttemptAborted, ctx.Err())
	case <-s.stop:
		live.Store(false)
		inner.Close()
		return nil, errAttemptAborted
	}
}

func (s *fallbackSession) shutdown() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.outbox.Close()
	})
}

// Send implements [transport.Session].
func (s *fallbackSession) Send(frame pcm.WireFrame) { s.outbox.Send(frame) }

// Close implements [transport.Session].
func (s *fallbackSession) Close() error {
	s.dispatch.Close()
	s.shutdown()
	s.mu.Lock()
	inner := s.inner
	s.mu.Unlock()
	if inner != nil {
		return inner.Close()
	}
	return nil
}
