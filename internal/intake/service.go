// Package intake is the application layer of liveintake. A [Service] starts
// and stops voice sessions on behalf of a UI or report form, allows at most
// one at a time (there is one microphone), fans session events out to
// subscribers and archives finished transcripts.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/argushq/liveintake/internal/archive"
	"github.com/argushq/liveintake/internal/capture"
	"github.com/argushq/liveintake/internal/observe"
	"github.com/argushq/liveintake/internal/voice"
	"github.com/argushq/liveintake/pkg/audio"
	"github.com/argushq/liveintake/pkg/transport"
)

var (
	// ErrSessionActive is returned by [Service.StartVoiceSession] while another
	// session owns the microphone.
	ErrSessionActive = errors.New("intake: a voice session is already active")

	// ErrUnknownSession is returned for a handle or id the service does not
	// know.
	ErrUnknownSession = errors.New("intake: unknown session")
)

// archiveTimeout bounds saving one finished session.
const archiveTimeout = 10 * time.Second

// Archive stores finished sessions. *archive.Store implements it.
type Archive interface {
	SaveSession(ctx context.Context, rec archive.Session, entries []archive.Entry) error
	Session(ctx context.Context, id string) (archive.Session, error)
	Transcript(ctx context.Context, id string) ([]archive.Entry, error)
	Search(ctx context.Context, query string, limit int) ([]archive.Hit, error)
}

// TranscriptHint receives every transcript fragment of a session as it
// arrives. It runs on the session's notifier goroutine and may call
// [Service.StopVoiceSession].
type TranscriptHint func(role, text string)

// Config holds the dependencies of a [Service].
type Config struct {
	Transport transport.Provider
	Capture   audio.CaptureBackend
	Output    audio.OutputBackend

	// Session and Pipeline are the options for new sessions. They can be
	// replaced later with [Service.SetOptions].
	Session  transport.Config
	Pipeline capture.Config

	// Archive is optional.
	Archive Archive

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Service manages the lifecycle of voice sessions.
// Only one session can be active at a time (enforced by mutex).
// All exported methods are safe for concurrent use.
type Service struct {
	deps    voice.Deps
	archive Archive
	log     *slog.Logger

	mu       sync.Mutex
	active   *Handle
	session  transport.Config
	pipeline capture.Config
	closed   bool

	saves sync.WaitGroup
}

// NewService returns a Service with the given dependencies.
func NewService(cfg Config) *Service {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		deps: voice.Deps{
			Transport: cfg.Transport,
			Capture:   cfg.Capture,
			Output:    cfg.Output,
			Metrics:   cfg.Metrics,
			Logger:    log,
		},
		archive:  cfg.Archive,
		log:      log,
		session:  cfg.Session,
		pipeline: cfg.Pipeline,
	}
}

// SetOptions replaces the options used for sessions started from now on.
// A running session keeps the options it was started with.
func (s *Service) SetOptions(session transport.Config, pipeline capture.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
	s.pipeline = pipeline
}

// StartVoiceSession starts a new session and returns its handle once the
// output device is open; the transport handshake continues in the
// background. hint may be nil.
//
// Returns [ErrSessionActive] if a session is already running and an error
// wrapping [audio.ErrDeviceUnavailable] if the speaker cannot be opened.
func (s *Service) StartVoiceSession(ctx context.Context, hint TranscriptHint) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("intake: service closed")
	}
	if s.active != nil {
		return nil, fmt.Errorf("%w (id=%s)", ErrSessionActive, s.active.ID())
	}

	h := newHandle(hint)
	ctrl, err := voice.Start(ctx, s.deps, voice.Options{
		Transport: s.session,
		Capture:   s.pipeline,
		Observer:  h.observer(),
	})
	if err != nil {
		return nil, fmt.Errorf("intake: start session: %w", err)
	}
	h.ctrl = ctrl
	s.active = h

	s.saves.Add(1)
	go s.watch(h)

	s.log.Info("session started", "session_id", ctrl.ID(), "provider", s.deps.Transport.Name())
	return h, nil
}

// StopVoiceSession ends the session behind h. It is idempotent and returns
// once the session's devices and transport are released.
func (s *Service) StopVoiceSession(h *Handle) error {
	if h == nil || h.ctrl == nil {
		return ErrUnknownSession
	}
	h.ctrl.Stop()
	s.release(h)
	return nil
}

// Active returns the running session, or nil.
func (s *Service) Active() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Lookup returns the running session with the given id.
func (s *Service) Lookup(id string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.ID() != id {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s.active, nil
}

// Archived returns a finished session and its transcript from the archive.
// Returns [ErrUnknownSession] when no archive is configured or the session
// is not in it.
func (s *Service) Archived(ctx context.Context, id string) (Status, error) {
	if s.archive == nil {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	rec, err := s.archive.Session(ctx, id)
	if errors.Is(err, archive.ErrNotFound) {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if err != nil {
		return Status{}, err
	}
	entries, err := s.archive.Transcript(ctx, id)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		ID:        rec.ID,
		State:     rec.State,
		Error:     rec.Error,
		StartedAt: rec.StartedAt,
		Entries:   make([]voice.Entry, 0, len(entries)),
	}
	if !rec.EndedAt.IsZero() {
		ended := rec.EndedAt
		st.EndedAt = &ended
	}
	for _, e := range entries {
		st.Entries = append(st.Entries, voice.Entry{Role: e.Role, Text: e.Text, At: e.At})
	}
	return st, nil
}

// Search runs a full-text query over archived transcripts.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]archive.Hit, error) {
	if s.archive == nil {
		return nil, errors.New("intake: no archive configured")
	}
	return s.archive.Search(ctx, query, limit)
}

// Close stops the running session, waits for pending archive writes and
// rejects further sessions.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	h := s.active
	s.mu.Unlock()

	if h != nil {
		_ = s.StopVoiceSession(h)
	}

	waited := make(chan struct{})
	go func() {
		s.saves.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("intake: waiting for archive writes: %w", ctx.Err())
	}
}

// release clears h as the active session if it still is.
func (s *Service) release(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == h {
		s.active = nil
	}
}

// watch waits for h to finish, frees the microphone for the next session and
// archives the transcript.
func (s *Service) watch(h *Handle) {
	defer s.saves.Done()

	<-h.ctrl.Done()
	s.release(h)
	h.finish()

	st := h.Status()
	s.log.Info("session stopped",
		"session_id", st.ID,
		"state", st.State,
		"entries", len(st.Entries),
	)

	if s.archive == nil {
		return
	}
	rec := archive.Session{
		ID:        st.ID,
		Provider:  s.deps.Transport.Name(),
		State:     st.State,
		Error:     st.Error,
		StartedAt: st.StartedAt,
		EndedAt:   time.Now().UTC(),
	}
	entries := make([]archive.Entry, 0, len(st.Entries))
	for _, e := range st.Entries {
		entries = append(entries, archive.Entry{Role: e.Role, Text: e.Text, At: e.At})
	}

	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := s.archive.SaveSession(ctx, rec, entries); err != nil {
		s.log.Warn("session: archive failed", "session_id", st.ID, "err", err)
	}
}
