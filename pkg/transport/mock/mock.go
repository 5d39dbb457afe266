// Package mock provides test doubles for the transport package interfaces.
//
// Provider hands out Sessions that do nothing on their own: the test drives
// the handshake and the inbound stream by calling Open, Deliver, Fail and End,
// and inspects what the consumer sent with Sent. Callback delivery goes
// through a real [transport.Dispatcher], so the same ordering and
// close-suppression rules apply as with a live endpoint.
//
// Example:
//
//	p := &mock.Provider{AutoOpen: true}
//	sess := p.Connect(ctx, cfg, callbacks)
//	p.Last().Deliver(transport.InboundEvent{Kind: transport.EventTurnComplete})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/argushq/liveintake/pkg/audio/pcm"
	"github.com/argushq/liveintake/pkg/transport"
)

var _ transport.Provider = (*Provider)(nil)
var _ transport.Session = (*Session)(nil)

// Provider is a mock implementation of transport.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// AutoOpen completes the handshake as soon as Connect returns.
	AutoOpen bool

	// ConnectError, if non-nil, fails every handshake with this error.
	ConnectError error

	// OnConnect, if set, is called with each new Session from Connect's
	// goroutine after AutoOpen or ConnectError have been applied.
	OnConnect func(*Session)

	// ConnectCalls records the config of every Connect call in order.
	ConnectCalls []transport.Config

	sessions []*Session
	notify   chan *Session
}

// Name implements transport.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Connect implements transport.Provider.
func (p *Provider) Connect(_ context.Context, cfg transport.Config, cb transport.Callbacks) transport.Session {
	cfg = cfg.WithDefaults()
	s := NewSession(cfg, cb)

	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, cfg)
	p.sessions = append(p.sessions, s)
	autoOpen, connErr, hook := p.AutoOpen, p.ConnectError, p.OnConnect
	notify := p.notify
	p.mu.Unlock()

	go func() {
		switch {
		case connErr != nil:
			s.Fail(connErr)
		case autoOpen:
			s.Open()
		}
		if hook != nil {
			hook(s)
		}
		if notify != nil {
			select {
			case notify <- s:
			default:
			}
		}
	}()
	return s
}

// Sessions returns every Session created so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// Last returns the most recent Session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Await returns a channel that receives the Session of the next Connect once
// AutoOpen or ConnectError has been applied. Call it before that Connect.
func (p *Provider) Await() <-chan *Session {
	ch := make(chan *Session, 1)
	p.mu.Lock()
	p.notify = ch
	p.mu.Unlock()
	return ch
}

// Session is a mock transport.Session.
type Session struct {
	dispatch *transport.Dispatcher
	outbox   *transport.Outbox

	mu         sync.Mutex
	sent       []pcm.WireFrame
	dropMu     sync.Mutex
	dropped    map[string]int
	closeCount int
	sentCh     chan struct{}
	writerDone chan struct{}
}

// NewSession returns a Session delivering to cb. It starts in the handshake
// phase.
func NewSession(cfg transport.Config, cb transport.Callbacks) *Session {
	s := &Session{
		dispatch:   transport.NewDispatcher(cb),
		dropped:    make(map[string]int),
		sentCh:     make(chan struct{}, 1),
		writerDone: make(chan struct{}),
	}
	s.outbox = transport.NewOutbox(cfg, func(reason string) {
		s.dropMu.Lock()
		s.dropped[reason]++
		s.dropMu.Unlock()
	})
	go s.writer()
	return s
}

func (s *Session) writer() {
	defer close(s.writerDone)
	for f := range s.outbox.Frames() {
		s.mu.Lock()
		s.sent = append(s.sent, f)
		s.mu.Unlock()
		select {
		case s.sentCh <- struct{}{}:
		default:
		}
	}
}

// Open completes the handshake: OnOpen fires and queued frames flush.
func (s *Session) Open() {
	s.outbox.Open()
	s.dispatch.Open()
}

// Deliver hands ev to OnMessage.
func (s *Session) Deliver(ev transport.InboundEvent) bool { return s.dispatch.Message(ev) }

// DeliverAudio hands an audio event carrying frame to OnMessage.
func (s *Session) DeliverAudio(frame pcm.WireFrame) bool {
	return s.Deliver(transport.InboundEvent{Kind: transport.EventAudio, Audio: frame})
}

// Fail reports a failure; OnError fires with err wrapped in ErrTransport.
func (s *Session) Fail(err error) bool {
	ok := s.dispatch.Fail(err)
	s.outbox.Close()
	return ok
}

// End simulates the remote side closing the session.
func (s *Session) End() bool {
	ok := s.dispatch.End()
	s.outbox.Close()
	return ok
}

// Send implements transport.Session.
func (s *Session) Send(frame pcm.WireFrame) { s.outbox.Send(frame) }

// Close implements transport.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCount++
	s.mu.Unlock()
	s.dispatch.Close()
	s.outbox.Close()
	return nil
}

// Sent returns the frames that reached the wire, in order.
func (s *Session) Sent() []pcm.WireFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pcm.WireFrame, len(s.sent))
	copy(out, s.sent)
	return out
}

// WaitSent blocks until at least n frames reached the wire or timeout
// elapses, and returns the frames sent so far.
func (s *Session) WaitSent(n int, timeout time.Duration) []pcm.WireFrame {
	deadline := time.After(timeout)
	for {
		if got := s.Sent(); len(got) >= n {
			return got
		}
		select {
		case <-s.sentCh:
		case <-s.writerDone:
			return s.Sent()
		case <-deadline:
			return s.Sent()
		}
	}
}

// Dropped returns how many frames were dropped for reason.
func (s *Session) Dropped(reason string) int {
	s.dropMu.Lock()
	defer s.dropMu.Unlock()
	return s.dropped[reason]
}

// Pending returns how many frames wait for the handshake.
func (s *Session) Pending() int { return s.outbox.Pending() }

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool { return s.dispatch.Closed() }
