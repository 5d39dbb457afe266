package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/argushq/liveintake/pkg/audio/pcm"
	"github.com/argushq/liveintake/pkg/transport"
	transportmock "github.com/argushq/liveintake/pkg/transport/mock"
)

type fallbackEvents struct {
	open chan struct{}
	msgs chan transport.InboundEvent
	errs chan error
}

func newFallbackEvents() *fallbackEvents {
	return &fallbackEvents{
		open: make(chan struct{}, 1),
		msgs: make(chan transport.InboundEvent, 8),
		errs: make(chan error, 1),
	}
}

func (e *fallbackEvents) callbacks() transport.Callbacks {
	return transport.Callbacks{
		OnOpen:    func() { e.open <- struct{}{} },
		OnMessage: func(ev transport.InboundEvent) { e.msgs <- ev },
		OnError:   func(err error) { e.errs <- err },
	}
}

func TestTransportFallback_PrimarySuccess(t *testing.T) {
	primary := &transportmock.Provider{ProviderName: "gemini-live", AutoOpen: true}
	secondary := &transportmock.Provider{AutoOpen: true}

	fb := NewTransportFallback(primary, "primary", FallbackConfig{
		Breaker: BreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)
	if fb.Name() != "gemini-live" {
		t.Errorf("Name = %q, want gemini-live", fb.Name())
	}

	ev := newFallbackEvents()
	ready := primary.Await()
	sess := fb.Connect(context.Background(), transport.Config{}, ev.callbacks())
	defer sess.Close()

	inner := <-ready
	select {
	case <-ev.open:
	case <-time.After(time.Second):
		t.Fatal("OnOpen not called")
	}
	if len(secondary.ConnectCalls) != 0 {
		t.Fatalf("secondary connected %d times, want 0", len(secondary.ConnectCalls))
	}

	sess.Send(pcm.EncodeWire([]byte{1, 0}, 16000))
	if got := inner.WaitSent(1, time.Second); len(got) != 1 {
		t.Fatalf("primary received %d frames, want 1", len(got))
	}

	inner.Deliver(transport.InboundEvent{Kind: transport.EventTurnComplete})
	select {
	case got := <-ev.msgs:
		if got.Kind != transport.EventTurnComplete {
			t.Errorf("kind = %v, want turn_complete", got.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("message not forwarded")
	}
}

func TestTransportFallback_SendFromOnOpenUnderDropPolicy(t *testing.T) {
	primary := &transportmock.Provider{}
	fb := NewTransportFallback(primary, "primary", FallbackConfig{
		Breaker: BreakerConfig{MaxFailures: 3},
	})

	var sess transport.Session
	opened := make(chan struct{})
	ready := primary.Await()
	sess = fb.Connect(context.Background(), transport.Config{SendPolicy: transport.SendPolicyDrop}, transport.Callbacks{
		OnOpen: func() {
			sess.Send(pcm.EncodeWire([]byte{5, 0}, 16000))
			close(opened)
		},
	})
	defer sess.Close()

	inner := <-ready
	inner.Open()
	select {
	case <-opened:
	case <-time.After(time.Second):
		t.Fatal("OnOpen not called")
	}
	if got := inner.WaitSent(1, time.Second); len(got) != 1 {
		t.Fatalf("primary received %d frames, want the one sent from OnOpen", len(got))
	}
}

func TestTransportFallback_FailoverOnHandshakeError(t *testing.T) {
	primary := &transportmock.Provider{ConnectError: errors.New("primary down")}
	secondary := &transportmock.Provider{AutoOpen: true}

	fb := NewTransportFallback(primary, "primary", FallbackConfig{
		Breaker: BreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	ev := newFallbackEvents()
	ready := secondary.Await()
	sess := fb.Connect(context.Background(), transport.Config{}, ev.callbacks())
	// Queued before either endpoint opened.
	sess.Send(pcm.EncodeWire([]byte{7, 0}, 16000))

	inner := <-ready
	select {
	case <-ev.open:
	case err := <-ev.errs:
		t.Fatalf("unexpected OnError: %v", err)
	case <-time.After(time.Second):
		t.Fatal("OnOpen not called")
	}
	if got := inner.WaitSent(1, time.Second); len(got) != 1 {
		t.Fatalf("secondary received %d frames, want 1", len(got))
	}
	if primary.Last().CloseCount() == 0 {
		t.Error("failed primary session was not closed")
	}
	sess.Close()
	if inner.CloseCount() != 1 {
		t.Errorf("secondary CloseCount = %d, want 1", inner.CloseCount())
	}
}

func TestTransportFallback_AllFail(t *testing.T) {
	primary := &transportmock.Provider{ConnectError: errors.New("primary down")}
	secondary := &transportmock.Provider{ConnectError: errors.New("secondary down")}

	fb := NewTransportFallback(primary, "primary", FallbackConfig{
		Breaker: BreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	ev := newFallbackEvents()
	sess := fb.Connect(context.Background(), transport.Config{}, ev.callbacks())
	defer sess.Close()

	select {
	case err := <-ev.errs:
		if !errors.Is(err, ErrAllFailed) {
			t.Errorf("err = %v, want ErrAllFailed", err)
		}
		if !errors.Is(err, transport.ErrTransport) {
			t.Errorf("err = %v, want ErrTransport", err)
		}
	case <-ev.open:
		t.Fatal("OnOpen with every endpoint down")
	case <-time.After(time.Second):
		t.Fatal("OnError not called")
	}
}

func TestTransportFallback_CloseBeforeOpen(t *testing.T) {
	primary := &transportmock.Provider{}

	fb := NewTransportFallback(primary, "primary", FallbackConfig{})
	ev := newFallbackEvents()
	ready := primary.Await()
	sess := fb.Connect(context.Background(), transport.Config{}, ev.callbacks())
	inner := <-ready

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	inner.Open()

	select {
	case <-ev.open:
		t.Error("OnOpen after Close")
	case err := <-ev.errs:
		t.Errorf("OnError after Close: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	deadline := time.Now().Add(time.Second)
	for inner.CloseCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if inner.CloseCount() == 0 {
		t.Error("abandoned inner session was not closed")
	}
}

func TestTransportFallback_OpenBreakerSkipsEndpoint(t *testing.T) {
	primary := &transportmock.Provider{ConnectError: errors.New("primary down")}
	secondary := &transportmock.Provider{AutoOpen: true}

	fb := NewTransportFallback(primary, "primary", FallbackConfig{
		Breaker: BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fb.AddFallback("secondary", secondary)

	for i := range 2 {
		ev := newFallbackEvents()
		sess := fb.Connect(context.Background(), transport.Config{}, ev.callbacks())
		select {
		case <-ev.open:
		case err := <-ev.errs:
			t.Fatalf("session %d: unexpected OnError: %v", i, err)
		case <-time.After(time.Second):
			t.Fatalf("session %d: OnOpen not called", i)
		}
		sess.Close()
	}

	if n := len(primary.Sessions()); n != 1 {
		t.Errorf("primary dialled %d times, want 1", n)
	}
	if st, ok := fb.BreakerState("primary"); !ok || st != StateOpen {
		t.Errorf("primary breaker = %v (found %v), want open", st, ok)
	}
	if st, _ := fb.BreakerState("secondary"); st != StateClosed {
		t.Errorf("secondary breaker = %v, want closed", st)
	}
}

func TestTransportFallback_AbortDoesNotTrip(t *testing.T) {
	primary := &transportmock.Provider{}
	secondary := &transportmock.Provider{AutoOpen: true}

	fb := NewTransportFallback(primary, "primary", FallbackConfig{
		Breaker: BreakerConfig{MaxFailures: 1},
	})
	fb.AddFallback("secondary", secondary)

	ctx, cancel := context.WithCancel(context.Background())
	ready := primary.Await()
	sess := fb.Connect(ctx, transport.Config{}, newFallbackEvents().callbacks())
	<-ready
	cancel()

	deadline := time.Now().Add(time.Second)
	for primary.Last().CloseCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sess.Close()

	if st, _ := fb.BreakerState("primary"); st != StateClosed {
		t.Errorf("primary breaker = %v after abort, want closed", st)
	}
	if n := len(secondary.Sessions()); n != 0 {
		t.Errorf("secondary dialled %d times after abort, want 0", n)
	}
}
