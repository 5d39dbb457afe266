package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

type phase int

const (
	phasePending phase = iota
	phaseOpen
	phaseEnded
)

// Dispatcher enforces the [Callbacks] contract for one session. Provider
// implementations report what happened on the wire (Open, Message, Fail, End)
// and the Dispatcher decides which callback, if any, the consumer sees.
//
// Callbacks run with the Dispatcher's lock held, which serializes them. A
// callback begins when it takes that lock; [Dispatcher.Close] marks the
// session closed without taking it, so a consumer may close the session from
// inside a callback.
type Dispatcher struct {
	cb     Callbacks
	mu     sync.Mutex
	phase  phase
	closed atomic.Bool
}

// NewDispatcher returns a Dispatcher in the pending (pre-handshake) phase.
func NewDispatcher(cb Callbacks) *Dispatcher {
	return &Dispatcher{cb: cb}
}

// Open reports a completed handshake. OnOpen fires if the session is still
// pending and not closed. It reports whether OnOpen fired.
func (d *Dispatcher) Open() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() || d.phase != phasePending {
		return false
	}
	d.phase = phaseOpen
	if d.cb.OnOpen != nil {
		d.cb.OnOpen()
	}
	return true
}

// Message delivers ev if the session is open and not closed.
func (d *Dispatcher) Message(ev InboundEvent) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() || d.phase != phaseOpen {
		return false
	}
	if d.cb.OnMessage != nil {
		d.cb.OnMessage(ev)
	}
	return true
}

// Fail reports a handshake or session failure. OnError fires once, with err
// wrapped in [ErrTransport], unless the session already ended or was closed.
func (d *Dispatcher) Fail(err error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failLocked(err)
}

func (d *Dispatcher) failLocked(err error) bool {
	if d.closed.Load() || d.phase == phaseEnded {
		return false
	}
	d.phase = phaseEnded
	if !errors.Is(err, ErrTransport) {
		err = fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if d.cb.OnError != nil {
		d.cb.OnError(err)
	}
	return true
}

// End reports that the remote side closed the session normally. An open
// session gets OnClose; a session still in its handshake gets OnError,
// because the handshake never completed.
func (d *Dispatcher) End() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.closed.Load() || d.phase == phaseEnded:
		return false
	case d.phase == phasePending:
		return d.failLocked(errors.New("connection closed before handshake completed"))
	}
	d.phase = phaseEnded
	if d.cb.OnClose != nil {
		d.cb.OnClose()
	}
	return true
}

// Close marks the session closed by its owner. From then on no callback
// begins. It reports whether this call closed the session.
func (d *Dispatcher) Close() bool {
	return d.closed.CompareAndSwap(false, true)
}

// Closed reports whether Close has been called.
func (d *Dispatcher) Closed() bool { return d.closed.Load() }

// IsOpen reports whether the handshake completed and the session has neither
// ended nor been closed.
func (d *Dispatcher) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase == phaseOpen && !d.closed.Load()
}
