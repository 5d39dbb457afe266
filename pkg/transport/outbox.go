package transport

import (
	"sync"

	"github.com/argushq/liveintake/pkg/audio/pcm"
)

// Frame drop reasons passed to the Outbox drop hook.
const (
	DropPendingOverflow = "pending_overflow"
	DropNotOpen         = "not_open"
	DropOutboxFull      = "outbox_full"
	DropClosed          = "closed"
)

type outboxState int

const (
	outboxPending outboxState = iota
	outboxOpen
	outboxClosed
)

// Outbox implements the outbound half of a session: the pre-open
// [SendPolicy] and the bounded queue read by the provider's writer
// goroutine. Send never blocks.
type Outbox struct {
	policy SendPolicy
	limit  int
	drop   func(reason string)

	mu      sync.Mutex
	state   outboxState
	pending []pcm.WireFrame
	frames  chan pcm.WireFrame
}

// NewOutbox returns an Outbox configured from cfg (see [Config.WithDefaults]).
// onDrop, if non-nil, is called for every dropped frame with one of the Drop*
// reasons; it runs with the Outbox lock held and must not call back into it.
func NewOutbox(cfg Config, onDrop func(reason string)) *Outbox {
	cfg = cfg.WithDefaults()
	if onDrop == nil {
		onDrop = func(string) {}
	}
	return &Outbox{
		policy: cfg.SendPolicy,
		limit:  cfg.PendingLimit,
		drop:   onDrop,
		frames: make(chan pcm.WireFrame, cfg.OutboxSize),
	}
}

// Send queues f according to the current state and policy.
func (o *Outbox) Send(f pcm.WireFrame) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case outboxPending:
		if o.policy == SendPolicyDrop {
			o.drop(DropNotOpen)
			return
		}
		if len(o.pending) >= o.limit {
			o.pending = o.pending[1:]
			o.drop(DropPendingOverflow)
		}
		o.pending = append(o.pending, f)
	case outboxOpen:
		o.enqueueLocked(f)
	default:
		o.drop(DropClosed)
	}
}

// Open moves queued frames, oldest first, to the writer queue and switches to
// direct delivery. It returns how many frames were flushed. Frames sent
// concurrently are ordered after the flushed ones.
func (o *Outbox) Open() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != outboxPending {
		return 0
	}
	o.state = outboxOpen
	n := 0
	for _, f := range o.pending {
		if o.enqueueLocked(f) {
			n++
		}
	}
	o.pending = nil
	return n
}

func (o *Outbox) enqueueLocked(f pcm.WireFrame) bool {
	select {
	case o.frames <- f:
		return true
	default:
		o.drop(DropOutboxFull)
		return false
	}
}

// Frames is the queue drained by the writer goroutine. It is closed by Close.
func (o *Outbox) Frames() <-chan pcm.WireFrame { return o.frames }

// Pending reports how many frames wait for the session to open.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Close discards pending frames and closes the writer queue. Later sends are
// dropped. Safe to call more than once.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == outboxClosed {
		return
	}
	o.state = outboxClosed
	o.pending = nil
	close(o.frames)
}
