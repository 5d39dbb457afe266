package intake

import (
	"sync"
	"time"

	"github.com/argushq/liveintake/internal/voice"
)

// Event types published to subscribers.
const (
	EventState      = "state"
	EventTalking    = "talking"
	EventTranscript = "transcript"
)

// Event is one session notification as delivered to subscribers and the
// events websocket.
type Event struct {
	Type    string    `json:"type"`
	State   string    `json:"state,omitempty"`
	Error   string    `json:"error,omitempty"`
	Talking bool      `json:"talking"`
	Role    string    `json:"role,omitempty"`
	Text    string    `json:"text,omitempty"`
	At      time.Time `json:"at"`
}

// Status is a point-in-time view of a session.
type Status struct {
	ID        string        `json:"id"`
	State     string        `json:"state"`
	Error     string        `json:"error,omitempty"`
	Talking   bool          `json:"talking"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Entries   []voice.Entry `json:"transcript"`
}

// Handle is a session started by [Service.StartVoiceSession].
type Handle struct {
	ctrl *voice.Controller
	hint TranscriptHint

	mu       sync.Mutex
	talking  bool
	subs     map[chan Event]struct{}
	finished bool
}

func newHandle(hint TranscriptHint) *Handle {
	return &Handle{
		hint: hint,
		subs: make(map[chan Event]struct{}),
	}
}

// ID returns the session id.
func (h *Handle) ID() string { return h.ctrl.ID() }

// State returns the current session state.
func (h *Handle) State() voice.State { return h.ctrl.State() }

// Transcript returns the accumulated transcript, one "role: text" line per
// segment.
func (h *Handle) Transcript() string { return h.ctrl.Transcript() }

// Done is closed once the session has been torn down and every event has
// been delivered.
func (h *Handle) Done() <-chan struct{} { return h.ctrl.Done() }

// Status returns a snapshot of the session.
func (h *Handle) Status() Status {
	st := Status{
		ID:        h.ctrl.ID(),
		State:     h.ctrl.State().String(),
		Talking:   h.ctrl.Talking(),
		StartedAt: h.ctrl.StartedAt(),
		Entries:   h.ctrl.Entries(),
	}
	if err := h.ctrl.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

// Subscribe returns a channel of session events, starting with a state event
// for the current state. Slow subscribers miss events rather than stall the
// session: an event that does not fit into the buffer is dropped. The channel
// is closed when the session ends or cancel is called.
func (h *Handle) Subscribe(buffer int) (events <-chan Event, cancel func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()

	ev := Event{
		Type:    EventState,
		State:   h.ctrl.State().String(),
		Talking: h.talking,
		At:      time.Now().UTC(),
	}
	if err := h.ctrl.Err(); err != nil {
		ev.Error = err.Error()
	}
	ch <- ev

	if h.finished {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	return ch, func() { h.unsubscribe(ch) }
}

func (h *Handle) unsubscribe(ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

// observer adapts controller notifications into events.
func (h *Handle) observer() voice.Observer {
	return voice.Observer{
		OnState: func(state voice.State, err error) {
			ev := Event{Type: EventState, State: state.String()}
			if err != nil {
				ev.Error = err.Error()
			}
			h.publish(ev)
		},
		OnTalking: func(talking bool) {
			h.mu.Lock()
			h.talking = talking
			h.mu.Unlock()
			h.publish(Event{Type: EventTalking})
		},
		OnTranscript: func(e voice.Entry) {
			if h.hint != nil {
				h.hint(e.Role, e.Text)
			}
			h.publish(Event{Type: EventTranscript, Role: e.Role, Text: e.Text})
		},
	}
}

func (h *Handle) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return
	}
	ev.Talking = h.talking
	ev.At = time.Now().UTC()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// finish closes every subscription.
func (h *Handle) finish() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return
	}
	h.finished = true
	for ch := range h.subs {
		close(ch)
	}
	h.subs = nil
}
