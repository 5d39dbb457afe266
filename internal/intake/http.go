package intake

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/argushq/liveintake/internal/observe"
	"github.com/argushq/liveintake/pkg/audio"
)

const (
	// eventBuffer is the per-subscriber event queue of the events websocket.
	eventBuffer = 64

	writeWait  = 5 * time.Second
	pingPeriod = 20 * time.Second
	pongWait   = pingPeriod + 10*time.Second

	defaultSearchLimit = 20
)

// API serves the session HTTP endpoints:
//
//	POST   /v1/sessions               start a session
//	GET    /v1/sessions/{id}          live or archived session status
//	DELETE /v1/sessions/{id}          stop a session
//	GET    /v1/sessions/{id}/events   websocket stream of [Event] values
//	GET    /v1/transcripts/search?q=  full-text search of archived transcripts
type API struct {
	svc      *Service
	origins  []string
	upgrader websocket.Upgrader
}

// NewAPI returns an API backed by svc. allowedOrigins lists extra Origin
// values accepted on the events websocket besides same-host, loopback and
// private-network origins.
func NewAPI(svc *Service, allowedOrigins []string) *API {
	a := &API{svc: svc, origins: allowedOrigins}
	a.upgrader = websocket.Upgrader{CheckOrigin: a.checkOrigin}
	return a
}

// Register adds the API routes to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions", a.startSession)
	mux.HandleFunc("GET /v1/sessions/{id}", a.getSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", a.stopSession)
	mux.HandleFunc("GET /v1/sessions/{id}/events", a.streamEvents)
	mux.HandleFunc("GET /v1/transcripts/search", a.search)
}

func (a *API) startSession(w http.ResponseWriter, r *http.Request) {
	h, err := a.svc.StartVoiceSession(r.Context(), nil)
	switch {
	case errors.Is(err, ErrSessionActive):
		writeError(w, http.StatusConflict, err)
		return
	case errors.Is(err, audio.ErrDeviceUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		observe.Logger(r.Context()).Error("start session failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Location", "/v1/sessions/"+h.ID())
	writeJSON(w, http.StatusCreated, h.Status())
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h, err := a.svc.Lookup(id); err == nil {
		writeJSON(w, http.StatusOK, h.Status())
		return
	}
	st, err := a.svc.Archived(r.Context(), id)
	switch {
	case errors.Is(err, ErrUnknownSession):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		observe.Logger(r.Context()).Error("archive lookup failed", "session_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, st)
	}
}

func (a *API) stopSession(w http.ResponseWriter, r *http.Request) {
	h, err := a.svc.Lookup(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err := a.svc.StopVoiceSession(h); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Status())
}

func (a *API) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing query parameter q"))
		return
	}
	limit := defaultSearchLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}

	hits, err := a.svc.Search(r.Context(), q, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	type hit struct {
		SessionID string    `json:"session_id"`
		Role      string    `json:"role"`
		Text      string    `json:"text"`
		At        time.Time `json:"at"`
	}
	out := make([]hit, 0, len(hits))
	for _, h := range hits {
		out = append(out, hit{SessionID: h.SessionID, Role: h.Entry.Role, Text: h.Entry.Text, At: h.Entry.At})
	}
	writeJSON(w, http.StatusOK, out)
}

// streamEvents upgrades to a websocket and writes one JSON message per
// session event until the session ends or the client goes away.
func (a *API) streamEvents(w http.ResponseWriter, r *http.Request) {
	h, err := a.svc.Lookup(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()

	log := observe.Logger(r.Context()).With("session_id", h.ID())
	events, cancel := h.Subscribe(eventBuffer)
	defer cancel()

	// The read loop only handles control frames; it ends when the client
	// closes the connection.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("events websocket write failed", "err", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// checkOrigin reports whether the websocket connection origin is allowed.
func (a *API) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// Same-origin requests may omit the Origin header.
	if origin == "" || slices.Contains(a.origins, origin) {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		slog.Warn("rejected websocket connection: invalid origin URL", "origin", origin)
		return false
	}
	host := u.Hostname()

	requestHost := r.Host
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	if host == requestHost || host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		return true
	}

	slog.Warn("rejected websocket connection", "origin", origin, "host", host)
	return false
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("intake: encode response", "err", err)
	}
}
