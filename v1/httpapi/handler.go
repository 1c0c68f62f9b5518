// Package httpapi exposes a lock.Locker over HTTP so that browser clients
// can serialize notebook edits, and streams lock events over Server-Sent
// Events and WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-notelock/v1/lock"
	"github.com/mirkobrombin/go-notelock/v1/syncbus"
)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger used for request diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithWebSocketOrigins sets which origins may open event WebSockets.
// Requests without an Origin header are always accepted.
func WithWebSocketOrigins(re *regexp.Regexp) Option {
	return func(h *Handler) { h.origins = re }
}

// Handler serves the lock API.
type Handler struct {
	locker   lock.Locker
	bus      syncbus.Bus
	logger   *slog.Logger
	origins  *regexp.Regexp
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// NewHandler returns a Handler for locker whose event streams read from bus.
func NewHandler(locker lock.Locker, bus syncbus.Bus, opts ...Option) *Handler {
	h := &Handler{
		locker:  locker,
		bus:     bus,
		origins: LocalOrigins,
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}

	h.mux.HandleFunc("POST /v1/locks/{key}/acquire", h.acquire)
	h.mux.HandleFunc("POST /v1/locks/{key}/release", h.release)
	h.mux.HandleFunc("GET /v1/locks/{key}", h.status)
	h.mux.HandleFunc("GET /v1/locks/{key}/events", h.events)
	h.mux.HandleFunc("GET /v1/locks/{key}/ws", h.socket)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || (h.origins != nil && h.origins.MatchString(origin))
}

// acquire blocks until the key is granted. With wait=false it only tries.
func (h *Handler) acquire(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if r.URL.Query().Get("wait") == "false" {
		ok, err := h.locker.TryLock(r.Context(), key)
		if err != nil {
			h.writeError(w, key, err)
			return
		}
		if !ok {
			http.Error(w, "lock held", http.StatusConflict)
			return
		}
		h.granted(w, r, key)
		return
	}
	if err := h.locker.Acquire(r.Context(), key); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			h.logger.Debug("notelock: client gave up waiting", "key", key, "error", err)
			return
		}
		h.writeError(w, key, err)
		return
	}
	h.granted(w, r, key)
}

// granted confirms a grant to the client. A client that went away before it
// could learn about the grant would never release, so the key is handed back.
func (h *Handler) granted(w http.ResponseWriter, r *http.Request, key string) {
	if err := r.Context().Err(); err != nil {
		h.logger.Debug("notelock: client left before the grant, releasing", "key", key, "error", err)
		if rerr := h.locker.Release(context.WithoutCancel(r.Context()), key); rerr != nil {
			h.logger.Error("notelock: release after abandoned grant failed", "key", key, "error", rerr)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := h.locker.Release(r.Context(), key); err != nil {
		h.writeError(w, key, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type lockStatus struct {
	Key     string `json:"key"`
	Held    bool   `json:"held"`
	Waiting int    `json:"waiting"`
}

// status reports the state of a key. Only the in-memory manager can answer.
func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	m, ok := h.locker.(*lock.Manager)
	if !ok {
		http.Error(w, "status not supported by this locker", http.StatusNotImplemented)
		return
	}
	key := r.PathValue("key")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(lockStatus{Key: key, Held: m.Held(key), Waiting: m.Waiting(key)})
}

func (h *Handler) writeError(w http.ResponseWriter, key string, err error) {
	switch {
	case errors.Is(err, lock.ErrEmptyKey):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, lock.ErrNotHeld):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error("notelock: lock request failed", "key", key, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// events streams lock events for a key over Server-Sent Events.
func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	topic := syncbus.Topic(key)
	ch, err := h.bus.Subscribe(ctx, topic)
	if err != nil {
		h.writeError(w, key, err)
		return
	}
	defer func() { _ = h.bus.Unsubscribe(context.Background(), topic, ch) }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// socket streams lock events for a key as JSON text frames.
func (h *Handler) socket(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	topic := syncbus.Topic(key)
	ch, err := h.bus.Subscribe(ctx, topic)
	if err != nil {
		h.writeError(w, key, err)
		return
	}
	defer func() { _ = h.bus.Unsubscribe(context.Background(), topic, ch) }()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Reading is needed to notice the peer closing the connection.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
