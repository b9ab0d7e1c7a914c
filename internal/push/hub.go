// Package push implements the dashboard push hub: it fans out error events
// to subscribed browser clients over server-sent events, with bounded
// per-client backpressure and periodic session revalidation.
package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/errly-io/errly/pkg/models"
)

const (
	keepaliveInterval  = 30 * time.Second
	revalidateInterval = 5 * time.Minute
	maxDroppedMessages = 50
)

// SessionChecker reports whether a session is still valid. Implemented by
// internal/store; kept as a narrow port so the hub never depends on the
// store package directly.
type SessionChecker interface {
	SessionValid(ctx context.Context, sessionID string) (bool, error)
}

// event is the generic envelope every push frame carries; the event union
// is distinguished only by Type, never by SSE named-event syntax.
type event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// client is one subscribed dashboard connection.
type client struct {
	id        string
	sessionID string
	out       chan event
	dropped   int
	mu        sync.Mutex
}

func (c *client) enqueue(e event) {
	select {
	case c.out <- e:
		c.mu.Lock()
		c.dropped = 0
		c.mu.Unlock()
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
	}
}

func (c *client) droppedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Hub owns the set of live dashboard connections and the session checker
// used to revalidate them periodically.
type Hub struct {
	maxClients int
	sessions   SessionChecker

	mu      sync.Mutex
	clients map[string]*client
	nextID  uint64

	stop chan struct{}
	once sync.Once
}

// New constructs a Hub. Call Run in a goroutine to start the session
// revalidation timer (keepalive frames are written per connection by
// ServeHTTP); call Shutdown to stop it and evict all clients.
func New(maxClients int, sessions SessionChecker) *Hub {
	return &Hub{
		maxClients: maxClients,
		sessions:   sessions,
		clients:    make(map[string]*client),
		stop:       make(chan struct{}),
	}
}

// ErrAtCapacity is returned by Subscribe when the live-client count is at
// the configured cap.
type errAtCapacity struct{}

func (errAtCapacity) Error() string { return "push hub at capacity" }

// ErrAtCapacity is the sentinel handlers should compare against with
// errors.As/errors.Is to return 503.
var ErrAtCapacity error = errAtCapacity{}

// Subscribe registers a new client and returns a channel of events plus an
// unsubscribe function the caller must defer.
func (h *Hub) Subscribe(sessionID string) (<-chan event, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) >= h.maxClients {
		return nil, nil, ErrAtCapacity
	}

	h.nextID++
	id := clientKey(h.nextID)
	c := &client{id: id, sessionID: sessionID, out: make(chan event, 64)}
	h.clients[id] = c

	unsubscribe := func() {
		h.mu.Lock()
		delete(h.clients, id)
		h.mu.Unlock()
	}
	return c.out, unsubscribe, nil
}

func clientKey(n uint64) string {
	return "c" + formatUint(n)
}

func formatUint(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// broadcast fans an event out to every live client, evicting any whose
// dropped-message count exceeds the cap (testable property 7).
func (h *Hub) broadcast(e event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, c := range h.clients {
		c.enqueue(e)
		if c.droppedCount() > maxDroppedMessages {
			close(c.out)
			delete(h.clients, id)
		}
	}
}

// NotifyNewError implements grouper.Notifier.
func (h *Hub) NotifyNewError(summary models.Summary) {
	h.broadcast(event{Type: "new-error", Data: summary})
}

// NotifyErrorUpdated implements grouper.Notifier.
func (h *Hub) NotifyErrorUpdated(summary models.Summary) {
	h.broadcast(event{Type: "error-updated", Data: summary})
}

// NotifyErrorsCleared broadcasts the ids removed by a targeted bulk delete.
func (h *Hub) NotifyErrorsCleared(ids []string) {
	h.broadcast(event{Type: "error-cleared", Data: map[string][]string{"ids": ids}})
}

// NotifyBulkCleared broadcasts a delete-all event.
func (h *Hub) NotifyBulkCleared() {
	h.broadcast(event{Type: "bulk-cleared", Data: map[string]any{}})
}

// ClientCount reports the number of live subscriptions, for /health and
// /api/diagnostics.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run drives the session-revalidation timer until Shutdown is called or
// ctx is done. Intended to run in its own goroutine for the life of the
// process.
func (h *Hub) Run(ctx context.Context) {
	revalidate := time.NewTicker(revalidateInterval)
	defer revalidate.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-revalidate.C:
			h.revalidateSessions(ctx)
		}
	}
}

func (h *Hub) revalidateSessions(ctx context.Context) {
	h.mu.Lock()
	snapshot := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.Unlock()

	for _, c := range snapshot {
		valid, err := h.sessions.SessionValid(ctx, c.sessionID)
		if err != nil || !valid {
			h.mu.Lock()
			if cur, ok := h.clients[c.id]; ok && cur == c {
				cur.enqueue(event{Type: "auth-expired", Data: map[string]any{}})
				close(cur.out)
				delete(h.clients, c.id)
			}
			h.mu.Unlock()
		}
	}
}

// Shutdown broadcasts auth-expired to every live client, then closes all
// streams and stops the timers.
func (h *Hub) Shutdown() {
	h.once.Do(func() {
		h.mu.Lock()
		for id, c := range h.clients {
			c.enqueue(event{Type: "auth-expired", Data: map[string]any{}})
			close(c.out)
			delete(h.clients, id)
		}
		h.mu.Unlock()
		close(h.stop)
	})
}

// ServeHTTP streams one client's events as server-sent events. The caller's
// router must have already authenticated the session and resolved
// sessionID before invoking this.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, sessionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, unsubscribe, err := h.Subscribe(sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, open := <-events:
			if !open {
				return
			}
			if err := writeEvent(w, e); err != nil {
				slog.Warn("push write failed", "err", err)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, e event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	frame := append([]byte("data: "), b...)
	frame = append(frame, '\n', '\n')
	_, err = w.Write(frame)
	return err
}
