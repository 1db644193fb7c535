package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/shiftline/shiftline/internal/store"
)

// DefaultMaxSubscribers caps concurrent SSE connections per provider.
const DefaultMaxSubscribers = 32

// SSEHandler streams provider events to portal consumers. Each
// connection polls the provider's daily stream and relays new entries in
// stream-id order.
type SSEHandler struct {
	store        *store.Store
	logger       *slog.Logger
	pollInterval time.Duration
	keepalive    time.Duration
	maxPerProv   int
	now          func() time.Time

	// ProviderID resolves the authenticated provider for a request;
	// wired to the session middleware by the API router.
	ProviderID func(*http.Request) string

	mu   sync.Mutex
	subs map[string]int
}

// NewSSEHandler returns a handler polling at pollInterval and emitting
// keepalive comments at the keepalive interval.
func NewSSEHandler(st *store.Store, logger *slog.Logger, pollInterval, keepalive time.Duration) *SSEHandler {
	return &SSEHandler{
		store:        st,
		logger:       logger.With("subsystem", "sse"),
		pollInterval: pollInterval,
		keepalive:    keepalive,
		maxPerProv:   DefaultMaxSubscribers,
		now:          time.Now,
		subs:         map[string]int{},
	}
}

func (h *SSEHandler) acquire(providerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[providerID] >= h.maxPerProv {
		return false
	}
	h.subs[providerID]++
	return true
}

// Subscribers returns the number of attached consumers across providers.
func (h *SSEHandler) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.subs {
		n += c
	}
	return n
}

func (h *SSEHandler) release(providerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[providerID]--
	if h.subs[providerID] <= 0 {
		delete(h.subs, providerID)
	}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	providerID := ""
	if h.ProviderID != nil {
		providerID = h.ProviderID(r)
	}
	if providerID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if !h.acquire(providerID) {
		http.Error(w, "too many subscribers", http.StatusServiceUnavailable)
		return
	}
	defer h.release(providerID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	key := store.EventKey(providerID, h.now().UTC())
	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", key)
	flusher.Flush()

	h.logger.Debug("subscriber attached", "provider", providerID, "key", key)

	poll := time.NewTicker(h.pollInterval)
	defer poll.Stop()
	keep := time.NewTicker(h.keepalive)
	defer keep.Stop()

	ctx := r.Context()
	lastID := ""
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("subscriber detached", "provider", providerID)
			return
		case <-keep.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-poll.C:
			// Follow the day rollover: a new UTC date means a new key
			// and a fresh cursor.
			if nowKey := store.EventKey(providerID, h.now().UTC()); nowKey != key {
				key = nowKey
				lastID = ""
			}
			entries, err := h.store.StreamRange(ctx, key, lastID)
			if err != nil {
				h.logger.Warn("polling event stream", "key", key, "error", err)
				continue
			}
			for _, entry := range entries {
				payload, err := json.Marshal(entry.Fields)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: call-event\nid: %s\ndata: %s\n\n", entry.ID, payload)
				lastID = entry.ID
			}
			if len(entries) > 0 {
				flusher.Flush()
			}
		}
	}
}
