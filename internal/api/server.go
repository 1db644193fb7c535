// Package api serves the provider portal: session auth, unfilled-shift
// and call-log queries, hold-queue visibility, and the live event stream.
// It also mounts the carrier-facing webhook, media, and blob endpoints so
// one handler fronts the whole service.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	mw "github.com/shiftline/shiftline/internal/api/middleware"
	"github.com/shiftline/shiftline/internal/config"
	"github.com/shiftline/shiftline/internal/events"
	"github.com/shiftline/shiftline/internal/media"
	"github.com/shiftline/shiftline/internal/queue"
	"github.com/shiftline/shiftline/internal/records"
)

// holdMusicSeconds is the length of the generated hold-music loop served
// at /assets/hold.wav. The carrier replays the document, so a short loop
// is enough.
const holdMusicSeconds = 8

// Deps carries everything the portal server needs. Blobs, Media, Metrics,
// and Webhooks are optional; nil leaves the corresponding routes unmounted.
type Deps struct {
	Config   *config.Config
	Records  records.Store
	Queue    *queue.Engine
	Sessions *mw.SessionStore
	Events   *events.SSEHandler
	Blobs    http.Handler
	Media    http.Handler
	Metrics  http.Handler
	Webhooks func(chi.Router)
	Logger   *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	cfg      *config.Config
	records  records.Store
	queue    *queue.Engine
	sessions *mw.SessionStore
	events   *events.SSEHandler
	blobs    http.Handler
	media    http.Handler
	metrics  http.Handler
	webhooks func(chi.Router)
	logger   *slog.Logger

	apiLimiter  *mw.IPRateLimiter
	authLimiter *mw.IPRateLimiter

	holdOnce sync.Once
	holdWAV  []byte
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(d Deps) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		cfg:      d.Config,
		records:  d.Records,
		queue:    d.Queue,
		sessions: d.Sessions,
		events:   d.Events,
		blobs:    d.Blobs,
		media:    d.Media,
		metrics:  d.Metrics,
		webhooks: d.Webhooks,
		logger:   d.Logger.With("subsystem", "api"),

		apiLimiter:  mw.NewIPRateLimiter(mw.DefaultRateLimitConfig()),
		authLimiter: mw.NewIPRateLimiter(mw.AuthRateLimitConfig()),
	}

	// The event stream scopes subscriptions to the session's provider.
	if s.events != nil {
		s.events.ProviderID = func(r *http.Request) string {
			return mw.ProviderIDFromContext(r.Context())
		}
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the background rate-limiter cleanup goroutines.
func (s *Server) Close() {
	s.apiLimiter.Stop()
	s.authLimiter.Stop()
}

// secureCookies reports whether session cookies should carry the Secure
// flag; true whenever the service is reached over HTTPS.
func (s *Server) secureCookies() bool {
	return strings.HasPrefix(s.cfg.PublicBaseURL, "https://")
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.StructuredLogger)
	r.Use(chimw.Recoverer)

	// Carrier-facing endpoints. The carrier authenticates with signed
	// webhooks upstream of this service, so these stay outside the portal
	// session and rate-limit stack.
	if s.webhooks != nil {
		r.Group(s.webhooks)
	}
	if s.media != nil {
		r.Handle("/media-stream", s.media)
	}
	if s.blobs != nil {
		r.Handle("/blobs/*", s.blobs)
	}
	r.Get("/assets/hold.wav", s.handleHoldMusic)

	// Operator event stream. Cookie-authenticated like the portal API.
	if s.events != nil {
		r.With(mw.RequireAuth(s.sessions, s.secureCookies())).Get("/sse/operator", s.events.ServeHTTP)
	}

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	// Portal API under /api/v1.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.RateLimit(s.apiLimiter))

		// Unauthenticated routes.
		r.Get("/health", s.handleHealth)
		r.With(mw.RateLimit(s.authLimiter)).Post("/auth/login", s.handleLogin)

		// Protected portal routes.
		r.Group(func(r chi.Router) {
			r.Use(mw.RequireAuth(s.sessions, s.secureCookies()))

			r.Post("/auth/logout", s.handleLogout)
			r.Get("/auth/me", s.handleMe)

			r.Get("/shifts/unfilled", s.handleUnfilledShifts)
			r.Get("/call-logs/{sid}", s.handleCallLog)

			r.Get("/queue", s.handleQueue)
			r.Post("/queue/next", s.handleQueueNext)
		})
	})

	s.logger.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type portalUserJSON struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	ProviderID   string `json:"providerId"`
	ProviderName string `json:"providerName,omitempty"`
}

// handleLogin authenticates a provider portal user and establishes a
// session. Invalid email and invalid password return the same error so
// accounts cannot be enumerated.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	user, err := s.records.ProviderUserByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, records.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger.Error("looking up portal user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !records.CheckPassword(user.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	sess, err := s.sessions.Create(user.ID, user.ProviderID, user.Email, user.Name)
	if err != nil {
		s.logger.Error("creating session", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	mw.SetSessionCookie(w, sess, s.secureCookies())

	resp := portalUserJSON{
		ID:         user.ID,
		Email:      user.Email,
		Name:       user.Name,
		ProviderID: user.ProviderID,
	}
	if prov, err := s.records.ProviderByID(r.Context(), user.ProviderID); err == nil {
		resp.ProviderName = prov.Name
	}

	s.logger.Info("portal login", "user", user.ID, "provider", user.ProviderID)
	writeJSON(w, http.StatusOK, resp)
}

// handleLogout tears down the current session.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if id := mw.SessionIDFromContext(r.Context()); id != "" {
		s.sessions.Delete(id)
	}
	mw.ClearSessionCookie(w, s.secureCookies())
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// handleMe returns the authenticated portal user.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u := mw.PortalUserFromContext(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	resp := portalUserJSON{
		ID:         u.ID,
		Email:      u.Email,
		Name:       u.Name,
		ProviderID: u.ProviderID,
	}
	if prov, err := s.records.ProviderByID(r.Context(), u.ProviderID); err == nil {
		resp.ProviderName = prov.Name
	}
	writeJSON(w, http.StatusOK, resp)
}

type occurrenceJSON struct {
	ID         string    `json:"id"`
	TemplateID string    `json:"templateId"`
	EmployeeID string    `json:"employeeId,omitempty"`
	PatientID  string    `json:"patientId,omitempty"`
	StartsAt   time.Time `json:"startsAt"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// handleUnfilledShifts lists the provider's unfilled occurrences, soonest
// first.
func (s *Server) handleUnfilledShifts(w http.ResponseWriter, r *http.Request) {
	u := mw.PortalUserFromContext(r.Context())

	occs, err := s.records.UnfilledShifts(r.Context(), u.ProviderID)
	if err != nil {
		s.logger.Error("listing unfilled shifts", "provider", u.ProviderID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]occurrenceJSON, 0, len(occs))
	for _, o := range occs {
		out = append(out, occurrenceJSON{
			ID:         o.ID,
			TemplateID: o.TemplateID,
			EmployeeID: o.EmployeeID,
			PatientID:  o.PatientID,
			StartsAt:   o.StartsAt,
			Status:     o.Status,
			Reason:     o.Reason,
			UpdatedAt:  o.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type callLogJSON struct {
	ID                  string     `json:"id"`
	Sid                 string     `json:"sid"`
	EmployeeID          string     `json:"employeeId,omitempty"`
	Direction           string     `json:"direction"`
	StartedAt           time.Time  `json:"startedAt"`
	EndedAt             *time.Time `json:"endedAt,omitempty"`
	Seconds             int        `json:"seconds"`
	RecordingURL        string     `json:"recordingUrl,omitempty"`
	DetectedIntent      string     `json:"detectedIntent,omitempty"`
	Purpose             string     `json:"purpose,omitempty"`
	RelatedOccurrenceID string     `json:"relatedOccurrenceId,omitempty"`
}

// handleCallLog returns one call log by carrier SID. Logs belonging to a
// different provider are indistinguishable from missing ones.
func (s *Server) handleCallLog(w http.ResponseWriter, r *http.Request) {
	u := mw.PortalUserFromContext(r.Context())
	sid := chi.URLParam(r, "sid")

	log, err := s.records.CallLogBySid(r.Context(), sid)
	if err != nil {
		if errors.Is(err, records.ErrNotFound) {
			writeError(w, http.StatusNotFound, "call log not found")
			return
		}
		s.logger.Error("loading call log", "sid", sid, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if log.ProviderID != "" && log.ProviderID != u.ProviderID {
		writeError(w, http.StatusNotFound, "call log not found")
		return
	}

	writeJSON(w, http.StatusOK, callLogJSON{
		ID:                  log.ID,
		Sid:                 log.Sid,
		EmployeeID:          log.EmployeeID,
		Direction:           log.Direction,
		StartedAt:           log.StartedAt,
		EndedAt:             log.EndedAt,
		Seconds:             log.Seconds,
		RecordingURL:        log.RecordingURL,
		DetectedIntent:      log.DetectedIntent,
		Purpose:             log.Purpose,
		RelatedOccurrenceID: log.RelatedOccurrenceID,
	})
}

type queueStatusJSON struct {
	Depth             int `json:"depth"`
	EstimatedWaitSecs int `json:"estimatedWaitSecs"`
}

// handleQueue reports the provider's hold-queue depth and the wait a new
// caller would face.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	u := mw.PortalUserFromContext(r.Context())

	depth, err := s.queue.Depth(r.Context(), u.ProviderID)
	if err != nil {
		s.logger.Error("reading queue depth", "provider", u.ProviderID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, queueStatusJSON{
		Depth:             depth,
		EstimatedWaitSecs: int(s.queue.EstimatedWait(depth + 1).Seconds()),
	})
}

// handleQueueNext pops the longest-waiting caller so a representative can
// take them.
func (s *Server) handleQueueNext(w http.ResponseWriter, r *http.Request) {
	u := mw.PortalUserFromContext(r.Context())

	entry, err := s.queue.Dequeue(r.Context(), u.ProviderID)
	if err != nil {
		s.logger.Error("dequeuing caller", "provider", u.ProviderID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "no callers waiting")
		return
	}

	s.logger.Info("caller dequeued by portal", "provider", u.ProviderID, "callSid", entry.CallSid)
	writeJSON(w, http.StatusOK, entry)
}

// handleHoldMusic serves the generated hold-music loop referenced by the
// queue wait document. The WAV is synthesized once and cached.
func (s *Server) handleHoldMusic(w http.ResponseWriter, r *http.Request) {
	s.holdOnce.Do(func() {
		gen := media.NewHoldMusic()
		frames := holdMusicSeconds * media.SampleRate / media.FrameBytes
		ulaw := make([]byte, 0, frames*media.FrameBytes)
		for i := 0; i < frames; i++ {
			ulaw = append(ulaw, gen.Next()...)
		}
		s.holdWAV = media.WAV(media.DecodeULaw(ulaw), media.SampleRate)
	})

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write(s.holdWAV)
}
