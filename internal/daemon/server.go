package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/reviewd-dev/reviewd/internal/config"
	"github.com/reviewd-dev/reviewd/internal/gateway"
	"github.com/reviewd-dev/reviewd/internal/reviewer"
	"github.com/reviewd-dev/reviewd/internal/storage"
	"github.com/reviewd-dev/reviewd/internal/version"
)

// ErrorResponse is the JSON error envelope for API responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server is the HTTP API server for the daemon. Transport concerns like
// webhook signature verification live in front of it, out of scope here:
// events arrive already normalized on /api/event.
type Server struct {
	db          *storage.DB
	cfgGetter   ConfigGetter
	broadcaster Broadcaster
	scheduler   *Scheduler
	httpServer  *http.Server
	startTime   time.Time

	stopTicker chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a daemon server with the default reviewer and
// platform gateways from the configuration.
func NewServer(db *storage.DB, cfg *config.Config) *Server {
	gateways := map[storage.Platform]gateway.ThreadGateway{
		storage.PlatformGitHub: gateway.NewGitHubGateway(cfg.GHCmd),
		storage.PlatformGitLab: gateway.NewGitLabGateway(cfg.GlabCmd),
	}
	rev := reviewer.NewCommandReviewer(cfg.ReviewerCmd)
	return NewServerWith(db, &StaticConfig{Cfg: cfg}, rev, gateways)
}

// NewServerWith creates a daemon server with explicit ports, so tests
// can substitute fakes for the reviewer and the gateways.
func NewServerWith(db *storage.DB, cfgGetter ConfigGetter, rev reviewer.Port, gateways map[storage.Platform]gateway.ThreadGateway) *Server {
	broadcaster := NewBroadcaster()
	scheduler := NewScheduler(db, cfgGetter, rev, gateways, broadcaster)

	s := &Server{
		db:          db,
		cfgGetter:   cfgGetter,
		broadcaster: broadcaster,
		scheduler:   scheduler,
		startTime:   time.Now(),
		stopTicker:  make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/event", s.handleEvent)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/queue", s.handleQueue)
	mux.HandleFunc("/api/job", s.handleJob)
	mux.HandleFunc("/api/job/cancel", s.handleCancelJob)
	mux.HandleFunc("/api/records", s.handleListRecords)
	mux.HandleFunc("/api/record", s.handleGetRecord)
	mux.HandleFunc("/api/followup/run", s.handleRunFollowup)
	mux.HandleFunc("/api/stream/events", s.handleStreamEvents)

	s.httpServer = &http.Server{
		Addr:    cfgGetter.Config().ServerAddr,
		Handler: mux,
	}
	return s
}

// Scheduler exposes the scheduler, mainly for tests.
func (s *Server) Scheduler() *Scheduler {
	return s.scheduler
}

// Start runs the HTTP server and the follow-up ticker. Blocks until
// shutdown.
func (s *Server) Start() error {
	cfg := s.cfgGetter.Config()

	if err := WriteRuntime(s.httpServer.Addr, version.Version); err != nil {
		log.Printf("Warning: failed to write runtime info: %v", err)
	}

	tick := time.Duration(cfg.FollowupTickSeconds) * time.Second
	if tick > 0 {
		go s.followupLoop(tick)
	}

	log.Printf("reviewd %s listening on %s", version.Version, s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.stopOnce.Do(func() { close(s.stopTicker) })
	RemoveRuntime()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	return nil
}

func (s *Server) followupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopTicker:
			return
		case <-ticker.C:
			s.scheduler.RunFollowupSweep(context.Background())
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// handleEvent accepts one normalized inbound event. Malformed events are
// dropped with a 400 and never retried; valid events that hit transient
// trouble get a 500 so the webhook relay can redeliver.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	ev, err := ParseInboundEvent(body)
	if err != nil {
		log.Printf("dropping event: %v", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.scheduler.HandleEvent(r.Context(), ev); err != nil {
		var malformed *MalformedEventError
		if errors.As(err, &malformed) {
			log.Printf("dropping event: %v", err)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[%s] handle %s event: %v", ev.Key(), ev.Type, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats := s.scheduler.Queue().Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": version.Version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"queue":   stats,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	healthy := true
	dbMessage := "ok"
	if err := s.db.Ping(); err != nil {
		healthy = false
		dbMessage = err.Error()
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"healthy": healthy,
		"store":   dbMessage,
		"version": version.Version,
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.Queue().Stats())
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jobID := r.URL.Query().Get("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "missing id")
		return
	}
	entry, ok := s.scheduler.Queue().JobStatus(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" {
		writeError(w, http.StatusBadRequest, "missing job_id")
		return
	}

	if !s.scheduler.Queue().Cancel(req.JobID) {
		writeError(w, http.StatusNotFound, "job not found or not cancellable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	recs, err := s.db.ListRecords(storage.RecordState(r.URL.Query().Get("state")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []storage.TrackingRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	number, err := strconv.Atoi(q.Get("request_number"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request_number")
		return
	}
	key := storage.EntityKey{
		Platform:      storage.Platform(q.Get("platform")),
		RepoID:        q.Get("repo_id"),
		RequestNumber: number,
	}
	if !storage.ValidPlatform(key.Platform) || key.RepoID == "" {
		writeError(w, http.StatusBadRequest, "invalid key")
		return
	}

	rec, err := s.db.GetRecord(key)
	if errors.Is(err, storage.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleRunFollowup lets an operator force a follow-up sweep instead of
// waiting for the ticker.
func (s *Server) handleRunFollowup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.scheduler.RunFollowupSweep(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "done"})
}

func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	repoFilter := r.URL.Query().Get("repo")

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	subID, eventCh := s.broadcaster.Subscribe(repoFilter)
	defer s.broadcaster.Unsubscribe(subID)

	// Commit the response headers before blocking so the subscriber sees
	// the stream open immediately, not on the first broadcast.
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	encoder := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			if err := encoder.Encode(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
