// Package api exposes rendezvous and poll rounds over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"Flock/internal/archive"
	"Flock/internal/logger"
	"Flock/internal/metrics"
	"Flock/internal/poll"
	"Flock/internal/rendezvous"
	"Flock/internal/round"
)

const (
	// defaultWaitTimeout bounds POST /rendezvous when the request sets none.
	defaultWaitTimeout = 10 * time.Second
)

// Config holds the dependencies of a Server. Any coordinator may be nil;
// its routes then answer 503.
type Config struct {
	Addr        string                // Addr is the HTTP listen address
	Requester   *rendezvous.Requester // Requester runs POST /rendezvous
	Polls       *poll.Coordinator     // Polls runs POST /polls and serves live tallies
	Archive     *archive.Archive      // Archive serves closed tallies, optional
	Metrics     *metrics.Metrics      // Metrics is exposed on /metrics, optional
	WaitTimeout time.Duration         // WaitTimeout is the default rendezvous wait
}

// Server is the HTTP API server.
type Server struct {
	cfg      Config        // cfg holds the coordinators
	server   *http.Server  // server is the underlying HTTP server
	listener net.Listener  // listener is bound by Start
	done     chan struct{} // done is closed when Serve returns
}

// New creates a new HTTP API server.
func New(cfg Config) *Server {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}

	return &Server{cfg: cfg}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rendezvous", s.handleRendezvous)
	mux.HandleFunc("POST /polls", s.handleStartPoll)
	mux.HandleFunc("GET /polls", s.handleListPolls)
	mux.HandleFunc("GET /polls/{id}", s.handleGetPoll)
	mux.HandleFunc("GET /health", s.handleHealth)

	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics.Handler())
	}

	return mux
}

// Start binds the listen address and serves in a goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s:\n%w", s.cfg.Addr, err)
	}

	s.listener = ln
	s.done = make(chan struct{})
	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		defer close(s.done)

		logger.Info("http api started", "addr", ln.Addr().String())

		if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}

	return s.cfg.Addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	<-s.done

	return err
}

// handleRendezvous handles POST /rendezvous: it starts a round and waits
// for the accepted reply or the timeout.
func (s *Server) handleRendezvous(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Requester == nil {
		writeError(w, http.StatusServiceUnavailable, "rendezvous not available")
		return
	}

	var req rendezvousRequest
	if err := decodeBody(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var opts []rendezvous.StartOption
	if req.Handoff != "" {
		opts = append(opts, rendezvous.WithHandoff([]byte(req.Handoff)))
	}

	rd, err := s.cfg.Requester.Start([]byte(req.Payload), opts...)
	if errors.Is(err, rendezvous.ErrRoundInFlight) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	timeout := s.cfg.WaitTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	res, err := rd.Await(ctx)

	// An HTTP caller cannot await again, so the round ends with the request.
	if errors.Is(err, rendezvous.ErrTimeout) {
		rd.Cancel()
		<-rd.Done()

		if late, lateErr := rd.Await(context.Background()); lateErr == nil {
			res, err = late, nil
		}
	}

	view := newRendezvousView(rd)

	switch {
	case err == nil:
		view.Responder = res.Responder.Hex()
		view.Payload = string(res.Payload)
		view.Attempts = res.Attempts
		view.ElapsedMs = res.Elapsed.Milliseconds()
		writeJSON(w, http.StatusOK, view)
	case errors.Is(err, rendezvous.ErrTimeout):
		view.Error = err.Error()
		writeJSON(w, http.StatusGatewayTimeout, view)
	case errors.Is(err, rendezvous.ErrAttemptsExhausted):
		view.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, view)
	default:
		view.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, view)
	}
}

// handleStartPoll handles POST /polls.
func (s *Server) handleStartPoll(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Polls == nil {
		writeError(w, http.StatusServiceUnavailable, "polls not available")
		return
	}

	var req pollRequest
	if err := decodeBody(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rd, err := s.cfg.Polls.Start(req.Selector, []byte(req.Question), time.Duration(req.DurationMs)*time.Millisecond)
	if errors.Is(err, poll.ErrInvalidDuration) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"round":    rd.ID().String(),
		"deadline": rd.Deadline(),
	})
}

// handleGetPoll handles GET /polls/{id}: live and recent rounds first,
// then the archive.
func (s *Server) handleGetPoll(w http.ResponseWriter, r *http.Request) {
	id, err := round.ParseID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid poll id")
		return
	}

	if s.cfg.Polls != nil {
		if rd, ok := s.cfg.Polls.Lookup(id); ok {
			writeJSON(w, http.StatusOK, newTallyView(rd.Tally()))
			return
		}
	}

	if s.cfg.Archive != nil {
		t, err := s.cfg.Archive.Get(id)
		if err == nil {
			writeJSON(w, http.StatusOK, newTallyView(t))
			return
		}

		if !errors.Is(err, archive.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	writeError(w, http.StatusNotFound, "poll not found")
}

// handleListPolls handles GET /polls, newest first.
func (s *Server) handleListPolls(w http.ResponseWriter, r *http.Request) {
	seen := make(map[string]bool)
	list := make([]summaryView, 0)

	if s.cfg.Polls != nil {
		for _, rd := range s.cfg.Polls.Rounds() {
			v := summaryFromTally(rd.Tally())
			seen[v.Round] = true
			list = append(list, v)
		}
	}

	if s.cfg.Archive != nil {
		archived, err := s.cfg.Archive.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		for _, a := range archived {
			v := summaryFromArchive(a)
			if !seen[v.Round] {
				list = append(list, v)
			}
		}
	}

	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Started.After(list[j].Started)
	})

	writeJSON(w, http.StatusOK, list)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
