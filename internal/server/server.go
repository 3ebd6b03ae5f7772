package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"geoalign/internal/config"
	"geoalign/internal/pipeline"
	"geoalign/internal/storage"
	"geoalign/internal/tasks"

	"github.com/gorilla/mux"
)

// Server exposes runs over HTTP, server-sent events and websockets.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline pipeline.Client
	paths    config.Paths
	log      *slog.Logger
	hub      *Hub
	server   *http.Server
}

// NewServer creates a server. paths supplies the defaults of submitted runs.
func NewServer(addr string, store *storage.Store, pipe pipeline.Client, paths config.Paths, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		paths:    paths,
		log:      log,
		hub:      NewHub(log),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.forwardEvents(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down http server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("http server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve runs a server for the given configuration until ctx is done.
func Serve(ctx context.Context, addr string, store *storage.Store, pipe pipeline.Client, paths config.Paths, log *slog.Logger) error {
	return NewServer(addr, store, pipe, paths, log).Start(ctx)
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/runs/{id}/results", s.handleResults).Methods("GET")
	r.HandleFunc("/runs/{id}/results.csv", s.handleResultsCSV).Methods("GET")
	r.HandleFunc("/runs/{id}/events", s.handlePairEvents).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/ws", s.hub.ServeWS).Methods("GET")
}

// forwardEvents copies pipeline events to websocket clients.
func (s *Server) forwardEvents(ctx context.Context) {
	events, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			s.hub.Broadcast(payload)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (storage.RunRecord, bool) {
	rec, err := s.store.Run(mux.Vars(r)["id"])
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
		return rec, false
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return rec, false
	}
	return rec, true
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if rec, ok := s.lookupRun(w, r); ok {
		writeJSON(w, http.StatusOK, rec)
	}
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	rows, err := s.store.RunRows(rec.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rows == nil {
		rows = []storage.ResultRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleResultsCSV(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	if rec.Status != storage.StatusSuccess {
		writeError(w, http.StatusConflict, errors.New("run has no result table"))
		return
	}
	rows, err := s.store.RunRows(rec.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="image_translations.csv"`)
	if err := tasks.TableFromRows(rows).WriteCSV(w); err != nil {
		s.log.Warn("failed to stream result table", "id", rec.ID, "error", err)
	}
}

func (s *Server) handlePairEvents(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	evs, err := s.store.PairEvents(rec.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if evs == nil {
		evs = []storage.PairEvent{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body pipeline.SubmitRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	prefix := "run"
	if body.Check {
		prefix = "check"
	}
	job, err := body.Job(pipeline.NewID(prefix), s.paths)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.pipeline.Submit(job); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.log.Info("run queued", "id", job.ID, "type", job.Type, "source", job.Request.SourceDir)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID, "type": string(job.Type)})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, _ := json.Marshal(ev)
			_, _ = w.Write([]byte("event: " + string(ev.Type) + "\ndata: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}
