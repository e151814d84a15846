package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/ritzau/buildwatch/pkg/evaluation"
	"github.com/ritzau/buildwatch/pkg/logging"
	"github.com/ritzau/buildwatch/pkg/model"
	"github.com/ritzau/buildwatch/pkg/pubsub"
)

// FileData describes one watch-set entry
type FileData struct {
	Path     string   `json:"path"`
	Projects []string `json:"projects"`
	AssetURL string   `json:"asset_url,omitempty"`
	Build    bool     `json:"build,omitempty"` // True for descriptions and imports
}

// ExclusionData describes one active exclusion rule
type ExclusionData struct {
	Kind    string `json:"kind"`
	Rule    string `json:"rule"`
	Pattern string `json:"pattern"`
	Project string `json:"project"`
}

// Server represents the status server
type Server struct {
	router    *mux.Router
	publisher *pubsub.SSEPublisher

	mu     sync.RWMutex
	result *evaluation.Result
	status pubsub.EvaluationStatus
}

// NewServer creates a new status server
func NewServer() *Server {
	ssePublisher := pubsub.NewSSEPublisher()

	// Configure topic buffering
	// evaluation_status: buffer last 10 events, replay only last event to new subscribers
	ssePublisher.ConfigureTopic(pubsub.TopicStatus, pubsub.TopicConfig{
		BufferSize: 10,
		ReplayAll:  false, // Only send current state
	})

	// file_changes: replay recent batches so a new client sees what just happened
	ssePublisher.ConfigureTopic(pubsub.TopicChanges, pubsub.TopicConfig{
		BufferSize: 20,
		ReplayAll:  true,
	})

	s := &Server{
		router:    mux.NewRouter(),
		publisher: ssePublisher,
		status:    pubsub.EvaluationStatus{State: "initializing", Message: "Not evaluated yet"},
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler serving all routes
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetResult stores the last successful evaluation
func (s *Server) SetResult(r *evaluation.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = r
}

// PublishStatus records and publishes the state of the evaluation loop
func (s *Server) PublishStatus(status pubsub.EvaluationStatus) error {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	return s.publisher.Publish(pubsub.TopicStatus, status.State, status)
}

// PublishChanges publishes a batch of accepted changes
func (s *Server) PublishChanges(batch pubsub.ChangeBatch) error {
	return s.publisher.Publish(pubsub.TopicChanges, "changes", batch)
}

func (s *Server) setupRoutes() {
	s.router.Use(logging.RequestIDMiddleware)

	// SSE subscription endpoint
	s.router.HandleFunc("/api/subscribe/{topic}", s.handleSubscribe).Methods("GET")

	// API routes
	s.router.HandleFunc("/api/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/files", s.handleFiles).Methods("GET")
	s.router.HandleFunc("/api/graph", s.handleGraph).Methods("GET")
	s.router.HandleFunc("/api/exclusions", s.handleExclusions).Methods("GET")
}

func (s *Server) current() (*evaluation.Result, pubsub.EvaluationStatus) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result, s.status
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	if topic != pubsub.TopicStatus && topic != pubsub.TopicChanges {
		http.Error(w, fmt.Sprintf("Unknown topic: %s", topic), http.StatusNotFound)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*") // CORS support

	// Send initial comment to establish connection (Safari compatibility)
	fmt.Fprintf(w, ": connected\n\n")
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	// Create subscription
	sub, err := s.publisher.Subscribe(r.Context(), topic)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	// Stream events
	for event := range sub.Events() {
		if err := pubsub.WriteSSE(w, event); err != nil {
			logging.DebugContext(r.Context(), "Error writing SSE event", "error", err)
			return
		}
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	_, status := s.current()
	writeJSON(w, r, status)
}

// handleFiles returns the watch-set and build files. ?project= limits the
// watch-set to files owned by one description.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	result, _ := s.current()
	if result == nil {
		http.Error(w, "No evaluation available", http.StatusServiceUnavailable)
		return
	}

	project := r.URL.Query().Get("project")
	if project != "" {
		project = filepath.Clean(project)
	}

	files := make([]FileData, 0, len(result.Files))
	for _, item := range result.SortedFiles() {
		if project != "" && !slices.Contains(item.ProjectPaths, project) {
			continue
		}
		files = append(files, FileData{
			Path:     item.Path,
			Projects: item.ProjectPaths,
			AssetURL: item.AssetURL,
		})
	}
	if project == "" {
		for _, p := range result.BuildFiles() {
			if _, ok := result.File(p); ok {
				continue
			}
			files = append(files, FileData{Path: p, Build: true})
		}
	}
	writeJSON(w, r, files)
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	result, _ := s.current()
	if result == nil || result.Graph == nil {
		writeJSON(w, r, model.NewGraph())
		return
	}
	writeJSON(w, r, result.Graph.Model())
}

func (s *Server) handleExclusions(w http.ResponseWriter, r *http.Request) {
	result, _ := s.current()
	rules := []ExclusionData{}
	if result != nil {
		for _, rule := range result.Exclusions.Rules() {
			rules = append(rules, ExclusionData{
				Kind:    rule.Kind.String(),
				Rule:    rule.String(),
				Pattern: rule.Pattern,
				Project: filepath.FromSlash(rule.ProjectDir),
			})
		}
	}
	writeJSON(w, r, rules)
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.WarnContext(r.Context(), "Failed to encode response", "error", err)
	}
}

// Start serves on the given port until ctx is done
func (s *Server) Start(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.publisher.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn("Status server shutdown failed", "error", err)
		}
	}()

	logging.Info("Starting status server", "url", "http://localhost"+addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}
