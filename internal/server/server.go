// Package server exposes the job manager over HTTP: uploads, job status,
// websocket progress streaming, clip downloads and operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/forPelevin/clipforge/internal/cache"
	"github.com/forPelevin/clipforge/internal/jobs"
	"github.com/forPelevin/clipforge/internal/types"
)

const defaultMaxUploadBytes = 2 << 30 // 2 GiB

// Check probes one external dependency (LLM endpoint, whisper model,
// ffmpeg binary). A nil error means available.
type Check func(ctx context.Context) error

// SystemInfo is static deployment information reported by the status
// endpoint.
type SystemInfo struct {
	LLMModel     string `json:"llm_model"`
	LLMURL       string `json:"llm_url"`
	WhisperModel string `json:"whisper_model"`
	OutputDir    string `json:"output_directory"`
}

// Options wires the server to the rest of the system.
type Options struct {
	Manager        *jobs.Manager
	Cache          *cache.Store
	Log            *logrus.Logger
	UploadsDir     string
	OutputDir      string
	MaxUploadBytes int64
	Info           SystemInfo
	Checks         map[string]Check
}

type Server struct {
	manager *jobs.Manager
	cache   *cache.Store
	log     *logrus.Entry
	router  *chi.Mux

	uploadsDir     string
	outputDir      string
	maxUploadBytes int64
	info           SystemInfo
	checks         map[string]Check

	upgrader websocket.Upgrader
}

func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	s := &Server{
		manager:        opts.Manager,
		cache:          opts.Cache,
		log:            log.WithField("component", "server"),
		router:         chi.NewRouter(),
		uploadsDir:     opts.UploadsDir,
		outputDir:      opts.OutputDir,
		maxUploadBytes: opts.MaxUploadBytes,
		info:           opts.Info,
		checks:         opts.Checks,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(corsMiddleware)

	s.router.Post("/api/start_process", s.startProcess)
	s.router.Post("/api/job/{id}/reprocess", s.reprocess)
	s.router.Get("/api/job/{id}/status", s.jobStatus)
	s.router.Get("/api/jobs", s.listJobs)
	s.router.Delete("/api/job/{id}", s.deleteJob)
	s.router.Get("/api/download/{filename}", s.downloadClip)
	s.router.Get("/ws/{id}", s.jobWS)

	s.router.Get("/api/system/status", s.systemStatus)
	s.router.Get("/api/system/validate", s.validateSystem)
	s.router.Post("/api/system/cleanup", s.cleanupOutput)
	s.router.Get("/api/output/files", s.listOutputFiles)

	s.router.Get("/api/cache", s.listCache)
	s.router.Delete("/api/cache/{key}", s.deleteCacheEntry)
	s.router.Delete("/api/cache", s.deleteCacheAll)

	s.router.Get("/healthz", s.health)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) startProcess(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+1024)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "invalid multipart upload or file too large", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("video_file")
	if err != nil {
		http.Error(w, "video_file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	profile, ok := types.ParseProfile(r.FormValue("profile"))
	if !ok {
		http.Error(w, "unknown output profile", http.StatusBadRequest)
		return
	}
	params := types.AnalysisParams{
		Context: r.FormValue("context"),
		Topics:  r.FormValue("topics"),
		Profile: profile,
	}

	if err := os.MkdirAll(s.uploadsDir, 0o755); err != nil {
		s.log.WithError(err).Error("could not ensure uploads dir")
		http.Error(w, "could not store upload", http.StatusInternalServerError)
		return
	}
	videoPath := filepath.Join(s.uploadsDir, uuid.NewString()+"_"+sanitizeUploadName(header.Filename))
	if err := writeUpload(videoPath, file); err != nil {
		s.log.WithError(err).Error("could not persist upload")
		http.Error(w, "could not store upload", http.StatusInternalServerError)
		return
	}

	jobID, err := s.manager.CreateJob(r.Context(), params, videoPath)
	if err != nil {
		_ = os.Remove(videoPath)
		s.log.WithError(err).Error("could not create job")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	go s.runJob(jobID)

	s.log.WithFields(logrus.Fields{"job_id": jobID, "file": header.Filename}).Info("processing started")
	s.respondJSON(w, http.StatusOK, map[string]string{
		"job_id":  jobID,
		"message": "processing started",
		"status":  string(types.StatusCreated),
	})
}

// reprocess re-runs analysis and cutting for a finished job with new
// parameters, reusing its transcript so transcription is skipped.
func (s *Server) reprocess(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "id")

	var body struct {
		Context string `json:"context"`
		Topics  string `json:"topics"`
		Profile string `json:"profile"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	profile, ok := types.ParseProfile(body.Profile)
	if !ok {
		http.Error(w, "unknown output profile", http.StatusBadRequest)
		return
	}
	params := types.AnalysisParams{Context: body.Context, Topics: body.Topics, Profile: profile}

	jobID, err := s.manager.CreateJobFromExistingTranscript(r.Context(), params, sourceID)
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		http.Error(w, "job not found", http.StatusNotFound)
		return
	case errors.Is(err, jobs.ErrNoTranscript):
		http.Error(w, "source job has no transcript yet", http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	go s.runJob(jobID)

	s.respondJSON(w, http.StatusOK, map[string]string{
		"job_id":  jobID,
		"message": "processing started",
		"status":  string(types.StatusCreated),
	})
}

func (s *Server) runJob(jobID string) {
	if err := s.manager.Run(context.Background(), jobID); err != nil {
		s.log.WithError(err).WithField("job_id", jobID).Error("job run rejected")
	}
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, info, ok := s.manager.GetJob(jobID)
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"job_id":     job.ID,
		"status":     job.Status,
		"progress":   job.Progress,
		"message":    job.Message,
		"results":    job.Results,
		"created_at": job.CreatedAt.Format(time.RFC3339),
		"updated_at": job.UpdatedAt.Format(time.RFC3339),
		"time_info":  info,
	})
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	all := s.manager.ListJobs()
	out := make([]map[string]any, 0, len(all))
	for _, job := range all {
		out = append(out, map[string]any{
			"job_id":     job.ID,
			"status":     job.Status,
			"progress":   job.Progress,
			"message":    job.Message,
			"created_at": job.CreatedAt.Format(time.RFC3339),
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if err := s.manager.DeleteJob(jobID); err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("job %s deleted", jobID),
	})
}

func (s *Server) downloadClip(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	if filename == "" || filename != filepath.Base(filename) {
		http.Error(w, "invalid file name", http.StatusBadRequest)
		return
	}
	path := filepath.Join(s.outputDir, filename)
	if _, err := os.Stat(path); err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Type", "video/mp4")
	http.ServeFile(w, r, path)
}

// wsSink adapts a websocket connection to the manager's Sink. Gorilla
// connections allow a single concurrent writer, hence the mutex.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Send(u types.ProgressUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(u)
}

func (s *Server) jobWS(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, info, ok := s.manager.GetJob(jobID)
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	sink := &wsSink{conn: conn}
	if err := s.manager.Subscribe(jobID, sink); err != nil {
		_ = conn.Close()
		return
	}

	// Late subscribers get the current state right away.
	_ = sink.Send(types.ProgressUpdate{
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Message:  job.Message,
		Results:  job.Results,
		TimeInfo: info,
	})

	// Drain client frames (ping/pong keepalive) until the peer goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.manager.Unsubscribe(jobID, sink)
	_ = conn.Close()
}

func (s *Server) systemStatus(w http.ResponseWriter, r *http.Request) {
	jobCount, subscribers := s.manager.Counts()
	deps := s.runChecks(r.Context())
	healthy := true
	for _, ok := range deps {
		healthy = healthy && ok
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"system": map[string]any{
			"active_jobs":           jobCount,
			"websocket_connections": subscribers,
			"llm_model":             s.info.LLMModel,
			"llm_url":               s.info.LLMURL,
			"whisper_model":         s.info.WhisperModel,
			"output_directory":      s.info.OutputDir,
		},
		"dependencies": deps,
		"health":       healthy,
	})
}

func (s *Server) validateSystem(w http.ResponseWriter, r *http.Request) {
	deps := s.runChecks(r.Context())

	var missing []string
	for name, ok := range deps {
		if !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)

	if len(missing) > 0 {
		s.respondJSON(w, http.StatusOK, map[string]any{
			"valid":                false,
			"missing_dependencies": missing,
			"dependencies":         deps,
		})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"valid":        true,
		"message":      "all dependencies are available",
		"dependencies": deps,
	})
}

func (s *Server) runChecks(ctx context.Context) map[string]bool {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	out := make(map[string]bool, len(s.checks))
	for name, check := range s.checks {
		err := check(ctx)
		if err != nil {
			s.log.WithError(err).WithField("dependency", name).Warn("dependency unavailable")
		}
		out[name] = err == nil
	}
	return out
}

func (s *Server) cleanupOutput(w http.ResponseWriter, _ *http.Request) {
	matches, err := filepath.Glob(filepath.Join(s.outputDir, "*.mp4"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			s.log.WithError(err).WithField("file", path).Warn("could not remove output file")
		}
	}
	s.log.WithField("removed", len(matches)).Info("output directory cleaned")
	s.respondJSON(w, http.StatusOK, map[string]string{"message": "output directory cleaned"})
}

func (s *Server) listOutputFiles(w http.ResponseWriter, _ *http.Request) {
	matches, err := filepath.Glob(filepath.Join(s.outputDir, "*.mp4"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	files := make([]map[string]any, 0, len(matches))
	for _, path := range matches {
		st, err := os.Stat(path)
		if err != nil {
			continue
		}
		files = append(files, map[string]any{
			"name":     filepath.Base(path),
			"path":     path,
			"size":     st.Size(),
			"modified": st.ModTime().Format(time.RFC3339),
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) listCache(w http.ResponseWriter, _ *http.Request) {
	if s.cache == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{"entries": []any{}})
		return
	}
	entries, err := s.cache.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) deleteCacheEntry(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		http.Error(w, "cache disabled", http.StatusNotFound)
		return
	}
	key := chi.URLParam(r, "key")
	if err := s.cache.Delete(key); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"message": "cache entry deleted"})
}

func (s *Server) deleteCacheAll(w http.ResponseWriter, _ *http.Request) {
	if s.cache == nil {
		http.Error(w, "cache disabled", http.StatusNotFound)
		return
	}
	if err := s.cache.DeleteAll(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"message": "analysis cache cleared"})
}

func (s *Server) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.WithError(err).Error("could not encode response")
	}
}

func writeUpload(path string, src io.Reader) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		_ = os.Remove(path)
		return err
	}
	return out.Close()
}

func sanitizeUploadName(name string) string {
	name = filepath.Base(name)
	clean := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			clean = append(clean, r)
		case r == ' ':
			clean = append(clean, '_')
		default:
			clean = append(clean, '_')
		}
	}
	if len(clean) == 0 || string(clean) == "." || string(clean) == ".." {
		return "video.mp4"
	}
	return string(clean)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
