// Package jobs owns the job registry and drives each job through its
// pipeline stages, publishing blended progress to at most one live
// subscriber per job.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/forPelevin/clipforge/internal/cache"
	"github.com/forPelevin/clipforge/internal/domain/progress"
	"github.com/forPelevin/clipforge/internal/ports"
	"github.com/forPelevin/clipforge/internal/types"
)

// ErrJobNotFound is returned for operations on unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// ErrJobAlreadyStarted is returned when Run is called twice for one job.
var ErrJobAlreadyStarted = errors.New("job already started")

// ErrNoTranscript is returned when a job is created from a source job that
// has no saved transcript.
var ErrNoTranscript = errors.New("source job has no transcript")

// Sink receives progress updates for one job. A failed Send silently
// detaches the sink; it never fails the job.
type Sink interface {
	Send(update types.ProgressUpdate) error
}

// Analyzer produces filtered clip candidates from a transcript.
type Analyzer interface {
	Analyze(ctx context.Context, transcript string, params types.AnalysisParams, progress ports.ProgressFunc) ([]types.ClipCandidate, error)
}

// Deps are the collaborators one Manager drives.
type Deps struct {
	Transcriber ports.Transcriber
	Cutter      ports.Cutter
	Analyzer    Analyzer
	// Cache may be nil to disable analysis caching.
	Cache *cache.Store
}

// Overall progress blends stage-local progress with these weights:
// transcription the first third, analysis the second, cutting the rest.
const (
	transcriptionWeight = 0.33
	analysisWeight      = 0.33
	cuttingWeight       = 0.34
)

// Manager is the job orchestrator. Each job record is mutated only by its
// own pipeline goroutine; everything the manager hands out is a snapshot.
type Manager struct {
	deps Deps
	log  *logrus.Entry

	// heartbeat paces the simulated progress emitted while the blocking
	// transcription call runs.
	heartbeat time.Duration

	mu      sync.RWMutex
	jobs    map[string]*types.Job
	started map[string]bool
	sinks   map[string]Sink
}

func NewManager(deps Deps, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &Manager{
		deps:      deps,
		log:       log.WithField("component", "jobs"),
		heartbeat: 2 * time.Second,
		jobs:      make(map[string]*types.Job),
		started:   make(map[string]bool),
		sinks:     make(map[string]Sink),
	}
}

// CreateJob registers a new job for a source video. Time estimates are
// seeded from the probed video duration; probe failure is not fatal and
// only costs estimate quality.
func (m *Manager) CreateJob(ctx context.Context, params types.AnalysisParams, videoPath string) (string, error) {
	if videoPath == "" {
		return "", errors.New("video path is required")
	}
	if _, err := os.Stat(videoPath); err != nil {
		return "", fmt.Errorf("source video: %w", err)
	}

	var videoDur time.Duration
	if m.deps.Cutter != nil {
		if d, err := m.deps.Cutter.ProbeDuration(ctx, videoPath); err == nil {
			videoDur = d
		} else {
			m.log.WithError(err).Warn("probe failed, using floor estimates")
		}
	}

	job := m.newJob(params, videoPath, videoDur)
	m.log.WithFields(logrus.Fields{"job_id": job.ID, "video": videoPath}).Info("job created")
	return job.ID, nil
}

// CreateJobFromExistingTranscript registers a job that reuses the saved
// transcript of a prior job, skipping the transcribing stage entirely.
func (m *Manager) CreateJobFromExistingTranscript(ctx context.Context, params types.AnalysisParams, sourceJobID string) (string, error) {
	m.mu.RLock()
	src, ok := m.jobs[sourceJobID]
	var transcript, videoPath string
	if ok {
		transcript = src.Transcript
		videoPath = src.VideoPath
	}
	m.mu.RUnlock()

	if !ok {
		return "", ErrJobNotFound
	}
	if transcript == "" {
		return "", ErrNoTranscript
	}

	var videoDur time.Duration
	if m.deps.Cutter != nil {
		if d, err := m.deps.Cutter.ProbeDuration(ctx, videoPath); err == nil {
			videoDur = d
		}
	}

	job := m.newJob(params, videoPath, videoDur)
	m.mu.Lock()
	m.jobs[job.ID].Transcript = transcript
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"job_id": job.ID, "source": sourceJobID}).Info("job created from existing transcript")
	return job.ID, nil
}

func (m *Manager) newJob(params types.AnalysisParams, videoPath string, videoDur time.Duration) *types.Job {
	now := time.Now()
	job := &types.Job{
		ID:              uuid.NewString(),
		Status:          types.StatusCreated,
		Progress:        0,
		Message:         "job created",
		Params:          params,
		VideoPath:       videoPath,
		Results:         []types.ClipResult{},
		CreatedAt:       now,
		UpdatedAt:       now,
		Estimates:       progress.EstimateStages(videoDur),
		StageStartTimes: map[types.JobStatus]float64{},
	}
	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()
	return job
}

// GetJob returns a snapshot of the record plus a live ETA, or false.
func (m *Manager) GetJob(jobID string) (types.Job, *types.TimeInfo, bool) {
	m.mu.RLock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.RUnlock()
		return types.Job{}, nil, false
	}
	snap := snapshot(job)
	m.mu.RUnlock()

	info := m.timeInfo(snap)
	return snap, &info, true
}

// ListJobs returns snapshots of every live job.
func (m *Manager) ListJobs() []types.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, snapshot(j))
	}
	return out
}

// Subscribe attaches the single live sink for a job, replacing any
// previous one.
func (m *Manager) Subscribe(jobID string, sink Sink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return ErrJobNotFound
	}
	m.sinks[jobID] = sink
	return nil
}

// Unsubscribe detaches the given sink. A sink that was already replaced
// by a newer Subscribe is left alone, so a stale connection tearing down
// cannot silence its successor.
func (m *Manager) Unsubscribe(jobID string, sink Sink) {
	m.mu.Lock()
	if m.sinks[jobID] == sink {
		delete(m.sinks, jobID)
	}
	m.mu.Unlock()
}

// DeleteJob removes the record and its sink. The source video file is
// removed only when no other live job references the same path.
func (m *Manager) DeleteJob(jobID string) error {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return ErrJobNotFound
	}
	delete(m.jobs, jobID)
	delete(m.started, jobID)
	delete(m.sinks, jobID)

	shared := false
	for _, other := range m.jobs {
		if other.VideoPath == job.VideoPath {
			shared = true
			break
		}
	}
	videoPath := job.VideoPath
	m.mu.Unlock()

	if videoPath != "" && !shared {
		if err := os.Remove(videoPath); err != nil && !os.IsNotExist(err) {
			m.log.WithError(err).WithField("video", videoPath).Warn("could not remove source video")
		}
	}
	m.log.WithField("job_id", jobID).Info("job deleted")
	return nil
}

// Counts reports live jobs and attached subscribers for status endpoints.
func (m *Manager) Counts() (jobs, subscribers int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs), len(m.sinks)
}

// snapshot copies the record so readers never alias pipeline-owned state.
func snapshot(j *types.Job) types.Job {
	cp := *j
	cp.Results = append([]types.ClipResult(nil), j.Results...)
	cp.StageStartTimes = make(map[types.JobStatus]float64, len(j.StageStartTimes))
	for k, v := range j.StageStartTimes {
		cp.StageStartTimes[k] = v
	}
	return cp
}

func (m *Manager) timeInfo(j types.Job) types.TimeInfo {
	elapsed := time.Since(j.CreatedAt)
	return progress.Snapshot(j.Estimates, elapsed, j.Progress, j.Status, stageLocal(j.Status, j.Progress))
}

// stageLocal inverts the blending to recover the current stage's own
// fraction from the overall number.
func stageLocal(status types.JobStatus, overall float64) float64 {
	var offset, weight float64
	switch status {
	case types.StatusTranscribing:
		offset, weight = 0, transcriptionWeight
	case types.StatusAnalyzing:
		offset, weight = transcriptionWeight, analysisWeight
	case types.StatusCutting:
		offset, weight = transcriptionWeight+analysisWeight, cuttingWeight
	case types.StatusComplete:
		return 1
	default:
		return 0
	}
	local := (overall - offset) / weight
	if local < 0 {
		return 0
	}
	if local > 1 {
		return 1
	}
	return local
}

// validTransition enforces the job state machine. Transcript-reuse jobs
// enter analyzing straight from starting; a cache hit can jump starting or
// analyzing directly to cutting.
func validTransition(from, to types.JobStatus) bool {
	if to == types.StatusError {
		return !from.Terminal()
	}
	switch from {
	case types.StatusCreated:
		return to == types.StatusStarting
	case types.StatusStarting:
		return to == types.StatusTranscribing || to == types.StatusAnalyzing || to == types.StatusCutting
	case types.StatusTranscribing:
		return to == types.StatusAnalyzing || to == types.StatusCutting
	case types.StatusAnalyzing:
		return to == types.StatusCutting
	case types.StatusCutting:
		return to == types.StatusComplete
	default:
		return false
	}
}
