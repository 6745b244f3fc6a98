package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/forPelevin/clipforge/internal/cache"
	"github.com/forPelevin/clipforge/internal/types"
)

// Run drives a job through its stages to completion or error. It blocks;
// callers start it in a goroutine. Calling it a second time for the same
// job returns ErrJobAlreadyStarted. Stage failures are recorded on the job
// record, not returned.
func (m *Manager) Run(ctx context.Context, jobID string) error {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return ErrJobNotFound
	}
	if m.started[jobID] {
		m.mu.Unlock()
		return ErrJobAlreadyStarted
	}
	m.started[jobID] = true
	videoPath := job.VideoPath
	params := job.Params
	transcript := job.Transcript
	estimates := job.Estimates
	m.mu.Unlock()

	m.publish(jobID, types.StatusStarting, 0, "starting processing", nil)

	// Stage 1: transcription, skipped when a transcript was carried over
	// from a prior job.
	if transcript == "" {
		m.publish(jobID, types.StatusTranscribing, 0, "starting transcription", nil)
		text, err := m.transcribeWithHeartbeat(ctx, jobID, videoPath, estimates.Transcription)
		if err != nil {
			m.fail(jobID, fmt.Errorf("transcription failed: %w", err))
			return nil
		}
		transcript = text
		m.mu.Lock()
		if j, ok := m.jobs[jobID]; ok {
			j.Transcript = transcript
		}
		m.mu.Unlock()
		m.publish(jobID, types.StatusTranscribing, transcriptionWeight, "transcription complete", nil)
	}

	// Stage 2: analysis, short-circuited by a cache hit.
	candidates, cacheKey := m.cachedCandidates(jobID, videoPath, transcript, params)
	if candidates == nil {
		m.publish(jobID, types.StatusAnalyzing, transcriptionWeight, "starting analysis", nil)
		found, err := m.deps.Analyzer.Analyze(ctx, transcript, params,
			m.stageProgress(jobID, types.StatusAnalyzing, transcriptionWeight, analysisWeight))
		if err != nil {
			m.fail(jobID, fmt.Errorf("analysis failed: %w", err))
			return nil
		}
		if len(found) == 0 {
			m.fail(jobID, fmt.Errorf("no relevant clips identified in the video"))
			return nil
		}
		candidates = found
		if m.deps.Cache != nil && cacheKey != "" {
			if err := m.deps.Cache.Put(cacheKey, videoPath, params, candidates); err != nil {
				m.log.WithError(err).Warn("could not write analysis cache")
			}
		}
	}

	// Stage 3: cutting.
	m.publish(jobID, types.StatusCutting, transcriptionWeight+analysisWeight, "starting clip cutting", nil)
	results, err := m.deps.Cutter.CutClips(ctx, videoPath, candidates,
		m.stageProgress(jobID, types.StatusCutting, transcriptionWeight+analysisWeight, cuttingWeight))
	if err != nil {
		m.fail(jobID, fmt.Errorf("clip cutting failed: %w", err))
		return nil
	}

	m.publish(jobID, types.StatusComplete, 1,
		fmt.Sprintf("processing complete, %d clip(s) generated", len(results)), results)
	m.log.WithFields(logrus.Fields{"job_id": jobID, "clips": len(results)}).Info("job complete")
	return nil
}

// cachedCandidates looks the analysis up by fingerprint. It returns the
// cached clips (nil on miss) and the key to write back after a fresh
// analysis. Cache trouble never fails the job.
func (m *Manager) cachedCandidates(jobID, videoPath, transcript string, params types.AnalysisParams) ([]types.ClipCandidate, string) {
	if m.deps.Cache == nil {
		return nil, ""
	}
	contentID, err := cache.VideoContentID(videoPath)
	if err != nil {
		m.log.WithError(err).Warn("could not fingerprint video, skipping cache")
		return nil, ""
	}
	key := cache.Key(contentID, transcript, params)
	entry, ok, err := m.deps.Cache.Get(key)
	if err != nil {
		m.log.WithError(err).Warn("cache read failed")
		return nil, key
	}
	if !ok || len(entry.Clips) == 0 {
		return nil, key
	}
	m.publish(jobID, types.StatusAnalyzing, transcriptionWeight+analysisWeight,
		fmt.Sprintf("reusing cached analysis, %d clip(s)", len(entry.Clips)), nil)
	m.log.WithFields(logrus.Fields{"job_id": jobID, "cache_key": key}).Info("analysis cache hit")
	return entry.Clips, key
}

// transcribeWithHeartbeat runs the blocking transcription call off the hot
// path and emits interpolated progress on a timer; the collaborator offers
// no real mid-call progress, so these numbers are approximate by nature.
func (m *Manager) transcribeWithHeartbeat(ctx context.Context, jobID, videoPath string, estimateSec float64) (string, error) {
	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := m.deps.Transcriber.Transcribe(ctx, videoPath,
			m.stageProgress(jobID, types.StatusTranscribing, 0, transcriptionWeight))
		done <- result{text: text, err: err}
	}()

	if estimateSec <= 0 {
		estimateSec = 60
	}
	start := time.Now()
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case r := <-done:
			return r.text, r.err
		case <-ticker.C:
			frac := time.Since(start).Seconds() / estimateSec * 0.9
			if frac > 0.95 {
				frac = 0.95
			}
			m.publish(jobID, types.StatusTranscribing, frac*transcriptionWeight,
				"transcription in progress", nil)
		}
	}
}

// stageProgress maps a stage-local fraction into the stage's overall
// sub-range before publishing. Negative fractions refresh the message only.
func (m *Manager) stageProgress(jobID string, status types.JobStatus, offset, weight float64) func(string, float64, string) {
	return func(_ string, frac float64, msg string) {
		if frac < 0 {
			m.publish(jobID, status, -1, msg, nil)
			return
		}
		m.publish(jobID, status, offset+frac*weight, msg, nil)
	}
}

// fail aborts the job: status error, progress reset to zero and the
// failure summarized in the same message channel used for progress.
func (m *Manager) fail(jobID string, err error) {
	m.log.WithError(err).WithField("job_id", jobID).Error("job failed")
	m.publish(jobID, types.StatusError, 0, err.Error(), nil)
}

// publish applies a state/progress/message change to the record and fans
// it out to the job's sink, if any. overall < 0 keeps the last numeric
// progress. Published progress never decreases while the job is healthy.
func (m *Manager) publish(jobID string, status types.JobStatus, overall float64, message string, results []types.ClipResult) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return
	}

	if status != job.Status {
		if !validTransition(job.Status, status) {
			m.log.WithFields(logrus.Fields{
				"job_id": jobID, "from": job.Status, "to": status,
			}).Error("invalid state transition dropped")
			m.mu.Unlock()
			return
		}
		job.Status = status
		job.StageStartTimes[status] = time.Since(job.CreatedAt).Seconds()
	}

	switch {
	case status == types.StatusError:
		job.Progress = 0
	case overall >= 0:
		if overall > 1 {
			overall = 1
		}
		if overall > job.Progress {
			job.Progress = overall
		}
	}
	if message != "" {
		job.Message = message
	}
	if results != nil {
		job.Results = results
	}
	job.UpdatedAt = time.Now()

	snap := snapshot(job)
	sink := m.sinks[jobID]
	m.mu.Unlock()

	if sink == nil {
		return
	}
	info := m.timeInfo(snap)
	update := types.ProgressUpdate{
		JobID:    snap.ID,
		Status:   snap.Status,
		Progress: snap.Progress,
		Message:  snap.Message,
		Results:  snap.Results,
		TimeInfo: &info,
	}
	if err := sink.Send(update); err != nil {
		// A broken subscriber is detached, never a job failure.
		m.log.WithError(err).WithField("job_id", jobID).Debug("subscriber dropped")
		m.mu.Lock()
		if m.sinks[jobID] == sink {
			delete(m.sinks, jobID)
		}
		m.mu.Unlock()
	}
}
