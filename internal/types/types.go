package types

import "time"

// JobStatus is the lifecycle state of a clip-extraction job.
type JobStatus string

const (
	StatusCreated      JobStatus = "created"
	StatusStarting     JobStatus = "starting"
	StatusTranscribing JobStatus = "transcribing"
	StatusAnalyzing    JobStatus = "analyzing"
	StatusCutting      JobStatus = "cutting"
	StatusComplete     JobStatus = "complete"
	StatusError        JobStatus = "error"
)

// Terminal reports whether no further automatic transition exists.
func (s JobStatus) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// Profile selects the output style the analysis prompt asks for.
type Profile string

const (
	ProfileSocial      Profile = "social"
	ProfileEducational Profile = "educational"
	ProfileReference   Profile = "reference"
)

// ParseProfile maps a wire value to a known profile.
func ParseProfile(s string) (Profile, bool) {
	switch Profile(s) {
	case ProfileSocial, ProfileEducational, ProfileReference:
		return Profile(s), true
	}
	return "", false
}

// AnalysisParams are the immutable semantic inputs of a job. Together with
// the transcript and the video identity they form the cache fingerprint.
type AnalysisParams struct {
	Context string  `json:"context"`
	Topics  string  `json:"topics"`
	Profile Profile `json:"profile"`
}

// ClipCandidate is an unconfirmed, LLM-proposed clip before filtering.
// Times are seconds from the start of the source video.
type ClipCandidate struct {
	Title       string   `json:"title"`
	StartTime   float64  `json:"start_time"`
	EndTime     float64  `json:"end_time"`
	Duration    float64  `json:"duration"`
	Description string   `json:"description"`
	Topics      []string `json:"topics"`
	Confidence  float64  `json:"confidence"`
}

// ClipResult is a cut clip on disk, produced from an accepted candidate.
type ClipResult struct {
	Title       string  `json:"title"`
	StartTime   float64 `json:"start_time"`
	EndTime     float64 `json:"end_time"`
	Duration    float64 `json:"duration"`
	Description string  `json:"description,omitempty"`
	FilePath    string  `json:"file_path"`
	FileSize    int64   `json:"file_size"`
}

// TimeEstimates are the per-stage expected seconds derived from the source
// video duration. They seed the ETA until real progress is observed.
type TimeEstimates struct {
	Transcription float64 `json:"transcription"`
	Analysis      float64 `json:"analysis"`
	Cutting       float64 `json:"cutting"`
}

// Total returns the summed estimate across all stages.
func (e TimeEstimates) Total() float64 {
	return e.Transcription + e.Analysis + e.Cutting
}

// TimeInfo is the ETA snapshot attached to a status response.
type TimeInfo struct {
	Elapsed            float64   `json:"elapsed"`
	Remaining          float64   `json:"remaining"`
	EstimatedTotal     float64   `json:"estimated_total"`
	CurrentStage       JobStatus `json:"current_stage"`
	StageLocalProgress float64   `json:"stage_local_progress"`
}

// Job is one end-to-end request to produce clips from a video. The record
// is owned by the orchestrator; callers only ever see snapshots.
type Job struct {
	ID         string         `json:"id"`
	Status     JobStatus      `json:"status"`
	Progress   float64        `json:"progress"`
	Message    string         `json:"message"`
	Params     AnalysisParams `json:"params"`
	VideoPath  string         `json:"video_path,omitempty"`
	Transcript string         `json:"-"`
	Results    []ClipResult   `json:"results"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`

	Estimates       TimeEstimates         `json:"time_estimates"`
	StageStartTimes map[JobStatus]float64 `json:"stage_start_times,omitempty"`
}

// ProgressUpdate is what subscribers receive on every publish.
type ProgressUpdate struct {
	JobID    string       `json:"job_id"`
	Status   JobStatus    `json:"status"`
	Progress float64      `json:"progress"`
	Message  string       `json:"message"`
	Results  []ClipResult `json:"results,omitempty"`
	TimeInfo *TimeInfo    `json:"time_info,omitempty"`
}
