// Package progress derives per-stage time estimates and remaining-time
// snapshots for a running job. The numbers are a best-effort heuristic; the
// only promise is monotonic sanity, not precision.
package progress

import (
	"time"

	"github.com/forPelevin/clipforge/internal/types"
)

// Empirical multipliers against source-video duration, with floors so that
// very short videos still get a non-trivial estimate.
const (
	transcriptionFactor = 0.3
	analysisFactor      = 0.1
	cuttingFactor       = 0.05

	transcriptionFloor = 30.0 // seconds
	analysisFloor      = 20.0
	cuttingFloor       = 10.0
)

// extrapolationThreshold is the overall progress below which the static
// estimate is trusted over the observed speed.
const extrapolationThreshold = 0.1

// analysisSlowdown corrects the extrapolated remaining time while inside
// the analysis stage; LLM calls run disproportionately slower than their
// progress signal suggests.
const analysisSlowdown = 1.5

// EstimateStages produces initial per-stage estimates for a video of the
// given duration.
func EstimateStages(videoDuration time.Duration) types.TimeEstimates {
	sec := videoDuration.Seconds()
	return types.TimeEstimates{
		Transcription: atLeast(sec*transcriptionFactor, transcriptionFloor),
		Analysis:      atLeast(sec*analysisFactor, analysisFloor),
		Cutting:       atLeast(sec*cuttingFactor, cuttingFloor),
	}
}

// Snapshot blends the static estimates with observed speed into a TimeInfo.
// Below the extrapolation threshold the static estimate drives remaining
// time; above it, remaining is extrapolated from progress/elapsed.
func Snapshot(
	est types.TimeEstimates,
	elapsed time.Duration,
	overall float64,
	stage types.JobStatus,
	stageLocal float64,
) types.TimeInfo {
	el := elapsed.Seconds()
	if el < 0 {
		el = 0
	}
	info := types.TimeInfo{
		Elapsed:            el,
		CurrentStage:       stage,
		StageLocalProgress: clamp01(stageLocal),
	}

	if overall < extrapolationThreshold || el == 0 {
		info.EstimatedTotal = est.Total()
		info.Remaining = atLeast(est.Total()-el, 0)
		return info
	}

	if overall > 1 {
		overall = 1
	}
	estTotal := el / overall
	remaining := estTotal - el
	if stage == types.StatusAnalyzing {
		remaining *= analysisSlowdown
	}
	if remaining < 0 {
		remaining = 0
	}
	info.Remaining = remaining
	info.EstimatedTotal = el + remaining
	return info
}

func atLeast(v, floor float64) float64 {
	if v < floor {
		return floor
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
