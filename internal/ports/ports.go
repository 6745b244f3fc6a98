package ports

import (
	"context"
	"time"

	"github.com/forPelevin/clipforge/internal/types"
)

// ProgressFunc receives incremental status from a collaborator. fraction is
// the stage-local progress in [0,1]; a negative fraction means "no numeric
// update" and only the message is new.
type ProgressFunc func(stage string, fraction float64, message string)

// NopProgress discards updates so collaborators never need a nil check.
func NopProgress(string, float64, string) {}

// Transcriber turns a video file into plain transcript text. The call is
// blocking at the collaborator boundary; callers that want live progress
// must run it off the hot path and heartbeat on their own clock.
type Transcriber interface {
	Transcribe(ctx context.Context, videoPath string, progress ProgressFunc) (string, error)
}

// Cutter renders the accepted candidates into clip files.
type Cutter interface {
	CutClips(ctx context.Context, videoPath string, clips []types.ClipCandidate, progress ProgressFunc) ([]types.ClipResult, error)
	ProbeDuration(ctx context.Context, videoPath string) (time.Duration, error)
}

// ChunkAnalyzer issues one analysis request for a rendered chunk prompt.
// Failures degrade to an empty candidate list; an error return is reserved
// for context cancellation.
type ChunkAnalyzer interface {
	AnalyzeChunk(ctx context.Context, prompt string, progress ProgressFunc) ([]types.ClipCandidate, error)
	Ping(ctx context.Context) error
}
