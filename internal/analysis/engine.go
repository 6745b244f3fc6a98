// Package analysis runs the chunked LLM analysis over a transcript and
// reduces the merged output to a filtered candidate list.
package analysis

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/forPelevin/clipforge/internal/domain/chunker"
	"github.com/forPelevin/clipforge/internal/domain/clips"
	"github.com/forPelevin/clipforge/internal/domain/prompt"
	"github.com/forPelevin/clipforge/internal/ports"
	"github.com/forPelevin/clipforge/internal/types"
)

// Engine coordinates chunking, prompt rendering, per-chunk LLM calls and
// the final filter pass. Stage-local progress in [0,1] flows through the
// supplied callback.
type Engine struct {
	llm         ports.ChunkAnalyzer
	prompts     prompt.Builder
	policy      clips.Policy
	chunkBudget int
	log         *logrus.Entry
}

func New(llm ports.ChunkAnalyzer, prompts prompt.Builder, policy clips.Policy, chunkBudget int, log *logrus.Logger) Engine {
	if chunkBudget <= 0 {
		chunkBudget = 3000
	}
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return Engine{
		llm:         llm,
		prompts:     prompts,
		policy:      policy,
		chunkBudget: chunkBudget,
		log:         log.WithField("component", "analysis"),
	}
}

// Chunk-loop progress layout: prompt building ends at 0.1, request fan-out
// occupies 0.3..0.9, the filter pass closes out the remainder.
const (
	promptDone = 0.1
	loopStart  = 0.3
	loopSpan   = 0.6
	filterDone = 0.9
)

// Analyze splits the transcript, queries the model once per chunk and
// returns the filtered, ranked candidate list. Individual chunk failures
// contribute nothing; the only error returned is context cancellation.
func (e Engine) Analyze(ctx context.Context, transcript string, params types.AnalysisParams, progress ports.ProgressFunc) ([]types.ClipCandidate, error) {
	if progress == nil {
		progress = ports.NopProgress
	}

	progress("analyzing", promptDone, "building analysis prompt")

	chunks := chunker.Split(transcript, e.chunkBudget)
	if len(chunks) == 0 {
		return nil, nil
	}
	progress("analyzing", loopStart, fmt.Sprintf("submitting transcript in %d chunk(s)", len(chunks)))

	var merged []types.ClipCandidate
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		base := loopStart + loopSpan*float64(i)/float64(len(chunks))
		span := loopSpan / float64(len(chunks))
		progress("analyzing", base, fmt.Sprintf("analyzing chunk %d/%d", i+1, len(chunks)))

		// Re-map the client's chunk-local progress into this chunk's slice
		// of the stage; unknown fractions pin to the slice start so the
		// overall number never regresses.
		chunkProgress := func(stage string, frac float64, msg string) {
			if frac < 0 {
				progress(stage, base, msg)
				return
			}
			progress(stage, base+span*frac, msg)
		}

		found, err := e.llm.AnalyzeChunk(ctx, e.prompts.Render(params, chunk), chunkProgress)
		if err != nil {
			return nil, err
		}
		merged = append(merged, found...)

		progress("analyzing", loopStart+loopSpan*float64(i+1)/float64(len(chunks)),
			fmt.Sprintf("chunk %d/%d done, %d candidate(s)", i+1, len(chunks), len(found)))
	}

	progress("analyzing", filterDone, "filtering and ranking candidates")
	out := clips.Filter(merged, e.policy)
	e.log.WithFields(logrus.Fields{
		"chunks":     len(chunks),
		"raw":        len(merged),
		"candidates": len(out),
	}).Info("analysis finished")
	progress("analyzing", 1, fmt.Sprintf("analysis complete, %d clip(s) identified", len(out)))
	return out, nil
}
