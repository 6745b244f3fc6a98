// Package clips validates, filters, deduplicates and ranks candidate clips
// merged from all analysis chunks.
package clips

import (
	"math"
	"sort"

	"github.com/forPelevin/clipforge/internal/types"
)

// Mode selects between the recall-oriented and the precision-oriented
// filtering behavior.
type Mode string

const (
	// ModeInclusive keeps partial overlaps and only suppresses exact
	// duplicates, maximizing downstream choice.
	ModeInclusive Mode = "inclusive"
	// ModeStrict enforces a single non-overlapping timeline and a higher
	// confidence floor.
	ModeStrict Mode = "strict"
)

// strictConfidenceFloor overrides weaker configured thresholds in strict
// mode.
const strictConfidenceFloor = 0.6

// durationTolerance is the allowed drift between a candidate's reported
// duration and end-start before it counts as invalid data.
const durationTolerance = 0.5

// Policy is the configured filtering behavior.
type Policy struct {
	Mode           Mode
	MinDuration    float64 // seconds
	MaxDuration    float64 // seconds
	MinConfidence  float64
	MaxClips       int
	DedupTolerance float64 // seconds, per endpoint
}

// DefaultPolicy mirrors the service defaults: 5-300s clips, confidence
// above 0.3, at most 20 results, 2s duplicate tolerance.
func DefaultPolicy() Policy {
	return Policy{
		Mode:           ModeInclusive,
		MinDuration:    5,
		MaxDuration:    300,
		MinConfidence:  0.3,
		MaxClips:       20,
		DedupTolerance: 2,
	}
}

// Sanitize normalizes a raw candidate from model output. It clamps
// confidence into [0,1] and reports false for invalid domain data: end not
// after start, negative start, or a reported duration that disagrees with
// end-start beyond tolerance.
func Sanitize(c types.ClipCandidate) (types.ClipCandidate, bool) {
	if c.StartTime < 0 || c.EndTime <= c.StartTime {
		return c, false
	}
	span := c.EndTime - c.StartTime
	if c.Duration != 0 && math.Abs(c.Duration-span) > durationTolerance {
		// Disagreement means the model's timing is untrustworthy; drop
		// rather than silently repair.
		return c, false
	}
	c.Duration = span
	if c.Confidence < 0 {
		c.Confidence = 0
	}
	if c.Confidence > 1 {
		c.Confidence = 1
	}
	return c, true
}

// Filter runs the full pipeline over the merged candidate list:
// sanitize, drop at or below the confidence threshold, drop out-of-bounds
// durations, rank by confidence (ties by start time), suppress exact
// duplicates, and cap the result. Idempotent on its own output.
func Filter(cands []types.ClipCandidate, p Policy) []types.ClipCandidate {
	minConf := p.MinConfidence
	if p.Mode == ModeStrict && minConf < strictConfidenceFloor {
		minConf = strictConfidenceFloor
	}

	kept := make([]types.ClipCandidate, 0, len(cands))
	for _, c := range cands {
		c, ok := Sanitize(c)
		if !ok {
			continue
		}
		if c.Confidence <= minConf {
			continue
		}
		if c.Duration < p.MinDuration || c.Duration > p.MaxDuration {
			continue
		}
		kept = append(kept, c)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Confidence == kept[j].Confidence {
			return kept[i].StartTime < kept[j].StartTime
		}
		return kept[i].Confidence > kept[j].Confidence
	})

	out := make([]types.ClipCandidate, 0, len(kept))
	for _, c := range kept {
		if p.Mode == ModeStrict {
			if overlapsAny(out, c) {
				continue
			}
		} else if isDuplicate(out, c, p.DedupTolerance) {
			continue
		}
		out = append(out, c)
		if p.MaxClips > 0 && len(out) >= p.MaxClips {
			break
		}
	}
	return out
}

// isDuplicate reports whether both endpoints of c fall within tol seconds
// of an already-accepted candidate. Partial overlap is not a duplicate.
func isDuplicate(accepted []types.ClipCandidate, c types.ClipCandidate, tol float64) bool {
	for _, a := range accepted {
		if math.Abs(a.StartTime-c.StartTime) < tol && math.Abs(a.EndTime-c.EndTime) < tol {
			return true
		}
	}
	return false
}

func overlapsAny(accepted []types.ClipCandidate, c types.ClipCandidate) bool {
	for _, a := range accepted {
		if c.StartTime < a.EndTime && c.EndTime > a.StartTime {
			return true
		}
	}
	return false
}
