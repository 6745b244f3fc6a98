// Package ffmpeg shells out to ffmpeg/ffprobe to cut accepted candidates
// into clip files and to probe source videos.
package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/forPelevin/clipforge/internal/ports"
	"github.com/forPelevin/clipforge/internal/types"
)

type Adapter struct {
	ffmpeg    string
	ffprobe   string
	outputDir string
}

func New(ffmpegPath, ffprobePath, outputDir string) *Adapter {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if outputDir == "" {
		outputDir = "output/clips"
	}
	return &Adapter{ffmpeg: ffmpegPath, ffprobe: ffprobePath, outputDir: outputDir}
}

// OutputDir is where cut clips land.
func (a *Adapter) OutputDir() string { return a.outputDir }

// CutClips renders each candidate into its own mp4. A single failed clip
// is skipped so the rest of the batch still completes.
func (a *Adapter) CutClips(ctx context.Context, videoPath string, clips []types.ClipCandidate, progress ports.ProgressFunc) ([]types.ClipResult, error) {
	if progress == nil {
		progress = ports.NopProgress
	}
	if err := os.MkdirAll(a.outputDir, 0o755); err != nil {
		return nil, err
	}

	progress("cutting", 0.1, "preparing clip extraction")
	results := make([]types.ClipResult, 0, len(clips))
	for i, clip := range clips {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		frac := 0.1 + 0.8*float64(i+1)/float64(len(clips))
		progress("cutting", frac, fmt.Sprintf("cutting clip %d/%d: %s", i+1, len(clips), clip.Title))

		outPath, err := a.cutOne(ctx, videoPath, clip, i+1)
		if err != nil {
			progress("cutting", frac, fmt.Sprintf("clip %d failed, skipping", i+1))
			continue
		}

		var size int64
		if st, err := os.Stat(outPath); err == nil {
			size = st.Size()
		}
		results = append(results, types.ClipResult{
			Title:       clip.Title,
			StartTime:   clip.StartTime,
			EndTime:     clip.EndTime,
			Duration:    clip.Duration,
			Description: clip.Description,
			FilePath:    outPath,
			FileSize:    size,
		})
	}

	progress("cutting", 1, fmt.Sprintf("cutting complete, %d clip(s) rendered", len(results)))
	return results, nil
}

func (a *Adapter) cutOne(ctx context.Context, videoPath string, clip types.ClipCandidate, n int) (string, error) {
	name := fmt.Sprintf("clip_%03d_%s.mp4", n, SanitizeFilename(clip.Title))
	outPath := filepath.Join(a.outputDir, name)

	cmd := exec.CommandContext(ctx, a.ffmpeg,
		"-y",
		"-ss", fmtSeconds(clip.StartTime),
		"-t", fmtSeconds(clip.Duration),
		"-i", videoPath,
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "23",
		"-c:a", "aac",
		outPath,
	)
	if b, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("ffmpeg cut clip: %w\n%s", err, string(b))
	}
	return outPath, nil
}

// ExtractAudioMono16k pulls a wav in the format the speech model expects.
func (a *Adapter) ExtractAudioMono16k(ctx context.Context, inVideo, outWav string) error {
	cmd := exec.CommandContext(ctx, a.ffmpeg,
		"-y",
		"-i", inVideo,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-f", "wav",
		outWav,
	)
	if b, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg extract audio: %w\n%s", err, string(b))
	}
	return nil
}

// ProbeDuration reads the container duration via ffprobe.
func (a *Adapter) ProbeDuration(ctx context.Context, videoPath string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, a.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration: %w\n%s", err, string(b))
	}
	s := strings.TrimSpace(string(b))
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return time.Duration(sec * float64(time.Second)), nil
}

// Validate checks the ffmpeg binary is callable.
func (a *Adapter) Validate(ctx context.Context) error {
	if err := exec.CommandContext(ctx, a.ffmpeg, "-version").Run(); err != nil {
		return fmt.Errorf("ffmpeg not available: %w", err)
	}
	return nil
}

// SanitizeFilename strips characters that are unsafe in file names and
// bounds the length.
func SanitizeFilename(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case strings.ContainsRune(`<>:"/\|?*`, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if len(out) > 50 {
		out = out[:50]
	}
	if out == "" {
		out = "clip"
	}
	return out
}

func fmtSeconds(sec float64) string {
	return strconv.FormatFloat(sec, 'f', 3, 64)
}
