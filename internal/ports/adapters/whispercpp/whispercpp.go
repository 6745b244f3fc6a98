// Package whispercpp shells out to a whisper.cpp binary to produce a plain
// text transcript of a video's audio track.
package whispercpp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/forPelevin/clipforge/internal/ports"
)

// AudioExtractor pulls a mono 16kHz wav out of a video container; the
// ffmpeg adapter satisfies it.
type AudioExtractor interface {
	ExtractAudioMono16k(ctx context.Context, inVideo, outWav string) error
}

type Adapter struct {
	bin     string
	model   string
	audio   AudioExtractor
	workDir string
}

func New(binPath, modelPath string, audio AudioExtractor, workDir string) *Adapter {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Adapter{bin: binPath, model: modelPath, audio: audio, workDir: workDir}
}

// Validate checks the binary and model are present on disk.
func (a *Adapter) Validate() error {
	if _, err := os.Stat(a.model); err != nil {
		return fmt.Errorf("whisper model: %w", err)
	}
	if strings.ContainsRune(a.bin, os.PathSeparator) {
		if _, err := os.Stat(a.bin); err != nil {
			return fmt.Errorf("whisper binary: %w", err)
		}
	}
	return nil
}

// Transcribe extracts audio, runs whisper.cpp and returns the joined
// segment text. The model invocation itself reports no progress; only
// coarse status messages flow through the callback.
func (a *Adapter) Transcribe(ctx context.Context, videoPath string, progress ports.ProgressFunc) (string, error) {
	if progress == nil {
		progress = ports.NopProgress
	}

	if err := os.MkdirAll(a.workDir, 0o755); err != nil {
		return "", err
	}
	// Concurrent jobs share the adapter; every call gets its own scratch
	// directory so in-flight audio and JSON never collide.
	callDir, err := os.MkdirTemp(a.workDir, "transcribe-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(callDir)
	wav := filepath.Join(callDir, "audio.wav")

	progress("transcribing", -1, "extracting audio from video")
	if err := a.audio.ExtractAudioMono16k(ctx, videoPath, wav); err != nil {
		return "", fmt.Errorf("extract audio: %w", err)
	}

	progress("transcribing", -1, "running speech-to-text model")
	outPrefix := filepath.Join(callDir, "whisper")
	cmd := exec.CommandContext(ctx, a.bin,
		"-m", a.model,
		"-f", wav,
		"-oj",
		"-of", outPrefix,
	)
	if b, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("whisper.cpp failed: %w\n%s", err, string(b))
	}

	progress("transcribing", -1, "reading transcript")
	jb, err := os.ReadFile(outPrefix + ".json")
	if err != nil {
		return "", err
	}

	text, err := joinSegments(jb)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", fmt.Errorf("transcription produced no text")
	}
	progress("transcribing", -1, "transcription complete")
	return text, nil
}

func joinSegments(raw []byte) (string, error) {
	var out struct {
		Transcription []struct {
			Text string `json:"text"`
		} `json:"transcription"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("parse whisper output: %w", err)
	}
	parts := make([]string, 0, len(out.Transcription))
	for _, s := range out.Transcription {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " "), nil
}
