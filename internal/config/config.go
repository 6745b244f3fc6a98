package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config carries every tunable of the service. Values come from the
// environment with sensible defaults; Load never fails, Validate does.
type Config struct {
	ListenAddr string

	UploadsDir string
	OutputDir  string
	CacheDir   string

	FFmpegPath  string
	FFprobePath string

	WhisperBin   string
	WhisperModel string

	OllamaURL      string
	OllamaModel    string
	RequestTimeout time.Duration

	// ChunkBudget caps the character count of one transcript chunk sent to
	// the LLM, a cheap proxy for its token budget.
	ChunkBudget int

	FilterPolicy  string // "inclusive" or "strict"
	MinClipSec    float64
	MaxClipSec    float64
	MinConfidence float64
	MaxClips      int

	LogJSON bool
}

// Load reads the environment into a Config.
func Load() Config {
	return Config{
		ListenAddr: getenvDefault("CLIPFORGE_ADDR", ":8000"),

		UploadsDir: getenvDefault("CLIPFORGE_UPLOADS_DIR", "output/videos"),
		OutputDir:  getenvDefault("CLIPFORGE_OUTPUT_DIR", "output/clips"),
		CacheDir:   getenvDefault("CLIPFORGE_CACHE_DIR", "output/analysis_cache"),

		FFmpegPath:  getenvDefault("CLIPFORGE_FFMPEG", "ffmpeg"),
		FFprobePath: getenvDefault("CLIPFORGE_FFPROBE", "ffprobe"),

		WhisperBin:   getenvDefault("CLIPFORGE_WHISPER_BIN", "whisper.cpp"),
		WhisperModel: getenvDefault("CLIPFORGE_WHISPER_MODEL", ".cache/models/ggml-medium.bin"),

		OllamaURL:      getenvDefault("CLIPFORGE_OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:    getenvDefault("CLIPFORGE_OLLAMA_MODEL", "mistral:latest"),
		RequestTimeout: getenvDuration("CLIPFORGE_REQUEST_TIMEOUT", 5*time.Minute),

		ChunkBudget: getenvInt("CLIPFORGE_CHUNK_BUDGET", 3000),

		FilterPolicy:  getenvDefault("CLIPFORGE_FILTER_POLICY", "inclusive"),
		MinClipSec:    getenvFloat("CLIPFORGE_MIN_CLIP_SEC", 5),
		MaxClipSec:    getenvFloat("CLIPFORGE_MAX_CLIP_SEC", 300),
		MinConfidence: getenvFloat("CLIPFORGE_MIN_CONFIDENCE", 0.3),
		MaxClips:      getenvInt("CLIPFORGE_MAX_CLIPS", 20),

		LogJSON: getenvBool("CLIPFORGE_LOG_JSON", false),
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address is empty")
	}
	if c.WhisperModel == "" {
		return errors.New("whisper model path is required")
	}
	if c.OllamaModel == "" {
		return errors.New("ollama model is required")
	}
	if _, err := url.ParseRequestURI(c.OllamaURL); err != nil {
		return fmt.Errorf("ollama url: %w", err)
	}
	if c.ChunkBudget <= 0 {
		return fmt.Errorf("chunk budget must be > 0")
	}
	if c.MinClipSec <= 0 {
		return fmt.Errorf("min clip seconds must be > 0")
	}
	if c.MaxClipSec < c.MinClipSec {
		return fmt.Errorf("max clip seconds must be >= min clip seconds")
	}
	if c.MaxClips <= 0 {
		return fmt.Errorf("max clips must be > 0")
	}
	if c.FilterPolicy != "inclusive" && c.FilterPolicy != "strict" {
		return fmt.Errorf("unknown filter policy %q", c.FilterPolicy)
	}
	return nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
