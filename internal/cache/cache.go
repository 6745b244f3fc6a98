// Package cache is a content-addressed store of analysis results. A hit
// lets clip regeneration skip transcription analysis entirely.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/forPelevin/clipforge/internal/types"
)

// Entry is one cached analysis, keyed by the fingerprint of its inputs.
type Entry struct {
	CacheKey   string                `json:"cache_key"`
	Timestamp  time.Time             `json:"timestamp"`
	VideoPath  string                `json:"video_path"`
	Params     types.AnalysisParams  `json:"analysis_params"`
	ClipsCount int                   `json:"clips_count"`
	Clips      []types.ClipCandidate `json:"clips"`
}

// Store keeps one JSON file per fingerprint under dir.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// contentSampleBytes bounds how much of the video file feeds the content
// id; hashing whole multi-GB files on every job would be wasteful.
const contentSampleBytes = 1 << 20

// VideoContentID derives a durable identifier for the source video from
// its size and leading content, so moving or re-uploading the same file
// still hits the cache while a different file at the same path does not.
func VideoContentID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open video: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat video: %w", err)
	}

	h := sha256.New()
	fmt.Fprintf(h, "size:%d|", st.Size())
	if _, err := io.CopyN(h, f, contentSampleBytes); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read video: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Key fingerprints the semantic inputs of an analysis.
func Key(videoContentID, transcript string, params types.AnalysisParams) string {
	h := sha256.New()
	io.WriteString(h, videoContentID)
	io.WriteString(h, "|")
	io.WriteString(h, transcript)
	io.WriteString(h, "|")
	io.WriteString(h, params.Context)
	io.WriteString(h, "|")
	io.WriteString(h, params.Topics)
	io.WriteString(h, "|")
	io.WriteString(h, string(params.Profile))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Get loads the entry for key. The second return is false on a miss.
func (s *Store) Get(key string) (Entry, bool, error) {
	b, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		// A corrupt entry is a miss, not a failure; it will be rewritten.
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Put writes the entry for key, overwriting any previous value.
func (s *Store) Put(key, videoPath string, params types.AnalysisParams, candidates []types.ClipCandidate) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	e := Entry{
		CacheKey:   key,
		Timestamp:  time.Now().UTC(),
		VideoPath:  videoPath,
		Params:     params,
		ClipsCount: len(candidates),
		Clips:      candidates,
	}
	b, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	return os.WriteFile(s.path(key), b, 0o644)
}

// Delete removes one entry; deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DeleteAll removes every cached analysis.
func (s *Store) DeleteAll() error {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*_analysis.json"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// List returns all entries, newest first.
func (s *Store) List() ([]Entry, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*_analysis.json"))
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(matches))
	for _, m := range matches {
		b, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(b, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (s *Store) path(key string) string {
	// Keys are hex fingerprints, but never trust them as path segments.
	key = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'f', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, key)
	return filepath.Join(s.dir, key+"_analysis.json")
}
