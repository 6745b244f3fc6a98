// Package ollama talks to a local Ollama-style generate endpoint and turns
// its free-form output into clip candidates. One failed chunk degrades to
// an empty list so the rest of the analysis can continue.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/forPelevin/clipforge/internal/ports"
	"github.com/forPelevin/clipforge/internal/types"
)

type Adapter struct {
	baseURL string
	model   string
	client  *http.Client
	backoff Backoff
	log     *logrus.Entry
}

func New(baseURL, model string, requestTimeout time.Duration, backoff Backoff, log *logrus.Logger) *Adapter {
	if model == "" {
		model = "mistral:latest"
	}
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Minute
	}
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &Adapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: requestTimeout},
		backoff: backoff,
		log:     log.WithField("component", "ollama"),
	}
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

type clipsEnvelope struct {
	Clips []types.ClipCandidate `json:"clips"`
}

// AnalyzeChunk sends one chunk prompt to the model, retrying with backoff
// on connection failure or timeout. Non-200 responses, empty payloads and
// unparseable output all yield an empty candidate list rather than an
// error; the only error returned is context cancellation.
func (a *Adapter) AnalyzeChunk(ctx context.Context, prompt string, progress ports.ProgressFunc) ([]types.ClipCandidate, error) {
	if progress == nil {
		progress = ports.NopProgress
	}

	body, err := json.Marshal(generateRequest{
		Model:  a.model,
		Prompt: prompt,
		Stream: false,
		Options: map[string]any{
			"temperature": 0.7,
			"top_p":       0.9,
			"num_predict": 2000,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	attempts := a.backoff.attempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt == 1 {
			progress("analyzing", a.attemptFraction(attempt), fmt.Sprintf("querying model %s", a.model))
		} else {
			progress("analyzing", a.attemptFraction(attempt), fmt.Sprintf("retrying (attempt %d/%d)", attempt, attempts))
		}

		content, retryable, err := a.generate(ctx, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !retryable || attempt == attempts {
				a.log.WithError(err).Warn("chunk analysis gave up")
				return nil, nil
			}
			a.log.WithError(err).WithField("attempt", attempt).Warn("chunk analysis attempt failed")
			select {
			case <-time.After(a.backoff.Delay(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		progress("analyzing", 0.9, "parsing model response")
		return parseClips(content), nil
	}
	return nil, nil
}

// generate issues one POST to /api/generate. retryable marks transport
// errors worth another attempt; protocol-level failures are final.
func (a *Adapter) generate(ctx context.Context, body []byte) (content string, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		// Connection refused, reset, or client timeout.
		return "", true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("llm status %d", resp.StatusCode)
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return "", false, fmt.Errorf("decode response: %w", err)
	}
	if strings.TrimSpace(gr.Response) == "" {
		return "", false, errors.New("empty llm payload")
	}
	return gr.Response, false, nil
}

// attemptFraction interpolates retry progress inside this chunk's slice so
// the orchestrator's numbers never move backward across attempts.
func (a *Adapter) attemptFraction(attempt int) float64 {
	attempts := a.backoff.attempts()
	return 0.1 + 0.7*float64(attempt-1)/float64(attempts)
}

// Ping checks the endpoint is reachable and lists models.
func (a *Adapter) Ping(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, a.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("llm unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("llm status %d", resp.StatusCode)
	}
	return nil
}

// parseClips extracts the clips array from free-form model text. Strict
// parse first; if the model wrapped the JSON in prose or fences, fall back
// to the first balanced object. Any failure yields nil.
func parseClips(content string) []types.ClipCandidate {
	var env clipsEnvelope
	if err := json.Unmarshal([]byte(content), &env); err == nil {
		return env.Clips
	}

	obj, ok := extractJSONObject(content)
	if !ok {
		return nil
	}
	if err := json.Unmarshal([]byte(obj), &env); err != nil {
		return nil
	}
	return env.Clips
}

// extractJSONObject returns the first balanced top-level JSON object in s,
// tracking strings and escapes so braces inside values do not confuse the
// scan.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
