package ollama

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/forPelevin/clipforge/internal/ports"
)

const clipsJSON = `{"response":"{\"clips\":[{\"title\":\"t\",\"start_time\":10,\"end_time\":40,\"duration\":30,\"description\":\"d\",\"topics\":[\"x\"],\"confidence\":0.8}]}"}`

func newTestAdapter(t *testing.T, url string, timeout time.Duration, attempts int) *Adapter {
	t.Helper()
	return New(url, "test-model", timeout, Backoff{
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		MaxAttempts: attempts,
	}, nil)
}

func TestAnalyzeChunk_RetriesTimeoutsThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			time.Sleep(300 * time.Millisecond) // beyond the client timeout
			return
		}
		w.Write([]byte(clipsJSON))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, 50*time.Millisecond, 3)
	got, err := a.AnalyzeChunk(context.Background(), "p", ports.NopProgress)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Title != "t" {
		t.Fatalf("expected the success result after retries, got %v", got)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", n)
	}
}

func TestAnalyzeChunk_ExhaustedRetriesYieldEmpty(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, 50*time.Millisecond, 3)
	got, err := a.AnalyzeChunk(context.Background(), "p", ports.NopProgress)
	if err != nil {
		t.Fatalf("exhausted retries must not be an error, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected empty result, got %v", got)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestAnalyzeChunk_Non200IsImmediateFailure(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, time.Second, 3)
	got, err := a.AnalyzeChunk(context.Background(), "p", ports.NopProgress)
	if err != nil || got != nil {
		t.Fatalf("expected empty result without error, got %v / %v", got, err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("non-200 must not be retried, got %d calls", n)
	}
}

func TestAnalyzeChunk_EmptyOrGarbagePayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"empty response field", `{"response":""}`},
		{"not json at all", `{"response":"I could not find any clips, sorry!"}`},
		{"broken json object", `{"response":"{\"clips\": [unclosed"}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			a := newTestAdapter(t, srv.URL, time.Second, 3)
			got, err := a.AnalyzeChunk(context.Background(), "p", ports.NopProgress)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != 0 {
				t.Fatalf("expected no candidates, got %v", got)
			}
		})
	}
}

func TestAnalyzeChunk_ParsesJSONWrappedInProse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":"Sure! Here are the clips:\n{\"clips\":[{\"title\":\"a\",\"start_time\":0,\"end_time\":30,\"duration\":30,\"confidence\":0.9}]}\nHope this helps."}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, time.Second, 3)
	got, err := a.AnalyzeChunk(context.Background(), "p", ports.NopProgress)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Title != "a" {
		t.Fatalf("expected prose-wrapped clips to parse, got %v", got)
	}
}

func TestAnalyzeChunk_ProgressNeverMovesBackward(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			time.Sleep(300 * time.Millisecond)
			return
		}
		w.Write([]byte(clipsJSON))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, 50*time.Millisecond, 3)
	prev := -1.0
	_, err := a.AnalyzeChunk(context.Background(), "p", func(_ string, frac float64, _ string) {
		if frac < 0 {
			return
		}
		if frac < prev {
			t.Errorf("progress moved backward: %v after %v", frac, prev)
		}
		prev = frac
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAnalyzeChunk_ContextCancellation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	a := newTestAdapter(t, srv.URL, time.Second, 3)
	if _, err := a.AnalyzeChunk(ctx, "p", ports.NopProgress); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestExtractJSONObject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"bare", `{"a":1}`, `{"a":1}`, true},
		{"prose around", `text {"a":1} more`, `{"a":1}`, true},
		{"nested", `{"a":{"b":2}}`, `{"a":{"b":2}}`, true},
		{"brace in string", `{"a":"}{"}`, `{"a":"}{"}`, true},
		{"escaped quote", `{"a":"\"}"}`, `{"a":"\"}"}`, true},
		{"unbalanced", `{"a":1`, "", false},
		{"none", "nothing here", "", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := extractJSONObject(tt.in)
			if ok != tt.ok {
				t.Fatalf("ok=%v, want %v", ok, tt.ok)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBackoff_Delay(t *testing.T) {
	t.Parallel()

	b := Backoff{BaseDelay: time.Second, Multiplier: 2, MaxAttempts: 3}
	if d := b.Delay(1); d != time.Second {
		t.Fatalf("attempt 1: got %v", d)
	}
	if d := b.Delay(2); d != 2*time.Second {
		t.Fatalf("attempt 2: got %v", d)
	}
	if d := b.Delay(3); d != 4*time.Second {
		t.Fatalf("attempt 3: got %v", d)
	}

	j := Backoff{BaseDelay: time.Second, Multiplier: 2, MaxAttempts: 3, Jitter: 0.5}
	for i := 0; i < 20; i++ {
		d := j.Delay(2)
		if d < time.Second || d > 3*time.Second {
			t.Fatalf("jittered delay out of range: %v", d)
		}
	}
}
