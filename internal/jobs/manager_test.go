package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forPelevin/clipforge/internal/cache"
	"github.com/forPelevin/clipforge/internal/ports"
	"github.com/forPelevin/clipforge/internal/types"
)

type fakeTranscriber struct {
	mu    sync.Mutex
	text  string
	err   error
	delay time.Duration
	calls int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, _ string, progress ports.ProgressFunc) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	progress("transcribing", -1, "extracting audio from video")
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.text, f.err
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCutter struct {
	err     error
	results []types.ClipResult
}

func (f *fakeCutter) CutClips(_ context.Context, _ string, clips []types.ClipCandidate, progress ports.ProgressFunc) ([]types.ClipResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	progress("cutting", 0.5, "cutting clips")
	if f.results != nil {
		return f.results, nil
	}
	out := make([]types.ClipResult, 0, len(clips))
	for _, c := range clips {
		out = append(out, types.ClipResult{
			Title:     c.Title,
			StartTime: c.StartTime,
			EndTime:   c.EndTime,
			Duration:  c.Duration,
			FilePath:  "/out/" + c.Title + ".mp4",
			FileSize:  1024,
		})
	}
	return out, nil
}

func (f *fakeCutter) ProbeDuration(context.Context, string) (time.Duration, error) {
	return 600 * time.Second, nil
}

type fakeAnalyzer struct {
	mu    sync.Mutex
	cands []types.ClipCandidate
	err   error
	calls int
}

func (f *fakeAnalyzer) Analyze(_ context.Context, _ string, _ types.AnalysisParams, progress ports.ProgressFunc) ([]types.ClipCandidate, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	progress("analyzing", 0.5, "analyzing chunk 1/1")
	progress("analyzing", 1, "analysis complete")
	return f.cands, f.err
}

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingSink struct {
	mu      sync.Mutex
	updates []types.ProgressUpdate
	fail    bool
}

func (s *recordingSink) Send(u types.ProgressUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broken pipe")
	}
	s.updates = append(s.updates, u)
	return nil
}

func (s *recordingSink) all() []types.ProgressUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.ProgressUpdate(nil), s.updates...)
}

func testCandidates() []types.ClipCandidate {
	return []types.ClipCandidate{
		{Title: "a", StartTime: 10, EndTime: 60, Duration: 50, Confidence: 0.9},
		{Title: "b", StartTime: 100, EndTime: 160, Duration: 60, Confidence: 0.8},
	}
}

func testVideo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.mp4")
	if err := os.WriteFile(path, []byte("fake video bytes"), 0o644); err != nil {
		t.Fatalf("write video: %v", err)
	}
	return path
}

func newTestManager(tr *fakeTranscriber, an *fakeAnalyzer, cu *fakeCutter, store *cache.Store) *Manager {
	m := NewManager(Deps{Transcriber: tr, Cutter: cu, Analyzer: an, Cache: store}, nil)
	m.heartbeat = 10 * time.Millisecond
	return m
}

func params() types.AnalysisParams {
	return types.AnalysisParams{Context: "talk", Topics: "go", Profile: types.ProfileSocial}
}

func TestRun_HappyPath(t *testing.T) {
	t.Parallel()

	tr := &fakeTranscriber{text: "hello world transcript"}
	an := &fakeAnalyzer{cands: testCandidates()}
	m := newTestManager(tr, an, &fakeCutter{}, nil)

	id, err := m.CreateJob(context.Background(), params(), testVideo(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	sink := &recordingSink{}
	if err := m.Subscribe(id, sink); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := m.Run(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}

	job, info, ok := m.GetJob(id)
	if !ok {
		t.Fatalf("job vanished")
	}
	if job.Status != types.StatusComplete {
		t.Fatalf("status = %s, want complete (msg: %s)", job.Status, job.Message)
	}
	if job.Progress != 1 {
		t.Fatalf("progress = %v, want 1", job.Progress)
	}
	if len(job.Results) != 2 {
		t.Fatalf("results = %v", job.Results)
	}
	if info == nil || info.CurrentStage != types.StatusComplete {
		t.Fatalf("time info = %+v", info)
	}

	// Observed statuses follow the state machine order.
	var seen []types.JobStatus
	for _, u := range sink.all() {
		if len(seen) == 0 || seen[len(seen)-1] != u.Status {
			seen = append(seen, u.Status)
		}
	}
	want := []types.JobStatus{types.StatusStarting, types.StatusTranscribing, types.StatusAnalyzing, types.StatusCutting, types.StatusComplete}
	if len(seen) != len(want) {
		t.Fatalf("status sequence %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("status sequence %v, want %v", seen, want)
		}
	}
}

func TestRun_ProgressNonDecreasing(t *testing.T) {
	t.Parallel()

	tr := &fakeTranscriber{text: "t", delay: 40 * time.Millisecond}
	m := newTestManager(tr, &fakeAnalyzer{cands: testCandidates()}, &fakeCutter{}, nil)

	id, err := m.CreateJob(context.Background(), params(), testVideo(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sink := &recordingSink{}
	if err := m.Subscribe(id, sink); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := m.Run(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}

	prev := -1.0
	for i, u := range sink.all() {
		if u.Progress < prev {
			t.Fatalf("update %d: progress regressed from %v to %v", i, prev, u.Progress)
		}
		prev = u.Progress
	}
	if prev != 1 {
		t.Fatalf("final progress %v, want 1", prev)
	}
}

func TestRun_OnlyOnce(t *testing.T) {
	t.Parallel()

	m := newTestManager(&fakeTranscriber{text: "t"}, &fakeAnalyzer{cands: testCandidates()}, &fakeCutter{}, nil)
	id, err := m.CreateJob(context.Background(), params(), testVideo(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Run(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := m.Run(context.Background(), id); !errors.Is(err, ErrJobAlreadyStarted) {
		t.Fatalf("second run: got %v, want ErrJobAlreadyStarted", err)
	}
	if err := m.Run(context.Background(), "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("unknown job: got %v, want ErrJobNotFound", err)
	}
}

func TestRun_TranscriptionFailureIsFatal(t *testing.T) {
	t.Parallel()

	tr := &fakeTranscriber{err: errors.New("no audio track")}
	m := newTestManager(tr, &fakeAnalyzer{cands: testCandidates()}, &fakeCutter{}, nil)
	id, err := m.CreateJob(context.Background(), params(), testVideo(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Run(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}

	job, _, _ := m.GetJob(id)
	if job.Status != types.StatusError {
		t.Fatalf("status = %s, want error", job.Status)
	}
	if job.Progress != 0 {
		t.Fatalf("progress = %v, want 0 after failure", job.Progress)
	}
	if job.Message == "" || !strings.Contains(job.Message, "transcription failed") {
		t.Fatalf("message %q should state the precipitating condition", job.Message)
	}
	// Errored jobs stay queryable until explicitly deleted.
	if _, _, ok := m.GetJob(id); !ok {
		t.Fatalf("errored job should remain queryable")
	}
}

func TestRun_ZeroCandidatesIsFatal(t *testing.T) {
	t.Parallel()

	m := newTestManager(&fakeTranscriber{text: "t"}, &fakeAnalyzer{cands: nil}, &fakeCutter{}, nil)
	id, err := m.CreateJob(context.Background(), params(), testVideo(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Run(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}
	job, _, _ := m.GetJob(id)
	if job.Status != types.StatusError {
		t.Fatalf("status = %s, want error", job.Status)
	}
	if !strings.Contains(job.Message, "no relevant clips") {
		t.Fatalf("message %q", job.Message)
	}
}

func TestRun_CutterFailureIsFatal(t *testing.T) {
	t.Parallel()

	m := newTestManager(&fakeTranscriber{text: "t"}, &fakeAnalyzer{cands: testCandidates()},
		&fakeCutter{err: errors.New("disk full")}, nil)
	id, err := m.CreateJob(context.Background(), params(), testVideo(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Run(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}
	job, _, _ := m.GetJob(id)
	if job.Status != types.StatusError || !strings.Contains(job.Message, "cutting failed") {
		t.Fatalf("job = %s / %q", job.Status, job.Message)
	}
}

func TestCreateJobFromExistingTranscript_SkipsTranscription(t *testing.T) {
	t.Parallel()

	tr := &fakeTranscriber{text: "the transcript"}
	an := &fakeAnalyzer{cands: testCandidates()}
	m := newTestManager(tr, an, &fakeCutter{}, nil)

	srcID, err := m.CreateJob(context.Background(), params(), testVideo(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Run(context.Background(), srcID); err != nil {
		t.Fatalf("run source: %v", err)
	}
	if tr.callCount() != 1 {
		t.Fatalf("source run should transcribe once, got %d", tr.callCount())
	}

	reID, err := m.CreateJobFromExistingTranscript(context.Background(), params(), srcID)
	if err != nil {
		t.Fatalf("create from transcript: %v", err)
	}
	sink := &recordingSink{}
	if err := m.Subscribe(reID, sink); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := m.Run(context.Background(), reID); err != nil {
		t.Fatalf("run reuse: %v", err)
	}

	if tr.callCount() != 1 {
		t.Fatalf("reuse job must not transcribe again, got %d calls", tr.callCount())
	}
	for _, u := range sink.all() {
		if u.Status == types.StatusTranscribing {
			t.Fatalf("reuse job entered transcribing")
		}
	}
	job, _, _ := m.GetJob(reID)
	if job.Status != types.StatusComplete {
		t.Fatalf("reuse job status = %s (%s)", job.Status, job.Message)
	}
}

func TestCreateJobFromExistingTranscript_Errors(t *testing.T) {
	t.Parallel()

	m := newTestManager(&fakeTranscriber{text: "t"}, &fakeAnalyzer{cands: testCandidates()}, &fakeCutter{}, nil)
	if _, err := m.CreateJobFromExistingTranscript(context.Background(), params(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("got %v, want ErrJobNotFound", err)
	}

	id, err := m.CreateJob(context.Background(), params(), testVideo(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Source never ran, so it has no transcript yet.
	if _, err := m.CreateJobFromExistingTranscript(context.Background(), params(), id); !errors.Is(err, ErrNoTranscript) {
		t.Fatalf("got %v, want ErrNoTranscript", err)
	}
}

func TestRun_CacheHitSkipsAnalysis(t *testing.T) {
	t.Parallel()

	store := cache.NewStore(t.TempDir())
	video := testVideo(t)
	an := &fakeAnalyzer{cands: testCandidates()}
	m := newTestManager(&fakeTranscriber{text: "stable transcript"}, an, &fakeCutter{}, store)

	first, err := m.CreateJob(context.Background(), params(), video)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Run(context.Background(), first); err != nil {
		t.Fatalf("run: %v", err)
	}
	if an.callCount() != 1 {
		t.Fatalf("first run should analyze, got %d calls", an.callCount())
	}

	second, err := m.CreateJob(context.Background(), params(), video)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if err := m.Run(context.Background(), second); err != nil {
		t.Fatalf("run second: %v", err)
	}
	if an.callCount() != 1 {
		t.Fatalf("second run should hit the cache, got %d analyze calls", an.callCount())
	}
	job, _, _ := m.GetJob(second)
	if job.Status != types.StatusComplete || len(job.Results) != 2 {
		t.Fatalf("cached job = %s, results %v", job.Status, job.Results)
	}
}

func TestSubscribe_ReplacesPreviousSink(t *testing.T) {
	t.Parallel()

	m := newTestManager(&fakeTranscriber{text: "t"}, &fakeAnalyzer{cands: testCandidates()}, &fakeCutter{}, nil)
	id, err := m.CreateJob(context.Background(), params(), testVideo(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	old := &recordingSink{}
	replacement := &recordingSink{}
	if err := m.Subscribe(id, old); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := m.Subscribe(id, replacement); err != nil {
		t.Fatalf("re-subscribe: %v", err)
	}
	if err := m.Run(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(old.all()) != 0 {
		t.Fatalf("replaced sink still received %d updates", len(old.all()))
	}
	if len(replacement.all()) == 0 {
		t.Fatalf("replacement sink received nothing")
	}
	if err := m.Subscribe("missing", &recordingSink{}); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("got %v, want ErrJobNotFound", err)
	}
}

func TestUnsubscribe_OnlyDetachesOwnSink(t *testing.T) {
	t.Parallel()

	m := newTestManager(&fakeTranscriber{text: "t"}, &fakeAnalyzer{cands: testCandidates()}, &fakeCutter{}, nil)
	id, err := m.CreateJob(context.Background(), params(), testVideo(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	stale := &recordingSink{}
	live := &recordingSink{}
	if err := m.Subscribe(id, stale); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := m.Subscribe(id, live); err != nil {
		t.Fatalf("re-subscribe: %v", err)
	}

	// The stale connection tearing down must not drop the live one.
	m.Unsubscribe(id, stale)
	if _, subs := m.Counts(); subs != 1 {
		t.Fatalf("live sink dropped by stale unsubscribe, %d attached", subs)
	}
	m.Unsubscribe(id, live)
	if _, subs := m.Counts(); subs != 0 {
		t.Fatalf("expected no sinks, %d attached", subs)
	}
}

func TestPublish_BrokenSinkIsDetachedSilently(t *testing.T) {
	t.Parallel()

	m := newTestManager(&fakeTranscriber{text: "t"}, &fakeAnalyzer{cands: testCandidates()}, &fakeCutter{}, nil)
	id, err := m.CreateJob(context.Background(), params(), testVideo(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Subscribe(id, &recordingSink{fail: true}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := m.Run(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}

	job, _, _ := m.GetJob(id)
	if job.Status != types.StatusComplete {
		t.Fatalf("broken subscriber must not fail the job, got %s", job.Status)
	}
	if _, subs := m.Counts(); subs != 0 {
		t.Fatalf("expected broken sink deregistered, %d still attached", subs)
	}
}

func TestDeleteJob_VideoSharedByLiveJob(t *testing.T) {
	t.Parallel()

	video := testVideo(t)
	m := newTestManager(&fakeTranscriber{text: "t"}, &fakeAnalyzer{cands: testCandidates()}, &fakeCutter{}, nil)

	a, err := m.CreateJob(context.Background(), params(), video)
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := m.CreateJob(context.Background(), params(), video)
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	if err := m.DeleteJob(a); err != nil {
		t.Fatalf("delete a: %v", err)
	}
	if _, err := os.Stat(video); err != nil {
		t.Fatalf("video removed while job b still references it: %v", err)
	}

	if err := m.DeleteJob(b); err != nil {
		t.Fatalf("delete b: %v", err)
	}
	if _, err := os.Stat(video); !os.IsNotExist(err) {
		t.Fatalf("video should be removed with its last job, stat err=%v", err)
	}

	if err := m.DeleteJob(a); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("double delete: got %v, want ErrJobNotFound", err)
	}
}

func TestGetJob_SnapshotIsolation(t *testing.T) {
	t.Parallel()

	m := newTestManager(&fakeTranscriber{text: "t"}, &fakeAnalyzer{cands: testCandidates()}, &fakeCutter{}, nil)
	id, err := m.CreateJob(context.Background(), params(), testVideo(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Run(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}

	snap, _, _ := m.GetJob(id)
	snap.Results[0].Title = "mutated"
	snap.StageStartTimes[types.StatusComplete] = -1

	again, _, _ := m.GetJob(id)
	if again.Results[0].Title == "mutated" {
		t.Fatalf("snapshot shares results with the record")
	}
	if again.StageStartTimes[types.StatusComplete] == -1 {
		t.Fatalf("snapshot shares stage times with the record")
	}
}

func TestPublish_MessageOnlyUpdateKeepsProgress(t *testing.T) {
	t.Parallel()

	m := newTestManager(&fakeTranscriber{text: "t"}, &fakeAnalyzer{cands: testCandidates()}, &fakeCutter{}, nil)
	id, err := m.CreateJob(context.Background(), params(), testVideo(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sink := &recordingSink{}
	if err := m.Subscribe(id, sink); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	m.publish(id, types.StatusStarting, 0.25, "quarter done", nil)
	m.publish(id, types.StatusStarting, -1, "still working", nil)

	job, _, _ := m.GetJob(id)
	if job.Progress != 0.25 {
		t.Fatalf("progress = %v, want 0.25 retained across message-only update", job.Progress)
	}
	if job.Message != "still working" {
		t.Fatalf("message = %q", job.Message)
	}

	updates := sink.all()
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(updates))
	}
	if updates[1].Progress != 0.25 || updates[1].Message != "still working" {
		t.Fatalf("message-only update carried %v / %q", updates[1].Progress, updates[1].Message)
	}

	// Lower numeric values never roll progress back either.
	m.publish(id, types.StatusStarting, 0.1, "late straggler", nil)
	job, _, _ = m.GetJob(id)
	if job.Progress != 0.25 {
		t.Fatalf("progress regressed to %v", job.Progress)
	}
}

func TestValidTransition_Table(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to types.JobStatus
		want     bool
	}{
		{types.StatusCreated, types.StatusStarting, true},
		{types.StatusStarting, types.StatusTranscribing, true},
		{types.StatusStarting, types.StatusAnalyzing, true},
		{types.StatusTranscribing, types.StatusAnalyzing, true},
		{types.StatusAnalyzing, types.StatusCutting, true},
		{types.StatusCutting, types.StatusComplete, true},
		{types.StatusCreated, types.StatusError, true},
		{types.StatusCutting, types.StatusError, true},
		{types.StatusComplete, types.StatusError, false},
		{types.StatusError, types.StatusError, false},
		{types.StatusComplete, types.StatusStarting, false},
		{types.StatusCreated, types.StatusAnalyzing, false},
		{types.StatusAnalyzing, types.StatusTranscribing, false},
		{types.StatusCutting, types.StatusAnalyzing, false},
	}
	for _, tt := range tests {
		if got := validTransition(tt.from, tt.to); got != tt.want {
			t.Fatalf("validTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTranscriptionHeartbeat_EmitsInterpolatedProgress(t *testing.T) {
	t.Parallel()

	tr := &fakeTranscriber{text: "t", delay: 80 * time.Millisecond}
	m := newTestManager(tr, &fakeAnalyzer{cands: testCandidates()}, &fakeCutter{}, nil)

	id, err := m.CreateJob(context.Background(), params(), testVideo(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sink := &recordingSink{}
	if err := m.Subscribe(id, sink); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := m.Run(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}

	beats := 0
	for _, u := range sink.all() {
		if u.Status == types.StatusTranscribing && u.Message == "transcription in progress" {
			beats++
		}
	}
	if beats == 0 {
		t.Fatalf("expected heartbeat updates during the blocking transcription call")
	}
}
