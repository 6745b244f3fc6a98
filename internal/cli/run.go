package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/forPelevin/clipforge/internal/analysis"
	"github.com/forPelevin/clipforge/internal/cache"
	"github.com/forPelevin/clipforge/internal/config"
	"github.com/forPelevin/clipforge/internal/domain/clips"
	"github.com/forPelevin/clipforge/internal/domain/prompt"
	"github.com/forPelevin/clipforge/internal/jobs"
	"github.com/forPelevin/clipforge/internal/ports/adapters/ffmpeg"
	"github.com/forPelevin/clipforge/internal/ports/adapters/ollama"
	"github.com/forPelevin/clipforge/internal/ports/adapters/whispercpp"
	"github.com/forPelevin/clipforge/internal/server"
	"github.com/forPelevin/clipforge/internal/types"
)

// system is the fully wired application: adapters, analysis engine, job
// manager and the dependency checks the operational endpoints expose.
type system struct {
	cfg     config.Config
	log     *logrus.Logger
	manager *jobs.Manager
	store   *cache.Store
	checks  map[string]server.Check
	info    server.SystemInfo
}

func buildSystem(cfg config.Config) (*system, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	log := logrus.New()
	if cfg.LogJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	cutter := ffmpeg.New(cfg.FFmpegPath, cfg.FFprobePath, cfg.OutputDir)
	transcriber := whispercpp.New(cfg.WhisperBin, cfg.WhisperModel, cutter, os.TempDir())

	llm := ollama.New(cfg.OllamaURL, cfg.OllamaModel, cfg.RequestTimeout, ollama.DefaultBackoff(), log)

	policy := clips.Policy{
		Mode:           clips.Mode(cfg.FilterPolicy),
		MinDuration:    cfg.MinClipSec,
		MaxDuration:    cfg.MaxClipSec,
		MinConfidence:  cfg.MinConfidence,
		MaxClips:       cfg.MaxClips,
		DedupTolerance: clips.DefaultPolicy().DedupTolerance,
	}
	engine := analysis.New(llm, prompt.NewBuilder(prompt.Policy(cfg.FilterPolicy)), policy, cfg.ChunkBudget, log)

	store := cache.NewStore(cfg.CacheDir)
	manager := jobs.NewManager(jobs.Deps{
		Transcriber: transcriber,
		Cutter:      cutter,
		Analyzer:    engine,
		Cache:       store,
	}, log)

	return &system{
		cfg:     cfg,
		log:     log,
		manager: manager,
		store:   store,
		checks: map[string]server.Check{
			"llm_connection": llm.Ping,
			"whisper_model":  func(context.Context) error { return transcriber.Validate() },
			"ffmpeg":         cutter.Validate,
		},
		info: server.SystemInfo{
			LLMModel:     cfg.OllamaModel,
			LLMURL:       cfg.OllamaURL,
			WhisperModel: cfg.WhisperModel,
			OutputDir:    cfg.OutputDir,
		},
	}, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.ListenAddr = addr
	}
	sys, err := buildSystem(cfg)
	if err != nil {
		return err
	}

	for _, dir := range []string{cfg.UploadsDir, cfg.OutputDir, cfg.CacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("prepare %s: %w", dir, err)
		}
	}

	srv := server.New(server.Options{
		Manager:    sys.manager,
		Cache:      sys.store,
		Log:        sys.log,
		UploadsDir: cfg.UploadsDir,
		OutputDir:  cfg.OutputDir,
		Info:       sys.info,
		Checks:     sys.checks,
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		sys.log.WithField("addr", cfg.ListenAddr).Info("listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sys.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// consoleSink renders progress updates as log lines for one-shot runs.
type consoleSink struct {
	log *logrus.Logger
}

func (s consoleSink) Send(u types.ProgressUpdate) error {
	fields := logrus.Fields{"status": u.Status, "progress": fmt.Sprintf("%.0f%%", u.Progress*100)}
	if u.TimeInfo != nil && u.TimeInfo.Remaining > 0 {
		fields["remaining"] = fmt.Sprintf("%.0fs", u.TimeInfo.Remaining)
	}
	s.log.WithFields(fields).Info(u.Message)
	return nil
}

func runProcess(cmd *cobra.Command, input string) error {
	cfg := config.Load()
	sys, err := buildSystem(cfg)
	if err != nil {
		return err
	}
	userContext, _ := cmd.Flags().GetString("context")
	topics, _ := cmd.Flags().GetString("topics")
	profileFlag, _ := cmd.Flags().GetString("profile")
	profile, ok := types.ParseProfile(profileFlag)
	if !ok {
		return fmt.Errorf("unknown profile %q", profileFlag)
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("prepare %s: %w", cfg.OutputDir, err)
	}

	absIn, err := filepath.Abs(input)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Hour)
	defer cancel()

	jobID, err := sys.manager.CreateJob(ctx, types.AnalysisParams{
		Context: userContext,
		Topics:  topics,
		Profile: profile,
	}, absIn)
	if err != nil {
		return err
	}
	if err := sys.manager.Subscribe(jobID, consoleSink{log: sys.log}); err != nil {
		return err
	}
	if err := sys.manager.Run(ctx, jobID); err != nil {
		return err
	}

	job, _, ok := sys.manager.GetJob(jobID)
	if !ok {
		return errors.New("job record lost")
	}
	if job.Status == types.StatusError {
		return errors.New(job.Message)
	}
	for _, clip := range job.Results {
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%.1fs-%.1fs) -> %s\n",
			clip.Title, clip.StartTime, clip.EndTime, clip.FilePath)
	}
	return nil
}

func runValidate(cmd *cobra.Command, _ []string) error {
	sys, err := buildSystem(config.Load())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	names := make([]string, 0, len(sys.checks))
	for name := range sys.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var missing []string
	for _, name := range names {
		if err := sys.checks[name](ctx); err != nil {
			missing = append(missing, name)
			fmt.Fprintf(cmd.OutOrStdout(), "%-16s unavailable: %v\n", name, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-16s ok\n", name)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing dependencies: %v", missing)
	}
	return nil
}
