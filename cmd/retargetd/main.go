// Command retargetd is the main entry point for the audio retargeting
// service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/dubforge/retargetd/internal/api"
	"github.com/dubforge/retargetd/internal/blobstore"
	"github.com/dubforge/retargetd/internal/combiner"
	"github.com/dubforge/retargetd/internal/config"
	"github.com/dubforge/retargetd/internal/health"
	"github.com/dubforge/retargetd/internal/httpfetch"
	"github.com/dubforge/retargetd/internal/intake"
	"github.com/dubforge/retargetd/internal/jobpipeline"
	"github.com/dubforge/retargetd/internal/jobstore"
	"github.com/dubforge/retargetd/internal/mediatoolkit"
	"github.com/dubforge/retargetd/internal/notify"
	"github.com/dubforge/retargetd/internal/observe"
	"github.com/dubforge/retargetd/internal/queue"
	"github.com/dubforge/retargetd/internal/reference"
	"github.com/dubforge/retargetd/internal/resilience"
	"github.com/dubforge/retargetd/internal/separator"
	"github.com/dubforge/retargetd/internal/statuspub"
	"github.com/dubforge/retargetd/internal/ttsclient"
	"github.com/dubforge/retargetd/internal/workspace"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "retargetd: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "retargetd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var logLevel slog.LevelVar
	logger := newLogger(cfg.Server.LogLevel, &logLevel)
	slog.SetDefault(logger)

	slog.Info("retargetd starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"metrics_addr", cfg.Server.MetricsAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ──────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "retargetd"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}

	// ── Job and queue stores ──────────────────────────────────────────────────
	jobStore, queueStore, pool, err := buildStores(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise stores", "err", err)
		return 1
	}
	if pool != nil {
		defer pool.Close()
	}

	// ── Media pipeline collaborators ──────────────────────────────────────────
	toolkit := mediatoolkit.New(
		mediatoolkit.WithTranscoderBin(cfg.Toolkit.TranscoderBin),
		mediatoolkit.WithProbeBin(cfg.Toolkit.ProbeBin),
	)
	sep := separator.New(separator.WithBin(cfg.Toolkit.SeparatorBin))
	refBuilder := reference.New(toolkit)

	vendor, err := ttsclient.NewVendor(cfg.TTS.APIKey, ttsclient.WithVendorBaseURL(cfg.TTS.BaseURL))
	if err != nil {
		slog.Error("failed to initialise tts vendor", "err", err)
		return 1
	}
	ttsProvider := resilience.NewTTSFallback(vendor, "primary", resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
			HalfOpenMax:  3,
		},
	})
	ttsOpts := []ttsclient.Option{
		ttsclient.WithDefaultVoice(cfg.TTS.DefaultVoiceID),
	}
	if cfg.TTS.MaxConcurrency > 0 {
		ttsOpts = append(ttsOpts, ttsclient.WithConcurrency(cfg.TTS.MaxConcurrency))
	}
	if cfg.TTS.ChunkSize > 0 {
		ttsOpts = append(ttsOpts, ttsclient.WithChunkSize(cfg.TTS.ChunkSize))
	}
	if cfg.TTS.TimeoutMS > 0 {
		ttsOpts = append(ttsOpts, ttsclient.WithRequestTimeout(time.Duration(cfg.TTS.TimeoutMS)*time.Millisecond))
	}
	ttsClient := ttsclient.New(ttsProvider, ttsOpts...)

	comb := combiner.New(toolkit,
		combiner.WithGaps(cfg.Combiner.MinGapMS, cfg.Combiner.MinSegmentMS),
		combiner.WithWeights(cfg.Combiner.BackgroundWeight, cfg.Combiner.SpeechWeight),
		combiner.WithLoudnorm(cfg.Toolkit.TargetLUFS, cfg.Toolkit.TruePeakDB, cfg.Toolkit.LoudnessRangeLRA),
	)

	fetcher := httpfetch.New()
	blobs, err := blobstore.New(ctx, cfg.Storage.BucketName)
	if err != nil {
		slog.Error("failed to initialise blob store", "err", err)
		return 1
	}

	workspaceRoot, err := workspace.NewRoot(cfg.Storage.TempRoot)
	if err != nil {
		slog.Error("failed to initialise workspace root", "err", err)
		return 1
	}

	pipeline := jobpipeline.New(
		workspaceRoot,
		fetcher,
		toolkit,
		sep,
		refBuilder,
		ttsClient,
		comb,
		blobs,
		jobStore,
		jobpipeline.WithDefaultVoice(cfg.TTS.DefaultVoiceID),
	)

	// ── Queue runtime, status fan-out, notifications ──────────────────────────
	notifier := buildNotifier(cfg)

	pub := statuspub.New(queueStore)

	var runtime *queue.Runtime
	runtime = queue.New(queueStore, pipeline,
		queue.WithConcurrency(cfg.Queue.WorkerConcurrency),
		queue.WithMaxAttempts(cfg.Queue.MaxAttempts),
		queue.WithEventSink(pub.HandleEvent),
		queue.WithEventSink(func(e queue.Event) {
			handleTerminalNotification(ctx, runtime, notifier, e)
		}),
	)

	in := intake.New(jobStore, runtime,
		intake.WithPlanPriority(cfg.Queue.PriorityMap),
		intake.WithDefaultVoiceID(cfg.TTS.DefaultVoiceID),
	)

	// ── Config hot-reload ──────────────────────────────────────────────────────
	// Queue worker concurrency and everything not covered by ConfigDiff (listen
	// addresses, database URL, toolkit binaries) still require a restart.
	watcher, err := config.NewWatcher(*configPath, func(old, updated *config.Config) {
		diff := config.Diff(old, updated)
		if diff.LogLevelChanged {
			logLevel.Set(slogLevel(diff.NewLogLevel))
			slog.Info("config reload: log level changed", "level", diff.NewLogLevel)
		}
		if diff.TTSConcurrencyChanged {
			ttsClient.SetConcurrency(diff.NewTTSConcurrency)
			slog.Info("config reload: tts concurrency changed", "concurrency", diff.NewTTSConcurrency)
		}
		if diff.TTSChunkSizeChanged {
			ttsClient.SetChunkSize(diff.NewTTSChunkSize)
			slog.Info("config reload: tts chunk size changed", "chunk_size", diff.NewTTSChunkSize)
		}
		if diff.QueueMaxAttemptsChanged {
			runtime.SetMaxAttempts(diff.NewQueueMaxAttempts)
			slog.Info("config reload: queue max attempts changed", "max_attempts", diff.NewQueueMaxAttempts)
		}
		if diff.PriorityMapChanged {
			in.SetPlanPriority(diff.NewPriorityMap)
			slog.Info("config reload: priority map changed")
		}
		if diff.QueueWorkerConcurrencyChanged {
			slog.Warn("config reload: queue worker concurrency changed, restart to apply", "concurrency", diff.NewQueueWorkerConcurrency)
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── HTTP servers ───────────────────────────────────────────────────────────
	apiServer := api.New(in, pub)
	mux := http.NewServeMux()
	mux.Handle("/", apiServer.Handler())

	var checkers []health.Checker
	if pool != nil {
		checkers = append(checkers, health.Checker{Name: "database", Check: pool.Ping})
	}
	checkers = append(checkers, health.Checker{Name: "temp_root", Check: func(context.Context) error {
		f, err := os.CreateTemp(cfg.Storage.TempRoot, ".readyz-*")
		if err != nil {
			return err
		}
		f.Close()
		return os.Remove(f.Name())
	}})
	healthHandler := health.New(checkers...)
	healthHandler.Register(mux)

	server := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: observe.Middleware(metrics)(mux),
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    cfg.Server.MetricsAddr,
		Handler: metricsMux,
	}

	errCh := make(chan error, 3)
	go func() {
		slog.Info("api server listening", "addr", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		slog.Info("metrics server listening", "addr", cfg.Server.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	go func() {
		if err := runtime.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("queue runtime: %w", err)
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-errCh:
		slog.Error("fatal error", "err", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("api server shutdown error", "err", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics server shutdown error", "err", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return 0
}

// buildStores wires the Job Store and Queue Store to Postgres when
// cfg.Database.URL is set, falling back to in-memory stores otherwise (used
// for local development and the example config).
func buildStores(ctx context.Context, cfg *config.Config) (jobstore.Store, queue.Store, *pgxpool.Pool, error) {
	if cfg.Database.URL == "" {
		slog.Warn("no database.url configured — using in-memory job and queue stores, state will not survive a restart")
		return jobstore.NewMemStore(), queue.NewMemStore(), nil, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("ping database: %w", err)
	}

	js := jobstore.NewPostgresStore(pool)
	if err := js.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("migrate job store: %w", err)
	}

	qs := queue.NewPostgresStore(pool)
	if err := qs.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("migrate queue store: %w", err)
	}

	return js, qs, pool, nil
}

// buildNotifier returns a Discord DM notifier when a bot token is
// configured, otherwise a notifier that only logs.
func buildNotifier(cfg *config.Config) notify.Notifier {
	if cfg.Discord.BotToken == "" {
		return notify.LogOnlyNotifier{}
	}
	session, err := discordgo.New("Bot " + cfg.Discord.BotToken)
	if err != nil {
		slog.Warn("failed to create discord session, notifications will be log-only", "err", err)
		return notify.LogOnlyNotifier{}
	}
	if err := session.Open(); err != nil {
		slog.Warn("failed to open discord session, notifications will be log-only", "err", err)
		return notify.LogOnlyNotifier{}
	}
	return notify.NewDiscordNotifier(session)
}

// handleTerminalNotification looks up the job's envelope on a terminal
// queue event and notifies its owner exactly once.
func handleTerminalNotification(ctx context.Context, runtime *queue.Runtime, n notify.Notifier, e queue.Event) {
	if e.Kind != queue.EventCompleted && e.Kind != queue.EventFailed {
		return
	}
	rec, err := runtime.Get(ctx, e.JobID)
	if err != nil {
		slog.Warn("notify: failed to look up job for notification", "job_id", e.JobID, "err", err)
		return
	}
	env := rec.Envelope
	if e.Kind == queue.EventCompleted {
		if err := n.NotifyCompleted(ctx, env.OwnerEmail, env.OwnerDiscordID, env.TranscreationID, e.FinalAudioURL); err != nil {
			slog.Warn("notify: completion notification failed", "job_id", e.JobID, "err", err)
		}
		return
	}
	if err := n.NotifyFailed(ctx, env.OwnerEmail, env.OwnerDiscordID, env.TranscreationID, e.FailureReason); err != nil {
		slog.Warn("notify: failure notification failed", "job_id", e.JobID, "err", err)
	}
}

// newLogger builds a logger whose level is held in levelVar, so a config
// reload can retune verbosity without rebuilding the handler.
func newLogger(level config.LogLevel, levelVar *slog.LevelVar) *slog.Logger {
	levelVar.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
