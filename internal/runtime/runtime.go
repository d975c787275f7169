package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/artifact"
	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/engine"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/fleet"
	"github.com/loqalabs/loqa-voice/internal/jobs"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/voice"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	id            string
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats      *natsserver.EmbeddedServer
	bus       *bus.Client
	store     *eventstore.Store
	engine    engine.Engine
	publisher artifact.Publisher
	jobs      *jobs.Service
	fleet     *fleet.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		id:     workerID(cfg.Fleet.WorkerID),
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.id, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents(context.Background())
		r.closeTelemetry(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("worker_id", r.id), slog.String("engine", r.cfg.Engine.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.stopComponents(shutdownCtx)
	r.closeTelemetry(shutdownCtx)
	return nil
}

// startComponents brings up everything a job touches, in dependency order.
func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats")))
	if err != nil {
		return err
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	root := filepath.Join(r.cfg.Storage.WorkDir, "loqa-voice")
	dirs := map[string]string{
		"voices":   filepath.Join(root, "voices"),
		"segments": filepath.Join(root, "segments"),
		"outputs":  filepath.Join(root, "outputs"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create work dir: %w", err)
		}
	}

	r.engine, err = engine.New(r.cfg.Engine, dirs["segments"], r.logger)
	if err != nil {
		return err
	}
	if err := r.engine.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}

	r.publisher, err = artifact.New(r.cfg.Artifact, r.bus.JetStream(), r.logger)
	if err != nil {
		return err
	}

	orchestrator := pipeline.New(pipeline.Options{
		Fetcher:   voice.NewFetcher(r.cfg.Voice, dirs["voices"], r.logger),
		Engine:    r.engine,
		Assembler: audio.NewAssembler(r.logger),
		OutputDir: dirs["outputs"],
		Logger:    r.logger,
	})

	notifier := jobs.NewWebhookNotifier(&http.Client{Timeout: time.Duration(r.cfg.Jobs.WebhookTimeoutMS) * time.Millisecond})
	r.jobs = jobs.NewService(ctx, r.cfg.Jobs, r.bus, r.store, orchestrator, r.publisher, notifier, r.logger)
	if err := r.jobs.Start(); err != nil {
		return fmt.Errorf("start job intake: %w", err)
	}

	self := fleet.Descriptor{
		ID:             r.id,
		Engine:         r.cfg.Engine.Mode,
		Device:         string(r.engine.Device()),
		MaxConcurrency: r.cfg.Jobs.Concurrency,
	}
	if r.cfg.Engine.Mode == "exec" {
		self.Model = r.cfg.Engine.Model
	}
	r.fleet, err = fleet.NewRegistry(ctx, r.cfg.Fleet, self, r.bus, r.jobs.Active, r.logger)
	if err != nil {
		return fmt.Errorf("join fleet: %w", err)
	}
	return nil
}

// workerID returns the configured id, or one derived from the hostname.
func workerID(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	host = strings.NewReplacer(".", "-", " ", "-", "*", "-", ">", "-").Replace(host)
	return host + "-" + uuid.NewString()[:8]
}

// stopComponents releases components in reverse start order; it tolerates a
// partially started runtime.
func (r *Runtime) stopComponents(ctx context.Context) {
	if r.fleet != nil {
		r.fleet.Close()
	}
	if r.jobs != nil {
		r.jobs.Close()
	}
	if r.engine != nil {
		if err := r.engine.Shutdown(ctx); err != nil {
			r.logger.Error("engine shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func (r *Runtime) closeTelemetry(ctx context.Context) {
	if r.tracerClose == nil {
		return
	}
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) routes(metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	if r.publisher != nil {
		mux.Handle("/artifacts/", http.StripPrefix("/artifacts", r.publisher.Handler()))
	}
	if r.jobs != nil {
		api := jobs.NewHandler(r.jobs, r.cfg.HTTP.APIKey, r.logger)
		if r.fleet != nil {
			api.Handle("GET /v1/workers", r.fleet)
		}
		mux.Handle("/v1/", api)
		mux.Handle("/text-to-speech", api)
	}
	return mux
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) healthy() bool {
	return r.bus.Healthy() &&
		(r.engine == nil || r.engine.Healthy()) &&
		(r.jobs == nil || r.jobs.Healthy()) &&
		(r.fleet == nil || r.fleet.Healthy())
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
