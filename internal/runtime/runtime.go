// Package runtime wires the capture, transcription and advisor services
// together and runs them until the context is cancelled.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sidecue/sidecue-core/internal/advisor"
	"github.com/sidecue/sidecue-core/internal/api"
	"github.com/sidecue/sidecue-core/internal/bus"
	"github.com/sidecue/sidecue-core/internal/capture"
	"github.com/sidecue/sidecue-core/internal/config"
	"github.com/sidecue/sidecue-core/internal/history"
	"github.com/sidecue/sidecue-core/internal/natsserver"
	"github.com/sidecue/sidecue-core/internal/protocol"
	"github.com/sidecue/sidecue-core/internal/transcription"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error

	embedded      *natsserver.EmbeddedServer
	busClient     *bus.Client
	store         *history.Store
	engine        *capture.Engine
	transcription *transcription.Service
	advisor       *advisor.Service

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every enabled service and blocks until ctx is cancelled,
// then tears them down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if r.cfg.Bus.Embedded {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		r.embedded = embedded
	}

	busClient, err := bus.Connect(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.busClient = busClient

	store, err := history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	r.store = store

	sessionID := uuid.NewString()
	if err := store.AppendSession(ctx, sessionID); err != nil {
		r.logger.Warn("failed to record session", slog.String("error", err.Error()))
	}

	advisorService, err := advisor.NewService(ctx, r.cfg.Advisor, busClient, store.ForSession(sessionID), r.logger)
	if err != nil {
		return fmt.Errorf("failed to create advisor service: %w", err)
	}
	if err := advisorService.Start(); err != nil {
		return fmt.Errorf("failed to start advisor service: %w", err)
	}
	r.advisor = advisorService

	frames, err := r.startCapture(ctx)
	if err != nil {
		return err
	}

	r.transcription = transcription.NewService(ctx, r.cfg.Transcription, r.cfg.Capture.MixMode, busClient, r.logger)
	if err := r.transcription.Start(frames); err != nil {
		return fmt.Errorf("failed to start transcription service: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	api.NewHandler(advisorService.Dispatcher(), r.logger).Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("session_id", sessionID))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.shutdown()
	return nil
}

func (r *Runtime) startCapture(ctx context.Context) (<-chan protocol.AudioFrame, error) {
	if !r.cfg.Capture.Enabled {
		return nil, nil
	}
	opener, err := capture.OpenerFor(r.cfg.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to select capture backend: %w", err)
	}
	r.engine = capture.NewEngine(r.cfg.Capture, opener, r.logger)
	frames, err := r.engine.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start capture: %w", err)
	}
	return frames, nil
}

func (r *Runtime) shutdown() {
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.engine != nil {
		r.engine.Stop()
	}
	if r.transcription != nil {
		r.transcription.Close()
	}
	if r.advisor != nil {
		r.advisor.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("history close error", slog.String("error", err.Error()))
		}
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.transcription.Healthy() && r.advisor.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
