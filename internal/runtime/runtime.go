package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-live/internal/bus"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/eventstore"
	"github.com/loqalabs/loqa-live/internal/live"
	"github.com/loqalabs/loqa-live/internal/natsserver"
	"github.com/loqalabs/loqa-live/internal/presence"
	"github.com/loqalabs/loqa-live/internal/protocol"
	"github.com/loqalabs/loqa-live/internal/stt"
	"golang.org/x/sync/errgroup"
)

const deltaStream = "LOQA_LIVE"

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	engine   stt.Engine
	live     *live.Service
	presence *presence.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up telemetry, the bus, the event store and the live service,
// serves HTTP until ctx ends, then tears everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeTelemetry()

	if err := r.startServices(ctx); err != nil {
		r.stopServices()
		return err
	}
	defer r.stopServices()

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(r.httpServer) })
	if r.metricsServer != nil {
		g.Go(func() error { return serve(r.metricsServer) })
	}
	g.Go(func() error {
		<-gctx.Done()
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
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("metrics_addr", r.cfg.Telemetry.PrometheusBind))

	if err := g.Wait(); err != nil {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	if r.cfg.Bus.Enabled {
		srv, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		r.nats = srv

		busCfg := r.cfg.Bus
		if srv != nil {
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		r.bus = client

		if hours := r.cfg.Bus.StreamRetentionHours; hours > 0 {
			subjects := []string{
				protocol.SubjectLiveDelta,
				protocol.SubjectLiveDiagnostic,
				protocol.SubjectTranscriptPartial,
				protocol.SubjectTranscriptFinal,
			}
			if err := client.EnsureStream(deltaStream, subjects, time.Duration(hours)*time.Hour); err != nil {
				r.logger.Warn("delta stream unavailable", slog.String("error", err.Error()))
			}
		}
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	engine, err := stt.New(r.cfg.STT, r.cfg.Live.TargetSampleRate)
	if err != nil {
		return fmt.Errorf("create stt engine: %w", err)
	}
	r.engine = engine
	r.logger.Info("stt engine ready", slog.String("mode", r.cfg.STT.Mode))

	svc, err := live.NewService(ctx, r.cfg, r.bus, r.store, r.engine, r.logger)
	if err != nil {
		return fmt.Errorf("create live service: %w", err)
	}
	r.live = svc
	if err := svc.Start(); err != nil {
		return fmt.Errorf("start live service: %w", err)
	}

	if r.bus != nil {
		if err := r.startPresence(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) startPresence(ctx context.Context) error {
	nodeCfg := r.cfg.Node
	if nodeCfg.ID == "" {
		nodeCfg.ID = r.cfg.RuntimeName
	}
	caps := []presence.Capability{{
		Name: presence.CapabilityLive,
		Attributes: map[string]string{
			"session_id":  r.live.Session().ID(),
			"stt_mode":    r.cfg.STT.Mode,
			"sample_rate": strconv.Itoa(r.cfg.Live.TargetSampleRate),
		},
	}}
	status := func() presence.SessionStatus {
		st := r.live.Session().Status()
		return presence.SessionStatus{SessionID: st.ID, Running: st.Running, State: st.State, SegmentID: st.SegmentID}
	}
	reg, err := presence.NewRegistry(ctx, nodeCfg, r.bus.Conn(), caps, status, r.logger)
	if err != nil {
		return fmt.Errorf("start presence: %w", err)
	}
	r.presence = reg
	return nil
}

func (r *Runtime) stopServices() {
	if r.presence != nil {
		r.presence.Close()
		r.presence = nil
	}
	var released <-chan struct{}
	if r.live != nil {
		r.live.Close()
		released = r.live.Session().EngineReleased()
		r.live = nil
	}
	if r.engine != nil {
		err := stt.CloseWhenIdle(r.engine, released, r.cfg.Live.StopTimeout())
		switch {
		case errors.Is(err, stt.ErrEngineInUse):
			r.logger.Warn("stt engine still busy, leaving it open", slog.Duration("waited", r.cfg.Live.StopTimeout()))
		case err != nil:
			r.logger.Warn("stt engine close error", slog.String("error", err.Error()))
		}
		r.engine = nil
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
		r.store = nil
	}
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.nats != nil {
		r.nats.Shutdown()
		r.nats = nil
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

// Ready reports whether the runtime is serving and its dependencies are up.
func (r *Runtime) Ready() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	return r.live == nil || r.live.Healthy()
}
