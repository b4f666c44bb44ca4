package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-live/internal/audio"
	"github.com/loqalabs/loqa-live/internal/bus"
	"github.com/loqalabs/loqa-live/internal/capture"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/eventstore"
	"github.com/loqalabs/loqa-live/internal/metrics"
	"github.com/loqalabs/loqa-live/internal/stt"
	"github.com/loqalabs/loqa-live/internal/transcript"
	"github.com/nats-io/nats.go"
)

// Service binds the configured capture source to one live session and mirrors
// the session's stream onto the bus and the event store.
type Service struct {
	cfg     config.Config
	bus     *bus.Client
	store   *eventstore.Store
	logger  *slog.Logger
	session *Session
	source  capture.Source

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	stopCapture context.CancelFunc
	wg          sync.WaitGroup
	ready       bool
}

// NewService builds the session. busClient and store may be nil.
func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, store *eventstore.Store, engine stt.Engine, logger *slog.Logger) (*Service, error) {
	sessionID := cfg.Capture.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	logger = logger.With(slog.String("component", "live_service"))

	var pubs transcript.Fanout
	var conn *nats.Conn
	if busClient != nil {
		conn = busClient.Conn()
		pubs = append(pubs, transcript.NewBusPublisher(busClient, sessionID))
	}
	if store != nil && store.Enabled() {
		pubs = append(pubs, transcript.NewRecorderPublisher(store, sessionID))
	}

	session, err := NewSession(sessionID, cfg.Live, engine, Options{
		Logger:    logger,
		Metrics:   metrics.Default(),
		Publisher: pubs,
	})
	if err != nil {
		return nil, err
	}
	source, err := capture.New(cfg.Capture, conn, logger)
	if err != nil {
		return nil, fmt.Errorf("create capture source: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		bus:     busClient,
		store:   store,
		logger:  logger,
		session: session,
		source:  source,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins capturing when live transcription is enabled.
func (s *Service) Start() error {
	if !s.cfg.Live.Enabled {
		return nil
	}
	if err := s.StartCapture(); err != nil {
		return err
	}
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return nil
}

// StartCapture starts the session and feeds it from the capture source.
func (s *Service) StartCapture() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.session.Start(s.ctx); err != nil {
		return err
	}
	if err := s.store.BeginSession(s.ctx, s.session.ID(), s.cfg.Capture.Mode); err != nil {
		s.logger.Warn("failed to record session start", slogError(err))
	}

	runCtx, cancel := context.WithCancel(s.ctx)
	s.stopCapture = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.capture(runCtx)
	}()
	return nil
}

func (s *Service) capture(ctx context.Context) {
	defer s.endSession()
	err := s.source.Run(ctx, s.session.Push)
	switch {
	case ctx.Err() != nil:
		return
	case err != nil:
		if !errors.Is(err, capture.ErrCaptureFault) && !errors.Is(err, audio.ErrResampleFault) && !errors.Is(err, ErrNotRunning) {
			err = fmt.Errorf("%w: %v", capture.ErrCaptureFault, err)
		}
		s.session.Abort(err)
	default:
		s.logger.Info("capture stream ended")
		if err := s.session.Finish(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrNotRunning) {
			s.logger.Warn("finishing session", slogError(err))
		}
	}
}

func (s *Service) endSession() {
	if err := s.store.EndSession(context.WithoutCancel(s.ctx), s.session.ID()); err != nil {
		s.logger.Warn("failed to record session stop", slogError(err))
	}
}

// StopCapture stops the capture source and the session.
func (s *Service) StopCapture() error {
	s.mu.Lock()
	stop := s.stopCapture
	s.stopCapture = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	err := s.session.Stop()
	s.wg.Wait()
	return err
}

// Reset stops capture and clears the session.
func (s *Service) Reset() error {
	if err := s.StopCapture(); err != nil && !errors.Is(err, ErrNotRunning) {
		s.logger.Warn("stop before reset", slogError(err))
	}
	return s.session.Reset()
}

func (s *Service) Session() *Session { return s.session }

func (s *Service) Close() {
	if err := s.StopCapture(); err != nil && !errors.Is(err, ErrNotRunning) {
		s.logger.Warn("stop on close", slogError(err))
	}
	s.cancel()
	s.wg.Wait()
}

// Healthy is false when live transcription is enabled but the session was
// aborted by a capture fault.
func (s *Service) Healthy() bool {
	if !s.cfg.Live.Enabled {
		return true
	}
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	return ready && s.session.Err() == nil
}
