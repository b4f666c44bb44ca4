// Package live turns a stream of captured audio into Live, Committed and
// Forced transcript deltas.
//
// Three execution contexts cooperate. The capture callback only resamples and
// appends to the ingest buffer (Push). The session loop drains that buffer
// every poll interval, drives the Assembler step by step and applies inference
// results. Inference itself runs on the scheduler's worker, one call at a time.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-live/internal/audio"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/hallucination"
	"github.com/loqalabs/loqa-live/internal/metrics"
	"github.com/loqalabs/loqa-live/internal/scheduler"
	"github.com/loqalabs/loqa-live/internal/stt"
	"github.com/loqalabs/loqa-live/internal/transcript"
	"github.com/loqalabs/loqa-live/internal/vad"
)

var (
	ErrNotRunning     = errors.New("session not running")
	ErrAlreadyRunning = errors.New("session already running")
	// ErrEngineBusy means an abandoned inference call from the previous run
	// still holds the engine.
	ErrEngineBusy = errors.New("engine busy with abandoned inference")
)

type Options struct {
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Publisher transcript.Publisher
	Now       func() time.Time
}

type Session struct {
	id      string
	cfg     config.LiveConfig
	engine  stt.Engine
	logger  *slog.Logger
	metrics *metrics.Metrics

	ingest    *audio.IngestBuffer
	meter     audio.LevelMeter
	gate      *vad.Gate
	tracker   *transcript.Tracker
	accepting atomic.Bool

	asmMu sync.Mutex
	asm   *Assembler

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	sched   *scheduler.Scheduler
	fault   error
	stopErr error
}

func NewSession(id string, cfg config.LiveConfig, engine stt.Engine, opts Options) (*Session, error) {
	if err := config.ValidateLive(cfg); err != nil {
		return nil, fmt.Errorf("validate live config: %w", err)
	}
	if engine == nil {
		return nil, errors.New("nil engine")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	gate := vad.NewGate(gateConfig(cfg))
	return &Session{
		id:      id,
		cfg:     cfg,
		engine:  engine,
		logger:  opts.Logger.With(slog.String("component", "live"), slog.String("session_id", id)),
		metrics: opts.Metrics,
		ingest:  audio.NewIngestBuffer(cfg.Samples(cfg.StepMS)),
		gate:    gate,
		tracker: transcript.NewTracker(opts.Publisher, opts.Metrics),
		asm:     NewAssembler(assemblerConfig(cfg), gate, hallucination.New(cfg.HallucinationPatterns...), opts.Now),
	}, nil
}

func (s *Session) ID() string { return s.id }

// Push is the capture callback path: resample and append, nothing else. A
// resample fault aborts the session.
func (s *Session) Push(batch audio.Batch) error {
	if !s.accepting.Load() {
		return ErrNotRunning
	}
	samples, err := audio.Resample(batch, s.cfg.TargetSampleRate)
	if err != nil {
		s.Abort(err)
		return err
	}
	s.ingest.Push(samples)
	return nil
}

// Start launches the session loop and a fresh inference worker.
func (s *Session) Start(parent context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if s.sched != nil {
		select {
		case <-s.sched.Done():
		default:
			return ErrEngineBusy
		}
	}

	ctx, cancel := context.WithCancel(parent)
	sched := scheduler.New(s.engine, scheduler.Options{Logger: s.logger, Metrics: s.metrics})
	// the worker outlives the loop so stop can give it a bounded wait
	sched.Start(context.WithoutCancel(parent))

	s.ingest.Drain()
	s.sched = sched
	s.cancel = cancel
	s.done = make(chan struct{})
	s.fault = nil
	s.stopErr = nil
	s.running = true
	s.accepting.Store(true)
	s.metrics.ActiveSessions.Add(ctx, 1)

	go s.loop(ctx, sched, s.done)
	s.logger.Info("live session started")
	return nil
}

// Stop stops scheduling inference, gives in-flight work StopTimeout to finish,
// publishes commits that completed in that window and discards the rest of
// the buffered audio. It returns scheduler.ErrStopTimeout if inference had to
// be abandoned.
func (s *Session) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopErr
}

// Abort stops a running session because of a capture or resample fault.
func (s *Session) Abort(err error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if s.fault == nil {
		s.fault = err
	}
	cancel := s.cancel
	s.mu.Unlock()
	s.accepting.Store(false)
	cancel()
}

// Reset stops the session if needed and clears all state. The gate
// recalibrates on the next start.
func (s *Session) Reset() error {
	if err := s.Stop(); err != nil && !errors.Is(err, ErrNotRunning) && !errors.Is(err, scheduler.ErrStopTimeout) {
		return err
	}
	s.asmMu.Lock()
	s.asm.Reset()
	s.asmMu.Unlock()
	s.ingest.Reset()
	s.meter.Reset()
	s.tracker.Reset()

	s.mu.Lock()
	s.fault = nil
	s.stopErr = nil
	s.mu.Unlock()
	s.logger.Info("live session reset")
	return nil
}

// Finish ends the input stream. It appends silence one step at a time until
// the last utterance has been committed, then stops the session.
func (s *Session) Finish(ctx context.Context) error {
	step := s.cfg.Samples(s.cfg.StepMS)
	ticker := time.NewTicker(s.cfg.Poll())
	defer ticker.Stop()
	for {
		if !s.Running() {
			return ErrNotRunning
		}
		if s.Settled() {
			return s.Stop()
		}
		if s.ingest.Len() == 0 && s.awaitingSilence() {
			s.ingest.Push(make([]float32, step))
		}
		select {
		case <-ctx.Done():
			if err := s.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
				return err
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Session) awaitingSilence() bool {
	s.asmMu.Lock()
	defer s.asmMu.Unlock()
	return s.asm.NeedsAudio()
}

// EngineReleased is closed once no inference call from any run of this
// session is still inside the engine. It is nil before the first Start.
func (s *Session) EngineReleased() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sched == nil {
		return nil
	}
	return s.sched.Done()
}

// Wait blocks until the current run ends or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return ErrNotRunning
	}
	select {
	case <-done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) loop(ctx context.Context, sched *scheduler.Scheduler, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Poll())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.finish(sched)
			return
		case res := <-sched.Results():
			s.apply(ctx, res)
		case <-ticker.C:
			s.tick(ctx, sched)
		}
	}
}

// tick feeds drained audio to the assembler in step-sized slices so step
// boundaries do not depend on poll jitter.
func (s *Session) tick(ctx context.Context, sched *scheduler.Scheduler) {
	samples := s.ingest.Drain()
	s.meter.Update(s.ingest.PeekRecent(s.cfg.Samples(s.cfg.PollMS)))

	var deltas []transcript.Delta
	s.asmMu.Lock()
	for {
		n := s.asm.StepRemaining()
		if n == 0 || n > len(samples) {
			n = len(samples)
		}
		s.asm.Append(samples[:n])
		samples = samples[n:]
		t := s.asm.Step()
		for _, req := range t.Requests {
			sched.Submit(req)
		}
		deltas = append(deltas, t.Deltas...)
		if len(samples) == 0 {
			break
		}
	}
	buffered := s.asm.Len()
	s.asmMu.Unlock()

	s.metrics.BufferSamples.Record(ctx, int64(buffered))
	s.publish(ctx, deltas, nil)
}

func (s *Session) apply(ctx context.Context, res scheduler.Result) {
	if res.Err != nil && errors.Is(res.Err, stt.ErrInference) {
		s.logger.Warn("inference failed",
			slog.String("kind", res.Request.Kind.String()),
			slog.Uint64("segment_id", res.Request.SegmentID),
			slogError(res.Err))
	}
	s.asmMu.Lock()
	deltas, diags := s.asm.Resolve(res)
	s.asmMu.Unlock()
	s.publish(ctx, deltas, diags)
}

func (s *Session) publish(ctx context.Context, deltas []transcript.Delta, diags []transcript.Diagnostic) {
	for _, d := range deltas {
		if err := s.tracker.PublishDelta(ctx, d); err != nil {
			s.logger.Warn("failed to publish delta", slog.Uint64("segment_id", d.SegmentID), slogError(err))
		}
	}
	for _, d := range diags {
		if err := s.tracker.PublishDiagnostic(ctx, d); err != nil {
			s.logger.Warn("failed to publish diagnostic", slog.String("kind", string(d.Kind)), slogError(err))
		}
	}
}

func (s *Session) finish(sched *scheduler.Scheduler) {
	s.accepting.Store(false)
	stopErr := sched.Stop(s.cfg.StopTimeout())

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout())
	defer cancel()
	for {
		res, ok := sched.Poll()
		if !ok {
			break
		}
		if res.Request.Kind.Authoritative() {
			s.apply(ctx, res)
		}
	}

	s.mu.Lock()
	fault := s.fault
	s.mu.Unlock()

	var diags []transcript.Diagnostic
	if errors.Is(stopErr, scheduler.ErrStopTimeout) {
		s.logger.Warn("in-flight inference abandoned", slog.Duration("timeout", s.cfg.StopTimeout()))
		diags = append(diags, transcript.Diagnostic{
			Kind:      transcript.DiagnosticStopTimeout,
			Message:   stopErr.Error(),
			Timestamp: time.Now(),
		})
	}
	if fault != nil {
		s.logger.Error("live session aborted", slogError(fault))
		diags = append(diags, transcript.Diagnostic{
			Kind:      faultKind(fault),
			Message:   fault.Error(),
			Fatal:     true,
			Timestamp: time.Now(),
		})
	}
	s.publish(ctx, nil, diags)

	s.asmMu.Lock()
	s.asm.Discard()
	s.asmMu.Unlock()
	s.ingest.Drain()
	s.tracker.DiscardLive()
	s.metrics.ActiveSessions.Add(ctx, -1)

	s.mu.Lock()
	s.running = false
	s.stopErr = stopErr
	s.mu.Unlock()
	s.logger.Info("live session stopped")
}

func faultKind(err error) transcript.DiagnosticKind {
	if errors.Is(err, audio.ErrResampleFault) {
		return transcript.DiagnosticResampleFault
	}
	return transcript.DiagnosticCaptureFault
}

// Err is the fault that aborted the last run, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Level is the input meter, smoothed volume and decaying peak.
func (s *Session) Level() audio.Level { return s.meter.Level() }

// Calibration reports the voice activity gate.
func (s *Session) Calibration() vad.Status { return s.gate.Status() }

// Transcript is the committed text of the session followed by the current Live text.
func (s *Session) Transcript() string { return s.tracker.Transcript() }

func (s *Session) Snapshot() transcript.Snapshot { return s.tracker.Snapshot() }

// BufferDuration is the length of the current segment buffer.
func (s *Session) BufferDuration() time.Duration {
	s.asmMu.Lock()
	n := s.asm.Len()
	s.asmMu.Unlock()
	return time.Duration(n) * time.Second / time.Duration(s.cfg.TargetSampleRate)
}

// Settled reports that all pushed audio has been drained, no speech is
// buffered and nothing waits on inference.
func (s *Session) Settled() bool {
	if s.ingest.Len() > 0 {
		return false
	}
	s.asmMu.Lock()
	defer s.asmMu.Unlock()
	return s.asm.Settled()
}

// Status is a point-in-time view for control surfaces.
type Status struct {
	ID            string      `json:"id"`
	Running       bool        `json:"running"`
	State         string      `json:"state"`
	SegmentID     uint64      `json:"segment_id"`
	BufferSeconds float64     `json:"buffer_seconds"`
	Level         audio.Level `json:"level"`
	VAD           vad.Status  `json:"vad"`
	Error         string      `json:"error,omitempty"`
}

func (s *Session) Status() Status {
	s.asmMu.Lock()
	state, segment := s.asm.State(), s.asm.SegmentID()
	s.asmMu.Unlock()
	st := Status{
		ID:            s.id,
		Running:       s.Running(),
		State:         state.String(),
		SegmentID:     segment,
		BufferSeconds: s.BufferDuration().Seconds(),
		Level:         s.Level(),
		VAD:           s.Calibration(),
	}
	if err := s.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
