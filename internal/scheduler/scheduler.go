// Package scheduler runs speech-to-text calls on a dedicated worker so that
// audio ingestion never waits on inference.
//
// Exactly one call is in flight per engine. At most one Live request waits in
// the queue: a newer Live request replaces it. Commit and Forced requests are
// queued in order and always run unless the scheduler is abandoned on a stop
// timeout.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-live/internal/metrics"
	"github.com/loqalabs/loqa-live/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrSuperseded  = errors.New("superseded by a newer live request")
	ErrCanceled    = errors.New("request canceled")
	ErrStopped     = errors.New("scheduler stopped")
	ErrStopTimeout = errors.New("scheduler stop timed out; in-flight inference abandoned")
)

// Kind distinguishes tentative from authoritative requests.
type Kind int

const (
	KindLive Kind = iota
	KindCommit
	KindForced
)

func (k Kind) String() string {
	switch k {
	case KindLive:
		return "live"
	case KindCommit:
		return "commit"
	case KindForced:
		return "forced"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Authoritative reports whether the request finalizes a segment.
func (k Kind) Authoritative() bool { return k != KindLive }

// Request is an immutable snapshot of audio to transcribe. Covered is the
// length of the segment buffer the snapshot stands for, which may exceed
// len(Samples) when a silent tail was trimmed or a window was used.
type Request struct {
	Kind      Kind
	SegmentID uint64
	Samples   []float32
	Covered   int
}

type Result struct {
	Request Request
	Output  stt.Result
	Err     error
	Elapsed time.Duration
}

type Options struct {
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Tracer       trace.Tracer
	ResultBuffer int
}

type Scheduler struct {
	engine  stt.Engine
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	results chan Result
	wake    chan struct{}
	done    chan struct{}

	mu       sync.Mutex
	nextID   uint64
	live     *Handle
	commits  []*Handle
	inflight *Handle
	started  bool
	stopping bool
	ctx      context.Context
	cancel   context.CancelFunc
	doneOnce sync.Once
}

func New(engine stt.Engine, opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/loqalabs/loqa-live/scheduler")
	}
	if opts.ResultBuffer <= 0 {
		opts.ResultBuffer = 64
	}
	return &Scheduler{
		engine:  engine,
		logger:  opts.Logger.With(slog.String("component", "scheduler")),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		results: make(chan Result, opts.ResultBuffer),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start launches the worker. Requests submitted before Start are kept.
func (s *Scheduler) Start(parent context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopping {
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(parent)
	go s.run(s.ctx)
}

// Submit queues req and returns its handle. It never blocks.
func (s *Scheduler) Submit(req Request) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	h := newHandle(s.nextID, req)
	if s.stopping {
		h.resolve(Result{Request: req, Err: ErrStopped})
		return h
	}
	if req.Kind == KindLive {
		if prev := s.live; prev != nil {
			prev.resolve(Result{Request: prev.req, Err: ErrSuperseded})
			s.metrics.Superseded.Add(context.Background(), 1)
		}
		s.live = h
	} else {
		s.commits = append(s.commits, h)
	}
	s.signal()
	return h
}

// Results delivers every completed request that was not superseded or canceled,
// in completion order.
func (s *Scheduler) Results() <-chan Result { return s.results }

// Poll returns a completed result without blocking.
func (s *Scheduler) Poll() (Result, bool) {
	select {
	case r := <-s.results:
		return r, true
	default:
		return Result{}, false
	}
}

// Cancel withdraws a queued request or cancels the context of the running one.
// It reports whether h was still pending.
func (s *Scheduler) Cancel(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live == h {
		s.live = nil
		h.resolve(Result{Request: h.req, Err: ErrCanceled})
		return true
	}
	for i, c := range s.commits {
		if c == h {
			s.commits = append(s.commits[:i], s.commits[i+1:]...)
			h.resolve(Result{Request: h.req, Err: ErrCanceled})
			return true
		}
	}
	if s.inflight == h {
		h.canceled = true
		h.cancel()
		return true
	}
	return false
}

// InFlight reports whether an engine call is running.
func (s *Scheduler) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight != nil
}

// Pending is the number of queued requests.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.commits)
	if s.live != nil {
		n++
	}
	return n
}

// Stop refuses new work, drops any queued Live request and waits up to timeout
// for the running call and queued commits to finish. On timeout the engine
// context is canceled, remaining requests resolve with ErrStopped and the
// worker is abandoned.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	s.stopping = true
	if s.live != nil {
		s.live.resolve(Result{Request: s.live.req, Err: ErrStopped})
		s.live = nil
	}
	started := s.started
	s.mu.Unlock()

	if !started {
		s.mu.Lock()
		s.abandonLocked()
		s.mu.Unlock()
		s.doneOnce.Do(func() { close(s.done) })
		return nil
	}

	s.signal()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.done:
		s.cancel()
		return nil
	case <-timer.C:
		s.cancel()
		s.mu.Lock()
		s.abandonLocked()
		s.mu.Unlock()
		s.logger.Warn("inference abandoned on stop", slog.Duration("timeout", timeout))
		return ErrStopTimeout
	}
}

// Done is closed when the worker has exited.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) abandonLocked() {
	if s.live != nil {
		s.live.resolve(Result{Request: s.live.req, Err: ErrStopped})
		s.live = nil
	}
	for _, h := range s.commits {
		h.resolve(Result{Request: h.req, Err: ErrStopped})
	}
	s.commits = nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.doneOnce.Do(func() { close(s.done) })
	for {
		h := s.take(ctx)
		if h == nil {
			return
		}
		s.execute(ctx, h)
	}
}

func (s *Scheduler) take(ctx context.Context) *Handle {
	for {
		s.mu.Lock()
		if ctx.Err() != nil {
			s.abandonLocked()
			s.mu.Unlock()
			return nil
		}
		var h *Handle
		if len(s.commits) > 0 {
			h = s.commits[0]
			s.commits = s.commits[1:]
		} else if s.live != nil {
			h = s.live
			s.live = nil
		}
		if h != nil {
			h.ctx, h.cancel = context.WithCancel(ctx)
			s.inflight = h
			s.mu.Unlock()
			return h
		}
		stopping := s.stopping
		s.mu.Unlock()
		if stopping {
			return nil
		}
		select {
		case <-s.wake:
		case <-ctx.Done():
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, h *Handle) {
	kind := h.req.Kind.String()
	callCtx, span := s.tracer.Start(h.ctx, "stt.transcribe", trace.WithAttributes(
		attribute.String("kind", kind),
		attribute.Int64("segment_id", int64(h.req.SegmentID)),
		attribute.Int("samples", len(h.req.Samples)),
	))
	start := time.Now()
	out, err := s.engine.Transcribe(callCtx, h.req.Samples)
	elapsed := time.Since(start)

	s.mu.Lock()
	canceled := h.canceled
	s.inflight = nil
	s.mu.Unlock()
	h.cancel()

	if err != nil {
		switch {
		case canceled:
			err = fmt.Errorf("%w: %w", ErrCanceled, err)
		case !errors.Is(err, stt.ErrInference):
			err = fmt.Errorf("%w: %w", stt.ErrInference, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	s.metrics.RecordInference(context.Background(), kind, elapsed.Seconds(), err)

	res := Result{Request: h.req, Output: out, Err: err, Elapsed: elapsed}
	h.resolve(res)
	if canceled || ctx.Err() != nil {
		return
	}
	select {
	case s.results <- res:
	case <-ctx.Done():
	}
}
