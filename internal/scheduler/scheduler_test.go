package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-live/internal/stt"
)

// gatedEngine blocks every call until the test releases it.
type gatedEngine struct {
	started chan int
	release chan struct{}

	mu      sync.Mutex
	running int
	peak    int
}

func newGatedEngine() *gatedEngine {
	return &gatedEngine{started: make(chan int, 16), release: make(chan struct{})}
}

func (e *gatedEngine) Transcribe(ctx context.Context, samples []float32) (stt.Result, error) {
	e.mu.Lock()
	e.running++
	if e.running > e.peak {
		e.peak = e.running
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running--
		e.mu.Unlock()
	}()

	e.started <- len(samples)
	select {
	case <-e.release:
		return stt.Result{Text: fmt.Sprint(len(samples))}, nil
	case <-ctx.Done():
		return stt.Result{}, ctx.Err()
	}
}

func (e *gatedEngine) maxConcurrent() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peak
}

type failingEngine struct{}

func (failingEngine) Transcribe(context.Context, []float32) (stt.Result, error) {
	return stt.Result{}, errors.New("boom")
}

func req(kind Kind, n int) Request {
	return Request{Kind: kind, Samples: make([]float32, n), Covered: n}
}

func waitStarted(t *testing.T, e *gatedEngine) int {
	t.Helper()
	select {
	case n := <-e.started:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("engine call did not start")
		return 0
	}
}

func waitResult(t *testing.T, s *Scheduler) Result {
	t.Helper()
	select {
	case r := <-s.Results():
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
		return Result{}
	}
}

func waitHandle(t *testing.T, h *Handle) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	select {
	case <-h.Done():
	case <-ctx.Done():
		t.Fatalf("handle %d did not resolve", h.ID())
	}
	res, _ := h.Result()
	return res
}

func TestNewerLiveSupersedesQueuedLive(t *testing.T) {
	e := newGatedEngine()
	s := New(e, Options{})
	s.Start(context.Background())
	defer s.Stop(time.Second)

	s.Submit(req(KindLive, 1))
	waitStarted(t, e)
	queued := s.Submit(req(KindLive, 2))
	s.Submit(req(KindLive, 3))

	if res := waitHandle(t, queued); !errors.Is(res.Err, ErrSuperseded) {
		t.Fatalf("expected superseded, got %v", res.Err)
	}
	if s.Pending() != 1 {
		t.Fatalf("expected one queued live request, got %d", s.Pending())
	}

	e.release <- struct{}{}
	if n := waitStarted(t, e); n != 3 {
		t.Fatalf("expected newest live request to run, got %d samples", n)
	}
	e.release <- struct{}{}

	first, second := waitResult(t, s), waitResult(t, s)
	if first.Output.Text != "1" || second.Output.Text != "3" {
		t.Fatalf("unexpected results %q, %q", first.Output.Text, second.Output.Text)
	}
	if e.maxConcurrent() != 1 {
		t.Fatalf("expected one call at a time, saw %d", e.maxConcurrent())
	}
}

func TestCommitsRunInOrderBeforeLive(t *testing.T) {
	e := newGatedEngine()
	s := New(e, Options{})
	s.Start(context.Background())
	defer s.Stop(time.Second)

	s.Submit(req(KindLive, 1))
	waitStarted(t, e)
	s.Submit(req(KindCommit, 10))
	s.Submit(req(KindLive, 2))
	s.Submit(req(KindForced, 11))

	var order []int
	for i := 0; i < 3; i++ {
		e.release <- struct{}{}
		order = append(order, waitStarted(t, e))
	}
	e.release <- struct{}{}

	if order[0] != 10 || order[1] != 11 || order[2] != 2 {
		t.Fatalf("unexpected execution order %v", order)
	}
	for i := 0; i < 4; i++ {
		if r := waitResult(t, s); r.Err != nil {
			t.Fatalf("unexpected error: %v", r.Err)
		}
	}
}

func TestEngineErrorsAreInferenceFaults(t *testing.T) {
	s := New(failingEngine{}, Options{})
	s.Start(context.Background())
	defer s.Stop(time.Second)

	h := s.Submit(req(KindCommit, 4))
	res := waitResult(t, s)
	if !errors.Is(res.Err, stt.ErrInference) {
		t.Fatalf("expected inference fault, got %v", res.Err)
	}
	if res.Request.Kind != KindCommit || res.Request.Covered != 4 {
		t.Fatalf("result lost its request: %+v", res.Request)
	}
	if _, err := h.Wait(context.Background()); !errors.Is(err, stt.ErrInference) {
		t.Fatalf("handle error = %v", err)
	}
}

func TestStopDrainsQueuedCommits(t *testing.T) {
	e := newGatedEngine()
	s := New(e, Options{})
	s.Start(context.Background())

	first := s.Submit(req(KindCommit, 1))
	waitStarted(t, e)
	second := s.Submit(req(KindCommit, 2))
	live := s.Submit(req(KindLive, 3))

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(2 * time.Second) }()

	if res := waitHandle(t, live); !errors.Is(res.Err, ErrStopped) {
		t.Fatalf("expected queued live to be dropped, got %v", res.Err)
	}
	e.release <- struct{}{}
	waitStarted(t, e)
	e.release <- struct{}{}

	if err := <-stopped; err != nil {
		t.Fatalf("stop: %v", err)
	}
	for _, h := range []*Handle{first, second} {
		if res := waitHandle(t, h); res.Err != nil {
			t.Fatalf("commit %d failed: %v", h.ID(), res.Err)
		}
	}
	if s.InFlight() {
		t.Fatal("expected nothing in flight after stop")
	}
}

func TestStopTimeoutAbandonsWork(t *testing.T) {
	e := newGatedEngine()
	s := New(e, Options{})
	s.Start(context.Background())

	running := s.Submit(req(KindCommit, 1))
	waitStarted(t, e)
	queued := s.Submit(req(KindCommit, 2))

	if err := s.Stop(50 * time.Millisecond); !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("expected stop timeout, got %v", err)
	}
	if res := waitHandle(t, queued); !errors.Is(res.Err, ErrStopped) {
		t.Fatalf("expected queued commit to be stopped, got %v", res.Err)
	}
	// the engine sees its context canceled and the call unwinds
	waitHandle(t, running)
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}
}

func TestCancelQueuedAndRunning(t *testing.T) {
	e := newGatedEngine()
	s := New(e, Options{})

	queued := s.Submit(req(KindCommit, 5))
	if !s.Cancel(queued) {
		t.Fatal("expected queued request to be canceled")
	}
	if res := waitHandle(t, queued); !errors.Is(res.Err, ErrCanceled) {
		t.Fatalf("expected canceled, got %v", res.Err)
	}
	if s.Pending() != 0 {
		t.Fatalf("expected empty queue, got %d", s.Pending())
	}

	s.Start(context.Background())
	defer s.Stop(time.Second)
	running := s.Submit(req(KindLive, 6))
	waitStarted(t, e)
	if !s.Cancel(running) {
		t.Fatal("expected running request to be canceled")
	}
	if res := waitHandle(t, running); !errors.Is(res.Err, ErrCanceled) {
		t.Fatalf("expected canceled, got %v", res.Err)
	}
	if s.Cancel(running) {
		t.Fatal("cancel of a resolved request should report false")
	}
	if _, ok := s.Poll(); ok {
		t.Fatal("canceled request must not be delivered")
	}
}

func TestSubmitAfterStop(t *testing.T) {
	s := New(newGatedEngine(), Options{})
	if err := s.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	h := s.Submit(req(KindCommit, 1))
	if res := waitHandle(t, h); !errors.Is(res.Err, ErrStopped) {
		t.Fatalf("expected stopped, got %v", res.Err)
	}
	if _, ok := s.Poll(); ok {
		t.Fatal("expected no results")
	}
}

func TestKindString(t *testing.T) {
	if KindLive.Authoritative() || !KindCommit.Authoritative() || !KindForced.Authoritative() {
		t.Fatal("unexpected authority")
	}
	if KindForced.String() != "forced" || Kind(9).String() != "kind(9)" {
		t.Fatalf("unexpected names %q %q", KindForced, Kind(9))
	}
}
