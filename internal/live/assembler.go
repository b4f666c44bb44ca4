package live

import (
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/hallucination"
	"github.com/loqalabs/loqa-live/internal/scheduler"
	"github.com/loqalabs/loqa-live/internal/transcript"
	"github.com/loqalabs/loqa-live/internal/vad"
)

// State is the segment lifecycle.
type State int

const (
	// StateIdle holds no speech yet. Silent audio is discarded.
	StateIdle State = iota
	// StateAccumulating has seen speech and requests Live transcriptions.
	StateAccumulating
	// StateFinalizing waits for the authoritative transcription of the segment.
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateFinalizing:
		return "finalizing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Window selects the audio a Live request covers.
type Window int

const (
	// WindowFull transcribes the whole segment buffer on every step.
	WindowFull Window = iota
	// WindowSliding transcribes only the most recent WindowSamples.
	WindowSliding
)

// AssemblerConfig is LiveConfig converted to sample counts.
type AssemblerConfig struct {
	StepSamples        int
	MaxBufferSamples   int
	SilenceCommitSteps int
	Window             Window
	WindowSamples      int
}

func assemblerConfig(cfg config.LiveConfig) AssemblerConfig {
	out := AssemblerConfig{
		StepSamples:        cfg.Samples(cfg.StepMS),
		MaxBufferSamples:   cfg.Samples(cfg.MaxBufferMS),
		SilenceCommitSteps: cfg.SilenceCommitSteps,
		WindowSamples:      cfg.Samples(cfg.LiveWindowMS),
	}
	if cfg.LiveWindow == "sliding" {
		out.Window = WindowSliding
	}
	return out
}

func gateConfig(cfg config.LiveConfig) vad.Config {
	return vad.Config{
		Multiplier:         cfg.VADMultiplier,
		MinThreshold:       cfg.VADMinThreshold,
		CalibrationSamples: cfg.Samples(cfg.CalibrationMS),
		ChunkSamples:       cfg.Samples(cfg.CalibrationChunkMS),
	}
}

// Tick is what one Step produced: requests to hand to the scheduler and any
// deltas decided without inference.
type Tick struct {
	Requests []scheduler.Request
	Deltas   []transcript.Delta
}

// Assembler is the segment state machine. It is not safe for concurrent use;
// the session loop owns it.
//
// Requests carry the segment id and the buffer length they stand for, and
// results are applied against that snapshot: audio appended while a request
// was running stays in the buffer for the next cycle.
type Assembler struct {
	cfg    AssemblerConfig
	gate   *vad.Gate
	filter *hallucination.Filter
	now    func() time.Time

	segment     uint64
	buffer      []float32
	state       State
	sinceStep   int
	pending     []scheduler.Request
	outstanding int
	liveText    string
	liveEmitted bool
	// speech seen after the covered prefix while finalizing
	speechQueued bool
}

func NewAssembler(cfg AssemblerConfig, gate *vad.Gate, filter *hallucination.Filter, now func() time.Time) *Assembler {
	if filter == nil {
		filter = hallucination.New()
	}
	if now == nil {
		now = time.Now
	}
	return &Assembler{cfg: cfg, gate: gate, filter: filter, now: now, segment: 1}
}

// Append adds samples to the segment buffer. Whenever the buffer reaches the
// cap its first MaxBufferSamples are detached as a Forced commit and the rest
// starts the next segment.
func (a *Assembler) Append(samples []float32) {
	if len(samples) == 0 {
		return
	}
	a.gate.Observe(samples)
	a.buffer = append(a.buffer, samples...)
	a.sinceStep += len(samples)

	for a.cfg.MaxBufferSamples > 0 && len(a.buffer) >= a.cfg.MaxBufferSamples {
		detached := make([]float32, a.cfg.MaxBufferSamples)
		copy(detached, a.buffer)
		a.pending = append(a.pending, scheduler.Request{
			Kind:      scheduler.KindForced,
			SegmentID: a.segment,
			Samples:   detached,
			Covered:   len(detached),
		})
		rest := make([]float32, len(a.buffer)-a.cfg.MaxBufferSamples)
		copy(rest, a.buffer[a.cfg.MaxBufferSamples:])
		a.buffer = rest
		a.nextSegment(StateAccumulating)
	}
}

// Ready reports whether a full step of audio arrived since the last Step.
func (a *Assembler) Ready() bool { return a.sinceStep >= a.cfg.StepSamples }

// StepRemaining is how many samples complete the current step.
func (a *Assembler) StepRemaining() int {
	if r := a.cfg.StepSamples - a.sinceStep; r > 0 {
		return r
	}
	return 0
}

// Step offers the oldest detached Forced commit first, then runs one
// classification step when a full step of audio is ready. At most one
// authoritative request is out at a time and while it is, steps only
// classify: no request for segment N+1 exists before segment N is committed.
func (a *Assembler) Step() Tick {
	var tick Tick
	if len(a.pending) > 0 && a.outstanding == 0 {
		tick.Requests = append(tick.Requests, a.pending[0])
		a.pending = a.pending[1:]
		a.outstanding++
	}
	if !a.Ready() {
		return tick
	}
	a.sinceStep = 0

	window := a.buffer
	if len(window) > a.cfg.StepSamples {
		window = window[len(window)-a.cfg.StepSamples:]
	}
	silent := a.gate.Classify(window)

	switch {
	case a.state == StateFinalizing:
		if !silent {
			a.speechQueued = true
		}
	case !silent:
		a.state = StateAccumulating
		if a.outstanding == 0 {
			tick.Requests = append(tick.Requests, a.liveRequest())
		}
	case a.state == StateIdle:
		a.buffer = a.buffer[:0]
	case a.outstanding > 0:
		// a forced commit of the previous segment is still running
	case a.gate.SilenceRunLength() >= a.cfg.SilenceCommitSteps:
		speech := len(a.buffer) - a.gate.SilenceRunLength()*a.cfg.StepSamples
		if speech <= 0 {
			// the speech went out with a forced commit; nothing left to transcribe
			if d, ok := a.commit(len(a.buffer), ""); ok {
				tick.Deltas = append(tick.Deltas, d)
			}
			return tick
		}
		snapshot := make([]float32, speech)
		copy(snapshot, a.buffer)
		tick.Requests = append(tick.Requests, scheduler.Request{
			Kind:      scheduler.KindCommit,
			SegmentID: a.segment,
			Samples:   snapshot,
			Covered:   len(a.buffer),
		})
		a.outstanding++
		a.state = StateFinalizing
	}
	return tick
}

func (a *Assembler) liveRequest() scheduler.Request {
	src := a.buffer
	if a.cfg.Window == WindowSliding && a.cfg.WindowSamples > 0 && len(src) > a.cfg.WindowSamples {
		src = src[len(src)-a.cfg.WindowSamples:]
	}
	snapshot := make([]float32, len(src))
	copy(snapshot, src)
	return scheduler.Request{
		Kind:      scheduler.KindLive,
		SegmentID: a.segment,
		Samples:   snapshot,
		Covered:   len(a.buffer),
	}
}

// Resolve applies a scheduler result to the snapshot it was submitted with.
func (a *Assembler) Resolve(res scheduler.Result) ([]transcript.Delta, []transcript.Diagnostic) {
	req := res.Request
	if req.Kind.Authoritative() {
		a.outstanding = max(a.outstanding-1, 0)
	}

	if res.Err != nil {
		if errors.Is(res.Err, scheduler.ErrSuperseded) || errors.Is(res.Err, scheduler.ErrCanceled) || errors.Is(res.Err, scheduler.ErrStopped) {
			return nil, nil
		}
		switch {
		case req.Kind == scheduler.KindForced:
			// never dropped: offered again on the next step
			a.pending = append([]scheduler.Request{req}, a.pending...)
		case req.Kind == scheduler.KindCommit && req.SegmentID == a.segment:
			a.state = StateAccumulating
			a.speechQueued = false
		}
		return nil, []transcript.Diagnostic{{
			Kind:      transcript.DiagnosticInferenceFault,
			Message:   fmt.Sprintf("%s transcription failed: %v", req.Kind, res.Err),
			SegmentID: req.SegmentID,
			Timestamp: a.now(),
		}}
	}

	text := a.filter.ApplySegments(res.Output.SegmentTexts())
	switch req.Kind {
	case scheduler.KindLive:
		if req.SegmentID != a.segment || a.state != StateAccumulating {
			return nil, nil
		}
		if text == "" || text == a.liveText {
			return nil, nil
		}
		a.liveText = text
		a.liveEmitted = true
		return []transcript.Delta{{SegmentID: req.SegmentID, Kind: transcript.KindLive, Text: text, Timestamp: a.now()}}, nil

	case scheduler.KindCommit:
		if req.SegmentID != a.segment {
			// a forced commit took this segment over
			return nil, nil
		}
		if d, ok := a.commit(req.Covered, text); ok {
			return []transcript.Delta{d}, nil
		}
		return nil, nil

	default:
		return []transcript.Delta{{SegmentID: req.SegmentID, Kind: transcript.KindForced, Text: text, Timestamp: a.now()}}, nil
	}
}

// commit removes the covered prefix and opens the next segment. The delta is
// suppressed when the segment never showed any text.
func (a *Assembler) commit(covered int, text string) (transcript.Delta, bool) {
	emit := text != "" || a.liveEmitted
	d := transcript.Delta{SegmentID: a.segment, Kind: transcript.KindCommitted, Text: text, Timestamp: a.now()}
	covered = min(covered, len(a.buffer))
	rest := make([]float32, len(a.buffer)-covered)
	copy(rest, a.buffer[covered:])
	a.buffer = rest
	next := StateIdle
	if a.speechQueued {
		next = StateAccumulating
	}
	a.nextSegment(next)
	return d, emit
}

func (a *Assembler) nextSegment(state State) {
	a.segment++
	a.state = state
	a.liveText = ""
	a.liveEmitted = false
	a.speechQueued = false
}

// Discard drops uncommitted audio and queued forced commits. A segment that
// already showed Live text is abandoned so its id is not reused.
func (a *Assembler) Discard() {
	if a.liveEmitted || len(a.buffer) > 0 {
		a.nextSegment(StateIdle)
	}
	a.state = StateIdle
	a.buffer = nil
	a.pending = nil
	a.outstanding = 0
	a.sinceStep = 0
}

// Reset returns to the initial state and forces recalibration.
func (a *Assembler) Reset() {
	a.gate.Reset()
	a.segment = 1
	a.state = StateIdle
	a.buffer = nil
	a.pending = nil
	a.outstanding = 0
	a.sinceStep = 0
	a.liveText = ""
	a.liveEmitted = false
	a.speechQueued = false
}

func (a *Assembler) State() State       { return a.state }
func (a *Assembler) SegmentID() uint64  { return a.segment }
func (a *Assembler) Len() int           { return len(a.buffer) }
func (a *Assembler) Outstanding() int   { return a.outstanding }
func (a *Assembler) PendingForced() int { return len(a.pending) }

// Settled reports that every buffered step was classified as silence and
// nothing awaits inference.
func (a *Assembler) Settled() bool {
	return a.state == StateIdle && a.sinceStep == 0 && a.outstanding == 0 && len(a.pending) == 0
}

// NeedsAudio reports whether more input would move the state machine toward
// a settled state: it waits for a step to complete or for a silence run.
func (a *Assembler) NeedsAudio() bool {
	if a.outstanding > 0 || len(a.pending) > 0 {
		return false
	}
	return a.state == StateAccumulating || a.sinceStep > 0
}
