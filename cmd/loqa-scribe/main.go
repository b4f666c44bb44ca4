// Command loqa-scribe transcribes a WAV file through the live pipeline and
// prints the delta stream, or dumps a recorded session from the event store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-live/internal/capture"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/eventstore"
	"github.com/loqalabs/loqa-live/internal/live"
	"github.com/loqalabs/loqa-live/internal/stt"
	"github.com/loqalabs/loqa-live/internal/transcript"
	"golang.org/x/sync/errgroup"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'transcribe', 'events' or 'version'")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "transcribe":
		err = runTranscribe(ctx, os.Args[2:], os.Stdout)
	case "events":
		err = runEvents(ctx, os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type transcribeOptions struct {
	file      string
	config    string
	mode      string
	model     string
	realtime  bool
	showLive  bool
	logLevel  string
	sessionID string
}

func runTranscribe(ctx context.Context, args []string, out io.Writer) error {
	var opts transcribeOptions
	fs := flag.NewFlagSet("transcribe", flag.ExitOnError)
	fs.StringVar(&opts.file, "file", "", "WAV file to transcribe")
	fs.StringVar(&opts.config, "config", "", "Optional configuration file for live and stt settings")
	fs.StringVar(&opts.mode, "mode", "", "Override stt.mode (mock, exec, whisper)")
	fs.StringVar(&opts.model, "model", "", "Override stt.model_path")
	fs.BoolVar(&opts.realtime, "realtime", false, "Replay the file at real-time pace")
	fs.BoolVar(&opts.showLive, "live", true, "Show tentative live text on stderr")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "Log level")
	fs.StringVar(&opts.sessionID, "session", "scribe", "Session id used in logs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.file == "" {
		return errors.New("transcribe: -file is required")
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := config.Default()
	if opts.config != "" {
		loaded, err := config.Load(opts.config)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if opts.mode != "" {
		cfg.STT.Mode = opts.mode
	}
	if opts.model != "" {
		cfg.STT.ModelPath = opts.model
	}

	engine, err := stt.New(cfg.STT, cfg.Live.TargetSampleRate)
	if err != nil {
		return fmt.Errorf("create stt engine: %w", err)
	}

	pub := transcript.NewChannelPublisher(256)
	session, err := live.NewSession(opts.sessionID, cfg.Live, engine, live.Options{Logger: logger, Publisher: pub})
	if err != nil {
		_ = stt.Close(engine)
		return err
	}
	defer func() {
		if err := stt.CloseWhenIdle(engine, session.EngineReleased(), cfg.Live.StopTimeout()); err != nil {
			logger.Warn("stt engine not closed", slog.String("error", err.Error()))
		}
	}()
	src := &capture.WAVSource{
		Path:     opts.file,
		Chunk:    time.Duration(cfg.Capture.ChunkMS) * time.Millisecond,
		Realtime: opts.realtime,
		Logger:   logger,
	}

	if err := session.Start(ctx); err != nil {
		return err
	}

	finished := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(finished)
		if err := src.Run(gctx, session.Push); err != nil {
			session.Abort(err)
			return err
		}
		if err := session.Finish(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		p := printer{out: out, live: opts.showLive}
		for {
			select {
			case d := <-pub.Deltas():
				p.delta(d)
			case diag := <-pub.Diagnostics():
				p.diagnostic(diag)
			case <-finished:
				for {
					select {
					case d := <-pub.Deltas():
						p.delta(d)
					case diag := <-pub.Diagnostics():
						p.diagnostic(diag)
					default:
						p.clearLive()
						return nil
					}
				}
			}
		}
	})
	err = g.Wait()
	if session.Running() {
		_ = session.Stop()
	}
	return err
}

type printer struct {
	out       io.Writer
	live      bool
	liveShown bool
}

func (p *printer) delta(d transcript.Delta) {
	switch d.Kind {
	case transcript.KindLive:
		if p.live {
			fmt.Fprintf(os.Stderr, "\r\033[K… %s", d.Text)
			p.liveShown = true
		}
	default:
		p.clearLive()
		if d.Text != "" {
			fmt.Fprintf(p.out, "%s\n\n", d.Text)
		}
	}
}

func (p *printer) diagnostic(d transcript.Diagnostic) {
	p.clearLive()
	fmt.Fprintf(os.Stderr, "[%s] %s\n", d.Kind, d.Message)
}

func (p *printer) clearLive() {
	if p.liveShown {
		fmt.Fprint(os.Stderr, "\r\033[K")
		p.liveShown = false
	}
}

func runEvents(ctx context.Context, args []string, out io.Writer) error {
	var (
		configPath string
		sessionID  string
		textOnly   bool
		limit      int
	)
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "loqa.yaml", "Path to configuration file")
	fs.StringVar(&sessionID, "session", "default", "Session id to dump")
	fs.BoolVar(&textOnly, "text", false, "Print only the committed transcript")
	fs.IntVar(&limit, "limit", 1000, "Maximum number of events")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if !store.Enabled() {
		return errors.New("event store retention is ephemeral; nothing is recorded")
	}

	if textOnly {
		text, err := store.CommittedText(ctx, sessionID)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, text)
		return nil
	}
	events, err := store.ListSessionEvents(ctx, sessionID, limit)
	if err != nil {
		return err
	}
	for _, e := range events {
		fmt.Fprintf(out, "%s\t%-22s\t%d\t%s\n", e.CreatedAt.Format(time.RFC3339Nano), e.Type, e.SegmentID, e.Text)
	}
	return nil
}
