package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/g960059/termgram/internal/config"
	"github.com/g960059/termgram/internal/daemon"
	"github.com/g960059/termgram/internal/history"
	"github.com/g960059/termgram/internal/registry"
	"github.com/g960059/termgram/internal/render"
	"github.com/g960059/termgram/internal/router"
	"github.com/g960059/termgram/internal/scheduler"
	"github.com/g960059/termgram/internal/session"
	"github.com/g960059/termgram/internal/transport"
)

func main() {
	defaults := config.DefaultConfig()
	configPath := flag.String("config", config.DefaultFilePath(), "TOML config file")
	socket := flag.String("socket", defaults.SocketPath, "UDS path for the status API")
	dbPath := flag.String("db", defaults.DBPath, "SQLite journal path")
	scratch := flag.String("scratch", defaults.ScratchDir, "scratch dir for render artifacts")
	noRender := flag.Bool("no-render", false, "disable headless-browser screenshots")
	drain := flag.Duration("drain-interval", defaults.DrainInterval, "pty drain tick")
	firstPush := flag.Duration("first-push-delay", defaults.FirstPushDelay, "delay before a session's first outward message")
	pushCycle := flag.Duration("push-cycle", defaults.PushCycle, "outward push cadence")
	doneLifetime := flag.Duration("done-lifetime", defaults.DoneLifetime, "retention for finished sessions")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	// Explicit flags win over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "socket":
			cfg.SocketPath = *socket
		case "db":
			cfg.DBPath = *dbPath
		case "scratch":
			cfg.ScratchDir = *scratch
		case "drain-interval":
			cfg.DrainInterval = *drain
		case "first-push-delay":
			cfg.FirstPushDelay = *firstPush
		case "push-cycle":
			cfg.PushCycle = *pushCycle
		case "done-lifetime":
			cfg.DoneLifetime = *doneLifetime
		}
	})
	if *noRender {
		cfg.RenderEnabled = false
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := history.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := history.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	if err := os.MkdirAll(cfg.ScratchDir, 0o700); err != nil {
		fatal(err)
	}

	pipeline := render.NewPipeline(cfg.ScratchDir, cfg.RenderEnabled)
	if err := pipeline.Connect(); err != nil {
		logErr("headless browser unavailable, pushes degrade to plain text", err)
	}
	defer pipeline.Close()

	console := transport.NewConsole()
	reg := registry.New(session.NewPtyHost(), store)
	sched := scheduler.New(cfg, console, pipeline)
	rt := router.New(cfg, reg, sched, console, pipeline)
	sched.SetHooks(rt.NoteFirstPush, func(ctx context.Context, sess *session.Session) {
		rt.ClearInteractiveIf(sess)
		doneAt, ok := sess.DoneAt()
		if !ok {
			return
		}
		if err := store.MarkDone(ctx, sess.ID(), doneAt, sess.WasTerminated()); err != nil && !errors.Is(err, history.ErrNotFound) {
			logErr(fmt.Sprintf("close journal entry for session %d", sess.ID()), err)
		}
	})
	reg.StartReaper(ctx, cfg)

	srv := daemon.NewServer(cfg, reg, store)
	go func() {
		if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logErr("status api", err)
			cancel()
		}
	}()

	if err := console.Run(ctx, rt); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func logErr(scope string, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "termgramd: %s: %v\n", scope, err)
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "termgramd: %v\n", err)
	os.Exit(1)
}
