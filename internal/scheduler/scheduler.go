// Package scheduler drives one session's visibility to the chat transport:
// a fast drain tick ingests pty output, a coarser cadence decides when a
// rendered snapshot is worth pushing outward.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/g960059/termgram/internal/config"
	"github.com/g960059/termgram/internal/render"
	"github.com/g960059/termgram/internal/session"
	"github.com/g960059/termgram/internal/transport"
)

// Renderer is the snapshot pipeline. Implementations must degrade to plain
// text themselves; Render never fails the caller.
type Renderer interface {
	Render(ctx context.Context, id int, title, fullOutput string) (text string, imagePath string)
}

// Scheduler runs one supervisory loop per session.
type Scheduler struct {
	cfg      config.Config
	chat     transport.Chat
	renderer Renderer

	// onFirstPush runs after a session's outward message is created.
	// onDone runs after the final push of a finished session (interactive
	// cleanup, journal close). Either may be nil.
	onFirstPush func(*session.Session)
	onDone      func(context.Context, *session.Session)

	mu     sync.Mutex
	nudges map[int]chan struct{}
}

func New(cfg config.Config, chat transport.Chat, renderer Renderer) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		chat:     chat,
		renderer: renderer,
		nudges:   map[int]chan struct{}{},
	}
}

// SetHooks wires lifecycle callbacks. Call before any session starts.
func (u *Scheduler) SetHooks(onFirstPush func(*session.Session), onDone func(context.Context, *session.Session)) {
	u.onFirstPush = onFirstPush
	u.onDone = onDone
}

// Start launches the loop for sess. It returns immediately.
func (u *Scheduler) Start(ctx context.Context, sess *session.Session, chatID int64) {
	nudge := make(chan struct{}, 1)
	u.mu.Lock()
	u.nudges[sess.ID()] = nudge
	u.mu.Unlock()
	go u.run(ctx, sess, chatID, nudge)
}

// Nudge requests an immediate push attempt outside the regular cadence,
// used when interactive input should surface quickly.
func (u *Scheduler) Nudge(id int) {
	u.mu.Lock()
	nudge, ok := u.nudges[id]
	u.mu.Unlock()
	if !ok {
		return
	}
	select {
	case nudge <- struct{}{}:
	default:
	}
}

func (u *Scheduler) run(ctx context.Context, sess *session.Session, chatID int64, nudge chan struct{}) {
	defer func() {
		u.mu.Lock()
		delete(u.nudges, sess.ID())
		u.mu.Unlock()
	}()

	spawnedAt := time.Now()
	lastCycle := -1
	var lastAttemptAt time.Time

	ticker := time.NewTicker(u.cfg.DrainInterval)
	defer ticker.Stop()

	for sess.Running() {
		select {
		case <-ctx.Done():
			return
		case <-nudge:
			sess.DrainOnce()
			lastAttemptAt = time.Now()
			u.pushOnce(ctx, sess, chatID)
		case <-ticker.C:
			sess.DrainOnce()
			if !sess.Running() {
				break
			}
			now := time.Now()
			due, cycle := u.pushDue(sess, now, spawnedAt, lastCycle, lastAttemptAt)
			if !due {
				continue
			}
			lastCycle = cycle
			lastAttemptAt = now
			u.pushOnce(ctx, sess, chatID)
		}
	}

	// One final attempt so the terminal state (Done buttons, last output)
	// is reflected before the loop stops.
	u.pushOnce(ctx, sess, chatID)
	if u.onDone != nil {
		u.onDone(ctx, sess)
	}
}

// pushDue applies the two-cadence rule: a quick first response while no
// push has succeeded, then one attempt per elapsed push cycle with a
// minimum spacing between attempts to respect transport rate limits.
func (u *Scheduler) pushDue(sess *session.Session, now, spawnedAt time.Time, lastCycle int, lastAttemptAt time.Time) (bool, int) {
	if sess.MessageHandle() == 0 {
		return now.Sub(spawnedAt) >= u.cfg.FirstPushDelay, lastCycle
	}
	if !lastAttemptAt.IsZero() && now.Sub(lastAttemptAt) < u.cfg.MinPushSpacing {
		return false, lastCycle
	}
	cycle := int(sess.RunTime() / u.cfg.PushCycle)
	if cycle <= lastCycle {
		return false, lastCycle
	}
	return true, cycle
}

// pushOnce performs one push attempt. Transport and render failures are
// logged and swallowed: they must never stall ingestion.
func (u *Scheduler) pushOnce(ctx context.Context, sess *session.Session, chatID int64) {
	buttons, buttonsChanged := sess.ComputeButtons()

	// Cheap pre-gate on the raw buffer before invoking the renderer.
	if !sess.HasNewState(buttonsChanged, render.StripANSI(sess.FullOutput())) {
		return
	}

	title := fmt.Sprintf("%d -> %s", sess.ID(), sess.Command())
	text, imagePath := u.renderer.Render(ctx, sess.ID(), title, sess.FullOutput())
	if !sess.HasNewState(buttonsChanged, text) {
		return
	}

	msg := transport.Message{Text: text, Buttons: buttons, FilePath: imagePath}
	if allBlank(text) {
		// A killed process can leave nothing but blank lines; the transport
		// cannot display an empty body, so push the button update alone.
		msg.Text = ""
	}

	if handle := sess.MessageHandle(); handle != 0 {
		if err := u.chat.EditMessage(ctx, chatID, handle, msg); err != nil {
			logErr(fmt.Sprintf("edit message for session %d", sess.ID()), err)
			return
		}
	} else {
		msg.ReplyTo = sess.RequestID()
		handle, err := u.chat.SendMessage(ctx, chatID, msg)
		if err != nil {
			logErr(fmt.Sprintf("send message for session %d", sess.ID()), err)
			return
		}
		sess.BindMessageHandle(handle)
		if u.onFirstPush != nil {
			u.onFirstPush(sess)
		}
	}
	sess.MarkPushed(text)
}

func allBlank(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		if line != "" {
			return false
		}
	}
	return true
}

func logErr(scope string, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "termgramd: scheduler: %s: %v\n", scope, err)
}
