// Package router turns incoming chat traffic into session operations: it
// tracks the single interactive session, spawns sessions for plain
// commands, and dispatches button callbacks with explicit guards.
package router

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/g960059/termgram/internal/config"
	"github.com/g960059/termgram/internal/model"
	"github.com/g960059/termgram/internal/registry"
	"github.com/g960059/termgram/internal/render"
	"github.com/g960059/termgram/internal/scheduler"
	"github.com/g960059/termgram/internal/session"
	"github.com/g960059/termgram/internal/transport"
)

type Router struct {
	cfg      config.Config
	reg      *registry.Registry
	sched    *scheduler.Scheduler
	chat     transport.Chat
	pipeline *render.Pipeline

	mu          sync.Mutex
	interactive *session.Session
	// last is the most recent session that produced its first outward
	// message; /interactive_mode targets it without explicit selection.
	last *session.Session
}

func New(cfg config.Config, reg *registry.Registry, sched *scheduler.Scheduler, chat transport.Chat, pipeline *render.Pipeline) *Router {
	return &Router{cfg: cfg, reg: reg, sched: sched, chat: chat, pipeline: pipeline}
}

// SetInteractive makes sess the exclusive recipient of raw keystrokes.
func (r *Router) SetInteractive(sess *session.Session) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.interactive != nil {
		r.interactive.SetInteractive(false)
	}
	r.interactive = sess
	sess.SetInteractive(true)
	return fmt.Sprintf("You are talking to PID %d", sess.ID())
}

// ClearInteractive returns routing to normal mode: future input spawns new
// sessions.
func (r *Router) ClearInteractive() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.interactive != nil {
		r.interactive.SetInteractive(false)
		r.interactive = nil
	}
	return "Normal mode activated"
}

// ClearInteractiveIf drops interactive status only if sess still holds it.
// The scheduler calls this when an interactive session finishes.
func (r *Router) ClearInteractiveIf(sess *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.interactive == sess {
		sess.SetInteractive(false)
		r.interactive = nil
	}
}

// NoteFirstPush remembers sess as the most recent outwardly visible one.
func (r *Router) NoteFirstPush(sess *session.Session) {
	r.mu.Lock()
	r.last = sess
	r.mu.Unlock()
}

func (r *Router) interactiveSession() *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interactive
}

// authorized is the permission guard run before any dispatch. An empty
// admin list leaves the router open (development transports).
func (r *Router) authorized(senderID int64) bool {
	if len(r.cfg.Admins) == 0 {
		return true
	}
	for _, admin := range r.cfg.Admins {
		if admin == senderID {
			return true
		}
	}
	return false
}

// HandleMessage routes one incoming message: bot commands, cd, keystrokes
// for the interactive session, or a new command to spawn.
func (r *Router) HandleMessage(ctx context.Context, ev transport.MessageEvent) {
	if !r.authorized(ev.SenderID) {
		return
	}
	text := ev.Text
	escape := strings.HasPrefix(text, `\`)

	if !escape && strings.HasPrefix(text, "/") {
		r.runBotCommand(ctx, ev)
		return
	}
	if !escape && (text == "cd" || strings.HasPrefix(text, "cd ")) {
		r.changeDirectory(ctx, ev)
		return
	}

	if sess := r.interactiveSession(); sess != nil {
		if escape {
			text = text[1:]
		}
		if err := sess.PushInput(text); err != nil {
			if errors.Is(err, session.ErrNotRunning) {
				r.reply(ctx, ev, "session already finished, back to normal mode")
				r.ClearInteractiveIf(sess)
				return
			}
			logErr(fmt.Sprintf("push input to %d", sess.ID()), err)
			return
		}
		// Editing the outward message per keystroke is neither reasonable
		// nor allowed by transport rate limits; only nudge when the last
		// update is old enough.
		if time.Since(sess.LastPushAt()) >= r.cfg.InteractiveEditGap {
			r.sched.Nudge(sess.ID())
		}
		return
	}

	sess, err := r.reg.Create(ctx, text, ev.RequestID)
	if err != nil {
		r.reply(ctx, ev, fmt.Sprintf("spawn failed: %v", err))
		return
	}
	r.sched.Start(ctx, sess, ev.ChatID)
}

func (r *Router) runBotCommand(ctx context.Context, ev transport.MessageEvent) {
	command := strings.SplitN(ev.Text, " ", 2)[0]
	switch command {
	case "/image_on":
		r.pipeline.SetEnabled(true)
		r.reply(ctx, ev, "screenshot rendering on")
	case "/image_off":
		r.pipeline.SetEnabled(false)
		r.reply(ctx, ev, "screenshot rendering off")
	case "/interactive_mode":
		r.mu.Lock()
		last := r.last
		r.mu.Unlock()
		if last != nil && last.Running() {
			answer := r.SetInteractive(last)
			r.reply(ctx, ev, answer)
			return
		}
		r.reply(ctx, ev, "last session finished, select a session manually")
	case "/normal_mode":
		r.reply(ctx, ev, r.ClearInteractive())
	default:
		r.reply(ctx, ev, fmt.Sprintf("unknown command %s", command))
	}
}

func (r *Router) changeDirectory(ctx context.Context, ev transport.MessageEvent) {
	parts := strings.SplitN(ev.Text, " ", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		r.reply(ctx, ev, "usage: cd <path>")
		return
	}
	if err := os.Chdir(strings.TrimSpace(parts[1])); err != nil {
		r.reply(ctx, ev, err.Error())
	}
}

// HandleCallback dispatches an "action&id" button press. Guards run in
// order: payload parse, then session lookup; a reaped session answers with
// a notice and strips the stale buttons instead of failing.
func (r *Router) HandleCallback(ctx context.Context, ev transport.CallbackEvent) {
	if !r.authorized(ev.SenderID) {
		return
	}
	action, id, err := model.ParseCallbackData(ev.Data)
	if err != nil {
		logErr("parse callback", err)
		return
	}

	sess, err := r.reg.Get(id)
	if err != nil {
		r.answer(ctx, ev, "this session does not exist anymore", true)
		if editErr := r.chat.EditMessage(ctx, ev.ChatID, ev.MessageID, transport.Message{}); editErr != nil {
			logErr("strip stale buttons", editErr)
		}
		return
	}

	switch action {
	case model.ActionInfo:
		r.answer(ctx, ev, sess.Describe(), true)
	case model.ActionEnter:
		if err := sess.PushInput("^m"); err != nil {
			r.answer(ctx, ev, "session is not running", false)
			return
		}
		r.answer(ctx, ev, "Enter key pressed...", false)
	case model.ActionInteractive:
		var answer string
		if r.interactiveSession() == sess {
			answer = r.ClearInteractive()
		} else {
			answer = r.SetInteractive(sess)
		}
		r.answer(ctx, ev, answer, true)
		r.sched.Nudge(sess.ID())
	case model.ActionTerminate:
		sess.Terminate()
	case model.ActionHTML:
		path, err := render.WriteHTML(r.cfg.ScratchDir, sess.ID(),
			fmt.Sprintf("%d -> %s", sess.ID(), sess.Command()), sess.FullOutput())
		if err != nil {
			logErr(fmt.Sprintf("html artifact for %d", sess.ID()), err)
			return
		}
		if err := r.chat.SendFile(ctx, ev.ChatID, path, sess.MessageHandle()); err != nil {
			logErr(fmt.Sprintf("send html for %d", sess.ID()), err)
		}
	default:
		logErr("dispatch callback", fmt.Errorf("unknown action %q", action))
	}
}

func (r *Router) reply(ctx context.Context, ev transport.MessageEvent, text string) {
	_, err := r.chat.SendMessage(ctx, ev.ChatID, transport.Message{Text: text, ReplyTo: ev.RequestID})
	if err != nil {
		logErr("send reply", err)
	}
}

func (r *Router) answer(ctx context.Context, ev transport.CallbackEvent, text string, alert bool) {
	if err := r.chat.Answer(ctx, ev.CallbackID, text, alert); err != nil {
		logErr("answer callback", err)
	}
}

func logErr(scope string, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "termgramd: router: %s: %v\n", scope, err)
}
