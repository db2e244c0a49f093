package router_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/g960059/termgram/internal/config"
	"github.com/g960059/termgram/internal/registry"
	"github.com/g960059/termgram/internal/render"
	"github.com/g960059/termgram/internal/router"
	"github.com/g960059/termgram/internal/scheduler"
	"github.com/g960059/termgram/internal/session"
	"github.com/g960059/termgram/internal/testutil"
	"github.com/g960059/termgram/internal/transport"
)

type fixture struct {
	cfg      config.Config
	host     *testutil.FakeHost
	chat     *testutil.FakeChat
	reg      *registry.Registry
	sched    *scheduler.Scheduler
	pipeline *render.Pipeline
	router   *router.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DrainInterval = 2 * time.Millisecond
	cfg.FirstPushDelay = 0
	cfg.PushCycle = 10 * time.Millisecond
	cfg.MinPushSpacing = 0
	cfg.ScratchDir = t.TempDir()

	host := testutil.NewFakeHost()
	chat := testutil.NewFakeChat()
	reg := registry.New(host, nil)
	pipeline := render.NewPipeline(cfg.ScratchDir, false)
	sched := scheduler.New(cfg, chat, pipeline)
	r := router.New(cfg, reg, sched, chat, pipeline)
	sched.SetHooks(r.NoteFirstPush, func(_ context.Context, sess *session.Session) {
		r.ClearInteractiveIf(sess)
	})
	return &fixture{cfg: cfg, host: host, chat: chat, reg: reg, sched: sched, pipeline: pipeline, router: r}
}

func (f *fixture) message(text string) transport.MessageEvent {
	return transport.MessageEvent{ChatID: 1, SenderID: 1, RequestID: 5, Text: text}
}

func (f *fixture) createSession(t *testing.T, proc *testutil.FakeProc, command string) *session.Session {
	t.Helper()
	f.host.Provide(proc)
	sess, err := f.reg.Create(context.Background(), command, 5)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPlainMessageSpawnsSession(t *testing.T) {
	f := newFixture(t)
	proc := testutil.NewFakeProc(401)
	proc.QueueOutput("total 0\n")
	f.host.Provide(proc)

	f.router.HandleMessage(context.Background(), f.message("ls -la"))

	if len(f.host.Commands) != 1 || f.host.Commands[0] != "ls -la" {
		t.Fatalf("spawned commands = %v", f.host.Commands)
	}
	waitFor(t, "first push", func() bool { return f.chat.SentCount() >= 1 })
}

func TestSpawnFailureReportsToChat(t *testing.T) {
	f := newFixture(t)
	f.host.SpawnErr = context.DeadlineExceeded

	f.router.HandleMessage(context.Background(), f.message("ls"))

	sent, ok := f.chat.LastSent()
	if !ok || !strings.Contains(sent.Message.Text, "spawn failed") {
		t.Fatalf("expected spawn failure reply, got %+v", sent)
	}
}

func TestInteractiveExclusivity(t *testing.T) {
	f := newFixture(t)
	a := f.createSession(t, testutil.NewFakeProc(410), "vim")
	b := f.createSession(t, testutil.NewFakeProc(411), "python3")

	f.router.SetInteractive(a)
	answer := f.router.SetInteractive(b)

	if a.Interactive() {
		t.Fatal("previous interactive session must be demoted")
	}
	if !b.Interactive() {
		t.Fatal("new interactive session must be promoted")
	}
	if !strings.Contains(answer, "411") {
		t.Fatalf("answer = %q, should name the session", answer)
	}
}

func TestMessageRoutedToInteractiveSession(t *testing.T) {
	f := newFixture(t)
	proc := testutil.NewFakeProc(412)
	sess := f.createSession(t, proc, "python3")
	f.router.SetInteractive(sess)

	f.router.HandleMessage(context.Background(), f.message("print(1)"))

	inputs := proc.Inputs()
	if len(inputs) != 1 || inputs[0] != "print(1)" {
		t.Fatalf("inputs = %v", inputs)
	}
	if len(f.host.Commands) != 1 {
		t.Fatal("interactive input must not spawn a session")
	}
}

func TestEscapePrefixBypassesCommandParsing(t *testing.T) {
	f := newFixture(t)
	proc := testutil.NewFakeProc(413)
	sess := f.createSession(t, proc, "bash")
	f.router.SetInteractive(sess)

	f.router.HandleMessage(context.Background(), f.message(`\/help`))

	inputs := proc.Inputs()
	if len(inputs) != 1 || inputs[0] != "/help" {
		t.Fatalf("inputs = %v, want the unescaped text", inputs)
	}
}

func TestInteractiveInputToFinishedSession(t *testing.T) {
	f := newFixture(t)
	proc := testutil.NewFakeProc(414)
	sess := f.createSession(t, proc, "bash")
	f.router.SetInteractive(sess)
	sess.Terminate()

	f.router.HandleMessage(context.Background(), f.message("ls"))

	sent, ok := f.chat.LastSent()
	if !ok || !strings.Contains(sent.Message.Text, "finished") {
		t.Fatalf("expected finished notice, got %+v", sent)
	}
	if sess.Interactive() {
		t.Fatal("finished session must lose interactive status")
	}
}

func TestCallbackForReapedSession(t *testing.T) {
	f := newFixture(t)
	f.router.HandleCallback(context.Background(), transport.CallbackEvent{
		ChatID: 1, SenderID: 1, MessageID: 77, CallbackID: "cb1", Data: "info&999",
	})

	if len(f.chat.Answers) != 1 || !strings.Contains(f.chat.Answers[0], "does not exist") {
		t.Fatalf("answers = %v", f.chat.Answers)
	}
	edit, ok := f.chat.LastEdit()
	if !ok || edit.MessageID != 77 || len(edit.Message.Buttons) != 0 {
		t.Fatalf("stale buttons should be stripped, got %+v", edit)
	}
}

func TestCallbackEnter(t *testing.T) {
	f := newFixture(t)
	proc := testutil.NewFakeProc(415)
	f.createSession(t, proc, "apt upgrade")

	f.router.HandleCallback(context.Background(), transport.CallbackEvent{
		ChatID: 1, SenderID: 1, CallbackID: "cb2", Data: "enter&415",
	})

	inputs := proc.Inputs()
	if len(inputs) != 1 || inputs[0] != "^m" {
		t.Fatalf("inputs = %v, want [^m]", inputs)
	}
	if len(f.chat.Answers) != 1 || !strings.Contains(f.chat.Answers[0], "Enter") {
		t.Fatalf("answers = %v", f.chat.Answers)
	}
}

func TestCallbackTerminate(t *testing.T) {
	f := newFixture(t)
	proc := testutil.NewFakeProc(416)
	sess := f.createSession(t, proc, "sleep 600")

	f.router.HandleCallback(context.Background(), transport.CallbackEvent{
		ChatID: 1, SenderID: 1, CallbackID: "cb3", Data: "terminate&416",
	})

	if sess.Running() {
		t.Fatal("terminate callback must finish the session")
	}
	if proc.Terminated != 1 {
		t.Fatalf("process terminated %d times, want 1", proc.Terminated)
	}
}

func TestCallbackInteractiveToggle(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, testutil.NewFakeProc(417), "bash")

	ev := transport.CallbackEvent{ChatID: 1, SenderID: 1, CallbackID: "cb4", Data: "interact&417"}
	f.router.HandleCallback(context.Background(), ev)
	if !sess.Interactive() {
		t.Fatal("first toggle must enter interactive mode")
	}
	f.router.HandleCallback(context.Background(), ev)
	if sess.Interactive() {
		t.Fatal("second toggle must leave interactive mode")
	}
}

func TestCallbackHTMLSendsArtifact(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, testutil.NewFakeProc(418), "ls")

	f.router.HandleCallback(context.Background(), transport.CallbackEvent{
		ChatID: 1, SenderID: 1, CallbackID: "cb5", Data: "html&418",
	})

	if len(f.chat.Files) != 1 || !strings.HasSuffix(f.chat.Files[0], "418.html") {
		t.Fatalf("files = %v", f.chat.Files)
	}
}

func TestBotCommands(t *testing.T) {
	f := newFixture(t)
	f.pipeline.SetEnabled(true)

	f.router.HandleMessage(context.Background(), f.message("/image_off"))
	if f.pipeline.Enabled() {
		t.Fatal("/image_off must disable rendering")
	}
	f.router.HandleMessage(context.Background(), f.message("/image_on"))
	if !f.pipeline.Enabled() {
		t.Fatal("/image_on must enable rendering")
	}

	f.router.HandleMessage(context.Background(), f.message("/interactive_mode"))
	sent, _ := f.chat.LastSent()
	if !strings.Contains(sent.Message.Text, "select a session manually") {
		t.Fatalf("no-last-session reply = %q", sent.Message.Text)
	}

	sess := f.createSession(t, testutil.NewFakeProc(419), "bash")
	f.router.NoteFirstPush(sess)
	f.router.HandleMessage(context.Background(), f.message("/interactive_mode"))
	if !sess.Interactive() {
		t.Fatal("/interactive_mode must target the last pushed session")
	}

	f.router.HandleMessage(context.Background(), f.message("/normal_mode"))
	if sess.Interactive() {
		t.Fatal("/normal_mode must clear interactive status")
	}

	f.router.HandleMessage(context.Background(), f.message("/bogus"))
	sent, _ = f.chat.LastSent()
	if !strings.Contains(sent.Message.Text, "unknown command") {
		t.Fatalf("unknown command reply = %q", sent.Message.Text)
	}
}

func TestAdminGuard(t *testing.T) {
	f := newFixture(t)
	f.cfg.Admins = []int64{42}
	f.router = router.New(f.cfg, f.reg, f.sched, f.chat, f.pipeline)

	f.router.HandleMessage(context.Background(), transport.MessageEvent{ChatID: 1, SenderID: 7, Text: "rm -rf /"})
	if len(f.host.Commands) != 0 {
		t.Fatal("unauthorized sender must not spawn sessions")
	}

	sess := f.createSession(t, testutil.NewFakeProc(420), "bash")
	f.router.HandleCallback(context.Background(), transport.CallbackEvent{
		ChatID: 1, SenderID: 7, CallbackID: "cb6", Data: "terminate&420",
	})
	if !sess.Running() {
		t.Fatal("unauthorized callback must be ignored")
	}

	f.router.HandleMessage(context.Background(), transport.MessageEvent{ChatID: 1, SenderID: 42, Text: "ls"})
	if len(f.host.Commands) != 2 {
		t.Fatalf("admin sender must spawn, commands = %v", f.host.Commands)
	}
}

func TestMalformedCallbackIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.router.HandleCallback(context.Background(), transport.CallbackEvent{
		ChatID: 1, SenderID: 1, CallbackID: "cb7", Data: "garbage",
	})
	if len(f.chat.Answers) != 0 || f.chat.EditCount() != 0 {
		t.Fatal("malformed callback must be dropped silently")
	}
}
