package session_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/g960059/termgram/internal/session"
	"github.com/g960059/termgram/internal/testutil"
)

func spawn(t *testing.T, proc *testutil.FakeProc, command string) *session.Session {
	t.Helper()
	host := testutil.NewFakeHost()
	host.Provide(proc)
	sess, err := session.Spawn(host, command, 11)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	return sess
}

func TestDrainAccumulatesFullOutput(t *testing.T) {
	proc := testutil.NewFakeProc(101)
	sess := spawn(t, proc, "ls -la")

	proc.QueueOutput("first ")
	sess.DrainOnce()
	proc.QueueOutput("second")
	sess.DrainOnce()

	if got := sess.FullOutput(); got != "first second" {
		t.Fatalf("FullOutput = %q, want %q", got, "first second")
	}
	if !sess.Running() {
		t.Fatal("session should still be running")
	}
}

func TestDrainEndOfStreamMarksDone(t *testing.T) {
	proc := testutil.NewFakeProc(102)
	sess := spawn(t, proc, "true")

	proc.QueueOutput("done\n")
	proc.CloseOutput()
	sess.DrainOnce()
	if !sess.Running() {
		t.Fatal("queued output must drain before end of stream")
	}
	sess.DrainOnce()
	if sess.Running() {
		t.Fatal("end of stream should finish the session")
	}
	if sess.WasTerminated() {
		t.Fatal("natural end of stream is not a termination")
	}
	if _, ok := sess.DoneAt(); !ok {
		t.Fatal("DoneAt should report a finish time")
	}
}

func TestDrainAfterDoneIsNoop(t *testing.T) {
	proc := testutil.NewFakeProc(103)
	sess := spawn(t, proc, "true")
	proc.CloseOutput()
	sess.DrainOnce()

	before, _ := sess.DoneAt()
	proc.QueueOutput("late data")
	sess.DrainOnce()
	if sess.FullOutput() != "" {
		t.Fatal("finished session must not ingest more output")
	}
	after, _ := sess.DoneAt()
	if !before.Equal(after) {
		t.Fatal("done time must not move")
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	proc := testutil.NewFakeProc(104)
	sess := spawn(t, proc, "sleep 100")

	sess.Terminate()
	first, _ := sess.DoneAt()
	sess.Terminate()
	second, _ := sess.DoneAt()

	if proc.Terminated != 1 {
		t.Fatalf("process terminated %d times, want 1", proc.Terminated)
	}
	if !first.Equal(second) {
		t.Fatal("repeat terminate must not move the done time")
	}
	if !sess.WasTerminated() {
		t.Fatal("terminated flag must be set")
	}
}

func TestPushInputControlCode(t *testing.T) {
	proc := testutil.NewFakeProc(105)
	sess := spawn(t, proc, "cat")

	if err := sess.PushInput("^c"); err != nil {
		t.Fatalf("push ^c: %v", err)
	}
	got := proc.Inputs()
	if len(got) != 1 || got[0] != "^c" {
		t.Fatalf("inputs = %v, want [^c]", got)
	}
}

func TestPushInputSplitsLinesWithoutTrailingEnter(t *testing.T) {
	proc := testutil.NewFakeProc(106)
	sess := spawn(t, proc, "bash")

	if err := sess.PushInput("ls\npwd"); err != nil {
		t.Fatalf("push input: %v", err)
	}
	got := proc.Inputs()
	want := []string{"ls", "^m", "pwd"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("inputs = %v, want %v", got, want)
	}
}

func TestPushInputEmptyLineIsEnter(t *testing.T) {
	proc := testutil.NewFakeProc(107)
	sess := spawn(t, proc, "bash")

	if err := sess.PushInput(""); err != nil {
		t.Fatalf("push input: %v", err)
	}
	got := proc.Inputs()
	if len(got) != 1 || got[0] != "^m" {
		t.Fatalf("inputs = %v, want [^m]", got)
	}
}

func TestPushInputAfterDone(t *testing.T) {
	proc := testutil.NewFakeProc(108)
	sess := spawn(t, proc, "true")
	sess.Terminate()

	if err := sess.PushInput("x"); !errors.Is(err, session.ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestComputeButtonsRunningAndDone(t *testing.T) {
	proc := testutil.NewFakeProc(109)
	sess := spawn(t, proc, "sleep 5")

	buttons, changed := sess.ComputeButtons()
	if len(buttons) != 5 {
		t.Fatalf("running button set has %d buttons, want 5", len(buttons))
	}
	if !changed {
		t.Fatal("first computation must report change")
	}
	if _, changed = sess.ComputeButtons(); changed {
		t.Fatal("unchanged state must not report change")
	}

	sess.SetInteractive(true)
	buttons, changed = sess.ComputeButtons()
	if !changed {
		t.Fatal("interactive toggle must change the button set")
	}
	if buttons[2].Label != "Exit interactive mode" {
		t.Fatalf("interactive label = %q", buttons[2].Label)
	}

	sess.Terminate()
	buttons, changed = sess.ComputeButtons()
	if len(buttons) != 2 {
		t.Fatalf("done button set has %d buttons, want 2", len(buttons))
	}
	if !changed {
		t.Fatal("done transition must change the button set")
	}
}

func TestHasNewStateGate(t *testing.T) {
	proc := testutil.NewFakeProc(110)
	sess := spawn(t, proc, "echo hi")

	if sess.HasNewState(false, "") {
		t.Fatal("no buttons change and blank candidate must not push")
	}
	if !sess.HasNewState(false, "hi\n") {
		t.Fatal("fresh output must push")
	}
	sess.MarkPushed("hi\n")
	if sess.HasNewState(false, "hi\n") {
		t.Fatal("identical snapshot must not push twice")
	}
	if !sess.HasNewState(true, "hi\n") {
		t.Fatal("buttons change alone must push")
	}
}

func TestBindMessageHandleOnce(t *testing.T) {
	proc := testutil.NewFakeProc(111)
	sess := spawn(t, proc, "echo hi")

	if sess.MessageHandle() != 0 {
		t.Fatal("handle must start at zero")
	}
	sess.BindMessageHandle(42)
	sess.BindMessageHandle(99)
	if sess.MessageHandle() != 42 {
		t.Fatalf("handle = %d, want first binding 42", sess.MessageHandle())
	}
}

func TestDescribeMentionsStatus(t *testing.T) {
	proc := testutil.NewFakeProc(112)
	sess := spawn(t, proc, "sleep 5")

	if info := sess.Describe(); !strings.Contains(info, "Running") {
		t.Fatalf("running info = %q", info)
	}
	sess.Terminate()
	if info := sess.Describe(); !strings.Contains(info, "Terminated") {
		t.Fatalf("terminated info = %q", info)
	}
}
