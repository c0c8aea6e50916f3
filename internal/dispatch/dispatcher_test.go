package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"contest-station-client/internal/dispatch"
)

func TestParse(t *testing.T) {
	cases := []struct {
		raw     string
		ok      bool
		kind    dispatch.Kind
		ordinal int
		stageID string
	}{
		{raw: "race-1", ok: true, kind: dispatch.KindSelectEvent, ordinal: 0},
		{raw: "race-12", ok: true, kind: dispatch.KindSelectEvent, ordinal: 11},
		{raw: "  RACE-3  ", ok: true, kind: dispatch.KindSelectEvent, ordinal: 2},
		{raw: "race-0", ok: false},
		{raw: "race-", ok: false},
		{raw: "semifinal-start", ok: true, kind: dispatch.KindActivateStage, stageID: "semifinal"},
		{raw: "round_2-start", ok: true, kind: dispatch.KindActivateStage, stageID: "round_2"},
		{raw: "start", ok: true, kind: dispatch.KindStartGrab},
		{raw: "7", ok: true, kind: dispatch.KindJumpQuestion, ordinal: 6},
		{raw: "q7", ok: true, kind: dispatch.KindJumpQuestion, ordinal: 6},
		{raw: "question-7", ok: true, kind: dispatch.KindJumpQuestion, ordinal: 6},
		{raw: "q0", ok: false},
		{raw: "0", ok: false},
		{raw: "", ok: false},
		{raw: "   ", ok: false},
		{raw: "gibberish!", ok: false},
		{raw: "question-", ok: false},
	}

	for _, tc := range cases {
		cmd, ok := dispatch.Parse(tc.raw)
		if ok != tc.ok {
			t.Fatalf("Parse(%q): ok=%v, want %v", tc.raw, ok, tc.ok)
		}
		if !ok {
			continue
		}
		if cmd.Kind != tc.kind {
			t.Fatalf("Parse(%q): kind=%s, want %s", tc.raw, cmd.Kind, tc.kind)
		}
		if cmd.Ordinal != tc.ordinal {
			t.Fatalf("Parse(%q): ordinal=%d, want %d", tc.raw, cmd.Ordinal, tc.ordinal)
		}
		if cmd.StageID != tc.stageID {
			t.Fatalf("Parse(%q): stageID=%q, want %q", tc.raw, cmd.StageID, tc.stageID)
		}
	}
}

// stageStartVsJump: a numeric suffix before "-start" must read as a stage id,
// not a jump.
func TestParseStageIDWithDigits(t *testing.T) {
	cmd, ok := dispatch.Parse("stage3-start")
	if !ok || cmd.Kind != dispatch.KindActivateStage || cmd.StageID != "stage3" {
		t.Fatalf("got %+v ok=%v", cmd, ok)
	}
}

type fakeActions struct {
	mu       sync.Mutex
	events   []int
	stages   []string
	grabs    int
	jumps    []int
	failWith error
	panics   bool
}

func (f *fakeActions) SelectEvent(_ context.Context, ordinal int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ordinal)
	return f.failWith
}

func (f *fakeActions) ActivateStage(_ context.Context, stageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("boom")
	}
	f.stages = append(f.stages, stageID)
	return f.failWith
}

func (f *fakeActions) StartGrab(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grabs++
	return f.failWith
}

func (f *fakeActions) JumpToQuestion(_ context.Context, index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jumps = append(f.jumps, index)
	return f.failWith
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) Notify(message string) {
	n.mu.Lock()
	n.messages = append(n.messages, message)
	n.mu.Unlock()
}

func TestHandleDispatchesAcceptedCommands(t *testing.T) {
	actions := &fakeActions{}
	d := dispatch.New(actions, &fakeNotifier{})
	ctx := context.Background()

	d.Handle(ctx, "race-2")
	d.Handle(ctx, "semifinal-start")
	d.Handle(ctx, "start")
	d.Handle(ctx, "q5")
	d.Handle(ctx, "not-a-command!!")

	if len(actions.events) != 1 || actions.events[0] != 1 {
		t.Fatalf("events: %v", actions.events)
	}
	if len(actions.stages) != 1 || actions.stages[0] != "semifinal" {
		t.Fatalf("stages: %v", actions.stages)
	}
	if actions.grabs != 1 {
		t.Fatalf("grabs: %d", actions.grabs)
	}
	if len(actions.jumps) != 1 || actions.jumps[0] != 4 {
		t.Fatalf("jumps: %v", actions.jumps)
	}
	if got := len(d.History()); got != 4 {
		t.Fatalf("history length %d, want 4 (unrecognized input excluded)", got)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	d := dispatch.New(&fakeActions{}, nil)
	ctx := context.Background()

	for i := 1; i <= 40; i++ {
		d.Handle(ctx, fmt.Sprintf("race-%d", i))
	}
	hist := d.History()
	if len(hist) != 30 {
		t.Fatalf("history length %d, want 30", len(hist))
	}
	if hist[0].Raw != "race-11" || hist[len(hist)-1].Raw != "race-40" {
		t.Fatalf("expected oldest race-11 and newest race-40, got %q .. %q", hist[0].Raw, hist[len(hist)-1].Raw)
	}
}

func TestFailedCommandStaysInHistory(t *testing.T) {
	actions := &fakeActions{failWith: errors.New("no such event")}
	notifier := &fakeNotifier{}
	d := dispatch.New(actions, notifier)

	d.Handle(context.Background(), "race-9")

	if len(d.History()) != 1 {
		t.Fatalf("failed command missing from history")
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.messages) != 1 {
		t.Fatalf("expected one notice, got %v", notifier.messages)
	}
}

func TestPanicDoesNotKillDispatcher(t *testing.T) {
	actions := &fakeActions{panics: true}
	d := dispatch.New(actions, &fakeNotifier{})
	ctx := context.Background()

	d.Handle(ctx, "final-start") // panics inside the action
	d.Handle(ctx, "start")       // must still work

	if actions.grabs != 1 {
		t.Fatalf("dispatcher stopped after a panicking action")
	}
	if len(d.History()) != 2 {
		t.Fatalf("history length %d, want 2", len(d.History()))
	}
}
