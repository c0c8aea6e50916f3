// Package dispatch turns host text commands from the command topic into
// station actions. It runs only while the transport is connected, which in
// practice means only in the leader tab.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Actions is what an accepted command can do. The station implements it.
type Actions interface {
	SelectEvent(ctx context.Context, ordinal int) error
	ActivateStage(ctx context.Context, stageID string) error
	StartGrab(ctx context.Context) error
	JumpToQuestion(ctx context.Context, index int) error
}

// Notifier surfaces transient notices to the contestant UI.
type Notifier interface {
	Notify(message string)
}

// Kind classifies accepted commands.
type Kind string

const (
	KindSelectEvent   Kind = "select-event"
	KindActivateStage Kind = "activate-stage"
	KindStartGrab     Kind = "start-grab"
	KindJumpQuestion  Kind = "jump-question"
)

// Command is one accepted host command.
type Command struct {
	Raw        string    `json:"raw"`
	Kind       Kind      `json:"kind"`
	Ordinal    int       `json:"ordinal,omitempty"` // event ordinal or question index, zero-based
	StageID    string    `json:"stageId,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

const historyCapacity = 30

var (
	raceRe  = regexp.MustCompile(`^race-([0-9]+)$`)
	jumpRe  = regexp.MustCompile(`^(?:q|question-)?([0-9]+)$`)
	stageRe = regexp.MustCompile(`^([a-z0-9_-]+)-start$`)
)

// Parse classifies a raw host command. Unrecognized input returns ok=false;
// the caller logs it and moves on.
func Parse(raw string) (Command, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return Command{}, false
	}
	cmd := Command{Raw: raw}

	if s == "start" {
		cmd.Kind = KindStartGrab
		return cmd, true
	}
	if m := raceRe.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			return Command{}, false
		}
		cmd.Kind = KindSelectEvent
		cmd.Ordinal = n - 1
		return cmd, true
	}
	if m := jumpRe.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			return Command{}, false
		}
		cmd.Kind = KindJumpQuestion
		cmd.Ordinal = n - 1
		return cmd, true
	}
	if m := stageRe.FindStringSubmatch(s); m != nil {
		cmd.Kind = KindActivateStage
		cmd.StageID = m[1]
		return cmd, true
	}
	return Command{}, false
}

// Dispatcher parses and executes host commands. Every accepted command is
// recorded in a bounded history before dispatch, even if dispatch fails; the
// command loop never stops on a failure.
type Dispatcher struct {
	actions  Actions
	notifier Notifier
	clock    func() time.Time

	mu      sync.Mutex
	history []Command
}

func New(actions Actions, notifier Notifier) *Dispatcher {
	return &Dispatcher{
		actions:  actions,
		notifier: notifier,
		clock:    time.Now,
	}
}

// Handle processes one raw command string from the command topic.
func (d *Dispatcher) Handle(ctx context.Context, raw string) {
	cmd, ok := Parse(raw)
	if !ok {
		log.Printf("dispatch: ignoring command %q", strings.TrimSpace(raw))
		return
	}
	cmd.ReceivedAt = d.clock()
	d.record(cmd)

	if err := d.execute(ctx, cmd); err != nil {
		log.Printf("dispatch: command %q failed: %v", cmd.Raw, err)
		if d.notifier != nil {
			d.notifier.Notify(fmt.Sprintf("command %q failed: %v", strings.TrimSpace(cmd.Raw), err))
		}
	}
}

// execute runs the action, converting panics into errors so a bad handler
// cannot kill the command loop.
func (d *Dispatcher) execute(ctx context.Context, cmd Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	switch cmd.Kind {
	case KindSelectEvent:
		return d.actions.SelectEvent(ctx, cmd.Ordinal)
	case KindActivateStage:
		return d.actions.ActivateStage(ctx, cmd.StageID)
	case KindStartGrab:
		return d.actions.StartGrab(ctx)
	case KindJumpQuestion:
		return d.actions.JumpToQuestion(ctx, cmd.Ordinal)
	default:
		return fmt.Errorf("unknown command kind %q", cmd.Kind)
	}
}

func (d *Dispatcher) record(cmd Command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, cmd)
	if len(d.history) > historyCapacity {
		d.history = d.history[len(d.history)-historyCapacity:]
	}
}

// History returns a copy of the accepted-command history, oldest first.
func (d *Dispatcher) History() []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Command, len(d.history))
	copy(out, d.history)
	return out
}
