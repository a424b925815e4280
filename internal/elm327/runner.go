package elm327

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chaz8081/elm327-ble/internal/elm327/protocol"
)

// ErrStopped is returned by requests made after Run has returned.
var ErrStopped = errors.New("elm327: runner stopped")

// TickResolution is how often the runner ticks the engine.
const TickResolution = 50 * time.Millisecond

type eventKind uint8

const (
	evLinkUp eventKind = iota
	evSubscribed
	evLinkDown
	evNotify
	evConnect
	evDisconnect
	evCustom
)

type event struct {
	kind  eventKind
	data  []byte
	cmd   protocol.Command
	reply chan error
}

// Runner owns an Engine and serializes every call into it on one
// goroutine. Its link methods are meant to be called from transport
// callbacks; they only post events.
type Runner struct {
	engine *Engine
	events chan event
	done   chan struct{}
	tick   time.Duration
	now    func() time.Time
}

// NewRunner wraps e. Nothing happens until Run is called.
func NewRunner(e *Engine) *Runner {
	return &Runner{
		engine: e,
		events: make(chan event, 64),
		done:   make(chan struct{}),
		tick:   TickResolution,
		now:    time.Now,
	}
}

// Engine returns the wrapped engine. Only its concurrency-safe methods may
// be used while Run is active.
func (r *Runner) Engine() *Engine {
	return r.engine
}

// Run drives the engine until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.done)
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	slog.Info("[ELM] runner started", "interval", r.engine.opts.RequestInterval, "timeout", r.engine.opts.RequestTimeout)
	for {
		select {
		case <-ctx.Done():
			slog.Info("[ELM] runner stopped")
			return nil
		case <-ticker.C:
			r.engine.Tick(r.now())
		case ev := <-r.events:
			r.handle(ev)
		}
	}
}

func (r *Runner) handle(ev event) {
	now := r.now()
	switch ev.kind {
	case evLinkUp:
		r.engine.LinkUp(now)
	case evSubscribed:
		r.engine.Subscribed(now)
	case evLinkDown:
		r.engine.LinkDown(now)
	case evNotify:
		r.engine.Notify(now, ev.data)
	case evConnect:
		r.engine.RequestConnect(now)
	case evDisconnect:
		r.engine.RequestDisconnect(now)
	case evCustom:
		ev.reply <- r.engine.SendCustom(ev.cmd)
	}
}

// post hands ev to the run loop. It blocks while the queue is full so
// notification bytes are never dropped, and gives up once Run has exited.
func (r *Runner) post(ev event) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.done:
		return false
	}
}

// LinkUp reports a connected link.
func (r *Runner) LinkUp() { r.post(event{kind: evLinkUp}) }

// Subscribed reports that notifications are enabled on the RX characteristic.
func (r *Runner) Subscribed() { r.post(event{kind: evSubscribed}) }

// LinkDown reports a lost link.
func (r *Runner) LinkDown(err error) {
	if err != nil {
		slog.Debug("[ELM] link down cause", "error", err)
	}
	r.post(event{kind: evLinkDown})
}

// Notify delivers bytes from the RX characteristic. The slice is copied.
func (r *Runner) Notify(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	r.post(event{kind: evNotify, data: buf})
}

// RequestConnect turns the connection switch on.
func (r *Runner) RequestConnect() { r.post(event{kind: evConnect}) }

// RequestDisconnect turns the connection switch off.
func (r *Runner) RequestDisconnect() { r.post(event{kind: evDisconnect}) }

// SetEnabled sets the connection switch.
func (r *Runner) SetEnabled(on bool) {
	if on {
		r.RequestConnect()
	} else {
		r.RequestDisconnect()
	}
}

// IsConnected reports whether the BLE link is up.
func (r *Runner) IsConnected() bool { return r.engine.IsConnected() }

// State returns the engine connection state.
func (r *Runner) State() State { return r.engine.State() }

// SendCustom queues a literal command, e.g. "ATDP" or "22 F1 90", to be
// sent ahead of the polling cycle. The reply is published to the raw
// response points.
func (r *Runner) SendCustom(ctx context.Context, text string) error {
	cmd, err := ParseCustom(text)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	select {
	case r.events <- event{kind: evCustom, cmd: cmd, reply: reply}:
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ParseCustom builds a command from free text. Text starting with AT is an
// adapter command; anything else is sent as a raw vehicle request.
func ParseCustom(text string) (protocol.Command, error) {
	cmd := protocol.NewATCommand(text)
	if cmd.Text == "" {
		return protocol.Command{}, errors.New("elm327: empty command")
	}
	for _, c := range cmd.Text {
		if c < 0x20 || c > 0x7E || c == '>' {
			return protocol.Command{}, fmt.Errorf("elm327: invalid character %q in command", c)
		}
	}
	if len(cmd.Text) >= 2 && strings.EqualFold(cmd.Text[:2], "AT") {
		return cmd, nil
	}
	return protocol.NewRawCommand(0, 0, "", cmd.Text), nil
}
