package elm327

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chaz8081/elm327-ble/internal/elm327/protocol"
	"github.com/chaz8081/elm327-ble/internal/point"
)

// ErrCustomPending is returned when a custom command is already queued.
var ErrCustomPending = errors.New("elm327: custom command already pending")

// ErrNotConnected is returned for requests that need a live adapter.
var ErrNotConnected = errors.New("elm327: adapter not connected")

type purpose uint8

const (
	purposeInit purpose = iota
	purposeHeader
	purposePoll
	purposeCustom
)

// request is the one command allowed on the wire at a time.
type request struct {
	purpose  purpose
	cmd      protocol.Command // the data command, also for header steps
	header   string           // header being selected by a header step
	custom   bool             // cmd came from SendCustom
	slot     int              // slot index for polls
	sent     time.Time
	deadline time.Time
}

// Engine is the ELM327 protocol engine. See the package doc for the
// threading contract.
type Engine struct {
	opts      Options
	transport Transport
	pub       point.Publisher
	obs       Observer

	state         State
	stateView     atomic.Uint32
	connected     atomic.Bool
	wantConnected bool
	subscribed    bool

	framer *protocol.Framer
	out    *request
	header string // selected CAN header, "" when unknown

	slots        []*slot
	slotIndex    map[protocol.Command]int
	cursor       int
	lastDispatch time.Time
	dispatched   bool
	custom       *protocol.Command

	initStep    int
	initAttempt int
	initRetryAt time.Time

	connectedTargets []point.Handle
	runningTargets   []point.Handle
	rawTargets       []point.Handle
	switchTargets    []point.Handle

	rpmSlot      int
	lastRPM      float64
	lastRPMAt    time.Time
	running      bool
	runningKnown bool
}

// New returns an engine in the Disconnected state with no registrations.
// A nil observer is replaced by a no-op.
func New(t Transport, pub point.Publisher, opts Options, obs Observer) *Engine {
	if obs == nil {
		obs = nopObserver{}
	}
	opts = opts.withDefaults()
	return &Engine{
		opts:          opts,
		transport:     t,
		pub:           pub,
		obs:           obs,
		wantConnected: true,
		framer:        protocol.NewFramer(opts.BufferBytes),
		slotIndex:     make(map[protocol.Command]int),
		rpmSlot:       -1,
	}
}

// Options returns the effective options.
func (e *Engine) Options() Options {
	return e.opts
}

// State returns the connection state. Safe for concurrent use.
func (e *Engine) State() State {
	return State(e.stateView.Load())
}

// IsConnected reports whether the BLE link is up. Safe for concurrent use.
func (e *Engine) IsConnected() bool {
	return e.connected.Load()
}

// Enabled reports whether the connection switch is on.
func (e *Engine) Enabled() bool {
	return e.wantConnected
}

// Outstanding returns the command on the wire, if any.
func (e *Engine) Outstanding() (protocol.Command, bool) {
	if e.out == nil {
		return protocol.Command{}, false
	}
	return e.out.cmd, true
}

func (e *Engine) setState(s State) {
	if s == e.state {
		return
	}
	from := e.state
	e.state = s
	e.stateView.Store(uint32(s))
	slog.Debug("[ELM] state", "from", from.String(), "to", s.String())
	e.obs.StateChanged(from, s)
}

func (e *Engine) publishAll(targets []point.Handle, v point.Value) {
	for _, h := range targets {
		e.pub.Publish(h, v)
	}
}

func (e *Engine) setConnected(up bool) {
	e.connected.Store(up)
	e.publishAll(e.connectedTargets, point.Flag(up))
}

// clearSession drops everything tied to the current adapter session.
func (e *Engine) clearSession() {
	e.out = nil
	e.custom = nil
	e.framer.Reset()
	e.header = ""
	e.subscribed = false
	e.initStep = 0
	e.initAttempt = 0
	e.initRetryAt = time.Time{}
	e.dispatched = false
}

// LinkUp handles the transport reporting a connected link.
func (e *Engine) LinkUp(now time.Time) {
	slog.Info("[ELM] link up")
	e.clearSession()
	e.setConnected(true)
	e.setState(StateConnecting)
}

// Subscribed handles the transport reporting that the TX and RX
// characteristics are resolved and notifications are on. Initialization
// starts here.
func (e *Engine) Subscribed(now time.Time) {
	if e.state != StateConnecting {
		slog.Debug("[ELM] subscribed outside connecting", "state", e.state.String())
		return
	}
	e.subscribed = true
	e.startInit(now)
}

// LinkDown handles loss of the link from any state. In-flight work is
// discarded; published values are left as they are.
func (e *Engine) LinkDown(now time.Time) {
	if e.out != nil {
		slog.Info("[ELM] link down with command outstanding", "command", e.out.cmd.String())
	} else {
		slog.Info("[ELM] link down")
	}
	e.clearSession()
	e.setConnected(false)
	e.setState(StateDisconnected)
	e.publishAll(e.switchTargets, point.Flag(e.wantConnected))
}

// RequestConnect turns the connection switch on and asks the transport to
// bring the link up.
func (e *Engine) RequestConnect(now time.Time) {
	e.wantConnected = true
	e.publishAll(e.switchTargets, point.Flag(true))
	if e.state != StateDisconnected {
		return
	}
	if err := e.transport.Connect(); err != nil {
		slog.Warn("[ELM] connect request failed", "error", err)
	}
	e.setState(StateConnecting)
}

// RequestDisconnect turns the connection switch off, abandons any
// outstanding command and asks the transport to tear the link down.
func (e *Engine) RequestDisconnect(now time.Time) {
	e.wantConnected = false
	e.publishAll(e.switchTargets, point.Flag(false))
	e.clearSession()
	e.setState(StateDisconnected)
	if err := e.transport.Disconnect(); err != nil {
		slog.Warn("[ELM] disconnect request failed", "error", err)
	}
}

// SendCustom queues cmd to be sent at the next free dispatch, ahead of the
// polling cycle. Its reply goes to the raw response points. Only one
// custom command may wait at a time.
func (e *Engine) SendCustom(cmd protocol.Command) error {
	if e.state != StateReady && e.state != StateAwaitingResponse {
		return ErrNotConnected
	}
	if e.custom != nil {
		return ErrCustomPending
	}
	e.custom = &cmd
	slog.Info("[ELM] custom command queued", "command", cmd.String())
	return nil
}

// Tick advances timers: it expires the outstanding deadline, retries a
// failed init when due, dispatches the next poll when the interval has
// passed and refreshes the engine-running flag.
func (e *Engine) Tick(now time.Time) {
	expired := e.out != nil && !now.Before(e.out.deadline)
	if expired {
		e.expire(now)
	}
	switch e.state {
	case StateConnecting:
		if e.subscribed && !e.initRetryAt.IsZero() && !now.Before(e.initRetryAt) {
			e.startInit(now)
		}
	case StateReady:
		if e.out == nil && !expired && e.due(now) {
			e.dispatchNext(now)
		}
	}
	e.updateRunning(now)
}

func (e *Engine) due(now time.Time) bool {
	return !e.dispatched || now.Sub(e.lastDispatch) >= e.opts.RequestInterval
}

// Notify feeds bytes received from the adapter.
func (e *Engine) Notify(now time.Time, data []byte) {
	for _, r := range e.framer.Feed(data) {
		e.handleResponse(now, r)
	}
}

// write arms the framer and puts one command on the wire.
func (e *Engine) write(now time.Time, req *request, wire []byte, timeout time.Duration) error {
	e.framer.Expect(string(wire[:len(wire)-1]))
	if err := e.transport.Write(wire); err != nil {
		e.framer.Reset()
		return err
	}
	req.sent = now
	req.deadline = now.Add(timeout)
	e.out = req
	return nil
}

// dispatchNext sends the pending custom command or the next slot.
func (e *Engine) dispatchNext(now time.Time) {
	req := &request{purpose: purposePoll}
	switch {
	case e.custom != nil:
		req.purpose = purposeCustom
		req.cmd = *e.custom
		req.custom = true
		e.custom = nil
	case len(e.slots) > 0:
		req.slot = e.cursor
		req.cmd = e.slots[e.cursor].cmd
	default:
		return
	}
	e.lastDispatch = now
	e.dispatched = true

	if want, ok := e.headerFor(req.cmd); ok {
		step := &request{purpose: purposeHeader, cmd: req.cmd, header: want, custom: req.custom, slot: req.slot}
		if err := e.write(now, step, protocol.EncodeHeader(want), e.opts.RequestTimeout); err != nil {
			e.header = ""
			e.writeFailed(now, req, err)
			return
		}
		slog.Debug("[ELM] >> header", "header", want, "for", req.cmd.String())
		e.setState(StateAwaitingResponse)
		return
	}
	e.send(now, req)
}

// headerFor returns the header to select before cmd, if it differs from
// the current one. Headerless vehicle requests go to the broadcast header.
func (e *Engine) headerFor(cmd protocol.Command) (string, bool) {
	if cmd.Kind == protocol.KindAT {
		return "", false
	}
	want := cmd.Header
	if want == "" {
		want = protocol.DefaultHeader
	}
	return want, want != e.header
}

func (e *Engine) send(now time.Time, req *request) {
	if err := e.write(now, req, req.cmd.Encode(), e.opts.RequestTimeout); err != nil {
		e.writeFailed(now, req, err)
		return
	}
	slog.Debug("[ELM] >>", "command", req.cmd.String())
	e.obs.CommandSent(req.cmd)
	e.setState(StateAwaitingResponse)
}

func (e *Engine) writeFailed(now time.Time, req *request, err error) {
	slog.Warn("[ELM] write failed", "command", req.cmd.String(), "error", err)
	e.obs.DecodeFailed(req.cmd, err)
	e.finish(req)
}

// finish closes a poll or custom exchange and returns to Ready.
func (e *Engine) finish(req *request) {
	e.out = nil
	if !req.custom && len(e.slots) > 0 {
		e.cursor = (req.slot + 1) % len(e.slots)
	}
	if e.state == StateAwaitingResponse || e.state == StateReady {
		e.setState(StateReady)
	}
}

func (e *Engine) expire(now time.Time) {
	req := e.out
	e.out = nil
	e.framer.Reset()
	e.obs.Timeout(req.cmd)

	switch req.purpose {
	case purposeInit:
		slog.Warn("[ELM] init step timed out", "command", req.cmd.String())
		e.initFailed(now)
	case purposeHeader:
		slog.Warn("[ELM] header step timed out", "header", req.header)
		e.header = ""
		e.obs.DecodeFailed(req.cmd, protocol.ErrNoData)
		e.finish(req)
		e.settle(now)
	default:
		slog.Warn("[ELM] timeout", "command", req.cmd.String(), "after", now.Sub(req.sent))
		e.obs.DecodeFailed(req.cmd, protocol.ErrNoData)
		e.finish(req)
		e.settle(now)
	}
}

// settle holds the next dispatch back a full interval after a timeout so
// a late reply lands while nothing is outstanding and is dropped.
func (e *Engine) settle(now time.Time) {
	e.lastDispatch = now
	e.dispatched = true
}

func (e *Engine) handleResponse(now time.Time, r protocol.Response) {
	if r.Truncated {
		slog.Warn("[ELM] response truncated")
		e.obs.Truncated()
	}
	if len(e.rawTargets) > 0 && len(r.Lines) > 0 {
		e.publishAll(e.rawTargets, point.Text(r.Compact()))
	}

	req := e.out
	if req == nil {
		slog.Debug("[ELM] unsolicited response", "text", r.Compact())
		return
	}
	e.out = nil
	slog.Debug("[ELM] <<", "command", req.cmd.String(), "text", r.Compact())

	switch req.purpose {
	case purposeInit:
		e.initResponse(now, r)
	case purposeHeader:
		e.headerResponse(now, req, r)
	default:
		e.obs.ResponseReceived(req.cmd, now.Sub(req.sent))
		if st := r.Status(); st.AdapterError() {
			slog.Warn("[ELM] adapter error", "command", req.cmd.String(), "status", st.String())
			e.obs.AdapterError(req.cmd, st)
		}
		if req.purpose == purposePoll {
			e.dispatch(now, e.slots[req.slot], r)
		}
		e.finish(req)
	}
}

func (e *Engine) headerResponse(now time.Time, req *request, r protocol.Response) {
	if st := r.Status(); st != protocol.StatusOK {
		slog.Warn("[ELM] header rejected", "header", req.header, "status", st.String())
		if st.AdapterError() {
			e.obs.AdapterError(protocol.NewATCommand("ATSH"+req.header), st)
		}
		e.header = ""
		e.obs.DecodeFailed(req.cmd, st.Err())
		e.finish(req)
		return
	}
	e.header = req.header
	next := &request{purpose: purposePoll, cmd: req.cmd, custom: req.custom, slot: req.slot}
	if req.custom {
		next.purpose = purposeCustom
	}
	e.send(now, next)
}

// dispatch feeds one reply to every registration of the slot. Each
// registration decodes on its own.
func (e *Engine) dispatch(now time.Time, s *slot, r protocol.Response) {
	for _, reg := range s.regs {
		v, err := decode(reg, r)
		if err != nil {
			slog.Debug("[ELM] decode failed", "command", reg.Command.String(), "rule", reg.Rule.String(), "error", err)
			e.obs.DecodeFailed(reg.Command, err)
			continue
		}
		e.pub.Publish(reg.Target, v)
	}
	if e.rpmSlot >= 0 && e.slots[e.rpmSlot] == s {
		e.recordRPM(now, r)
	}
}

func (e *Engine) recordRPM(now time.Time, r protocol.Response) {
	payload, err := r.Payload(rpmCommand)
	if err != nil {
		return
	}
	rpm, err := protocol.DecodePID(protocol.PIDEngineRPM, payload)
	if err != nil {
		return
	}
	e.lastRPM = rpm
	e.lastRPMAt = now
	e.updateRunning(now)
}

// updateRunning publishes the engine-running flag when it changes. A
// reading older than the window counts as no reading.
func (e *Engine) updateRunning(now time.Time) {
	if len(e.runningTargets) == 0 {
		return
	}
	running := !e.lastRPMAt.IsZero() &&
		now.Sub(e.lastRPMAt) <= e.opts.EngineRunningWindow &&
		e.lastRPM > e.opts.EngineRunningMinRPM
	if e.runningKnown && running == e.running {
		return
	}
	e.running = running
	e.runningKnown = true
	slog.Info("[ELM] engine running", "running", running, "rpm", e.lastRPM)
	e.publishAll(e.runningTargets, point.Flag(running))
}
