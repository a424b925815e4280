package elm327

import (
	"testing"
	"time"

	"github.com/chaz8081/elm327-ble/internal/elm327/protocol"
	"github.com/chaz8081/elm327-ble/internal/point"
)

// fakeTransport records writes. When busy is set it flags any write made
// while the engine already has a command on the wire.
type fakeTransport struct {
	writes      []string
	writeErr    error
	connects    int
	disconnects int
	busy        func() bool
	violations  int
}

func (f *fakeTransport) Write(p []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	if f.busy != nil && f.busy() {
		f.violations++
	}
	f.writes = append(f.writes, string(p))
	return nil
}

func (f *fakeTransport) Connect() error {
	f.connects++
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.disconnects++
	return nil
}

func (f *fakeTransport) last() string {
	if len(f.writes) == 0 {
		return ""
	}
	return f.writes[len(f.writes)-1]
}

func (f *fakeTransport) reset() {
	f.writes = nil
}

// countingObserver tallies engine events.
type countingObserver struct {
	sent          int
	received      int
	decodeFailed  int
	adapterErrors int
	timeouts      int
	truncated     int
	initFailed    int
	states        []State
}

func (o *countingObserver) StateChanged(_, to State)                        { o.states = append(o.states, to) }
func (o *countingObserver) CommandSent(protocol.Command)                     { o.sent++ }
func (o *countingObserver) ResponseReceived(protocol.Command, time.Duration) { o.received++ }
func (o *countingObserver) DecodeFailed(protocol.Command, error)             { o.decodeFailed++ }
func (o *countingObserver) AdapterError(protocol.Command, protocol.Status)   { o.adapterErrors++ }
func (o *countingObserver) Timeout(protocol.Command)                         { o.timeouts++ }
func (o *countingObserver) Truncated()                                       { o.truncated++ }
func (o *countingObserver) InitFailed(int)                                   { o.initFailed++ }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	t     *testing.T
	e     *Engine
	ft    *fakeTransport
	store *point.Store
	obs   *countingObserver
	now   time.Time
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	ft := &fakeTransport{}
	store := point.NewStore()
	obs := &countingObserver{}
	e := New(ft, store, opts, obs)
	ft.busy = func() bool { return e.out != nil }
	return &harness{t: t, e: e, ft: ft, store: store, obs: obs, now: t0}
}

func testOptions() Options {
	o := DefaultOptions()
	o.InitRetryDelay = time.Second
	return o
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
	h.e.Tick(h.now)
}

func (h *harness) reply(s string) {
	h.e.Notify(h.now, []byte(s))
}

func (h *harness) expectWrite(want string) {
	h.t.Helper()
	if got := h.ft.last(); got != want {
		h.t.Fatalf("last write = %q, want %q (all: %q)", got, want, h.ft.writes)
	}
}

func (h *harness) declare(name string, kind point.Kind) point.Handle {
	return h.store.Declare(point.Meta{Name: name, Kind: kind})
}

func (h *harness) value(p point.Handle) (point.Value, bool) {
	s, _ := h.store.Get(p)
	return s.Value, s.Valid
}

// initReplies answers each init step the way a typical clone does, echo
// included until ATE0 takes effect.
var initReplies = map[string]string{
	"ATZ":   "ATZ\r\r\rELM327 v1.5\r\r>",
	"ATE0":  "ATE0\rOK\r\r>",
	"ATL0":  "OK\r\r>",
	"ATS0":  "OK\r\r>",
	"ATH0":  "OK\r\r>",
	"ATAL":  "OK\r\r>",
	"ATSP0": "OK\r\r>",
	"0100":  "SEARCHING...\r41 00 BE 3F A8 13\r\r>",
}

// bringUp runs link-up and the full init handshake.
func (h *harness) bringUp() {
	h.t.Helper()
	h.e.LinkUp(h.now)
	h.e.Subscribed(h.now)
	for _, step := range initSequence {
		h.expectWrite(string(step.cmd.Encode()))
		h.reply(initReplies[step.cmd.Wire()])
	}
	if h.e.State() != StateReady {
		h.t.Fatalf("State() = %v after init, want ready", h.e.State())
	}
	h.ft.reset()
}
