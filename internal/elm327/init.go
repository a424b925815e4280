package elm327

import (
	"log/slog"
	"time"

	"github.com/chaz8081/elm327-ble/internal/elm327/protocol"
)

type initStep struct {
	cmd     protocol.Command
	timeout time.Duration
	needOK  bool // otherwise any reply that is not an adapter error passes
}

// initSequence is sent in order after every link-up. ATZ resets the header
// to 7DF. The closing 0100 makes the adapter settle on a bus protocol; its
// answer is not checked since the ignition may be off.
var initSequence = []initStep{
	{cmd: protocol.NewATCommand("ATZ"), timeout: 3 * time.Second},
	{cmd: protocol.NewATCommand("ATE0"), timeout: time.Second, needOK: true},
	{cmd: protocol.NewATCommand("ATL0"), timeout: time.Second, needOK: true},
	{cmd: protocol.NewATCommand("ATS0"), timeout: time.Second, needOK: true},
	{cmd: protocol.NewATCommand("ATH0"), timeout: time.Second, needOK: true},
	{cmd: protocol.NewATCommand("ATAL"), timeout: time.Second, needOK: true},
	{cmd: protocol.NewATCommand("ATSP0"), timeout: time.Second, needOK: true},
	{cmd: protocol.NewRawCommand(protocol.ModeCurrentData, 0x00, "", "0100"), timeout: 10 * time.Second},
}

func (e *Engine) startInit(now time.Time) {
	e.initAttempt++
	e.initStep = 0
	e.initRetryAt = time.Time{}
	slog.Info("[ELM] initializing adapter", "attempt", e.initAttempt, "max", e.opts.MaxInitAttempts)
	e.setState(StateInitializing)
	e.sendInitStep(now)
}

func (e *Engine) sendInitStep(now time.Time) {
	step := initSequence[e.initStep]
	req := &request{purpose: purposeInit, cmd: step.cmd}
	if err := e.write(now, req, step.cmd.Encode(), step.timeout); err != nil {
		slog.Warn("[ELM] init write failed", "command", step.cmd.String(), "error", err)
		e.initFailed(now)
		return
	}
	slog.Debug("[ELM] >> init", "command", step.cmd.String())
	e.obs.CommandSent(step.cmd)
}

func (e *Engine) initResponse(now time.Time, r protocol.Response) {
	step := initSequence[e.initStep]
	st := r.Status()
	ok := !st.AdapterError() && !r.Truncated
	if step.needOK {
		ok = st == protocol.StatusOK
	}
	if !ok {
		slog.Warn("[ELM] init step rejected", "command", step.cmd.String(), "status", st.String(), "reply", r.Compact())
		if st.AdapterError() {
			e.obs.AdapterError(step.cmd, st)
		}
		e.initFailed(now)
		return
	}
	if e.initStep == 0 && len(r.DataLines()) > 0 {
		slog.Info("[ELM] adapter", "id", r.DataLines()[len(r.DataLines())-1])
	}

	e.initStep++
	if e.initStep < len(initSequence) {
		e.sendInitStep(now)
		return
	}
	slog.Info("[ELM] adapter ready", "slots", len(e.slots))
	e.initAttempt = 0
	e.header = protocol.DefaultHeader
	e.dispatched = false
	e.setState(StateReady)
}

// initFailed returns to Connecting for another attempt after the retry
// delay, or parks in Error once the attempts are used up.
func (e *Engine) initFailed(now time.Time) {
	e.out = nil
	e.framer.Reset()
	e.obs.InitFailed(e.initAttempt)
	if e.initAttempt >= e.opts.MaxInitAttempts {
		slog.Error("[ELM] adapter init failed, giving up until the link drops", "attempts", e.initAttempt)
		e.setState(StateError)
		return
	}
	e.initRetryAt = now.Add(e.opts.InitRetryDelay)
	slog.Warn("[ELM] adapter init failed, retrying", "attempt", e.initAttempt, "retry_at", e.initRetryAt.Format(time.TimeOnly))
	e.setState(StateConnecting)
}
