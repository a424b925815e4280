package elm327

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chaz8081/elm327-ble/internal/elm327/protocol"
	"github.com/chaz8081/elm327-ble/internal/point"
)

// Rule selects how a reply becomes a point value.
type Rule uint8

const (
	RuleFormula Rule = iota // Mode 01 PID table formula, number
	RuleVoltage             // ATRV reply, number
	RuleHex                 // payload as hex text, prefix included
	RuleText                // reply text as printed
	RuleDTC                 // Mode 03 codes, text
	RuleStatus              // OK or error token, flag
)

func (r Rule) String() string {
	switch r {
	case RuleFormula:
		return "formula"
	case RuleVoltage:
		return "voltage"
	case RuleHex:
		return "hex"
	case RuleText:
		return "text"
	case RuleDTC:
		return "dtc"
	case RuleStatus:
		return "status"
	default:
		return fmt.Sprintf("rule(%d)", uint8(r))
	}
}

// Registration binds a command to a point through a rule.
type Registration struct {
	Command protocol.Command
	Rule    Rule
	Target  point.Handle
}

// ErrRuleMismatch is returned when a rule cannot decode the command's reply.
var ErrRuleMismatch = errors.New("elm327: rule does not fit command")

// slot is one entry of the polling cycle. Registrations with identical
// commands share a slot and are fed from the same reply.
type slot struct {
	cmd  protocol.Command
	regs []Registration
}

func checkRule(cmd protocol.Command, rule Rule) error {
	ok := true
	switch rule {
	case RuleFormula:
		ok = cmd.Kind == protocol.KindPID && cmd.PID <= 0xFF
	case RuleVoltage, RuleStatus:
		ok = cmd.Kind == protocol.KindAT
	case RuleHex:
		ok = cmd.Kind != protocol.KindAT && cmd.ResponsePrefix() != ""
	case RuleDTC:
		ok = cmd.Kind == protocol.KindRaw && cmd.Mode == protocol.ModeStoredDTCs
	case RuleText:
	default:
		ok = false
	}
	if !ok {
		return fmt.Errorf("%w: %s for %s command %s", ErrRuleMismatch, rule, cmd.Kind, cmd)
	}
	return nil
}

// Register adds a point fed by cmd through rule. Commands join the polling
// cycle in registration order; a command already registered reuses its slot.
func (e *Engine) Register(cmd protocol.Command, rule Rule, target point.Handle) error {
	if err := checkRule(cmd, rule); err != nil {
		return err
	}
	idx := e.slotFor(cmd)
	e.slots[idx].regs = append(e.slots[idx].regs, Registration{Command: cmd, Rule: rule, Target: target})
	slog.Debug("[ELM] registered", "command", cmd.String(), "rule", rule.String(), "slot", idx)
	return nil
}

func (e *Engine) slotFor(cmd protocol.Command) int {
	if idx, ok := e.slotIndex[cmd]; ok {
		return idx
	}
	e.slots = append(e.slots, &slot{cmd: cmd})
	idx := len(e.slots) - 1
	e.slotIndex[cmd] = idx
	return idx
}

// RegisterDTC adds a text point receiving the stored trouble codes.
func (e *Engine) RegisterDTC(target point.Handle) {
	// DTCCommand always fits RuleDTC
	_ = e.Register(protocol.DTCCommand(), RuleDTC, target)
}

// RegisterConnected adds a flag point mirroring the link state.
func (e *Engine) RegisterConnected(target point.Handle) {
	e.connectedTargets = append(e.connectedTargets, target)
	e.pub.Publish(target, point.Flag(e.connected.Load()))
}

// RegisterEngineRunning adds a flag point derived from recent RPM readings.
// The RPM request joins the cycle here unless already registered.
func (e *Engine) RegisterEngineRunning(target point.Handle) {
	e.runningTargets = append(e.runningTargets, target)
	e.rpmSlot = e.slotFor(rpmCommand)
	e.runningKnown = true
	e.pub.Publish(target, point.Flag(e.running))
}

// RegisterRawResponse adds a text point receiving every reply, compacted.
func (e *Engine) RegisterRawResponse(target point.Handle) {
	e.rawTargets = append(e.rawTargets, target)
}

// RegisterSwitch adds a flag point mirroring the requested connection state.
func (e *Engine) RegisterSwitch(target point.Handle) {
	e.switchTargets = append(e.switchTargets, target)
	e.pub.Publish(target, point.Flag(e.wantConnected))
}

// Registrations returns every registration in cycle order.
func (e *Engine) Registrations() []Registration {
	var out []Registration
	for _, s := range e.slots {
		out = append(out, s.regs...)
	}
	return out
}

var rpmCommand = protocol.NewPIDCommand(protocol.ModeCurrentData, uint16(protocol.PIDEngineRPM), "")

// decode turns a reply into the value for one registration.
func decode(reg Registration, r protocol.Response) (point.Value, error) {
	switch reg.Rule {
	case RuleFormula:
		payload, err := r.Payload(reg.Command)
		if err != nil {
			return point.Value{}, err
		}
		v, err := protocol.DecodePID(byte(reg.Command.PID), payload)
		if err != nil {
			return point.Value{}, err
		}
		return point.Number(v), nil

	case RuleVoltage:
		v, err := r.Voltage()
		if err != nil {
			return point.Value{}, err
		}
		return point.Number(v), nil

	case RuleHex:
		s, err := r.HexPayload(reg.Command)
		if err != nil {
			return point.Value{}, err
		}
		return point.Text(s), nil

	case RuleText:
		if r.Truncated {
			return point.Value{}, protocol.ErrTruncated
		}
		if err := r.Status().Err(); err != nil {
			return point.Value{}, err
		}
		text := strings.TrimSpace(r.Text())
		if text == "" {
			return point.Value{}, protocol.ErrNoData
		}
		return point.Text(text), nil

	case RuleDTC:
		codes, err := r.DTCs()
		if err != nil {
			return point.Value{}, err
		}
		return point.Text(protocol.FormatDTCs(codes)), nil

	case RuleStatus:
		st := r.Status()
		return point.Flag(!st.Failure() && !st.Transient()), nil
	}
	return point.Value{}, fmt.Errorf("%w: %s", ErrRuleMismatch, reg.Rule)
}
