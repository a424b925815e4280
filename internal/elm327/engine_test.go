package elm327

import (
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/elm327-ble/internal/elm327/protocol"
	"github.com/chaz8081/elm327-ble/internal/point"
)

var (
	coolantCmd = protocol.NewPIDCommand(protocol.ModeCurrentData, uint16(protocol.PIDCoolantTemp), "")
	speedCmd   = protocol.NewPIDCommand(protocol.ModeCurrentData, uint16(protocol.PIDVehicleSpeed), "")
)

func TestInitSequence(t *testing.T) {
	h := newHarness(t, testOptions())
	h.e.LinkUp(h.now)
	if h.e.State() != StateConnecting {
		t.Fatalf("State() after LinkUp = %v, want connecting", h.e.State())
	}
	if !h.e.IsConnected() {
		t.Error("IsConnected() = false after LinkUp")
	}
	if len(h.ft.writes) != 0 {
		t.Fatalf("wrote %q before Subscribed", h.ft.writes)
	}

	h.e.Subscribed(h.now)
	want := []string{"ATZ\r", "ATE0\r", "ATL0\r", "ATS0\r", "ATH0\r", "ATAL\r", "ATSP0\r", "0100\r"}
	for i, step := range initSequence {
		if h.e.State() != StateInitializing {
			t.Fatalf("step %d: State() = %v, want initializing", i, h.e.State())
		}
		h.expectWrite(want[i])
		h.reply(initReplies[step.cmd.Wire()])
	}
	if len(h.ft.writes) != len(want) {
		t.Fatalf("writes = %q, want %q", h.ft.writes, want)
	}
	if h.e.State() != StateReady {
		t.Fatalf("State() = %v, want ready", h.e.State())
	}
	if h.e.header != protocol.DefaultHeader {
		t.Errorf("header = %q, want %q", h.e.header, protocol.DefaultHeader)
	}
	if h.ft.violations != 0 {
		t.Errorf("%d writes with a command outstanding", h.ft.violations)
	}
}

func TestInitOKStepRejected(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"unknown command", "?\r\r>"},
		{"error", "ERROR\r\r>"},
		{"no data", "NO DATA\r\r>"},
		{"data instead of OK", "ELM327 v2.1\r\r>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testOptions())
			h.e.LinkUp(h.now)
			h.e.Subscribed(h.now)
			h.reply(initReplies["ATZ"])
			h.expectWrite("ATE0\r")
			h.reply(tt.reply)

			if h.e.State() != StateConnecting {
				t.Fatalf("State() = %v, want connecting", h.e.State())
			}
			if h.obs.initFailed != 1 {
				t.Errorf("initFailed = %d, want 1", h.obs.initFailed)
			}
		})
	}
}

func TestInitRetryThenError(t *testing.T) {
	opts := testOptions()
	opts.MaxInitAttempts = 2
	h := newHarness(t, opts)
	h.e.LinkUp(h.now)
	h.e.Subscribed(h.now)

	// attempt 1: ATZ never answers
	h.advance(2 * time.Second)
	if h.e.State() != StateInitializing {
		t.Fatalf("State() before ATZ deadline = %v, want initializing", h.e.State())
	}
	h.advance(time.Second)
	if h.e.State() != StateConnecting {
		t.Fatalf("State() after ATZ timeout = %v, want connecting", h.e.State())
	}
	if h.obs.timeouts != 1 {
		t.Errorf("timeouts = %d, want 1", h.obs.timeouts)
	}

	// retry waits for InitRetryDelay
	h.ft.reset()
	h.advance(500 * time.Millisecond)
	if len(h.ft.writes) != 0 {
		t.Fatalf("retried early: %q", h.ft.writes)
	}
	h.advance(500 * time.Millisecond)
	h.expectWrite("ATZ\r")

	// attempt 2 fails on ATE0
	h.reply(initReplies["ATZ"])
	h.reply("?\r\r>")
	if h.e.State() != StateError {
		t.Fatalf("State() = %v, want error", h.e.State())
	}

	h.ft.reset()
	for i := 0; i < 20; i++ {
		h.advance(time.Second)
	}
	if len(h.ft.writes) != 0 {
		t.Errorf("wrote %q in error state", h.ft.writes)
	}

	// a new link starts over
	h.e.LinkDown(h.now)
	h.bringUp()
}

func TestPollRoundRobinAndInterval(t *testing.T) {
	h := newHarness(t, testOptions())
	coolant := h.declare("coolant", point.KindNumber)
	rpm := h.declare("rpm", point.KindNumber)
	if err := h.e.Register(coolantCmd, RuleFormula, coolant); err != nil {
		t.Fatal(err)
	}
	if err := h.e.Register(rpmCommand, RuleFormula, rpm); err != nil {
		t.Fatal(err)
	}
	h.bringUp()

	h.advance(0)
	h.expectWrite("0105\r")
	if h.e.State() != StateAwaitingResponse {
		t.Fatalf("State() = %v, want awaiting_response", h.e.State())
	}
	h.reply("41 05 5A\r\r>")
	if h.e.State() != StateReady {
		t.Fatalf("State() after reply = %v, want ready", h.e.State())
	}
	if v, ok := h.value(coolant); !ok || v.Number != 50 {
		t.Errorf("coolant = %v (valid %v), want 50", v.Number, ok)
	}

	h.advance(time.Second)
	if len(h.ft.writes) != 1 {
		t.Fatalf("dispatched before interval: %q", h.ft.writes)
	}
	h.advance(time.Second)
	h.expectWrite("010C\r")
	h.reply("41 0C 1A F8\r\r>")
	if v, ok := h.value(rpm); !ok || v.Number != 1726 {
		t.Errorf("rpm = %v (valid %v), want 1726", v.Number, ok)
	}

	h.advance(2 * time.Second)
	h.expectWrite("0105\r")
	if h.obs.received != 2 {
		t.Errorf("received = %d, want 2", h.obs.received)
	}
}

func TestTimeoutAdvancesCycle(t *testing.T) {
	h := newHarness(t, testOptions())
	coolant := h.declare("coolant", point.KindNumber)
	speed := h.declare("speed", point.KindNumber)
	_ = h.e.Register(coolantCmd, RuleFormula, coolant)
	_ = h.e.Register(speedCmd, RuleFormula, speed)
	h.bringUp()

	h.advance(0)
	h.expectWrite("0105\r")
	h.advance(4900 * time.Millisecond)
	if h.e.State() != StateAwaitingResponse || len(h.ft.writes) != 1 {
		t.Fatalf("before deadline: state %v, writes %q", h.e.State(), h.ft.writes)
	}

	h.advance(100 * time.Millisecond)
	if h.obs.timeouts != 1 {
		t.Errorf("timeouts = %d, want 1", h.obs.timeouts)
	}
	if h.obs.decodeFailed != 1 {
		t.Errorf("decodeFailed = %d, want 1", h.obs.decodeFailed)
	}
	if len(h.ft.writes) != 1 {
		t.Fatalf("dispatched in the timeout tick: %q", h.ft.writes)
	}
	if _, ok := h.value(coolant); ok {
		t.Error("coolant published after timeout")
	}

	// a late reply lands while nothing is outstanding
	h.reply("41 05 5A\r\r>")
	if _, ok := h.value(coolant); ok {
		t.Error("coolant published from late reply")
	}
	if h.e.State() != StateReady {
		t.Errorf("State() = %v, want ready", h.e.State())
	}

	// the next command waits a full interval and the timed-out one is not retried
	h.advance(1900 * time.Millisecond)
	if len(h.ft.writes) != 1 {
		t.Fatalf("dispatched before interval: %q", h.ft.writes)
	}
	h.advance(100 * time.Millisecond)
	h.expectWrite("010D\r")
	h.reply("41 0D 32\r\r>")
	if v, ok := h.value(speed); !ok || v.Number != 50 {
		t.Errorf("speed = %v (valid %v), want 50", v.Number, ok)
	}
}

func TestLateReplyNotTakenByNextCommand(t *testing.T) {
	h := newHarness(t, testOptions())
	coolant := h.declare("coolant", point.KindNumber)
	proto := h.declare("protocol", point.KindText)
	_ = h.e.Register(coolantCmd, RuleFormula, coolant)
	if err := h.e.Register(protocol.NewATCommand("ATDP"), RuleText, proto); err != nil {
		t.Fatal(err)
	}
	h.bringUp()

	h.advance(0)
	h.expectWrite("0105\r")
	h.advance(5 * time.Second)
	if len(h.ft.writes) != 1 {
		t.Fatalf("writes after timeout = %q, want only the timed-out one", h.ft.writes)
	}

	h.reply("41 05 5A\r\r>")
	if v, ok := h.value(proto); ok {
		t.Errorf("protocol = %q from the coolant reply", v.Text)
	}

	h.advance(2 * time.Second)
	h.expectWrite("ATDP\r")
	h.reply("AUTO, ISO 15765-4 (CAN 11/500)\r\r>")
	if v, ok := h.value(proto); !ok || v.Text != "AUTO, ISO 15765-4 (CAN 11/500)" {
		t.Errorf("protocol = %q (valid %v)", v.Text, ok)
	}
	if _, ok := h.value(coolant); ok {
		t.Error("coolant published from late reply")
	}
}

func TestSingleOutstandingCommand(t *testing.T) {
	h := newHarness(t, testOptions())
	rpm := h.declare("rpm", point.KindNumber)
	raw := h.declare("raw", point.KindText)
	_ = h.e.Register(coolantCmd, RuleFormula, h.declare("coolant", point.KindNumber))
	_ = h.e.Register(rpmCommand, RuleFormula, rpm)
	_ = h.e.Register(protocol.NewRawCommand(0x22, 0x0101, "7E4", ""), RuleHex, raw)
	h.e.RegisterDTC(h.declare("dtc", point.KindText))
	h.bringUp()

	replies := []string{"41 05 5A\r\r>", "NO DATA\r\r>", "OK\r\r>", "?\r\r>", "41 0C 0F A0\r\r>"}
	for i := 0; i < 400; i++ {
		h.advance(250 * time.Millisecond)
		if i%7 == 3 {
			h.reply(replies[i%len(replies)])
		}
		if i%11 == 5 {
			h.e.Notify(h.now, []byte("41 0"))
		}
		if i == 200 {
			_ = h.e.SendCustom(protocol.NewATCommand("ATDP"))
		}
	}
	if h.ft.violations != 0 {
		t.Errorf("%d writes with a command outstanding", h.ft.violations)
	}
	if len(h.ft.writes) < 10 {
		t.Errorf("only %d writes, cycle stalled", len(h.ft.writes))
	}
}

func TestHeaderSwitching(t *testing.T) {
	h := newHarness(t, testOptions())
	bms := h.declare("bms", point.KindText)
	cells := h.declare("cells", point.KindText)
	coolant := h.declare("coolant", point.KindNumber)
	_ = h.e.Register(protocol.NewRawCommand(0x22, 0x0101, "7E4", ""), RuleHex, bms)
	_ = h.e.Register(protocol.NewRawCommand(0x22, 0x0102, "7e4", ""), RuleHex, cells)
	_ = h.e.Register(coolantCmd, RuleFormula, coolant)
	h.bringUp()

	h.advance(0)
	h.expectWrite("ATSH7E4\r")
	h.reply("OK\r\r>")
	h.expectWrite("220101\r")
	if h.e.State() != StateAwaitingResponse {
		t.Fatalf("State() = %v, want awaiting_response", h.e.State())
	}
	h.reply("62 01 01 EF FB E7\r\r>")
	if v, _ := h.value(bms); v.Text != "620101EFFBE7" {
		t.Errorf("bms = %q, want 620101EFFBE7", v.Text)
	}

	// same header again needs no ATSH
	h.advance(2 * time.Second)
	h.expectWrite("220102\r")
	h.reply("62 01 02 0C 0D\r\r>")
	if v, _ := h.value(cells); v.Text != "6201020C0D" {
		t.Errorf("cells = %q, want 6201020C0D", v.Text)
	}

	// headerless requests restore the broadcast header
	h.advance(2 * time.Second)
	h.expectWrite("ATSH7DF\r")
	h.reply("OK\r\r>")
	h.expectWrite("0105\r")
	h.reply("41 05 5A\r\r>")

	h.advance(2 * time.Second)
	h.expectWrite("ATSH7E4\r")
	if h.ft.violations != 0 {
		t.Errorf("%d writes with a command outstanding", h.ft.violations)
	}
}

func TestHeaderRejected(t *testing.T) {
	h := newHarness(t, testOptions())
	bms := h.declare("bms", point.KindText)
	_ = h.e.Register(protocol.NewRawCommand(0x22, 0x0101, "7E4", ""), RuleHex, bms)
	_ = h.e.Register(coolantCmd, RuleFormula, h.declare("coolant", point.KindNumber))
	h.bringUp()

	h.advance(0)
	h.expectWrite("ATSH7E4\r")
	h.reply("?\r\r>")
	if len(h.ft.writes) != 1 {
		t.Fatalf("data command sent after rejected header: %q", h.ft.writes)
	}
	if h.e.State() != StateReady {
		t.Fatalf("State() = %v, want ready", h.e.State())
	}
	if h.e.header != "" {
		t.Errorf("header = %q, want unknown", h.e.header)
	}
	if h.obs.adapterErrors != 1 || h.obs.decodeFailed != 1 {
		t.Errorf("adapterErrors = %d, decodeFailed = %d, want 1 and 1", h.obs.adapterErrors, h.obs.decodeFailed)
	}

	// unknown header is always re-selected
	h.advance(2 * time.Second)
	h.expectWrite("ATSH7DF\r")
}

func TestStatusTokens(t *testing.T) {
	tests := []struct {
		name         string
		reply        string
		wantValue    float64
		wantValid    bool
		adapterError bool
	}{
		{"data", "41 05 5A\r\r>", 50, true, false},
		{"searching then data", "SEARCHING...\r41 05 5A\r\r>", 50, true, false},
		{"bus init then data", "BUS INIT: ...OK\r41 05 64\r\r>", 60, true, false},
		{"no data", "NO DATA\r\r>", 0, false, false},
		{"searching then no data", "SEARCHING...\rNO DATA\r\r>", 0, false, false},
		{"unable to connect", "UNABLE TO CONNECT\r\r>", 0, false, false},
		{"stopped", "STOPPED\r\r>", 0, false, false},
		{"error", "ERROR\r\r>", 0, false, true},
		{"can error", "CAN ERROR\r\r>", 0, false, true},
		{"unknown command", "?\r\r>", 0, false, true},
		{"buffer full", "BUFFER FULL\r\r>", 0, false, true},
		{"wrong pid", "41 0C 1A F8\r\r>", 0, false, false},
		{"short payload", "41 05\r\r>", 0, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testOptions())
			coolant := h.declare("coolant", point.KindNumber)
			_ = h.e.Register(coolantCmd, RuleFormula, coolant)
			h.bringUp()

			h.advance(0)
			h.reply(tt.reply)

			v, ok := h.value(coolant)
			if ok != tt.wantValid || ok && v.Number != tt.wantValue {
				t.Errorf("coolant = %v (valid %v), want %v (valid %v)", v.Number, ok, tt.wantValue, tt.wantValid)
			}
			if got := h.obs.adapterErrors > 0; got != tt.adapterError {
				t.Errorf("adapterErrors = %d, want error %v", h.obs.adapterErrors, tt.adapterError)
			}
			if !tt.wantValid && h.obs.decodeFailed != 1 {
				t.Errorf("decodeFailed = %d, want 1", h.obs.decodeFailed)
			}
			if h.e.State() != StateReady {
				t.Errorf("State() = %v, want ready", h.e.State())
			}
		})
	}
}

func TestRuleStatus(t *testing.T) {
	tests := []struct {
		reply string
		want  bool
	}{
		{"OK\r\r>", true},
		{"?\r\r>", false},
		{"ERROR\r\r>", false},
	}
	for _, tt := range tests {
		h := newHarness(t, testOptions())
		p := h.declare("protocol_close", point.KindFlag)
		if err := h.e.Register(protocol.NewATCommand("ATPC"), RuleStatus, p); err != nil {
			t.Fatal(err)
		}
		h.bringUp()
		h.advance(0)
		h.expectWrite("ATPC\r")
		h.reply(tt.reply)
		if v, ok := h.value(p); !ok || v.Flag != tt.want {
			t.Errorf("reply %q: flag = %v (valid %v), want %v", tt.reply, v.Flag, ok, tt.want)
		}
	}
}

func TestBatteryVoltage(t *testing.T) {
	h := newHarness(t, testOptions())
	volts := h.declare("battery_voltage", point.KindNumber)
	_ = h.e.Register(protocol.NewATCommand(protocol.BatteryVoltageCommand), RuleVoltage, volts)
	h.bringUp()

	// AT commands never need a header step
	h.e.header = ""
	h.advance(0)
	h.expectWrite("ATRV\r")
	h.reply("12.6V\r\r>")
	if v, _ := h.value(volts); v.Number != 12.6 {
		t.Errorf("battery_voltage = %v, want 12.6", v.Number)
	}
	h.advance(2 * time.Second)
	h.reply("45.0V\r\r>")
	if v, _ := h.value(volts); v.Number != 12.6 {
		t.Errorf("out of range reading replaced value: %v", v.Number)
	}
}

func TestSharedSlotIndependentDecode(t *testing.T) {
	h := newHarness(t, testOptions())
	num := h.declare("coolant", point.KindNumber)
	hexText := h.declare("coolant_raw", point.KindText)
	_ = h.e.Register(coolantCmd, RuleFormula, num)
	_ = h.e.Register(coolantCmd, RuleHex, hexText)
	if len(h.e.slots) != 1 {
		t.Fatalf("slots = %d, want 1", len(h.e.slots))
	}
	h.bringUp()

	h.advance(0)
	h.reply("41 05\r\r>")
	if _, ok := h.value(num); ok {
		t.Error("formula published from short payload")
	}
	if v, ok := h.value(hexText); !ok || v.Text != "4105" {
		t.Errorf("hex = %q (valid %v), want 4105", v.Text, ok)
	}

	// one command per cycle for both registrations
	h.advance(2 * time.Second)
	h.expectWrite("0105\r")
	if len(h.ft.writes) != 2 {
		t.Errorf("writes = %q, want two 0105", h.ft.writes)
	}
}

func TestRegisterRuleMismatch(t *testing.T) {
	tests := []struct {
		name string
		cmd  protocol.Command
		rule Rule
	}{
		{"formula on AT", protocol.NewATCommand("ATRV"), RuleFormula},
		{"formula on 16-bit pid", protocol.NewPIDCommand(0x22, 0x0101, ""), RuleFormula},
		{"voltage on pid", coolantCmd, RuleVoltage},
		{"hex on AT", protocol.NewATCommand("ATDP"), RuleHex},
		{"dtc on pid", coolantCmd, RuleDTC},
		{"status on pid", coolantCmd, RuleStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testOptions())
			err := h.e.Register(tt.cmd, tt.rule, 0)
			if !errors.Is(err, ErrRuleMismatch) {
				t.Errorf("Register() error = %v, want ErrRuleMismatch", err)
			}
			if len(h.e.slots) != 0 {
				t.Errorf("slots = %d after rejected registration", len(h.e.slots))
			}
		})
	}
}

func TestDTCText(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
		valid bool
	}{
		{"two codes with count", "43 02 01 33 03 01\r\r>", "P0133, P0301", true},
		{"no codes", "43 00\r\r>", protocol.NoCodes, true},
		{"legacy padding", "43 01 33 00 00 00 00\r\r>", "P0133", true},
		{"two ECUs", "43 01 01 71\r43 01 C1 23\r\r>", "P0171, U0123", true},
		{"no data", "NO DATA\r\r>", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testOptions())
			dtc := h.declare("dtc", point.KindText)
			h.e.RegisterDTC(dtc)
			h.bringUp()
			h.advance(0)
			h.expectWrite("03\r")
			h.reply(tt.reply)
			v, ok := h.value(dtc)
			if ok != tt.valid || v.Text != tt.want {
				t.Errorf("dtc = %q (valid %v), want %q (valid %v)", v.Text, ok, tt.want, tt.valid)
			}
		})
	}
}

func TestEngineRunning(t *testing.T) {
	h := newHarness(t, testOptions())
	running := h.declare("engine_running", point.KindFlag)
	h.e.RegisterEngineRunning(running)
	if v, ok := h.value(running); !ok || v.Flag {
		t.Fatalf("initial engine_running = %v (valid %v), want false", v.Flag, ok)
	}
	if len(h.e.slots) != 1 || h.e.slots[0].cmd != rpmCommand {
		t.Fatalf("engine running did not add the rpm request: %+v", h.e.slots)
	}
	h.bringUp()

	h.advance(0)
	h.reply("41 0C 1A F8\r\r>")
	if v, _ := h.value(running); !v.Flag {
		t.Error("engine_running = false at 1726 rpm")
	}

	// idle below the threshold
	h.advance(2 * time.Second)
	h.reply("41 0C 01 40\r\r>")
	if v, _ := h.value(running); v.Flag {
		t.Error("engine_running = true at 80 rpm")
	}

	h.advance(2 * time.Second)
	h.reply("41 0C 0C 80\r\r>")
	if v, _ := h.value(running); !v.Flag {
		t.Error("engine_running = false at 800 rpm")
	}

	// readings stop: stale after the window
	h.advance(2 * time.Second)
	for i := 0; i < 5; i++ {
		h.advance(2 * time.Second)
	}
	if v, _ := h.value(running); v.Flag {
		t.Error("engine_running = true with stale rpm")
	}
}

func TestEngineRunningSharesRPMSlot(t *testing.T) {
	h := newHarness(t, testOptions())
	rpm := h.declare("rpm", point.KindNumber)
	_ = h.e.Register(rpmCommand, RuleFormula, rpm)
	h.e.RegisterEngineRunning(h.declare("engine_running", point.KindFlag))
	if len(h.e.slots) != 1 {
		t.Fatalf("slots = %d, want 1", len(h.e.slots))
	}
}

func TestLinkLossKeepsValues(t *testing.T) {
	h := newHarness(t, testOptions())
	coolant := h.declare("coolant", point.KindNumber)
	connected := h.declare("connected", point.KindFlag)
	_ = h.e.Register(coolantCmd, RuleFormula, coolant)
	h.e.RegisterConnected(connected)
	h.bringUp()
	if v, _ := h.value(connected); !v.Flag {
		t.Fatal("connected = false while link up")
	}

	h.advance(0)
	h.reply("41 05 5A\r\r>")
	h.advance(2 * time.Second)
	h.e.LinkDown(h.now)

	if h.e.IsConnected() {
		t.Error("IsConnected() = true after LinkDown")
	}
	if h.e.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", h.e.State())
	}
	if _, ok := h.e.Outstanding(); ok {
		t.Error("command still outstanding after LinkDown")
	}
	if v, ok := h.value(coolant); !ok || v.Number != 50 {
		t.Errorf("coolant = %v (valid %v), want retained 50", v.Number, ok)
	}
	if v, _ := h.value(connected); v.Flag {
		t.Error("connected = true after LinkDown")
	}

	// late bytes from the dead link are ignored
	h.reply("41 05 64\r\r>")
	if v, _ := h.value(coolant); v.Number != 50 {
		t.Errorf("coolant = %v after late reply, want 50", v.Number)
	}

	h.ft.reset()
	h.advance(10 * time.Second)
	if len(h.ft.writes) != 0 {
		t.Errorf("wrote %q while disconnected", h.ft.writes)
	}
}

func TestSubscribedOutsideConnecting(t *testing.T) {
	h := newHarness(t, testOptions())
	h.e.Subscribed(h.now)
	if h.e.State() != StateDisconnected || len(h.ft.writes) != 0 {
		t.Errorf("Subscribed before LinkUp: state %v, writes %q", h.e.State(), h.ft.writes)
	}
}

func TestConnectionSwitch(t *testing.T) {
	h := newHarness(t, testOptions())
	sw := h.declare("obd_connection", point.KindFlag)
	h.e.RegisterSwitch(sw)
	_ = h.e.Register(coolantCmd, RuleFormula, h.declare("coolant", point.KindNumber))
	h.bringUp()
	h.advance(0)

	h.e.RequestDisconnect(h.now)
	if h.ft.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", h.ft.disconnects)
	}
	if h.e.State() != StateDisconnected || h.e.Enabled() {
		t.Errorf("after RequestDisconnect: state %v, enabled %v", h.e.State(), h.e.Enabled())
	}
	if _, ok := h.e.Outstanding(); ok {
		t.Error("command still outstanding after RequestDisconnect")
	}
	if v, _ := h.value(sw); v.Flag {
		t.Error("switch = true after RequestDisconnect")
	}

	// the transport reports the link gone; the switch stays off
	h.e.LinkDown(h.now)
	if v, _ := h.value(sw); v.Flag {
		t.Error("switch = true after LinkDown")
	}

	h.e.RequestConnect(h.now)
	if h.ft.connects != 1 {
		t.Errorf("connects = %d, want 1", h.ft.connects)
	}
	if h.e.State() != StateConnecting || !h.e.Enabled() {
		t.Errorf("after RequestConnect: state %v, enabled %v", h.e.State(), h.e.Enabled())
	}
	if v, _ := h.value(sw); !v.Flag {
		t.Error("switch = false after RequestConnect")
	}
}

func TestRequestConnectWhileUp(t *testing.T) {
	h := newHarness(t, testOptions())
	h.bringUp()
	h.e.RequestConnect(h.now)
	if h.ft.connects != 0 || h.e.State() != StateReady {
		t.Errorf("connects = %d, state %v; want no-op", h.ft.connects, h.e.State())
	}
}

func TestSendCustom(t *testing.T) {
	h := newHarness(t, testOptions())
	raw := h.declare("raw", point.KindText)
	h.e.RegisterRawResponse(raw)
	_ = h.e.Register(coolantCmd, RuleFormula, h.declare("coolant", point.KindNumber))
	_ = h.e.Register(speedCmd, RuleFormula, h.declare("speed", point.KindNumber))

	if err := h.e.SendCustom(protocol.NewATCommand("ATDP")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendCustom before ready: error = %v, want ErrNotConnected", err)
	}
	h.bringUp()

	if err := h.e.SendCustom(protocol.NewATCommand("ATDP")); err != nil {
		t.Fatalf("SendCustom() error = %v", err)
	}
	if err := h.e.SendCustom(protocol.NewATCommand("ATI")); !errors.Is(err, ErrCustomPending) {
		t.Errorf("second SendCustom error = %v, want ErrCustomPending", err)
	}

	h.advance(0)
	h.expectWrite("ATDP\r")
	h.reply("AUTO, ISO 15765-4 (CAN 11/500)\r\r>")
	if v, _ := h.value(raw); v.Text != "AUTO,ISO15765-4(CAN11/500)" {
		t.Errorf("raw = %q", v.Text)
	}

	// the cycle resumes where it was
	h.advance(2 * time.Second)
	h.expectWrite("0105\r")
}

func TestWriteFailureAdvances(t *testing.T) {
	h := newHarness(t, testOptions())
	_ = h.e.Register(coolantCmd, RuleFormula, h.declare("coolant", point.KindNumber))
	_ = h.e.Register(speedCmd, RuleFormula, h.declare("speed", point.KindNumber))
	h.bringUp()

	h.ft.writeErr = errors.New("gatt write failed")
	h.advance(0)
	if h.e.State() != StateReady {
		t.Fatalf("State() = %v, want ready", h.e.State())
	}
	if h.obs.decodeFailed != 1 {
		t.Errorf("decodeFailed = %d, want 1", h.obs.decodeFailed)
	}

	h.ft.writeErr = nil
	h.advance(2 * time.Second)
	h.expectWrite("010D\r")
}

func TestTruncatedResponse(t *testing.T) {
	opts := testOptions()
	opts.BufferBytes = 40
	h := newHarness(t, opts)
	bms := h.declare("bms", point.KindText)
	_ = h.e.Register(protocol.NewRawCommand(0x22, 0x0101, "", ""), RuleHex, bms)
	h.bringUp()

	h.advance(0)
	h.reply("0:62 01 01 FF FF FF\r1:00 11 22 33 44 55 66\r2:77 88 99 AA BB CC DD\r\r>")
	if h.obs.truncated != 1 {
		t.Errorf("truncated = %d, want 1", h.obs.truncated)
	}
	if _, ok := h.value(bms); ok {
		t.Error("value published from truncated response")
	}
	if h.e.State() != StateReady {
		t.Errorf("State() = %v, want ready", h.e.State())
	}
}

func TestNoRegistrationsIdles(t *testing.T) {
	h := newHarness(t, testOptions())
	h.bringUp()
	for i := 0; i < 10; i++ {
		h.advance(time.Second)
	}
	if len(h.ft.writes) != 0 {
		t.Errorf("wrote %q with nothing registered", h.ft.writes)
	}
}

func TestUnsolicitedResponseIgnored(t *testing.T) {
	h := newHarness(t, testOptions())
	coolant := h.declare("coolant", point.KindNumber)
	_ = h.e.Register(coolantCmd, RuleFormula, coolant)
	h.bringUp()
	h.reply("41 05 5A\r\r>")
	if _, ok := h.value(coolant); ok {
		t.Error("unsolicited reply published")
	}
	if h.e.State() != StateReady {
		t.Errorf("State() = %v, want ready", h.e.State())
	}
}

func TestNotifySplitAcrossPackets(t *testing.T) {
	h := newHarness(t, testOptions())
	rpm := h.declare("rpm", point.KindNumber)
	_ = h.e.Register(rpmCommand, RuleFormula, rpm)
	h.bringUp()
	h.advance(0)
	for _, part := range []string{"41 0", "C 1A", " F8\r", "\r>"} {
		h.reply(part)
	}
	if v, ok := h.value(rpm); !ok || v.Number != 1726 {
		t.Errorf("rpm = %v (valid %v), want 1726", v.Number, ok)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateInitializing, "initializing"},
		{StateReady, "ready"},
		{StateAwaitingResponse, "awaiting_response"},
		{StateError, "error"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
