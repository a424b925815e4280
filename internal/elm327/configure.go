package elm327

import (
	"fmt"

	"github.com/chaz8081/elm327-ble/internal/config"
	"github.com/chaz8081/elm327-ble/internal/elm327/protocol"
	"github.com/chaz8081/elm327-ble/internal/point"
)

// OptionsFromConfig converts the elm327 config section.
func OptionsFromConfig(c config.ELM327Config) Options {
	return Options{
		RequestInterval:     c.RequestInterval(),
		RequestTimeout:      c.RequestTimeout(),
		EngineRunningWindow: c.EngineRunningWindow(),
		EngineRunningMinRPM: c.EngineRunningMinRPM,
		MaxInitAttempts:     c.MaxInitAttempts,
		InitRetryDelay:      c.InitRetryDelay(),
	}
}

// Configure declares a point in store for every configured sensor and
// registers it with e. It is called once, before the engine runs; the
// polling cycle follows the order of the config lists.
func Configure(e *Engine, store *point.Store, cfg *config.Config) error {
	for i, s := range cfg.Sensors {
		cmd, rule, meta, err := sensorBinding(s)
		if err != nil {
			return fmt.Errorf("sensors[%d]: %w", i, err)
		}
		if err := e.Register(cmd, rule, store.Declare(meta)); err != nil {
			return fmt.Errorf("sensors[%d]: %w", i, err)
		}
	}

	for i, b := range cfg.BinarySensors {
		h := store.Declare(point.Meta{Name: b.SensorName(), Kind: point.KindFlag})
		switch b.Type {
		case "connected":
			e.RegisterConnected(h)
		case "engine_running":
			e.RegisterEngineRunning(h)
		case "at_status":
			if b.ATCommand == "" {
				return fmt.Errorf("binary_sensors[%d]: at_status needs at_command", i)
			}
			if err := e.Register(protocol.NewATCommand(b.ATCommand), RuleStatus, h); err != nil {
				return fmt.Errorf("binary_sensors[%d]: %w", i, err)
			}
		default:
			return fmt.Errorf("binary_sensors[%d]: unknown type %q", i, b.Type)
		}
	}

	for i, t := range cfg.TextSensors {
		h := store.Declare(point.Meta{Name: t.SensorName(), Kind: point.KindText})
		switch t.Type {
		case "dtc":
			e.RegisterDTC(h)
		case "raw":
			e.RegisterRawResponse(h)
		case "raw_pid":
			cmd := protocol.NewRawCommand(t.Mode, t.PID, t.Header, t.Command)
			rule := RuleHex
			if cmd.Text != "" {
				rule = RuleText
			}
			if err := e.Register(cmd, rule, h); err != nil {
				return fmt.Errorf("text_sensors[%d]: %w", i, err)
			}
		default:
			return fmt.Errorf("text_sensors[%d]: unknown type %q", i, t.Type)
		}
	}

	if cfg.Switch.Name != "" {
		e.RegisterSwitch(store.Declare(point.Meta{Name: cfg.Switch.Name, Kind: point.KindFlag}))
	}
	return nil
}

// sensorBinding resolves a numeric sensor entry to its command, rule and
// point metadata. A known type supplies the PID and display defaults.
func sensorBinding(s config.SensorConfig) (protocol.Command, Rule, point.Meta, error) {
	meta := point.Meta{Name: s.SensorName(), Kind: point.KindNumber, Unit: s.Unit}
	mode := s.Mode
	if mode == 0 {
		mode = protocol.ModeCurrentData
	}

	var (
		def   protocol.PIDDefinition
		known bool
	)
	if s.Type != "" {
		def, known = protocol.LookupKey(s.Type)
		if !known {
			return protocol.Command{}, 0, meta, fmt.Errorf("unknown sensor type %q", s.Type)
		}
	} else if s.ATCommand == "" {
		def, known = protocol.LookupPID(s.PID)
	}
	if known {
		if meta.Unit == "" {
			meta.Unit = def.Unit
		}
		meta.Accuracy = def.Accuracy
	}
	if s.Accuracy != nil {
		meta.Accuracy = *s.Accuracy
	}

	switch {
	case s.ATCommand != "":
		return protocol.NewATCommand(s.ATCommand), RuleVoltage, meta, nil
	case def.Key == protocol.BatteryVoltageKey:
		return protocol.NewATCommand(protocol.BatteryVoltageCommand), RuleVoltage, meta, nil
	}

	pid := s.PID
	if pid == 0 {
		pid = def.PID
	}
	if pid == 0 && !known {
		return protocol.Command{}, 0, meta, fmt.Errorf("sensor %q has no pid", meta.Name)
	}
	return protocol.NewPIDCommand(mode, uint16(pid), ""), RuleFormula, meta, nil
}
