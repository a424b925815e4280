package protocol

import (
	"fmt"
	"sort"
)

// PIDDefinition describes one Mode 01 parameter.
type PIDDefinition struct {
	PID      byte
	Key      string // configuration name, e.g. "coolant_temp"
	Name     string
	Bytes    int // payload bytes the formula needs
	Unit     string
	Accuracy int // display decimals
	Decode   func(p []byte) float64
}

// Standard Mode 01 PIDs.
const (
	PIDEngineLoad   byte = 0x04
	PIDCoolantTemp  byte = 0x05
	PIDIntakeMAP    byte = 0x0B
	PIDEngineRPM    byte = 0x0C
	PIDVehicleSpeed byte = 0x0D
	PIDIntakeTemp   byte = 0x0F
	PIDMAF          byte = 0x10
	PIDThrottle     byte = 0x11
	PIDRuntime      byte = 0x1F
	PIDEGR          byte = 0x2E
	PIDFuelLevel    byte = 0x2F
	PIDBaroPressure byte = 0x33
	PIDECUVoltage   byte = 0x42
	PIDAmbientTemp  byte = 0x46
	PIDOilTemp      byte = 0x5C
	PIDFuelRate     byte = 0x5E
)

func temperature(p []byte) float64 { return float64(p[0]) - 40 }
func percent(p []byte) float64     { return float64(p[0]) * 100 / 255 }
func single(p []byte) float64      { return float64(p[0]) }
func word(p []byte) float64        { return float64(uint16(p[0])<<8 | uint16(p[1])) }

var standardPIDs = []PIDDefinition{
	{PID: PIDCoolantTemp, Key: "coolant_temp", Name: "Coolant Temperature", Bytes: 1, Unit: "°C", Decode: temperature},
	{PID: PIDEngineRPM, Key: "rpm", Name: "Engine Speed", Bytes: 2, Unit: "RPM",
		Decode: func(p []byte) float64 { return word(p) / 4 }},
	{PID: PIDVehicleSpeed, Key: "speed", Name: "Vehicle Speed", Bytes: 1, Unit: "km/h", Decode: single},
	{PID: PIDEngineLoad, Key: "engine_load", Name: "Engine Load", Bytes: 1, Unit: "%", Accuracy: 1, Decode: percent},
	{PID: PIDIntakeTemp, Key: "intake_temp", Name: "Intake Air Temperature", Bytes: 1, Unit: "°C", Decode: temperature},
	{PID: PIDFuelLevel, Key: "fuel_level", Name: "Fuel Level", Bytes: 1, Unit: "%", Accuracy: 1, Decode: percent},
	{PID: PIDThrottle, Key: "throttle", Name: "Throttle Position", Bytes: 1, Unit: "%", Accuracy: 1, Decode: percent},
	{PID: PIDIntakeMAP, Key: "intake_map", Name: "Intake Manifold Pressure", Bytes: 1, Unit: "kPa", Decode: single},
	{PID: PIDMAF, Key: "maf", Name: "Mass Air Flow", Bytes: 2, Unit: "g/s", Accuracy: 2,
		Decode: func(p []byte) float64 { return word(p) / 100 }},
	{PID: PIDRuntime, Key: "engine_runtime", Name: "Engine Runtime", Bytes: 2, Unit: "s", Decode: word},
	{PID: PIDOilTemp, Key: "oil_temp", Name: "Oil Temperature", Bytes: 1, Unit: "°C", Decode: temperature},
	{PID: PIDAmbientTemp, Key: "ambient_temp", Name: "Ambient Temperature", Bytes: 1, Unit: "°C", Decode: temperature},
	{PID: PIDECUVoltage, Key: "ecu_voltage", Name: "ECU Voltage", Bytes: 2, Unit: "V", Accuracy: 3,
		Decode: func(p []byte) float64 { return word(p) / 1000 }},
	{PID: PIDFuelRate, Key: "fuel_rate", Name: "Fuel Rate", Bytes: 2, Unit: "L/h", Accuracy: 2,
		Decode: func(p []byte) float64 { return word(p) / 20 }},
	{PID: PIDBaroPressure, Key: "baro_pressure", Name: "Barometric Pressure", Bytes: 1, Unit: "kPa", Decode: single},
	{PID: PIDEGR, Key: "egr", Name: "Commanded EGR", Bytes: 1, Unit: "%", Accuracy: 1, Decode: percent},
}

// BatteryVoltageKey names the battery reading, which is read with ATRV
// rather than a PID.
const BatteryVoltageKey = "battery_voltage"

// BatteryVoltageCommand is the adapter command reading supply voltage.
const BatteryVoltageCommand = "ATRV"

// BatteryVoltage describes the ATRV reading. Its Decode is unused; the
// reply is text and goes through ParseVoltage.
var BatteryVoltage = PIDDefinition{Key: BatteryVoltageKey, Name: "Battery Voltage", Unit: "V", Accuracy: 1}

// genericPID decodes PIDs missing from the table as their first byte.
var genericPID = PIDDefinition{Key: "generic", Name: "Generic", Bytes: 1, Decode: single}

var (
	pidsByCode = make(map[byte]PIDDefinition, len(standardPIDs))
	pidsByKey  = make(map[string]PIDDefinition, len(standardPIDs))
)

func init() {
	for _, d := range standardPIDs {
		pidsByCode[d.PID] = d
		pidsByKey[d.Key] = d
	}
}

// StandardPIDs returns the supported Mode 01 PIDs in table order.
func StandardPIDs() []PIDDefinition {
	out := make([]PIDDefinition, len(standardPIDs))
	copy(out, standardPIDs)
	return out
}

// LookupPID returns the table entry for pid.
func LookupPID(pid byte) (PIDDefinition, bool) {
	d, ok := pidsByCode[pid]
	return d, ok
}

// LookupKey returns the table entry for a configuration name. The battery
// voltage entry is included.
func LookupKey(key string) (PIDDefinition, bool) {
	if key == BatteryVoltageKey {
		return BatteryVoltage, true
	}
	d, ok := pidsByKey[key]
	return d, ok
}

// Keys returns every configuration name, sorted.
func Keys() []string {
	keys := make([]string, 0, len(pidsByKey)+1)
	for k := range pidsByKey {
		keys = append(keys, k)
	}
	keys = append(keys, BatteryVoltageKey)
	sort.Strings(keys)
	return keys
}

// DecodePID applies the formula for pid to the payload bytes following the
// response prefix. PIDs missing from the table decode as their first byte.
func DecodePID(pid byte, payload []byte) (float64, error) {
	d, ok := LookupPID(pid)
	if !ok {
		d = genericPID
	}
	if len(payload) < d.Bytes {
		return 0, fmt.Errorf("%w: pid %02X has %d bytes, needs %d", ErrShortPayload, pid, len(payload), d.Bytes)
	}
	return d.Decode(payload), nil
}
