// Package point holds the observable points the engine publishes to: typed
// values, a last-known-value store, and fan-out to subscribers such as the
// console sink and the websocket feed.
package point

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Kind is the value type a point carries.
type Kind uint8

const (
	KindNumber Kind = iota
	KindFlag
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindFlag:
		return "flag"
	case KindText:
		return "text"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MarshalText lets Kind appear by name in JSON.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Handle identifies a declared point.
type Handle int

// Meta is the descriptive part of a point.
type Meta struct {
	Name     string `json:"name"`
	Kind     Kind   `json:"kind"`
	Unit     string `json:"unit,omitempty"`
	Accuracy int    `json:"accuracy,omitempty"` // decimals shown for numbers
}

// Value is one published reading.
type Value struct {
	Kind   Kind
	Number float64
	Flag   bool
	Text   string
}

// Number returns a numeric value.
func Number(v float64) Value { return Value{Kind: KindNumber, Number: v} }

// Flag returns a boolean value.
func Flag(b bool) Value { return Value{Kind: KindFlag, Flag: b} }

// Text returns a text value.
func Text(s string) Value { return Value{Kind: KindText, Text: s} }

// Format renders the value for display, using accuracy decimals for numbers.
func (v Value) Format(accuracy int) string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Number, 'f', accuracy, 64)
	case KindFlag:
		if v.Flag {
			return "ON"
		}
		return "OFF"
	default:
		return v.Text
	}
}

// MarshalJSON encodes the bare number, bool or string.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNumber:
		return json.Marshal(v.Number)
	case KindFlag:
		return json.Marshal(v.Flag)
	default:
		return json.Marshal(v.Text)
	}
}

// Publisher receives values for declared points.
type Publisher interface {
	Publish(h Handle, v Value)
}

// Sample is a point with its last known value.
type Sample struct {
	Handle Handle    `json:"id"`
	Meta             // name, kind, unit
	Value  Value     `json:"value"`
	Valid  bool      `json:"valid"` // false until the first publish
	Stamp  time.Time `json:"stamp"`
}
