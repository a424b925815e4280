package protocol

import (
	"fmt"
	"strings"
)

// Category is the system a trouble code belongs to.
type Category uint8

const (
	Powertrain Category = iota // P
	Chassis                    // C
	Body                       // B
	Network                    // U
)

// Letter returns the code letter for the category.
func (c Category) Letter() byte {
	return "PCBU"[c&0x03]
}

// NoCodes is published instead of an empty string when no codes are stored.
const NoCodes = "No codes"

// DTC is a diagnostic trouble code decoded from a two-byte pair.
type DTC struct {
	Category Category
	Code     uint16 // lower 14 bits of the pair
}

// ParseDTC decodes one two-byte pair. The top two bits select the
// category, the next two the second digit, the last twelve the suffix.
func ParseDTC(hi, lo byte) DTC {
	raw := uint16(hi)<<8 | uint16(lo)
	return DTC{Category: Category(raw >> 14), Code: raw & 0x3FFF}
}

// String renders the standard five character form, e.g. "P0301".
func (d DTC) String() string {
	return fmt.Sprintf("%c%d%03X", d.Category.Letter(), d.Code>>12, d.Code&0x0FFF)
}

// DecodeDTCs decodes the payload of one single-line Mode 03 reply. An odd
// length means the frame starts with the CAN code-count byte, which is
// dropped. Zero pairs are padding and are skipped.
func DecodeDTCs(frame []byte) []DTC {
	if len(frame)%2 == 1 {
		frame = frame[1:]
	}
	return decodePairs(frame)
}

func decodePairs(frame []byte) []DTC {
	var out []DTC
	for i := 0; i+1 < len(frame); i += 2 {
		if frame[i] == 0 && frame[i+1] == 0 {
			continue
		}
		out = append(out, ParseDTC(frame[i], frame[i+1]))
	}
	return out
}

// DecodeDTCFrames decodes every frame and returns the distinct codes in the
// order first seen.
func DecodeDTCFrames(frames [][]byte) []DTC {
	decoded := make([][]DTC, len(frames))
	for i, f := range frames {
		decoded[i] = DecodeDTCs(f)
	}
	return dedupeDTCs(decoded)
}

func dedupeDTCs(sets [][]DTC) []DTC {
	seen := make(map[DTC]bool)
	var out []DTC
	for _, set := range sets {
		for _, d := range set {
			if seen[d] {
				continue
			}
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

// FormatDTCs joins codes for a text point; an empty set gives NoCodes.
func FormatDTCs(codes []DTC) string {
	if len(codes) == 0 {
		return NoCodes
	}
	parts := make([]string, len(codes))
	for i, d := range codes {
		parts[i] = d.String()
	}
	return strings.Join(parts, ", ")
}

// DTCs decodes the trouble codes carried by a Mode 03 response. A
// multi-frame reply is always CAN, so its first byte is the code count.
func (r Response) DTCs() ([]DTC, error) {
	frames, err := r.frames(DTCCommand())
	if err != nil {
		return nil, err
	}
	sets := make([][]DTC, len(frames))
	for i, f := range frames {
		switch {
		case f.counted && len(f.data) > 0:
			sets[i] = decodePairs(f.data[1:])
		default:
			sets[i] = DecodeDTCs(f.data)
		}
	}
	return dedupeDTCs(sets), nil
}
