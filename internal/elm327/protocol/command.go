// Package protocol implements the ELM327 text protocol: command encoding,
// prompt-delimited response framing, status classification, and decoding of
// Mode 01 PIDs, battery voltage and diagnostic trouble codes.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind selects how a Command is written to the adapter.
type Kind uint8

const (
	// KindAT is an adapter command such as ATRV, sent as literal text.
	KindAT Kind = iota
	// KindPID is a vehicle request built from mode and PID.
	KindPID
	// KindRaw is a vehicle request whose reply is published undecoded. It is
	// either built from mode and PID or given as literal text.
	KindRaw
)

func (k Kind) String() string {
	switch k {
	case KindAT:
		return "at"
	case KindPID:
		return "pid"
	case KindRaw:
		return "raw"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// DefaultHeader is the functional CAN broadcast address used when no header
// has been set.
const DefaultHeader = "7DF"

// Mode values used by the engine itself.
const (
	ModeCurrentData byte = 0x01
	ModeStoredDTCs  byte = 0x03
)

// Command is one request to the adapter. It is a comparable value so that
// points registered with identical commands can share a polling slot.
type Command struct {
	Kind   Kind
	Mode   byte
	PID    uint16
	Header string // optional CAN header, sent as ATSH before the command
	Text   string // literal text for AT and literal raw commands, without \r
}

// NewATCommand returns an adapter command. A trailing carriage return in
// text is dropped; Encode adds it back.
func NewATCommand(text string) Command {
	return Command{Kind: KindAT, Text: cleanText(text)}
}

// NewPIDCommand returns a decoded vehicle request.
func NewPIDCommand(mode byte, pid uint16, header string) Command {
	return Command{Kind: KindPID, Mode: mode, PID: pid, Header: cleanHeader(header)}
}

// NewRawCommand returns a vehicle request whose reply is published as text.
// When text is non-empty it is sent verbatim and mode/pid are only used to
// locate the reply payload.
func NewRawCommand(mode byte, pid uint16, header, text string) Command {
	return Command{Kind: KindRaw, Mode: mode, PID: pid, Header: cleanHeader(header), Text: cleanText(text)}
}

// DTCCommand is the Mode 03 query issued internally for trouble codes.
func DTCCommand() Command {
	return Command{Kind: KindRaw, Mode: ModeStoredDTCs, Text: "03"}
}

func cleanText(s string) string {
	return strings.TrimSpace(strings.TrimRight(s, "\r\n"))
}

func cleanHeader(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Wire returns the command text as written, without the terminator.
func (c Command) Wire() string {
	if c.Text != "" {
		return c.Text
	}
	return hexRequest(c.Mode, c.PID)
}

// Encode returns the exact bytes written to the adapter.
func (c Command) Encode() []byte {
	return []byte(c.Wire() + "\r")
}

// EncodeHeader returns the ATSH command selecting header h.
func EncodeHeader(h string) []byte {
	return []byte("ATSH" + cleanHeader(h) + "\r")
}

// ResponsePrefix returns the hex text a positive reply starts with: the
// request mode with bit 0x40 set followed by the rest of the request. AT
// commands and literal commands that do not start with an OBD mode byte have
// no prefix.
func (c Command) ResponsePrefix() string {
	if c.Kind == KindAT {
		return ""
	}
	text := strings.ReplaceAll(strings.ToUpper(c.Wire()), " ", "")
	if len(text) < 2 || !isHex(text) {
		return ""
	}
	mode, err := strconv.ParseUint(text[:2], 16, 8)
	if err != nil || mode == 0 || mode >= 0x40 {
		return ""
	}
	return fmt.Sprintf("%02X", mode+0x40) + text[2:]
}

func (c Command) String() string {
	if c.Header != "" {
		return c.Wire() + " @" + c.Header
	}
	return c.Wire()
}

// hexRequest formats mode and PID, using four hex digits for PIDs wider
// than one byte (Mode 22 style).
func hexRequest(mode byte, pid uint16) string {
	if pid > 0xFF {
		return fmt.Sprintf("%02X%04X", mode, pid)
	}
	if mode == ModeStoredDTCs || mode == 0x04 || mode == 0x07 || mode == 0x0A {
		return fmt.Sprintf("%02X", mode)
	}
	return fmt.Sprintf("%02X%02X", mode, pid)
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
