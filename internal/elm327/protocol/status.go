package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Status classifies a response line. StatusNone marks a data line.
type Status uint8

const (
	StatusNone Status = iota
	StatusOK
	StatusNoData
	StatusError
	StatusCANError
	StatusUnknownCommand // "?"
	StatusSearching
	StatusStopped
	StatusUnableToConnect
	StatusBufferFull
	StatusBusInit
)

var statusNames = map[Status]string{
	StatusNone:            "DATA",
	StatusOK:              "OK",
	StatusNoData:          "NO DATA",
	StatusError:           "ERROR",
	StatusCANError:        "CAN ERROR",
	StatusUnknownCommand:  "?",
	StatusSearching:       "SEARCHING...",
	StatusStopped:         "STOPPED",
	StatusUnableToConnect: "UNABLE TO CONNECT",
	StatusBufferFull:      "BUFFER FULL",
	StatusBusInit:         "BUS INIT",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Transient reports whether the token is progress output that precedes the
// real answer within the same response.
func (s Status) Transient() bool {
	return s == StatusSearching || s == StatusBusInit
}

// Failure reports whether the token means the command produced no value.
func (s Status) Failure() bool {
	switch s {
	case StatusNoData, StatusError, StatusCANError, StatusUnknownCommand,
		StatusStopped, StatusUnableToConnect, StatusBufferFull:
		return true
	}
	return false
}

// AdapterError reports whether the token is an adapter-reported error that
// counts against connection health.
func (s Status) AdapterError() bool {
	switch s {
	case StatusError, StatusCANError, StatusUnknownCommand, StatusBufferFull:
		return true
	}
	return false
}

// Err maps a failure status to ErrAdapter or ErrNoData. It returns nil for
// data and OK.
func (s Status) Err() error {
	switch {
	case s.AdapterError():
		return fmt.Errorf("%w: %s", ErrAdapter, s)
	case s.Failure(), s.Transient():
		return fmt.Errorf("%w: %s", ErrNoData, s)
	}
	return nil
}

// Decode failures. Every one of them means "no update this cycle".
var (
	ErrNoData          = errors.New("protocol: no data")
	ErrAdapter         = errors.New("protocol: adapter error")
	ErrMalformed       = errors.New("protocol: malformed response")
	ErrUnexpectedReply = errors.New("protocol: unexpected reply")
	ErrTruncated       = errors.New("protocol: response truncated")
	ErrShortPayload    = errors.New("protocol: payload shorter than expected")
	ErrOutOfRange      = errors.New("protocol: value out of range")
)

// ClassifyStatus maps one trimmed response line to its status token. The
// comparison ignores case and spaces so "NODATA" (spaces off) still matches.
func ClassifyStatus(line string) Status {
	key := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(line), " ", ""))
	switch {
	case key == "OK":
		return StatusOK
	case key == "NODATA":
		return StatusNoData
	case key == "?":
		return StatusUnknownCommand
	case key == "CANERROR":
		return StatusCANError
	case key == "STOPPED":
		return StatusStopped
	case key == "BUFFERFULL":
		return StatusBufferFull
	case strings.HasPrefix(key, "SEARCHING"):
		return StatusSearching
	case strings.HasPrefix(key, "BUSINIT"):
		if strings.HasSuffix(key, "ERROR") {
			return StatusError
		}
		return StatusBusInit
	case strings.HasPrefix(key, "UNABLETOCONNECT"):
		return StatusUnableToConnect
	case strings.HasSuffix(key, "ERROR"):
		// ERROR, BUS ERROR, DATA ERROR, FB ERROR, <DATA ERROR
		return StatusError
	}
	return StatusNone
}
