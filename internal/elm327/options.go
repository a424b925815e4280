// Package elm327 drives an ELM327 adapter: the connection state machine,
// the adapter init handshake, the polling scheduler and the dispatch of
// decoded replies to registered points.
//
// The Engine is single-threaded. Every method must be called from one
// goroutine; Runner provides that goroutine and turns transport callbacks
// into engine calls. Only IsConnected and State are safe to call from
// elsewhere.
package elm327

import (
	"fmt"
	"time"

	"github.com/chaz8081/elm327-ble/internal/elm327/protocol"
)

// State is the connection state.
type State uint32

const (
	StateDisconnected State = iota
	StateConnecting
	StateInitializing
	StateReady
	StateAwaitingResponse
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Options configures the engine.
type Options struct {
	RequestInterval     time.Duration // minimum spacing between poll dispatches
	RequestTimeout      time.Duration // deadline for one poll reply
	EngineRunningWindow time.Duration // how long an RPM reading stays valid
	EngineRunningMinRPM float64
	MaxInitAttempts     int
	InitRetryDelay      time.Duration
	BufferBytes         int // framer limit per response
}

// DefaultOptions returns the stock timing.
func DefaultOptions() Options {
	return Options{
		RequestInterval:     2 * time.Second,
		RequestTimeout:      5 * time.Second,
		EngineRunningWindow: 10 * time.Second,
		EngineRunningMinRPM: 100,
		MaxInitAttempts:     3,
		InitRetryDelay:      2 * time.Second,
		BufferBytes:         protocol.MaxBufferBytes,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RequestInterval <= 0 {
		o.RequestInterval = d.RequestInterval
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.EngineRunningWindow <= 0 {
		o.EngineRunningWindow = d.EngineRunningWindow
	}
	if o.EngineRunningMinRPM <= 0 {
		o.EngineRunningMinRPM = d.EngineRunningMinRPM
	}
	if o.MaxInitAttempts <= 0 {
		o.MaxInitAttempts = d.MaxInitAttempts
	}
	if o.InitRetryDelay < 0 {
		o.InitRetryDelay = 0
	}
	if o.BufferBytes <= 0 {
		o.BufferBytes = d.BufferBytes
	}
	return o
}

// Transport is the link to the adapter. Connect and Disconnect only request
// the change; the outcome arrives later as LinkUp / LinkDown.
type Transport interface {
	Write(p []byte) error
	Connect() error
	Disconnect() error
}

// Observer receives engine events for health accounting.
type Observer interface {
	StateChanged(from, to State)
	CommandSent(cmd protocol.Command)
	ResponseReceived(cmd protocol.Command, latency time.Duration)
	DecodeFailed(cmd protocol.Command, err error)
	AdapterError(cmd protocol.Command, status protocol.Status)
	Timeout(cmd protocol.Command)
	Truncated()
	InitFailed(attempt int)
}

type nopObserver struct{}

func (nopObserver) StateChanged(State, State) {}
func (nopObserver) CommandSent(protocol.Command) {}
func (nopObserver) ResponseReceived(protocol.Command, time.Duration) {}
func (nopObserver) DecodeFailed(protocol.Command, error) {}
func (nopObserver) AdapterError(protocol.Command, protocol.Status) {}
func (nopObserver) Timeout(protocol.Command) {}
func (nopObserver) Truncated() {}
func (nopObserver) InitFailed(int) {}
