package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go"
)

// errLinkLost is reported to the handler when the peripheral drops the link.
var errLinkLost = errors.New("ble: link lost")

// Handler receives link events. Its methods are called from BLE callback
// goroutines and must not block for long.
type Handler interface {
	LinkUp()
	Subscribed()
	LinkDown(err error)
	Notify(data []byte)
}

// LinkOptions configures the link.
type LinkOptions struct {
	Address          string
	ServiceUUID      string
	TXUUID           string
	RXUUID           string
	WriteChunk       int           // max bytes per GATT write
	InterChunkDelay  time.Duration // delay between write chunks (default 20ms)
	ReconnectMax     int           // max reconnect backoff in seconds
	RetryDelay       time.Duration // first reconnect backoff (default 1s)
	ConnectTimeout   time.Duration // bound on one connect attempt (default 15s)
	AttemptsPerRound uint          // connect attempts before a failure is logged
}

// DefaultLinkOptions returns the link settings for a typical FFF0 clone.
func DefaultLinkOptions() LinkOptions {
	return LinkOptions{
		WriteChunk:       DefaultWriteChunk,
		InterChunkDelay:  20 * time.Millisecond,
		ReconnectMax:     30,
		RetryDelay:       time.Second,
		ConnectTimeout:   15 * time.Second,
		AttemptsPerRound: 5,
	}
}

// Link keeps a connection to one adapter alive and implements the engine's
// transport: Write puts bytes on the TX characteristic, Connect and
// Disconnect toggle whether the link should be up.
type Link struct {
	adapter Adapter
	handler Handler
	opts    LinkOptions

	mu      sync.Mutex
	conn    Connection
	tx      Characteristic
	enabled bool

	wake chan struct{}
	lost chan error
}

// NewLink creates a link for the adapter at opts.Address. handler may be
// nil and set later with SetHandler. Nothing happens until Run is called.
func NewLink(adapter Adapter, handler Handler, opts LinkOptions) *Link {
	d := DefaultLinkOptions()
	if opts.WriteChunk <= 0 {
		opts.WriteChunk = d.WriteChunk
	}
	if opts.InterChunkDelay <= 0 {
		opts.InterChunkDelay = d.InterChunkDelay
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = d.ReconnectMax
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = d.RetryDelay
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = d.ConnectTimeout
	}
	if opts.AttemptsPerRound == 0 {
		opts.AttemptsPerRound = d.AttemptsPerRound
	}
	return &Link{
		adapter: adapter,
		handler: handler,
		opts:    opts,
		enabled: true,
		wake:    make(chan struct{}, 1),
		lost:    make(chan error, 1),
	}
}

// SetHandler replaces the event handler. It must be called before Run; the
// engine and the link each need the other at construction time.
func (l *Link) SetHandler(h Handler) {
	l.handler = h
}

// Write sends data to the TX characteristic in WriteChunk pieces. Safe for
// concurrent use.
func (l *Link) Write(data []byte) error {
	l.mu.Lock()
	tx := l.tx
	l.mu.Unlock()
	if tx == nil {
		return ErrNotConnected
	}

	chunks := ChunkBytes(data, l.opts.WriteChunk)
	for i, chunk := range chunks {
		if err := tx.Write(chunk); err != nil {
			return fmt.Errorf("ble: write: %w", err)
		}
		if i < len(chunks)-1 {
			time.Sleep(l.opts.InterChunkDelay)
		}
	}
	return nil
}

// Connect asks the link to come up. It returns immediately; Run does the work.
func (l *Link) Connect() error {
	l.mu.Lock()
	l.enabled = true
	l.mu.Unlock()
	l.poke()
	return nil
}

// Disconnect tears the link down and keeps it down until Connect.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	l.enabled = false
	conn := l.conn
	l.mu.Unlock()
	l.poke()
	if conn != nil {
		return conn.Disconnect()
	}
	return nil
}

// Connected reports whether the TX characteristic is available.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tx != nil
}

func (l *Link) poke() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Link) isEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Run enables the adapter and keeps the link up while enabled, reconnecting
// with exponential backoff. It returns when ctx is cancelled.
func (l *Link) Run(ctx context.Context) error {
	if err := l.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	for {
		if !l.isEnabled() {
			select {
			case <-ctx.Done():
				return nil
			case <-l.wake:
				continue
			}
		}

		err := retry.Do(
			func() error { return l.connect(ctx) },
			retry.Context(ctx),
			retry.Attempts(l.opts.AttemptsPerRound),
			retry.Delay(l.opts.RetryDelay),
			retry.MaxDelay(time.Duration(l.opts.ReconnectMax)*time.Second),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(error) bool { return l.isEnabled() }),
			retry.OnRetry(func(n uint, err error) {
				slog.Warn("[BLE] connect failed", "attempt", n+1, "error", err)
			}),
		)
		if ctx.Err() != nil {
			l.teardown()
			return nil
		}
		if err != nil {
			if l.isEnabled() {
				slog.Error("[BLE] could not connect, will keep trying", "address", l.opts.Address, "error", err)
			}
			continue
		}

		if err := l.waitDown(ctx); err != nil {
			return nil
		}
	}
}

// waitDown blocks until the current link is lost, disabled or ctx ends.
func (l *Link) waitDown(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.teardown()
			l.handler.LinkDown(ctx.Err())
			return ctx.Err()
		case err := <-l.lost:
			slog.Warn("[BLE] disconnected, reconnecting...", "error", err)
			l.handler.LinkDown(err)
			return nil
		case <-l.wake:
			if !l.isEnabled() {
				slog.Info("[BLE] disconnect requested")
				l.teardown()
				l.handler.LinkDown(nil)
				return nil
			}
		}
	}
}

// connect performs one connection attempt: connect, resolve TX and RX,
// enable notifications.
func (l *Link) connect(ctx context.Context) error {
	if !l.isEnabled() {
		return errors.New("ble: link disabled")
	}
	// drain a stale loss report from the previous connection
	select {
	case <-l.lost:
	default:
	}

	cctx, cancel := context.WithTimeout(ctx, l.opts.ConnectTimeout)
	defer cancel()
	conn, err := l.adapter.Connect(cctx, l.opts.Address)
	if err != nil {
		return err
	}

	fail := func(err error) error {
		_ = conn.Disconnect()
		return err
	}
	tx, err := conn.DiscoverCharacteristic(l.opts.ServiceUUID, l.opts.TXUUID)
	if err != nil {
		return fail(fmt.Errorf("ble: discover TX characteristic: %w", err))
	}
	rx, err := conn.DiscoverCharacteristic(l.opts.ServiceUUID, l.opts.RXUUID)
	if err != nil {
		return fail(fmt.Errorf("ble: discover RX characteristic: %w", err))
	}

	// the link owns conn before the callback is armed, so a drop that
	// fires at once is still reported
	l.mu.Lock()
	l.conn = conn
	l.tx = tx
	l.mu.Unlock()
	conn.OnDisconnect(func() { l.dropped(conn) })
	l.handler.LinkUp()

	if err := rx.Subscribe(l.handler.Notify); err != nil {
		l.release(conn)
		l.handler.LinkDown(err)
		return fail(fmt.Errorf("ble: subscribe to RX: %w", err))
	}

	slog.Info("[BLE] connected", "address", l.opts.Address)
	l.handler.Subscribed()
	return nil
}

// release forgets conn if it is still the current connection.
func (l *Link) release(conn Connection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == conn {
		l.conn = nil
		l.tx = nil
	}
}

// dropped handles an unsolicited disconnect of conn.
func (l *Link) dropped(conn Connection) {
	l.mu.Lock()
	if l.conn != conn {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	l.tx = nil
	l.mu.Unlock()

	select {
	case l.lost <- errLinkLost:
	default:
	}
}

func (l *Link) teardown() {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.tx = nil
	l.mu.Unlock()
	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			slog.Debug("[BLE] disconnect", "error", err)
		}
	}
}
