package radio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/g-d-j-evans/MeschaTUI/internal/config"
	"github.com/g-d-j-evans/MeschaTUI/internal/driver"
)

// Link is one transport to a radio. At most one Link is active at a
// time; the Connector owns it.
type Link interface {
	// Connect establishes the driver session. An existing session is
	// torn down first.
	Connect(ctx context.Context) error
	// Disconnect closes the session. Idempotent.
	Disconnect() error
	// Session returns the live driver session, or nil when disconnected.
	Session() driver.Session
	// Transport names the link kind ("ble" or "serial").
	Transport() string
}

// BLEDialer opens a BLE driver session. The context carries the
// per-attempt connect deadline.
type BLEDialer func(ctx context.Context, address string) (driver.Session, error)

// SerialDialer opens a serial driver session.
type SerialDialer func(port string, baud int) (driver.Session, error)

// BLELink connects over Bluetooth LE with bounded retries and
// exponential backoff between attempts.
type BLELink struct {
	address string
	cfg     config.BLEConfig
	dial    BLEDialer
	log     *zap.Logger

	// sleep is the backoff suspension point; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	sess driver.Session
}

// NewBLELink builds a BLE link for the given device address.
func NewBLELink(address string, cfg config.BLEConfig, dial BLEDialer, log *zap.Logger) *BLELink {
	return &BLELink{
		address: address,
		cfg:     cfg,
		dial:    dial,
		log:     log,
		sleep:   sleepCtx,
	}
}

func (l *BLELink) Transport() string { return "ble" }

// Connect makes up to MaxRetries+1 attempts, each bounded by the
// connect timeout, waiting RetryDelay * 2^attempt between failures.
func (l *BLELink) Connect(ctx context.Context) error {
	l.Disconnect() //nolint:errcheck

	var last *Error
	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
		sess, err := l.dial(attemptCtx, l.address)
		cancel()
		if err == nil {
			l.mu.Lock()
			l.sess = sess
			l.mu.Unlock()
			return nil
		}

		last = classifyConnectErr(err)
		l.log.Warn("ble connect attempt failed",
			zap.Int("attempt", attempt),
			zap.String("kind", last.Kind.String()),
			zap.Error(err),
		)
		if attempt >= l.cfg.MaxRetries {
			break
		}
		backoff := l.cfg.RetryDelay * (1 << attempt)
		if err := l.sleep(ctx, backoff); err != nil {
			return classifyConnectErr(err)
		}
	}
	if last == nil {
		last = &Error{Kind: KindTransport, Message: "failed to connect to radio after multiple attempts"}
	}
	return last
}

func (l *BLELink) Disconnect() error {
	l.mu.Lock()
	sess := l.sess
	l.sess = nil
	l.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Disconnect()
}

func (l *BLELink) Session() driver.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sess
}

// classifyConnectErr maps a dial failure onto the error kinds of the
// retry policy. Timeouts and recognized stack failures get specific
// operator messages; everything else is surfaced generically.
func classifyConnectErr(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "connection attempt timed out", Err: err}
	}
	var dbusErr dbus.Error
	var netErr net.Error
	if errors.As(err, &dbusErr) || errors.As(err, &netErr) {
		return &Error{
			Kind:    KindTransport,
			Message: fmt.Sprintf("failed to connect after multiple attempts: %v", err),
			Err:     err,
		}
	}
	return &Error{Kind: KindUnexpected, Message: "an unexpected error occurred", Err: err}
}

// SerialLink connects over a local serial port. Connect is a single
// attempt; timeouts are not meaningful over a local port.
type SerialLink struct {
	port string
	baud int
	dial SerialDialer

	mu   sync.Mutex
	sess driver.Session
}

// NewSerialLink builds a serial link for the given port and baud rate.
func NewSerialLink(port string, baud int, dial SerialDialer) *SerialLink {
	return &SerialLink{port: port, baud: baud, dial: dial}
}

func (l *SerialLink) Transport() string { return "serial" }

func (l *SerialLink) Connect(ctx context.Context) error {
	l.Disconnect() //nolint:errcheck

	sess, err := l.dial(l.port, l.baud)
	if err != nil {
		return &Error{
			Kind:    KindTransport,
			Message: fmt.Sprintf("failed to connect via serial: %v", err),
			Err:     err,
		}
	}
	l.mu.Lock()
	l.sess = sess
	l.mu.Unlock()
	return nil
}

func (l *SerialLink) Disconnect() error {
	l.mu.Lock()
	sess := l.sess
	l.sess = nil
	l.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Disconnect()
}

func (l *SerialLink) Session() driver.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sess
}

// sleepCtx waits d without busy-waiting, aborting when ctx ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
