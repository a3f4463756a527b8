package radio

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/g-d-j-evans/MeschaTUI/internal/driver"
)

// ConnectionState describes the lifecycle manager's current status.
type ConnectionState int32

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// HandlerFactory builds the event subscription handler for a freshly
// connected session.
type HandlerFactory func(sess driver.Session) *Handler

// Connector owns at most one active Link and drives its lifecycle.
// Connect attempts are serialized: a second connect issued while one is
// in flight is rejected with ErrConnectInFlight.
type Connector struct {
	log        *zap.Logger
	newHandler HandlerFactory

	state    atomic.Int32
	inFlight atomic.Bool

	mu      sync.Mutex
	link    Link
	handler *Handler
	lastErr string
}

// NewConnector builds an idle Connector.
func NewConnector(newHandler HandlerFactory, log *zap.Logger) *Connector {
	return &Connector{log: log, newHandler: newHandler}
}

// SelectLink installs a new transport, disconnecting any active one
// first.
func (c *Connector) SelectLink(l Link) {
	c.Disconnect()
	c.mu.Lock()
	c.link = l
	c.mu.Unlock()
}

// Connect establishes the selected link and builds the event handler
// for its session. The link's own retry policy applies.
func (c *Connector) Connect(ctx context.Context) error {
	if !c.inFlight.CompareAndSwap(false, true) {
		return ErrConnectInFlight
	}
	defer c.inFlight.Store(false)

	c.mu.Lock()
	link := c.link
	prev := c.handler
	c.handler = nil
	c.mu.Unlock()
	if link == nil {
		return ErrNoRadioSelected
	}
	// A reconnect replaces the session; the old handler must not keep
	// pumping against it.
	if prev != nil {
		prev.Stop()
	}

	c.setState(StateConnecting)
	if err := link.Connect(ctx); err != nil {
		c.mu.Lock()
		c.lastErr = err.Error()
		c.mu.Unlock()
		c.setState(StateFailed)
		return err
	}

	handler := c.newHandler(link.Session())
	c.mu.Lock()
	c.handler = handler
	c.lastErr = ""
	c.mu.Unlock()
	c.setState(StateConnected)
	c.log.Info("radio connected", zap.String("transport", link.Transport()))
	return nil
}

// Disconnect stops the event handler, tears down the link, and resets
// to Idle. Failures along the way are logged, never propagated; the
// manager always ends with no owned link.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	link := c.link
	handler := c.handler
	c.link = nil
	c.handler = nil
	c.mu.Unlock()

	if handler != nil {
		handler.Stop()
	}
	if link != nil {
		if err := link.Disconnect(); err != nil {
			c.log.Warn("error during link disconnect", zap.Error(err))
		}
	}
	c.setState(StateIdle)
}

// State returns the current lifecycle state.
func (c *Connector) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// FailureReason returns the message of the last terminal connect
// failure, or "" if the last connect succeeded.
func (c *Connector) FailureReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Session returns the active driver session, or nil.
func (c *Connector) Session() driver.Session {
	c.mu.Lock()
	link := c.link
	c.mu.Unlock()
	if link == nil {
		return nil
	}
	return link.Session()
}

// Handler returns the event subscription handler for the active
// session, or nil when disconnected.
func (c *Connector) Handler() *Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

// Transport names the selected link kind, or "" when none is selected.
func (c *Connector) Transport() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return ""
	}
	return c.link.Transport()
}

func (c *Connector) setState(s ConnectionState) {
	c.state.Store(int32(s))
}
