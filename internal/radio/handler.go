package radio

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/g-d-j-evans/MeschaTUI/internal/driver"
	"github.com/g-d-j-evans/MeschaTUI/internal/state"
)

// Display is where resolved messages and notifications go. Implemented
// by the gateway's WebSocket bridge.
type Display interface {
	AddMessage(text string, sent bool)
	UpdateContacts(contacts []driver.Contact)
	Notify(text string)
}

const eventQueueSize = 64

// Handler owns the inbound event subscriptions for one session. Driver
// callbacks only enqueue; a single pump goroutine runs the resolver and
// forwards to the display, keeping the delivery path free of I/O.
type Handler struct {
	sess     driver.Session
	store    *state.Store
	display  Display
	log      *zap.Logger
	eventLog *EventLog // nil unless debug mode

	mu       sync.Mutex
	started  bool
	subs     []driver.Subscription
	events   chan driver.Event
	stop     chan struct{}
	pumpDone chan struct{}
	cancel   context.CancelFunc
}

// NewHandler builds a Handler for an open session. eventLog may be nil.
func NewHandler(sess driver.Session, store *state.Store, display Display, eventLog *EventLog, log *zap.Logger) *Handler {
	return &Handler{
		sess:     sess,
		store:    store,
		display:  display,
		eventLog: eventLog,
		log:      log,
	}
}

// Start subscribes to the three inbound categories and starts the
// driver's auto-fetch. Calling Start on a started Handler is a no-op,
// so subscriptions are never duplicated.
func (h *Handler) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return nil
	}

	h.events = make(chan driver.Event, eventQueueSize)
	h.stop = make(chan struct{})
	h.pumpDone = make(chan struct{})

	enqueue := func(ev driver.Event) {
		select {
		case h.events <- ev:
		default:
			h.log.Warn("event queue full, dropping event", zap.Stringer("type", ev.Type))
		}
	}
	h.subs = []driver.Subscription{
		h.sess.Subscribe(driver.EventContactMessage, enqueue),
		h.sess.Subscribe(driver.EventChannelMessage, enqueue),
		h.sess.Subscribe(driver.EventContacts, enqueue),
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := h.sess.StartAutoFetch(ctx); err != nil {
		cancel()
		for _, sub := range h.subs {
			h.sess.Unsubscribe(sub) //nolint:errcheck
		}
		h.subs = nil
		return err
	}
	h.cancel = cancel

	go h.pump()
	h.started = true
	return nil
}

// Stop unsubscribes every retained handle and stops auto-fetch. Each
// step is attempted regardless of earlier failures; a failed
// unsubscribe never skips the rest. Stop on a stopped Handler is a
// no-op.
func (h *Handler) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return
	}

	for _, sub := range h.subs {
		if err := h.sess.Unsubscribe(sub); err != nil {
			h.log.Warn("unsubscribe failed", zap.String("id", sub.ID), zap.Error(err))
		}
	}
	h.subs = nil

	if err := h.sess.StopAutoFetch(); err != nil {
		h.log.Warn("stop auto-fetch failed", zap.Error(err))
	}
	h.cancel()

	close(h.stop)
	<-h.pumpDone
	h.started = false
}

func (h *Handler) pump() {
	defer close(h.pumpDone)
	for {
		select {
		case <-h.stop:
			return
		case ev := <-h.events:
			h.handle(ev)
		}
	}
}

// handle processes one inbound event. A panic while handling drops
// that event only; there is no UI channel to report it on, so it goes
// to the log.
func (h *Handler) handle(ev driver.Event) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("dropping event after handler panic",
				zap.Stringer("type", ev.Type),
				zap.Any("panic", r),
			)
		}
	}()

	if h.eventLog != nil {
		h.eventLog.Append(ev)
	}

	switch ev.Type {
	case driver.EventContacts:
		h.store.ReplaceContacts(ev.Contacts)
		h.display.UpdateContacts(ev.Contacts)
	case driver.EventContactMessage, driver.EventChannelMessage:
		if ev.Message == nil {
			return
		}
		isChannel := ev.Type == driver.EventChannelMessage
		attr := Resolve(ev.Message, isChannel, h.store.Contacts(), h.store.Channels())
		h.display.AddMessage(attr.Line(), false)
	}
}
