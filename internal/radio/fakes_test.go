package radio

import (
	"context"
	"fmt"
	"sync"

	"github.com/g-d-j-evans/MeschaTUI/internal/driver"
)

// fakeSession implements driver.Session with per-method hooks; nil
// hooks succeed with zero values.
type fakeSession struct {
	mu   sync.Mutex
	subs map[string]fakeSub
	next int

	disconnectErr  error
	unsubscribeErr error
	autoFetchErr   error
	stopFetchErr   error

	getContactsFn func(ctx context.Context) ([]driver.Contact, error)
	getChannelFn  func(ctx context.Context, slot int) (*driver.ChannelInfo, error)
	setChannelFn  func(ctx context.Context, slot int, name string, secret []byte) error
	sendDirectFn  func(ctx context.Context, destKey, text string) error
	sendChannelFn func(ctx context.Context, slot int, text string) error
	sendAdvertFn  func(ctx context.Context, flood bool) error

	unsubscribed []string
	fetchStarted bool
	fetchStopped bool
}

type fakeSub struct {
	t  driver.EventType
	fn driver.Handler
}

func newFakeSession() *fakeSession {
	return &fakeSession{subs: make(map[string]fakeSub)}
}

func (s *fakeSession) Disconnect() error { return s.disconnectErr }

func (s *fakeSession) Subscribe(t driver.EventType, fn driver.Handler) driver.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := fmt.Sprintf("sub-%d", s.next)
	s.subs[id] = fakeSub{t: t, fn: fn}
	return driver.Subscription{ID: id, Type: t}
}

func (s *fakeSession) Unsubscribe(sub driver.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed = append(s.unsubscribed, sub.ID)
	delete(s.subs, sub.ID)
	return s.unsubscribeErr
}

// emit fans an event to every handler registered for its type, like
// the driver's dispatch goroutine would.
func (s *fakeSession) emit(ev driver.Event) {
	s.mu.Lock()
	handlers := make([]driver.Handler, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.t == ev.Type {
			handlers = append(handlers, sub.fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (s *fakeSession) subCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *fakeSession) StartAutoFetch(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.autoFetchErr != nil {
		return s.autoFetchErr
	}
	s.fetchStarted = true
	return nil
}

func (s *fakeSession) StopAutoFetch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchStopped = true
	return s.stopFetchErr
}

func (s *fakeSession) GetContacts(ctx context.Context) ([]driver.Contact, error) {
	if s.getContactsFn != nil {
		return s.getContactsFn(ctx)
	}
	return nil, nil
}

func (s *fakeSession) GetChannel(ctx context.Context, slot int) (*driver.ChannelInfo, error) {
	if s.getChannelFn != nil {
		return s.getChannelFn(ctx, slot)
	}
	return &driver.ChannelInfo{Index: slot}, nil
}

func (s *fakeSession) SetChannel(ctx context.Context, slot int, name string, secret []byte) error {
	if s.setChannelFn != nil {
		return s.setChannelFn(ctx, slot, name, secret)
	}
	return nil
}

func (s *fakeSession) SendDirectMessage(ctx context.Context, destKey, text string) error {
	if s.sendDirectFn != nil {
		return s.sendDirectFn(ctx, destKey, text)
	}
	return nil
}

func (s *fakeSession) SendChannelMessage(ctx context.Context, slot int, text string) error {
	if s.sendChannelFn != nil {
		return s.sendChannelFn(ctx, slot, text)
	}
	return nil
}

func (s *fakeSession) SendAdvert(ctx context.Context, flood bool) error {
	if s.sendAdvertFn != nil {
		return s.sendAdvertFn(ctx, flood)
	}
	return nil
}

func (s *fakeSession) SelfInfo() *driver.SelfInfo { return nil }

// fakeLink implements Link over a fakeSession.
type fakeLink struct {
	sess       driver.Session
	connectErr error
	transport  string

	mu            sync.Mutex
	connects      int
	disconnects   int
	connected     bool
	disconnectErr error
}

func (l *fakeLink) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connects++
	if l.connectErr != nil {
		return l.connectErr
	}
	l.connected = true
	return nil
}

func (l *fakeLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects++
	l.connected = false
	return l.disconnectErr
}

func (l *fakeLink) Session() driver.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return nil
	}
	return l.sess
}

func (l *fakeLink) Transport() string {
	if l.transport == "" {
		return "fake"
	}
	return l.transport
}

// fakeDisplay records Display calls.
type fakeDisplay struct {
	mu       sync.Mutex
	messages []string
	notices  []string
	contacts [][]driver.Contact
}

func (d *fakeDisplay) AddMessage(text string, sent bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, text)
}

func (d *fakeDisplay) UpdateContacts(contacts []driver.Contact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contacts = append(d.contacts, contacts)
}

func (d *fakeDisplay) Notify(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notices = append(d.notices, text)
}

func (d *fakeDisplay) messageCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.messages)
}

func (d *fakeDisplay) lastMessage() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.messages) == 0 {
		return ""
	}
	return d.messages[len(d.messages)-1]
}
