package meshcore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/g-d-j-evans/MeschaTUI/internal/driver"
)

const (
	appName          = "meshchatd"
	responseTimeout  = 5 * time.Second
	syncTimeout      = 10 * time.Second
	msgWaitingBuffer = 4
)

// ErrClosed is returned by wire operations after Disconnect.
var ErrClosed = errors.New("meshcore: session closed")

// Conn is a framed transport to the radio. ReadFrame blocks until a
// whole frame arrives or the connection dies.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(payload []byte) error
	Close() error
}

// Session is the concrete driver.Session over a Conn. A background
// read loop routes solicited responses to waiters (keyed by response
// code) and unsolicited pushes to the push handler.
type Session struct {
	conn Conn
	log  *zap.Logger
	self *driver.SelfInfo

	ioMu sync.Mutex // serializes request/response command sequences

	waitersMu sync.Mutex
	waiters   map[byte][]*waiter

	subsMu sync.RWMutex
	subs   map[driver.EventType]map[string]driver.Handler

	msgWaiting chan struct{}

	fetchMu     sync.Mutex
	fetchCancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
	readerWG  sync.WaitGroup
}

// Open performs the AppStart/DeviceQuery handshake over an established
// Conn and starts the read loop. The Conn is closed on handshake error.
func Open(conn Conn, log *zap.Logger) (*Session, error) {
	self, err := handshake(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s := &Session{
		conn:       conn,
		log:        log,
		self:       self,
		waiters:    make(map[byte][]*waiter),
		subs:       make(map[driver.EventType]map[string]driver.Handler),
		msgWaiting: make(chan struct{}, msgWaitingBuffer),
		closed:     make(chan struct{}),
	}
	s.readerWG.Add(1)
	go s.readLoop()
	log.Info("meshcore session open",
		zap.String("node", self.Name),
		zap.String("firmware", self.FirmwareVersion),
	)
	return s, nil
}

// handshake runs synchronously before the read loop exists, so it reads
// frames directly off the Conn.
func handshake(conn Conn) (*driver.SelfInfo, error) {
	if err := conn.WriteFrame(appStartFrame(appName)); err != nil {
		return nil, fmt.Errorf("meshcore: app start: %w", err)
	}
	frame, err := conn.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("meshcore: app start reply: %w", err)
	}
	if len(frame) == 0 || frame[0] != respSelfInfo {
		return nil, fmt.Errorf("meshcore: expected SELF_INFO, got 0x%02x", frame[0])
	}
	self, err := parseSelfInfo(frame)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteFrame(deviceQueryFrame()); err != nil {
		return nil, fmt.Errorf("meshcore: device query: %w", err)
	}
	frame, err = conn.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("meshcore: device query reply: %w", err)
	}
	if len(frame) == 0 || frame[0] != respDeviceInfo {
		return nil, fmt.Errorf("meshcore: expected DEVICE_INFO, got 0x%02x", frame[0])
	}
	if err := parseDeviceInfo(frame, self); err != nil {
		return nil, err
	}
	return self, nil
}

// SelfInfo implements driver.Session.
func (s *Session) SelfInfo() *driver.SelfInfo { return s.self }

// Disconnect implements driver.Session. Safe to call more than once.
func (s *Session) Disconnect() error {
	var err error
	s.closeOnce.Do(func() {
		s.StopAutoFetch() //nolint:errcheck
		close(s.closed)
		err = s.conn.Close()
		s.readerWG.Wait()
	})
	return err
}

// ── subscriptions ─────────────────────────────────────────────────────

// Subscribe implements driver.Session.
func (s *Session) Subscribe(t driver.EventType, fn driver.Handler) driver.Subscription {
	sub := driver.Subscription{ID: uuid.NewString(), Type: t}
	s.subsMu.Lock()
	if s.subs[t] == nil {
		s.subs[t] = make(map[string]driver.Handler)
	}
	s.subs[t][sub.ID] = fn
	s.subsMu.Unlock()
	return sub
}

// Unsubscribe implements driver.Session.
func (s *Session) Unsubscribe(sub driver.Subscription) error {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	handlers, ok := s.subs[sub.Type]
	if !ok {
		return fmt.Errorf("meshcore: no subscriptions for %s", sub.Type)
	}
	if _, ok := handlers[sub.ID]; !ok {
		return fmt.Errorf("meshcore: unknown subscription %s", sub.ID)
	}
	delete(handlers, sub.ID)
	return nil
}

func (s *Session) emit(ev driver.Event) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for _, fn := range s.subs[ev.Type] {
		fn(ev)
	}
}

// ── auto fetch ────────────────────────────────────────────────────────

// StartAutoFetch implements driver.Session. The loop drains any queued
// messages immediately, then again on every MSG_WAITING push.
func (s *Session) StartAutoFetch(ctx context.Context) error {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()
	if s.fetchCancel != nil {
		return nil
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	s.fetchCancel = cancel
	go s.fetchLoop(fetchCtx)
	return nil
}

// StopAutoFetch implements driver.Session.
func (s *Session) StopAutoFetch() error {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()
	if s.fetchCancel != nil {
		s.fetchCancel()
		s.fetchCancel = nil
	}
	return nil
}

func (s *Session) fetchLoop(ctx context.Context) {
	s.drainMessages(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-s.msgWaiting:
			s.drainMessages(ctx)
		}
	}
}

// drainMessages issues SyncNextMessage until the device reports no
// more queued messages, emitting one event per message.
func (s *Session) drainMessages(ctx context.Context) {
	for {
		ev, err := s.syncNextMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("meshcore: sync next message", zap.Error(err))
			}
			return
		}
		if ev == nil {
			return
		}
		s.emit(*ev)
	}
}

func (s *Session) syncNextMessage(ctx context.Context) (*driver.Event, error) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	chContact := s.addWaiter(respContactMsgRecv)
	chChannel := s.addWaiter(respChannelMsgRecv)
	chNoMore := s.addWaiter(respNoMoreMessages)
	defer func() {
		s.removeWaiter(respContactMsgRecv, chContact)
		s.removeWaiter(respChannelMsgRecv, chChannel)
		s.removeWaiter(respNoMoreMessages, chNoMore)
	}()

	if err := s.conn.WriteFrame(syncNextMsgFrame()); err != nil {
		return nil, err
	}

	select {
	case frame := <-chContact:
		msg, err := parseContactMessage(frame)
		if err != nil {
			return nil, err
		}
		return &driver.Event{Type: driver.EventContactMessage, Message: msg}, nil
	case frame := <-chChannel:
		msg, err := parseChannelMessage(frame)
		if err != nil {
			return nil, err
		}
		return &driver.Event{Type: driver.EventChannelMessage, Message: msg}, nil
	case <-chNoMore:
		return nil, nil
	case <-time.After(syncTimeout):
		return nil, fmt.Errorf("meshcore: timeout waiting for next message")
	case <-s.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ── commands ──────────────────────────────────────────────────────────

// GetContacts implements driver.Session. The contact list arrives as a
// ContactsStart / Contact* / EndOfContacts stream.
func (s *Session) GetContacts(ctx context.Context) ([]driver.Contact, error) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	chStart := s.addStreamWaiter(respContactsStart)
	chContact := s.addStreamWaiter(respContact)
	chEnd := s.addWaiter(respEndOfContacts)
	defer func() {
		s.removeWaiter(respContactsStart, chStart)
		s.removeWaiter(respContact, chContact)
		s.removeWaiter(respEndOfContacts, chEnd)
	}()

	if err := s.conn.WriteFrame(getContactsFrame()); err != nil {
		return nil, err
	}

	var contacts []driver.Contact
	deadline := time.After(syncTimeout)
	for {
		select {
		case frame := <-chStart:
			if len(frame) >= 5 {
				count := binary.LittleEndian.Uint32(frame[1:5])
				s.log.Debug("meshcore: contacts start", zap.Uint32("count", count))
			}
		case frame := <-chContact:
			c, err := parseContact(frame)
			if err != nil {
				s.log.Warn("meshcore: bad contact entry", zap.Error(err))
			} else {
				contacts = append(contacts, c)
			}
		case <-chEnd:
			s.emit(driver.Event{Type: driver.EventContacts, Contacts: contacts})
			return contacts, nil
		case <-deadline:
			return nil, fmt.Errorf("meshcore: timeout reading contact list")
		case <-s.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// GetChannel implements driver.Session.
func (s *Session) GetChannel(ctx context.Context, slot int) (*driver.ChannelInfo, error) {
	frame, err := s.request(ctx, getChannelFrame(slot), respChannelInfo)
	if err != nil {
		return nil, err
	}
	info, err := parseChannelInfo(frame)
	if err != nil {
		return nil, err
	}
	if info.Index != slot {
		return nil, fmt.Errorf("meshcore: CHANNEL_INFO slot mismatch: asked %d, got %d", slot, info.Index)
	}
	return info, nil
}

// SetChannel implements driver.Session.
func (s *Session) SetChannel(ctx context.Context, slot int, name string, secret []byte) error {
	frame, err := setChannelFrame(slot, name, secret)
	if err != nil {
		return err
	}
	return s.requestOK(ctx, frame)
}

// SendDirectMessage implements driver.Session.
func (s *Session) SendDirectMessage(ctx context.Context, destKey, text string) error {
	frame, err := sendTxtMsgFrame(destKey, text, time.Now())
	if err != nil {
		return err
	}
	_, err = s.request(ctx, frame, respSent)
	return err
}

// SendChannelMessage implements driver.Session.
func (s *Session) SendChannelMessage(ctx context.Context, slot int, text string) error {
	return s.send(sendChannelTxtFrame(slot, text, time.Now()))
}

// SendAdvert implements driver.Session.
func (s *Session) SendAdvert(ctx context.Context, flood bool) error {
	return s.requestOK(ctx, sendSelfAdvertFrame(flood))
}

// ── wire plumbing ─────────────────────────────────────────────────────

// send writes a fire-and-forget frame.
func (s *Session) send(frame []byte) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	return s.conn.WriteFrame(frame)
}

// request writes a command frame and waits for one response of the
// given code, or an ERR frame.
func (s *Session) request(ctx context.Context, frame []byte, code byte) ([]byte, error) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	chResp := s.addWaiter(code)
	chErr := s.addWaiter(respErr)
	defer func() {
		s.removeWaiter(code, chResp)
		s.removeWaiter(respErr, chErr)
	}()

	if err := s.conn.WriteFrame(frame); err != nil {
		return nil, err
	}

	select {
	case resp := <-chResp:
		return resp, nil
	case resp := <-chErr:
		if len(resp) >= 2 {
			return nil, fmt.Errorf("meshcore: radio error 0x%02x", resp[1])
		}
		return nil, fmt.Errorf("meshcore: radio error")
	case <-time.After(responseTimeout):
		return nil, fmt.Errorf("meshcore: timeout waiting for response 0x%02x", code)
	case <-s.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) requestOK(ctx context.Context, frame []byte) error {
	_, err := s.request(ctx, frame, respOK)
	return err
}

// waiter is a registered consumer for one response code. Stream
// waiters stay registered across frames so multi-frame responses (the
// contact list) keep flowing to the same channel.
type waiter struct {
	ch     chan []byte
	stream bool
}

func (s *Session) addWaiter(code byte) chan []byte {
	return s.register(code, false)
}

func (s *Session) addStreamWaiter(code byte) chan []byte {
	return s.register(code, true)
}

func (s *Session) register(code byte, stream bool) chan []byte {
	w := &waiter{ch: make(chan []byte, 8), stream: stream}
	s.waitersMu.Lock()
	s.waiters[code] = append(s.waiters[code], w)
	s.waitersMu.Unlock()
	return w.ch
}

func (s *Session) removeWaiter(code byte, ch chan []byte) {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()
	ws := s.waiters[code]
	for i, w := range ws {
		if w.ch == ch {
			s.waiters[code] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
}

func (s *Session) readLoop() {
	defer s.readerWG.Done()
	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.log.Warn("meshcore: read loop terminated", zap.Error(err))
			}
			return
		}
		if len(frame) == 0 {
			continue
		}
		s.deliverFrame(frame)
	}
}

// deliverFrame hands a frame to the first waiter registered for its
// code, or treats it as a push.
func (s *Session) deliverFrame(frame []byte) {
	code := frame[0]

	s.waitersMu.Lock()
	ws := s.waiters[code]
	if len(ws) > 0 {
		w := ws[0]
		if !w.stream {
			s.waiters[code] = ws[1:]
		}
		s.waitersMu.Unlock()
		select {
		case w.ch <- frame:
		default:
			s.log.Warn("meshcore: waiter queue full, dropping frame", zap.Uint8("code", code))
		}
		return
	}
	s.waitersMu.Unlock()

	s.handlePush(frame)
}

func (s *Session) handlePush(frame []byte) {
	code := frame[0]
	switch code {
	case pushMsgWaiting:
		select {
		case s.msgWaiting <- struct{}{}:
		default:
		}
	case pushAdvert:
		s.log.Debug("meshcore: advert heard", zap.Int("len", len(frame)))
	default:
		s.log.Debug("meshcore: unhandled push frame",
			zap.Uint8("code", code), zap.Int("len", len(frame)))
	}
}
