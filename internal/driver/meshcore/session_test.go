package meshcore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/g-d-j-evans/MeschaTUI/internal/driver"
)

// fakeConn is a scripted Conn: inbound frames come from a channel,
// outbound frames are recorded and optionally trigger an auto-reply.
type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	writes  [][]byte
	onWrite func(frame []byte)
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 32), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case frame := <-c.in:
		return frame, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteFrame(frame []byte) error {
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), frame...))
	reply := c.onWrite
	c.mu.Unlock()
	if reply != nil {
		reply(frame)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(frame []byte) { c.in <- frame }

func (c *fakeConn) writtenCmds() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmds := make([]byte, len(c.writes))
	for i, w := range c.writes {
		cmds[i] = w[0]
	}
	return cmds
}

func selfInfoFrame(name string) []byte {
	frame := make([]byte, 57)
	frame[0] = respSelfInfo
	copy(frame[3:35], bytes.Repeat([]byte{0x42}, 32))
	return append(frame, name...)
}

func deviceInfoFrame() []byte {
	return []byte{respDeviceInfo, 1}
}

func openTestSession(t *testing.T) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	conn.push(selfInfoFrame("TestNode"))
	conn.push(deviceInfoFrame())

	sess, err := Open(conn, zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { sess.Disconnect() }) //nolint:errcheck
	return sess, conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestOpen_Handshake(t *testing.T) {
	sess, conn := openTestSession(t)

	info := sess.SelfInfo()
	if info.Name != "TestNode" {
		t.Fatalf("name = %q", info.Name)
	}
	if info.FirmwareVersion != "fw-1" {
		t.Fatalf("firmware = %q", info.FirmwareVersion)
	}

	cmds := conn.writtenCmds()
	if len(cmds) < 2 || cmds[0] != cmdAppStart || cmds[1] != cmdDeviceQuery {
		t.Fatalf("handshake commands = % x", cmds)
	}
}

func TestOpen_RejectsWrongReply(t *testing.T) {
	conn := newFakeConn()
	conn.push([]byte{respOK})

	if _, err := Open(conn, zap.NewNop()); err == nil {
		t.Fatalf("expected handshake failure on wrong reply")
	}
	select {
	case <-conn.closed:
	default:
		t.Fatalf("conn must be closed after handshake failure")
	}
}

func TestGetChannel(t *testing.T) {
	sess, conn := openTestSession(t)
	conn.mu.Lock()
	conn.onWrite = func(frame []byte) {
		if frame[0] != cmdGetChannel {
			return
		}
		reply := make([]byte, 2+channelNameLen)
		reply[0] = respChannelInfo
		reply[1] = frame[1]
		copy(reply[2:], "#ops")
		conn.push(reply)
	}
	conn.mu.Unlock()

	info, err := sess.GetChannel(context.Background(), 3)
	if err != nil {
		t.Fatalf("get channel: %v", err)
	}
	if info.Index != 3 || info.Name != "#ops" {
		t.Fatalf("info = %+v", info)
	}
}

func TestGetChannel_SlotMismatch(t *testing.T) {
	sess, conn := openTestSession(t)
	conn.mu.Lock()
	conn.onWrite = func(frame []byte) {
		if frame[0] != cmdGetChannel {
			return
		}
		reply := make([]byte, 2+channelNameLen)
		reply[0] = respChannelInfo
		reply[1] = frame[1] + 1
		conn.push(reply)
	}
	conn.mu.Unlock()

	if _, err := sess.GetChannel(context.Background(), 2); err == nil {
		t.Fatalf("expected slot mismatch rejection")
	}
}

func TestGetContacts_Stream(t *testing.T) {
	sess, conn := openTestSession(t)

	var snapshot []driver.Contact
	var snapMu sync.Mutex
	sess.Subscribe(driver.EventContacts, func(ev driver.Event) {
		snapMu.Lock()
		snapshot = ev.Contacts
		snapMu.Unlock()
	})

	conn.mu.Lock()
	conn.onWrite = func(frame []byte) {
		if frame[0] != cmdGetContacts {
			return
		}
		start := make([]byte, 5)
		start[0] = respContactsStart
		binary.LittleEndian.PutUint32(start[1:], 2)
		conn.push(start)

		for _, name := range []string{"Alice", "Bob"} {
			var mc meshContact
			copy(mc.PublicKey[:], bytes.Repeat([]byte{0x55}, 32))
			copy(mc.AdvName[:], name)
			mc.Type = 1
			var buf bytes.Buffer
			buf.WriteByte(respContact)
			binary.Write(&buf, binary.LittleEndian, &mc) //nolint:errcheck
			conn.push(buf.Bytes())
		}
		conn.push([]byte{respEndOfContacts})
	}
	conn.mu.Unlock()

	contacts, err := sess.GetContacts(context.Background())
	if err != nil {
		t.Fatalf("get contacts: %v", err)
	}
	if len(contacts) != 2 || contacts[0].Name != "Alice" || contacts[1].Name != "Bob" {
		t.Fatalf("contacts = %+v", contacts)
	}

	waitFor(t, func() bool {
		snapMu.Lock()
		defer snapMu.Unlock()
		return len(snapshot) == 2
	})
}

func TestAutoFetch_DrainsOnMsgWaiting(t *testing.T) {
	sess, conn := openTestSession(t)

	var got []driver.Message
	var gotMu sync.Mutex
	record := func(ev driver.Event) {
		gotMu.Lock()
		got = append(got, *ev.Message)
		gotMu.Unlock()
	}
	sess.Subscribe(driver.EventContactMessage, record)
	sess.Subscribe(driver.EventChannelMessage, record)

	// First sync returns one direct message, every later sync is empty.
	var syncs atomic.Int32
	conn.mu.Lock()
	conn.onWrite = func(frame []byte) {
		if frame[0] != cmdSyncNextMsg {
			return
		}
		if syncs.Add(1) == 1 {
			var buf bytes.Buffer
			buf.WriteByte(respContactMsgRecv)
			buf.Write(bytes.Repeat([]byte{0xAA}, 6))
			buf.Write([]byte{0, 0})
			binary.Write(&buf, binary.LittleEndian, uint32(1700000000)) //nolint:errcheck
			buf.WriteString("queued hello")
			conn.push(buf.Bytes())
			return
		}
		conn.push([]byte{respNoMoreMessages})
	}
	conn.mu.Unlock()

	if err := sess.StartAutoFetch(context.Background()); err != nil {
		t.Fatalf("start auto fetch: %v", err)
	}

	waitFor(t, func() bool {
		gotMu.Lock()
		defer gotMu.Unlock()
		return len(got) == 1
	})
	gotMu.Lock()
	if got[0].Text != "queued hello" || got[0].SenderKeyPrefix != "aaaaaaaaaaaa" {
		t.Fatalf("message = %+v", got[0])
	}
	gotMu.Unlock()

	// MSG_WAITING push triggers another drain cycle.
	before := syncs.Load()
	conn.push([]byte{pushMsgWaiting})
	waitFor(t, func() bool { return syncs.Load() > before })
}

func TestSendDirectMessage_WaitsForSent(t *testing.T) {
	sess, conn := openTestSession(t)
	conn.mu.Lock()
	conn.onWrite = func(frame []byte) {
		if frame[0] == cmdSendTxtMsg {
			conn.push([]byte{respSent, 0, 0, 0, 0, 0})
		}
	}
	conn.mu.Unlock()

	key := hex.EncodeToString(bytes.Repeat([]byte{0xAB}, 32))
	if err := sess.SendDirectMessage(context.Background(), key, "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestRequest_RadioError(t *testing.T) {
	sess, conn := openTestSession(t)
	conn.mu.Lock()
	conn.onWrite = func(frame []byte) {
		if frame[0] == cmdSendSelfAdvert {
			conn.push([]byte{respErr, 0x05})
		}
	}
	conn.mu.Unlock()

	if err := sess.SendAdvert(context.Background(), true); err == nil {
		t.Fatalf("expected radio error")
	}
}

func TestUnsubscribe(t *testing.T) {
	sess, _ := openTestSession(t)

	sub := sess.Subscribe(driver.EventContactMessage, func(driver.Event) {})
	if err := sess.Unsubscribe(sub); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := sess.Unsubscribe(sub); err == nil {
		t.Fatalf("double unsubscribe must fail")
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	sess, conn := openTestSession(t)
	if err := sess.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := sess.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	select {
	case <-conn.closed:
	default:
		t.Fatalf("conn must be closed")
	}
}
