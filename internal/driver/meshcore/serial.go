package meshcore

import (
	"encoding/binary"
	"fmt"
	"io"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// Serial framing sentinels: app->radio frames open with '<', radio->app
// frames with '>', each followed by a uint16 little-endian length.
const (
	frameOutPrefix = 0x3c
	frameInPrefix  = 0x3e
)

// serialConn frames the companion protocol over a local serial port.
type serialConn struct {
	port serial.Port
}

// DialSerial opens the serial port and performs the session handshake.
func DialSerial(portName string, baud int, log *zap.Logger) (*Session, error) {
	port, err := serial.Open(portName, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("meshcore: open %s: %w", portName, err)
	}
	log.Debug("serial port open", zap.String("port", portName), zap.Int("baud", baud))
	return Open(&serialConn{port: port}, log)
}

func (c *serialConn) WriteFrame(payload []byte) error {
	frame := make([]byte, 3+len(payload))
	frame[0] = frameOutPrefix
	binary.LittleEndian.PutUint16(frame[1:3], uint16(len(payload)))
	copy(frame[3:], payload)
	if _, err := c.port.Write(frame); err != nil {
		return fmt.Errorf("meshcore: serial write: %w", err)
	}
	return nil
}

func (c *serialConn) ReadFrame() ([]byte, error) {
	head := make([]byte, 3)
	if _, err := io.ReadFull(c.port, head); err != nil {
		return nil, err
	}
	if head[0] != frameInPrefix {
		return nil, fmt.Errorf("meshcore: unexpected frame prefix 0x%02x", head[0])
	}
	size := binary.LittleEndian.Uint16(head[1:3])
	if size > maxFrameSize {
		return nil, fmt.Errorf("meshcore: frame too large: %d", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(c.port, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *serialConn) Close() error {
	return c.port.Close()
}
