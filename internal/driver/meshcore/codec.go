// Package meshcore implements the MeshCore companion protocol over a
// serial port or a BlueZ BLE link. Frames are little-endian binary with
// a one-byte command/response code; the serial transport adds a
// '<'/'>' sentinel + uint16 length envelope, BLE carries whole frames
// as GATT characteristic values.
package meshcore

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/g-d-j-evans/MeschaTUI/internal/driver"
)

// Command codes (app -> radio).
const (
	cmdAppStart       = 0x01
	cmdSendTxtMsg     = 0x02
	cmdSendChannelTxt = 0x03
	cmdGetContacts    = 0x04
	cmdSendSelfAdvert = 0x07
	cmdSyncNextMsg    = 0x0A
	cmdDeviceQuery    = 0x16
	cmdGetChannel     = 0x1F
	cmdSetChannel     = 0x20
)

// Response codes (radio -> app).
const (
	respOK             = 0x00
	respErr            = 0x01
	respContactsStart  = 0x02
	respContact        = 0x03
	respEndOfContacts  = 0x04
	respSelfInfo       = 0x05
	respSent           = 0x06
	respContactMsgRecv = 0x07
	respChannelMsgRecv = 0x08
	respNoMoreMessages = 0x0A
	respDeviceInfo     = 0x0D
	respChannelInfo    = 0x12
)

// Push codes (unsolicited radio -> app, 0x80 and up).
const (
	pushAdvert     = 0x80
	pushMsgWaiting = 0x83
)

const maxFrameSize = 4096

// channelNameLen is the fixed C-string buffer the firmware uses for
// channel names; channelSecretLen the shared-key size.
const (
	channelNameLen   = 32
	channelSecretLen = 16
)

// ── outbound frame builders ───────────────────────────────────────────

// appStartFrame opens the session. Layout matches meshcore.js: cmd,
// appVer=1, six reserved bytes, then the app name.
func appStartFrame(appName string) []byte {
	frame := []byte{cmdAppStart, 0x01, 0, 0, 0, 0, 0, 0}
	return append(frame, appName...)
}

func deviceQueryFrame() []byte {
	return []byte{cmdDeviceQuery, 0x01}
}

func getContactsFrame() []byte {
	return []byte{cmdGetContacts}
}

func getChannelFrame(slot int) []byte {
	return []byte{cmdGetChannel, byte(slot)}
}

func setChannelFrame(slot int, name string, secret []byte) ([]byte, error) {
	if len(secret) != channelSecretLen {
		return nil, fmt.Errorf("meshcore: channel secret must be %d bytes, got %d", channelSecretLen, len(secret))
	}
	var buf bytes.Buffer
	buf.WriteByte(cmdSetChannel)
	buf.WriteByte(byte(slot))
	nameBytes := make([]byte, channelNameLen)
	copy(nameBytes, name)
	buf.Write(nameBytes)
	buf.Write(secret)
	return buf.Bytes(), nil
}

// sendTxtMsgFrame builds a direct message. destKey is the recipient's
// full public key in hex; the wire carries only its first 6 bytes.
func sendTxtMsgFrame(destKey, text string, now time.Time) ([]byte, error) {
	keyBytes, err := hex.DecodeString(destKey)
	if err != nil || len(keyBytes) < 6 {
		return nil, fmt.Errorf("meshcore: invalid destination key %q", destKey)
	}
	var buf bytes.Buffer
	buf.WriteByte(cmdSendTxtMsg)
	buf.WriteByte(0) // txtType = plain
	buf.WriteByte(0) // attempt
	binary.Write(&buf, binary.LittleEndian, uint32(now.Unix())) //nolint:errcheck
	buf.Write(keyBytes[:6])
	buf.WriteString(text)
	return buf.Bytes(), nil
}

func sendChannelTxtFrame(slot int, text string, now time.Time) []byte {
	var buf bytes.Buffer
	buf.WriteByte(cmdSendChannelTxt)
	buf.WriteByte(0) // txtType = plain
	buf.WriteByte(byte(slot))
	binary.Write(&buf, binary.LittleEndian, uint32(now.Unix())) //nolint:errcheck
	buf.WriteString(text)
	return buf.Bytes()
}

func sendSelfAdvertFrame(flood bool) []byte {
	kind := byte(0)
	if flood {
		kind = 1
	}
	return []byte{cmdSendSelfAdvert, kind}
}

func syncNextMsgFrame() []byte {
	return []byte{cmdSyncNextMsg}
}

// ── inbound frame parsers ─────────────────────────────────────────────

// meshContact is the on-wire CONTACT record layout.
type meshContact struct {
	PublicKey  [32]byte
	Type       byte
	Flags      byte
	OutPathLen int8
	OutPath    [64]byte
	AdvName    [32]byte
	LastAdvert uint32
	AdvLat     int32
	AdvLon     int32
	LastMod    uint32
}

// parseContact decodes a CONTACT frame (code already checked).
func parseContact(frame []byte) (driver.Contact, error) {
	var mc meshContact
	if err := binary.Read(bytes.NewReader(frame[1:]), binary.LittleEndian, &mc); err != nil {
		return driver.Contact{}, fmt.Errorf("meshcore: parse contact: %w", err)
	}
	key := hex.EncodeToString(mc.PublicKey[:])
	name := cString(mc.AdvName[:])
	if name == "" {
		name = "!" + key[:12]
	}
	return driver.Contact{
		Name:      name,
		Type:      driver.ContactType(mc.Type),
		PublicKey: key,
	}, nil
}

// parseChannelInfo decodes a CHANNEL_INFO frame: code, slot index, then
// the 32-byte name buffer. An all-zero name means the slot is free.
func parseChannelInfo(frame []byte) (*driver.ChannelInfo, error) {
	if len(frame) < 2+channelNameLen {
		return nil, fmt.Errorf("meshcore: CHANNEL_INFO too short: %d bytes", len(frame))
	}
	return &driver.ChannelInfo{
		Index: int(frame[1]),
		Name:  cString(frame[2 : 2+channelNameLen]),
	}, nil
}

// parseSelfInfo decodes the SELF_INFO frame sent in reply to AppStart.
// Layout per connection.js: txPower, maxTxPower, 32-byte public key,
// advert lat/lon, radio parameters, then the node name.
func parseSelfInfo(frame []byte) (*driver.SelfInfo, error) {
	if len(frame) < 37 {
		return nil, fmt.Errorf("meshcore: SELF_INFO too short: %d bytes", len(frame))
	}
	info := &driver.SelfInfo{
		PublicKey: hex.EncodeToString(frame[3:35]),
	}
	if len(frame) > 57 {
		info.Name = cString(frame[57:])
	}
	return info, nil
}

// parseDeviceInfo decodes the DEVICE_INFO reply to DeviceQuery and
// folds firmware/model details into info.
func parseDeviceInfo(frame []byte, info *driver.SelfInfo) error {
	if len(frame) < 2 {
		return fmt.Errorf("meshcore: DEVICE_INFO too short")
	}
	fwVer := int(frame[1])
	info.FirmwareVersion = fmt.Sprintf("fw-%d", fwVer)
	if fwVer < 3 || len(frame) < 4 {
		return nil
	}
	info.MaxChannels = int(frame[3])
	if len(frame) < 80 {
		return nil
	}
	idx := 8  // fwVer, maxContacts, maxChannels, ble pin (4)
	idx += 12 // firmware build date
	info.Model = cString(frame[idx : idx+40])
	idx += 40
	if v := cString(frame[idx:]); v != "" {
		info.FirmwareVersion = v
	}
	return nil
}

// parseContactMessage decodes a CONTACT_MSG_RECV frame: 6-byte sender
// key prefix, path length, text type, sender timestamp, then the text.
func parseContactMessage(frame []byte) (*driver.Message, error) {
	if len(frame) < 13 {
		return nil, fmt.Errorf("meshcore: CONTACT_MSG_RECV too short: %d bytes", len(frame))
	}
	return &driver.Message{
		SenderKeyPrefix: hex.EncodeToString(frame[1:7]),
		SenderTimestamp: int64(binary.LittleEndian.Uint32(frame[9:13])),
		Text:            string(frame[13:]),
		ChannelIdx:      -1,
	}, nil
}

// parseChannelMessage decodes a CHANNEL_MSG_RECV frame: channel index,
// path length, text type, sender timestamp, then the text.
func parseChannelMessage(frame []byte) (*driver.Message, error) {
	if len(frame) < 8 {
		return nil, fmt.Errorf("meshcore: CHANNEL_MSG_RECV too short: %d bytes", len(frame))
	}
	return &driver.Message{
		ChannelIdx:      int(int8(frame[1])),
		SenderTimestamp: int64(binary.LittleEndian.Uint32(frame[4:8])),
		Text:            string(frame[8:]),
	}, nil
}

// cString trims a fixed-size, NUL-terminated firmware string buffer.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
