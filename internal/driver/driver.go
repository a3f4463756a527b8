// Package driver defines the boundary to the MeshCore companion radio.
// The rest of the application talks to a Session; the concrete
// implementation lives in driver/meshcore.
package driver

import "context"

// EventType classifies an asynchronous event pushed by the radio.
type EventType int

const (
	// EventContactMessage is a direct (node-to-node) text message.
	EventContactMessage EventType = iota
	// EventChannelMessage is a text message on a channel slot.
	EventChannelMessage
	// EventContacts is a fresh wholesale contacts snapshot.
	EventContacts
)

func (t EventType) String() string {
	switch t {
	case EventContactMessage:
		return "contact_message"
	case EventChannelMessage:
		return "channel_message"
	case EventContacts:
		return "contacts"
	default:
		return "unknown"
	}
}

// ContactType mirrors the MeshCore advert node types.
type ContactType int

const (
	ContactUnknown    ContactType = 0
	ContactClient     ContactType = 1
	ContactRepeater   ContactType = 2
	ContactRoomServer ContactType = 3
)

func (t ContactType) String() string {
	switch t {
	case ContactClient:
		return "client"
	case ContactRepeater:
		return "repeater"
	case ContactRoomServer:
		return "room_server"
	default:
		return "unknown"
	}
}

// Contact is one entry of the radio's contact list. PublicKey is the
// full 32-byte key, hex encoded.
type Contact struct {
	Name      string      `json:"name"`
	Type      ContactType `json:"type"`
	PublicKey string      `json:"public_key"`
}

// ChannelInfo describes one configured channel slot.
type ChannelInfo struct {
	Index int    `json:"id"`
	Name  string `json:"name"`
}

// SelfInfo is the radio's own identity, captured during the handshake.
type SelfInfo struct {
	Name            string `json:"name"`
	PublicKey       string `json:"public_key"`
	FirmwareVersion string `json:"firmware_version"`
	Model           string `json:"model"`
	MaxChannels     int    `json:"max_channels"`
}

// Message is the payload of a contact or channel message event.
// SenderKey (full key) and SenderKeyPrefix are both optional; real
// firmware only delivers a 6-byte prefix for contact messages and
// nothing at all for channel messages.
type Message struct {
	Text            string `json:"text"`
	SenderKey       string `json:"sender,omitempty"`
	SenderKeyPrefix string `json:"pubkey_prefix,omitempty"`
	SenderName      string `json:"sender_name,omitempty"`
	ChannelIdx      int    `json:"channel_idx"`
	// SenderTimestamp is epoch seconds as stamped by the sender; zero
	// means the radio delivered no timestamp.
	SenderTimestamp int64 `json:"sender_timestamp,omitempty"`
}

// Event is one asynchronous notification from the radio.
type Event struct {
	Type     EventType `json:"type"`
	Message  *Message  `json:"message,omitempty"`
	Contacts []Contact `json:"contacts,omitempty"`
}

// Handler receives events on the driver's dispatch goroutine. Handlers
// must not block; hand the event off to a queue immediately.
type Handler func(Event)

// Subscription identifies one registered handler so it can be removed.
type Subscription struct {
	ID   string
	Type EventType
}

// Session is an open companion-protocol session with a radio. All
// methods are safe for concurrent use. Blocking operations take a
// context; Disconnect and the subscription calls do not touch the wire.
type Session interface {
	// Disconnect closes the underlying transport. Idempotent.
	Disconnect() error

	// Subscribe registers a handler for one event type.
	Subscribe(t EventType, fn Handler) Subscription
	// Unsubscribe removes a previously registered handler.
	Unsubscribe(sub Subscription) error

	// StartAutoFetch begins draining queued messages from the device in
	// the background, emitting events to subscribers.
	StartAutoFetch(ctx context.Context) error
	// StopAutoFetch halts the background drain loop. Idempotent.
	StopAutoFetch() error

	// GetContacts fetches the full contact list and emits an
	// EventContacts snapshot to subscribers.
	GetContacts(ctx context.Context) ([]Contact, error)
	// GetChannel reads one channel slot. Unconfigured slots return a
	// ChannelInfo with an empty name.
	GetChannel(ctx context.Context, slot int) (*ChannelInfo, error)
	// SetChannel writes a channel slot (name + 16-byte secret).
	SetChannel(ctx context.Context, slot int, name string, secret []byte) error

	SendDirectMessage(ctx context.Context, destKey, text string) error
	SendChannelMessage(ctx context.Context, slot int, text string) error
	SendAdvert(ctx context.Context, flood bool) error

	// SelfInfo returns the identity captured at handshake time.
	SelfInfo() *SelfInfo
}
