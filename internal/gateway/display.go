package gateway

import (
	"github.com/g-d-j-evans/MeschaTUI/internal/driver"
)

// messageData is the payload of an EventMessage.
type messageData struct {
	Text string `json:"text"`
	Sent bool   `json:"sent"`
}

// busDisplay implements radio.Display by broadcasting onto the event
// bus; whatever UI is attached over WebSocket renders it.
type busDisplay struct {
	bus *EventBus
}

func (d *busDisplay) AddMessage(text string, sent bool) {
	d.bus.Broadcast(EventMessage, messageData{Text: text, Sent: sent})
}

func (d *busDisplay) UpdateContacts(contacts []driver.Contact) {
	d.bus.Broadcast(EventContacts, contacts)
}

func (d *busDisplay) Notify(text string) {
	d.bus.Broadcast(EventNotice, text)
}
