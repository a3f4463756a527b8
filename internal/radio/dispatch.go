package radio

import (
	"context"

	"go.uber.org/zap"
)

// Dispatcher sends outbound traffic through the Connector's active
// link. Absence of a link is reported as KindNotConnected, distinct
// from a transport-level send failure.
type Dispatcher struct {
	connector *Connector
	log       *zap.Logger
}

// NewDispatcher builds a Dispatcher over the connector.
func NewDispatcher(connector *Connector, log *zap.Logger) *Dispatcher {
	return &Dispatcher{connector: connector, log: log}
}

// SendDirect sends a direct message to the contact with the given full
// public key.
func (d *Dispatcher) SendDirect(ctx context.Context, text, destKey string) error {
	sess := d.connector.Session()
	if sess == nil {
		return notConnectedErr()
	}
	if err := sess.SendDirectMessage(ctx, destKey, text); err != nil {
		d.log.Warn("direct send failed", zap.Error(err))
		return &Error{Kind: KindTransport, Message: "failed to send direct message", Err: err}
	}
	return nil
}

// SendChannel sends a message to the given channel slot.
func (d *Dispatcher) SendChannel(ctx context.Context, text string, channelID int) error {
	sess := d.connector.Session()
	if sess == nil {
		return notConnectedErr()
	}
	if err := sess.SendChannelMessage(ctx, channelID, text); err != nil {
		d.log.Warn("channel send failed", zap.Int("channel", channelID), zap.Error(err))
		return &Error{Kind: KindTransport, Message: "failed to send channel message", Err: err}
	}
	return nil
}

// SendAdvert broadcasts a flood advert.
func (d *Dispatcher) SendAdvert(ctx context.Context) error {
	sess := d.connector.Session()
	if sess == nil {
		return notConnectedErr()
	}
	if err := sess.SendAdvert(ctx, true); err != nil {
		d.log.Warn("advert send failed", zap.Error(err))
		return &Error{Kind: KindTransport, Message: "failed to send advert", Err: err}
	}
	return nil
}
