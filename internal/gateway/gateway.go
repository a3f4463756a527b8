package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/g-d-j-evans/MeschaTUI/internal/api"
	"github.com/g-d-j-evans/MeschaTUI/internal/config"
	"github.com/g-d-j-evans/MeschaTUI/internal/driver"
	"github.com/g-d-j-evans/MeschaTUI/internal/driver/meshcore"
	"github.com/g-d-j-evans/MeschaTUI/internal/radio"
	"github.com/g-d-j-evans/MeschaTUI/internal/state"
)

// Gateway is the central application service: it owns the connector,
// the channel workflow, the outbound dispatcher, and the event bus the
// UI listens on.
type Gateway struct {
	cfg        *config.Config
	log        *zap.Logger
	bus        *EventBus
	store      *state.Store
	display    radio.Display
	connector  *radio.Connector
	workflow   *radio.Workflow
	dispatcher *radio.Dispatcher
	server     *http.Server
}

// New wires a Gateway from configuration.
func New(cfg *config.Config, log *zap.Logger) *Gateway {
	bus := NewEventBus()
	store := state.New()
	display := &busDisplay{bus: bus}

	var eventLog *radio.EventLog
	if cfg.Debug {
		eventLog = radio.NewEventLog(cfg.DebugEventLog, log)
	}
	newHandler := func(sess driver.Session) *radio.Handler {
		return radio.NewHandler(sess, store, display, eventLog, log)
	}
	connector := radio.NewConnector(newHandler, log)

	g := &Gateway{
		cfg:        cfg,
		log:        log,
		bus:        bus,
		store:      store,
		display:    display,
		connector:  connector,
		workflow:   radio.NewWorkflow(connector, cfg.Channels.MaxProbeSlots, log),
		dispatcher: radio.NewDispatcher(connector, log),
	}

	// No WriteTimeout: a connect request legitimately holds its response
	// for the full BLE retry policy, and the event stream is a long-lived
	// WebSocket. ReadHeaderTimeout still bounds slow clients.
	router := api.NewRouter(g, g.SubscribeEvents, log)
	g.server = &http.Server{
		Addr:              cfg.API.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return g
}

// Start serves the HTTP API and blocks until ctx is cancelled. The
// radio connection, if any, is torn down before Start returns.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.API.ListenAddr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", g.cfg.API.ListenAddr, err)
	}
	g.log.Info("HTTP API listening", zap.String("addr", ln.Addr().String()))

	srvErr := make(chan error, 1)
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		g.log.Info("context cancelled, shutting down")
		g.connector.Disconnect()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return g.server.Shutdown(shutCtx)
	case err := <-srvErr:
		g.connector.Disconnect()
		return err
	}
}

// Bus exposes the event bus for the WebSocket surface.
func (g *Gateway) Bus() *EventBus { return g.bus }

// SubscribeEvents adapts the bus for consumers that only need a
// generic event stream. The forward is drop-on-full like the bus
// itself, so a consumer that stops reading never wedges the forwarder;
// the goroutine exits when the unsubscribe closes the bus channel.
func (g *Gateway) SubscribeEvents() (<-chan interface{}, func()) {
	ch, unsub := g.bus.Subscribe()
	out := make(chan interface{}, 64)
	go func() {
		defer close(out)
		for ev := range ch {
			select {
			case out <- ev:
			default:
			}
		}
	}()
	return out, unsub
}

// ── connection flow ───────────────────────────────────────────────────

// ConnectBLE selects a BLE link to the given address and runs the full
// connect flow.
func (g *Gateway) ConnectBLE(ctx context.Context, address string) error {
	g.display.Notify(fmt.Sprintf("Connecting to radio via BLE at %s...", address))
	dial := func(ctx context.Context, addr string) (driver.Session, error) {
		return meshcore.DialBLE(ctx, addr, g.log)
	}
	g.connector.SelectLink(radio.NewBLELink(address, g.cfg.BLE, dial, g.log))
	return g.finishConnect(ctx)
}

// ConnectSerial selects a serial link and runs the full connect flow.
// The settings are persisted on success so the next session can offer
// them as a default.
func (g *Gateway) ConnectSerial(ctx context.Context, port string, baud int) error {
	g.display.Notify(fmt.Sprintf("Connecting to radio via serial at %s (baud %d)...", port, baud))
	dial := func(port string, baud int) (driver.Session, error) {
		return meshcore.DialSerial(port, baud, g.log)
	}
	g.connector.SelectLink(radio.NewSerialLink(port, baud, dial))
	if err := g.finishConnect(ctx); err != nil {
		return err
	}

	name := port
	if info := g.SelfInfo(); info != nil && info.Name != "" {
		name = info.Name
	}
	settings := config.SerialSettings{DeviceName: name, Port: port, BaudRate: strconv.Itoa(baud)}
	if err := config.SaveSerialSettings(config.SerialSettingsPath(), settings); err != nil {
		g.log.Warn("persisting serial settings failed", zap.Error(err))
	}
	return nil
}

// finishConnect runs the post-connect sequence: report success, fetch
// the radio's identity, load the contact and channel snapshots, then
// start the inbound event subscription.
func (g *Gateway) finishConnect(ctx context.Context) error {
	if err := g.connector.Connect(ctx); err != nil {
		g.display.Notify(fmt.Sprintf("Failed to connect to radio: %s", failureMessage(err)))
		return err
	}
	g.display.Notify("Successfully connected to radio.")

	if info := g.SelfInfo(); info != nil {
		g.log.Info("radio identity",
			zap.String("name", info.Name),
			zap.String("firmware", info.FirmwareVersion),
		)
	}

	g.display.Notify("Fetching contacts and channels...")
	if err := g.RefreshLists(ctx); err != nil {
		g.log.Warn("initial list fetch failed", zap.Error(err))
		g.display.Notify("Failed to fetch contacts and channels.")
	}

	g.display.Notify("Subscribing to new messages...")
	handler := g.connector.Handler()
	if handler == nil {
		return fmt.Errorf("gateway: connected without a handler")
	}
	if err := handler.Start(); err != nil {
		g.display.Notify(fmt.Sprintf("Error subscribing to messages: %v", err))
		return err
	}
	g.display.Notify("Subscribed to new messages.")
	return nil
}

// Disconnect tears the active connection down.
func (g *Gateway) Disconnect() {
	g.connector.Disconnect()
	g.display.Notify("Disconnected from radio.")
	g.publishStatus()
}

// RefreshLists replaces the contact and channel snapshots from the
// radio. Contact list failures are tolerated the same way per-slot
// channel probe failures are: log and keep whatever was fetched.
func (g *Gateway) RefreshLists(ctx context.Context) error {
	sess := g.connector.Session()
	if sess == nil {
		return fmt.Errorf("gateway: not connected")
	}

	contacts, err := sess.GetContacts(ctx)
	if err != nil {
		g.log.Warn("fetch contacts failed", zap.Error(err))
	} else {
		g.store.ReplaceContacts(contacts)
		g.display.UpdateContacts(contacts)
	}

	channels := radio.ProbeChannels(ctx, sess, g.cfg.Channels.MaxProbeSlots, g.log)
	g.store.ReplaceChannels(channels)
	return err
}

// ── queries ───────────────────────────────────────────────────────────

// State reports the lifecycle state, selected transport, and the last
// terminal failure reason.
func (g *Gateway) State() (st, transport, reason string) {
	return g.connector.State().String(), g.connector.Transport(), g.connector.FailureReason()
}

// SelfInfo returns the connected radio's identity, or nil.
func (g *Gateway) SelfInfo() *driver.SelfInfo {
	sess := g.connector.Session()
	if sess == nil {
		return nil
	}
	return sess.SelfInfo()
}

// Contacts returns the current contacts snapshot.
func (g *Gateway) Contacts() []driver.Contact {
	return g.store.Contacts()
}

// Channels returns the current channel snapshot as a slot-ordered list.
func (g *Gateway) Channels() []driver.ChannelInfo {
	byID := g.store.Channels()
	out := make([]driver.ChannelInfo, 0, len(byID))
	for id := 0; id < g.cfg.Channels.MaxProbeSlots; id++ {
		if name, ok := byID[id]; ok {
			out = append(out, driver.ChannelInfo{Index: id, Name: name})
		}
	}
	return out
}

// ── outbound ──────────────────────────────────────────────────────────

// SendDirect sends a direct message and echoes it to the display.
func (g *Gateway) SendDirect(ctx context.Context, text, destKey string) error {
	if err := g.dispatcher.SendDirect(ctx, text, destKey); err != nil {
		return err
	}
	g.display.AddMessage(fmt.Sprintf("Sending DM: %s", text), true)
	return nil
}

// SendChannel sends a channel message and echoes it to the display.
func (g *Gateway) SendChannel(ctx context.Context, text string, channelID int) error {
	if err := g.dispatcher.SendChannel(ctx, text, channelID); err != nil {
		return err
	}
	g.display.AddMessage(fmt.Sprintf("Sending to channel %d: %s", channelID, text), true)
	return nil
}

// SendAdvert broadcasts a flood advert.
func (g *Gateway) SendAdvert(ctx context.Context) error {
	return g.dispatcher.SendAdvert(ctx)
}

// ── channel workflow ──────────────────────────────────────────────────

// JoinChannel runs the public channel join workflow and refreshes the
// channel snapshot on success.
func (g *Gateway) JoinChannel(ctx context.Context, name string) (radio.JoinResult, error) {
	res, err := g.workflow.JoinPublic(ctx, name)
	if err == nil && res.Joined {
		g.display.Notify(fmt.Sprintf("Successfully joined channel %s.", name))
		if rerr := g.RefreshLists(ctx); rerr != nil {
			g.log.Warn("refresh after join failed", zap.Error(rerr))
		}
	}
	return res, err
}

// OverwriteChannel commits a join into the operator's chosen slot.
func (g *Gateway) OverwriteChannel(ctx context.Context, name string, slot int) error {
	if err := g.workflow.OverwritePublic(ctx, name, slot); err != nil {
		return err
	}
	g.display.Notify(fmt.Sprintf("Successfully joined channel %s.", name))
	if err := g.RefreshLists(ctx); err != nil {
		g.log.Warn("refresh after overwrite failed", zap.Error(err))
	}
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────

func (g *Gateway) publishStatus() {
	st, transport, reason := g.State()
	g.bus.Broadcast(EventStatus, map[string]string{
		"state":     st,
		"transport": transport,
		"reason":    reason,
	})
}

// failureMessage keeps uncategorized failure detail out of the
// operator-facing text; the log has the full error.
func failureMessage(err error) string {
	if radio.KindOf(err) == radio.KindUnexpected {
		var re *radio.Error
		if errors.As(err, &re) {
			return re.Message
		}
		return "an unexpected error occurred"
	}
	return err.Error()
}
