package meshcore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

// BlueZ names. MeshCore firmware exposes the companion protocol on the
// Nordic UART service; each notification on the TX characteristic
// carries one whole protocol frame.
const (
	bluezBus        = "org.bluez"
	bluezDevice     = "org.bluez.Device1"
	bluezGattChar   = "org.bluez.GattCharacteristic1"
	dbusProps       = "org.freedesktop.DBus.Properties"
	dbusObjMgr      = "org.freedesktop.DBus.ObjectManager"
	uartServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	uartRxCharUUID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e" // app -> radio (write)
	uartTxCharUUID  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e" // radio -> app (notify)

	defaultAdapter     = "hci0"
	servicesResolveMax = 10 * time.Second
	bleSignalBuffer    = 128
)

// bleConn is a Conn over a BlueZ GATT link.
type bleConn struct {
	conn       *dbus.Conn
	devicePath dbus.ObjectPath
	rxCharPath dbus.ObjectPath
	txCharPath dbus.ObjectPath
	signals    chan *dbus.Signal
	frames     chan []byte
	done       chan struct{}
	log        *zap.Logger
}

// DialBLE connects to the radio at the given Bluetooth address and
// performs the session handshake. The context bounds the whole
// connect + service discovery sequence.
func DialBLE(ctx context.Context, address string, log *zap.Logger) (*Session, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("meshcore: system bus: %w", err)
	}

	c := &bleConn{
		conn:       conn,
		devicePath: devicePath(defaultAdapter, address),
		signals:    make(chan *dbus.Signal, bleSignalBuffer),
		frames:     make(chan []byte, bleSignalBuffer),
		done:       make(chan struct{}),
		log:        log,
	}
	if err := c.connect(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return Open(c, log)
}

func devicePath(adapter, address string) dbus.ObjectPath {
	formatted := strings.ToUpper(strings.ReplaceAll(address, ":", "_"))
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, formatted))
}

func (c *bleConn) connect(ctx context.Context) error {
	dev := c.conn.Object(bluezBus, c.devicePath)

	var connected bool
	if err := dev.CallWithContext(ctx, dbusProps+".Get", 0, bluezDevice, "Connected").Store(&connected); err != nil {
		return fmt.Errorf("meshcore: device %s not known to BlueZ: %w", c.devicePath, err)
	}
	if !connected {
		if err := dev.CallWithContext(ctx, bluezDevice+".Connect", 0).Err; err != nil {
			return fmt.Errorf("meshcore: ble connect: %w", err)
		}
	}
	if err := c.waitServicesResolved(ctx, dev); err != nil {
		return err
	}
	if err := c.findCharacteristics(ctx); err != nil {
		return err
	}

	// Route TX notifications into the frame channel before enabling them.
	if err := c.conn.AddMatchSignal(
		dbus.WithMatchInterface(dbusProps),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchObjectPath(c.txCharPath),
	); err != nil {
		return fmt.Errorf("meshcore: ble match rule: %w", err)
	}
	c.conn.Signal(c.signals)
	go c.notifyLoop()

	tx := c.conn.Object(bluezBus, c.txCharPath)
	if err := tx.CallWithContext(ctx, bluezGattChar+".StartNotify", 0).Err; err != nil {
		return fmt.Errorf("meshcore: start notify: %w", err)
	}
	c.log.Debug("ble link up", zap.String("device", string(c.devicePath)))
	return nil
}

func (c *bleConn) waitServicesResolved(ctx context.Context, dev dbus.BusObject) error {
	deadline := time.Now().Add(servicesResolveMax)
	for {
		var resolved bool
		if err := dev.CallWithContext(ctx, dbusProps+".Get", 0, bluezDevice, "ServicesResolved").Store(&resolved); err != nil {
			return fmt.Errorf("meshcore: services resolved query: %w", err)
		}
		if resolved {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("meshcore: GATT services not resolved within %s", servicesResolveMax)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// findCharacteristics walks the BlueZ object tree for the UART RX and
// TX characteristics under our device.
func (c *bleConn) findCharacteristics(ctx context.Context) error {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	root := c.conn.Object(bluezBus, "/")
	if err := root.CallWithContext(ctx, dbusObjMgr+".GetManagedObjects", 0).Store(&objects); err != nil {
		return fmt.Errorf("meshcore: managed objects: %w", err)
	}

	prefix := string(c.devicePath) + "/"
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		char, ok := ifaces[bluezGattChar]
		if !ok {
			continue
		}
		uuidVar, ok := char["UUID"]
		if !ok {
			continue
		}
		uuid, _ := uuidVar.Value().(string)
		switch strings.ToLower(uuid) {
		case uartRxCharUUID:
			c.rxCharPath = path
		case uartTxCharUUID:
			c.txCharPath = path
		}
	}
	if c.rxCharPath == "" || c.txCharPath == "" {
		return fmt.Errorf("meshcore: UART characteristics not found on %s", c.devicePath)
	}
	return nil
}

// notifyLoop turns PropertiesChanged Value updates into frames.
func (c *bleConn) notifyLoop() {
	for {
		select {
		case <-c.done:
			return
		case sig, ok := <-c.signals:
			if !ok {
				return
			}
			if sig == nil || sig.Path != c.txCharPath || len(sig.Body) < 2 {
				continue
			}
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			valueVar, ok := changed["Value"]
			if !ok {
				continue
			}
			value, ok := valueVar.Value().([]byte)
			if !ok || len(value) == 0 {
				continue
			}
			select {
			case c.frames <- value:
			default:
				c.log.Warn("meshcore: ble frame queue full, dropping frame")
			}
		}
	}
}

func (c *bleConn) ReadFrame() ([]byte, error) {
	select {
	case frame, ok := <-c.frames:
		if !ok {
			return nil, fmt.Errorf("meshcore: ble link closed")
		}
		return frame, nil
	case <-c.done:
		return nil, fmt.Errorf("meshcore: ble link closed")
	}
}

func (c *bleConn) WriteFrame(payload []byte) error {
	rx := c.conn.Object(bluezBus, c.rxCharPath)
	opts := map[string]interface{}{"type": "command"}
	if err := rx.Call(bluezGattChar+".WriteValue", 0, payload, opts).Err; err != nil {
		return fmt.Errorf("meshcore: ble write: %w", err)
	}
	return nil
}

func (c *bleConn) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	close(c.done)

	tx := c.conn.Object(bluezBus, c.txCharPath)
	tx.Call(bluezGattChar+".StopNotify", 0) //nolint:errcheck

	dev := c.conn.Object(bluezBus, c.devicePath)
	if err := dev.Call(bluezDevice+".Disconnect", 0).Err; err != nil {
		c.conn.Close() //nolint:errcheck
		return fmt.Errorf("meshcore: ble disconnect: %w", err)
	}
	return c.conn.Close()
}
