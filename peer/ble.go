//go:build !(rp2040 || rp2350)

package peer

import (
	"context"
	"strings"
	"sync"

	"fwupdate-go/errcode"
	"fwupdate-go/x/logx"

	"tinygo.org/x/bluetooth"
)

// BlueST debug console: the term characteristic carries console writes and
// notifications.
const (
	ConsoleServiceUUID = "00000000-000e-11e1-9ab4-0002a5d5c51b"
	ConsoleTermUUID    = "00000001-000e-11e1-ac36-0002a5d5c51b"

	bleMTU = 20
)

// BLEConn is a console session over a BLE GATT connection.
type BLEConn struct {
	dev  bluetooth.Device
	term bluetooth.DeviceCharacteristic

	mu     sync.Mutex
	notes  chan []byte
	closed bool
}

// DialBLE scans for a device whose local name contains name and opens its
// console. The scan stops when ctx ends.
func DialBLE(ctx context.Context, name string) (*BLEConn, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { _ = adapter.StopScan() })
	defer stop()

	var res bluetooth.ScanResult
	var found bool
	err := adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
		if strings.Contains(r.LocalName(), name) {
			res = r
			found = true
			_ = a.StopScan()
		}
	})
	if err != nil {
		return nil, err
	}
	if !found {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &errcode.E{C: errcode.LinkDown, Op: "ble_scan", Msg: "device not found: " + name}
	}
	logx.Infof("[peer] found %s (%s)", res.LocalName(), res.Address.String())

	dev, err := adapter.Connect(res.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	c := &BLEConn{dev: dev, notes: make(chan []byte, 64)}
	if err := c.discover(); err != nil {
		_ = dev.Disconnect()
		return nil, err
	}
	return c, nil
}

func (c *BLEConn) discover() error {
	svcUUID, err := bluetooth.ParseUUID(ConsoleServiceUUID)
	if err != nil {
		return err
	}
	termUUID, err := bluetooth.ParseUUID(ConsoleTermUUID)
	if err != nil {
		return err
	}
	srvs, err := c.dev.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return err
	}
	if len(srvs) == 0 {
		return &errcode.E{C: errcode.Unsupported, Op: "ble_discover", Msg: "no console service"}
	}
	chars, err := srvs[0].DiscoverCharacteristics([]bluetooth.UUID{termUUID})
	if err != nil {
		return err
	}
	if len(chars) == 0 {
		return &errcode.E{C: errcode.Unsupported, Op: "ble_discover", Msg: "no console characteristic"}
	}
	c.term = chars[0]
	return c.term.EnableNotifications(c.onNotify)
}

func (c *BLEConn) onNotify(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.notes <- append([]byte(nil), data...)
}

func (c *BLEConn) Write(p []byte) error {
	if len(p) > bleMTU {
		return &errcode.E{C: errcode.FrameTooLarge, Op: "write", Msg: "write exceeds mtu"}
	}
	_, err := c.term.WriteWithoutResponse(p)
	return err
}

func (c *BLEConn) Notifications() <-chan []byte { return c.notes }
func (c *BLEConn) MTU() int                     { return bleMTU }

func (c *BLEConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.notes)
	c.mu.Unlock()
	return c.dev.Disconnect()
}
