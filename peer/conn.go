// Package peer is the host side of the update protocol: a console session
// with a device and an uploader that drives upgradeFw over it.
package peer

import (
	"io"
	"sync"

	"fwupdate-go/errcode"
	"fwupdate-go/services/link"
)

// Conn is one console session with a device.
type Conn interface {
	// Write sends one console write. The device sees each call as one event.
	Write(p []byte) error
	// Notifications yields device notifications in order. It is closed when
	// the session ends.
	Notifications() <-chan []byte
	// MTU is the largest write the transport carries, or 0 if unbounded.
	MTU() int
	Close() error
}

// FramedConn speaks the framed link protocol over a byte stream (serial
// port, pipe, MQTT bridge).
type FramedConn struct {
	rwc   io.ReadWriteCloser
	wmu   sync.Mutex
	wr    *link.FrameWriter
	notes chan []byte
	mtu   int
	once  sync.Once
	err   error
}

// Dial opens a session over rwc. mtu bounds each write; 0 means unbounded.
func Dial(rwc io.ReadWriteCloser, mtu int) (*FramedConn, error) {
	c := &FramedConn{
		rwc:   rwc,
		wr:    link.NewFrameWriter(rwc),
		notes: make(chan []byte, 64),
		mtu:   mtu,
	}
	go c.readLoop()
	if err := c.send(link.FrameConnect, nil); err != nil {
		_ = rwc.Close()
		return nil, err
	}
	return c, nil
}

func (c *FramedConn) readLoop() {
	defer close(c.notes)
	rd := link.NewFrameReader(c.rwc)
	for {
		f, err := rd.ReadFrame()
		if err != nil {
			return
		}
		switch f.Type {
		case link.FrameNotify:
			c.notes <- f.Payload
		case link.FramePing:
			if err := c.send(link.FramePong, nil); err != nil {
				return
			}
		case link.FrameClose:
			return
		}
	}
}

func (c *FramedConn) send(typ byte, p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.wr.WriteFrame(link.Frame{Type: typ, Payload: p})
}

func (c *FramedConn) Write(p []byte) error {
	if c.mtu > 0 && len(p) > c.mtu {
		return &errcode.E{C: errcode.FrameTooLarge, Op: "write", Msg: "write exceeds mtu"}
	}
	return c.send(link.FrameWrite, p)
}

func (c *FramedConn) Notifications() <-chan []byte { return c.notes }
func (c *FramedConn) MTU() int                     { return c.mtu }

// Close ends the session. The device releases any deferred swap or reboot
// on the disconnect.
func (c *FramedConn) Close() error {
	c.once.Do(func() {
		_ = c.send(link.FrameDisconnect, nil)
		c.err = c.rwc.Close()
	})
	return c.err
}
