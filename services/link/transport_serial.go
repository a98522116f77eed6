//go:build !(rp2040 || rp2350)

package link

import (
	"context"
	"io"
	"sync/atomic"

	"fwupdate-go/errcode"
	"fwupdate-go/types"
	"fwupdate-go/x/timex"

	"go.bug.st/serial"
)

func init() { RegisterTransport("serial", newSerialTransport) }

// serialTransport opens a host serial port (USB CDC to a board, or a
// virtual port pair in simulation).
type serialTransport struct {
	cfg types.SerialConfig
}

func newSerialTransport(cfg types.LinkConfig) (Transport, error) {
	if cfg.Serial == nil || cfg.Serial.Port == "" {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "transport", Msg: "serial transport requires a port"}
	}
	return &serialTransport{cfg: *cfg.Serial}, nil
}

func (t *serialTransport) String() string { return "serial" }

func (t *serialTransport) Open(_ context.Context) (io.ReadWriteCloser, error) {
	return OpenSerial(t.cfg)
}

// OpenSerial opens the port 8N1 with a finite read timeout so Close can
// interrupt a pending Read.
func OpenSerial(cfg types.SerialConfig) (io.ReadWriteCloser, error) {
	baud := cfg.Baud
	if baud <= 0 {
		baud = 115200
	}
	port, err := serial.Open(cfg.Port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	rt := cfg.ReadTimeoutMs
	if rt <= 0 {
		rt = 100
	}
	if err := port.SetReadTimeout(timex.Ms(rt)); err != nil {
		_ = port.Close()
		return nil, err
	}
	return &serialConn{Port: port}, nil
}

// serialConn hides read timeouts: Read returns only data, an error, or EOF
// after Close.
type serialConn struct {
	serial.Port
	closed atomic.Bool
}

func (c *serialConn) Read(p []byte) (int, error) {
	for {
		n, err := c.Port.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
		if c.closed.Load() {
			return 0, io.EOF
		}
	}
}

func (c *serialConn) Close() error {
	c.closed.Store(true)
	return c.Port.Close()
}
