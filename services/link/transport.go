package link

import (
	"context"
	"errors"
	"io"
	"sync"

	"fwupdate-go/errcode"
	"fwupdate-go/types"
)

// Transport is a pluggable link dialler/owner.
type Transport interface {
	Open(ctx context.Context) (io.ReadWriteCloser, error)
	String() string
}

type transportFactory func(types.LinkConfig) (Transport, error)

var (
	regMu     sync.RWMutex
	registry  = map[string]transportFactory{}
	errNoDial = errors.New("UARTDial not implemented")
)

// RegisterTransport allows platform files and tests to add transports.
func RegisterTransport(name string, f transportFactory) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[name] = f
}

func newTransport(cfg types.LinkConfig) (Transport, error) {
	regMu.RLock()
	f, ok := registry[cfg.Transport]
	regMu.RUnlock()
	if ok {
		return f(cfg)
	}
	if cfg.Transport == "uart" {
		return newUARTTransport(cfg)
	}
	return nil, &errcode.E{C: errcode.UnknownLink, Op: "transport", Msg: cfg.Transport}
}

// UARTDial is injected by platform code (eg. cmd/pico-ota).
// It must open and return an io.ReadWriteCloser over the configured UART.
var UARTDial func(ctx context.Context, u types.UARTConfig) (io.ReadWriteCloser, error)

// uartTransport implements Transport via an injected dial function.
type uartTransport struct {
	cfg types.UARTConfig
}

func newUARTTransport(cfg types.LinkConfig) (Transport, error) {
	if cfg.UART == nil {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "transport", Msg: "uart transport requires uart config"}
	}
	return &uartTransport{cfg: *cfg.UART}, nil
}

func (u *uartTransport) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	if UARTDial == nil {
		return nil, errNoDial
	}
	return UARTDial(ctx, u.cfg)
}

func (u *uartTransport) String() string { return "uart" }
