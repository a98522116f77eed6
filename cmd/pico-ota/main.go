//go:build rp2040 || rp2350

// Command pico-ota is the rp2040 firmware: the update link on a uartx UART,
// the two banks on an external SPI NOR, and the on-board LED for the
// heartbeat.
package main

import (
	"context"
	"encoding/hex"
	"io"
	"machine"
	"time"

	"fwupdate-go/bank"
	"fwupdate-go/bus"
	"fwupdate-go/flash/spinor"
	"fwupdate-go/services/config"
	"fwupdate-go/services/fwupdate"
	"fwupdate-go/services/link"
	"fwupdate-go/services/system"
	"fwupdate-go/types"

	"github.com/jangala-dev/tinygo-uartx/uartx"
)

const (
	norCS  = machine.GP13
	norSCK = machine.GP10
	norSDO = machine.GP11
	norSDI = machine.GP12
)

// uartConn adapts a uartx UART to io.ReadWriteCloser. Close cancels any
// pending read.
type uartConn struct {
	u      *uartx.UART
	ctx    context.Context
	cancel context.CancelFunc
}

func (c *uartConn) Read(p []byte) (int, error) {
	n, err := c.u.RecvSomeContext(c.ctx, p)
	if err != nil && c.ctx.Err() != nil {
		return n, io.EOF
	}
	return n, err
}

func (c *uartConn) Write(p []byte) (int, error) { return c.u.Write(p) }
func (c *uartConn) Close() error                { c.cancel(); return nil }

func dialUART(ctx context.Context, cfg types.UARTConfig) (io.ReadWriteCloser, error) {
	hw := uartx.UART0
	if cfg.ID == "uart1" {
		hw = uartx.UART1
	}
	if err := hw.Configure(uartx.UARTConfig{
		BaudRate: cfg.Baud,
		TX:       machine.Pin(cfg.TXPin),
		RX:       machine.Pin(cfg.RXPin),
	}); err != nil {
		return nil, err
	}
	cctx, cancel := context.WithCancel(ctx)
	return &uartConn{u: hw, ctx: cctx, cancel: cancel}, nil
}

type ledBoard struct {
	led  machine.Pin
	show chan system.Pattern
}

func newLEDBoard() *ledBoard {
	b := &ledBoard{led: machine.LED, show: make(chan system.Pattern, 1)}
	b.led.Configure(machine.PinConfig{Mode: machine.PinOutput})
	go b.run()
	return b
}

// Show never blocks the supervisor; a pattern still blinking is skipped.
func (b *ledBoard) Show(p system.Pattern) {
	select {
	case b.show <- p:
	default:
	}
}

func (b *ledBoard) run() {
	for p := range b.show {
		n := int(p)
		on := 80 * time.Millisecond
		if p == system.PatternFault {
			n, on = 5, 40*time.Millisecond
		}
		for i := 0; i < n; i++ {
			b.led.High()
			time.Sleep(on)
			b.led.Low()
			time.Sleep(on)
		}
	}
}

func (b *ledBoard) Reboot() { machine.CPUReset() }

func openBanks() (*bank.Controller, error) {
	spi := machine.SPI1
	if err := spi.Configure(machine.SPIConfig{
		Frequency: 16_000_000,
		SCK:       norSCK,
		SDO:       norSDO,
		SDI:       norSDI,
	}); err != nil {
		return nil, err
	}
	norCS.Configure(machine.PinConfig{Mode: machine.PinOutput})
	nor, err := spinor.New(spi, spinor.Config{
		CS:        norCS.Set,
		Reset:     machine.CPUReset,
		PollDelay: 50 * time.Microsecond,
	})
	if err != nil {
		return nil, err
	}
	half := nor.Size() / 2
	half -= half % spinor.SectorSize
	return bank.Open(nor, nor, bank.Layout{BankSize: half, MetaSize: spinor.SectorSize})
}

func uid() string {
	return hex.EncodeToString(machine.DeviceID())
}

func main() {
	// Allow USB CDC to enumerate before we print.
	time.Sleep(2 * time.Second)
	println("[main] boot")

	board := newLEDBoard()
	ctl, err := openBanks()
	if err != nil {
		println("[main] flash:", err.Error())
		for {
			board.Show(system.PatternFault)
			time.Sleep(time.Second)
		}
	}

	ctx := context.WithValue(context.Background(), config.CtxDeviceKey, "pico")
	b := bus.NewBus(8)
	conn := b.NewConnection("main")
	config.NewConfigService().Start(ctx, b.NewConnection("config"))

	sub := conn.Subscribe(bus.T("config", "fwupdate"))
	var cfg types.FWUpdateConfig
	if err := config.Decode((<-sub.Channel()).Payload, &cfg); err != nil {
		println("[main] config:", err.Error())
	}
	conn.Unsubscribe(sub)

	link.UARTDial = dialUART
	lk := link.New(b.NewConnection("link"))
	fw := fwupdate.New(b.NewConnection("fwupdate"), ctl, lk, cfg, uid)
	lk.Bind(fw)

	fw.Start(ctx)
	lk.Start(ctx)
	system.New(b.NewConnection("system"), ctl, board).Run(ctx)
}
