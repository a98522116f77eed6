//go:build !(rp2040 || rp2350)

package main

import (
	"context"
	"sync"
	"time"

	"fwupdate-go/bank"
	"fwupdate-go/bus"
	"fwupdate-go/errcode"
	"fwupdate-go/flash/filebank"
	"fwupdate-go/services/config"
	"fwupdate-go/services/fwupdate"
	"fwupdate-go/services/link"
	"fwupdate-go/services/system"
	"fwupdate-go/types"
	"fwupdate-go/x/logx"
)

// device is one boot of the simulated board. A swap or reboot ends it and
// main boots a fresh one over the same flash file.
type device struct {
	cancel context.CancelFunc
	flash  *filebank.Flash
	ctl    *bank.Controller
	conn   *bus.Connection
	fw     *fwupdate.Service
	tee    *teeNotifier
	reset  chan struct{}
	once   sync.Once
}

func (d *device) requestReset() {
	d.once.Do(func() { close(d.reset) })
}

// hostBoard logs the heartbeat pattern and turns Reboot into a re-boot of
// the simulated device.
type hostBoard struct{ d *device }

func (b hostBoard) Show(p system.Pattern) {
	if logx.V(2) {
		logx.Infof("[board] pattern %d", p)
	}
}

func (b hostBoard) Reboot() { b.d.requestReset() }

func boot(parent context.Context, o options) (*device, error) {
	f, err := filebank.Open(o.flashPath, 2*o.bankSize, o.eraseBlock, o.writeBlock)
	if err != nil {
		return nil, err
	}
	ctl, err := bank.Open(f, f, bank.Layout{BankSize: o.bankSize, MetaSize: o.eraseBlock})
	if err != nil {
		f.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.WithValue(parent, config.CtxDeviceKey, o.device))
	d := &device{cancel: cancel, flash: f, ctl: ctl, reset: make(chan struct{})}
	f.OnLaunch = func(swap bool) {
		logx.Infof("[otasim] option bytes reloaded, swap=%t", swap)
		d.requestReset()
	}

	b := bus.NewBus(32)
	d.conn = b.NewConnection("otasim")
	config.NewConfigService().Start(ctx, b.NewConnection("config"))

	cfg, err := waitFWConfig(ctx, d.conn)
	if err != nil {
		d.stop()
		return nil, err
	}

	lk := link.New(b.NewConnection("link"))
	d.tee = &teeNotifier{primary: lk}
	d.fw = fwupdate.New(b.NewConnection("fwupdate"), ctl, d.tee, cfg, func() string { return o.uid })
	lk.Bind(d.fw)

	d.fw.Start(ctx)
	lk.Start(ctx)
	system.New(b.NewConnection("system"), ctl, hostBoard{d: d}).Start(ctx)
	return d, nil
}

func waitFWConfig(ctx context.Context, conn *bus.Connection) (types.FWUpdateConfig, error) {
	sub := conn.Subscribe(bus.T("config", "fwupdate"))
	defer conn.Unsubscribe(sub)
	var cfg types.FWUpdateConfig
	select {
	case msg := <-sub.Channel():
		return cfg, config.Decode(msg.Payload, &cfg)
	case <-time.After(2 * time.Second):
		return cfg, &errcode.E{C: errcode.Timeout, Op: "boot", Msg: "no fwupdate config"}
	case <-ctx.Done():
		return cfg, ctx.Err()
	}
}

// retained returns the retained payload on topic, if any.
func (d *device) retained(topic bus.Topic) (any, bool) {
	sub := d.conn.Subscribe(topic)
	defer d.conn.Unsubscribe(sub)
	select {
	case msg := <-sub.Channel():
		return msg.Payload, true
	case <-time.After(100 * time.Millisecond):
		return nil, false
	}
}

func (d *device) stop() {
	d.cancel()
	// Let services observe cancellation before the mapping goes away.
	time.Sleep(50 * time.Millisecond)
	if err := d.flash.Close(); err != nil {
		logx.Warnf("[otasim] flash close: %v", err)
	}
}
