//go:build !(rp2040 || rp2350)

package main

import (
	"context"
	"sync"
	"time"

	"fwupdate-go/console"
	"fwupdate-go/errcode"
	"fwupdate-go/services/fwupdate"
	"fwupdate-go/types"
)

const localMTU = 20

// teeNotifier sends notifications to the local shell session while one is
// open, otherwise to the link.
type teeNotifier struct {
	primary console.Notifier

	mu    sync.Mutex
	local chan []byte
}

func (t *teeNotifier) Notify(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.local != nil {
		t.local <- append([]byte(nil), p...)
		return nil
	}
	return t.primary.Notify(p)
}

func (t *teeNotifier) attach(ch chan []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local = ch
}

// localConn is a console session from the shell straight into the update
// service, bypassing the link.
type localConn struct {
	fw    *fwupdate.Service
	tee   *teeNotifier
	notes chan []byte
	once  sync.Once
}

func openLocal(fw *fwupdate.Service, tee *teeNotifier) (*localConn, error) {
	c := &localConn{fw: fw, tee: tee, notes: make(chan []byte, 64)}
	tee.attach(c.notes)
	if err := c.deliver(types.LinkEvent{Kind: types.LinkConnected}); err != nil {
		tee.attach(nil)
		return nil, err
	}
	return c, nil
}

func (c *localConn) deliver(ev types.LinkEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return c.fw.Deliver(ctx, ev)
}

func (c *localConn) Write(p []byte) error {
	if len(p) > localMTU {
		return &errcode.E{C: errcode.FrameTooLarge, Op: "write", Msg: "write exceeds mtu"}
	}
	return c.deliver(types.LinkEvent{Kind: types.LinkWrite, Data: append([]byte(nil), p...)})
}

func (c *localConn) Notifications() <-chan []byte { return c.notes }
func (c *localConn) MTU() int                     { return localMTU }

func (c *localConn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.deliver(types.LinkEvent{Kind: types.LinkDisconnected})
		c.tee.attach(nil)
		close(c.notes)
	})
	return err
}
