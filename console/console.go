// Package console routes writes on the console characteristic: firmware
// chunks while a transfer is active, otherwise fixed-prefix commands, with
// loopback echo for anything unrecognised.
package console

import (
	"bytes"

	"fwupdate-go/bank"
	"fwupdate-go/deferred"
	"fwupdate-go/errcode"
	"fwupdate-go/ota"
	"fwupdate-go/x/logx"
)

// Notifier sends bytes back to the peer on the console characteristic.
type Notifier interface {
	Notify(p []byte) error
}

// Banks is what the console commands read and write on the bank controller.
type Banks interface {
	ActiveBank() bank.Bank
	InactiveBank() bank.Bank
	Identity(b bank.Bank) (bank.Identity, error)
	BankFirmwareIDs() (id0, id1 uint16, err error)
	SetBankIdentity(id uint16, name string) error
}

// Info is the static identity of the running firmware.
type Info struct {
	Platform    string // e.g. "U585"
	PackageName string
	Version     string
	FirmwareID  uint16
}

type Router struct {
	m     *ota.Machine
	sched *deferred.Scheduler
	banks Banks
	n     Notifier
	info  Info
	uid   func() string
	cmds  []command
}

func New(m *ota.Machine, sched *deferred.Scheduler, banks Banks, n Notifier, info Info, uid func() string) *Router {
	r := &Router{m: m, sched: sched, banks: banks, n: n, info: info, uid: uid}
	r.cmds = commandTable()
	return r
}

// HandleWrite consumes one write from the link. It reports whether the link
// should echo p back to the peer. The only errors returned are fatal flash
// failures; everything else is answered on the Notifier.
func (r *Router) HandleWrite(p []byte) (echo bool, err error) {
	if r.m.Active() {
		return false, r.appendChunk(p)
	}
	for _, c := range r.cmds {
		if bytes.HasPrefix(p, []byte(c.name)) {
			return false, c.run(r, p)
		}
	}
	return true, nil
}

func (r *Router) appendChunk(p []byte) error {
	res, err := r.m.Append(p)
	if err != nil {
		if errcode.IsFatal(err) {
			return err
		}
		logx.Warnf("[console] append: %v", err)
		return nil
	}
	if !res.Done {
		return nil
	}
	switch res.State {
	case ota.Validated:
		logx.Infof("[console] image validated: crc=%08x id=%04x, swap after disconnect", res.CRC, res.Identity.ID)
	case ota.Rejected:
		logx.Warnf("[console] image rejected after %d bytes: crc=%08x", res.Received, res.CRC)
	}
	r.reply(res.Ack[:])
	return nil
}

func (r *Router) reply(p []byte) {
	if r.n == nil {
		return
	}
	if err := r.n.Notify(p); err != nil {
		logx.Warnf("[console] notify: %v", err)
	}
}

func (r *Router) replyString(s string) { r.reply([]byte(s)) }
