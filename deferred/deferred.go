// Package deferred holds swap and reboot intents until the link has
// disconnected cleanly.
package deferred

import (
	"fwupdate-go/bank"
	"fwupdate-go/errcode"
)

// Pending is what has been requested since the last drain.
type Pending struct {
	Reboot bool
	Swap   bool
}

func (p Pending) Any() bool { return p.Reboot || p.Swap }

// Released is handed to the top-level loop once per disconnect.
// A swap implies a reset, so Reboot is only meaningful on its own.
type Released struct {
	Swap   bool
	Reboot bool
}

func (r Released) Any() bool { return r.Swap || r.Reboot }

// Scheduler is a one-shot queue drained exactly once per disconnect.
// It is owned by a single goroutine.
type Scheduler struct {
	p Pending
}

func New() *Scheduler { return &Scheduler{} }

// RequestSwap records a swap toward the inactive bank. A bank known to hold
// no valid image is never scheduled.
func (s *Scheduler) RequestSwap(inactiveID uint16) error {
	if inactiveID == bank.FirmwareIDInvalid {
		return &errcode.E{C: errcode.NoValidImage, Op: "request_swap"}
	}
	s.p.Swap = true
	return nil
}

// CancelSwap withdraws a pending swap. Erasing the inactive bank makes any
// earlier request point at an image that no longer exists.
func (s *Scheduler) CancelSwap() { s.p.Swap = false }

func (s *Scheduler) RequestReboot() { s.p.Reboot = true }

func (s *Scheduler) Pending() Pending { return s.p }

// Disconnect drains the queue. With abandon set (the link dropped mid
// transfer) pending intents are discarded rather than released.
func (s *Scheduler) Disconnect(abandon bool) Released {
	p := s.p
	s.p = Pending{}
	if abandon {
		return Released{}
	}
	return Released{Swap: p.Swap, Reboot: p.Reboot}
}
