// Package ota is the firmware transfer state machine: it receives an image
// into the inactive bank, validates its CRC, records its identity and asks
// for a deferred swap.
package ota

import (
	"fwupdate-go/bank"
	"fwupdate-go/errcode"
	"fwupdate-go/flash"
	"fwupdate-go/x/mathx"
)

type State uint8

const (
	Idle State = iota
	Receiving
	Validated
	Rejected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Receiving:
		return "receiving"
	case Validated:
		return "validated"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// OverrunPolicy decides what happens to bytes past the announced size.
type OverrunPolicy uint8

const (
	// OverrunClamp drops the excess and completes normally.
	OverrunClamp OverrunPolicy = iota
	// OverrunReject rejects the whole transfer.
	OverrunReject
)

// ParseOverrun maps a config string to a policy; unknown values clamp.
func ParseOverrun(s string) OverrunPolicy {
	if s == "reject" {
		return OverrunReject
	}
	return OverrunClamp
}

func (p OverrunPolicy) String() string {
	if p == OverrunReject {
		return "reject"
	}
	return "clamp"
}

// Banks is the slice of the bank controller the machine needs.
type Banks interface {
	Layout() bank.Layout
	WriteBlockSize() int64
	EraseInactive(size int64) error
	WriteInactive(off int64, p []byte) error
	ReadInactive(off int64, p []byte) error
	SetInactiveIdentity(bank.Identity) error
}

// SwapRequester receives the deferred swap once an image validates. A swap
// is withdrawn as soon as the inactive bank is erased for a new transfer.
type SwapRequester interface {
	RequestSwap(inactiveID uint16) error
	CancelSwap()
}

type Options struct {
	// MaxImageSize caps accepted transfers; 0 or anything above the bank's
	// image capacity means the capacity.
	MaxImageSize uint32
	Overrun      OverrunPolicy
	// DefaultImageID is recorded for images without an identity trailer.
	DefaultImageID uint16
	// ImageName is the board name recorded with a validated image.
	ImageName string
}

// Result describes the effect of one Append.
type Result struct {
	State    State // Receiving, or the terminal Validated/Rejected
	Received uint32
	Done     bool
	Ack      Ack // valid when Done
	CRC      uint32
	Identity bank.Identity
	// SwapRequested is false when the scheduler refused the swap.
	SwapRequested bool
}

// Machine owns one transfer at a time. It is driven from a single goroutine.
type Machine struct {
	banks Banks
	sched SwapRequester
	opts  Options

	state    State
	last     State
	expected uint32
	received uint32
	crc      uint32

	// pending holds bytes not yet forming a whole flash write block.
	pending []byte
	written int64
}

func New(banks Banks, sched SwapRequester, opts Options) *Machine {
	capacity := banks.Layout().ImageCapacity()
	if opts.MaxImageSize == 0 || int64(opts.MaxImageSize) > capacity {
		opts.MaxImageSize = uint32(capacity)
	}
	return &Machine{banks: banks, sched: sched, opts: opts}
}

func (m *Machine) State() State           { return m.state }
func (m *Machine) LastOutcome() State     { return m.last }
func (m *Machine) Active() bool           { return m.state == Receiving }
func (m *Machine) ExpectedSize() uint32   { return m.expected }
func (m *Machine) BytesReceived() uint32  { return m.received }
func (m *Machine) MaxImageSize() uint32   { return m.opts.MaxImageSize }
func (m *Machine) Overrun() OverrunPolicy { return m.opts.Overrun }

// Start begins a transfer. Oversize and empty requests are refused: the
// returned Ack is then Refusal(crc) and no transfer state is created.
// An accepted transfer erases the inactive bank, which withdraws any pending
// swap toward it. A flash failure while erasing is returned as *errcode.Fatal.
func (m *Machine) Start(size, crc uint32) (Ack, error) {
	if m.state == Receiving {
		return Refusal(crc), &errcode.E{C: errcode.Busy, Op: "start"}
	}
	switch {
	case size == 0:
		return Refusal(crc), &errcode.E{C: errcode.EmptyImage, Op: "start"}
	case size > m.opts.MaxImageSize:
		return Refusal(crc), &errcode.E{C: errcode.Oversize, Op: "start"}
	}
	m.sched.CancelSwap()
	if err := m.banks.EraseInactive(int64(size)); err != nil {
		return Refusal(crc), err
	}
	m.reset()
	m.state = Receiving
	m.expected = size
	m.crc = crc
	return AckOf(crc), nil
}

// Append writes chunk at the next offset of the inactive bank. It fails with
// errcode.NoTransfer unless a transfer is Receiving. A flash error ends the
// transfer as Rejected before it is returned.
func (m *Machine) Append(chunk []byte) (Result, error) {
	res, err := m.append(chunk)
	if err != nil && m.state == Receiving {
		m.reset()
		m.last = Rejected
	}
	return res, err
}

func (m *Machine) append(chunk []byte) (Result, error) {
	if m.state != Receiving {
		return Result{State: m.state}, &errcode.E{C: errcode.NoTransfer, Op: "append"}
	}
	remaining := m.expected - m.received
	if uint32(len(chunk)) > remaining {
		if m.opts.Overrun == OverrunReject {
			return m.reject(Refusal(m.crc), 0), nil
		}
		chunk = chunk[:remaining]
	}
	if err := m.program(chunk); err != nil {
		return Result{}, err
	}
	m.received += uint32(len(chunk))
	if m.received < m.expected {
		return Result{State: Receiving, Received: m.received}, nil
	}
	return m.complete()
}

// Abort discards a partial transfer. It is a no-op when nothing is active.
func (m *Machine) Abort() bool {
	if m.state != Receiving {
		return false
	}
	m.reset()
	return true
}

func (m *Machine) reset() {
	m.state = Idle
	m.expected = 0
	m.received = 0
	m.crc = 0
	m.pending = m.pending[:0]
	m.written = 0
}

// program writes whole write blocks and keeps the remainder pending.
func (m *Machine) program(p []byte) error {
	wb := m.banks.WriteBlockSize()
	if wb <= 1 && len(m.pending) == 0 {
		if err := m.banks.WriteInactive(m.written, p); err != nil {
			return err
		}
		m.written += int64(len(p))
		return nil
	}
	m.pending = append(m.pending, p...)
	n := int64(len(m.pending)) - int64(len(m.pending))%wb
	if n == 0 {
		return nil
	}
	if err := m.banks.WriteInactive(m.written, m.pending[:n]); err != nil {
		return err
	}
	m.written += n
	m.pending = append(m.pending[:0], m.pending[n:]...)
	return nil
}

// flushTail pads the final partial block with erased bytes.
func (m *Machine) flushTail() error {
	if len(m.pending) == 0 {
		return nil
	}
	wb := m.banks.WriteBlockSize()
	n := mathx.AlignUp(int64(len(m.pending)), wb)
	for int64(len(m.pending)) < n {
		m.pending = append(m.pending, flash.Erased)
	}
	if err := m.banks.WriteInactive(m.written, m.pending); err != nil {
		return err
	}
	m.written += n
	m.pending = m.pending[:0]
	return nil
}

func (m *Machine) complete() (Result, error) {
	if err := m.flushTail(); err != nil {
		return Result{}, err
	}
	sum, tail, err := m.readBack()
	if err != nil {
		return Result{}, err
	}
	if sum != m.crc {
		return m.reject(AckOf(sum), sum), nil
	}

	id := bank.Identity{ID: m.opts.DefaultImageID, Name: m.opts.ImageName}
	if tid, ok := ParseTrailer(tail); ok {
		id.ID = tid
	}
	if err := m.banks.SetInactiveIdentity(id); err != nil {
		return Result{}, err
	}
	res := Result{
		State:    Validated,
		Received: m.received,
		Done:     true,
		Ack:      AckOf(sum),
		CRC:      sum,
		Identity: id,
	}
	res.SwapRequested = m.sched.RequestSwap(id.ID) == nil
	m.reset()
	m.last = Validated
	return res, nil
}

func (m *Machine) reject(ack Ack, sum uint32) Result {
	res := Result{State: Rejected, Received: m.received, Done: true, Ack: ack, CRC: sum}
	m.reset()
	m.last = Rejected
	return res
}

// readBack computes the CRC of the image as stored in flash and returns its
// last TrailerSize bytes.
func (m *Machine) readBack() (uint32, []byte, error) {
	const blk = 256
	var buf [blk]byte
	h := NewHasher()
	tail := make([]byte, 0, TrailerSize)
	size := int64(m.expected)
	for off := int64(0); off < size; off += blk {
		n := min(blk, size-off)
		if err := m.banks.ReadInactive(off, buf[:n]); err != nil {
			return 0, nil, err
		}
		_, _ = h.Write(buf[:n])
		tail = append(tail, buf[:n]...)
		if len(tail) > TrailerSize {
			tail = append(tail[:0], tail[len(tail)-TrailerSize:]...)
		}
	}
	return h.Sum32(), tail, nil
}
