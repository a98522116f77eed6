// Package bank is the dual-bank flash controller.
//
// Two equally sized banks live back to back on one flash.Device. The last
// MetaSize bytes of each bank hold an identity record (firmware id + board
// name). Which bank boots is decided by the persisted swap bit behind
// flash.Control; the controller reads it once in Open and caches it for the
// life of the process.
package bank

import (
	"fwupdate-go/errcode"
	"fwupdate-go/flash"
	"fwupdate-go/x/mathx"
)

// Bank is a physical bank index.
type Bank int

const (
	Bank0 Bank = 0
	Bank1 Bank = 1
)

// Other returns the opposite bank.
func (b Bank) Other() Bank { return 1 - b }

// Layout describes how the device is split into two banks.
type Layout struct {
	BankSize int64 // bytes per bank
	MetaSize int64 // reserved identity area at the end of each bank
}

// ImageCapacity is the largest image a bank can hold.
func (l Layout) ImageCapacity() int64 { return l.BankSize - l.MetaSize }

func (l Layout) base(b Bank) int64     { return int64(b) * l.BankSize }
func (l Layout) metaBase(b Bank) int64 { return l.base(b) + l.ImageCapacity() }

func (l Layout) validate(dev flash.Device) error {
	eb := dev.EraseBlockSize()
	switch {
	case l.BankSize <= 0 || l.MetaSize < recordSize:
		return &errcode.E{C: errcode.InvalidParams, Op: "layout", Msg: "bank or meta size too small"}
	case l.BankSize%eb != 0 || l.MetaSize%eb != 0:
		return &errcode.E{C: errcode.InvalidParams, Op: "layout", Msg: "sizes must be erase-block aligned"}
	case 2*l.BankSize > dev.Size():
		return &errcode.E{C: errcode.InvalidParams, Op: "layout", Msg: "device too small for two banks"}
	case l.MetaSize >= l.BankSize:
		return &errcode.E{C: errcode.InvalidParams, Op: "layout", Msg: "meta area fills the bank"}
	}
	return nil
}

// Controller owns boot-bank selection and per-bank identity.
// It is not safe for concurrent use; the update service serialises access.
type Controller struct {
	dev    flash.Device
	ctl    flash.Control
	layout Layout
	active Bank
}

// Open reads the persisted swap bit and caches the active bank.
func Open(dev flash.Device, ctl flash.Control, layout Layout) (*Controller, error) {
	if err := layout.validate(dev); err != nil {
		return nil, err
	}
	swap, err := ctl.SwapBank()
	if err != nil {
		return nil, errcode.Wrap(errcode.FlashFault, "open", err)
	}
	c := &Controller{dev: dev, ctl: ctl, layout: layout, active: Bank0}
	if swap {
		c.active = Bank1
	}
	return c, nil
}

func (c *Controller) Layout() Layout        { return c.layout }
func (c *Controller) ActiveBank() Bank      { return c.active }
func (c *Controller) InactiveBank() Bank    { return c.active.Other() }
func (c *Controller) WriteBlockSize() int64 { return c.dev.WriteBlockSize() }

// Identity reads the identity record of bank b. A missing or corrupt record
// reads as FirmwareIDInvalid with no error.
func (c *Controller) Identity(b Bank) (Identity, error) {
	var rec [recordSize]byte
	if _, err := c.dev.ReadAt(rec[:], c.layout.metaBase(b)); err != nil {
		return Identity{}, errcode.Wrap(errcode.FlashFault, "identity", err)
	}
	id, ok := decodeRecord(rec[:])
	if !ok {
		return Identity{ID: FirmwareIDInvalid}, nil
	}
	return id, nil
}

// BankFirmwareIDs reads both identity records without side effects.
func (c *Controller) BankFirmwareIDs() (id0, id1 uint16, err error) {
	i0, err := c.Identity(Bank0)
	if err != nil {
		return FirmwareIDInvalid, FirmwareIDInvalid, err
	}
	i1, err := c.Identity(Bank1)
	if err != nil {
		return FirmwareIDInvalid, FirmwareIDInvalid, err
	}
	return i0.ID, i1.ID, nil
}

// SetBankIdentity persists id/name into the active bank's metadata area.
func (c *Controller) SetBankIdentity(id uint16, name string) error {
	return c.writeIdentity("set_identity", c.active, Identity{ID: id, Name: name})
}

// EnsureIdentity rewrites the active record only when it differs, so a boot
// does not wear the metadata block.
func (c *Controller) EnsureIdentity(id uint16, name string) error {
	cur, err := c.Identity(c.active)
	if err != nil {
		return err
	}
	if name == "" {
		name = cur.Name
	}
	if cur.ID == id && cur.Name == name {
		return nil
	}
	return c.SetBankIdentity(id, name)
}

// SetInactiveIdentity records the identity of a freshly validated image.
func (c *Controller) SetInactiveIdentity(id Identity) error {
	return c.writeIdentity("set_inactive_identity", c.InactiveBank(), id)
}

func (c *Controller) writeIdentity(op string, b Bank, id Identity) error {
	rec, err := encodeRecord(id)
	if err != nil {
		return err
	}
	eb := c.dev.EraseBlockSize()
	meta := c.layout.metaBase(b)
	return c.withUnlocked(op, func() error {
		if err := c.dev.EraseBlocks(meta/eb, c.layout.MetaSize/eb); err != nil {
			return err
		}
		_, err := c.dev.WriteAt(c.pad(rec), meta)
		return err
	})
}

// EraseInactive erases enough of the inactive bank to hold size bytes, and
// its identity record, so a half-written image can never look valid.
func (c *Controller) EraseInactive(size int64) error {
	if size < 0 || size > c.layout.ImageCapacity() {
		return &errcode.E{C: errcode.Oversize, Op: "erase_inactive"}
	}
	eb := c.dev.EraseBlockSize()
	b := c.InactiveBank()
	return c.withUnlocked("erase_inactive", func() error {
		if n := mathx.CeilDiv(size, eb); n > 0 {
			if err := c.dev.EraseBlocks(c.layout.base(b)/eb, n); err != nil {
				return err
			}
		}
		return c.dev.EraseBlocks(c.layout.metaBase(b)/eb, c.layout.MetaSize/eb)
	})
}

// WriteInactive programs p at image offset off of the inactive bank.
func (c *Controller) WriteInactive(off int64, p []byte) error {
	if off < 0 || off+int64(len(p)) > c.layout.ImageCapacity() {
		return &errcode.E{C: errcode.OutOfRange, Op: "write_inactive"}
	}
	base := c.layout.base(c.InactiveBank())
	return c.withUnlocked("write_inactive", func() error {
		_, err := c.dev.WriteAt(p, base+off)
		return err
	})
}

// ReadInactive reads image bytes back from the inactive bank. A read fault
// is fatal like any other flash failure.
func (c *Controller) ReadInactive(off int64, p []byte) error {
	if off < 0 || off+int64(len(p)) > c.layout.ImageCapacity() {
		return &errcode.E{C: errcode.OutOfRange, Op: "read_inactive"}
	}
	if _, err := c.dev.ReadAt(p, c.layout.base(c.InactiveBank())+off); err != nil {
		return &errcode.Fatal{Op: "read_inactive", Err: err}
	}
	return nil
}

// SwapBanks flips the persisted boot-bank bit and launches the option bytes.
// On hardware Launch resets and this call does not return. The cached active
// bank is left untouched; only the next boot observes the swap.
func (c *Controller) SwapBanks() error {
	return c.withUnlocked("swap_banks", func() error {
		cur, err := c.ctl.SwapBank()
		if err != nil {
			return err
		}
		if err := c.ctl.SetSwapBank(!cur); err != nil {
			return err
		}
		return c.ctl.Launch()
	})
}

// withUnlocked runs fn between Unlock and Lock. Lock runs on every path.
// Any failure inside the bracket is fatal: flash state can no longer be trusted.
func (c *Controller) withUnlocked(op string, fn func() error) (err error) {
	if uerr := c.ctl.Unlock(); uerr != nil {
		_ = c.ctl.Lock()
		return &errcode.Fatal{Op: op + "/unlock", Err: uerr}
	}
	defer func() {
		if lerr := c.ctl.Lock(); lerr != nil && err == nil {
			err = &errcode.Fatal{Op: op + "/lock", Err: lerr}
		}
	}()
	if ferr := fn(); ferr != nil {
		return &errcode.Fatal{Op: op, Err: ferr}
	}
	return nil
}

// pad extends p with erased bytes to the device write granularity.
func (c *Controller) pad(p []byte) []byte {
	wb := c.dev.WriteBlockSize()
	n := mathx.AlignUp(int64(len(p)), wb)
	if n == int64(len(p)) {
		return p
	}
	out := make([]byte, n)
	copy(out, p)
	for i := len(p); i < len(out); i++ {
		out[i] = flash.Erased
	}
	return out
}
