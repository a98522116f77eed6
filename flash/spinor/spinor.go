// Package spinor drives a JEDEC SPI NOR flash (W25Q-style) as a dual-bank
// flash.Device. The last sector holds the option record with the swap bit;
// block-protect bits in the status register implement Lock.
package spinor

import (
	"encoding/binary"
	"time"

	"fwupdate-go/errcode"
	"fwupdate-go/flash"

	"tinygo.org/x/drivers"
)

const (
	cmdWriteEnable  = 0x06
	cmdReadStatus   = 0x05
	cmdWriteStatus  = 0x01
	cmdRead         = 0x03
	cmdPageProgram  = 0x02
	cmdSectorErase  = 0x20
	cmdReadJEDECID  = 0x9F
	statusBusy      = 0x01
	statusWEL       = 0x02
	statusProtect   = 0x1C // BP0..BP2: whole array
	pageSize        = 256
	SectorSize      = 4096
	optMagic        = 0x4F505442 // "OPTB"
	optSwapOff      = 4
	defaultMaxPolls = 100000
)

var (
	_ flash.Device  = (*Flash)(nil)
	_ flash.Control = (*Flash)(nil)
)

type Config struct {
	// CS drives chip select; false selects the chip.
	CS func(high bool)
	// Capacity overrides the size read from the JEDEC id.
	Capacity int64
	// Reset restarts the CPU after the swap bit changes.
	Reset func()
	// MaxPolls bounds each busy wait.
	MaxPolls int
	// PollDelay is slept between status polls.
	PollDelay time.Duration
}

type Flash struct {
	spi    drivers.SPI
	cfg    Config
	size   int64 // usable array, excluding the option sector
	locked bool
}

// New identifies the chip from its JEDEC id and locks it.
func New(spi drivers.SPI, cfg Config) (*Flash, error) {
	if cfg.CS == nil {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "spinor", Msg: "chip select required"}
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = defaultMaxPolls
	}
	f := &Flash{spi: spi, cfg: cfg}
	cfg.CS(true)

	capacity := cfg.Capacity
	if capacity == 0 {
		id, err := f.JEDECID()
		if err != nil {
			return nil, err
		}
		if id[2] < 16 || id[2] > 28 {
			return nil, &errcode.E{C: errcode.Unsupported, Op: "spinor", Msg: "unknown capacity code"}
		}
		capacity = 1 << id[2]
	}
	if capacity < 2*SectorSize {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "spinor", Msg: "chip too small"}
	}
	f.size = capacity - SectorSize
	if err := f.Lock(); err != nil {
		return nil, err
	}
	return f, nil
}

// JEDECID returns manufacturer, memory type and capacity code.
func (f *Flash) JEDECID() ([3]byte, error) {
	var id [3]byte
	err := f.xfer([]byte{cmdReadJEDECID}, nil, id[:])
	return id, err
}

func (f *Flash) Size() int64           { return f.size }
func (f *Flash) WriteBlockSize() int64 { return 1 }
func (f *Flash) EraseBlockSize() int64 { return SectorSize }

// xfer runs one chip-select framed transaction: hdr, then either out or
// a read into in.
func (f *Flash) xfer(hdr, out, in []byte) error {
	f.cfg.CS(false)
	defer f.cfg.CS(true)
	if err := f.spi.Tx(hdr, nil); err != nil {
		return err
	}
	if len(out) > 0 {
		if err := f.spi.Tx(out, nil); err != nil {
			return err
		}
	}
	if len(in) > 0 {
		return f.spi.Tx(nil, in)
	}
	return nil
}

func addrCmd(cmd byte, addr int64) []byte {
	return []byte{cmd, byte(addr >> 16), byte(addr >> 8), byte(addr)}
}

func (f *Flash) status() (byte, error) {
	var s [1]byte
	err := f.xfer([]byte{cmdReadStatus}, nil, s[:])
	return s[0], err
}

func (f *Flash) waitIdle(op string) error {
	for i := 0; i < f.cfg.MaxPolls; i++ {
		s, err := f.status()
		if err != nil {
			return err
		}
		if s&statusBusy == 0 {
			return nil
		}
		if f.cfg.PollDelay > 0 {
			time.Sleep(f.cfg.PollDelay)
		}
	}
	return &errcode.E{C: errcode.Timeout, Op: op, Msg: "flash busy"}
}

func (f *Flash) writeEnable(op string) error {
	if err := f.xfer([]byte{cmdWriteEnable}, nil, nil); err != nil {
		return err
	}
	s, err := f.status()
	if err != nil {
		return err
	}
	if s&statusWEL == 0 {
		return &errcode.E{C: errcode.FlashFault, Op: op, Msg: "write enable not latched"}
	}
	return nil
}

func (f *Flash) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > f.size {
		return 0, errcode.OutOfRange
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := f.xfer(addrCmd(cmdRead, off), nil, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt programs p page by page.
func (f *Flash) WriteAt(p []byte, off int64) (int, error) {
	if f.locked {
		return 0, &errcode.E{C: errcode.FlashFault, Op: "write", Msg: "locked"}
	}
	if off < 0 || off+int64(len(p)) > f.size {
		return 0, errcode.OutOfRange
	}
	return f.program(p, off)
}

func (f *Flash) program(p []byte, off int64) (int, error) {
	n := 0
	for len(p) > 0 {
		room := pageSize - off%pageSize
		chunk := p
		if int64(len(chunk)) > room {
			chunk = chunk[:room]
		}
		if err := f.writeEnable("write"); err != nil {
			return n, err
		}
		if err := f.xfer(addrCmd(cmdPageProgram, off), chunk, nil); err != nil {
			return n, err
		}
		if err := f.waitIdle("write"); err != nil {
			return n, err
		}
		n += len(chunk)
		off += int64(len(chunk))
		p = p[len(chunk):]
	}
	return n, nil
}

func (f *Flash) EraseBlocks(start, n int64) error {
	if f.locked {
		return &errcode.E{C: errcode.FlashFault, Op: "erase", Msg: "locked"}
	}
	if start < 0 || n < 0 || (start+n)*SectorSize > f.size {
		return errcode.OutOfRange
	}
	for i := start; i < start+n; i++ {
		if err := f.eraseSector(i * SectorSize); err != nil {
			return err
		}
	}
	return nil
}

func (f *Flash) eraseSector(addr int64) error {
	if err := f.writeEnable("erase"); err != nil {
		return err
	}
	if err := f.xfer(addrCmd(cmdSectorErase, addr), nil, nil); err != nil {
		return err
	}
	return f.waitIdle("erase")
}

func (f *Flash) setProtect(bits byte, op string) error {
	if err := f.writeEnable(op); err != nil {
		return err
	}
	if err := f.xfer([]byte{cmdWriteStatus, bits}, nil, nil); err != nil {
		return err
	}
	if err := f.waitIdle(op); err != nil {
		return err
	}
	s, err := f.status()
	if err != nil {
		return err
	}
	if s&statusProtect != bits {
		return &errcode.E{C: errcode.FlashFault, Op: op, Msg: "protect bits not applied"}
	}
	return nil
}

// Unlock clears the block-protect bits.
func (f *Flash) Unlock() error {
	if err := f.setProtect(0, "unlock"); err != nil {
		return err
	}
	f.locked = false
	return nil
}

// Lock protects the whole array.
func (f *Flash) Lock() error {
	f.locked = true
	return f.setProtect(statusProtect, "lock")
}

func (f *Flash) SwapBank() (bool, error) {
	var rec [8]byte
	if err := f.xfer(addrCmd(cmdRead, f.size), nil, rec[:]); err != nil {
		return false, err
	}
	if binary.LittleEndian.Uint32(rec[:]) != optMagic {
		// A blank option sector boots bank 0.
		return false, nil
	}
	return rec[optSwapOff] == 1, nil
}

func (f *Flash) SetSwapBank(on bool) error {
	if f.locked {
		return &errcode.E{C: errcode.FlashFault, Op: "options", Msg: "locked"}
	}
	if err := f.eraseSector(f.size); err != nil {
		return err
	}
	var rec [8]byte
	for i := range rec {
		rec[i] = flash.Erased
	}
	binary.LittleEndian.PutUint32(rec[:], optMagic)
	rec[optSwapOff] = 0
	if on {
		rec[optSwapOff] = 1
	}
	_, err := f.program(rec[:], f.size)
	return err
}

// Launch resets the CPU; the boot stage reads the option record.
func (f *Flash) Launch() error {
	if f.cfg.Reset == nil {
		return &errcode.E{C: errcode.Unsupported, Op: "launch", Msg: "no reset hook"}
	}
	f.cfg.Reset()
	return nil
}
