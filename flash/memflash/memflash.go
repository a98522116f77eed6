// Package memflash is an in-memory flash.Device + flash.Control with NOR
// semantics and fault injection. Host builds and tests use it.
package memflash

import (
	"sync"

	"fwupdate-go/errcode"
	"fwupdate-go/flash"
)

// Ops that can be made to fail with Fail.
const (
	OpUnlock  = "unlock"
	OpLock    = "lock"
	OpErase   = "erase"
	OpWrite   = "write"
	OpRead    = "read"
	OpOptions = "options"
	OpLaunch  = "launch"
)

var (
	_ flash.Device  = (*Flash)(nil)
	_ flash.Control = (*Flash)(nil)
)

type Flash struct {
	mu         sync.Mutex
	mem        []byte
	eraseBlock int64
	writeBlock int64

	locked bool
	swap   bool
	faults map[string]error

	// Counters for assertions.
	Unlocks, Locks, Launches int

	// OnLaunch, when set, runs after a successful Launch (simulated reset).
	OnLaunch func(swap bool)
}

// New returns an erased device of size bytes.
func New(size, eraseBlock, writeBlock int64) *Flash {
	if eraseBlock <= 0 {
		eraseBlock = 4096
	}
	if writeBlock <= 0 {
		writeBlock = 1
	}
	m := make([]byte, size)
	for i := range m {
		m[i] = flash.Erased
	}
	return &Flash{mem: m, eraseBlock: eraseBlock, writeBlock: writeBlock, locked: true, faults: map[string]error{}}
}

// Fail makes every subsequent op fail with err; a nil err clears the fault.
func (f *Flash) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.faults, op)
		return
	}
	f.faults[op] = err
}

// Locked reports whether the lock bracket is closed.
func (f *Flash) Locked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked
}

// Bytes exposes the backing array for inspection in tests.
func (f *Flash) Bytes() []byte { return f.mem }

func (f *Flash) fault(op string) error { return f.faults[op] }

func (f *Flash) Size() int64           { return int64(len(f.mem)) }
func (f *Flash) WriteBlockSize() int64 { return f.writeBlock }
func (f *Flash) EraseBlockSize() int64 { return f.eraseBlock }

func (f *Flash) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fault(OpRead); err != nil {
		return 0, err
	}
	if off < 0 || off+int64(len(p)) > int64(len(f.mem)) {
		return 0, errcode.OutOfRange
	}
	return copy(p, f.mem[off:]), nil
}

func (f *Flash) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fault(OpWrite); err != nil {
		return 0, err
	}
	if f.locked {
		return 0, &errcode.E{C: errcode.FlashFault, Op: OpWrite, Msg: "locked"}
	}
	if off < 0 || off+int64(len(p)) > int64(len(f.mem)) {
		return 0, errcode.OutOfRange
	}
	for i, b := range p {
		cur := f.mem[off+int64(i)]
		if cur != flash.Erased && cur != b {
			return i, errcode.NotErased
		}
	}
	return copy(f.mem[off:], p), nil
}

func (f *Flash) EraseBlocks(start, n int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fault(OpErase); err != nil {
		return err
	}
	if f.locked {
		return &errcode.E{C: errcode.FlashFault, Op: OpErase, Msg: "locked"}
	}
	lo, hi := start*f.eraseBlock, (start+n)*f.eraseBlock
	if start < 0 || n < 0 || hi > int64(len(f.mem)) {
		return errcode.OutOfRange
	}
	for i := lo; i < hi; i++ {
		f.mem[i] = flash.Erased
	}
	return nil
}

func (f *Flash) Unlock() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fault(OpUnlock); err != nil {
		return err
	}
	f.Unlocks++
	f.locked = false
	return nil
}

func (f *Flash) Lock() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Locks++
	f.locked = true
	return f.fault(OpLock)
}

func (f *Flash) SwapBank() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.swap, nil
}

func (f *Flash) SetSwapBank(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fault(OpOptions); err != nil {
		return err
	}
	if f.locked {
		return &errcode.E{C: errcode.FlashFault, Op: OpOptions, Msg: "locked"}
	}
	f.swap = on
	return nil
}

func (f *Flash) Launch() error {
	f.mu.Lock()
	if err := f.fault(OpLaunch); err != nil {
		f.mu.Unlock()
		return err
	}
	f.Launches++
	swap, hook := f.swap, f.OnLaunch
	f.mu.Unlock()
	if hook != nil {
		hook(swap)
	}
	return nil
}
