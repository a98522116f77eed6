//go:build !(rp2040 || rp2350)

// Package filebank backs a dual-bank flash with an mmap'd file so the
// simulator keeps its banks and swap bit across restarts.
//
// The file holds the flash array followed by one erase block of option
// bytes.
package filebank

import (
	"encoding/binary"
	"os"
	"sync"

	"fwupdate-go/errcode"
	"fwupdate-go/flash"

	"github.com/edsrzf/mmap-go"
)

const (
	fileModePerm = 0o644

	optMagic   = 0x4F505442 // "OPTB"
	optSwapOff = 4
)

var (
	_ flash.Device  = (*Flash)(nil)
	_ flash.Control = (*Flash)(nil)
)

type Flash struct {
	mu         sync.Mutex
	fd         *os.File
	m          mmap.MMap
	size       int64
	eraseBlock int64
	writeBlock int64
	locked     bool

	// OnLaunch runs after the option bytes are reloaded. The simulator uses
	// it to restart itself.
	OnLaunch func(swap bool)
}

// Open maps path, creating an erased image of size bytes if it does not
// exist. An existing file must have been created with the same geometry.
func Open(path string, size, eraseBlock, writeBlock int64) (*Flash, error) {
	if size <= 0 || eraseBlock <= 0 || writeBlock <= 0 || size%eraseBlock != 0 {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "open", Msg: "bad geometry"}
	}
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, fileModePerm)
	if err != nil {
		return nil, err
	}
	st, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, err
	}
	total := size + eraseBlock
	fresh := st.Size() == 0
	if !fresh && st.Size() != total {
		fd.Close()
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "open", Msg: "existing image has a different size"}
	}
	if err := fd.Truncate(total); err != nil {
		fd.Close()
		return nil, err
	}
	m, err := mmap.Map(fd, mmap.RDWR, 0)
	if err != nil {
		fd.Close()
		return nil, err
	}
	f := &Flash{fd: fd, m: m, size: size, eraseBlock: eraseBlock, writeBlock: writeBlock, locked: true}
	if fresh {
		for i := range m {
			m[i] = flash.Erased
		}
		f.writeOptions(false)
		if err := m.Flush(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// Close flushes and unmaps the file.
func (f *Flash) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m == nil {
		return nil
	}
	err := f.m.Flush()
	if uerr := f.m.Unmap(); err == nil {
		err = uerr
	}
	if cerr := f.fd.Close(); err == nil {
		err = cerr
	}
	f.m = nil
	return err
}

func (f *Flash) Size() int64           { return f.size }
func (f *Flash) WriteBlockSize() int64 { return f.writeBlock }
func (f *Flash) EraseBlockSize() int64 { return f.eraseBlock }

func (f *Flash) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off < 0 || off+int64(len(p)) > f.size {
		return 0, errcode.OutOfRange
	}
	return copy(p, f.m[off:]), nil
}

func (f *Flash) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked {
		return 0, &errcode.E{C: errcode.FlashFault, Op: "write", Msg: "locked"}
	}
	if off < 0 || off+int64(len(p)) > f.size {
		return 0, errcode.OutOfRange
	}
	if off%f.writeBlock != 0 || int64(len(p))%f.writeBlock != 0 {
		return 0, &errcode.E{C: errcode.InvalidParams, Op: "write", Msg: "unaligned program"}
	}
	for i, b := range p {
		cur := f.m[off+int64(i)]
		if cur != flash.Erased && cur != b {
			return 0, errcode.NotErased
		}
	}
	return copy(f.m[off:], p), nil
}

func (f *Flash) EraseBlocks(start, n int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked {
		return &errcode.E{C: errcode.FlashFault, Op: "erase", Msg: "locked"}
	}
	lo, hi := start*f.eraseBlock, (start+n)*f.eraseBlock
	if start < 0 || n < 0 || hi > f.size {
		return errcode.OutOfRange
	}
	for i := lo; i < hi; i++ {
		f.m[i] = flash.Erased
	}
	return nil
}

func (f *Flash) Unlock() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked = false
	return nil
}

// Lock closes the bracket and syncs the mapping to disk.
func (f *Flash) Lock() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked = true
	return f.m.Flush()
}

func (f *Flash) SwapBank() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	opt := f.m[f.size:]
	if binary.LittleEndian.Uint32(opt) != optMagic {
		return false, &errcode.E{C: errcode.BadMetadata, Op: "options", Msg: "option bytes corrupt"}
	}
	return opt[optSwapOff] == 1, nil
}

func (f *Flash) SetSwapBank(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked {
		return &errcode.E{C: errcode.FlashFault, Op: "options", Msg: "locked"}
	}
	f.writeOptions(on)
	return nil
}

func (f *Flash) writeOptions(swap bool) {
	opt := f.m[f.size : f.size+f.eraseBlock]
	for i := range opt {
		opt[i] = flash.Erased
	}
	binary.LittleEndian.PutUint32(opt, optMagic)
	opt[optSwapOff] = 0
	if swap {
		opt[optSwapOff] = 1
	}
}

// Launch persists the option bytes and hands over to OnLaunch.
func (f *Flash) Launch() error {
	f.mu.Lock()
	if err := f.m.Flush(); err != nil {
		f.mu.Unlock()
		return err
	}
	swap := f.m[f.size+optSwapOff] == 1
	hook := f.OnLaunch
	f.mu.Unlock()
	if hook != nil {
		hook(swap)
	}
	return nil
}
