// Package flash defines the storage seams used by the bank controller.
//
// Device mirrors the shape of TinyGo's machine.Flash so on-chip flash, an
// external SPI NOR, an mmap'd file or plain memory can all back a dual-bank
// layout. Control covers the option-byte side: the lock bracket and the
// persisted boot-bank swap bit.
package flash

import "io"

// Device is a NOR-style flash array addressed by absolute byte offset.
// Erased bytes read as 0xFF; WriteAt may only program erased bytes.
type Device interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
	WriteBlockSize() int64
	EraseBlockSize() int64
	// EraseBlocks erases n blocks starting at block index start.
	EraseBlocks(start, n int64) error
}

// Control is the option-byte side of a dual-bank part.
type Control interface {
	// Unlock opens the array and option bytes for programming.
	Unlock() error
	// Lock closes them again. It must be called after every Unlock.
	Lock() error
	// SwapBank reports the persisted boot-bank swap bit.
	SwapBank() (bool, error)
	// SetSwapBank programs the swap bit. Requires Unlock.
	SetSwapBank(on bool) error
	// Launch reloads the option bytes. On hardware this resets the device
	// and does not return.
	Launch() error
}

// Erased is the value of an erased flash byte.
const Erased = 0xFF
