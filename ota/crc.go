package ota

import (
	"fwupdate-go/flash"

	"github.com/snksoft/crc"
)

// Image CRC is CRC-32/MPEG-2 over 32-bit little-endian words, matching the
// STM32 hardware CRC unit. A trailing partial word is padded with erased
// bytes.
var crcTable = crc.NewTable(&crc.Parameters{
	Width:      32,
	Polynomial: 0x04C11DB7,
	Init:       0xFFFFFFFF,
	ReflectIn:  false,
	ReflectOut: false,
	FinalXor:   0,
})

// Hasher accumulates an image CRC across arbitrarily sized writes.
type Hasher struct {
	h    *crc.Hash
	tail [4]byte
	n    int
}

func NewHasher() *Hasher { return &Hasher{h: crc.NewHashWithTable(crcTable)} }

func (w *Hasher) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		k := copy(w.tail[w.n:], p)
		w.n += k
		p = p[k:]
		if w.n == 4 {
			w.word()
		}
	}
	return total, nil
}

func (w *Hasher) word() {
	be := [4]byte{w.tail[3], w.tail[2], w.tail[1], w.tail[0]}
	w.h.Update(be[:])
	w.n = 0
}

// Sum32 pads any partial word and returns the CRC. The Hasher must not be
// written to afterwards.
func (w *Hasher) Sum32() uint32 {
	if w.n > 0 {
		for i := w.n; i < 4; i++ {
			w.tail[i] = flash.Erased
		}
		w.word()
	}
	return w.h.CRC32()
}

// ImageCRC is the one-shot form of Hasher.
func ImageCRC(p []byte) uint32 {
	h := NewHasher()
	_, _ = h.Write(p)
	return h.Sum32()
}
