package ota

import (
	"encoding/binary"

	"fwupdate-go/errcode"
)

// Keyword prefixes the start-of-transfer command.
const Keyword = "upgradeFw"

// HeaderV1 layout:
//
//	0..8   "upgradeFw"
//	9..12  image size, little endian
//	13..16 image CRC, little endian
//
// Trailing bytes are ignored.
const (
	HeaderV1    = 1
	HeaderV1Len = 17

	sizeOff = 9
	crcOff  = 13
)

type Header struct {
	Version int
	Size    uint32
	CRC     uint32
}

// DecodeHeader parses an upgradeFw command. Buffers shorter than HeaderV1Len
// fail with errcode.ShortHeader and are never indexed past their length.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < len(Keyword) || string(buf[:len(Keyword)]) != Keyword {
		return Header{}, &errcode.E{C: errcode.BadHeader, Op: "decode_header"}
	}
	if len(buf) < HeaderV1Len {
		return Header{}, &errcode.E{C: errcode.ShortHeader, Op: "decode_header"}
	}
	return Header{
		Version: HeaderV1,
		Size:    binary.LittleEndian.Uint32(buf[sizeOff:]),
		CRC:     binary.LittleEndian.Uint32(buf[crcOff:]),
	}, nil
}

// EncodeHeader builds the command a peer sends to start a transfer.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderV1Len)
	copy(buf, Keyword)
	binary.LittleEndian.PutUint32(buf[sizeOff:], h.Size)
	binary.LittleEndian.PutUint32(buf[crcOff:], h.CRC)
	return buf
}

// Ack is the 4-byte answer to upgradeFw and to the final chunk.
type Ack [4]byte

func AckOf(crc uint32) Ack {
	var a Ack
	binary.LittleEndian.PutUint32(a[:], crc)
	return a
}

func (a Ack) CRC() uint32 { return binary.LittleEndian.Uint32(a[:]) }

// Refusal is the CRC echo with byte 1 flipped (0 if set, 1 if clear), so it
// always differs from a plain echo in exactly that position.
func Refusal(crc uint32) Ack {
	a := AckOf(crc)
	if a[1] != 0 {
		a[1] = 0
	} else {
		a[1] = 1
	}
	return a
}

// ShortRefusal builds a refusal from whatever CRC bytes a truncated header
// carries, treating missing bytes as zero.
func ShortRefusal(buf []byte) Ack {
	var raw [4]byte
	if len(buf) > crcOff {
		copy(raw[:], buf[crcOff:])
	}
	return Refusal(binary.LittleEndian.Uint32(raw[:]))
}

// IsRefusal reports whether got is the refusal form of crc.
func IsRefusal(got Ack, crc uint32) bool { return got == Refusal(crc) }
