package ota

import (
	"encoding/binary"

	"fwupdate-go/bank"
)

// Images may end with an identity trailer:
//
//	"FWID" | id u16 LE | 2 reserved bytes
//
// It is covered by the image CRC like any other byte.
const TrailerSize = 8

var trailerMagic = [4]byte{'F', 'W', 'I', 'D'}

// ParseTrailer returns the firmware id carried by the last TrailerSize bytes
// of an image.
func ParseTrailer(tail []byte) (uint16, bool) {
	if len(tail) < TrailerSize {
		return bank.FirmwareIDInvalid, false
	}
	tail = tail[len(tail)-TrailerSize:]
	if [4]byte(tail[0:4]) != trailerMagic {
		return bank.FirmwareIDInvalid, false
	}
	id := binary.LittleEndian.Uint16(tail[4:6])
	return id, id != bank.FirmwareIDInvalid
}

// AppendTrailer returns img with an identity trailer for id.
func AppendTrailer(img []byte, id uint16) []byte {
	out := make([]byte, len(img), len(img)+TrailerSize)
	copy(out, img)
	out = append(out, trailerMagic[:]...)
	out = binary.LittleEndian.AppendUint16(out, id)
	return append(out, 0xFF, 0xFF)
}
