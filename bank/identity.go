package bank

import (
	"encoding/binary"

	"fwupdate-go/errcode"
	"fwupdate-go/flash"

	"github.com/snksoft/crc"
)

// FirmwareIDInvalid marks a bank with no valid image. It is what an erased
// record reads as.
const FirmwareIDInvalid uint16 = 0xFFFF

// MaxNameLen is the longest board name a record can hold.
const MaxNameLen = 15

// Identity is the per-bank firmware record.
type Identity struct {
	ID   uint16
	Name string
}

// Valid reports whether the record names a usable image.
func (i Identity) Valid() bool { return i.ID != FirmwareIDInvalid }

// Record layout, little endian:
//
//	0..3   "FWID"
//	4      version
//	5      name length
//	6..7   firmware id
//	8..23  name, padded with 0xFF
//	24..27 CRC-32 of bytes 0..23
//	28..31 reserved (0xFF)
const (
	recordSize    = 32
	recordVersion = 1
	nameOff       = 8
	crcOff        = 24
)

var recordMagic = [4]byte{'F', 'W', 'I', 'D'}

func encodeRecord(id Identity) ([]byte, error) {
	if len(id.Name) > MaxNameLen {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "identity", Msg: "name too long"}
	}
	rec := make([]byte, recordSize)
	for i := range rec {
		rec[i] = flash.Erased
	}
	copy(rec[0:4], recordMagic[:])
	rec[4] = recordVersion
	rec[5] = byte(len(id.Name))
	binary.LittleEndian.PutUint16(rec[6:8], id.ID)
	copy(rec[nameOff:], id.Name)
	binary.LittleEndian.PutUint32(rec[crcOff:], recordCRC(rec[:crcOff]))
	return rec, nil
}

func decodeRecord(rec []byte) (Identity, bool) {
	if len(rec) < recordSize || [4]byte(rec[0:4]) != recordMagic || rec[4] != recordVersion {
		return Identity{}, false
	}
	if binary.LittleEndian.Uint32(rec[crcOff:]) != recordCRC(rec[:crcOff]) {
		return Identity{}, false
	}
	n := int(rec[5])
	if n > MaxNameLen {
		return Identity{}, false
	}
	return Identity{
		ID:   binary.LittleEndian.Uint16(rec[6:8]),
		Name: string(rec[nameOff : nameOff+n]),
	}, true
}

func recordCRC(p []byte) uint32 {
	return uint32(crc.CalculateCRC(crc.CRC32, p))
}
