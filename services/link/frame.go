package link

import (
	"io"

	"fwupdate-go/errcode"
)

// Frames are a type byte and a 16-bit big-endian length, then the payload.
const (
	FramePing       byte = 0x01
	FramePong       byte = 0x02
	FrameConnect    byte = 0x20 // peer -> device
	FrameWrite      byte = 0x21 // peer -> device, console write
	FrameNotify     byte = 0x22 // device -> peer, console notification
	FrameDisconnect byte = 0x23 // peer -> device
	FrameClose      byte = 0x7f

	MaxPayload = 0xFFFF
)

// Frame is a very simple length-prefixed frame.
type Frame struct {
	Type    byte
	Payload []byte
}

type FrameReader struct{ r io.Reader }
type FrameWriter struct{ w io.Writer }

func NewFrameReader(r io.Reader) *FrameReader { return &FrameReader{r: r} }
func NewFrameWriter(w io.Writer) *FrameWriter { return &FrameWriter{w: w} }

func (fr *FrameReader) ReadFrame() (Frame, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		return Frame{}, err
	}
	typ := hdr[0]
	n := int(hdr[1])<<8 | int(hdr[2])
	var buf []byte
	if n > 0 {
		buf = make([]byte, n)
		if _, err := io.ReadFull(fr.r, buf); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Type: typ, Payload: buf}, nil
}

// WriteFrame issues a single Write per frame.
func (fw *FrameWriter) WriteFrame(f Frame) error {
	if len(f.Payload) > MaxPayload {
		return &errcode.E{C: errcode.FrameTooLarge, Op: "write_frame"}
	}
	_, err := fw.w.Write(EncodeFrame(f.Type, f.Payload))
	return err
}

func EncodeFrame(typ byte, payload []byte) []byte {
	buf := make([]byte, 3+len(payload))
	buf[0] = typ
	buf[1] = byte(len(payload) >> 8)
	buf[2] = byte(len(payload))
	copy(buf[3:], payload)
	return buf
}
