package peer

import (
	"context"
	"strings"
	"time"

	"fwupdate-go/errcode"
	"fwupdate-go/ota"
	"fwupdate-go/x/logx"
)

const (
	defaultChunk   = 20
	defaultTimeout = 10 * time.Second
	quietPeriod    = 200 * time.Millisecond
)

type Uploader struct {
	c        Conn
	chunk    int
	timeout  time.Duration
	progress func(sent, total int)
}

type Option func(*Uploader)

// WithChunkSize sets the data chunk size. It is capped by the session MTU.
func WithChunkSize(n int) Option { return func(u *Uploader) { u.chunk = n } }

// WithAckTimeout bounds each wait for a device answer.
func WithAckTimeout(d time.Duration) Option { return func(u *Uploader) { u.timeout = d } }

// WithProgress is called after each chunk is written.
func WithProgress(fn func(sent, total int)) Option { return func(u *Uploader) { u.progress = fn } }

func NewUploader(c Conn, opts ...Option) *Uploader {
	u := &Uploader{c: c, chunk: defaultChunk, timeout: defaultTimeout}
	for _, o := range opts {
		o(u)
	}
	if mtu := c.MTU(); mtu > 0 && (u.chunk <= 0 || u.chunk > mtu) {
		u.chunk = mtu
	}
	if u.chunk <= 0 {
		u.chunk = defaultChunk
	}
	return u
}

// Upload sends img and returns the CRC the device computed. A refused header
// fails with errcode.Refused, a mismatching final ack with
// errcode.CRCMismatch.
func (u *Uploader) Upload(ctx context.Context, img []byte) (uint32, error) {
	sum := ota.ImageCRC(img)
	if err := u.c.Write(ota.EncodeHeader(ota.Header{Size: uint32(len(img)), CRC: sum})); err != nil {
		return 0, err
	}
	ack, err := u.waitAck(ctx)
	if err != nil {
		return 0, err
	}
	if ota.IsRefusal(ack, sum) {
		return 0, &errcode.E{C: errcode.Refused, Op: "upload", Msg: "device refused image header"}
	}
	if ack.CRC() != sum {
		return 0, &errcode.E{C: errcode.BadHeader, Op: "upload", Msg: "unexpected header answer"}
	}
	logx.Infof("[peer] sending %d bytes, crc %08x", len(img), sum)

	for off := 0; off < len(img); off += u.chunk {
		end := min(off+u.chunk, len(img))
		if err := u.c.Write(img[off:end]); err != nil {
			return 0, err
		}
		if u.progress != nil {
			u.progress(end, len(img))
		}
	}

	ack, err = u.waitAck(ctx)
	if err != nil {
		return 0, err
	}
	if ack.CRC() != sum {
		return ack.CRC(), &errcode.E{C: errcode.CRCMismatch, Op: "upload"}
	}
	return sum, nil
}

// waitAck returns the next 4-byte notification, skipping anything else.
func (u *Uploader) waitAck(ctx context.Context) (ota.Ack, error) {
	t := time.NewTimer(u.timeout)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ota.Ack{}, ctx.Err()
		case <-t.C:
			return ota.Ack{}, &errcode.E{C: errcode.Timeout, Op: "wait_ack"}
		case p, ok := <-u.c.Notifications():
			if !ok {
				return ota.Ack{}, &errcode.E{C: errcode.LinkDown, Op: "wait_ack"}
			}
			if len(p) == len(ota.Ack{}) {
				return ota.Ack(p), nil
			}
		}
	}
}

// Command sends a console command and collects the answer until the device
// has been quiet for a short while.
func (u *Uploader) Command(ctx context.Context, cmd string) (string, error) {
	if err := u.c.Write([]byte(cmd)); err != nil {
		return "", err
	}
	var sb strings.Builder
	t := time.NewTimer(u.timeout)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		case <-t.C:
			if sb.Len() == 0 {
				return "", &errcode.E{C: errcode.Timeout, Op: "command", Msg: cmd}
			}
			return sb.String(), nil
		case p, ok := <-u.c.Notifications():
			if !ok {
				return sb.String(), nil
			}
			sb.Write(p)
			t.Reset(quietPeriod)
		}
	}
}
