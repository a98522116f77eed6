package peer

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"fwupdate-go/bank"
	"fwupdate-go/bus"
	"fwupdate-go/errcode"
	"fwupdate-go/flash/memflash"
	"fwupdate-go/ota"
	"fwupdate-go/services/fwupdate"
	"fwupdate-go/services/link"
	"fwupdate-go/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	block    = 1024
	bankSize = 16 * block
)

type device struct {
	conn   *bus.Connection
	ctl    *bank.Controller
	remote chan net.Conn
	action *bus.Subscription
}

// startDevice runs the link and fwupdate services over an in-memory flash
// and returns the device whose peer end is handed out by dial.
func startDevice(t *testing.T) *device {
	t.Helper()
	b := bus.NewBus(32)
	conn := b.NewConnection("peer_test")
	f := memflash.New(2*bankSize, block, 4)
	ctl, err := bank.Open(f, f, bank.Layout{BankSize: bankSize, MetaSize: block})
	require.NoError(t, err)

	d := &device{conn: conn, ctl: ctl, remote: make(chan net.Conn, 1), action: conn.Subscribe(fwupdate.TopicAction)}

	prevDial := link.UARTDial
	t.Cleanup(func() { link.UARTDial = prevDial })
	link.UARTDial = func(ctx context.Context, _ types.UARTConfig) (io.ReadWriteCloser, error) {
		lc, rc := net.Pipe()
		d.remote <- rc
		return lc, nil
	}

	lk := link.New(conn)
	fw := fwupdate.New(conn, ctl, lk, types.FWUpdateConfig{
		MaxImageSize:   8 * block,
		Overrun:        "clamp",
		DefaultImageID: 0x30,
		FirmwareID:     0x30,
		BoardName:      "BLEDualBank",
		PackageName:    "BLEDualBank",
		Version:        "2.0.0",
		Platform:       "SIM",
	}, func() string { return "UID" })
	lk.Bind(fw)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	fw.Start(ctx)
	lk.Start(ctx)
	conn.Publish(conn.NewMessage(bus.T("config", "link"), "transport: uart\nmtu: 20\nuart: {baud: 115200}", true))
	return d
}

func (d *device) dial(t *testing.T) *FramedConn {
	t.Helper()
	select {
	case rc := <-d.remote:
		c, err := Dial(rc, 20)
		require.NoError(t, err)
		return c
	case <-time.After(time.Second):
		t.Fatal("link never dialled")
		return nil
	}
}

func image(n int, id uint16) []byte {
	body := make([]byte, n)
	for i := range body {
		body[i] = byte(i * 7)
	}
	return ota.AppendTrailer(body, id)
}

func TestUploadEndToEnd(t *testing.T) {
	d := startDevice(t)
	c := d.dial(t)
	ctx := context.Background()

	var last int
	u := NewUploader(c, WithAckTimeout(2*time.Second), WithProgress(func(sent, _ int) { last = sent }))
	img := image(3000, 0x31)
	sum, err := u.Upload(ctx, img)
	require.NoError(t, err)
	assert.Equal(t, ota.ImageCRC(img), sum)
	assert.Equal(t, len(img), last)

	out, err := u.Command(ctx, "readBanks")
	require.NoError(t, err)
	assert.Equal(t, "Current Bank =0\nBank0 Id=0x0030\nBank1 Id=0x0031\n", out)

	require.NoError(t, c.Close())
	select {
	case m := <-d.action.Channel():
		assert.Equal(t, types.SystemAction{Swap: true}, m.Payload)
	case <-time.After(time.Second):
		t.Fatal("swap not released after disconnect")
	}
}

func TestUploadRefusedWhenTooLarge(t *testing.T) {
	d := startDevice(t)
	c := d.dial(t)
	defer c.Close()

	_, err := NewUploader(c).Upload(context.Background(), image(9*block, 0x31))
	assert.Equal(t, errcode.Refused, errcode.Of(err))

	// The device stays in command mode.
	out, err := NewUploader(c).Command(context.Background(), "uid")
	require.NoError(t, err)
	assert.Equal(t, "UID\n", out)
}

func TestWriteLargerThanMTU(t *testing.T) {
	lc, rc := net.Pipe()
	defer lc.Close()
	go func() { _, _ = io.Copy(io.Discard, lc) }()
	c, err := Dial(rc, 20)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, errcode.FrameTooLarge, errcode.Of(c.Write(make([]byte, 21))))
}

// fakeConn answers with scripted notifications.
type fakeConn struct {
	writes [][]byte
	notes  chan []byte
	answer func(p []byte) [][]byte
}

func (f *fakeConn) Write(p []byte) error {
	f.writes = append(f.writes, append([]byte(nil), p...))
	for _, n := range f.answer(p) {
		f.notes <- n
	}
	return nil
}

func (f *fakeConn) Notifications() <-chan []byte { return f.notes }
func (f *fakeConn) MTU() int                     { return 0 }
func (f *fakeConn) Close() error                 { return nil }

func TestUploadDetectsCRCMismatch(t *testing.T) {
	img := image(64, 0x31)
	sum := ota.ImageCRC(img)
	sent := 0
	f := &fakeConn{notes: make(chan []byte, 4)}
	f.answer = func(p []byte) [][]byte {
		if _, err := ota.DecodeHeader(p); err == nil {
			a := ota.AckOf(sum)
			return [][]byte{a[:]}
		}
		sent += len(p)
		if sent == len(img) {
			a := ota.AckOf(sum ^ 1)
			return [][]byte{a[:]}
		}
		return nil
	}

	got, err := NewUploader(f, WithChunkSize(16)).Upload(context.Background(), img)
	assert.Equal(t, errcode.CRCMismatch, errcode.Of(err))
	assert.Equal(t, sum^1, got)
	assert.Len(t, f.writes, 1+len(img)/16+1)
}

func TestWaitAckTimesOut(t *testing.T) {
	f := &fakeConn{notes: make(chan []byte), answer: func([]byte) [][]byte { return nil }}
	_, err := NewUploader(f, WithAckTimeout(20*time.Millisecond)).Upload(context.Background(), image(8, 1))
	assert.Equal(t, errcode.Timeout, errcode.Of(err))
}
