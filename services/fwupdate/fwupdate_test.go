package fwupdate

import (
	"context"
	"errors"
	"testing"
	"time"

	"fwupdate-go/bank"
	"fwupdate-go/bus"
	"fwupdate-go/errcode"
	"fwupdate-go/flash/memflash"
	"fwupdate-go/ota"
	"fwupdate-go/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	block    = 1024
	bankSize = 8 * block
)

type chanNotifier chan []byte

func (c chanNotifier) Notify(p []byte) error {
	c <- append([]byte(nil), p...)
	return nil
}

type harness struct {
	svc    *Service
	conn   *bus.Connection
	flash  *memflash.Flash
	ctl    *bank.Controller
	notes  chanNotifier
	action *bus.Subscription
	state  *bus.Subscription
	fatal  *bus.Subscription
	errc   chan error
	cancel context.CancelFunc
}

var testConfig = types.FWUpdateConfig{
	MaxImageSize:   4096,
	Overrun:        "clamp",
	DefaultImageID: 0x30,
	FirmwareID:     0x30,
	BoardName:      "BLEDualBank",
	PackageName:    "BLEDualBank",
	Version:        "2.0.0",
	Platform:       "U585",
}

func start(t *testing.T) *harness {
	t.Helper()
	b := bus.NewBus(64)
	conn := b.NewConnection("fwupdate_test")
	f := memflash.New(2*bankSize, block, 1)
	ctl, err := bank.Open(f, f, bank.Layout{BankSize: bankSize, MetaSize: block})
	require.NoError(t, err)

	h := &harness{
		conn:   conn,
		flash:  f,
		ctl:    ctl,
		notes:  make(chanNotifier, 64),
		action: conn.Subscribe(TopicAction),
		state:  conn.Subscribe(TopicState),
		fatal:  conn.Subscribe(TopicFatal),
		errc:   make(chan error, 1),
	}
	h.svc = New(conn, ctl, h.notes, testConfig, func() string { return "UID" })

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errc <- h.svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.errc
	})
	return h
}

func (h *harness) deliver(t *testing.T, kind types.LinkEventKind, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.svc.Deliver(ctx, types.LinkEvent{Kind: kind, Data: data}))
}

func (h *harness) note(t *testing.T) []byte {
	t.Helper()
	select {
	case p := <-h.notes:
		return p
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notification")
		return nil
	}
}

// waitState drains fwupdate/state until pred holds.
func (h *harness) waitState(t *testing.T, pred func(types.UpdateStatus) bool) types.UpdateStatus {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case m := <-h.state.Channel():
			st := m.Payload.(types.UpdateStatus)
			if pred(st) {
				return st
			}
		case <-deadline:
			t.Fatal("timeout waiting for state")
			return types.UpdateStatus{}
		}
	}
}

func noAction(t *testing.T, sub *bus.Subscription) {
	t.Helper()
	select {
	case m := <-sub.Channel():
		t.Fatalf("unexpected action %+v", m.Payload)
	case <-time.After(30 * time.Millisecond):
	}
}

func sendImage(t *testing.T, h *harness, img []byte, crc uint32) ota.Ack {
	t.Helper()
	h.deliver(t, types.LinkWrite, ota.EncodeHeader(ota.Header{Size: uint32(len(img)), CRC: crc}))
	require.Equal(t, ota.AckOf(crc), ota.Ack(h.note(t)))
	for off := 0; off < len(img); off += 20 {
		h.deliver(t, types.LinkWrite, img[off:min(off+20, len(img))])
	}
	return ota.Ack(h.note(t))
}

func TestBoot_WritesOwnIdentityAndPublishes(t *testing.T) {
	h := start(t)
	st := h.waitState(t, func(types.UpdateStatus) bool { return true })
	assert.Equal(t, "idle", st.State)
	assert.Equal(t, [2]uint16{0x30, bank.FirmwareIDInvalid}, st.BankIDs)

	sub := h.conn.Subscribe(TopicBanks)
	m := <-sub.Channel()
	info := m.Payload.(types.BankInfo)
	assert.Equal(t, "BLEDualBank", info.Names[0])
}

func TestEchoUnknownAndAnswerCommands(t *testing.T) {
	h := start(t)
	h.deliver(t, types.LinkConnected, nil)
	h.deliver(t, types.LinkWrite, []byte("ping"))
	assert.Equal(t, "ping", string(h.note(t)))
	h.deliver(t, types.LinkWrite, []byte("uid"))
	assert.Equal(t, "UID\n", string(h.note(t)))
}

func TestValidatedImageSwapsOnlyAfterDisconnect(t *testing.T) {
	h := start(t)
	h.deliver(t, types.LinkConnected, nil)

	img := ota.AppendTrailer(make([]byte, 1016), 0x10)
	sum := ota.ImageCRC(img)
	assert.Equal(t, ota.AckOf(sum), sendImage(t, h, img, sum))

	st := h.waitState(t, func(s types.UpdateStatus) bool { return s.State == "validated" })
	assert.True(t, st.SwapPending)
	assert.Equal(t, uint16(0x10), st.BankIDs[1])
	noAction(t, h.action)

	h.deliver(t, types.LinkDisconnected, nil)
	select {
	case m := <-h.action.Channel():
		assert.Equal(t, types.SystemAction{Swap: true}, m.Payload)
	case <-time.After(time.Second):
		t.Fatal("swap not released on disconnect")
	}
	st = h.waitState(t, func(s types.UpdateStatus) bool { return !s.Connected })
	assert.False(t, st.SwapPending)
}

func TestRejectedImageReleasesNothing(t *testing.T) {
	h := start(t)
	img := make([]byte, 512)
	sum := ota.ImageCRC(img)
	ack := sendImage(t, h, img, sum+1)
	assert.Equal(t, ota.AckOf(sum), ack)

	st := h.waitState(t, func(s types.UpdateStatus) bool { return s.State == "rejected" })
	assert.Equal(t, string(errcode.CRCMismatch), st.LastError)
	assert.False(t, st.SwapPending)

	h.deliver(t, types.LinkDisconnected, nil)
	noAction(t, h.action)
}

func TestDisconnectMidTransferDiscardsEverything(t *testing.T) {
	h := start(t)
	h.deliver(t, types.LinkConnected, nil)
	h.deliver(t, types.LinkWrite, []byte("reboot"))
	h.note(t)

	img := make([]byte, 1000)
	h.deliver(t, types.LinkWrite, ota.EncodeHeader(ota.Header{Size: 1000, CRC: ota.ImageCRC(img)}))
	h.note(t)
	for off := 0; off < 200; off += 20 {
		h.deliver(t, types.LinkWrite, img[off:off+20])
	}
	h.deliver(t, types.LinkDisconnected, nil)

	st := h.waitState(t, func(s types.UpdateStatus) bool { return !s.Connected && s.LastError != "" })
	assert.Equal(t, "idle", st.State)
	assert.Zero(t, st.ExpectedSize)
	assert.Zero(t, st.BytesReceived)
	assert.False(t, st.RebootPending)
	assert.False(t, st.SwapPending)
	noAction(t, h.action)

	// The next connection starts clean: commands are recognised again.
	h.deliver(t, types.LinkConnected, nil)
	h.deliver(t, types.LinkWrite, []byte("uid"))
	assert.Equal(t, "UID\n", string(h.note(t)))
}

func TestRebootReleasedOnCleanDisconnect(t *testing.T) {
	h := start(t)
	h.deliver(t, types.LinkConnected, nil)
	h.deliver(t, types.LinkWrite, []byte("reboot"))
	h.note(t)
	h.deliver(t, types.LinkDisconnected, nil)
	m := <-h.action.Channel()
	assert.Equal(t, types.SystemAction{Reboot: true}, m.Payload)
}

func TestFatalFlashErrorStopsService(t *testing.T) {
	h := start(t)
	h.waitState(t, func(types.UpdateStatus) bool { return true })
	h.flash.Fail(memflash.OpErase, errors.New("erase timeout"))
	h.deliver(t, types.LinkWrite, ota.EncodeHeader(ota.Header{Size: 100, CRC: 1}))

	select {
	case err := <-h.errc:
		assert.True(t, errcode.IsFatal(err))
		h.errc <- err // for cleanup
	case <-time.After(time.Second):
		t.Fatal("service did not stop")
	}
	m := <-h.fatal.Channel()
	rep := m.Payload.(types.FatalReport)
	assert.Equal(t, "fwupdate", rep.Source)
	assert.Equal(t, "erase_inactive", rep.Op)

	err := h.svc.Deliver(context.Background(), types.LinkEvent{Kind: types.LinkConnected})
	assert.Error(t, err)
}

func TestConfigUpdateAppliesWhenIdle(t *testing.T) {
	h := start(t)
	h.waitState(t, func(types.UpdateStatus) bool { return true })

	cfg := testConfig
	cfg.MaxImageSize = 1024
	h.conn.Publish(h.conn.NewMessage(topicConfig, cfg, true))
	h.waitState(t, func(types.UpdateStatus) bool { return true })

	h.deliver(t, types.LinkWrite, ota.EncodeHeader(ota.Header{Size: 2048, CRC: 7}))
	assert.Equal(t, ota.Refusal(7), ota.Ack(h.note(t)))
}

func TestSecondTransferWithdrawsEarlierSwap(t *testing.T) {
	h := start(t)
	h.deliver(t, types.LinkConnected, nil)

	img := ota.AppendTrailer(make([]byte, 504), 0x10)
	sum := ota.ImageCRC(img)
	require.Equal(t, ota.AckOf(sum), sendImage(t, h, img, sum))
	h.waitState(t, func(s types.UpdateStatus) bool { return s.State == "validated" && s.SwapPending })

	// Same connection: a second image that fails its CRC.
	bad := make([]byte, 512)
	assert.Equal(t, ota.AckOf(ota.ImageCRC(bad)), sendImage(t, h, bad, 0xDEADBEEF))
	st := h.waitState(t, func(s types.UpdateStatus) bool { return s.State == "rejected" })
	assert.False(t, st.SwapPending)
	assert.Equal(t, bank.FirmwareIDInvalid, st.BankIDs[1])

	h.deliver(t, types.LinkDisconnected, nil)
	noAction(t, h.action)
}

func TestTransferAfterSwapBanksKeepsReboot(t *testing.T) {
	h := start(t)
	h.waitState(t, func(types.UpdateStatus) bool { return true })
	require.NoError(t, h.ctl.SetInactiveIdentity(bank.Identity{ID: 0x10}))
	h.deliver(t, types.LinkConnected, nil)
	h.deliver(t, types.LinkWrite, []byte("swapBanks"))
	h.note(t)
	h.deliver(t, types.LinkWrite, []byte("reboot"))
	h.note(t)
	h.waitState(t, func(s types.UpdateStatus) bool { return s.SwapPending && s.RebootPending })

	bad := make([]byte, 256)
	sendImage(t, h, bad, 1)
	st := h.waitState(t, func(s types.UpdateStatus) bool { return s.State == "rejected" })
	assert.False(t, st.SwapPending)
	assert.True(t, st.RebootPending)

	h.deliver(t, types.LinkDisconnected, nil)
	select {
	case m := <-h.action.Channel():
		assert.Equal(t, types.SystemAction{Reboot: true}, m.Payload)
	case <-time.After(time.Second):
		t.Fatal("reboot not released")
	}
}

func TestBusDisconnectKeepsServingLink(t *testing.T) {
	h := start(t)
	h.waitState(t, func(types.UpdateStatus) bool { return true })
	h.conn.Disconnect()
	h.deliver(t, types.LinkWrite, []byte("uid"))
	assert.Equal(t, "UID\n", string(h.note(t)))
}
