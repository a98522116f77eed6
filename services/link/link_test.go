package link

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"fwupdate-go/bus"
	"fwupdate-go/errcode"
	"fwupdate-go/types"
)

type chanSink chan types.LinkEvent

func (c chanSink) Deliver(ctx context.Context, ev types.LinkEvent) error {
	select {
	case c <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

const uartCfg = `
transport: uart
mtu: 10
uart:
  baud: 115200
  rx_pin: 1
  tx_pin: 0
`

// startWithPipe runs the service over a net.Pipe and returns the peer end.
func startWithPipe(t *testing.T) (*Service, chanSink, *bus.Subscription, net.Conn) {
	t.Helper()
	sink := make(chanSink, 16)
	s, stateSub, rc := startWithSink(t, sink)
	return s, sink, stateSub, rc
}

func startWithSink(t *testing.T, sink Sink) (*Service, *bus.Subscription, net.Conn) {
	t.Helper()
	b := bus.NewBus(16)
	conn := b.NewConnection("link_test")

	prevDial := UARTDial
	t.Cleanup(func() { UARTDial = prevDial })
	remotes := make(chan net.Conn, 1)
	UARTDial = func(ctx context.Context, _ types.UARTConfig) (io.ReadWriteCloser, error) {
		lc, rc := net.Pipe()
		remotes <- rc
		return lc, nil
	}

	s := New(conn)
	s.Bind(sink)

	stateSub := conn.Subscribe(TopicState)
	t.Cleanup(func() { conn.Unsubscribe(stateSub) })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.Start(ctx)

	first := nextState(t, stateSub, 500*time.Millisecond)
	assertLevelStatus(t, first, "idle", "awaiting_config")

	conn.Publish(conn.NewMessage(topicConfig, uartCfg, true))
	assertLevelStatus(t, nextState(t, stateSub, time.Second), "up", "link_established")

	select {
	case rc := <-remotes:
		t.Cleanup(func() { rc.Close() })
		return s, stateSub, rc
	case <-time.After(time.Second):
		t.Fatal("dialler not called")
		return nil, nil, nil
	}
}

func TestLink_EstablishesUARTLinkAndReportsState(t *testing.T) {
	_, _, stateSub, remote := startWithPipe(t)

	// Close the remote to force link loss; expect degraded state.
	_ = remote.Close()
	assertLevelStatus(t, nextState(t, stateSub, time.Second), "degraded", "link_lost_retrying")
}

func TestLink_UnknownTransportYieldsErrorState(t *testing.T) {
	b := bus.NewBus(8)
	conn := b.NewConnection("link_test_bad")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	New(conn).Start(ctx)

	stateSub := conn.Subscribe(TopicState)
	defer conn.Unsubscribe(stateSub)

	_ = nextState(t, stateSub, 500*time.Millisecond) // initial awaiting_config

	conn.Publish(conn.NewMessage(topicConfig, "transport: bogus", false))

	st := nextState(t, stateSub, time.Second)
	assertLevelStatus(t, st, "error", "transport_init_failed")
	if st.Transport != "bogus" {
		t.Fatalf("transport = %q", st.Transport)
	}
}

func TestLink_EventsDeliveredInOrder(t *testing.T) {
	_, sink, _, remote := startWithPipe(t)

	w := NewFrameWriter(remote)
	frames := []Frame{
		{Type: FrameConnect},
		{Type: FrameWrite, Payload: []byte("upgradeFw")},
		{Type: FrameWrite, Payload: []byte("chunk")},
		{Type: FrameDisconnect},
	}
	for _, f := range frames {
		if err := w.WriteFrame(f); err != nil {
			t.Fatal(err)
		}
	}

	want := []struct {
		kind types.LinkEventKind
		data string
	}{
		{types.LinkConnected, ""},
		{types.LinkWrite, "upgradeFw"},
		{types.LinkWrite, "chunk"},
		{types.LinkDisconnected, ""},
	}
	for i, w := range want {
		ev := nextEvent(t, sink)
		if ev.Kind != w.kind || string(ev.Data) != w.data {
			t.Fatalf("event %d = %s %q, want %s %q", i, ev.Kind, ev.Data, w.kind, w.data)
		}
	}
}

// stallSink holds the first write until release is closed.
type stallSink struct {
	out     chanSink
	release chan struct{}
	stalled bool
}

func (s *stallSink) Deliver(ctx context.Context, ev types.LinkEvent) error {
	if ev.Kind == types.LinkWrite && !s.stalled {
		s.stalled = true
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.out.Deliver(ctx, ev)
}

func TestLink_SlowSinkLosesNothing(t *testing.T) {
	sink := &stallSink{out: make(chanSink, 16), release: make(chan struct{})}
	_, _, remote := startWithSink(t, sink)

	// net.Pipe is synchronous, so the peer blocks while the sink stalls.
	go func() {
		w := NewFrameWriter(remote)
		_ = w.WriteFrame(Frame{Type: FrameConnect})
		_ = w.WriteFrame(Frame{Type: FrameWrite, Payload: []byte("chunk-1")})
		_ = w.WriteFrame(Frame{Type: FrameWrite, Payload: []byte("chunk-2")})
	}()

	if ev := nextEvent(t, sink.out); ev.Kind != types.LinkConnected {
		t.Fatalf("first event = %s", ev.Kind)
	}
	time.Sleep(1500 * time.Millisecond)
	close(sink.release)

	for _, want := range []string{"chunk-1", "chunk-2"} {
		ev := nextEvent(t, sink.out)
		if ev.Kind != types.LinkWrite || string(ev.Data) != want {
			t.Fatalf("got %s %q, want write %q", ev.Kind, ev.Data, want)
		}
	}
}

// refusingSink accepts the connect and refuses everything after it.
type refusingSink struct {
	out chanSink
	n   int
}

func (s *refusingSink) Deliver(ctx context.Context, ev types.LinkEvent) error {
	s.n++
	if s.n > 1 && ev.Kind == types.LinkWrite {
		return errcode.LinkDown
	}
	return s.out.Deliver(ctx, ev)
}

func TestLink_UndeliverableWriteEndsSession(t *testing.T) {
	sink := &refusingSink{out: make(chanSink, 16)}
	_, stateSub, remote := startWithSink(t, sink)

	go func() {
		w := NewFrameWriter(remote)
		_ = w.WriteFrame(Frame{Type: FrameConnect})
		_ = w.WriteFrame(Frame{Type: FrameWrite, Payload: []byte("chunk-1")})
		_ = w.WriteFrame(Frame{Type: FrameWrite, Payload: []byte("chunk-2")})
	}()

	if ev := nextEvent(t, sink.out); ev.Kind != types.LinkConnected {
		t.Fatalf("first event = %s", ev.Kind)
	}
	// The refused write is never followed by a later one.
	if ev := nextEvent(t, sink.out); ev.Kind != types.LinkDisconnected {
		t.Fatalf("after refused write got %s %q, want disconnect", ev.Kind, ev.Data)
	}
	assertLevelStatus(t, nextState(t, stateSub, time.Second), "degraded", "link_lost_retrying")
}

func TestLink_LossWhileConnectedSynthesisesDisconnect(t *testing.T) {
	_, sink, _, remote := startWithPipe(t)

	if err := NewFrameWriter(remote).WriteFrame(Frame{Type: FrameConnect}); err != nil {
		t.Fatal(err)
	}
	if ev := nextEvent(t, sink); ev.Kind != types.LinkConnected {
		t.Fatalf("got %s", ev.Kind)
	}
	_ = remote.Close()
	if ev := nextEvent(t, sink); ev.Kind != types.LinkDisconnected {
		t.Fatalf("got %s, want disconnected", ev.Kind)
	}
}

func TestLink_NotifySplitsAtMTU(t *testing.T) {
	s, _, _, remote := startWithPipe(t)

	got := make(chan Frame, 8)
	go func() {
		rd := NewFrameReader(remote)
		for {
			f, err := rd.ReadFrame()
			if err != nil {
				close(got)
				return
			}
			got <- f
		}
	}()

	if err := s.Notify([]byte("Current Bank =0\nBank0")); err != nil {
		t.Fatal(err)
	}
	var parts []string
	for len(parts) < 3 {
		select {
		case f := <-got:
			if f.Type != FrameNotify {
				continue
			}
			parts = append(parts, string(f.Payload))
		case <-time.After(time.Second):
			t.Fatalf("timeout; got %q", parts)
		}
	}
	want := []string{"Current Ba", "nk =0\nBank", "0"}
	for i := range want {
		if parts[i] != want[i] {
			t.Fatalf("parts = %q, want %q", parts, want)
		}
	}
}

func TestLink_PingAnsweredWithPong(t *testing.T) {
	_, _, _, remote := startWithPipe(t)

	go func() { _ = NewFrameWriter(remote).WriteFrame(Frame{Type: FramePing}) }()
	_ = remote.SetReadDeadline(time.Now().Add(time.Second))
	f, err := NewFrameReader(remote).ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != FramePong {
		t.Fatalf("got frame %#x, want pong", f.Type)
	}
}

func TestNotifyWithoutLinkIsLinkDown(t *testing.T) {
	s := New(bus.NewBus(1).NewConnection("x"))
	err := s.Notify([]byte("x"))
	var e *errcode.E
	if !errors.As(err, &e) || e.C != errcode.LinkDown {
		t.Fatalf("err = %v, want link_down", err)
	}
}

func TestFrameTooLarge(t *testing.T) {
	err := NewFrameWriter(io.Discard).WriteFrame(Frame{Type: FrameNotify, Payload: make([]byte, MaxPayload+1)})
	if errcode.Of(err) != errcode.FrameTooLarge {
		t.Fatalf("err = %v", err)
	}
}

func TestChunks(t *testing.T) {
	if n := len(chunks(nil, 20)); n != 1 {
		t.Fatalf("empty payload gives %d chunks", n)
	}
	if n := len(chunks(make([]byte, 40), 20)); n != 2 {
		t.Fatalf("40/20 gives %d chunks", n)
	}
	if n := len(chunks(make([]byte, 41), 0)); n != 1 {
		t.Fatalf("no mtu gives %d chunks", n)
	}
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func nextEvent(t *testing.T, c chanSink) types.LinkEvent {
	t.Helper()
	select {
	case ev := <-c:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for link event")
		return types.LinkEvent{}
	}
}

func nextState(t *testing.T, sub *bus.Subscription, d time.Duration) types.LinkState {
	t.Helper()
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case m := <-sub.Channel():
		p, ok := m.Payload.(types.LinkState)
		if !ok {
			t.Fatalf("state payload type: got %T, want types.LinkState", m.Payload)
		}
		return p
	case <-timer.C:
		t.Fatalf("timeout waiting for link/state")
		return types.LinkState{}
	}
}

func assertLevelStatus(t *testing.T, st types.LinkState, wantLevel, wantStatus string) {
	t.Helper()
	if st.Level != wantLevel || st.Status != wantStatus {
		t.Fatalf("unexpected state: level=%q status=%q, want level=%q status=%q (state=%+v)",
			st.Level, st.Status, wantLevel, wantStatus, st)
	}
}
