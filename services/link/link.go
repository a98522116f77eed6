// Package link owns the peer-facing link. It dials the configured transport,
// turns connect/write/disconnect frames into ordered events for a Sink, and
// carries console notifications back to the peer.
package link

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"sync"
	"time"

	"fwupdate-go/bus"
	"fwupdate-go/errcode"
	"fwupdate-go/services/config"
	"fwupdate-go/types"
	"fwupdate-go/x/logx"
	"fwupdate-go/x/mathx"
	"fwupdate-go/x/timex"
)

var (
	TopicState  = bus.T("link", "state")
	topicConfig = bus.T("config", "link")
)

const pingPeriod = 5 * time.Second

// Sink receives link events in arrival order. Deliver may block.
type Sink interface {
	Deliver(ctx context.Context, ev types.LinkEvent) error
}

type Service struct {
	conn *bus.Connection
	sink Sink

	mu     sync.Mutex
	curRun context.CancelFunc

	wmu sync.Mutex
	wr  *FrameWriter
	mtu int
}

func New(conn *bus.Connection) *Service {
	return &Service{conn: conn}
}

// Bind sets the event sink. It must be called before Start.
func (s *Service) Bind(sink Sink) { s.sink = sink }

// Start runs the service until ctx is cancelled.
func (s *Service) Start(ctx context.Context) { go s.Run(ctx) }

// Run waits for config/link and supervises a single link instance.
func (s *Service) Run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(topicConfig)
	defer s.conn.Unsubscribe(cfgSub)

	s.publishState("idle", "awaiting_config", "", nil)

	var cur types.LinkConfig
	for {
		select {
		case <-ctx.Done():
			s.stopCurrent()
			return
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				s.publishState("error", "config_subscription_closed", "", nil)
				return
			}
			var cfg types.LinkConfig
			if err := config.Decode(msg.Payload, &cfg); err != nil {
				s.publishState("error", "config_decode_failed", "", err)
				continue
			}
			if reflect.DeepEqual(cfg, cur) {
				continue
			}
			cur = cfg
			s.reconfigure(ctx, cfg)
		}
	}
}

func (s *Service) stopCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curRun != nil {
		s.curRun()
		s.curRun = nil
	}
}

func (s *Service) reconfigure(parent context.Context, cfg types.LinkConfig) {
	s.mu.Lock()
	if s.curRun != nil {
		s.curRun()
		s.curRun = nil
	}
	ctx, cancel := context.WithCancel(parent)
	s.curRun = cancel
	s.mu.Unlock()

	go s.runLink(ctx, cfg)
}

func (s *Service) runLink(ctx context.Context, cfg types.LinkConfig) {
	tr, err := newTransport(cfg)
	if err != nil {
		s.publishState("error", "transport_init_failed", cfg.Transport, err)
		return
	}

	backoff := backoffSeq(250*time.Millisecond, 5*time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rwc, err := tr.Open(ctx)
		if err != nil {
			delay := backoff()
			s.publishState("degraded", "dial_failed_retrying", tr.String(), fmt.Errorf("%v (retry in %s)", err, delay))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		logx.Infof("[link] %s up", tr)
		s.publishState("up", "link_established", tr.String(), nil)
		err = s.handleLink(ctx, rwc, cfg.MTU)
		_ = rwc.Close()
		if err == nil {
			return
		}
		delay := backoff()
		logx.Warnf("[link] %s lost: %v", tr, err)
		s.publishState("degraded", "link_lost_retrying", tr.String(), fmt.Errorf("%v (retry in %s)", err, delay))
		if !sleep(ctx, delay) {
			return
		}
	}
}

// handleLink owns the active link lifetime. It returns nil when ctx ends.
func (s *Service) handleLink(ctx context.Context, rwc io.ReadWriteCloser, mtu int) error {
	rd := NewFrameReader(rwc)
	s.attach(NewFrameWriter(rwc), mtu)
	defer s.attach(nil, 0)

	errCh := make(chan error, 1)
	go func() { errCh <- s.readLoop(ctx, rd) }()

	tick := time.NewTicker(pingPeriod)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = s.writeFrame(FrameClose, nil)
			_ = rwc.Close()
			<-errCh
			return nil
		case err := <-errCh:
			if err == nil {
				err = io.EOF
			}
			return err
		case <-tick.C:
			if err := s.writeFrame(FramePing, nil); err != nil {
				_ = rwc.Close()
				<-errCh
				return err
			}
		}
	}
}

// readLoop forwards peer frames to the sink in order. Delivery blocks for as
// long as the sink is busy; an event the sink cannot take ends the link
// instead of being skipped. If the link ends while a peer session is open, a
// disconnect is synthesised.
func (s *Service) readLoop(ctx context.Context, rd *FrameReader) error {
	connected := false
	defer func() {
		if connected {
			// The session must close even when ctx is already done.
			if err := s.deliver(context.WithoutCancel(ctx), types.LinkEvent{Kind: types.LinkDisconnected}); err != nil {
				logx.Warnf("[link] deliver disconnect: %v", err)
			}
		}
	}()
	for {
		f, err := rd.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch f.Type {
		case FramePing:
			if err := s.writeFrame(FramePong, nil); err != nil {
				return err
			}
		case FramePong:
		case FrameConnect:
			if connected {
				// A second connect implies the peer lost the previous session.
				connected = false
				if err := s.deliver(ctx, types.LinkEvent{Kind: types.LinkDisconnected}); err != nil {
					return err
				}
			}
			connected = true
			if err := s.deliver(ctx, types.LinkEvent{Kind: types.LinkConnected}); err != nil {
				return err
			}
		case FrameWrite:
			if err := s.deliver(ctx, types.LinkEvent{Kind: types.LinkWrite, Data: f.Payload}); err != nil {
				return err
			}
		case FrameDisconnect:
			if connected {
				connected = false
				if err := s.deliver(ctx, types.LinkEvent{Kind: types.LinkDisconnected}); err != nil {
					return err
				}
			}
		case FrameClose:
			return io.EOF
		default:
			if logx.V(1) {
				logx.Infof("[link] ignoring frame type %#x", f.Type)
			}
		}
	}
}

// deliver blocks until the sink accepts ev or ctx ends.
func (s *Service) deliver(ctx context.Context, ev types.LinkEvent) error {
	if s.sink == nil {
		return nil
	}
	ev.TSms = timex.NowMs()
	if err := s.sink.Deliver(ctx, ev); err != nil {
		return fmt.Errorf("deliver %s: %w", ev.Kind, err)
	}
	return nil
}

func (s *Service) attach(w *FrameWriter, mtu int) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.wr = w
	s.mtu = mtu
}

func (s *Service) writeFrame(typ byte, p []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.wr == nil {
		return &errcode.E{C: errcode.LinkDown, Op: "write_frame"}
	}
	return s.wr.WriteFrame(Frame{Type: typ, Payload: p})
}

// Notify sends p to the peer as one or more notify frames of at most MTU
// bytes each.
func (s *Service) Notify(p []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.wr == nil {
		return &errcode.E{C: errcode.LinkDown, Op: "notify"}
	}
	for _, c := range chunks(p, s.mtu) {
		if err := s.wr.WriteFrame(Frame{Type: FrameNotify, Payload: c}); err != nil {
			return err
		}
	}
	return nil
}

func chunks(p []byte, mtu int) [][]byte {
	if mtu <= 0 {
		mtu = MaxPayload
	}
	mtu = mathx.Min(mtu, MaxPayload)
	if len(p) == 0 {
		return [][]byte{nil}
	}
	out := make([][]byte, 0, (len(p)+mtu-1)/mtu)
	for len(p) > mtu {
		out = append(out, p[:mtu])
		p = p[mtu:]
	}
	return append(out, p)
}

func (s *Service) publishState(level, status, transport string, err error) {
	st := types.LinkState{
		Level:     level,
		Status:    status,
		Transport: transport,
		TSms:      timex.NowMs(),
	}
	if err != nil {
		st.Error = err.Error()
	}
	s.conn.Publish(s.conn.NewMessage(TopicState, st, true))
}

func backoffSeq(min, max time.Duration) func() time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	var cur = min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
