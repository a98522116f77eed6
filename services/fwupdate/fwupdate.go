// Package fwupdate is the firmware update service. One goroutine owns the
// console router, the transfer machine, the deferred-action scheduler and
// the bank controller, and consumes link events strictly in arrival order.
package fwupdate

import (
	"context"
	"errors"

	"fwupdate-go/bank"
	"fwupdate-go/bus"
	"fwupdate-go/console"
	"fwupdate-go/deferred"
	"fwupdate-go/errcode"
	"fwupdate-go/ota"
	"fwupdate-go/services/config"
	"fwupdate-go/types"
	"fwupdate-go/x/logx"
	"fwupdate-go/x/timex"
)

var (
	TopicState  = bus.T("fwupdate", "state")
	TopicBanks  = bus.T("fwupdate", "banks")
	TopicAction = bus.T("system", "action")
	TopicFatal  = bus.T("system", "fatal")

	topicConfig = bus.T("config", "fwupdate")
)

// progressStep bounds how often receive progress is published.
const progressStep = 4096

var errStopped = &errcode.E{C: errcode.Error, Op: "deliver", Msg: "service stopped"}

// Service is the FirmwareUpdateContext: every piece of update state lives
// here and is touched only from Run.
type Service struct {
	conn   *bus.Connection
	ctl    *bank.Controller
	n      console.Notifier
	cfg    types.FWUpdateConfig
	uid    func() string
	inbox  chan types.LinkEvent
	done   chan struct{}
	m      *ota.Machine
	sched  *deferred.Scheduler
	router *console.Router

	connected   bool
	lastErr     string
	lastPublish uint32
}

// New wires the service. n is the link's notify path; uid may be nil.
func New(conn *bus.Connection, ctl *bank.Controller, n console.Notifier, cfg types.FWUpdateConfig, uid func() string) *Service {
	s := &Service{
		conn:  conn,
		ctl:   ctl,
		n:     n,
		uid:   uid,
		inbox: make(chan types.LinkEvent, 16),
		done:  make(chan struct{}),
		sched: deferred.New(),
	}
	s.configure(cfg)
	return s
}

func (s *Service) configure(cfg types.FWUpdateConfig) {
	s.cfg = cfg
	s.m = ota.New(s.ctl, s.sched, ota.Options{
		MaxImageSize:   cfg.MaxImageSize,
		Overrun:        ota.ParseOverrun(cfg.Overrun),
		DefaultImageID: cfg.DefaultImageID,
		ImageName:      cfg.BoardName,
	})
	s.router = console.New(s.m, s.sched, s.ctl, s.n, console.Info{
		Platform:    cfg.Platform,
		PackageName: cfg.PackageName,
		Version:     cfg.Version,
		FirmwareID:  cfg.FirmwareID,
	}, s.uid)
}

// Deliver hands one link event to the service. It blocks until the event is
// queued so writes are never dropped or reordered.
func (s *Service) Deliver(ctx context.Context, ev types.LinkEvent) error {
	select {
	case s.inbox <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errStopped
	}
}

// Start runs the service in its own goroutine.
func (s *Service) Start(ctx context.Context) {
	go func() { _ = s.Run(ctx) }()
}

// Run is the event loop. It returns nil on cancellation and a *errcode.Fatal
// after publishing it on system/fatal.
func (s *Service) Run(ctx context.Context) (err error) {
	defer close(s.done)
	defer func() {
		if err != nil {
			s.reportFatal(err)
		}
	}()

	if err := s.ctl.EnsureIdentity(s.cfg.FirmwareID, s.cfg.BoardName); err != nil {
		return err
	}
	logx.Infof("[fwupdate] running from bank %d, firmware id %04x", s.ctl.ActiveBank(), s.cfg.FirmwareID)
	s.publishBanks()
	s.publishState()

	cfgSub := s.conn.Subscribe(topicConfig)
	defer s.conn.Unsubscribe(cfgSub)
	cfgCh := cfgSub.Channel()

	for {
		select {
		case <-ctx.Done():
			logx.Infof("[fwupdate] stopping")
			return nil
		case msg, ok := <-cfgCh:
			if !ok {
				// Closed by a bus disconnect; keep serving link events.
				cfgCh = nil
				continue
			}
			s.applyConfig(msg.Payload)
		case ev := <-s.inbox:
			if err := s.handle(ev); err != nil {
				return err
			}
		}
	}
}

func (s *Service) applyConfig(p any) {
	var cfg types.FWUpdateConfig
	if err := config.Decode(p, &cfg); err != nil {
		logx.Warnf("[fwupdate] config decode: %v", err)
		return
	}
	if cfg == s.cfg {
		return
	}
	if s.m.Active() {
		logx.Warnf("[fwupdate] config ignored during transfer")
		return
	}
	s.configure(cfg)
	logx.Infof("[fwupdate] configured: max=%d overrun=%s", s.m.MaxImageSize(), s.m.Overrun())
	s.publishState()
}

func (s *Service) handle(ev types.LinkEvent) error {
	switch ev.Kind {
	case types.LinkConnected:
		s.connected = true
		s.lastErr = ""
		s.publishState()

	case types.LinkWrite:
		wasActive := s.m.Active()
		echo, err := s.router.HandleWrite(ev.Data)
		if err != nil {
			return err
		}
		if echo && s.n != nil {
			if err := s.n.Notify(ev.Data); err != nil {
				logx.Warnf("[fwupdate] echo: %v", err)
			}
		}
		s.afterWrite(wasActive)

	case types.LinkDisconnected:
		s.connected = false
		abandoned := s.m.Abort()
		if abandoned {
			s.lastErr = string(errcode.LinkDown)
			logx.Warnf("[fwupdate] link dropped mid-transfer, image discarded")
		}
		rel := s.sched.Disconnect(abandoned)
		if rel.Any() {
			logx.Infof("[fwupdate] releasing swap=%t reboot=%t", rel.Swap, rel.Reboot)
			s.conn.Publish(s.conn.NewMessage(TopicAction, types.SystemAction{Swap: rel.Swap, Reboot: rel.Reboot}, false))
		}
		s.publishState()
	}
	return nil
}

// afterWrite publishes on state transitions and every progressStep bytes.
func (s *Service) afterWrite(wasActive bool) {
	active := s.m.Active()
	switch {
	case active && !wasActive:
		s.lastPublish = 0
		s.lastErr = ""
		s.publishState()
	case !active && wasActive:
		if s.m.LastOutcome() == ota.Rejected {
			s.lastErr = string(errcode.CRCMismatch)
		}
		s.publishBanks()
		s.publishState()
	case active && s.m.BytesReceived()-s.lastPublish >= progressStep:
		s.lastPublish = s.m.BytesReceived()
		s.publishState()
	case !active:
		// Commands such as setName or swapBanks may change banks or pending flags.
		s.publishBanks()
		s.publishState()
	}
}

func (s *Service) status() types.UpdateStatus {
	st := s.m.State()
	if st == ota.Idle && s.m.LastOutcome() != ota.Idle {
		st = s.m.LastOutcome()
	}
	p := s.sched.Pending()
	out := types.UpdateStatus{
		State:         st.String(),
		Connected:     s.connected,
		ExpectedSize:  s.m.ExpectedSize(),
		BytesReceived: s.m.BytesReceived(),
		ActiveBank:    int(s.ctl.ActiveBank()),
		SwapPending:   p.Swap,
		RebootPending: p.Reboot,
		LastError:     s.lastErr,
		TSms:          timex.NowMs(),
	}
	if id0, id1, err := s.ctl.BankFirmwareIDs(); err == nil {
		out.BankIDs = [2]uint16{id0, id1}
	}
	return out
}

func (s *Service) publishState() {
	s.conn.Publish(s.conn.NewMessage(TopicState, s.status(), true))
}

func (s *Service) publishBanks() {
	info := types.BankInfo{Active: int(s.ctl.ActiveBank())}
	for _, b := range []bank.Bank{bank.Bank0, bank.Bank1} {
		id, err := s.ctl.Identity(b)
		if err != nil {
			logx.Warnf("[fwupdate] bank %d identity: %v", b, err)
			return
		}
		info.IDs[b] = id.ID
		info.Names[b] = id.Name
	}
	s.conn.Publish(s.conn.NewMessage(TopicBanks, info, true))
}

func (s *Service) reportFatal(err error) {
	rep := types.FatalReport{Source: "fwupdate", Error: err.Error(), TSms: timex.NowMs()}
	var f *errcode.Fatal
	if errors.As(err, &f) {
		rep.Op = f.Op
	}
	logx.Errorf("[fwupdate] %v", err)
	s.conn.Publish(s.conn.NewMessage(TopicFatal, rep, false))
}
