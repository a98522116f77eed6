// Package system is the top-level supervisor: it drives the heartbeat,
// performs swap or reboot once fwupdate releases them, and halts into a
// fault pattern when a service reports a fatal error.
package system

import (
	"context"
	"time"

	"fwupdate-go/bank"
	"fwupdate-go/bus"
	"fwupdate-go/services/config"
	"fwupdate-go/types"
	"fwupdate-go/x/logx"
	"fwupdate-go/x/mathx"
	"fwupdate-go/x/ticks"
	"fwupdate-go/x/timex"
)

var (
	TopicHeartbeat = bus.T("system", "heartbeat")
	TopicAction    = bus.T("system", "action")
	TopicFatal     = bus.T("system", "fatal")

	topicConfig = bus.T("config", "system")
)

const (
	tickHeartbeat = "heartbeat"

	defaultHeartbeat = time.Second
	minHeartbeat     = time.Millisecond
	maxHeartbeat     = time.Minute
)

// Pattern is what the board indicator shows on each heartbeat.
type Pattern uint8

const (
	PatternBank0 Pattern = iota + 1 // one blink
	PatternBank1                    // two blinks
	PatternFault
)

// Swapper is the slice of the bank controller the supervisor needs.
type Swapper interface {
	ActiveBank() bank.Bank
	SwapBanks() error
}

// Board is the platform glue.
type Board interface {
	Show(p Pattern)
	// Reboot resets the CPU. Host boards may return.
	Reboot()
}

type Service struct {
	conn   *bus.Connection
	banks  Swapper
	board  Board
	ticks  *ticks.Ticks
	period time.Duration
	seq    uint32
	fault  *types.FatalReport
}

func New(conn *bus.Connection, banks Swapper, board Board) *Service {
	return &Service{
		conn:   conn,
		banks:  banks,
		board:  board,
		ticks:  ticks.New(),
		period: defaultHeartbeat,
	}
}

func (s *Service) Start(ctx context.Context) { go s.Run(ctx) }

// Run is the control loop. It returns when ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	defer s.ticks.Close()

	cfgSub := s.conn.Subscribe(topicConfig)
	defer s.conn.Unsubscribe(cfgSub)
	actSub := s.conn.Subscribe(TopicAction)
	defer s.conn.Unsubscribe(actSub)
	fatalSub := s.conn.Subscribe(TopicFatal)
	defer s.conn.Unsubscribe(fatalSub)

	s.ticks.Every(tickHeartbeat, s.period)
	logx.Infof("[system] running from bank %d", s.banks.ActiveBank())

	// A closed subscription is set to nil so it is never selected again.
	cfgCh, actCh, fatalCh := cfgSub.Channel(), actSub.Channel(), fatalSub.Channel()

	for {
		select {
		case <-ctx.Done():
			logx.Infof("[system] stopping")
			return
		case <-s.ticks.Ready():
			for _, ev := range s.ticks.Drain() {
				if ev.Name == tickHeartbeat {
					s.heartbeat()
				}
			}
		case msg, ok := <-cfgCh:
			if !ok {
				cfgCh = nil
				continue
			}
			s.applyConfig(msg.Payload)
		case msg, ok := <-actCh:
			if !ok {
				actCh = nil
				continue
			}
			if act, ok := msg.Payload.(types.SystemAction); ok {
				s.perform(act)
			}
		case msg, ok := <-fatalCh:
			if !ok {
				fatalCh = nil
				continue
			}
			if rep, ok := msg.Payload.(types.FatalReport); ok {
				s.halt(rep)
			}
		}
	}
}

func (s *Service) applyConfig(p any) {
	var cfg types.SystemConfig
	if err := config.Decode(p, &cfg); err != nil {
		logx.Warnf("[system] config decode: %v", err)
		return
	}
	if cfg.HeartbeatMs == 0 {
		return
	}
	s.period = mathx.Clamp(timex.Ms(cfg.HeartbeatMs), minHeartbeat, maxHeartbeat)
	s.ticks.Every(tickHeartbeat, s.period)
	logx.Infof("[system] heartbeat every %s", s.period)
}

func (s *Service) heartbeat() {
	s.seq++
	active := s.banks.ActiveBank()
	s.conn.Publish(s.conn.NewMessage(TopicHeartbeat, types.Heartbeat{
		Seq:        s.seq,
		ActiveBank: int(active),
		TSms:       timex.NowMs(),
	}, false))
	switch {
	case s.fault != nil:
		s.board.Show(PatternFault)
	case active == bank.Bank1:
		s.board.Show(PatternBank1)
	default:
		s.board.Show(PatternBank0)
	}
}

// perform carries out a released action. A swap resets the CPU itself, so a
// reboot requested alongside it is implied.
func (s *Service) perform(act types.SystemAction) {
	if s.fault != nil {
		logx.Warnf("[system] halted, ignoring action %+v", act)
		return
	}
	switch {
	case act.Swap:
		logx.Infof("[system] swapping to bank %d", s.banks.ActiveBank().Other())
		logx.Flush()
		if err := s.banks.SwapBanks(); err != nil {
			s.halt(types.FatalReport{Source: "system", Op: "swap_banks", Error: err.Error(), TSms: timex.NowMs()})
		}
	case act.Reboot:
		logx.Infof("[system] rebooting")
		logx.Flush()
		s.board.Reboot()
	}
}

// halt latches the first fatal report. The loop keeps running so the fault
// pattern stays visible, but no further actions are performed.
func (s *Service) halt(rep types.FatalReport) {
	if s.fault != nil {
		return
	}
	s.fault = &rep
	logx.Errorf("[system] fatal from %s (%s): %s", rep.Source, rep.Op, rep.Error)
	logx.Flush()
	s.board.Show(PatternFault)
}
