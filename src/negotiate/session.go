package negotiate

import (
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// SessionConfig contains all the parameters of one tool's participation in
// the negotiation.
type SessionConfig struct {
	// Name is the tool's human-readable name, at most MaxNameLen bytes
	Name string

	// PID identifies the tool on the graph
	PID int

	// Requires is the declared input arity
	Requires int
	// Provides is the declared output arity
	Provides int

	// GraphIn and GraphOut announce which of the two inherited
	// descriptors are graph-aware
	GraphIn  bool
	GraphOut bool

	// InputFD and OutputFD are the two shell-assigned descriptors;
	// a negative value means the side is not connected
	InputFD  int
	OutputFD int

	// Allocator provides the OS channels backing negotiated edges.
	// Defaults to PipeAllocator.
	Allocator ChannelAllocator

	// GraphDump, when set, names a file the final graph is written to
	GraphDump string

	Logger *logrus.Logger
}

// Session bundles the state a tool carries through one negotiation: the
// chosen message block, the self node, the dispatch side, and the round
// counter.
type Session struct {
	id   string
	conf SessionConfig

	self      Node
	selfIndex int

	// writeSide is the side the message block is next written out of
	writeSide Side

	chosen *MessageBlock

	// round counts transits of the chosen block through the initiator
	round int
	// lastSerial is the serial observed on the previous transit
	lastSerial uint32

	// endInformed records, per graph-aware side, that the neighbor on
	// that side has carried or received the End block. The session leaves
	// the ring only once every side is informed, so an End stamped
	// mid-pipeline still sweeps both directions.
	endInformed map[Side]bool

	state  State
	logger *logrus.Entry
}

// NewSession validates the configuration and prepares a session. Negotiation
// does not start until Run is called.
func NewSession(conf SessionConfig) (*Session, error) {
	if len(conf.Name) > MaxNameLen {
		return nil, NewProtocolErr(NameTooLong, conf.Name[:MaxNameLen])
	}
	if conf.Requires < 0 || conf.Provides < 0 {
		return nil, fmt.Errorf("negative channel arity (%d, %d)", conf.Requires, conf.Provides)
	}
	if !conf.GraphIn && !conf.GraphOut {
		return nil, NewProtocolErr(SideMismatch, "tool has no graph-aware side")
	}
	if conf.Allocator == nil {
		conf.Allocator = PipeAllocator{}
	}
	if conf.Logger == nil {
		conf.Logger = logrus.New()
		conf.Logger.Level = logrus.InfoLevel
	}

	s := &Session{
		id:   ulid.Make().String(),
		conf: conf,
		self: Node{
			PID:      int32(conf.PID),
			Name:     conf.Name,
			Requires: int32(conf.Requires),
			Provides: int32(conf.Provides),
			GraphIn:  conf.GraphIn,
			GraphOut: conf.GraphOut,
		},
		selfIndex:   -1,
		writeSide:   SideNone,
		state:       Entered,
		endInformed: make(map[Side]bool),
	}
	s.logger = conf.Logger.WithFields(logrus.Fields{
		"session": s.id,
		"tool":    conf.Name,
		"pid":     conf.PID,
	})
	return s, nil
}

// State returns the session's lifecycle state.
func (s *Session) State() State {
	return s.state
}

// ID returns the session identifier used in log output.
func (s *Session) ID() string {
	return s.id
}

// Run takes part in the negotiation and blocks until it ends. On success it
// returns the channel solution matching the declared arities; on failure the
// session is Failed and an error describes the cause.
func (s *Session) Run() (*Solution, error) {
	sol, err := s.run()
	if err != nil {
		s.state = Failed
		s.logger.WithError(err).Error("Negotiation failed")
		return nil, err
	}
	s.state = Completed
	return sol, nil
}

func (s *Session) run() (*Solution, error) {
	s.logger.Debug("Entered negotiation")

	// Every tool seeds the ring with a message block naming itself
	// initiator; competition converges on the lowest pid. The first
	// forwarding direction is the output side when it is graph-aware.
	s.chosen = NewMessageBlock(s.conf.PID)
	if s.conf.GraphOut {
		s.writeSide = SideOutput
	} else {
		s.writeSide = SideInput
	}

	s.state = Contributing
	if err := s.contribute(); err != nil {
		return nil, err
	}

	s.state = Forwarding
	shouldTransmit := true
	justArrived := false
	for {
		if justArrived && s.chosen.State == StateNegotiating {
			s.checkRound()
		}

		if shouldTransmit {
			if err := s.writeChosen(); err != nil {
				return nil, err
			}
			if s.chosen.State != StateNegotiating {
				s.endInformed[s.writeSide] = true
				if s.allInformed() {
					break
				}
			}
		}

		fresh, side, err := s.readBlock()
		if err != nil {
			return nil, err
		}
		s.pointIODirection(side)
		if fresh.State != StateNegotiating {
			// The neighbor on this side already knows the ring
			// has ended.
			s.endInformed[side] = true
		}

		shouldTransmit, err = s.compete(fresh)
		if err != nil {
			return nil, err
		}
		// The chosen block is considered to have arrived here unless
		// the fresh one was discarded outright.
		justArrived = shouldTransmit
	}

	if s.chosen.State == StateError {
		return nil, fmt.Errorf("negotiation ended in error state")
	}

	s.logger.WithFields(logrus.Fields{
		"initiator": s.chosen.InitiatorPID,
		"nodes":     len(s.chosen.Nodes),
		"edges":     len(s.chosen.Edges),
	}).Debug("Negotiation ended")

	sol, err := s.allocateConnections()
	if err != nil {
		return nil, err
	}

	if s.conf.GraphDump != "" {
		if err := NewJSONGraphStore(s.conf.GraphDump).Write(NewGraph(s.chosen)); err != nil {
			s.logger.WithError(err).Warn("Cannot write graph dump")
		}
	}

	return sol, nil
}

// contribute adds the self node, and an edge to the block's origin, to the
// chosen message block.
func (s *Session) contribute() error {
	index, added := s.chosen.AddNode(s.self)
	s.selfIndex = index
	if added {
		s.logger.WithField("index", index).Debug("Added self to graph")
	}
	return s.tryAddEdge()
}

// tryAddEdge adds the edge between self and the chosen block's origin. A
// freshly created block has no origin and no edge to add.
func (s *Session) tryAddEdge() error {
	if s.chosen.Origin.Index < 0 {
		return nil
	}
	if err := s.chosen.validateOrigin(); err != nil {
		return err
	}
	if int(s.chosen.Origin.Index) == s.selfIndex {
		// The block last left from here; there is no edge to add.
		return nil
	}

	e, err := s.fillEdge()
	if err != nil {
		return err
	}
	if s.chosen.AddEdge(e) {
		s.logger.WithFields(logrus.Fields{
			"from": e.From,
			"to":   e.To,
		}).Debug("Added edge to graph")
	}
	return nil
}

// fillEdge infers the direction of the edge between self and the origin from
// the side the origin dispatched the block on, and checks it against the
// declared graph-aware sides.
func (s *Session) fillEdge() (Edge, error) {
	switch s.chosen.Origin.Side {
	case SideInput:
		// The origin wrote out of its input side: it sits downstream
		// of self, which must therefore be providing output.
		if !s.self.GraphOut {
			return Edge{}, NewProtocolErr(SideMismatch,
				fmt.Sprintf("edge to node %d needs a graph-aware output", s.chosen.Origin.Index))
		}
		return Edge{From: int32(s.selfIndex), To: s.chosen.Origin.Index}, nil
	case SideOutput:
		// The origin wrote out of its output side: it sits upstream.
		if !s.self.GraphIn {
			return Edge{}, NewProtocolErr(SideMismatch,
				fmt.Sprintf("edge from node %d needs a graph-aware input", s.chosen.Origin.Index))
		}
		return Edge{From: s.chosen.Origin.Index, To: int32(s.selfIndex)}, nil
	default:
		return Edge{}, NewProtocolErr(SideMismatch,
			fmt.Sprintf("origin side %d", s.chosen.Origin.Side))
	}
}

// allInformed reports that every graph-aware side has carried or received the
// End block.
func (s *Session) allInformed() bool {
	if s.conf.GraphIn && !s.endInformed[SideInput] {
		return false
	}
	if s.conf.GraphOut && !s.endInformed[SideOutput] {
		return false
	}
	return true
}

// pointIODirection points the next write to the side opposite the one the
// block was delivered on, staying on a graph-aware side.
func (s *Session) pointIODirection(arrival Side) {
	if arrival == SideInput && s.self.GraphOut {
		s.writeSide = SideOutput
	} else if arrival == SideOutput && s.self.GraphIn {
		s.writeSide = SideInput
	}
}

// checkRound detects termination. Only the initiator counts rounds: when a
// whole transit brings no serial-number change the graph is complete, and the
// block is stamped End and circulated one final round.
func (s *Session) checkRound() {
	if int32(s.conf.PID) != s.chosen.InitiatorPID {
		return
	}
	s.round++
	if s.round > 1 && s.chosen.SerialNo == s.lastSerial {
		s.chosen.State = StateEnd
		s.chosen.SerialNo++
		s.logger.WithField("round", s.round).Debug("End of negotiation phase")
	}
	s.lastSerial = s.chosen.SerialNo
}

// writeChosen stamps self as origin and ships the chosen block out of the
// current write side.
func (s *Session) writeChosen() error {
	if s.selfIndex < 0 {
		return NewProtocolErr(UnknownOrigin, "self not yet on the graph")
	}
	s.chosen.Origin = Origin{Index: int32(s.selfIndex), Side: s.writeSide}

	data, err := s.chosen.Marshal()
	if err != nil {
		return err
	}

	fd := s.conf.OutputFD
	if s.writeSide == SideInput {
		fd = s.conf.InputFD
	}
	if err := writeBlockTo(fd, data); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"side":   s.writeSide.String(),
		"serial": s.chosen.SerialNo,
	}).Debug("Shipped message block")
	return nil
}

// compete resolves an arriving block against the chosen one. The lowest
// initiator pid wins; equal pids mean the same block identity returned, and
// the larger serial number is kept. The returned bool reports whether the
// chosen block should be forwarded this round.
func (s *Session) compete(fresh *MessageBlock) (bool, error) {
	switch {
	case fresh.InitiatorPID < s.chosen.InitiatorPID:
		// New chosen: re-contribute self and keep forwarding.
		s.chosen = fresh
		s.selfIndex = -1
		if err := s.contribute(); err != nil {
			return false, err
		}
		return true, nil

	case fresh.InitiatorPID > s.chosen.InitiatorPID:
		// Discard the block just read; the chosen one keeps
		// circulating on its own.
		return false, nil

	default:
		if fresh.SerialNo > s.chosen.SerialNo {
			s.chosen = fresh
			s.selfIndex = s.chosen.NodeIndex(s.self.PID)
			if s.selfIndex < 0 {
				return false, NewProtocolErr(UnknownOrigin,
					"self missing from returning message block")
			}
		}
		if err := s.tryAddEdge(); err != nil {
			return false, err
		}
		return true, nil
	}
}
