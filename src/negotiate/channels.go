package negotiate

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ChannelAllocator provides the OS-level channel backing a negotiated edge.
type ChannelAllocator interface {
	// Channel returns the read and write descriptors of the channel
	// backing e.
	Channel(e Edge) (rfd, wfd int, err error)
}

// PipeAllocator backs every edge with a freshly created pipe.
type PipeAllocator struct{}

// Channel ...
func (PipeAllocator) Channel(e Edge) (int, int, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return -1, -1, fmt.Errorf("allocating pipe for edge (%d -> %d): %v", e.From, e.To, err)
	}
	return p[0], p[1], nil
}

// SharedAllocator hands both endpoints of an edge the two ends of the same
// pipe. It is used when the negotiating sessions share an address space, such
// as in tests that model a whole pipeline in one process.
type SharedAllocator struct {
	l     sync.Mutex
	pipes map[Edge][2]int
}

// NewSharedAllocator ...
func NewSharedAllocator() *SharedAllocator {
	return &SharedAllocator{
		pipes: make(map[Edge][2]int),
	}
}

// Channel ...
func (a *SharedAllocator) Channel(e Edge) (int, int, error) {
	a.l.Lock()
	defer a.l.Unlock()

	if p, ok := a.pipes[e]; ok {
		return p[0], p[1], nil
	}
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return -1, -1, fmt.Errorf("allocating pipe for edge (%d -> %d): %v", e.From, e.To, err)
	}
	a.pipes[e] = p
	return p[0], p[1], nil
}

// Solution is the outcome of a successful negotiation: one read descriptor
// per incoming edge and one write descriptor per outgoing edge, in edge-array
// order, matching the tool's declared arities.
type Solution struct {
	Graph *Graph

	InputFDs  []int
	OutputFDs []int
}

// allocateConnections checks the final graph against the declared arities and
// allocates the channels for this tool's edges.
func (s *Session) allocateConnections() (*Solution, error) {
	incoming, outgoing := s.chosen.EdgesFor(s.selfIndex)

	if len(incoming) != s.conf.Requires || len(outgoing) != s.conf.Provides {
		return nil, NewProtocolErr(ArityMismatch, fmt.Sprintf(
			"tool %s, pid %d: requires %d and gets %d, provides %d and is offered %d",
			s.conf.Name, s.conf.PID,
			s.conf.Requires, len(incoming),
			s.conf.Provides, len(outgoing)))
	}

	sol := &Solution{
		Graph: NewGraph(s.chosen),
	}
	for _, e := range incoming {
		rfd, _, err := s.conf.Allocator.Channel(e)
		if err != nil {
			return nil, err
		}
		sol.InputFDs = append(sol.InputFDs, rfd)
	}
	for _, e := range outgoing {
		_, wfd, err := s.conf.Allocator.Channel(e)
		if err != nil {
			return nil, err
		}
		sol.OutputFDs = append(sol.OutputFDs, wfd)
	}

	s.logger.WithFields(logrus.Fields{
		"inputs":  len(sol.InputFDs),
		"outputs": len(sol.OutputFDs),
	}).Debug("Allocated connections")

	return sol, nil
}
