package negotiate

import "fmt"

// MBState is the protocol state stamped on a circulating message block.
type MBState int32

const (
	// StateNegotiating is the initial state of a message block.
	StateNegotiating MBState = iota
	// StateEnd marks a completed negotiation.
	StateEnd
	// StateError marks a failed negotiation.
	StateError
)

// String ...
func (s MBState) String() string {
	switch s {
	case StateNegotiating:
		return "Negotiating"
	case StateEnd:
		return "End"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Side identifies one of the two inherited stdio descriptors of a tool.
type Side int32

const (
	// SideNone means no side has been recorded yet.
	SideNone Side = -1
	// SideInput is the tool's standard input.
	SideInput Side = 0
	// SideOutput is the tool's standard output.
	SideOutput Side = 1
)

// String ...
func (s Side) String() string {
	switch s {
	case SideInput:
		return "stdin"
	case SideOutput:
		return "stdout"
	default:
		return "none"
	}
}

// Node models one graph-aware tool that contributed itself to the message
// block. Nodes are identified by their index in the node array.
type Node struct {
	PID  int32
	Name string

	// Requires is the number of input channels the tool can take
	Requires int32
	// Provides is the number of output channels the tool can provide
	Provides int32

	// GraphIn marks the tool's input descriptor as graph-aware
	GraphIn bool
	// GraphOut marks the tool's output descriptor as graph-aware
	GraphOut bool
}

// Edge is a directed data-flow relation between two nodes. The ordered
// (From, To) pair is the edge's identity; multi-edges are forbidden.
type Edge struct {
	From int32
	To   int32
}

// Origin identifies the node that most recently forwarded the message block,
// and the side it wrote it out of.
type Origin struct {
	Index int32
	Side  Side
}

// MessageBlock is the single object that circulates through the pipeline
// during negotiation, accumulating knowledge of the graph. The in-memory form
// owns its node and edge arrays; the contiguous wire form lives in wire.go.
type MessageBlock struct {
	Version      uint32
	Nodes        []Node
	Edges        []Edge
	InitiatorPID int32
	State        MBState

	// SerialNo increases on every structural change
	SerialNo uint32

	Origin Origin
}

// NewMessageBlock constructs an empty message block naming pid as initiator.
func NewMessageBlock(pid int) *MessageBlock {
	return &MessageBlock{
		Version:      WireVersion,
		InitiatorPID: int32(pid),
		State:        StateNegotiating,
		Origin:       Origin{Index: -1, Side: SideNone},
	}
}

// NodeIndex returns the index of the node with the given pid, or -1.
func (mb *MessageBlock) NodeIndex(pid int32) int {
	for i := range mb.Nodes {
		if mb.Nodes[i].PID == pid {
			return i
		}
	}
	return -1
}

// AddNode appends a node if no node with the same pid exists, bumping the
// serial number. It returns the node's index and whether it was added.
func (mb *MessageBlock) AddNode(n Node) (int, bool) {
	if i := mb.NodeIndex(n.PID); i >= 0 {
		return i, false
	}
	mb.Nodes = append(mb.Nodes, n)
	mb.SerialNo++
	return len(mb.Nodes) - 1, true
}

// HasEdge reports whether the edge is already on the graph.
func (mb *MessageBlock) HasEdge(e Edge) bool {
	for i := range mb.Edges {
		if mb.Edges[i] == e {
			return true
		}
	}
	return false
}

// AddEdge appends an edge if its (From, To) identity is new, bumping the
// serial number. It reports whether the edge was added.
func (mb *MessageBlock) AddEdge(e Edge) bool {
	if mb.HasEdge(e) {
		return false
	}
	mb.Edges = append(mb.Edges, e)
	mb.SerialNo++
	return true
}

// EdgesFor returns the incoming and outgoing edges of the node at index, in
// edge-array order.
func (mb *MessageBlock) EdgesFor(index int) (incoming, outgoing []Edge) {
	for _, e := range mb.Edges {
		if e.To == int32(index) {
			incoming = append(incoming, e)
		}
		if e.From == int32(index) {
			outgoing = append(outgoing, e)
		}
	}
	return incoming, outgoing
}

// validateOrigin checks that the recorded origin, when set, refers to an
// existing node.
func (mb *MessageBlock) validateOrigin() error {
	if mb.Origin.Index < 0 {
		return nil
	}
	if int(mb.Origin.Index) >= len(mb.Nodes) {
		return NewProtocolErr(UnknownOrigin,
			fmt.Sprintf("origin index %d not present in graph", mb.Origin.Index))
	}
	return nil
}
