package negotiate

import (
	"encoding/binary"
	"testing"
)

func TestWireRoundTrip(t *testing.T) {
	mb := NewMessageBlock(1234)
	mb.AddNode(Node{PID: 1234, Name: "secho", Requires: 0, Provides: 1, GraphOut: true})
	mb.AddNode(Node{PID: 5678, Name: "paste", Requires: 2, Provides: 1, GraphIn: true, GraphOut: true})
	mb.AddEdge(Edge{From: 0, To: 1})
	mb.State = StateNegotiating
	mb.Origin = Origin{Index: 1, Side: SideOutput}

	data, err := mb.Marshal()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(data) != mb.WireSize() {
		t.Fatalf("wire size %d, marshalled %d", mb.WireSize(), len(data))
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if got.InitiatorPID != 1234 {
		t.Fatalf("initiator: %d", got.InitiatorPID)
	}
	if got.SerialNo != mb.SerialNo {
		t.Fatalf("serial: %d != %d", got.SerialNo, mb.SerialNo)
	}
	if len(got.Nodes) != 2 || len(got.Edges) != 1 {
		t.Fatalf("nodes %d edges %d", len(got.Nodes), len(got.Edges))
	}
	if got.Nodes[1].Name != "paste" || got.Nodes[1].Requires != 2 || !got.Nodes[1].GraphIn {
		t.Fatalf("node: %+v", got.Nodes[1])
	}
	if got.Edges[0] != (Edge{From: 0, To: 1}) {
		t.Fatalf("edge: %+v", got.Edges[0])
	}
	if got.Origin.Index != 1 || got.Origin.Side != SideOutput {
		t.Fatalf("origin: %+v", got.Origin)
	}
}

func TestWireOriginNone(t *testing.T) {
	mb := NewMessageBlock(42)
	mb.AddNode(Node{PID: 42, Name: "tool", GraphOut: true})

	data, err := mb.Marshal()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if got.Origin.Index != -1 || got.Origin.Side != SideNone {
		t.Fatalf("origin: %+v", got.Origin)
	}
}

func TestWireSizeMismatch(t *testing.T) {
	mb := NewMessageBlock(42)
	mb.AddNode(Node{PID: 42, Name: "tool", GraphOut: true})
	data, err := mb.Marshal()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if _, err := Unmarshal(data[:len(data)-1]); !IsProtocol(err, SizeMismatch) {
		t.Fatalf("err: %v", err)
	}

	truncated := append([]byte{}, data...)
	binary.LittleEndian.PutUint32(truncated[32:], uint32(len(data)+8))
	if _, err := Unmarshal(truncated); !IsProtocol(err, SizeMismatch) {
		t.Fatalf("err: %v", err)
	}
}

func TestWireBadVersion(t *testing.T) {
	mb := NewMessageBlock(42)
	data, err := mb.Marshal()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	binary.LittleEndian.PutUint32(data[0:], 99)
	if _, err := Unmarshal(data); !IsProtocol(err, BadVersion) {
		t.Fatalf("err: %v", err)
	}
}

func TestWireNameTooLong(t *testing.T) {
	name := make([]byte, MaxNameLen+1)
	for i := range name {
		name[i] = 'x'
	}
	mb := NewMessageBlock(42)
	mb.Nodes = append(mb.Nodes, Node{PID: 42, Name: string(name)})

	if _, err := mb.Marshal(); !IsProtocol(err, NameTooLong) {
		t.Fatalf("err: %v", err)
	}
}
