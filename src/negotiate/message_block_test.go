package negotiate

import "testing"

func TestAddNodeDeduplicates(t *testing.T) {
	mb := NewMessageBlock(10)

	index, added := mb.AddNode(Node{PID: 10, Name: "a", GraphOut: true})
	if !added || index != 0 {
		t.Fatalf("added=%v index=%d", added, index)
	}
	serial := mb.SerialNo

	index, added = mb.AddNode(Node{PID: 10, Name: "a", GraphOut: true})
	if added || index != 0 {
		t.Fatalf("re-adding should find the node: added=%v index=%d", added, index)
	}
	if mb.SerialNo != serial {
		t.Fatalf("serial bumped without a structural change")
	}

	index, added = mb.AddNode(Node{PID: 20, Name: "b", GraphIn: true})
	if !added || index != 1 {
		t.Fatalf("added=%v index=%d", added, index)
	}
	if mb.SerialNo != serial+1 {
		t.Fatalf("serial: %d", mb.SerialNo)
	}
}

func TestAddEdgeDeduplicates(t *testing.T) {
	mb := NewMessageBlock(10)
	mb.AddNode(Node{PID: 10, Name: "a", GraphOut: true})
	mb.AddNode(Node{PID: 20, Name: "b", GraphIn: true})

	if !mb.AddEdge(Edge{From: 0, To: 1}) {
		t.Fatal("first add failed")
	}
	serial := mb.SerialNo
	if mb.AddEdge(Edge{From: 0, To: 1}) {
		t.Fatal("duplicate edge accepted")
	}
	if mb.SerialNo != serial {
		t.Fatal("serial bumped for a duplicate edge")
	}

	// The ordered pair is the identity: the reverse direction is distinct
	if !mb.AddEdge(Edge{From: 1, To: 0}) {
		t.Fatal("reverse edge rejected")
	}
}

func TestEdgesFor(t *testing.T) {
	mb := NewMessageBlock(10)
	mb.AddNode(Node{PID: 10, Name: "a", GraphOut: true})
	mb.AddNode(Node{PID: 20, Name: "b", GraphIn: true, GraphOut: true})
	mb.AddNode(Node{PID: 30, Name: "c", GraphIn: true})
	mb.AddEdge(Edge{From: 0, To: 1})
	mb.AddEdge(Edge{From: 1, To: 2})

	incoming, outgoing := mb.EdgesFor(1)
	if len(incoming) != 1 || incoming[0] != (Edge{From: 0, To: 1}) {
		t.Fatalf("incoming: %+v", incoming)
	}
	if len(outgoing) != 1 || outgoing[0] != (Edge{From: 1, To: 2}) {
		t.Fatalf("outgoing: %+v", outgoing)
	}
}

func TestValidateOrigin(t *testing.T) {
	mb := NewMessageBlock(10)
	mb.AddNode(Node{PID: 10, Name: "a", GraphOut: true})

	mb.Origin = Origin{Index: -1, Side: SideNone}
	if err := mb.validateOrigin(); err != nil {
		t.Fatalf("err: %v", err)
	}

	mb.Origin = Origin{Index: 0, Side: SideOutput}
	if err := mb.validateOrigin(); err != nil {
		t.Fatalf("err: %v", err)
	}

	mb.Origin = Origin{Index: 5, Side: SideOutput}
	if err := mb.validateOrigin(); !IsProtocol(err, UnknownOrigin) {
		t.Fatalf("err: %v", err)
	}
}

func TestGraphJSONRoundTrip(t *testing.T) {
	mb := NewMessageBlock(10)
	mb.AddNode(Node{PID: 10, Name: "a", GraphOut: true})
	mb.AddNode(Node{PID: 20, Name: "b", GraphIn: true})
	mb.AddEdge(Edge{From: 0, To: 1})

	g := NewGraph(mb)
	data, err := g.Marshal()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	got := &Graph{}
	if err := got.Unmarshal(data); err != nil {
		t.Fatalf("err: %v", err)
	}
	if got.InitiatorPID != 10 || len(got.Nodes) != 2 || len(got.Edges) != 1 {
		t.Fatalf("graph: %+v", got)
	}
	if got.Nodes[1].Name != "b" || !got.Nodes[1].GraphIn {
		t.Fatalf("node: %+v", got.Nodes[1])
	}
}
