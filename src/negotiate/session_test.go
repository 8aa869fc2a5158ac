package negotiate

import (
	"bytes"
	"testing"
	"time"

	"github.com/dspinellis/sgsh/src/common"
	"golang.org/x/sys/unix"
)

type pipelineTool struct {
	name     string
	pid      int
	requires int
	provides int
}

type pipelineResult struct {
	session  *Session
	solution *Solution
	err      error
}

// runPipeline wires the tools into a linear pipeline with one socketpair per
// link (negotiation traffic flows both ways on a link) and runs every session
// to completion.
func runPipeline(t *testing.T, tools []pipelineTool) []pipelineResult {
	t.Helper()

	n := len(tools)
	inFDs := make([]int, n)
	outFDs := make([]int, n)
	for i := range tools {
		inFDs[i] = -1
		outFDs[i] = -1
	}

	for i := 0; i < n-1; i++ {
		sp, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		for _, fd := range sp {
			if err := unix.SetNonblock(fd, true); err != nil {
				t.Fatalf("err: %v", err)
			}
		}
		outFDs[i] = sp[0]
		inFDs[i+1] = sp[1]
		fds := sp
		t.Cleanup(func() {
			unix.Close(fds[0])
			unix.Close(fds[1])
		})
	}

	alloc := NewSharedAllocator()
	sessions := make([]*Session, n)
	for i, tool := range tools {
		s, err := NewSession(SessionConfig{
			Name:      tool.name,
			PID:       tool.pid,
			Requires:  tool.requires,
			Provides:  tool.provides,
			GraphIn:   i > 0,
			GraphOut:  i < n-1,
			InputFD:   inFDs[i],
			OutputFD:  outFDs[i],
			Allocator: alloc,
			Logger:    common.NewTestLogger(t),
		})
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		sessions[i] = s
	}

	type indexed struct {
		i        int
		solution *Solution
		err      error
	}
	ch := make(chan indexed, n)
	for i := range sessions {
		go func(i int) {
			sol, err := sessions[i].Run()
			ch <- indexed{i: i, solution: sol, err: err}
		}(i)
	}

	results := make([]pipelineResult, n)
	for range sessions {
		select {
		case r := <-ch:
			results[r.i] = pipelineResult{
				session:  sessions[r.i],
				solution: r.solution,
				err:      r.err,
			}
		case <-time.After(10 * time.Second):
			t.Fatal("negotiation did not converge")
		}
	}
	return results
}

// edgePIDs translates a graph's edges to (from pid, to pid) pairs.
func edgePIDs(g *Graph) map[[2]int32]bool {
	pairs := make(map[[2]int32]bool)
	for _, e := range g.Edges {
		pairs[[2]int32{g.Nodes[e.From].PID, g.Nodes[e.To].PID}] = true
	}
	return pairs
}

func TestTwoToolPipeline(t *testing.T) {
	results := runPipeline(t, []pipelineTool{
		{name: "left", pid: 100, requires: 0, provides: 1},
		{name: "right", pid: 50, requires: 1, provides: 0},
	})

	for i, r := range results {
		if r.err != nil {
			t.Fatalf("tool %d: %v", i, r.err)
		}
		if r.session.State() != Completed {
			t.Fatalf("tool %d state: %v", i, r.session.State())
		}
	}

	g := results[0].solution.Graph
	if g.InitiatorPID != 50 {
		t.Fatalf("initiator: %d", g.InitiatorPID)
	}
	if len(g.Nodes) != 2 || len(g.Edges) != 1 {
		t.Fatalf("graph: %d nodes, %d edges", len(g.Nodes), len(g.Edges))
	}
	if !edgePIDs(g)[[2]int32{100, 50}] {
		t.Fatalf("edges: %+v", g.Edges)
	}
}

func TestThreeToolPipeline(t *testing.T) {
	results := runPipeline(t, []pipelineTool{
		{name: "left", pid: 42, requires: 0, provides: 1},
		{name: "middle", pid: 17, requires: 1, provides: 1},
		{name: "right", pid: 30, requires: 1, provides: 0},
	})

	for i, r := range results {
		if r.err != nil {
			t.Fatalf("tool %d: %v", i, r.err)
		}
	}

	// The lowest pid wins the competition even though it sits mid-pipeline
	g := results[0].solution.Graph
	if g.InitiatorPID != 17 {
		t.Fatalf("initiator: %d", g.InitiatorPID)
	}
	if len(g.Nodes) != 3 || len(g.Edges) != 2 {
		t.Fatalf("graph: %d nodes, %d edges", len(g.Nodes), len(g.Edges))
	}
	pairs := edgePIDs(g)
	if !pairs[[2]int32{42, 17}] || !pairs[[2]int32{17, 30}] {
		t.Fatalf("edges: %+v", g.Edges)
	}

	// Every tool converged on the same graph
	canonical, err := g.Marshal()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	for i, r := range results[1:] {
		got, err := r.solution.Graph.Marshal()
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if !bytes.Equal(canonical, got) {
			t.Fatalf("tool %d graph differs:\n%s\n%s", i+1, canonical, got)
		}
	}

	// Arity holds for every node
	for _, r := range results {
		if len(r.solution.InputFDs) != int(r.session.self.Requires) {
			t.Fatalf("inputs: %d", len(r.solution.InputFDs))
		}
		if len(r.solution.OutputFDs) != int(r.session.self.Provides) {
			t.Fatalf("outputs: %d", len(r.solution.OutputFDs))
		}
	}
}

func TestFourToolPipeline(t *testing.T) {
	results := runPipeline(t, []pipelineTool{
		{name: "a", pid: 40, requires: 0, provides: 1},
		{name: "b", pid: 10, requires: 1, provides: 1},
		{name: "c", pid: 30, requires: 1, provides: 1},
		{name: "d", pid: 20, requires: 1, provides: 0},
	})

	for i, r := range results {
		if r.err != nil {
			t.Fatalf("tool %d: %v", i, r.err)
		}
	}

	g := results[0].solution.Graph
	if g.InitiatorPID != 10 {
		t.Fatalf("initiator: %d", g.InitiatorPID)
	}
	if len(g.Nodes) != 4 || len(g.Edges) != 3 {
		t.Fatalf("graph: %d nodes, %d edges", len(g.Nodes), len(g.Edges))
	}
	pairs := edgePIDs(g)
	for _, want := range [][2]int32{{40, 10}, {10, 30}, {30, 20}} {
		if !pairs[want] {
			t.Fatalf("missing edge %v in %+v", want, g.Edges)
		}
	}
}

func TestArityMismatch(t *testing.T) {
	results := runPipeline(t, []pipelineTool{
		{name: "left", pid: 100, requires: 0, provides: 1},
		{name: "right", pid: 50, requires: 2, provides: 0},
	})

	if results[0].err != nil {
		t.Fatalf("left: %v", results[0].err)
	}
	if !IsProtocol(results[1].err, ArityMismatch) {
		t.Fatalf("right: %v", results[1].err)
	}
	if results[1].session.State() != Failed {
		t.Fatalf("right state: %v", results[1].session.State())
	}
}

func TestDataFlowsThroughNegotiatedChannels(t *testing.T) {
	results := runPipeline(t, []pipelineTool{
		{name: "producer", pid: 2, requires: 0, provides: 1},
		{name: "consumer", pid: 1, requires: 1, provides: 0},
	})

	for i, r := range results {
		if r.err != nil {
			t.Fatalf("tool %d: %v", i, r.err)
		}
	}

	out := results[0].solution.OutputFDs[0]
	in := results[1].solution.InputFDs[0]

	msg := []byte("hello, graph")
	if _, err := unix.Write(out, msg); err != nil {
		t.Fatalf("err: %v", err)
	}
	buf := make([]byte, 64)
	n, err := unix.Read(in, buf)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Fatalf("read: %q", buf[:n])
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv(EnvGraphIn, "1")
	v, err := envBool(EnvGraphIn)
	if err != nil || !v {
		t.Fatalf("v=%v err=%v", v, err)
	}

	t.Setenv(EnvGraphIn, "0")
	v, err = envBool(EnvGraphIn)
	if err != nil || v {
		t.Fatalf("v=%v err=%v", v, err)
	}

	t.Setenv(EnvGraphIn, "bogus")
	if _, err := envBool(EnvGraphIn); err == nil {
		t.Fatal("parse failure should be fatal")
	}
}
