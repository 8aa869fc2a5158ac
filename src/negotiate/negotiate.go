// Package negotiate implements the peer-to-peer negotiation by which the
// graph-aware tools of a shell pipeline discover each other and allocate the
// channels that satisfy every tool's declared input and output arity.
//
// A message block circulates among the tools and is filled with their I/O
// requirements. When all requirements are in place and a whole round brings
// no further change, channels are allocated according to the resulting graph
// and each tool receives its negotiated descriptors.
package negotiate

import (
	"fmt"
	"os"
	"strconv"
)

// Environment variables set up by the shell for graph-aware tools.
const (
	// EnvGraphIn announces a graph-aware input descriptor
	EnvGraphIn = "SGSH_IN"
	// EnvGraphOut announces a graph-aware output descriptor
	EnvGraphOut = "SGSH_OUT"
	// EnvGraphDump optionally names a file the final graph is dumped to
	EnvGraphDump = "SGSH_GRAPH_DUMP"
)

// Negotiate is the single entry point called by a graph-aware tool to take
// part in the negotiation on its two shell-assigned descriptors. It blocks
// until the pipeline's graph is complete and returns the tool's negotiated
// input and output descriptors.
func Negotiate(name string, requires, provides int) (*Solution, error) {
	graphIn, err := envBool(EnvGraphIn)
	if err != nil {
		return nil, err
	}
	graphOut, err := envBool(EnvGraphOut)
	if err != nil {
		return nil, err
	}

	s, err := NewSession(SessionConfig{
		Name:      name,
		PID:       os.Getpid(),
		Requires:  requires,
		Provides:  provides,
		GraphIn:   graphIn,
		GraphOut:  graphOut,
		InputFD:   int(os.Stdin.Fd()),
		OutputFD:  int(os.Stdout.Fd()),
		GraphDump: os.Getenv(EnvGraphDump),
	})
	if err != nil {
		return nil, err
	}

	return s.Run()
}

// envBool reads an integer-valued environment variable as a boolean. Absence
// or parse failure is fatal to the negotiation.
func envBool(name string) (bool, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return false, fmt.Errorf("environment variable %s is not set", name)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return false, fmt.Errorf("environment variable %s: %v", name, err)
	}
	return n != 0, nil
}
