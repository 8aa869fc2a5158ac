package negotiate

import (
	"bytes"
	"io/ioutil"
	"sync"

	"github.com/ugorji/go/codec"
)

// Graph is the value form of a completed negotiation: the node and edge
// arrays of the elected message block.
type Graph struct {
	InitiatorPID int32
	Nodes        []Node
	Edges        []Edge
}

// NewGraph extracts the graph from a message block.
func NewGraph(mb *MessageBlock) *Graph {
	g := &Graph{
		InitiatorPID: mb.InitiatorPID,
	}
	g.Nodes = append(g.Nodes, mb.Nodes...)
	g.Edges = append(g.Edges, mb.Edges...)
	return g
}

// Marshal - json encoding of Graph
func (g *Graph) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(g); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (g *Graph) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	if err := dec.Decode(g); err != nil {
		return err
	}

	return nil
}

// JSONGraphStore persists a negotiated graph on disk in the form of a JSON
// file, for inspection by other tools.
type JSONGraphStore struct {
	l    sync.Mutex
	path string
}

// NewJSONGraphStore ...
func NewJSONGraphStore(path string) *JSONGraphStore {
	return &JSONGraphStore{
		path: path,
	}
}

// Graph parses the underlying JSON file and returns the corresponding Graph.
func (j *JSONGraphStore) Graph() (*Graph, error) {
	j.l.Lock()
	defer j.l.Unlock()

	buf, err := ioutil.ReadFile(j.path)
	if err != nil {
		return nil, err
	}

	g := &Graph{}
	if err := g.Unmarshal(buf); err != nil {
		return nil, err
	}

	return g, nil
}

// Write persists a Graph to the JSON file.
func (j *JSONGraphStore) Write(g *Graph) error {
	j.l.Lock()
	defer j.l.Unlock()

	b, err := g.Marshal()
	if err != nil {
		return err
	}

	return ioutil.WriteFile(j.path, b, 0644)
}
