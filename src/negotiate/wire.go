package negotiate

import (
	"encoding/binary"
	"fmt"
)

// WireVersion is the negotiation protocol version.
const WireVersion = 1

// MaxNameLen bounds a tool name on the wire.
const MaxNameLen = 100

// The wire form of a message block is a single self-contained byte region:
// header, then n_nodes fixed-size node records, then n_edges edge records.
// All integers are little-endian. The total_size field is authoritative;
// receivers read exactly that many bytes per block.
//
//	header:  version u32 | state i32 | initiator_pid i32 | serial_no u32 |
//	         origin_index i32 | origin_side i32 | n_nodes u32 | n_edges u32 |
//	         total_size u32
//	node:    pid i32 | requires i32 | provides i32 | graph_in u8 |
//	         graph_out u8 | name_len u8 | name [100]u8
//	edge:    from i32 | to i32
const (
	headerWireSize = 36
	nodeWireSize   = 15 + MaxNameLen
	edgeWireSize   = 8

	// maxWireSize keeps a block within one page-sized transfer buffer
	maxWireSize = 4096
)

// WireSize returns the size of the block's wire form in bytes.
func (mb *MessageBlock) WireSize() int {
	return headerWireSize + len(mb.Nodes)*nodeWireSize + len(mb.Edges)*edgeWireSize
}

// Marshal serializes the message block into its contiguous wire form.
func (mb *MessageBlock) Marshal() ([]byte, error) {
	total := mb.WireSize()
	if total > maxWireSize {
		return nil, NewProtocolErr(BlockTooLarge,
			fmt.Sprintf("%d bytes exceed the %d byte transfer buffer", total, maxWireSize))
	}

	buf := make([]byte, total)
	putU32 := func(off int, v uint32) {
		binary.LittleEndian.PutUint32(buf[off:], v)
	}

	putU32(0, mb.Version)
	putU32(4, uint32(mb.State))
	putU32(8, uint32(mb.InitiatorPID))
	putU32(12, mb.SerialNo)
	putU32(16, uint32(mb.Origin.Index))
	putU32(20, uint32(mb.Origin.Side))
	putU32(24, uint32(len(mb.Nodes)))
	putU32(28, uint32(len(mb.Edges)))
	putU32(32, uint32(total))

	off := headerWireSize
	for i := range mb.Nodes {
		n := &mb.Nodes[i]
		if len(n.Name) > MaxNameLen {
			return nil, NewProtocolErr(NameTooLong, n.Name[:MaxNameLen])
		}
		putU32(off, uint32(n.PID))
		putU32(off+4, uint32(n.Requires))
		putU32(off+8, uint32(n.Provides))
		buf[off+12] = boolByte(n.GraphIn)
		buf[off+13] = boolByte(n.GraphOut)
		buf[off+14] = byte(len(n.Name))
		copy(buf[off+15:off+15+MaxNameLen], n.Name)
		off += nodeWireSize
	}
	for _, e := range mb.Edges {
		putU32(off, uint32(e.From))
		putU32(off+4, uint32(e.To))
		off += edgeWireSize
	}

	return buf, nil
}

// Unmarshal parses a contiguous wire form back into an owned MessageBlock.
// The byte count must match the embedded total_size exactly.
func Unmarshal(data []byte) (*MessageBlock, error) {
	if len(data) < headerWireSize {
		return nil, NewProtocolErr(SizeMismatch,
			fmt.Sprintf("%d bytes are shorter than a block header", len(data)))
	}

	u32 := func(off int) uint32 {
		return binary.LittleEndian.Uint32(data[off:])
	}

	version := u32(0)
	if version != WireVersion {
		return nil, NewProtocolErr(BadVersion, fmt.Sprintf("version %d", version))
	}

	nNodes := int(u32(24))
	nEdges := int(u32(28))
	total := int(u32(32))

	if total != len(data) {
		return nil, NewProtocolErr(SizeMismatch,
			fmt.Sprintf("read %d bytes of message block, expected %d", len(data), total))
	}
	if total != headerWireSize+nNodes*nodeWireSize+nEdges*edgeWireSize {
		return nil, NewProtocolErr(SizeMismatch,
			fmt.Sprintf("total size %d does not match %d nodes and %d edges", total, nNodes, nEdges))
	}

	mb := &MessageBlock{
		Version:      version,
		InitiatorPID: int32(u32(8)),
		State:        MBState(u32(4)),
		SerialNo:     u32(12),
		Origin: Origin{
			Index: int32(u32(16)),
			Side:  Side(u32(20)),
		},
	}

	off := headerWireSize
	for i := 0; i < nNodes; i++ {
		nameLen := int(data[off+14])
		if nameLen > MaxNameLen {
			return nil, NewProtocolErr(NameTooLong,
				fmt.Sprintf("name length %d", nameLen))
		}
		mb.Nodes = append(mb.Nodes, Node{
			PID:      int32(u32(off)),
			Requires: int32(u32(off + 4)),
			Provides: int32(u32(off + 8)),
			GraphIn:  data[off+12] != 0,
			GraphOut: data[off+13] != 0,
			Name:     string(data[off+15 : off+15+nameLen]),
		})
		off += nodeWireSize
	}
	for i := 0; i < nEdges; i++ {
		mb.Edges = append(mb.Edges, Edge{
			From: int32(u32(off)),
			To:   int32(u32(off + 4)),
		})
		off += edgeWireSize
	}

	return mb, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
