package interconnect

import (
	"context"
	"fmt"
	"net"
	"time"
)

// AnyRoute asks a receive to accept data from whichever route has some.
const AnyRoute = -100

// noRoute marks that no route has data ready for a waiting receiver.
const noRoute = -1

// Endpoint identifies one process taking part in an interconnect instance.
type Endpoint struct {
	ContentID    int32
	Pid          int32
	ListenerPort int32
	// Addr is where datagrams for this process go. It may be nil for the
	// senders of a receive motion; their address is learned from traffic.
	Addr net.Addr
}

// MotionNode is one point in the plan where chunks cross processes.
// Peers are indexed by route.
type MotionNode struct {
	ID             int32
	SendSliceIndex int32
	RecvSliceIndex int32
	Peers          []Endpoint
}

// Topology describes one logical interconnect instance from the point of
// view of the local process.
type Topology struct {
	// ICID is the interconnect instance id. It must increase across setups.
	ICID      uint32
	SessionID int32
	// TransactionID and CommandID feed the dispatcher's history pruning.
	TransactionID uint32
	CommandID     int32

	Local Endpoint
	// Recv lists motion nodes this process receives on; peers are senders.
	Recv []MotionNode
	// Send is the motion node this process sends on, if any; peers are receivers.
	Send *MotionNode
}

// connState is the sender side lifecycle.
type connState int

const (
	// StateSettingUp allows one unacknowledged packet until the first ACK.
	StateSettingUp connState = iota
	// StateStarted is entered when packet 1 is acknowledged.
	StateStarted
	// StateEosSent is entered once the end of stream is delivered or the
	// peer asked us to stop.
	StateEosSent
)

func (s connState) String() string {
	switch s {
	case StateSettingUp:
		return "setting-up"
	case StateStarted:
		return "started"
	case StateEosSent:
		return "eos-sent"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// connStats are the per-connection counters aggregated per motion node.
type connStats struct {
	totalAckTime time.Duration
	maxAckTime   time.Duration
	minAckTime   time.Duration
	countAcks    uint64
	countResent  uint64
	maxResent    uint64
	countDropped uint64
}

// motionConn is one logical connection: a sender to one receiver, or a
// receiver from one sender.
//
// Design rationale:
//   - info is a copy of the identity header; its Seq, ExtraSeq and Flags
//     carry the connection's own sequencing state as in the wire header
//   - receive side reordering uses a fixed ring of buffer handles
//   - send side queues are intrusive lists over the send pool
type motionConn struct {
	route  int
	entry  *motionEntry
	sender bool
	info   PacketHeader
	peer   net.Addr

	stillActive   bool
	stopRequested bool

	// Send side.
	sndQueue               bufList
	unackQueue             bufList
	curBuf                 bufHandle
	msgSize                int
	sentSeq                uint32
	receivedAckSeq         uint32
	consumedSeq            uint32
	capacity               int
	rtt                    time.Duration
	dev                    time.Duration
	deadlockCheckBeginTime time.Duration
	state                  connState

	// Receive side.
	pktQ     []bufHandle
	head     int
	tail     int
	size     int
	chunkOff int

	stats connStats
}

func (c *motionConn) String() string {
	return fmt.Sprintf("node %d route %d", c.info.MotNodeID, c.route)
}

// remoteContentID returns the content id of the other end.
func (c *motionConn) remoteContentID() int32 {
	if c.sender {
		return c.info.DstContentID
	}
	return c.info.SrcContentID
}

func (c *motionConn) remoteAddr() string {
	if c.peer == nil {
		return "<unknown>"
	}
	return c.peer.String()
}

// motionEntry groups the connections of one motion node.
type motionEntry struct {
	node      MotionNode
	sending   bool
	conns     []*motionConn
	scanStart int

	stats connStats
}

// aggregate recomputes the entry statistics from its connections.
func (e *motionEntry) aggregate() {
	e.stats = connStats{minAckTime: time.Duration(1<<63 - 1)}
	for _, c := range e.conns {
		e.stats.totalAckTime += c.stats.totalAckTime
		e.stats.countAcks += c.stats.countAcks
		e.stats.maxAckTime = max(e.stats.maxAckTime, c.stats.maxAckTime)
		e.stats.minAckTime = min(e.stats.minAckTime, c.stats.minAckTime)
		e.stats.countResent += c.stats.countResent
		e.stats.maxResent = max(e.stats.maxResent, c.stats.maxResent)
		e.stats.countDropped += c.stats.countDropped
	}
}

// MotionLayer is the set of per-transport operations the executor drives.
// *Interconnect is the datagram implementation.
type MotionLayer interface {
	Setup(ctx context.Context, topo *Topology) error
	SendChunk(ctx context.Context, motNodeID int32, route int, chunk []byte) error
	SendEndOfStream(ctx context.Context, motNodeID int32, chunk []byte) error
	RecvChunk(ctx context.Context, motNodeID int32, route int) ([]byte, error)
	RecvChunkFromAny(ctx context.Context, motNodeID int32) (int, []byte, error)
	RequestStop(motNodeID int32)
	Teardown(hadErrors bool)
}

var _ MotionLayer = (*Interconnect)(nil)
