package interconnect

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testSessionID = 7
	testNodeID    = 1
)

// testConfig returns a config with timers shrunk so loss recovery runs in
// milliseconds.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.SndQueueDepth = 8
	cfg.TimerSpan = time.Millisecond
	cfg.TimerCheckPeriod = 2 * time.Millisecond
	cfg.MaxTimeNoTimerChecking = 5 * time.Millisecond
	cfg.MinExpiration = 4 * time.Millisecond
	cfg.MaxExpiration = 50 * time.Millisecond
	cfg.DefaultRTT = 2 * time.Millisecond
	cfg.DeadlockCheckTime = 30 * time.Millisecond
	cfg.RxPollTimeout = 10 * time.Millisecond
	cfg.WaitTimeout = 10 * time.Millisecond
	return cfg
}

// newTestInterconnect binds name on mn and starts an interconnect on it. The
// interconnect is closed when the test ends.
func newTestInterconnect(t *testing.T, mn *MemoryNetwork, name string, cfg *Config, opts ...Option) *Interconnect {
	t.Helper()
	tr, err := mn.Listen(name)
	require.NoError(t, err)
	opts = append([]Option{WithLogger(zerolog.Nop()), WithSessionID(testSessionID)}, opts...)
	ic, err := New(cfg, tr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ic.Close() })
	return ic
}

// senderEndpoint and receiverEndpoint name the two processes of a pair.
func senderEndpoint(idx int32, addr net.Addr) Endpoint {
	return Endpoint{ContentID: idx, Pid: 100 + idx, ListenerPort: 4000 + idx, Addr: addr}
}

func receiverEndpoint(addr net.Addr) Endpoint {
	return Endpoint{ContentID: 50, Pid: 500, ListenerPort: 5000, Addr: addr}
}

// sendTopology describes a process that sends motion node testNodeID to rcv.
func sendTopology(icID uint32, self Endpoint, rcv Endpoint) *Topology {
	return &Topology{
		ICID:      icID,
		SessionID: testSessionID,
		Local:     self,
		Send: &MotionNode{
			ID:             testNodeID,
			SendSliceIndex: 1,
			RecvSliceIndex: 0,
			Peers:          []Endpoint{rcv},
		},
	}
}

// recvTopology describes a process that receives motion node testNodeID from senders.
func recvTopology(icID uint32, self Endpoint, senders ...Endpoint) *Topology {
	return &Topology{
		ICID:      icID,
		SessionID: testSessionID,
		Local:     self,
		Recv: []MotionNode{{
			ID:             testNodeID,
			SendSliceIndex: 1,
			RecvSliceIndex: 0,
			Peers:          senders,
		}},
	}
}

// setupReceiver sets up an interconnect that only receives from one sender
// at a port nobody listens on, for driving the receive path by hand.
func setupReceiver(t *testing.T, cfg *Config, opts ...Option) (*Interconnect, *motionConn) {
	t.Helper()
	mn := NewMemoryNetwork()
	ic := newTestInterconnect(t, mn, "receiver", cfg, opts...)
	topo := recvTopology(1, receiverEndpoint(memAddr("receiver")), senderEndpoint(0, memAddr("sender")))
	require.NoError(t, ic.Setup(context.Background(), topo))
	ic.mu.Lock()
	c := ic.recvEntries[testNodeID].conns[0]
	ic.mu.Unlock()
	return ic, c
}

// setupSender sets up an interconnect that only sends to a receiver at a
// port nobody listens on, for driving the send path by hand.
func setupSender(t *testing.T, cfg *Config, opts ...Option) (*Interconnect, *motionConn) {
	t.Helper()
	mn := NewMemoryNetwork()
	ic := newTestInterconnect(t, mn, "sender", cfg, opts...)
	topo := sendTopology(1, senderEndpoint(0, memAddr("sender")), receiverEndpoint(memAddr("receiver")))
	require.NoError(t, ic.Setup(context.Background(), topo))
	ic.mu.Lock()
	c := ic.sendEntry.conns[0]
	ic.mu.Unlock()
	return ic, c
}

// dataHeader builds the header of data packet seq as c's sender would.
func dataHeader(c *motionConn, seq, flags uint32) PacketHeader {
	h := c.info
	h.Flags = flags
	h.Seq = seq
	h.ExtraSeq = 0
	return h
}

// ackHeader builds a control packet for sender conn c as its receiver would.
func ackHeader(c *motionConn, flags, seq, extraSeq uint32) PacketHeader {
	h := c.info
	h.Flags = flags | FlagReceiverToSender
	h.Seq = seq
	h.ExtraSeq = extraSeq
	return h
}

// injectLocked copies a datagram into a fresh rx buffer.
// Caller must hold ic.mu.
func injectLocked(t *testing.T, ic *Interconnect, hdr PacketHeader, payload []byte) bufHandle {
	t.Helper()
	h, ok := ic.rxPool.acquire(locSocket)
	require.True(t, ok, "rx pool exhausted")
	b := ic.rxPool.get(h)
	hdr.Len = uint32(HeaderSize + len(payload))
	require.NoError(t, hdr.MarshalTo(b.data))
	copy(b.data[HeaderSize:], payload)
	b.n = int(hdr.Len)
	return h
}

// deliverLocked feeds one data packet to receiver conn c and releases the
// buffer if the connection did not keep it. Caller must hold ic.mu.
func deliverLocked(t *testing.T, ic *Interconnect, c *motionConn, hdr PacketHeader, payload []byte) bool {
	t.Helper()
	h := injectLocked(t, ic, hdr, payload)
	consumed, _ := ic.handleDataPacket(c, &hdr, h, memAddr("sender"))
	if !consumed {
		ic.rxPool.release(h)
	}
	return consumed
}

// chunkPayload frames chunks into a data payload.
func chunkPayload(chunks ...string) []byte {
	var p []byte
	for _, c := range chunks {
		p = appendChunk(p, []byte(c))
	}
	return p
}

// takeOutboxLocked returns the headers queued for sending and drops them.
// Caller must hold ic.mu.
func takeOutboxLocked(t *testing.T, ic *Interconnect) []PacketHeader {
	t.Helper()
	out := make([]PacketHeader, 0, len(ic.outbox))
	for _, o := range ic.outbox {
		h, err := UnmarshalHeader(o.data)
		require.NoError(t, err)
		out = append(out, h)
	}
	ic.outbox = nil
	return out
}

// queuePacketLocked frames chunk into a packet of sender conn c and pushes
// it through the send path. Caller must hold ic.mu.
func queuePacketLocked(t *testing.T, ic *Interconnect, c *motionConn, chunk string) {
	t.Helper()
	if c.curBuf == nilHandle {
		h, ok := ic.getSndBuffer(c)
		require.True(t, ok, "send pool exhausted")
		c.curBuf = h
		c.msgSize = HeaderSize
	}
	b := ic.sndPool.get(c.curBuf)
	c.msgSize = len(appendChunk(b.data[:c.msgSize], []byte(chunk)))
	ic.queueCurrentBuffer(c)
}

// unackedSeqsLocked lists the sequence numbers awaiting acknowledgment.
// Caller must hold ic.mu.
func unackedSeqsLocked(ic *Interconnect, c *motionConn) []uint32 {
	var seqs []uint32
	for h := c.unackQueue.front(); h != nilHandle; h = c.unackQueue.next(ic.sndPool, h) {
		seqs = append(seqs, ic.sndPool.get(h).seq)
	}
	return seqs
}
