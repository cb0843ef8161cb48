package interconnect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// startSenderLocked sends packet 1 of c, acknowledges it with its
// consumption and then queues n more packets. Caller must hold ic.mu.
func startSenderLocked(t *testing.T, ic *Interconnect, c *motionConn, n int) {
	t.Helper()
	queuePacketLocked(t, ic, c, "p1")
	ack := ackHeader(c, FlagACK|FlagCAPACITY, 1, 1)
	ic.handleAck(c, &ack, nil)
	require.Equal(t, StateStarted, c.state)
	for i := 0; i < n; i++ {
		queuePacketLocked(t, ic, c, "p")
	}
	takeOutboxLocked(t, ic)
}

// disorderReport builds a disorder report datagram as the receiver would.
func disorderReport(t *testing.T, c *motionConn, seq, extraSeq uint32, lost ...uint32) (PacketHeader, []byte) {
	t.Helper()
	hdr := ackHeader(c, FlagDISORDER, seq, extraSeq)
	b := encodeLostSeqs(make([]byte, HeaderSize), lost)
	hdr.Len = uint32(len(b))
	require.NoError(t, hdr.MarshalTo(b))
	return hdr, b
}

// TestSenderSettingUpGate verifies that only one packet is in flight until
// the receiver acknowledges packet 1.
func TestSenderSettingUpGate(t *testing.T) {
	ic, c := setupSender(t, testConfig(), WithClock(&ManualClock{}))
	ic.mu.Lock()
	defer ic.mu.Unlock()

	require.Equal(t, StateSettingUp, c.state)
	queuePacketLocked(t, ic, c, "a")
	queuePacketLocked(t, ic, c, "b")
	require.Equal(t, []uint32{1}, unackedSeqsLocked(ic, c))
	require.Equal(t, 1, c.sndQueue.len())

	out := takeOutboxLocked(t, ic)
	require.Len(t, out, 1)
	require.Equal(t, uint32(1), out[0].Seq)
	require.Zero(t, out[0].Flags&FlagReceiverToSender)

	ack := ackHeader(c, FlagACK|FlagCAPACITY, 1, 0)
	require.False(t, ic.handleAck(c, &ack, nil))
	require.Equal(t, StateStarted, c.state)
	require.Equal(t, uint32(1), c.receivedAckSeq)
	require.Equal(t, []uint32{2}, unackedSeqsLocked(ic, c), "the queued packet follows the ack")
	require.Equal(t, 2.0, ic.snd.cwnd, "first transmission ack opens the window")

	out = takeOutboxLocked(t, ic)
	require.Len(t, out, 1)
	require.Equal(t, uint32(2), out[0].Seq)
}

// TestSenderCapacityFlowControl verifies that the receiver's reported
// consumption gates transmission under capacity flow control.
func TestSenderCapacityFlowControl(t *testing.T) {
	cfg := testConfig()
	cfg.FlowControl = FlowControlCapacity
	cfg.QueueDepth = 2
	ic, c := setupSender(t, cfg, WithClock(&ManualClock{}))
	ic.mu.Lock()
	defer ic.mu.Unlock()

	queuePacketLocked(t, ic, c, "a")
	ack := ackHeader(c, FlagACK|FlagCAPACITY, 1, 0)
	ic.handleAck(c, &ack, nil)
	queuePacketLocked(t, ic, c, "b")
	queuePacketLocked(t, ic, c, "c")
	require.Zero(t, c.capacity)
	require.Equal(t, []uint32{2}, unackedSeqsLocked(ic, c))
	require.Equal(t, 1, c.sndQueue.len(), "no capacity left for packet 3")

	ack = ackHeader(c, FlagACK|FlagCAPACITY, 2, 1)
	ic.handleAck(c, &ack, nil)
	require.Equal(t, uint32(1), c.consumedSeq)
	require.Equal(t, []uint32{3}, unackedSeqsLocked(ic, c))
	require.Zero(t, c.sndQueue.len())
	require.Zero(t, c.capacity)

	// A stale capacity report changes nothing.
	ack = ackHeader(c, FlagACK|FlagCAPACITY, 2, 1)
	ic.handleAck(c, &ack, nil)
	require.Zero(t, c.capacity)
}

// TestSenderCapacityBoundsSendBuffers verifies the per connection buffer
// limit under capacity flow control.
func TestSenderCapacityBoundsSendBuffers(t *testing.T) {
	cfg := testConfig()
	cfg.FlowControl = FlowControlCapacity
	cfg.SndQueueDepth = 2
	ic, c := setupSender(t, cfg, WithClock(&ManualClock{}))
	ic.mu.Lock()
	defer ic.mu.Unlock()

	queuePacketLocked(t, ic, c, "a")
	queuePacketLocked(t, ic, c, "b")
	_, ok := ic.getSndBuffer(c)
	require.False(t, ok)
}

// TestSenderDisorderDebounce verifies that only the third identical report
// acts: packets before the hole are retired and the hole is resent. The walk
// ends with the last reported hole, so later packets wait for a normal ack.
func TestSenderDisorderDebounce(t *testing.T) {
	cfg := testConfig()
	cfg.FlowControl = FlowControlCapacity
	ic, c := setupSender(t, cfg, WithClock(&ManualClock{}))
	ic.mu.Lock()
	defer ic.mu.Unlock()

	startSenderLocked(t, ic, c, 4)
	require.Equal(t, []uint32{2, 3, 4, 5}, unackedSeqsLocked(ic, c))

	for i := 0; i < 2; i++ {
		hdr, b := disorderReport(t, c, 4, 1, 3)
		ic.handleAck(c, &hdr, b)
		require.Equal(t, []uint32{2, 3, 4, 5}, unackedSeqsLocked(ic, c), "report %d must be ignored", i+1)
		require.Empty(t, ic.outbox)
	}

	hdr, b := disorderReport(t, c, 4, 1, 3)
	ic.handleAck(c, &hdr, b)
	require.Equal(t, []uint32{3, 4, 5}, unackedSeqsLocked(ic, c))
	require.Equal(t, uint64(1), ic.stats.Retransmits)

	out := takeOutboxLocked(t, ic)
	require.Len(t, out, 1)
	require.Equal(t, uint32(3), out[0].Seq)

	// A fourth identical report is past the trigger.
	hdr, b = disorderReport(t, c, 4, 1, 3)
	ic.handleAck(c, &hdr, b)
	require.Empty(t, ic.outbox)
}

// TestSenderDisorderShrinksWindow verifies the loss flow control reaction to
// an explicit loss report.
func TestSenderDisorderShrinksWindow(t *testing.T) {
	ic, c := setupSender(t, testConfig(), WithClock(&ManualClock{}))
	ic.mu.Lock()
	defer ic.mu.Unlock()

	startSenderLocked(t, ic, c, 3)
	require.Equal(t, 2.0, ic.snd.cwnd)
	require.Equal(t, []uint32{2, 3}, unackedSeqsLocked(ic, c), "window of two with one shared slot")
	require.Equal(t, 1, c.sndQueue.len())

	for i := 0; i < 3; i++ {
		hdr, b := disorderReport(t, c, 3, 1, 2)
		ic.handleAck(c, &hdr, b)
	}
	require.Equal(t, 1.5, ic.snd.cwnd)
	require.Equal(t, 1.5, ic.snd.ssthresh)
	require.Equal(t, uint64(1), ic.stats.Retransmits)
	require.Equal(t, []uint32{2, 3}, unackedSeqsLocked(ic, c), "seq 3 is past the last hole")
	require.Equal(t, 1, c.sndQueue.len())
}

// TestSenderDuplicateAck verifies that a duplicate report retires everything
// up to its extra sequence plus the duplicated packet.
func TestSenderDuplicateAck(t *testing.T) {
	cfg := testConfig()
	cfg.FlowControl = FlowControlCapacity
	ic, c := setupSender(t, cfg, WithClock(&ManualClock{}))
	ic.mu.Lock()
	defer ic.mu.Unlock()

	startSenderLocked(t, ic, c, 4)

	bad := ackHeader(c, FlagDUPLICATE, 2, 2)
	ic.handleAck(c, &bad, nil)
	require.Equal(t, []uint32{2, 3, 4, 5}, unackedSeqsLocked(ic, c), "seq must exceed extra seq")

	dup := ackHeader(c, FlagDUPLICATE, 4, 2)
	ic.handleAck(c, &dup, nil)
	require.Equal(t, []uint32{3, 5}, unackedSeqsLocked(ic, c))
}

// TestSenderIgnoresStaleAck verifies that an ack below the last cumulative
// ack is dropped.
func TestSenderIgnoresStaleAck(t *testing.T) {
	cfg := testConfig()
	cfg.FlowControl = FlowControlCapacity
	ic, c := setupSender(t, cfg, WithClock(&ManualClock{}))
	ic.mu.Lock()
	defer ic.mu.Unlock()

	startSenderLocked(t, ic, c, 2)
	ack := ackHeader(c, FlagACK|FlagCAPACITY, 2, 1)
	ic.handleAck(c, &ack, nil)
	require.Equal(t, uint32(2), c.receivedAckSeq)

	stale := ackHeader(c, FlagACK|FlagSTOP, 1, 1)
	require.False(t, ic.handleAck(c, &stale, nil))
	require.False(t, c.stopRequested, "a stop behind the cumulative ack is stale")
	require.Equal(t, []uint32{3}, unackedSeqsLocked(ic, c))

	nak := ackHeader(c, FlagNAK|FlagACK, 3, 0)
	ic.handleAck(c, &nak, nil)
	require.Equal(t, []uint32{3}, unackedSeqsLocked(ic, c), "NAK carries no acknowledgment")
}

// TestSenderStopRequest verifies that a stop from the receiver ends the
// connection with a header-only EOS and returns every buffer.
func TestSenderStopRequest(t *testing.T) {
	ic, c := setupSender(t, testConfig(), WithClock(&ManualClock{}))
	ic.mu.Lock()
	startSenderLocked(t, ic, c, 2)
	h, ok := ic.getSndBuffer(c)
	require.True(t, ok)
	c.curBuf = h
	c.msgSize = HeaderSize

	stop := ackHeader(c, FlagSTOP|FlagACK|FlagCAPACITY, 1, 1)
	require.True(t, ic.handleAck(c, &stop, nil))
	require.True(t, c.stopRequested)

	ic.handleStopMsgs(ic.sendEntry)
	require.False(t, c.stillActive)
	require.Equal(t, StateEosSent, c.state)
	require.Equal(t, nilHandle, c.curBuf)
	require.Zero(t, c.unackQueue.len())
	require.Equal(t, ic.sndPool.count, ic.sndPool.freeCount(), "every send buffer is back in the pool")

	out := takeOutboxLocked(t, ic)
	require.Len(t, out, 1)
	require.Equal(t, FlagEOS|FlagSTOP, out[0].Flags)
	require.Equal(t, uint32(4), out[0].Seq)
	require.Equal(t, uint32(HeaderSize), out[0].Len)
	ic.mu.Unlock()

	require.NoError(t, ic.SendChunk(context.Background(), testNodeID, 0, []byte("ignored")))
	require.NoError(t, ic.SendEndOfStream(context.Background(), testNodeID, nil))
}

// TestSenderTimerRetransmission verifies loss flow control expiration and
// the window collapse that follows.
func TestSenderTimerRetransmission(t *testing.T) {
	clk := &ManualClock{}
	ic, c := setupSender(t, testConfig(), WithClock(clk))
	ic.mu.Lock()
	defer ic.mu.Unlock()

	queuePacketLocked(t, ic, c, "a")
	takeOutboxLocked(t, ic)
	ic.snd.cwnd = 4

	clk.Advance(2 * time.Millisecond)
	require.NoError(t, ic.checkExpiration())
	require.Empty(t, ic.outbox, "not expired yet")

	clk.Advance(8 * time.Millisecond)
	require.NoError(t, ic.checkExpiration())
	out := takeOutboxLocked(t, ic)
	require.Len(t, out, 1)
	require.Equal(t, uint32(1), out[0].Seq)

	h := c.unackQueue.front()
	require.Equal(t, uint32(1), ic.sndPool.get(h).nRetry)
	require.GreaterOrEqual(t, ic.sndPool.get(h).slot, 0, "rescheduled")
	require.Equal(t, uint64(1), ic.stats.Retransmits)
	require.Equal(t, ic.snd.minCwnd, ic.snd.cwnd)
	require.Equal(t, 2.0, ic.snd.ssthresh)
}

// TestSenderNoEarlyRetransmitAfterIdle verifies that a packet sent after the
// sender was quiet for longer than the time wheel covers is not resent before
// its expiration period, and that the window survives.
func TestSenderNoEarlyRetransmitAfterIdle(t *testing.T) {
	clk := &ManualClock{}
	ic, c := setupSender(t, testConfig(), WithClock(clk))
	ic.mu.Lock()
	defer ic.mu.Unlock()

	startSenderLocked(t, ic, c, 0)
	cwnd := ic.snd.cwnd

	clk.Advance(5 * time.Second)
	queuePacketLocked(t, ic, c, "b")
	require.Equal(t, []uint32{2}, unackedSeqsLocked(ic, c))
	takeOutboxLocked(t, ic)

	clk.Advance(time.Millisecond)
	require.NoError(t, ic.checkExpiration())
	require.Empty(t, ic.outbox, "resent before its expiration period")
	require.Zero(t, ic.stats.Retransmits)
	require.Equal(t, cwnd, ic.snd.cwnd)

	clk.Advance(ic.cfg.MaxExpiration + ic.cfg.TimerSpan)
	require.NoError(t, ic.checkExpiration())
	out := takeOutboxLocked(t, ic)
	require.Len(t, out, 1)
	require.Equal(t, uint32(2), out[0].Seq)
	require.Equal(t, uint64(1), ic.stats.Retransmits)
}

// TestSendAfterCancelledSend verifies that a send cancelled while waiting for
// a buffer leaves the connection usable for both SendChunk and
// SendEndOfStream.
func TestSendAfterCancelledSend(t *testing.T) {
	cfg := testConfig()
	cfg.FlowControl = FlowControlCapacity
	cfg.SndQueueDepth = 1
	cfg.MaxPacketSize = 128
	ic, c := setupSender(t, cfg)
	chunk := make([]byte, 47)

	require.NoError(t, ic.SendChunk(context.Background(), testNodeID, 0, chunk))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := ic.SendChunk(ctx, testNodeID, 0, chunk)
	require.ErrorIs(t, err, context.DeadlineExceeded, "no buffer while packet 1 is unacked")

	ic.mu.Lock()
	require.Equal(t, nilHandle, c.curBuf)
	require.True(t, c.stillActive)
	ic.mu.Unlock()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	require.ErrorIs(t, ic.SendEndOfStream(ctx2, testNodeID, nil), context.DeadlineExceeded)

	ic.mu.Lock()
	ack := ackHeader(c, FlagACK|FlagCAPACITY, 1, 1)
	ic.handleAck(c, &ack, nil)
	require.Empty(t, unackedSeqsLocked(ic, c))
	ic.mu.Unlock()

	require.NoError(t, ic.SendChunk(context.Background(), testNodeID, 0, chunk))
	ic.mu.Lock()
	require.NotEqual(t, nilHandle, c.curBuf)
	require.Equal(t, HeaderSize+chunkPrefixSize+len(chunk), c.msgSize)
	ic.mu.Unlock()

	ctx3, cancel3 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel3()
	require.ErrorIs(t, ic.SendEndOfStream(ctx3, testNodeID, nil), context.DeadlineExceeded, "nobody acks the end of stream")

	ic.mu.Lock()
	defer ic.mu.Unlock()
	require.Equal(t, []uint32{2}, unackedSeqsLocked(ic, c))
	h := c.unackQueue.front()
	hdr, err := UnmarshalHeader(ic.sndPool.get(h).data)
	require.NoError(t, err)
	require.NotZero(t, hdr.Flags&FlagEOS)
	require.Equal(t, uint32(HeaderSize+chunkPrefixSize+len(chunk)), hdr.Len)
}

// TestSenderDeadlockStatusQuery verifies the status query sent by a sender stuck
// without capacity, and the fatal error once the receiver stays silent.
func TestSenderDeadlockStatusQuery(t *testing.T) {
	clk := &ManualClock{}
	cfg := testConfig()
	cfg.FlowControl = FlowControlCapacity
	cfg.TransmitTimeout = 40 * time.Millisecond
	ic, c := setupSender(t, cfg, WithClock(clk))
	ic.mu.Lock()
	defer ic.mu.Unlock()

	c.capacity = 0
	queuePacketLocked(t, ic, c, "a")
	require.Equal(t, 1, c.sndQueue.len())
	require.NoError(t, ic.checkDeadlock(c))
	require.Empty(t, ic.outbox, "too early")

	clk.Advance(31 * time.Millisecond)
	require.NoError(t, ic.checkDeadlock(c))
	out := takeOutboxLocked(t, ic)
	require.Len(t, out, 1)
	require.Equal(t, FlagCAPACITY, out[0].Flags)
	require.Equal(t, uint32(1), out[0].Seq)
	require.Equal(t, uint32(HeaderSize), out[0].Len)
	require.Equal(t, uint64(1), ic.stats.StatusQueryMsgNum)

	clk.Advance(40 * time.Millisecond)
	err := ic.checkDeadlock(c)
	require.ErrorIs(t, err, ErrInterconnect)
	require.Contains(t, err.Error(), "Did not get any response")
}

// TestSenderNetworkTimeout verifies that a packet retried too often for too
// long fails the operation.
func TestSenderNetworkTimeout(t *testing.T) {
	clk := &ManualClock{}
	cfg := testConfig()
	cfg.FlowControl = FlowControlCapacity
	cfg.MinRetriesBeforeTimeout = 2
	cfg.TransmitTimeout = 20 * time.Millisecond
	ic, c := setupSender(t, cfg, WithClock(clk))
	ic.mu.Lock()
	defer ic.mu.Unlock()

	queuePacketLocked(t, ic, c, "a")
	h := c.unackQueue.front()
	ic.sndPool.get(h).nRetry = 2

	clk.Advance(25 * time.Millisecond)
	require.NoError(t, ic.checkExpirationCapacityFC(c, time.Millisecond), "retry count not exceeded yet")
	require.Equal(t, uint32(3), ic.sndPool.get(h).nRetry)
	require.True(t, ic.networkTimeoutIsLogged)

	clk.Advance(5 * time.Millisecond)
	err := ic.checkExpirationCapacityFC(c, time.Millisecond)
	require.ErrorIs(t, err, ErrInterconnect)
	require.Contains(t, err.Error(), "Failed to send packet (seq 1)")

	require.NoError(t, ic.checkExpirationCapacityFC(c, 0), "a zero timeout only polls")
}

// TestSendChunkErrors verifies argument and state checks of the send API.
func TestSendChunkErrors(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPacketSize = 128
	ic, _ := setupSender(t, cfg)
	ctx := context.Background()

	require.Error(t, ic.SendChunk(ctx, testNodeID, 0, make([]byte, 128)), "chunk larger than a packet")
	require.Error(t, ic.SendChunk(ctx, testNodeID, 1, []byte("x")), "unknown route")
	require.Error(t, ic.SendChunk(ctx, testNodeID+1, 0, []byte("x")), "unknown node")

	mn := NewMemoryNetwork()
	idle := newTestInterconnect(t, mn, "idle", cfg)
	require.ErrorIs(t, idle.SendChunk(ctx, testNodeID, 0, []byte("x")), ErrNotActive)
	require.ErrorIs(t, idle.SendEndOfStream(ctx, testNodeID, nil), ErrNotActive)
}
