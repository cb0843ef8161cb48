package interconnect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// earlyHeader is packet seq of instance icID from sender 0 to the receiver
// built by setupReceiver, as seen before the receiver knows the instance.
func earlyHeader(icID, seq uint32) PacketHeader {
	return PacketHeader{
		MotNodeID:       testNodeID,
		RecvSliceIndex:  0,
		SendSliceIndex:  1,
		SrcContentID:    0,
		DstContentID:    50,
		SrcPid:          100,
		DstPid:          500,
		SrcListenerPort: 4000,
		DstListenerPort: 5000,
		SessionID:       testSessionID,
		ICID:            icID,
		Seq:             seq,
	}
}

// dispatchLocked feeds one datagram through the worker's dispatch and
// releases the buffer if nothing kept it. Caller must hold ic.mu.
func dispatchLocked(t *testing.T, ic *Interconnect, hdr PacketHeader, payload []byte) bool {
	t.Helper()
	h := injectLocked(t, ic, hdr, payload)
	hdr.Len = uint32(HeaderSize + len(payload))
	consumed, _ := ic.dispatchPacket(&hdr, h, memAddr("sender"))
	if !consumed {
		ic.rxPool.release(h)
	}
	return consumed
}

// TestSetupValidatesTopology verifies that bad topologies are rejected
// before any state changes.
func TestSetupValidatesTopology(t *testing.T) {
	mn := NewMemoryNetwork()
	ic := newTestInterconnect(t, mn, "node", testConfig())
	ctx := context.Background()
	self := receiverEndpoint(memAddr("node"))

	require.Error(t, ic.Setup(ctx, nil))
	require.Error(t, ic.Setup(ctx, recvTopology(0, self, senderEndpoint(0, nil))), "zero instance id")
	require.Error(t, ic.Setup(ctx, recvTopology(1, self)), "receiver without senders")

	dup := recvTopology(1, self, senderEndpoint(0, nil))
	dup.Recv = append(dup.Recv, dup.Recv[0])
	require.Error(t, ic.Setup(ctx, dup), "node listed twice")

	require.Error(t, ic.Setup(ctx, sendTopology(1, self, receiverEndpoint(nil))), "receiver without address")

	ic.mu.Lock()
	require.False(t, ic.activated)
	require.Zero(t, ic.conns.len())
	ic.mu.Unlock()
}

// TestSetupTwiceFails verifies that an instance must be torn down before the
// next one is set up, and that Teardown is idempotent.
func TestSetupTwiceFails(t *testing.T) {
	ic, _ := setupReceiver(t, testConfig())
	topo := recvTopology(2, receiverEndpoint(memAddr("receiver")), senderEndpoint(0, memAddr("sender")))

	require.Error(t, ic.Setup(context.Background(), topo))
	ic.Teardown(false)
	ic.Teardown(false)
	require.NoError(t, ic.Setup(context.Background(), topo))
	require.Equal(t, uint64(1), ic.Stats().ActiveConnectionsNum)
}

// TestTeardownReleasesReceiveBuffers verifies that queued and out of order
// packets go back to the pool and the pool shrinks to its base size.
func TestTeardownReleasesReceiveBuffers(t *testing.T) {
	ic, c := setupReceiver(t, testConfig())
	ic.mu.Lock()
	require.True(t, deliverLocked(t, ic, c, dataHeader(c, 1, 0), chunkPayload("a")))
	require.True(t, deliverLocked(t, ic, c, dataHeader(c, 3, 0), chunkPayload("c")))
	ic.mu.Unlock()

	ic.Teardown(false)

	ic.mu.Lock()
	defer ic.mu.Unlock()
	require.False(t, ic.activated)
	require.Zero(t, ic.rxPool.countAt(locRecvQueue))
	require.Equal(t, 1, ic.rxPool.maxCount)
	require.LessOrEqual(t, ic.rxPool.count, 1, "only the worker's buffer survives")
	require.Zero(t, ic.conns.len())
	require.Zero(t, ic.stats.ActiveConnectionsNum)
	require.Equal(t, uint32(1), ic.rx.lastTornICID)
	require.Nil(t, ic.recvEntries)
}

// TestTeardownReleasesSendBuffers verifies that the send side returns every
// buffer and clears the wheel.
func TestTeardownReleasesSendBuffers(t *testing.T) {
	ic, c := setupSender(t, testConfig(), WithClock(&ManualClock{}))
	ic.mu.Lock()
	queuePacketLocked(t, ic, c, "a")
	queuePacketLocked(t, ic, c, "b")
	ic.mu.Unlock()

	ic.Teardown(true)

	ic.mu.Lock()
	defer ic.mu.Unlock()
	require.Zero(t, ic.sndPool.count)
	require.Zero(t, ic.wheel.len())
	require.Zero(t, ic.wheel.numOutstanding)
	require.Nil(t, ic.sendEntry)
	require.False(t, c.stillActive)
	require.Contains(t, ic.trace.String(), "teardown ic=1 with errors")
}

// TestRTTCacheSeedsNextInstance verifies that a sender's learned estimate
// carries over to the next instance to the same peer.
func TestRTTCacheSeedsNextInstance(t *testing.T) {
	cfg := testConfig()
	cfg.RTTCacheTTL = time.Minute
	ic, c := setupSender(t, cfg, WithClock(&ManualClock{}))

	ic.mu.Lock()
	c.stats.countAcks = 5
	c.rtt = 8 * time.Millisecond
	c.dev = 4 * time.Millisecond
	ic.mu.Unlock()
	ic.Teardown(false)

	topo := sendTopology(2, senderEndpoint(0, memAddr("sender")), receiverEndpoint(memAddr("receiver")))
	require.NoError(t, ic.Setup(context.Background(), topo))

	ic.mu.Lock()
	defer ic.mu.Unlock()
	next := ic.sendEntry.conns[0]
	require.Equal(t, 6*time.Millisecond, next.rtt)
	require.Equal(t, 3*time.Millisecond, next.dev)
}

// TestEarlyPacketsAreCachedAndReplayed verifies that data arriving before
// its connection exists is kept and delivered by the next setup.
func TestEarlyPacketsAreCachedAndReplayed(t *testing.T) {
	mn := NewMemoryNetwork()
	ic := newTestInterconnect(t, mn, "receiver", testConfig())

	ic.mu.Lock()
	ic.rxPool.maxCount += 4
	require.True(t, dispatchLocked(t, ic, earlyHeader(1, 1), chunkPayload("early")))
	require.False(t, dispatchLocked(t, ic, earlyHeader(1, 1), chunkPayload("early")), "slot already filled")
	require.False(t, dispatchLocked(t, ic, earlyHeader(1, 0), nil), "seq 0 is never cached")
	require.False(t, dispatchLocked(t, ic, earlyHeader(1, 5), nil), "beyond the queue depth")

	other := earlyHeader(1, 2)
	other.SessionID = testSessionID + 1
	require.False(t, dispatchLocked(t, ic, other, nil), "another session")

	require.Equal(t, 1, ic.cachedPacketCount())
	require.Equal(t, uint64(1), ic.stats.StartupCachedPktNum)
	require.Equal(t, uint64(5), ic.stats.MismatchNum)
	ic.rxPool.maxCount -= 4
	ic.mu.Unlock()

	topo := recvTopology(1, receiverEndpoint(memAddr("receiver")), senderEndpoint(0, memAddr("sender")))
	require.NoError(t, ic.Setup(context.Background(), topo))

	ic.mu.Lock()
	require.Zero(t, ic.cachedPacketCount())
	c := ic.recvEntries[testNodeID].conns[0]
	require.Equal(t, uint32(2), c.info.Seq)
	ic.mu.Unlock()

	chunk, err := ic.RecvChunk(context.Background(), testNodeID, 0)
	require.NoError(t, err)
	require.Equal(t, "early", string(chunk))
}

// TestCacheDisabled verifies that early packets are dropped when caching is off.
func TestCacheDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.CacheFuturePackets = false
	mn := NewMemoryNetwork()
	ic := newTestInterconnect(t, mn, "receiver", cfg)

	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.rxPool.maxCount++
	require.False(t, dispatchLocked(t, ic, earlyHeader(1, 1), chunkPayload("early")))
	require.Zero(t, ic.cachedPacketCount())
	require.Empty(t, ic.outbox)
	ic.rxPool.maxCount--
}

// TestWorkerStopsSenderOfTornInstance verifies the stop reply for data of an
// instance this worker has already torn down.
func TestWorkerStopsSenderOfTornInstance(t *testing.T) {
	ic, _ := setupReceiver(t, testConfig())
	ic.Teardown(false)

	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.rxPool.maxCount++
	defer func() { ic.rxPool.maxCount-- }()

	require.False(t, dispatchLocked(t, ic, earlyHeader(1, 2), chunkPayload("late")))
	out := takeOutboxLocked(t, ic)
	require.Len(t, out, 1)
	require.Equal(t, FlagSTOP|FlagACK|FlagCAPACITY|FlagReceiverToSender, out[0].Flags)
	require.Equal(t, uint32(2), out[0].Seq)
	require.Equal(t, uint32(2), out[0].ExtraSeq)
	require.Equal(t, uint64(1), ic.stats.MismatchNum)

	// Control packets for unknown connections are dropped silently.
	ack := earlyHeader(1, 2)
	ack.Flags = FlagACK | FlagReceiverToSender
	require.False(t, dispatchLocked(t, ic, ack, nil))
	require.Empty(t, ic.outbox)
	require.Equal(t, uint64(1), ic.stats.MismatchNum)
}

// TestDispatcherUsesHistory verifies that the dispatcher classifies
// mismatched packets by instance history.
func TestDispatcherUsesHistory(t *testing.T) {
	cfg := testConfig()
	cfg.Role = RoleDispatcher
	ic, _ := setupReceiver(t, cfg)

	stray := earlyHeader(1, 1)
	stray.SrcPid = 999

	ic.mu.Lock()
	ic.rxPool.maxCount++
	require.False(t, dispatchLocked(t, ic, stray, nil))
	require.Empty(t, ic.outbox, "instance still running")
	ic.rxPool.maxCount--
	ic.mu.Unlock()

	ic.Teardown(false)

	ic.mu.Lock()
	defer ic.mu.Unlock()
	require.Equal(t, historyTornDown, ic.history.get(1).status)
	ic.rxPool.maxCount += 2
	defer func() { ic.rxPool.maxCount -= 2 }()

	require.False(t, dispatchLocked(t, ic, earlyHeader(1, 1), nil))
	out := takeOutboxLocked(t, ic)
	require.Len(t, out, 1)
	require.NotZero(t, out[0].Flags&FlagSTOP)

	require.True(t, dispatchLocked(t, ic, earlyHeader(2, 1), chunkPayload("next")), "unknown instance is cached")
	require.Equal(t, 1, ic.cachedPacketCount())
}
