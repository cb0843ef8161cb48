package interconnect

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// validateTopology checks a topology before any state is touched.
func validateTopology(topo *Topology) error {
	if topo == nil {
		return fmt.Errorf("nil topology")
	}
	var errs error
	if topo.ICID == 0 {
		errs = multierror.Append(errs, fmt.Errorf("interconnect id must be positive"))
	}
	seen := make(map[int32]bool, len(topo.Recv))
	for _, n := range topo.Recv {
		if seen[n.ID] {
			errs = multierror.Append(errs, fmt.Errorf("motion node %d listed twice", n.ID))
		}
		seen[n.ID] = true
		if len(n.Peers) == 0 {
			errs = multierror.Append(errs, fmt.Errorf("receiving motion node %d has no senders", n.ID))
		}
	}
	if topo.Send != nil {
		if len(topo.Send.Peers) == 0 {
			errs = multierror.Append(errs, fmt.Errorf("sending motion node %d has no receivers", topo.Send.ID))
		}
		for route, p := range topo.Send.Peers {
			if p.Addr == nil {
				errs = multierror.Append(errs, fmt.Errorf("sending motion node %d route %d has no address", topo.Send.ID, route))
			}
		}
	}
	return errs
}

// peerCount is the number of connections a topology creates.
func (t *Topology) peerCount() int {
	n := 0
	for _, m := range t.Recv {
		n += len(m.Peers)
	}
	if t.Send != nil {
		n += len(t.Send.Peers)
	}
	return n
}

// Setup creates the connections of a new interconnect instance and replays
// any packets that arrived for it ahead of time.
func (ic *Interconnect) Setup(ctx context.Context, topo *Topology) error {
	if err := ic.checkInterrupts(ctx); err != nil {
		return err
	}
	if err := validateTopology(topo); err != nil {
		return fmt.Errorf("invalid topology: %w", err)
	}

	ic.mu.Lock()
	if ic.activated {
		ic.mu.Unlock()
		return fmt.Errorf("interconnect instance %d is still active", ic.icID)
	}

	ic.rxErr.reset()
	ic.topo = topo
	ic.icID = topo.ICID
	ic.sessionID = topo.SessionID
	ic.networkTimeoutIsLogged = false
	ic.lastExpirationCheckTime = 0
	ic.lastDeadlockCheckTime = 0
	ic.trace.record("setup ic=%d session=%d recv=%d send=%t", topo.ICID, topo.SessionID, len(topo.Recv), topo.Send != nil)

	if ic.cfg.Role == RoleDispatcher {
		ic.history.pruneForSetup(topo.ICID, topo.TransactionID, ic.rx.lastTxID)
		ic.rx.lastTxID = topo.TransactionID
		ic.history.add(topo.ICID, topo.CommandID)
		ic.conns.resize(2 * topo.peerCount())
	} else {
		ic.icInstanceID = topo.ICID
		ic.conns.resize(ic.cfg.HashTableSize)
	}

	ic.recvEntries = make(map[int32]*motionEntry, len(topo.Recv))
	for _, n := range topo.Recv {
		ic.recvEntries[n.ID] = ic.newRecvEntry(topo, n)
	}

	ic.snd = sendControl{}
	if topo.Send != nil {
		if err := ic.newSendEntry(topo); err != nil {
			ic.teardownLocked(true)
			ic.conns.clear()
			ic.unlockAndFlush()
			return err
		}
	}

	ic.handleCachedPackets()
	ic.activated = true

	ic.log.Debug().
		Uint32("ic_id", topo.ICID).
		Int("recv_nodes", len(topo.Recv)).
		Int("connections", ic.conns.len()).
		Msg("interconnect setup complete")
	ic.unlockAndFlush()
	return nil
}

// newRecvEntry creates the receiver connections of node n.
// Caller must hold ic.mu.
func (ic *Interconnect) newRecvEntry(topo *Topology, n MotionNode) *motionEntry {
	e := &motionEntry{node: n, conns: make([]*motionConn, len(n.Peers))}
	for route, p := range n.Peers {
		c := &motionConn{
			route:       route,
			entry:       e,
			peer:        p.Addr,
			stillActive: true,
			curBuf:      nilHandle,
			sndQueue:    newBufList(false),
			unackQueue:  newBufList(false),
			pktQ:        make([]bufHandle, ic.cfg.QueueDepth),
		}
		for i := range c.pktQ {
			c.pktQ[i] = nilHandle
		}
		c.info = PacketHeader{
			MotNodeID:       n.ID,
			RecvSliceIndex:  n.RecvSliceIndex,
			SendSliceIndex:  n.SendSliceIndex,
			SrcContentID:    p.ContentID,
			DstContentID:    topo.Local.ContentID,
			SrcPid:          p.Pid,
			DstPid:          topo.Local.Pid,
			SrcListenerPort: p.ListenerPort,
			DstListenerPort: topo.Local.ListenerPort,
			SessionID:       topo.SessionID,
			ICID:            topo.ICID,
			Seq:             1,
			Flags:           FlagReceiverToSender,
		}
		e.conns[route] = c
		ic.conns.add(c)
		ic.rxPool.maxCount += ic.cfg.QueueDepth
	}
	return e
}

// newSendEntry creates the sender connections of the topology's send node
// and seeds the shared congestion window. Caller must hold ic.mu.
func (ic *Interconnect) newSendEntry(topo *Topology) error {
	n := *topo.Send
	ic.sndPool.reset(ic.initialSndMaxCount())
	ic.wheel.reset()

	now := ic.clock.Now()
	e := &motionEntry{node: n, sending: true, conns: make([]*motionConn, len(n.Peers))}
	ic.sendEntry = e
	for route, p := range n.Peers {
		c := &motionConn{
			route:                  route,
			entry:                  e,
			sender:                 true,
			peer:                   p.Addr,
			stillActive:            true,
			curBuf:                 nilHandle,
			sndQueue:               newBufList(false),
			unackQueue:             newBufList(false),
			capacity:               ic.cfg.QueueDepth,
			rtt:                    ic.cfg.DefaultRTT,
			deadlockCheckBeginTime: now,
			state:                  StateSettingUp,
		}
		c.info = PacketHeader{
			MotNodeID:       n.ID,
			RecvSliceIndex:  n.RecvSliceIndex,
			SendSliceIndex:  n.SendSliceIndex,
			SrcContentID:    topo.Local.ContentID,
			DstContentID:    p.ContentID,
			SrcPid:          topo.Local.Pid,
			DstPid:          p.Pid,
			SrcListenerPort: topo.Local.ListenerPort,
			DstListenerPort: p.ListenerPort,
			SessionID:       topo.SessionID,
			ICID:            topo.ICID,
			Seq:             1,
		}
		if rtt, dev, ok := ic.rtts.get(c, now); ok {
			c.rtt, c.dev = rtt, dev
		}
		e.conns[route] = c

		ic.sndPool.maxCount += ic.cfg.SndQueueDepth
		ic.snd.cwnd++
		h, ok := ic.getSndBuffer(c)
		if !ok {
			return ic.newInterconnectError("interconnect error: setup failed",
				"no send buffer for route %d of motion node %d", route, n.ID)
		}
		c.curBuf = h
		c.msgSize = HeaderSize
		ic.conns.add(c)
	}
	ic.snd.minCwnd = ic.snd.cwnd
	ic.snd.ssthresh = float64(ic.sndPool.maxCount)
	return nil
}
