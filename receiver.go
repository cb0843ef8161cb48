package interconnect

import (
	"context"
	"fmt"
	"io"
	"net"
)

// handleDataPacket applies an inbound data packet held in rx buffer h to
// receiver conn c. It reports whether the buffer was queued (and is now owned
// by the connection) and whether a blocked receiver should be woken.
// Caller must hold ic.mu.
func (ic *Interconnect) handleDataPacket(c *motionConn, pkt *PacketHeader, h bufHandle, from net.Addr) (consumed, wake bool) {
	flags := c.info.Flags

	// Status query from a sender that ran out of capacity.
	if pkt.Len == HeaderSize && pkt.Flags&FlagCAPACITY != 0 {
		var seq uint32
		if c.info.Seq > 0 {
			seq = c.info.Seq - 1
		}
		extraSeq := c.info.ExtraSeq
		if c.stopRequested {
			extraSeq = seq
		}
		ic.log.Debug().Uint32("seq", pkt.Seq).Str("conn", c.String()).Msg("status query received")
		ic.sendAck(c, FlagCAPACITY|FlagACK|flags, seq, extraSeq)
		return false, false
	}

	// Learn where to send acks from the first packets of the stream.
	if pkt.Seq <= uint32(len(c.pktQ)) {
		c.peer = from
		c.info.DstListenerPort = pkt.DstListenerPort
	}

	// A stop we did not ask for is a startup leftover.
	if !c.stopRequested && pkt.Flags&FlagSTOP != 0 {
		if pkt.Flags&FlagEOS != 0 {
			ic.log.Debug().Uint32("seq", pkt.Seq).Str("flags", flagString(pkt.Flags)).Msg("non-requested stop flag with EOS")
		}
		return false, false
	}

	if c.stopRequested && c.stillActive {
		if pkt.Flags&FlagEOS != 0 {
			c.info.Flags |= FlagEOS
		}
		if c.info.Seq < pkt.Seq {
			c.info.Seq = pkt.Seq
		}
		ic.sendAck(c, FlagACK|FlagSTOP|FlagCAPACITY|c.info.Flags, pkt.Seq, pkt.Seq)
		if pkt.Flags&FlagEOS != 0 {
			ic.log.Debug().Str("conn", c.String()).Msg("stop acknowledged by sending peer")
			c.stillActive = false
		}
		return false, false
	}

	// Dropped ack or early retransmit.
	if pkt.Seq < c.info.Seq {
		ic.stats.DuplicatedPktNum++
		ic.sendAck(c, FlagACK|FlagCAPACITY|flags, c.info.Seq-1, c.info.ExtraSeq)
		return false, false
	}

	if !c.stillActive {
		if c.info.Seq < pkt.Seq {
			c.info.Seq = pkt.Seq
		}
		ic.sendAck(c, FlagACK|FlagSTOP|FlagCAPACITY|flags, pkt.Seq, pkt.Seq)
		return false, false
	}

	capacity := len(c.pktQ)
	headSeq := c.info.Seq - uint32(c.size)
	if c.size == capacity || pkt.Seq-headSeq >= uint32(capacity) {
		ic.log.Debug().Uint32("seq", pkt.Seq).Uint32("head_seq", headSeq).Int("size", c.size).
			Str("conn", c.String()).Msg("received a packet outside the receive window")
		ic.stats.DisorderedPktNum++
		c.stats.countDropped++
		return false, false
	}

	toWakeup := false
	pos := int((pkt.Seq - 1) % uint32(capacity))

	if c.pktQ[pos] != nilHandle {
		ic.sendAck(c, FlagDUPLICATE|flags, pkt.Seq, c.info.Seq-1)
		ic.stats.DuplicatedPktNum++
		return false, false
	}

	c.pktQ[pos] = h
	ic.rxPool.get(h).loc = locRecvQueue
	if pos == c.head {
		toWakeup = true
	}

	if pos == c.tail {
		for c.pktQ[c.tail] != nilHandle && c.size < capacity {
			c.size++
			c.tail = (c.tail + 1) % capacity
			c.info.Seq++
		}
		last := ic.rxPool.get(c.pktQ[(c.tail+capacity-1)%capacity])
		lastHdr, _ := UnmarshalHeader(last.data[:last.n])
		if lastHdr.Flags&FlagEOS != 0 {
			c.info.Flags |= FlagEOS
			ic.log.Debug().Str("conn", c.String()).Msg("end of stream queued")
		}
		ic.sendAck(c, FlagCAPACITY|FlagACK|c.info.Flags, c.info.Seq-1, c.info.ExtraSeq)
	} else {
		ic.log.Debug().Uint32("seq", pkt.Seq).Int("pos", pos).Uint32("head_seq", headSeq).
			Str("conn", c.String()).Msg("out-of-order packet")
		ic.stats.DisorderedPktNum++
		ic.sendDisorderAck(c, pos, pkt)
	}

	w := &ic.rx
	if w.waiting && w.waitingNode == pkt.MotNodeID && w.waitingICID == pkt.ICID && toWakeup {
		if w.waitingRoute == AnyRoute {
			if w.reachRoute == noRoute {
				w.reachRoute = c.route
			}
		} else if w.waitingRoute == c.route {
			w.reachRoute = c.route
		}
		wake = true
	}
	return true, wake
}

// sendDisorderAck reports the holes between the queue tail and pos.
// Caller must hold ic.mu.
func (ic *Interconnect) sendDisorderAck(c *motionConn, pos int, pkt *PacketHeader) {
	capacity := len(c.pktQ)
	lost := make([]uint32, 0, MaxSeqsInDisorderAck)
	tailSeq := c.info.Seq
	for start := c.tail; start != pos && len(lost) < MaxSeqsInDisorderAck; start = (start + 1) % capacity {
		if c.pktQ[start] == nilHandle {
			lost = append(lost, tailSeq)
		}
		tailSeq++
	}

	hdr := c.info
	hdr.Flags |= FlagDISORDER
	hdr.Seq = pkt.Seq
	hdr.ExtraSeq = c.info.Seq - 1
	ic.queueControl(hdr, encodeLostSeqs(nil, lost), c.peer)
}

// putRxBufferAndSendAck releases the queue head of c and acknowledges its
// consumption every second packet. Caller must hold ic.mu.
func (ic *Interconnect) putRxBufferAndSendAck(c *motionConn) {
	h := c.pktQ[c.head]
	if h == nilHandle {
		return
	}
	b := ic.rxPool.get(h)
	hdr, _ := UnmarshalHeader(b.data[:b.n])
	seq := hdr.Seq

	c.pktQ[c.head] = nilHandle
	c.head = (c.head + 1) % len(c.pktQ)
	c.size--
	c.chunkOff = 0
	ic.rxPool.release(h)

	c.info.ExtraSeq = seq
	if seq%2 == 0 || len(c.pktQ) == 1 {
		ic.sendAck(c, FlagACK|FlagCAPACITY|c.info.Flags, c.info.Seq-1, seq)
	}
}

// freeDisorderedPackets releases out-of-order packets left in c's ring.
// Caller must hold ic.mu.
func (ic *Interconnect) freeDisorderedPackets(c *motionConn) {
	for i, h := range c.pktQ {
		if h != nilHandle {
			ic.rxPool.release(h)
			c.pktQ[i] = nilHandle
		}
	}
}

// readQueuedChunk returns the next chunk of the packet at c's queue head.
// When the packet is exhausted it is released; if it carried EOS the
// connection becomes inactive. ok is false when the packet held no more
// chunks. Caller must hold ic.mu and ensure the head slot is filled.
func (ic *Interconnect) readQueuedChunk(c *motionConn) (chunk []byte, ok bool) {
	b := ic.rxPool.get(c.pktQ[c.head])
	payload := b.data[HeaderSize:b.n]
	hdr, _ := UnmarshalHeader(b.data[:b.n])

	data, next, found := nextChunk(payload, c.chunkOff)
	if found {
		chunk = make([]byte, len(data))
		copy(chunk, data)
		c.chunkOff = next
	}
	if _, _, more := nextChunk(payload, c.chunkOff); !more {
		ic.putRxBufferAndSendAck(c)
		if hdr.Flags&FlagEOS != 0 {
			c.stillActive = false
			ic.log.Debug().Str("conn", c.String()).Msg("end of stream consumed")
		}
	}
	return chunk, found
}

// RecvChunk blocks until the next chunk from route of motion node motNodeID
// is available. It returns io.EOF once the route's stream has ended.
func (ic *Interconnect) RecvChunk(ctx context.Context, motNodeID int32, route int) ([]byte, error) {
	if err := ic.checkInterrupts(ctx); err != nil {
		return nil, err
	}
	ic.mu.Lock()
	e, err := ic.recvEntry(motNodeID)
	if err != nil {
		ic.mu.Unlock()
		return nil, err
	}
	if route < 0 || route >= len(e.conns) {
		ic.mu.Unlock()
		return nil, fmt.Errorf("route %d out of range for motion node %d", route, motNodeID)
	}
	c := e.conns[route]

	for {
		if !c.stillActive {
			ic.unlockAndFlush()
			return nil, io.EOF
		}
		ic.stats.TotalRecvQueueSize += uint64(c.size)
		ic.stats.RecvQueueSizeCountingTime++

		if c.pktQ[c.head] != nilHandle {
			chunk, ok := ic.readQueuedChunk(c)
			if ok {
				ic.unlockAndFlush()
				return chunk, nil
			}
			continue
		}
		if err := ic.waitForData(ctx, e, route); err != nil {
			ic.unlockAndFlush()
			return nil, err
		}
	}
}

// RecvChunkFromAny blocks until a chunk from any route of motion node
// motNodeID is available and returns it with its route. It returns io.EOF
// when every route's stream has ended.
func (ic *Interconnect) RecvChunkFromAny(ctx context.Context, motNodeID int32) (int, []byte, error) {
	if err := ic.checkInterrupts(ctx); err != nil {
		return noRoute, nil, err
	}
	ic.mu.Lock()
	e, err := ic.recvEntry(motNodeID)
	if err != nil {
		ic.mu.Unlock()
		return noRoute, nil, err
	}

	for {
		activeCount := 0
		found := -1
		n := len(e.conns)
		for i, idx := 0, e.scanStart; i < n; i, idx = i+1, idx+1 {
			if idx >= n {
				idx = 0
			}
			c := e.conns[idx]
			if c.stillActive {
				activeCount++
			}
			ic.stats.TotalRecvQueueSize += uint64(c.size)
			ic.stats.RecvQueueSizeCountingTime++
			if c.stillActive && c.size > 0 {
				found = idx
				break
			}
		}

		if found >= 0 {
			c := e.conns[found]
			chunk, ok := ic.readQueuedChunk(c)
			e.scanStart = found + 1
			if ok {
				ic.unlockAndFlush()
				return found, chunk, nil
			}
			continue
		}
		if activeCount == 0 {
			ic.unlockAndFlush()
			return noRoute, nil, io.EOF
		}
		if err := ic.waitForData(ctx, e, AnyRoute); err != nil {
			ic.unlockAndFlush()
			return noRoute, nil, err
		}
	}
}

// waitForData blocks until the worker reports data for route (or any route)
// of e. Periodic wakeups check background errors, cancellation and liveness.
// Caller must hold ic.mu; it is held again on return.
func (ic *Interconnect) waitForData(ctx context.Context, e *motionEntry, route int) error {
	w := &ic.rx
	w.waiting = true
	w.waitingNode = e.node.ID
	w.waitingRoute = route
	w.waitingICID = ic.icID
	w.reachRoute = noRoute
	defer ic.resetWaiting()

	retries := 0
	for {
		if w.reachRoute != noRoute {
			e.aggregate()
			return nil
		}
		e.aggregate()
		retries++

		ic.drainWake()
		ic.waitUnlocked(ctx, ic.cfg.WaitTimeout)

		if err := ic.checkRxError(); err != nil {
			return err
		}
		if err := ic.checkInterrupts(ctx); err != nil {
			return err
		}
		if retries&0x3f == 0 {
			if err := ic.checkLiveness("recv chunks"); err != nil {
				return err
			}
		}
	}
}

// resetWaiting clears the waiting state. Caller must hold ic.mu.
func (ic *Interconnect) resetWaiting() {
	ic.rx.waiting = false
	ic.rx.waitingNode = -1
	ic.rx.waitingRoute = noRoute
	ic.rx.reachRoute = noRoute
}

// RequestStop tells every still active sender of motion node motNodeID that
// no more input is needed.
func (ic *Interconnect) RequestStop(motNodeID int32) {
	ic.mu.Lock()
	e, err := ic.recvEntry(motNodeID)
	if err != nil {
		ic.mu.Unlock()
		return
	}
	ic.log.Debug().Int32("node", motNodeID).Msg("needs no more input, notifying senders to stop")

	for _, c := range e.conns {
		if !c.stillActive {
			continue
		}
		if c.info.Flags&FlagEOS != 0 {
			// The EOS packet is already queued and acked; nothing left to stop.
			c.stillActive = false
			for c.size > 0 {
				ic.putRxBufferAndSendAck(c)
			}
			continue
		}
		c.stopRequested = true
		c.info.Flags |= FlagSTOP
		if c.peer != nil {
			var seq uint32
			if c.info.Seq > 0 {
				seq = c.info.Seq - 1
			}
			ic.sendAck(c, FlagSTOP|FlagACK|FlagCAPACITY|c.info.Flags, seq, seq)
		}
	}
	ic.unlockAndFlush()
}
