package interconnect

import (
	"context"
	"fmt"
	"time"
)

// getSndBuffer takes a free send buffer for c. Under capacity flow control a
// connection may not hold more than SndQueueDepth queued and unacked buffers.
// Caller must hold ic.mu.
func (ic *Interconnect) getSndBuffer(c *motionConn) (bufHandle, bool) {
	if ic.cfg.FlowControl == FlowControlCapacity &&
		c.unackQueue.len()+c.sndQueue.len() >= ic.cfg.SndQueueDepth {
		return nilHandle, false
	}
	h, ok := ic.sndPool.acquire(locCurrent)
	if !ok {
		return nilHandle, false
	}
	ic.sndPool.get(h).conn = c
	return h, true
}

// prepareXmit stamps the header of c's current buffer and consumes a
// sequence number. Caller must hold ic.mu.
func (ic *Interconnect) prepareXmit(c *motionConn) {
	b := ic.sndPool.get(c.curBuf)
	hdr := c.info
	hdr.Len = uint32(c.msgSize)
	hdr.CRC = 0
	_ = hdr.MarshalTo(b.data)
	b.n = c.msgSize
	b.seq = hdr.Seq
	c.info.Seq++
	if ic.cfg.FullCRC {
		addCRC(b.data[:b.n])
	}
}

// queueCurrentBuffer moves c's current buffer to the send queue and tries to
// transmit. Caller must hold ic.mu.
func (ic *Interconnect) queueCurrentBuffer(c *motionConn) {
	ic.stats.TotalCapacity += uint64(max(c.capacity, 0))
	ic.stats.CapacityCountingTime++
	ic.stats.TotalBuffers += uint64(ic.sndPool.freeCount() + ic.sndPool.maxCount - ic.sndPool.count)
	ic.stats.BufferCountingTime++

	ic.prepareXmit(c)
	ic.sndPool.get(c.curBuf).loc = locSendQueue
	c.sndQueue.pushBack(ic.sndPool, c.curBuf)
	c.curBuf = nilHandle
	c.msgSize = 0
	ic.sendBuffers(c)
}

// sendBuffers transmits queued buffers of c while the receiver has capacity
// and the congestion window allows. Caller must hold ic.mu.
func (ic *Interconnect) sendBuffers(c *motionConn) {
	loss := ic.cfg.FlowControl == FlowControlLoss
	for c.capacity > 0 && c.sndQueue.len() > 0 {
		if loss && c.unackQueue.len() > 0 &&
			float64(ic.wheel.numSharedOutstanding) >= ic.snd.cwnd-ic.snd.minCwnd {
			break
		}
		// Only one packet in flight until the receiver confirms the connection.
		if c.state == StateSettingUp && c.unackQueue.len() > 0 {
			break
		}

		h := c.sndQueue.popFront(ic.sndPool)
		b := ic.sndPool.get(h)
		now := ic.clock.Now()
		b.sentTime = now
		b.nRetry = 0
		b.loc = locUnack
		c.capacity--

		if loss {
			if c.unackQueue.len() >= 1 {
				ic.wheel.numSharedOutstanding++
			}
			ic.wheel.numOutstanding++
			ic.wheel.schedule(ic.sndPool, h, ic.computeExpirationPeriod(c, 0), now)
		}
		c.unackQueue.pushBack(ic.sndPool, h)

		ic.sendOnce(c, h)
		ic.stats.SndPktNum++
		c.sentSeq = b.seq
	}
}

// retransmit resends unacked buffer h of c and reschedules it.
// Caller must hold ic.mu.
func (ic *Interconnect) retransmit(c *motionConn, h bufHandle) {
	b := ic.sndPool.get(h)
	b.nRetry++
	if ic.cfg.FlowControl == FlowControlLoss {
		ic.wheel.cancel(ic.sndPool, h)
		ic.wheel.schedule(ic.sndPool, h, ic.computeExpirationPeriod(c, b.nRetry), ic.clock.Now())
	}
	ic.sendOnce(c, h)
	ic.stats.Retransmits++
	c.stats.countResent++
	c.stats.maxResent = max(c.stats.maxResent, uint64(b.nRetry))
}

// unlinkUnacked removes h from c's unack queue and from the wheel.
// Caller must hold ic.mu.
func (ic *Interconnect) unlinkUnacked(c *motionConn, h bufHandle) {
	c.unackQueue.remove(ic.sndPool, h)
	if ic.cfg.FlowControl == FlowControlLoss {
		ic.wheel.cancel(ic.sndPool, h)
		ic.wheel.numOutstanding--
		if c.unackQueue.len() >= 1 {
			ic.wheel.numSharedOutstanding--
		}
	}
}

// handleAckedPacket retires acknowledged buffer h. Caller must hold ic.mu.
func (ic *Interconnect) handleAckedPacket(c *motionConn, h bufHandle, now time.Duration) {
	b := ic.sndPool.get(h)
	wasHead := c.unackQueue.front() == h
	ic.unlinkUnacked(c, h)

	ackTime := now - b.sentTime
	if ic.cfg.FlowControl == FlowControlLoss && b.nRetry == 0 {
		c.updateRTT(ackTime)
		ic.snd.onFirstAck(ic.sndPool.maxCount)
	}

	c.stats.totalAckTime += ackTime
	c.stats.maxAckTime = max(c.stats.maxAckTime, ackTime)
	if c.stats.minAckTime == 0 || ackTime < c.stats.minAckTime {
		c.stats.minAckTime = ackTime
	}

	if wasHead {
		c.receivedAckSeq = b.seq
	}
	if b.seq == 1 && c.state == StateSettingUp {
		c.state = StateStarted
	}
	ic.sndPool.release(h)
}

// handleAck applies one control packet to sender connection c. It reports
// whether the packet carried a stop request not seen before.
// Caller must hold ic.mu.
func (ic *Interconnect) handleAck(c *motionConn, pkt *PacketHeader, datagram []byte) (stopSeen bool) {
	now := ic.clock.Now()
	ic.stats.RecvAckNum++
	c.stats.countAcks++
	c.deadlockCheckBeginTime = now

	if pkt.Flags&FlagNAK != 0 {
		return false
	}

	shouldSend := false
	defer func() {
		if shouldSend {
			ic.sendBuffers(c)
		}
	}()

	switch {
	case pkt.Flags&FlagCAPACITY != 0:
		if pkt.ExtraSeq > c.consumedSeq {
			c.capacity += int(pkt.ExtraSeq - c.consumedSeq)
			c.consumedSeq = pkt.ExtraSeq
			shouldSend = true
		}
	case pkt.Flags&FlagDUPLICATE != 0:
		shouldSend = ic.handleAckForDuplicatePkt(c, pkt, now)
		return false
	case pkt.Flags&FlagDISORDER != 0:
		shouldSend = ic.handleAckForDisorderPkt(c, pkt, decodeLostSeqs(datagram), now)
		return false
	}

	if pkt.Seq < c.receivedAckSeq {
		return false
	}

	if pkt.Flags&FlagSTOP != 0 && !c.stopRequested && c.stillActive {
		ic.log.Debug().Str("conn", c.String()).Uint32("seq", pkt.Seq).Msg("stop requested by receiver")
		c.stopRequested = true
		c.info.Flags |= FlagSTOP
		stopSeen = true
	}

	if pkt.Seq == c.receivedAckSeq {
		return stopSeen
	}

	if pkt.Flags&FlagACK != 0 {
		for h := c.unackQueue.front(); h != nilHandle; h = c.unackQueue.front() {
			if ic.sndPool.get(h).seq > pkt.Seq {
				break
			}
			ic.handleAckedPacket(c, h, now)
			shouldSend = true
		}
	}
	return stopSeen
}

// handleAckForDuplicatePkt processes a report that the receiver already has
// pkt.Seq: everything up to pkt.ExtraSeq plus pkt.Seq itself is delivered.
// Caller must hold ic.mu.
func (ic *Interconnect) handleAckForDuplicatePkt(c *motionConn, pkt *PacketHeader, now time.Duration) bool {
	if pkt.Seq <= pkt.ExtraSeq {
		ic.log.Debug().Uint32("seq", pkt.Seq).Uint32("extra_seq", pkt.ExtraSeq).
			Str("conn", c.String()).Msg("invalid duplicate ack")
		return false
	}

	shouldSend := false
	for h := c.unackQueue.front(); h != nilHandle; h = c.unackQueue.front() {
		if ic.sndPool.get(h).seq > pkt.ExtraSeq {
			break
		}
		ic.handleAckedPacket(c, h, now)
		shouldSend = true
	}
	for h := c.unackQueue.front(); h != nilHandle; h = c.unackQueue.next(ic.sndPool, h) {
		if ic.sndPool.get(h).seq == pkt.Seq {
			ic.handleAckedPacket(c, h, now)
			shouldSend = true
			break
		}
	}
	return shouldSend
}

// handleAckForDisorderPkt processes a report of missing sequence numbers.
// Reordering in the network produces the same reports as loss, so action is
// taken only on the third report naming the same cumulative ack.
// Caller must hold ic.mu.
func (ic *Interconnect) handleAckForDisorderPkt(c *motionConn, pkt *PacketHeader, lost []uint32, now time.Duration) bool {
	if pkt.ExtraSeq != ic.snd.disorderLastSeq {
		ic.snd.disorderLastSeq = pkt.ExtraSeq
		ic.snd.disorderTimes = 0
		return false
	}
	ic.snd.disorderTimes++
	if ic.snd.disorderTimes != 2 {
		return false
	}

	shouldSend := false
	i := 0
	h := c.unackQueue.front()
	for h != nilHandle && i < len(lost) {
		b := ic.sndPool.get(h)
		if b.seq > pkt.Seq {
			break
		}
		next := c.unackQueue.next(ic.sndPool, h)
		switch {
		case b.seq == pkt.Seq:
			ic.handleAckedPacket(c, h, now)
			shouldSend = true
			next = nilHandle
		case b.seq == lost[i]:
			ic.log.Debug().Uint32("seq", b.seq).Str("conn", c.String()).Msg("resending lost packet")
			ic.retransmit(c, h)
			i++
		case b.seq < lost[i]:
			ic.handleAckedPacket(c, h, now)
			shouldSend = true
		default:
			i++
			next = h
		}
		h = next
	}

	if ic.cfg.FlowControl == FlowControlLoss {
		ic.snd.onDisorder()
	}
	return shouldSend
}

// returnSendBuffers releases every queued and unacked buffer of c.
// Caller must hold ic.mu.
func (ic *Interconnect) returnSendBuffers(c *motionConn) {
	for h := c.sndQueue.popFront(ic.sndPool); h != nilHandle; h = c.sndQueue.popFront(ic.sndPool) {
		ic.sndPool.release(h)
	}
	for h := c.unackQueue.front(); h != nilHandle; h = c.unackQueue.front() {
		ic.unlinkUnacked(c, h)
		ic.sndPool.release(h)
	}
}

// handleStopMsgs ends every connection whose receiver asked to stop: a
// header-only EOS is sent once and all pending data is dropped.
// Caller must hold ic.mu.
func (ic *Interconnect) handleStopMsgs(e *motionEntry) {
	ic.snd.stopsPending = false
	for _, c := range e.conns {
		if !c.stillActive || !c.stopRequested {
			continue
		}
		ic.log.Debug().Str("conn", c.String()).Msg("handling stop request")

		if c.curBuf != nilHandle {
			ic.sndPool.release(c.curBuf)
			c.curBuf = nilHandle
		}
		c.msgSize = 0
		c.info.Flags |= FlagEOS
		hdr := c.info
		c.info.Seq++
		ic.queueControl(hdr, nil, c.peer)

		ic.returnSendBuffers(c)
		c.state = StateEosSent
		c.stillActive = false
		c.stopRequested = false
	}
}

// checkNetworkTimeout fails the query when buffer b has been retried for too
// long and warns once per setup when it has been retried many times.
// Caller must hold ic.mu.
func (ic *Interconnect) checkNetworkTimeout(c *motionConn, b *icBuffer, now time.Duration) error {
	if b.nRetry > ic.cfg.MinRetriesBeforeTimeout && now-b.sentTime > ic.cfg.TransmitTimeout {
		return ic.newInterconnectError("interconnect encountered a network error, please check your network",
			"Failed to send packet (seq %d) to %s (pid %d cid %d) after %d retries in %v",
			b.seq, c.remoteAddr(), c.info.DstPid, c.info.DstContentID, b.nRetry, now-b.sentTime)
	}
	if b.nRetry >= ic.cfg.MinRetriesBeforeTimeout && !ic.networkTimeoutIsLogged {
		ic.log.Warn().Uint32("seq", b.seq).Uint32("retries", b.nRetry).Str("peer", c.remoteAddr()).
			Int32("pid", c.info.DstPid).Int32("cid", c.info.DstContentID).
			Msg("interconnect may encountered a network error")
		ic.networkTimeoutIsLogged = true
	}
	if ic.cfg.DebugRetryInterval > 0 && b.nRetry > 0 && b.nRetry%ic.cfg.DebugRetryInterval == 0 {
		ic.log.Info().Uint32("seq", b.seq).Uint32("retries", b.nRetry).Str("peer", c.remoteAddr()).
			Msg("resending packet")
	}
	return nil
}

// checkExpiration resends every packet whose timer has passed. Any resend
// counts as a loss signal for the shared window. Caller must hold ic.mu.
func (ic *Interconnect) checkExpiration() error {
	now := ic.clock.Now()
	count, err := ic.wheel.advance(ic.sndPool, now, func(h bufHandle) error {
		b := ic.sndPool.get(h)
		c := b.conn
		if err := ic.checkNetworkTimeout(c, b, now); err != nil {
			return err
		}
		ic.retransmit(c, h)
		return nil
	})
	ic.lastExpirationCheckTime = now
	if count > 0 {
		ic.snd.onTimerLoss()
	}
	return err
}

// checkExpirationCapacityFC resends the oldest unacked packet of c when
// nothing has been sent for timeout. A zero timeout only polls.
// Caller must hold ic.mu.
func (ic *Interconnect) checkExpirationCapacityFC(c *motionConn, timeout time.Duration) error {
	h := c.unackQueue.front()
	if h == nilHandle || timeout <= 0 {
		return nil
	}
	now := ic.clock.Now()
	if now-ic.lastPacketSendTime < timeout {
		return nil
	}
	b := ic.sndPool.get(h)
	if err := ic.checkNetworkTimeout(c, b, now); err != nil {
		return err
	}
	ic.retransmit(c, h)
	return nil
}

// checkDeadlock asks the receiver for its status when c has data queued but
// no capacity and has heard nothing for a while. Caller must hold ic.mu.
func (ic *Interconnect) checkDeadlock(c *motionConn) error {
	if c.unackQueue.len() != 0 || c.capacity != 0 || c.sndQueue.len() == 0 {
		return nil
	}
	now := ic.clock.Now()
	if now-ic.lastDeadlockCheckTime <= ic.cfg.DeadlockCheckTime ||
		now-c.deadlockCheckBeginTime <= ic.cfg.DeadlockCheckTime {
		return nil
	}

	hdr := c.info
	hdr.Flags = c.info.Flags | FlagCAPACITY
	hdr.Seq = c.info.Seq - 1
	ic.queueControl(hdr, nil, c.peer)
	ic.stats.StatusQueryMsgNum++
	ic.lastDeadlockCheckTime = now
	ic.log.Debug().Str("conn", c.String()).Msg("sent status query")

	if elapsed := now - c.deadlockCheckBeginTime; elapsed > ic.cfg.TransmitTimeout {
		return ic.newInterconnectError("interconnect encountered a network error, please check your network",
			"Did not get any response from %s (pid %d cid %d) in %v",
			c.remoteAddr(), c.info.DstPid, c.info.DstContentID, elapsed)
	}
	return nil
}

// checkExceptions runs the periodic checks of a sender blocked on c.
// Caller must hold ic.mu.
func (ic *Interconnect) checkExceptions(ctx context.Context, c *motionConn, retry int, timeout time.Duration) error {
	if ic.cfg.FlowControl == FlowControlCapacity {
		if err := ic.checkExpirationCapacityFC(c, timeout); err != nil {
			return err
		}
	} else if ic.clock.Now()-ic.lastExpirationCheckTime > ic.cfg.TimerCheckPeriod {
		if err := ic.checkExpiration(); err != nil {
			return err
		}
	}

	if retry&0x3 == 2 {
		if err := ic.checkDeadlock(c); err != nil {
			return err
		}
		if err := ic.checkRxError(); err != nil {
			return err
		}
		if err := ic.checkInterrupts(ctx); err != nil {
			return err
		}
	}
	if retry&0x3f == 2 {
		if err := ic.checkLiveness("send data"); err != nil {
			return err
		}
	}
	return nil
}

// flushAndGetBuffer queues c's full current buffer and blocks until a new
// one is available or the receiver stops the connection.
// Caller must hold ic.mu; it is held again on return.
func (ic *Interconnect) flushAndGetBuffer(ctx context.Context, e *motionEntry, c *motionConn) error {
	ic.queueCurrentBuffer(c)
	if err := ic.checkExceptions(ctx, c, 0, 0); err != nil {
		return err
	}
	if ic.cfg.FlowControl == FlowControlLoss &&
		ic.clock.Now()-ic.lastExpirationCheckTime > ic.cfg.MaxTimeNoTimerChecking {
		if err := ic.checkExpiration(); err != nil {
			return err
		}
	}
	return ic.waitForSndBuffer(ctx, e, c)
}

// waitForSndBuffer blocks until c has a current buffer or is no longer
// active. On error c is left without a current buffer and the next send
// waits again. Caller must hold ic.mu; it is held again on return.
func (ic *Interconnect) waitForSndBuffer(ctx context.Context, e *motionEntry, c *motionConn) error {
	for retry := 0; ; {
		if ic.snd.stopsPending {
			ic.handleStopMsgs(e)
		}
		if !c.stillActive || c.curBuf != nilHandle {
			return nil
		}
		if h, ok := ic.getSndBuffer(c); ok {
			c.curBuf = h
			c.msgSize = HeaderSize
			return nil
		}

		timeout := ic.computeTimeout(c, retry)
		ic.drainWake()
		ic.waitUnlocked(ctx, timeout)
		retry++
		if err := ic.checkExceptions(ctx, c, retry, timeout); err != nil {
			return err
		}
	}
}

// appendChunkLocked frames chunk into c's current buffer, flushing first when
// it does not fit. Caller must hold ic.mu; it is held again on return.
func (ic *Interconnect) appendChunkLocked(ctx context.Context, e *motionEntry, c *motionConn, chunk []byte) error {
	if c.curBuf == nilHandle {
		if err := ic.waitForSndBuffer(ctx, e, c); err != nil {
			return err
		}
	} else if c.msgSize+chunkPrefixSize+len(chunk) > ic.cfg.MaxPacketSize {
		if err := ic.flushAndGetBuffer(ctx, e, c); err != nil {
			return err
		}
	}
	if !c.stillActive {
		return nil
	}
	b := ic.sndPool.get(c.curBuf)
	framed := appendChunk(b.data[:c.msgSize], chunk)
	c.msgSize = len(framed)
	return nil
}

// sendConn returns the connection of route on the sending motion node.
// Caller must hold ic.mu.
func (ic *Interconnect) sendConn(motNodeID int32, route int) (*motionEntry, *motionConn, error) {
	e, err := ic.sendingEntry(motNodeID)
	if err != nil {
		return nil, nil, err
	}
	if route < 0 || route >= len(e.conns) {
		return nil, nil, fmt.Errorf("route %d out of range for motion node %d", route, motNodeID)
	}
	return e, e.conns[route], nil
}

// SendChunk queues chunk for route of motion node motNodeID. It blocks while
// the connection has no free send buffer. Chunks sent to a receiver that
// asked to stop are discarded.
func (ic *Interconnect) SendChunk(ctx context.Context, motNodeID int32, route int, chunk []byte) error {
	if err := ic.checkInterrupts(ctx); err != nil {
		return err
	}
	if len(chunk)+chunkPrefixSize > ic.cfg.MaxPacketSize-HeaderSize {
		return fmt.Errorf("chunk of %d bytes exceeds packet size %d", len(chunk), ic.cfg.MaxPacketSize)
	}

	ic.mu.Lock()
	e, c, err := ic.sendConn(motNodeID, route)
	if err != nil {
		ic.mu.Unlock()
		return err
	}
	if ic.snd.stopsPending {
		ic.handleStopMsgs(e)
	}
	if !c.stillActive {
		ic.unlockAndFlush()
		return nil
	}
	err = ic.appendChunkLocked(ctx, e, c, chunk)
	ic.unlockAndFlush()
	return err
}

// SendEndOfStream sends chunk, if any, followed by an end of stream marker
// on every route of motion node motNodeID, and blocks until every receiver
// has acknowledged everything or stopped.
func (ic *Interconnect) SendEndOfStream(ctx context.Context, motNodeID int32, chunk []byte) error {
	if err := ic.checkInterrupts(ctx); err != nil {
		return err
	}
	ic.mu.Lock()
	e, err := ic.sendingEntry(motNodeID)
	if err != nil {
		ic.mu.Unlock()
		return err
	}
	if ic.snd.stopsPending {
		ic.handleStopMsgs(e)
	}

	for _, c := range e.conns {
		if !c.stillActive {
			continue
		}
		if chunk != nil {
			if err := ic.appendChunkLocked(ctx, e, c, chunk); err != nil {
				ic.unlockAndFlush()
				return err
			}
			if !c.stillActive {
				continue
			}
		}
		// An earlier cancelled send may have left c without a buffer.
		if err := ic.waitForSndBuffer(ctx, e, c); err != nil {
			ic.unlockAndFlush()
			return err
		}
		if !c.stillActive {
			continue
		}
		c.info.Flags |= FlagEOS
		ic.queueCurrentBuffer(c)
	}

	for activeCount := len(e.conns); activeCount > 0; {
		activeCount = 0
		for _, c := range e.conns {
			if !c.stillActive {
				continue
			}
			for retry := 0; c.stillActive && (c.unackQueue.len() > 0 || c.sndQueue.len() > 0); {
				if ic.snd.stopsPending {
					ic.handleStopMsgs(e)
					continue
				}
				timeout := ic.computeTimeout(c, retry)
				ic.drainWake()
				ic.waitUnlocked(ctx, timeout)
				if err := ic.checkExceptions(ctx, c, retry, timeout); err != nil {
					ic.unlockAndFlush()
					return err
				}
				retry++
				if retry >= maxTry {
					break
				}
			}
			if !c.stillActive {
				continue
			}
			if c.unackQueue.len() == 0 && c.sndQueue.len() == 0 {
				c.state = StateEosSent
				c.stillActive = false
			} else {
				activeCount++
			}
		}
	}
	ic.log.Debug().Int32("node", motNodeID).Msg("end of stream delivered")
	ic.unlockAndFlush()
	return nil
}
