package interconnect

// Teardown releases every connection of the current instance. It is safe to
// call when nothing is set up. Queued input is acknowledged as consumed so
// senders of the instance can finish.
func (ic *Interconnect) Teardown(hadErrors bool) {
	ic.mu.Lock()
	if !ic.activated {
		ic.mu.Unlock()
		return
	}
	ic.log.Debug().Uint32("ic_id", ic.icID).Bool("had_errors", hadErrors).Msg("tearing down interconnect")
	ic.teardownLocked(hadErrors)
	ic.activated = false
	ic.unlockAndFlush()
	ic.rxErr.reset()
}

// teardownLocked frees everything created by Setup. It also cleans up after a
// partial setup. Caller must hold ic.mu.
func (ic *Interconnect) teardownLocked(hadErrors bool) {
	ic.cleanupStartupCache()

	var rs rttSummary
	if e := ic.sendEntry; e != nil {
		now := ic.clock.Now()
		for _, c := range e.conns {
			if c == nil {
				continue
			}
			rs.add(c)
			ic.rtts.put(c, now)
			ic.returnSendBuffers(c)
			if c.curBuf != nilHandle {
				ic.sndPool.release(c.curBuf)
				c.curBuf = nilHandle
			}
			c.stillActive = false
			ic.conns.remove(c)
		}
		ic.sndPool.reset(ic.initialSndMaxCount())
		ic.wheel.reset()
		ic.sendEntry = nil
	}

	for _, e := range ic.recvEntries {
		for _, c := range e.conns {
			ic.rxPool.maxCount -= ic.cfg.QueueDepth
			ic.conns.remove(c)
			for c.size > 0 {
				ic.putRxBufferAndSendAck(c)
			}
			ic.freeDisorderedPackets(c)
			c.stillActive = false
		}
	}
	ic.recvEntries = nil
	ic.rxPool.shrink()

	if ic.cfg.Role == RoleDispatcher {
		ic.history.update(ic.icID, historyTornDown)
	} else {
		ic.rx.lastTornICID = ic.icID
	}

	if hadErrors {
		ic.trace.record("teardown ic=%d with errors", ic.icID)
	}
	ic.logStatistics(&rs)
	ic.resetStatistics()
	ic.resetWaiting()
	ic.topo = nil
}
