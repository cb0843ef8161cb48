package interconnect

import (
	"net"
	"time"
)

// rxWorker is the only reader of the transport. It validates each datagram
// and applies it to its connection under ic.mu, then wakes the foreground.
func (ic *Interconnect) rxWorker() {
	defer close(ic.exited)

	h := nilHandle
	defer func() {
		if h != nilHandle {
			ic.mu.Lock()
			ic.rxPool.release(h)
			ic.mu.Unlock()
		}
	}()

	for {
		select {
		case <-ic.done:
			return
		default:
		}

		ic.mu.Lock()
		if h == nilHandle {
			var ok bool
			if h, ok = ic.rxPool.acquire(locSocket); !ok {
				ic.log.Debug().Int("count", ic.rxPool.count).Msg("no receive buffer available")
				ic.mu.Unlock()
				ic.rxErr.set(rxErrNoMemory)
				if !ic.pause(ic.cfg.RxPollTimeout) {
					return
				}
				continue
			}
		}
		// The slab may move on acquire but the byte slice does not.
		data := ic.rxPool.get(h).data
		ic.mu.Unlock()

		_ = ic.tr.SetReadDeadline(time.Now().Add(ic.cfg.RxPollTimeout))
		n, from, err := ic.tr.ReadFrom(data)
		if err != nil {
			if isTimeout(err) || isTemporary(err) {
				continue
			}
			select {
			case <-ic.done:
				return
			default:
			}
			ic.rxErr.set(rxErrSocket)
			ic.log.Error().Err(err).Msg("receive worker read failed")
			if !ic.pause(ic.cfg.RxPollTimeout) {
				return
			}
			continue
		}

		hdr, derr := decodeDatagram(data, n, ic.cfg.FullCRC)
		if derr != datagramOK {
			ic.log.Debug().Int("bytes", n).Str("reason", derr.String()).Msg("dropped invalid datagram")
			if derr == datagramBadCRC {
				ic.mu.Lock()
				ic.stats.CRCErrors++
				ic.mu.Unlock()
			}
			continue
		}

		ic.mu.Lock()
		ic.rxPool.get(h).n = n
		ic.trace.recordPacket("rx", &hdr)
		consumed, wake := ic.dispatchPacket(&hdr, h, from)
		if consumed {
			h = nilHandle
		}
		ic.unlockAndFlush()
		if wake {
			ic.signalWake()
		}
	}
}

// pause sleeps for d and reports false when the worker must exit.
func (ic *Interconnect) pause(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ic.done:
		return false
	case <-t.C:
		return true
	}
}

// dispatchPacket routes a validated datagram held in rx buffer h. It reports
// whether h was kept and whether the foreground should be woken.
// Caller must hold ic.mu.
func (ic *Interconnect) dispatchPacket(hdr *PacketHeader, h bufHandle, from net.Addr) (consumed, wake bool) {
	if c := ic.conns.find(hdr); c != nil {
		if c.sender {
			b := ic.rxPool.get(h)
			if ic.handleAck(c, hdr, b.data[:b.n]) {
				ic.snd.stopsPending = true
			}
			wake = true
		} else {
			consumed, wake = ic.handleDataPacket(c, hdr, h, from)
		}
		ic.stats.RecvPktNum++
		return consumed, wake
	}

	// Control packets for connections we no longer have are dropped.
	if hdr.Flags&FlagReceiverToSender != 0 {
		return false, false
	}
	ic.stats.MismatchNum++
	return ic.handleMismatch(hdr, h, from), false
}

// handleMismatch classifies a data packet that matches no connection. A
// packet of a torn down instance is answered with a stop so its sender gives
// up; a packet of a future instance is cached. It reports whether h was
// cached. Caller must hold ic.mu.
func (ic *Interconnect) handleMismatch(hdr *PacketHeader, h bufHandle, from net.Addr) (cached bool) {
	if hdr.Seq == 0 || hdr.SessionID != ic.sessionID {
		ic.log.Debug().Uint32("seq", hdr.Seq).Int32("session", hdr.SessionID).
			Msg("dropped packet from another session")
		return false
	}

	needAck := false
	if ic.cfg.Role == RoleDispatcher {
		if e := ic.history.get(hdr.ICID); e != nil {
			needAck = e.status == historyTornDown
		} else if ic.cfg.CacheFuturePackets {
			return ic.cacheFuturePacket(hdr, h, from)
		}
	} else {
		if ic.icInstanceID >= hdr.ICID {
			// Instances newer than the last torn down one are still being set up.
			needAck = hdr.ICID <= ic.rx.lastTornICID
		} else if ic.cfg.CacheFuturePackets {
			return ic.cacheFuturePacket(hdr, h, from)
		}
	}

	if needAck {
		ack := *hdr
		ack.Flags = FlagSTOP | FlagACK | FlagCAPACITY | FlagReceiverToSender | hdr.Flags
		ack.Seq = hdr.Seq
		ack.ExtraSeq = hdr.Seq
		ic.log.Debug().Uint32("ic_id", hdr.ICID).Uint32("seq", hdr.Seq).Msg("stopping sender of a torn down instance")
		ic.queueControl(ack, nil, from)
	}
	return false
}
