package interconnect

import "net"

// cacheEntry holds early packets of one not yet created connection.
// Slot i holds the packet with seq i+1.
type cacheEntry struct {
	info PacketHeader
	peer net.Addr
	pkts []bufHandle
}

// startupCache keeps packets that arrive before their connection exists.
type startupCache struct {
	table *identityTable[*cacheEntry]
}

func newStartupCache(size int) *startupCache {
	return &startupCache{
		table: newIdentityTable(size, func(e *cacheEntry) *PacketHeader { return &e.info }),
	}
}

// cacheFuturePacket stores rx buffer h for a connection that does not exist
// yet. It reports whether the buffer was taken. Caller must hold ic.mu.
func (ic *Interconnect) cacheFuturePacket(hdr *PacketHeader, h bufHandle, from net.Addr) bool {
	depth := ic.cfg.QueueDepth
	e, ok := ic.startupCache.table.find(hdr, nil)
	if !ok {
		e = &cacheEntry{
			info: *hdr,
			peer: from,
			pkts: make([]bufHandle, depth),
		}
		for i := range e.pkts {
			e.pkts[i] = nilHandle
		}
		ic.startupCache.table.add(e)
	}

	if hdr.Seq == 0 || hdr.Seq > uint32(depth) || e.pkts[hdr.Seq-1] != nilHandle {
		return false
	}
	e.pkts[hdr.Seq-1] = h
	ic.rxPool.get(h).loc = locCache
	ic.rxPool.maxCount++
	ic.stats.StartupCachedPktNum++
	ic.log.Debug().Uint32("seq", hdr.Seq).Uint32("ic_id", hdr.ICID).Msg("cached early packet")
	return true
}

// handleCachedPackets replays cached packets into the connections created by
// the current setup. Caller must hold ic.mu.
func (ic *Interconnect) handleCachedPackets() {
	var entries []*cacheEntry
	ic.startupCache.table.each(func(e *cacheEntry) { entries = append(entries, e) })

	for _, e := range entries {
		for i, h := range e.pkts {
			if h == nilHandle {
				continue
			}
			e.pkts[i] = nilHandle
			ic.rxPool.maxCount--

			b := ic.rxPool.get(h)
			hdr, _ := UnmarshalHeader(b.data[:b.n])
			conn := ic.conns.find(&hdr)
			if conn == nil {
				ic.rxPool.release(h)
				continue
			}
			b.loc = locSocket
			if consumed, _ := ic.handleDataPacket(conn, &hdr, h, e.peer); !consumed {
				ic.rxPool.release(h)
			}
			ic.stats.RecvPktNum++
		}
		ic.startupCache.table.remove(e)
	}
}

// cleanupStartupCache drops every cached packet. Caller must hold ic.mu.
func (ic *Interconnect) cleanupStartupCache() {
	var entries []*cacheEntry
	ic.startupCache.table.each(func(e *cacheEntry) { entries = append(entries, e) })

	for _, e := range entries {
		for i, h := range e.pkts {
			if h == nilHandle {
				continue
			}
			ic.rxPool.maxCount--
			ic.rxPool.release(h)
			e.pkts[i] = nilHandle
		}
		ic.startupCache.table.remove(e)
	}
}

// cachedPacketCount returns the number of buffered early packets.
func (ic *Interconnect) cachedPacketCount() int {
	n := 0
	ic.startupCache.table.each(func(e *cacheEntry) {
		for _, h := range e.pkts {
			if h != nilHandle {
				n++
			}
		}
	})
	return n
}
