package interconnect

import (
	"fmt"
	"time"
)

// Round trip estimates learned by one instance seed the sender connections
// of the next instance to the same peer.

// rttDampening scales cached values before they seed a new connection.
const rttDampening = 0.75

// rttEntry holds the estimate for a single peer process.
type rttEntry struct {
	rtt         time.Duration
	dev         time.Duration
	lastUpdate  time.Duration
	sampleCount int
}

// rttCache maps peer processes to their last round trip estimates.
// Caller must hold ic.mu for every access.
type rttCache struct {
	ttl     time.Duration
	entries map[string]*rttEntry
}

func newRTTCache(ttl time.Duration) *rttCache {
	return &rttCache{ttl: ttl, entries: make(map[string]*rttEntry)}
}

// rttKey identifies the remote process of sender connection c.
func rttKey(c *motionConn) string {
	return fmt.Sprintf("%d/%d@%s", c.info.DstContentID, c.info.DstPid, c.remoteAddr())
}

// get returns the dampened estimate for c's peer.
func (rc *rttCache) get(c *motionConn, now time.Duration) (rtt, dev time.Duration, ok bool) {
	if rc == nil {
		return 0, 0, false
	}
	key := rttKey(c)
	e, found := rc.entries[key]
	if !found {
		return 0, 0, false
	}
	if now-e.lastUpdate > rc.ttl {
		delete(rc.entries, key)
		return 0, 0, false
	}
	rtt = max(time.Duration(float64(e.rtt)*rttDampening), minRTT)
	dev = time.Duration(float64(e.dev) * rttDampening)
	return rtt, dev, true
}

// put folds c's final estimate into the cache with equal weight to the
// previous value.
func (rc *rttCache) put(c *motionConn, now time.Duration) {
	if rc == nil || c.stats.countAcks == 0 {
		return
	}
	key := rttKey(c)
	e, found := rc.entries[key]
	if !found {
		rc.entries[key] = &rttEntry{rtt: c.rtt, dev: c.dev, lastUpdate: now, sampleCount: 1}
		return
	}
	e.rtt = (e.rtt + c.rtt) / 2
	e.dev = (e.dev + c.dev) / 2
	e.lastUpdate = now
	e.sampleCount++
}

// len returns the number of cached peers.
func (rc *rttCache) len() int {
	if rc == nil {
		return 0
	}
	return len(rc.entries)
}
