package interconnect

import (
	"time"

	"github.com/rs/zerolog/log"
)

// bufHandle addresses a buffer inside one bufferPool arena.
type bufHandle int32

// nilHandle is the absent handle.
const nilHandle bufHandle = -1

// bufLocation records which component currently owns a buffer.
type bufLocation uint8

const (
	locFree bufLocation = iota
	locSocket
	locCurrent
	locSendQueue
	locUnack
	locRecvQueue
	locCache
	locUnused
)

func (l bufLocation) String() string {
	switch l {
	case locFree:
		return "free"
	case locSocket:
		return "socket"
	case locCurrent:
		return "current"
	case locSendQueue:
		return "send-queue"
	case locUnack:
		return "unack"
	case locRecvQueue:
		return "recv-queue"
	case locCache:
		return "cache"
	case locUnused:
		return "unused"
	default:
		return "unknown"
	}
}

// listLinks are the intrusive links of one list membership.
type listLinks struct {
	prev, next bufHandle
}

// icBuffer is one datagram buffer. A send buffer sits in at most one queue
// (send or unack) plus, under loss flow control, one time wheel slot.
type icBuffer struct {
	data []byte
	n    int

	loc  bufLocation
	conn *motionConn

	// sender bookkeeping
	seq      uint32
	sentTime time.Duration
	nRetry   uint32
	slot     int
	deadline time.Duration

	queue listLinks
	wheel listLinks
}

// bufferPool is a bounded arena of fixed-size datagram buffers.
//
// Design rationale:
//   - Buffers are addressed by handle, never by pointer, so a stale reference
//     cannot reach into another owner's memory
//   - Every buffer carries an ownership tag; releasing a free buffer is refused
//   - count never exceeds maxCount after allocation; maxCount may be lowered
//     below count, in which case shrink reclaims free buffers
type bufferPool struct {
	name     string
	size     int
	slab     []icBuffer
	free     []bufHandle
	unused   []bufHandle
	count    int
	maxCount int
}

func newBufferPool(name string, size, maxCount int) *bufferPool {
	return &bufferPool{name: name, size: size, maxCount: maxCount}
}

// get returns the buffer for h.
func (p *bufferPool) get(h bufHandle) *icBuffer {
	return &p.slab[h]
}

// acquire returns a buffer owned by loc, or false when the pool is exhausted.
// Exhaustion is backpressure, not an error.
func (p *bufferPool) acquire(loc bufLocation) (bufHandle, bool) {
	var h bufHandle
	switch {
	case len(p.free) > 0:
		h = p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
	case p.count < p.maxCount:
		if len(p.unused) > 0 {
			h = p.unused[len(p.unused)-1]
			p.unused = p.unused[:len(p.unused)-1]
		} else {
			p.slab = append(p.slab, icBuffer{})
			h = bufHandle(len(p.slab) - 1)
		}
		p.slab[h].data = make([]byte, p.size)
		p.count++
	default:
		return nilHandle, false
	}
	b := &p.slab[h]
	b.n = 0
	b.loc = loc
	b.conn = nil
	b.seq = 0
	b.sentTime = 0
	b.nRetry = 0
	b.slot = -1
	b.deadline = 0
	b.queue = listLinks{nilHandle, nilHandle}
	b.wheel = listLinks{nilHandle, nilHandle}
	return h, true
}

// release returns h to the free list.
func (p *bufferPool) release(h bufHandle) {
	if h == nilHandle {
		return
	}
	b := &p.slab[h]
	if b.loc == locFree || b.loc == locUnused {
		log.Error().Str("pool", p.name).Int32("handle", int32(h)).Str("loc", b.loc.String()).
			Msg("refusing double release of buffer")
		return
	}
	b.loc = locFree
	b.conn = nil
	p.free = append(p.free, h)
}

// shrink drops free buffers while count exceeds maxCount.
func (p *bufferPool) shrink() {
	for p.count > p.maxCount && len(p.free) > 0 {
		h := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		p.slab[h].data = nil
		p.slab[h].loc = locUnused
		p.unused = append(p.unused, h)
		p.count--
	}
}

// reset forgets every buffer. Callers must have returned all buffers first.
func (p *bufferPool) reset(maxCount int) {
	p.slab = nil
	p.free = nil
	p.unused = nil
	p.count = 0
	p.maxCount = maxCount
}

// freeCount is the number of buffers on the free list.
func (p *bufferPool) freeCount() int {
	return len(p.free)
}

// countAt reports how many live buffers are owned by loc.
func (p *bufferPool) countAt(loc bufLocation) int {
	n := 0
	for i := range p.slab {
		if p.slab[i].data != nil && p.slab[i].loc == loc {
			n++
		}
	}
	return n
}
