package interconnect

import (
	"fmt"
	"sync"

	"github.com/armon/circbuf"
	"github.com/rs/zerolog/log"
)

// traceRing keeps the most recent protocol events in a fixed byte ring.
// Its contents are attached to fatal errors to help diagnose stuck peers.
type traceRing struct {
	mu  sync.Mutex
	buf *circbuf.Buffer
}

func newTraceRing(size int64) *traceRing {
	if size <= 0 {
		return nil
	}
	buf, err := circbuf.NewBuffer(size)
	if err != nil {
		log.Warn().Err(err).Int64("size", size).Msg("packet trace disabled")
		return nil
	}
	return &traceRing{buf: buf}
}

// record appends one event line. Safe on a nil ring.
func (t *traceRing) record(format string, args ...any) {
	if t == nil {
		return
	}
	t.mu.Lock()
	fmt.Fprintf(t.buf, format+"\n", args...)
	t.mu.Unlock()
}

// recordPacket appends a one-line summary of a header.
func (t *traceRing) recordPacket(dir string, h *PacketHeader) {
	if t == nil {
		return
	}
	t.record("%s %s seq=%d extra=%d node=%d src=%d/%d dst=%d/%d ic=%d len=%d",
		dir, flagString(h.Flags), h.Seq, h.ExtraSeq, h.MotNodeID,
		h.SrcContentID, h.SrcPid, h.DstContentID, h.DstPid, h.ICID, h.Len)
}

func (t *traceRing) String() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

func (t *traceRing) reset() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.buf.Reset()
	t.mu.Unlock()
}
