package interconnect

import (
	"time"

	"github.com/rs/zerolog"
)

// Statistics are the process-wide interconnect counters. They are logged and
// reset at every teardown.
type Statistics struct {
	TotalRecvQueueSize        uint64
	RecvQueueSizeCountingTime uint64
	TotalCapacity             uint64
	CapacityCountingTime      uint64
	TotalBuffers              uint64
	BufferCountingTime        uint64
	ActiveConnectionsNum      uint64
	Retransmits               uint64
	StartupCachedPktNum       uint64
	MismatchNum               uint64
	CRCErrors                 uint64
	SndPktNum                 uint64
	RecvPktNum                uint64
	DisorderedPktNum          uint64
	DuplicatedPktNum          uint64
	RecvAckNum                uint64
	StatusQueryMsgNum         uint64
}

// Stats returns a snapshot of the counters.
func (ic *Interconnect) Stats() Statistics {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.stats
}

// rttSummary accumulates round trip estimates of sending connections at teardown.
type rttSummary struct {
	n      int
	minRTT time.Duration
	maxRTT time.Duration
	sumRTT time.Duration
	minDev time.Duration
	maxDev time.Duration
	sumDev time.Duration
}

func (s *rttSummary) add(c *motionConn) {
	if s.n == 0 {
		s.minRTT, s.maxRTT = c.rtt, c.rtt
		s.minDev, s.maxDev = c.dev, c.dev
	}
	s.n++
	s.minRTT = min(s.minRTT, c.rtt)
	s.maxRTT = max(s.maxRTT, c.rtt)
	s.sumRTT += c.rtt
	s.minDev = min(s.minDev, c.dev)
	s.maxDev = max(s.maxDev, c.dev)
	s.sumDev += c.dev
}

func (s *rttSummary) avg() (rtt, dev time.Duration) {
	if s.n == 0 {
		return 0, 0
	}
	return s.sumRTT / time.Duration(s.n), s.sumDev / time.Duration(s.n)
}

// logStatistics writes the teardown summary line.
func (ic *Interconnect) logStatistics(rs *rttSummary) {
	var ev *zerolog.Event
	if ic.cfg.LogStats {
		ev = ic.log.Info()
	} else {
		ev = ic.log.Debug()
	}
	avgRTT, avgDev := rs.avg()
	st := &ic.stats
	var avgQueue, avgCapacity, avgBuffers float64
	if st.RecvQueueSizeCountingTime > 0 {
		avgQueue = float64(st.TotalRecvQueueSize) / float64(st.RecvQueueSizeCountingTime)
	}
	if st.CapacityCountingTime > 0 {
		avgCapacity = float64(st.TotalCapacity) / float64(st.CapacityCountingTime)
	}
	if st.BufferCountingTime > 0 {
		avgBuffers = float64(st.TotalBuffers) / float64(st.BufferCountingTime)
	}
	ev.Uint32("ic_id", ic.icID).
		Float64("avg_recv_queue", avgQueue).
		Float64("avg_capacity", avgCapacity).
		Float64("avg_free_buffers", avgBuffers).
		Uint64("retransmits", st.Retransmits).
		Uint64("startup_cached", st.StartupCachedPktNum).
		Uint64("mismatch", st.MismatchNum).
		Uint64("crc_errors", st.CRCErrors).
		Uint64("snd_pkts", st.SndPktNum).
		Uint64("recv_pkts", st.RecvPktNum).
		Uint64("disordered", st.DisorderedPktNum).
		Uint64("duplicated", st.DuplicatedPktNum).
		Uint64("recv_acks", st.RecvAckNum).
		Uint64("status_queries", st.StatusQueryMsgNum).
		Dur("rtt_min", rs.minRTT).Dur("rtt_max", rs.maxRTT).Dur("rtt_avg", avgRTT).
		Dur("dev_min", rs.minDev).Dur("dev_max", rs.maxDev).Dur("dev_avg", avgDev).
		Msg("interconnect statistics")
}

// resetStatistics clears the counters except the live connection count.
func (ic *Interconnect) resetStatistics() {
	active := ic.stats.ActiveConnectionsNum
	ic.stats = Statistics{ActiveConnectionsNum: active}
}
