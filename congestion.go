package interconnect

import "time"

// RTT estimator bounds.
const (
	minRTT = 100 * time.Microsecond
	maxRTT = 200 * time.Millisecond
	minDev = minRTT
	maxDev = maxRTT

	rttShift = 3 // gain 1/8
	devShift = 2 // gain 1/4

	// maxBackoffShift caps exponential backoff of the expiration period.
	maxBackoffShift = 12
)

// maxTry is the retry index after which the capacity timeout ladder stays flat.
const maxTry = 11

// capacityTimeouts is the resend ladder used under capacity flow control,
// indexed by retry count.
var capacityTimeouts = [maxTry + 1]time.Duration{
	1 * time.Millisecond,
	1 * time.Millisecond,
	2 * time.Millisecond,
	4 * time.Millisecond,
	8 * time.Millisecond,
	16 * time.Millisecond,
	32 * time.Millisecond,
	64 * time.Millisecond,
	128 * time.Millisecond,
	256 * time.Millisecond,
	512 * time.Millisecond,
	512 * time.Millisecond,
}

// capacityTimeout returns the wait before resending a packet retried n times.
func capacityTimeout(n uint32) time.Duration {
	if n < maxTry {
		return capacityTimeouts[n]
	}
	return capacityTimeouts[maxTry]
}

// sendControl is the shared congestion state of all sending connections.
// Caller must hold ic.mu for every access.
type sendControl struct {
	cwnd     float64
	minCwnd  float64
	ssthresh float64

	// Disorder debounce, shared by every connection.
	disorderLastSeq uint32
	disorderTimes   int

	// stopsPending is set by the receive worker when an ACK carried a new STOP.
	stopsPending bool
}

// onFirstAck grows the window after a first-transmission ACK.
// maxCwnd is the send pool's maxCount.
func (sc *sendControl) onFirstAck(maxCwnd int) {
	if sc.cwnd < sc.ssthresh {
		sc.cwnd++
	} else {
		sc.cwnd += 1 / sc.cwnd
	}
	if sc.cwnd > float64(maxCwnd) {
		sc.cwnd = float64(maxCwnd)
	}
}

// onDisorder halves the window after explicit loss feedback.
func (sc *sendControl) onDisorder() {
	sc.ssthresh = max(sc.cwnd/2, sc.minCwnd)
	sc.cwnd = sc.ssthresh
}

// onTimerLoss collapses the window after timer driven retransmissions.
func (sc *sendControl) onTimerLoss() {
	sc.ssthresh = max(sc.cwnd/2, sc.minCwnd)
	sc.cwnd = sc.minCwnd
}

// updateRTT folds one ack sample into the connection estimate.
func (c *motionConn) updateRTT(ackTime time.Duration) {
	rtt := c.rtt - c.rtt>>rttShift + ackTime>>rttShift
	rtt = min(maxRTT, max(rtt, minRTT))
	c.rtt = rtt

	diff := ackTime - rtt
	if diff < 0 {
		diff = -diff
	}
	dev := c.dev - c.dev>>devShift + diff>>devShift
	dev = min(maxDev, max(dev, minDev))
	c.dev = dev
}

// computeExpirationPeriod returns the retransmission delay for a buffer
// retried retry times on conn.
func (ic *Interconnect) computeExpirationPeriod(c *motionConn, retry uint32) time.Duration {
	shift := min(retry, maxBackoffShift)
	period := (c.rtt + c.dev<<2) << shift
	if period > ic.cfg.MaxExpiration || period < 0 {
		period = ic.cfg.MaxExpiration
	}
	return max(ic.cfg.MinExpiration, period)
}

// computeTimeout returns how long the sender may wait for acks on conn
// before running exception checks again.
func (ic *Interconnect) computeTimeout(c *motionConn, retry int) time.Duration {
	head := c.unackQueue.front()
	if head == nilHandle {
		return ic.cfg.TimerCheckPeriod
	}
	if ic.sndPool.get(head).nRetry == 0 && retry == 0 {
		return 0
	}
	if ic.cfg.FlowControl == FlowControlLoss {
		return ic.cfg.TimerCheckPeriod
	}
	return capacityTimeout(ic.sndPool.get(head).nRetry)
}
