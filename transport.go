package interconnect

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// Transport is an unreliable datagram socket. *net.UDPConn satisfies it.
type Transport interface {
	ReadFrom(p []byte) (int, net.Addr, error)
	WriteTo(p []byte, addr net.Addr) (int, error)
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
	Close() error
}

// ListenUDP binds a UDP transport on address, e.g. "127.0.0.1:0".
func ListenUDP(address string) (Transport, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", address, err)
	}
	return conn, nil
}

// maxSendRetries bounds retries of a datagram write on transient errors.
const maxSendRetries = 10

// outbound is a datagram queued under the lock and written after it.
type outbound struct {
	data []byte
	addr net.Addr
}

// isTemporary reports whether a socket error is worth an immediate retry.
func isTemporary(err error) bool {
	if errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.ENOBUFS) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isTimeout reports whether a read error is a deadline expiry.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// writeDatagram sends one datagram, retrying transient failures. Errors are
// logged and swallowed; the retransmission machinery covers lost writes.
func (ic *Interconnect) writeDatagram(o outbound) {
	var err error
	for i := 0; i < maxSendRetries; i++ {
		var n int
		n, err = ic.tr.WriteTo(o.data, o.addr)
		if err == nil {
			if n != len(o.data) {
				ic.log.Debug().Int("given", len(o.data)).Int("sent", n).Msg("short transmit")
			}
			return
		}
		if !isTemporary(err) {
			break
		}
	}
	ic.log.Debug().Err(err).Str("peer", o.addr.String()).Msg("send datagram failed")
}

// flushOutbox writes queued datagrams. Must be called without ic.mu held.
func (ic *Interconnect) flushOutbox(out []outbound) {
	for _, o := range out {
		ic.writeDatagram(o)
	}
}

// unlockAndFlush releases ic.mu and then writes everything queued under it.
func (ic *Interconnect) unlockAndFlush() {
	out := ic.outbox
	ic.outbox = nil
	ic.mu.Unlock()
	ic.flushOutbox(out)
}

// queueControl builds a header-only (or disorder) control packet from hdr
// and queues it for addr. Caller must hold ic.mu.
func (ic *Interconnect) queueControl(hdr PacketHeader, payload []byte, addr net.Addr) {
	if addr == nil {
		return
	}
	b := make([]byte, HeaderSize, HeaderSize+len(payload))
	b = append(b, payload...)
	hdr.Len = uint32(len(b))
	hdr.CRC = 0
	_ = hdr.MarshalTo(b)
	if ic.cfg.FullCRC {
		addCRC(b)
	}
	ic.trace.recordPacket("tx", &hdr)
	ic.outbox = append(ic.outbox, outbound{data: b, addr: addr})
}

// sendAck queues an acknowledgment from receiver conn c. Caller must hold ic.mu.
func (ic *Interconnect) sendAck(c *motionConn, flags, seq, extraSeq uint32) {
	hdr := c.info
	hdr.Flags = flags
	hdr.Seq = seq
	hdr.ExtraSeq = extraSeq
	ic.queueControl(hdr, nil, c.peer)
}

// sendOnce queues a copy of send buffer h for c's peer. Caller must hold ic.mu.
func (ic *Interconnect) sendOnce(c *motionConn, h bufHandle) {
	b := ic.sndPool.get(h)
	if c.peer == nil {
		return
	}
	data := make([]byte, b.n)
	copy(data, b.data[:b.n])
	if ic.trace != nil {
		hdr, _ := UnmarshalHeader(data)
		ic.trace.recordPacket("tx", &hdr)
	}
	ic.outbox = append(ic.outbox, outbound{data: data, addr: c.peer})
	ic.lastPacketSendTime = ic.clock.Now()
}
