package interconnect

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"
)

// Fate is what a MemoryNetwork filter decides for one datagram.
type Fate int

const (
	// Deliver passes the datagram through.
	Deliver Fate = iota
	// Drop loses the datagram.
	Drop
	// Duplicate delivers the datagram twice.
	Duplicate
	// Delay holds the datagram until the next one to the same port passes,
	// which reorders the pair.
	Delay
)

// FilterFunc decides the fate of a datagram sent from one port to another.
type FilterFunc func(from, to net.Addr, datagram []byte) Fate

// memAddr names a port of a MemoryNetwork.
type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type memDatagram struct {
	data []byte
	from net.Addr
}

// inboxSize bounds queued datagrams per port; overflow is dropped like a
// full socket buffer.
const inboxSize = 4096

// MemoryNetwork is an in-process datagram network with pluggable loss,
// duplication and reordering. It lets interconnects talk without sockets.
type MemoryNetwork struct {
	mu     sync.Mutex
	ports  map[string]*memTransport
	filter FilterFunc
}

// NewMemoryNetwork returns an empty network that delivers everything.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{ports: make(map[string]*memTransport)}
}

// SetFilter installs fn for every subsequent datagram. nil delivers everything.
func (n *MemoryNetwork) SetFilter(fn FilterFunc) {
	n.mu.Lock()
	n.filter = fn
	n.mu.Unlock()
}

// Listen binds a port called name.
func (n *MemoryNetwork) Listen(name string) (Transport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.ports[name]; ok {
		return nil, fmt.Errorf("listen %s: address already in use", name)
	}
	t := &memTransport{
		net:    n,
		addr:   memAddr(name),
		inbox:  make(chan memDatagram, inboxSize),
		kick:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	n.ports[name] = t
	return t, nil
}

// RandomLoss returns a filter that drops about rate of all datagrams. The
// seed makes runs repeatable.
func RandomLoss(rate float64, seed int64) FilterFunc {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(seed))
	return func(_, _ net.Addr, _ []byte) Fate {
		mu.Lock()
		defer mu.Unlock()
		if rng.Float64() < rate {
			return Drop
		}
		return Deliver
	}
}

func (n *MemoryNetwork) send(from *memTransport, data []byte, to net.Addr) {
	n.mu.Lock()
	dst := n.ports[to.String()]
	filter := n.filter
	n.mu.Unlock()
	if dst == nil {
		return
	}

	fate := Deliver
	if filter != nil {
		fate = filter(from.addr, to, data)
	}
	dg := memDatagram{data: append([]byte(nil), data...), from: from.addr}
	switch fate {
	case Drop:
		return
	case Delay:
		dst.mu.Lock()
		dst.held = append(dst.held, dg)
		dst.mu.Unlock()
		return
	case Duplicate:
		dst.enqueue(dg)
	}
	dst.enqueue(dg)

	dst.mu.Lock()
	held := dst.held
	dst.held = nil
	dst.mu.Unlock()
	for _, h := range held {
		dst.enqueue(h)
	}
}

// memTransport is one port of a MemoryNetwork.
type memTransport struct {
	net   *MemoryNetwork
	addr  memAddr
	inbox chan memDatagram
	kick  chan struct{}

	mu       sync.Mutex
	deadline time.Time
	held     []memDatagram

	closeOnce sync.Once
	closed    chan struct{}
}

func (t *memTransport) enqueue(dg memDatagram) {
	select {
	case t.inbox <- dg:
	default:
	}
}

func (t *memTransport) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		t.mu.Lock()
		dl := t.deadline
		t.mu.Unlock()

		var timeout <-chan time.Time
		var timer *time.Timer
		if !dl.IsZero() {
			d := time.Until(dl)
			if d <= 0 {
				return 0, nil, os.ErrDeadlineExceeded
			}
			timer = time.NewTimer(d)
			timeout = timer.C
		}

		select {
		case dg := <-t.inbox:
			if timer != nil {
				timer.Stop()
			}
			return copy(p, dg.data), dg.from, nil
		case <-timeout:
			return 0, nil, os.ErrDeadlineExceeded
		case <-t.kick:
			if timer != nil {
				timer.Stop()
			}
		case <-t.closed:
			if timer != nil {
				timer.Stop()
			}
			return 0, nil, net.ErrClosed
		}
	}
}

func (t *memTransport) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-t.closed:
		return 0, net.ErrClosed
	default:
	}
	t.net.send(t, p, addr)
	return len(p), nil
}

func (t *memTransport) SetReadDeadline(dl time.Time) error {
	t.mu.Lock()
	t.deadline = dl
	t.mu.Unlock()
	select {
	case t.kick <- struct{}{}:
	default:
	}
	return nil
}

func (t *memTransport) LocalAddr() net.Addr {
	return t.addr
}

func (t *memTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.net.mu.Lock()
		delete(t.net.ports, string(t.addr))
		t.net.mu.Unlock()
	})
	return nil
}
