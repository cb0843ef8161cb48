// Package interconnect provides the reliable datagram layer that moves chunk
// data between the processes of a distributed query plan.
package interconnect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// recvControl is the receive side state shared with the worker.
// Caller must hold ic.mu for every access.
type recvControl struct {
	waiting      bool
	waitingNode  int32
	waitingRoute int
	waitingICID  uint32
	reachRoute   int

	lastTornICID uint32
	lastTxID     uint32
}

// Interconnect is one process's endpoint of the interconnect. It owns the
// socket, the receive worker and every connection of the current instance.
//
// Design rationale:
//   - One mutex guards all state shared by the caller and the worker
//   - The worker owns socket reads; datagrams produced under the lock are
//     queued and written after unlocking
//   - The worker wakes a blocked caller through a one-slot channel
//   - Callers are serialized: at most one goroutine drives Setup, the send
//     and receive operations, and Teardown at a time
type Interconnect struct {
	cfg      *Config
	tr       Transport
	clock    Clock
	log      zerolog.Logger
	id       uuid.UUID
	liveness func() error

	mu           sync.Mutex
	conns        *connDirectory
	startupCache *startupCache
	rxPool       *bufferPool
	sndPool      *bufferPool
	wheel        *timeWheel
	snd          sendControl
	rx           recvControl
	history      *cursorHistory
	rtts         *rttCache
	icInstanceID uint32
	sessionID    int32
	stats        Statistics
	trace        *traceRing
	outbox       []outbound

	// Per-instance state, valid between Setup and Teardown.
	topo                    *Topology
	icID                    uint32
	recvEntries             map[int32]*motionEntry
	sendEntry               *motionEntry
	activated               bool
	networkTimeoutIsLogged  bool
	lastExpirationCheckTime time.Duration
	lastPacketSendTime      time.Duration
	lastDeadlockCheckTime   time.Duration

	rxErr  rxErrorFlag
	wake   chan struct{}
	done   chan struct{}
	exited chan struct{}
	closed bool
}

// Option customizes an Interconnect.
type Option func(*Interconnect)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(ic *Interconnect) { ic.clock = c }
}

// WithLivenessCheck installs a hook polled periodically while blocked. A
// non-nil result aborts the blocked operation as a fatal error.
func WithLivenessCheck(fn func() error) Option {
	return func(ic *Interconnect) { ic.liveness = fn }
}

// WithSessionID sets the session whose packets are accepted before the first
// Setup. Setup replaces it with the topology's session id.
func WithSessionID(id int32) Option {
	return func(ic *Interconnect) { ic.sessionID = id }
}

// WithLogger replaces the global logger.
func WithLogger(l zerolog.Logger) Option {
	return func(ic *Interconnect) { ic.log = l }
}

// New creates an Interconnect on tr and starts its receive worker.
func New(cfg *Config, tr Transport, opts ...Option) (*Interconnect, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if tr == nil {
		return nil, fmt.Errorf("nil transport")
	}

	ic := &Interconnect{
		cfg:    cfg,
		tr:     tr,
		clock:  NewSystemClock(),
		log:    log.Logger,
		id:     uuid.New(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ic)
	}
	ic.log = ic.log.With().Str("ic", ic.id.String()).Logger()

	ic.conns = newConnDirectory(cfg.HashTableSize, &ic.stats)
	ic.startupCache = newStartupCache(cfg.HashTableSize)
	ic.rxPool = newBufferPool("rx", cfg.MaxPacketSize, 1)
	ic.sndPool = newBufferPool("snd", cfg.MaxPacketSize, ic.initialSndMaxCount())
	ic.wheel = newTimeWheel(cfg.TimerSlots, cfg.TimerSpan)
	ic.history = newCursorHistory(cfg.CursorHistorySize)
	if cfg.RTTCacheTTL > 0 {
		ic.rtts = newRTTCache(cfg.RTTCacheTTL)
	}
	ic.trace = newTraceRing(cfg.TraceSize)
	ic.rx.waitingRoute = noRoute
	ic.rx.reachRoute = noRoute

	go ic.rxWorker()

	ic.log.Debug().
		Str("addr", tr.LocalAddr().String()).
		Str("role", cfg.Role.String()).
		Str("fc", cfg.FlowControl.String()).
		Msg("interconnect started")
	return ic, nil
}

// initialSndMaxCount is the send pool allowance with no connections.
func (ic *Interconnect) initialSndMaxCount() int {
	if ic.cfg.SndQueueDepth == 1 {
		return 1
	}
	return 0
}

// ID returns the instance id used in log lines.
func (ic *Interconnect) ID() uuid.UUID {
	return ic.id
}

// LocalAddr returns the transport's bound address.
func (ic *Interconnect) LocalAddr() string {
	return ic.tr.LocalAddr().String()
}

// Close tears down any active instance, stops the worker and closes the
// transport. It is safe to call more than once.
func (ic *Interconnect) Close() error {
	ic.mu.Lock()
	if ic.closed {
		ic.mu.Unlock()
		return nil
	}
	active := ic.activated
	ic.mu.Unlock()

	if active {
		ic.Teardown(true)
	}

	ic.mu.Lock()
	ic.closed = true
	ic.mu.Unlock()

	var errs error
	close(ic.done)
	// Unblock a pending read.
	if err := ic.tr.SetReadDeadline(time.Now()); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("interrupt worker: %w", err))
	}
	<-ic.exited

	ic.mu.Lock()
	ic.cleanupStartupCache()
	ic.history.purge()
	ic.rxPool.shrink()
	ic.mu.Unlock()

	if err := ic.tr.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close transport: %w", err))
	}
	ic.log.Debug().Msg("interconnect closed")
	return errs
}

// signalWake wakes a blocked caller. Never blocks.
func (ic *Interconnect) signalWake() {
	select {
	case ic.wake <- struct{}{}:
	default:
	}
}

// drainWake discards a stale wake signal. Caller must hold ic.mu.
func (ic *Interconnect) drainWake() {
	select {
	case <-ic.wake:
	default:
	}
}

// waitUnlocked releases ic.mu, waits for a wake signal, the timeout or
// cancellation, and reacquires ic.mu. A zero timeout only flushes.
func (ic *Interconnect) waitUnlocked(ctx context.Context, timeout time.Duration) {
	ic.unlockAndFlush()
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		select {
		case <-ic.wake:
		case <-timer.C:
		case <-ctx.Done():
		case <-ic.done:
		}
		timer.Stop()
	}
	ic.mu.Lock()
}

// checkInterrupts converts cancellation into an error.
func (ic *Interconnect) checkInterrupts(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("interconnect operation cancelled: %w", err)
	}
	select {
	case <-ic.done:
		return ErrClosed
	default:
	}
	return nil
}

// checkLiveness runs the liveness hook.
func (ic *Interconnect) checkLiveness(what string) error {
	if ic.liveness == nil {
		return nil
	}
	if err := ic.liveness(); err != nil {
		return ic.newInterconnectError(fmt.Sprintf("interconnect failed to %s", what), "%v", err)
	}
	return nil
}

// recvEntry returns the receiving motion entry for a node. Caller must hold ic.mu.
func (ic *Interconnect) recvEntry(motNodeID int32) (*motionEntry, error) {
	if !ic.activated {
		return nil, ErrNotActive
	}
	e, ok := ic.recvEntries[motNodeID]
	if !ok {
		return nil, fmt.Errorf("no receiving motion node %d", motNodeID)
	}
	return e, nil
}

// sendingEntry returns the sending motion entry if it matches the node.
// Caller must hold ic.mu.
func (ic *Interconnect) sendingEntry(motNodeID int32) (*motionEntry, error) {
	if !ic.activated {
		return nil, ErrNotActive
	}
	if ic.sendEntry == nil || ic.sendEntry.node.ID != motNodeID {
		return nil, fmt.Errorf("no sending motion node %d", motNodeID)
	}
	return ic.sendEntry, nil
}
