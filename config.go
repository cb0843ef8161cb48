package interconnect

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
)

// FlowControl selects the sender-side flow control policy.
type FlowControl int

const (
	// FlowControlLoss shares one congestion window across all sending
	// connections and reacts to loss (default).
	FlowControlLoss FlowControl = iota
	// FlowControlCapacity gates each connection only by the receiver's
	// advertised free queue slots.
	FlowControlCapacity
)

// String returns a human-readable name for the policy.
func (f FlowControl) String() string {
	switch f {
	case FlowControlLoss:
		return "loss"
	case FlowControlCapacity:
		return "capacity"
	default:
		return fmt.Sprintf("unknown(%d)", int(f))
	}
}

// UnmarshalText parses "loss" or "capacity".
func (f *FlowControl) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "loss":
		*f = FlowControlLoss
	case "capacity":
		*f = FlowControlCapacity
	default:
		return fmt.Errorf("unknown flow control method %q", string(text))
	}
	return nil
}

// Role selects how packets for unknown connections are classified.
type Role int

const (
	// RoleWorker tracks a single current instance id and the last torn-down id.
	RoleWorker Role = iota
	// RoleDispatcher runs overlapping instances and keeps a cursor history table.
	RoleDispatcher
)

// String returns a human-readable name for the role.
func (r Role) String() string {
	switch r {
	case RoleWorker:
		return "worker"
	case RoleDispatcher:
		return "dispatcher"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// UnmarshalText parses "worker" or "dispatcher".
func (r *Role) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "worker":
		*r = RoleWorker
	case "dispatcher":
		*r = RoleDispatcher
	default:
		return fmt.Errorf("unknown role %q", string(text))
	}
	return nil
}

// Duration is a time.Duration that reads from TOML strings such as "5ms".
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config holds the tunables of one Interconnect.
//
// Design rationale:
//   - Every value has a working default from DefaultConfig
//   - Durations use time.Duration so tests can shrink timers freely
//   - Validate reports all problems at once rather than the first one
type Config struct {
	// Role decides how mismatched packets are classified.
	// Default: RoleWorker
	Role Role

	// QueueDepth is the receive reorder queue capacity per connection and the
	// initial send capacity granted to each sender.
	// Default: 4
	QueueDepth int

	// SndQueueDepth is the send buffer allowance per sending connection.
	// Default: 2
	SndQueueDepth int

	// MaxPacketSize bounds a datagram including its header.
	// Default: 8192
	MaxPacketSize int

	// FlowControl selects the capacity or loss based policy.
	// Default: FlowControlLoss
	FlowControl FlowControl

	// TimerSpan is the time width of one time wheel slot.
	// Default: 5ms
	TimerSpan time.Duration

	// TimerSlots is the number of time wheel slots.
	// Default: 2000
	TimerSlots int

	// TimerCheckPeriod is how often the sender scans the time wheel for
	// expired packets while waiting.
	// Default: 20ms
	TimerCheckPeriod time.Duration

	// MaxTimeNoTimerChecking forces an expiration scan on the send path when
	// this much time passed since the last one.
	// Default: 50ms
	MaxTimeNoTimerChecking time.Duration

	// MinExpiration and MaxExpiration clamp the retransmission period.
	// Default: 20ms and 1s
	MinExpiration time.Duration
	MaxExpiration time.Duration

	// DefaultRTT seeds the round trip estimate of a new sending connection.
	// Default: 20ms
	DefaultRTT time.Duration

	// TransmitTimeout is the hard limit on retrying one packet.
	// Default: 3600s
	TransmitTimeout time.Duration

	// MinRetriesBeforeTimeout is the retry count a packet must exceed before
	// TransmitTimeout can fail the query.
	// Default: 100
	MinRetriesBeforeTimeout uint32

	// DebugRetryInterval logs a resend line every this many retries.
	// Default: 10
	DebugRetryInterval uint32

	// DeadlockCheckTime is the silence after which a capacity-starved sender
	// sends a status query.
	// Default: 512ms
	DeadlockCheckTime time.Duration

	// RxPollTimeout bounds each socket read of the receive worker.
	// Default: 250ms
	RxPollTimeout time.Duration

	// WaitTimeout bounds each wait of a blocked receiver.
	// Default: 250ms
	WaitTimeout time.Duration

	// FullCRC enables CRC32-C over every datagram.
	// Default: false
	FullCRC bool

	// CacheFuturePackets keeps packets for not yet created connections and
	// replays them at setup.
	// Default: true
	CacheFuturePackets bool

	// HashTableSize is the connection directory size on workers.
	// Default: 128
	HashTableSize int

	// CursorHistorySize is the dispatcher's instance history table size.
	// Default: 128
	CursorHistorySize int

	// TraceSize is the byte size of the recent-event ring attached to fatal errors.
	// Default: 16384
	TraceSize int64

	// LogStats logs the statistics line at info level on teardown.
	// Default: false
	LogStats bool

	// RTTCacheTTL keeps round trip estimates of torn down sender connections
	// for this long and seeds new connections to the same peer with them.
	// Zero disables the cache.
	// Default: 0
	RTTCacheTTL time.Duration
}

// DefaultConfig returns the default interconnect configuration.
func DefaultConfig() *Config {
	return &Config{
		Role:                    RoleWorker,
		QueueDepth:              4,
		SndQueueDepth:           2,
		MaxPacketSize:           8192,
		FlowControl:             FlowControlLoss,
		TimerSpan:               5 * time.Millisecond,
		TimerSlots:              2000,
		TimerCheckPeriod:        20 * time.Millisecond,
		MaxTimeNoTimerChecking:  50 * time.Millisecond,
		MinExpiration:           20 * time.Millisecond,
		MaxExpiration:           time.Second,
		DefaultRTT:              20 * time.Millisecond,
		TransmitTimeout:         3600 * time.Second,
		MinRetriesBeforeTimeout: 100,
		DebugRetryInterval:      10,
		DeadlockCheckTime:       512 * time.Millisecond,
		RxPollTimeout:           250 * time.Millisecond,
		WaitTimeout:             250 * time.Millisecond,
		FullCRC:                 false,
		CacheFuturePackets:      true,
		HashTableSize:           128,
		CursorHistorySize:       128,
		TraceSize:               16 * 1024,
		LogStats:                false,
		RTTCacheTTL:             0,
	}
}

// Validate checks every field and returns all problems found.
func (c *Config) Validate() error {
	var errs error
	if c.QueueDepth < 1 {
		errs = multierror.Append(errs, fmt.Errorf("queue depth must be positive, got %d", c.QueueDepth))
	}
	if c.SndQueueDepth < 1 {
		errs = multierror.Append(errs, fmt.Errorf("send queue depth must be positive, got %d", c.SndQueueDepth))
	}
	if c.MaxPacketSize < HeaderSize+chunkPrefixSize+4*MaxSeqsInDisorderAck {
		errs = multierror.Append(errs, fmt.Errorf("max packet size %d too small", c.MaxPacketSize))
	}
	if c.MaxPacketSize > 65507 {
		errs = multierror.Append(errs, fmt.Errorf("max packet size %d exceeds UDP limit", c.MaxPacketSize))
	}
	if c.FlowControl != FlowControlLoss && c.FlowControl != FlowControlCapacity {
		errs = multierror.Append(errs, fmt.Errorf("unknown flow control %d", int(c.FlowControl)))
	}
	if c.Role != RoleWorker && c.Role != RoleDispatcher {
		errs = multierror.Append(errs, fmt.Errorf("unknown role %d", int(c.Role)))
	}
	if c.TimerSpan <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("timer span must be positive"))
	}
	if c.TimerSlots < 2 {
		errs = multierror.Append(errs, fmt.Errorf("timer slots must be at least 2, got %d", c.TimerSlots))
	}
	if c.TimerCheckPeriod <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("timer check period must be positive"))
	}
	if c.MinExpiration <= 0 || c.MaxExpiration < c.MinExpiration {
		errs = multierror.Append(errs, fmt.Errorf("invalid expiration bounds [%v, %v]", c.MinExpiration, c.MaxExpiration))
	}
	if c.DefaultRTT <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("default rtt must be positive"))
	}
	if c.TransmitTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("transmit timeout must be positive"))
	}
	if c.DebugRetryInterval == 0 {
		errs = multierror.Append(errs, fmt.Errorf("debug retry interval must be positive"))
	}
	if c.RxPollTimeout <= 0 || c.WaitTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("poll and wait timeouts must be positive"))
	}
	if c.HashTableSize < 1 || c.CursorHistorySize < 1 {
		errs = multierror.Append(errs, fmt.Errorf("table sizes must be positive"))
	}
	if c.RTTCacheTTL < 0 {
		errs = multierror.Append(errs, fmt.Errorf("rtt cache ttl must not be negative"))
	}
	if c.TraceSize < 0 {
		errs = multierror.Append(errs, fmt.Errorf("trace size must not be negative"))
	}
	return errs
}

// tomlConfig describes the TOML configuration file. Fields left out of the
// file keep their defaults.
type tomlConfig struct {
	Role                    *Role        `toml:"role"`
	QueueDepth              *int         `toml:"queue-depth"`
	SndQueueDepth           *int         `toml:"snd-queue-depth"`
	MaxPacketSize           *int         `toml:"max-packet-size"`
	FlowControl             *FlowControl `toml:"flow-control"`
	TimerSpan               *Duration    `toml:"timer-span"`
	TimerSlots              *int         `toml:"timer-slots"`
	TimerCheckPeriod        *Duration    `toml:"timer-check-period"`
	MaxTimeNoTimerChecking  *Duration    `toml:"max-time-no-timer-checking"`
	MinExpiration           *Duration    `toml:"min-expiration"`
	MaxExpiration           *Duration    `toml:"max-expiration"`
	DefaultRTT              *Duration    `toml:"default-rtt"`
	TransmitTimeout         *Duration    `toml:"transmit-timeout"`
	MinRetriesBeforeTimeout *uint32      `toml:"min-retries-before-timeout"`
	DebugRetryInterval      *uint32      `toml:"debug-retry-interval"`
	DeadlockCheckTime       *Duration    `toml:"deadlock-check-time"`
	RxPollTimeout           *Duration    `toml:"rx-poll-timeout"`
	WaitTimeout             *Duration    `toml:"wait-timeout"`
	FullCRC                 *bool        `toml:"full-crc"`
	CacheFuturePackets      *bool        `toml:"cache-future-packets"`
	HashTableSize           *int         `toml:"hash-table-size"`
	CursorHistorySize       *int         `toml:"cursor-history-size"`
	TraceSize               *int64       `toml:"trace-size"`
	LogStats                *bool        `toml:"log-stats"`
	RTTCacheTTL             *Duration    `toml:"rtt-cache-ttl"`
}

// LoadConfig reads a TOML file on top of DefaultConfig and validates the result.
func LoadConfig(filename string) (*Config, error) {
	var tc tomlConfig
	if _, err := toml.DecodeFile(filename, &tc); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", filename, err)
	}
	return tc.apply(DefaultConfig())
}

// ParseConfig is LoadConfig for in-memory TOML.
func ParseConfig(data string) (*Config, error) {
	var tc tomlConfig
	if _, err := toml.Decode(data, &tc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return tc.apply(DefaultConfig())
}

func (tc *tomlConfig) apply(c *Config) (*Config, error) {
	setInt := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	setDur := func(dst *time.Duration, v *Duration) {
		if v != nil {
			*dst = time.Duration(*v)
		}
	}
	setBool := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	if tc.Role != nil {
		c.Role = *tc.Role
	}
	if tc.FlowControl != nil {
		c.FlowControl = *tc.FlowControl
	}
	setInt(&c.QueueDepth, tc.QueueDepth)
	setInt(&c.SndQueueDepth, tc.SndQueueDepth)
	setInt(&c.MaxPacketSize, tc.MaxPacketSize)
	setInt(&c.TimerSlots, tc.TimerSlots)
	setInt(&c.HashTableSize, tc.HashTableSize)
	setInt(&c.CursorHistorySize, tc.CursorHistorySize)
	setDur(&c.TimerSpan, tc.TimerSpan)
	setDur(&c.TimerCheckPeriod, tc.TimerCheckPeriod)
	setDur(&c.MaxTimeNoTimerChecking, tc.MaxTimeNoTimerChecking)
	setDur(&c.MinExpiration, tc.MinExpiration)
	setDur(&c.MaxExpiration, tc.MaxExpiration)
	setDur(&c.DefaultRTT, tc.DefaultRTT)
	setDur(&c.TransmitTimeout, tc.TransmitTimeout)
	setDur(&c.DeadlockCheckTime, tc.DeadlockCheckTime)
	setDur(&c.RxPollTimeout, tc.RxPollTimeout)
	setDur(&c.WaitTimeout, tc.WaitTimeout)
	setDur(&c.RTTCacheTTL, tc.RTTCacheTTL)
	setBool(&c.FullCRC, tc.FullCRC)
	setBool(&c.CacheFuturePackets, tc.CacheFuturePackets)
	setBool(&c.LogStats, tc.LogStats)
	if tc.MinRetriesBeforeTimeout != nil {
		c.MinRetriesBeforeTimeout = *tc.MinRetriesBeforeTimeout
	}
	if tc.DebugRetryInterval != nil {
		c.DebugRetryInterval = *tc.DebugRetryInterval
	}
	if tc.TraceSize != nil {
		c.TraceSize = *tc.TraceSize
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
