package interconnect

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrInterconnect is the single error kind surfaced to callers. Every fatal
// failure matches it with errors.Is.
var ErrInterconnect = errors.New("interconnect failure")

// ErrNotActive is returned when an operation needs a context that has been set up.
var ErrNotActive = errors.New("interconnect context not active")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("interconnect closed")

// InterconnectError carries the human-readable detail of a fatal failure plus
// a snapshot of recent protocol events.
type InterconnectError struct {
	Msg    string
	Detail string
	Trace  string
}

func (e *InterconnectError) Error() string {
	if e.Detail == "" {
		return e.Msg
	}
	return e.Msg + ": " + e.Detail
}

// Is makes every InterconnectError match ErrInterconnect.
func (e *InterconnectError) Is(target error) bool {
	return target == ErrInterconnect
}

// newInterconnectError builds a fatal error, attaching the trace ring contents.
func (ic *Interconnect) newInterconnectError(msg, format string, args ...any) error {
	err := &InterconnectError{
		Msg:    msg,
		Detail: fmt.Sprintf(format, args...),
	}
	if ic == nil {
		return err
	}
	if ic.trace != nil {
		err.Trace = ic.trace.String()
	}
	ic.log.Error().Str("detail", err.Detail).Msg(msg)
	return err
}

// Background error codes recorded by the receive worker.
const (
	rxErrNone uint32 = iota
	rxErrNoMemory
	rxErrSocket
)

// rxErrorFlag holds the first error seen by the receive worker. The worker
// cannot return errors to anyone, so the foreground polls this flag.
type rxErrorFlag struct {
	code atomic.Uint32
}

// set records code unless an earlier error is already pending.
func (f *rxErrorFlag) set(code uint32) {
	f.code.CompareAndSwap(rxErrNone, code)
}

func (f *rxErrorFlag) reset() {
	f.code.Store(rxErrNone)
}

func (f *rxErrorFlag) get() uint32 {
	return f.code.Load()
}

func rxErrorString(code uint32) string {
	switch code {
	case rxErrNoMemory:
		return "out of receive buffers"
	case rxErrSocket:
		return "socket read failure"
	default:
		return fmt.Sprintf("error code %d", code)
	}
}

// checkRxError converts a pending background error into a fatal error.
func (ic *Interconnect) checkRxError() error {
	code := ic.rxErr.get()
	if code == rxErrNone {
		return nil
	}
	return ic.newInterconnectError("interconnect encountered an error",
		"in receive background thread: %s", rxErrorString(code))
}
