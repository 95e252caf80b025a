// Package devicelink connects to a physical GNSS receiver over one of
// several byte-oriented transports (TCP, BLE, serial). All implementations
// share one contract: a connection state machine with automatic reconnect,
// an inbound byte channel feeding the NMEA parser, and order-preserving
// writes for correction data.
package devicelink

import (
	"context"
	"sync"
	"time"

	"rtkbridge/internal/backoff"
)

// State is the device-link connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Failure reasons carried in Snapshot.Reason while State == StateFailed.
const (
	ReasonLinkLost           = "link_lost"
	ReasonWriteFailed        = "write_failed"
	ReasonReconnectExhausted = "reconnect_exhausted"
)

// Snapshot is a point-in-time view of a link, shaped for status output.
type Snapshot struct {
	Transport   string `json:"transport"`
	Target      string `json:"target,omitempty"`
	State       string `json:"state"`
	Reason      string `json:"reason,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	BytesIn     uint64 `json:"bytes_in"`
	BytesOut    uint64 `json:"bytes_out"`
	LastDataUTC string `json:"last_data_utc,omitempty"`
}

// Link is the shared transport contract.
//
// Connect validates its input synchronously and then drives the connection
// asynchronously; progress is observable through States and Snapshot.
// Disconnect is idempotent, never triggers the reconnect path, and releases
// any pending retry timer. Send may be called from any goroutine; each call
// is written out completely before the next begins.
type Link interface {
	Connect(ctx context.Context) error
	Disconnect()
	Send(p []byte) error
	Data() <-chan []byte
	States() <-chan Snapshot
	Snapshot() Snapshot
}

// DiscoveredDevice is one scan result from a discovering transport.
// Equality is by ID only; RSSI changes on every advertisement.
type DiscoveredDevice struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	RSSI int16  `json:"rssi"`
	Raw  []byte `json:"-"`
}

func (d DiscoveredDevice) Equal(o DiscoveredDevice) bool { return d.ID == o.ID }

// Discoverer is implemented by transports that can scan for receivers.
type Discoverer interface {
	StartDiscovery(ctx context.Context) (<-chan DiscoveredDevice, error)
	StopDiscovery()
}

// core holds the state-machine plumbing shared by all link implementations.
type core struct {
	transport string

	mu       sync.Mutex
	target   string
	state    State
	reason   string
	lastErr  string
	attempt  int
	bytesIn  uint64
	bytesOut uint64
	lastData time.Time

	data   chan []byte
	states chan Snapshot

	// retryScale maps the schedule's second-based delays onto real time;
	// tests shrink it to keep reconnect paths fast.
	retryScale time.Duration
}

func newCore(transport string) core {
	return core{
		transport:  transport,
		state:      StateIdle,
		data:       make(chan []byte, 256),
		states:     make(chan Snapshot, 16),
		retryScale: time.Second,
	}
}

func (c *core) Data() <-chan []byte { return c.data }

func (c *core) States() <-chan Snapshot { return c.states }

func (c *core) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *core) snapshotLocked() Snapshot {
	out := Snapshot{
		Transport: c.transport,
		Target:    c.target,
		State:     c.state.String(),
		Reason:    c.reason,
		LastError: c.lastErr,
		Attempt:   c.attempt,
		BytesIn:   c.bytesIn,
		BytesOut:  c.bytesOut,
	}
	if !c.lastData.IsZero() {
		out.LastDataUTC = c.lastData.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (c *core) setTarget(target string) {
	c.mu.Lock()
	c.target = target
	c.mu.Unlock()
}

func (c *core) setState(state State, reason, lastErr string) {
	c.mu.Lock()
	c.state = state
	c.reason = reason
	if lastErr != "" {
		c.lastErr = lastErr
	} else if state == StateConnected || state == StateConnecting || state == StateIdle {
		// Clear stale errors on healthy states so status output doesn't look
		// broken after a transient failure.
		c.lastErr = ""
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publishState(snap)
}

// setError records an error without changing the connection state.
func (c *core) setError(msg string) {
	c.mu.Lock()
	c.lastErr = msg
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publishState(snap)
}

func (c *core) setAttempt(n int) {
	c.mu.Lock()
	c.attempt = n
	c.mu.Unlock()
}

// publishState delivers a coalesced state change: when the channel is full
// the oldest queued snapshot is dropped in favor of the newest.
func (c *core) publishState(snap Snapshot) {
	select {
	case c.states <- snap:
		return
	default:
	}
	select {
	case <-c.states:
	default:
	}
	select {
	case c.states <- snap:
	default:
	}
}

// pushData forwards inbound bytes to the consumer in arrival order. The
// copy is required: callers reuse their read buffers.
func (c *core) pushData(ctx context.Context, p []byte) bool {
	if len(p) == 0 {
		return true
	}
	cp := append([]byte(nil), p...)
	c.mu.Lock()
	c.bytesIn += uint64(len(p))
	c.lastData = time.Now()
	c.mu.Unlock()
	select {
	case c.data <- cp:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *core) addBytesOut(n int) {
	c.mu.Lock()
	c.bytesOut += uint64(n)
	c.mu.Unlock()
}

// retryWait records an unexpected failure and sleeps out the backoff delay
// before the next attempt. It returns false when the schedule is exhausted
// (terminal failure, explicit user action required) or the context was
// cancelled mid-wait.
func (c *core) retryWait(ctx context.Context, sched *backoff.Schedule, reason, errMsg string) bool {
	d, ok := sched.Next()
	if !ok {
		c.setState(StateFailed, ReasonReconnectExhausted, errMsg)
		return false
	}
	c.setAttempt(sched.Attempt())
	c.setState(StateFailed, reason, errMsg)
	return sleepCtx(ctx, c.scaleRetry(d))
}

// scaleRetry converts a schedule delay using the core's retry scale.
func (c *core) scaleRetry(d time.Duration) time.Duration {
	return time.Duration(d/time.Second) * c.retryScale
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
