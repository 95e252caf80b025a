// Package ntrip implements an NTRIP 1.0 client: it authenticates against a
// caster mountpoint over HTTP-style semantics, streams the opaque RTCM
// correction body, and feeds GGA position reports back on a steady cadence.
package ntrip

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rtkbridge/internal/backoff"
)

// State is the NTRIP session state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Failure reasons carried in Snapshot.Reason while State == StateFailed.
const (
	ReasonAuthenticationFailed = "authentication_failed"
	ReasonMountpointNotFound   = "mountpoint_not_found"
	ReasonServerError          = "server_error"
	ReasonConnectionFailed     = "connection_failed"
	ReasonReconnectExhausted   = "reconnect_exhausted"
)

const (
	defaultPort           = 2101
	defaultDialTimeout    = 10 * time.Second
	defaultReportInterval = 10 * time.Second
	defaultUserAgent      = "NTRIP rtkbridge/1.0"
)

type Config struct {
	Host       string
	Port       int // defaults to 2101
	Mountpoint string
	Username   string
	Password   string

	DialTimeout time.Duration
	// ReportInterval is the GGA re-send cadence. Defaults to 10s.
	ReportInterval time.Duration
	UserAgent      string
}

func (c *Config) validate() error {
	if c.Host == "" {
		return fmt.Errorf("ntrip: host is required")
	}
	if strings.ContainsAny(c.Host, " /\r\n") {
		return fmt.Errorf("ntrip: host %q is malformed", c.Host)
	}
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("ntrip: port %d out of range", c.Port)
	}
	c.Mountpoint = strings.TrimPrefix(c.Mountpoint, "/")
	if c.Mountpoint == "" {
		return fmt.Errorf("ntrip: mountpoint is required")
	}
	if strings.ContainsAny(c.Mountpoint, " /\r\n") {
		return fmt.Errorf("ntrip: mountpoint %q is malformed", c.Mountpoint)
	}
	if strings.ContainsAny(c.Username, ":\r\n") || strings.ContainsAny(c.Password, "\r\n") {
		return fmt.Errorf("ntrip: credentials contain illegal characters")
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = defaultReportInterval
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	return nil
}

// Snapshot is a point-in-time view of the session for status output.
type Snapshot struct {
	Host          string `json:"host"`
	Mountpoint    string `json:"mountpoint"`
	State         string `json:"state"`
	Reason        string `json:"reason,omitempty"`
	StatusCode    int    `json:"status_code,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	Attempt       int    `json:"attempt,omitempty"`
	BytesIn       uint64 `json:"bytes_in"`
	LastDataUTC   string `json:"last_data_utc,omitempty"`
	LastReportUTC string `json:"last_report_utc,omitempty"`
}

// Client is the NTRIP session client. Correction bytes stream out of Data
// unmodified; no framing is imposed, RTCM reassembly is the receiver's
// job. All connection outcomes surface as state values, never as errors
// thrown across the goroutine boundary.
type Client struct {
	cfg Config

	running atomic.Bool

	mu         sync.Mutex
	state      State
	reason     string
	statusCode int
	lastErr    string
	attempt    int
	bytesIn    uint64
	lastData   time.Time
	lastReport time.Time
	lastGGA    string
	conn       net.Conn

	writeMu sync.Mutex

	data   chan []byte
	states chan Snapshot

	// retryScale shrinks backoff delays in tests.
	retryScale time.Duration

	stopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:        cfg,
		data:       make(chan []byte, 256),
		states:     make(chan Snapshot, 16),
		retryScale: time.Second,
	}, nil
}

func (c *Client) Data() <-chan []byte { return c.data }

func (c *Client) States() <-chan Snapshot { return c.states }

func (c *Client) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Client) snapshotLocked() Snapshot {
	out := Snapshot{
		Host:       c.cfg.Host,
		Mountpoint: c.cfg.Mountpoint,
		State:      c.state.String(),
		Reason:     c.reason,
		StatusCode: c.statusCode,
		LastError:  c.lastErr,
		Attempt:    c.attempt,
		BytesIn:    c.bytesIn,
	}
	if !c.lastData.IsZero() {
		out.LastDataUTC = c.lastData.UTC().Format(time.RFC3339Nano)
	}
	if !c.lastReport.IsZero() {
		out.LastReportUTC = c.lastReport.UTC().Format(time.RFC3339Nano)
	}
	return out
}

// Connect starts the session. Configuration was validated in New; this
// only fails on misuse (nil ctx, double connect).
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("ntrip client is nil")
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}
	if c.running.Swap(true) {
		return fmt.Errorf("ntrip client already connecting or connected")
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.stopMu.Lock()
	c.cancel = cancel
	c.done = done
	c.stopMu.Unlock()

	go func() {
		defer close(done)
		defer c.running.Store(false)
		c.runLoop(runCtx)
	}()
	return nil
}

// Disconnect is user-initiated and idempotent; it cancels any pending
// retry timer and never feeds the reconnect path.
func (c *Client) Disconnect() {
	if c == nil {
		return
	}
	c.stopMu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.stopMu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.closeConn()
	if done != nil {
		<-done
	}
	c.setAttempt(0)
	c.setState(StateDisconnected, "", 0, "")
}

// SendPositionReport records the latest GGA line and, when connected,
// forwards it to the caster immediately. The session timer re-sends the
// recorded line every ReportInterval regardless, which keeps casters that
// demand a steady cadence happy between fixes.
func (c *Client) SendPositionReport(gga string) {
	if c == nil {
		return
	}
	gga = strings.TrimSpace(gga)
	if gga == "" {
		return
	}
	c.mu.Lock()
	c.lastGGA = gga
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.writeReport(conn, gga)
	}
}

func (c *Client) writeReport(conn net.Conn, gga string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write([]byte(gga + "\r\n")); err != nil {
		c.setError("position report: " + err.Error())
		// The read loop will notice the dead socket and reconnect.
		_ = conn.Close()
		return
	}
	c.mu.Lock()
	c.lastReport = time.Now()
	c.mu.Unlock()
}

func (c *Client) runLoop(ctx context.Context) {
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout, KeepAlive: 30 * time.Second}
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	var sched backoff.Schedule

	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting, "", 0, "")

		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !c.retryWait(ctx, &sched, ReasonConnectionFailed, 0, err.Error()) {
				return
			}
			continue
		}

		c.setState(StateAuthenticating, "", 0, "")
		reader := bufio.NewReader(conn)
		code, reason, err := c.handshake(conn, reader)
		if err != nil {
			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}
			if !c.retryWait(ctx, &sched, ReasonConnectionFailed, 0, err.Error()) {
				return
			}
			continue
		}
		if reason == ReasonAuthenticationFailed {
			// Terminal: retrying with the same credentials would just get
			// the account locked out. New credentials mean a new Connect.
			_ = conn.Close()
			c.setState(StateFailed, ReasonAuthenticationFailed, code, "")
			return
		}
		if reason != "" {
			_ = conn.Close()
			if !c.retryWait(ctx, &sched, reason, code, "") {
				return
			}
			continue
		}

		sched.Reset()
		c.setAttempt(0)
		c.setConn(conn)
		c.setState(StateConnected, "", code, "")

		connCtx, connCancel := context.WithCancel(ctx)
		go c.reportLoop(connCtx, conn)

		readErr := c.streamLoop(ctx, reader)
		connCancel()
		c.closeConn()
		if ctx.Err() != nil {
			return
		}

		msg := ""
		if readErr != nil {
			msg = readErr.Error()
		}
		if !c.retryWait(ctx, &sched, ReasonConnectionFailed, 0, msg) {
			return
		}
	}
}

// handshake sends the NTRIP request and classifies the caster's answer.
// A non-empty reason means a protocol-level rejection; err is reserved for
// transport failures.
func (c *Client) handshake(conn net.Conn, reader *bufio.Reader) (code int, reason string, err error) {
	auth := base64.StdEncoding.EncodeToString([]byte(c.cfg.Username + ":" + c.cfg.Password))
	req := fmt.Sprintf("GET /%s HTTP/1.1\r\n"+
		"Host: %s\r\n"+
		"Ntrip-Version: NTRIP/1.0\r\n"+
		"User-Agent: %s\r\n"+
		"Connection: close\r\n"+
		"Authorization: Basic %s\r\n"+
		"\r\n",
		c.cfg.Mountpoint,
		net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port)),
		c.cfg.UserAgent,
		auth,
	)

	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write([]byte(req)); err != nil {
		return 0, "", fmt.Errorf("request: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		return 0, "", fmt.Errorf("status line: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	statusLine = strings.TrimSpace(statusLine)

	switch {
	case statusLine == "ICY 200 OK":
		// NTRIP 1.0 casters answer with a bare ICY line and stream
		// immediately; there are no headers to skip.
		return 200, "", nil

	case strings.HasPrefix(statusLine, "SOURCETABLE"):
		// The caster didn't recognize the mountpoint and is answering with
		// its source table instead.
		return 200, ReasonMountpointNotFound, nil

	case strings.HasPrefix(statusLine, "HTTP/"):
		parts := strings.SplitN(statusLine, " ", 3)
		if len(parts) < 2 {
			return 0, "", fmt.Errorf("malformed status line %q", statusLine)
		}
		code, convErr := strconv.Atoi(parts[1])
		if convErr != nil {
			return 0, "", fmt.Errorf("malformed status line %q", statusLine)
		}
		if err := skipHeaders(reader); err != nil {
			return code, "", fmt.Errorf("response headers: %w", err)
		}
		switch {
		case code == 200:
			return code, "", nil
		case code == 401:
			return code, ReasonAuthenticationFailed, nil
		case code == 404:
			return code, ReasonMountpointNotFound, nil
		default:
			return code, ReasonServerError, nil
		}

	default:
		return 0, "", fmt.Errorf("unrecognized caster response %q", statusLine)
	}
}

func skipHeaders(reader *bufio.Reader) error {
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		if strings.TrimSpace(line) == "" {
			return nil
		}
	}
}

// streamLoop forwards correction bytes as they arrive. The reader may hold
// body bytes buffered from the handshake; they come out first, in order.
func (c *Client) streamLoop(ctx context.Context, reader *bufio.Reader) error {
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			cp := append([]byte(nil), buf[:n]...)
			c.mu.Lock()
			c.bytesIn += uint64(n)
			c.lastData = time.Now()
			c.mu.Unlock()
			select {
			case c.data <- cp:
			case <-ctx.Done():
				return nil
			}
		}
		if err != nil {
			return err
		}
	}
}

// reportLoop re-sends the most recent GGA line on the session cadence.
// Before the first report exists the tick is a no-op.
func (c *Client) reportLoop(ctx context.Context, conn net.Conn) {
	t := time.NewTicker(c.cfg.ReportInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.mu.Lock()
			gga := c.lastGGA
			c.mu.Unlock()
			if gga == "" {
				continue
			}
			c.writeReport(conn, gga)
		}
	}
}

func (c *Client) retryWait(ctx context.Context, sched *backoff.Schedule, reason string, code int, errMsg string) bool {
	d, ok := sched.Next()
	if !ok {
		c.setState(StateFailed, ReasonReconnectExhausted, code, errMsg)
		return false
	}
	c.setAttempt(sched.Attempt())
	c.setState(StateFailed, reason, code, errMsg)
	delay := time.Duration(d/time.Second) * c.retryScale
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) setState(state State, reason string, code int, lastErr string) {
	c.mu.Lock()
	c.state = state
	c.reason = reason
	c.statusCode = code
	if lastErr != "" {
		c.lastErr = lastErr
	} else if state == StateConnected || state == StateConnecting {
		c.lastErr = ""
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publishState(snap)
}

func (c *Client) setError(msg string) {
	c.mu.Lock()
	c.lastErr = msg
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publishState(snap)
}

func (c *Client) setAttempt(n int) {
	c.mu.Lock()
	c.attempt = n
	c.mu.Unlock()
}

func (c *Client) publishState(snap Snapshot) {
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

func (c *Client) setConn(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
