package devicelink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"rtkbridge/internal/backoff"
)

type TCPConfig struct {
	Host string
	Port int

	// DialTimeout doubles as the connect watchdog. Defaults to 5s.
	DialTimeout time.Duration
}

// TCPLink talks to a receiver over a plain TCP socket with keep-alive.
// No framing is imposed; bytes pass through in both directions.
type TCPLink struct {
	core
	cfg TCPConfig

	running atomic.Bool

	connMu sync.Mutex
	conn   net.Conn

	sendMu sync.Mutex

	stopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTCP(cfg TCPConfig) (*TCPLink, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("tcp link: host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("tcp link: port %d out of range", cfg.Port)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	l := &TCPLink{core: newCore("tcp"), cfg: cfg}
	l.setTarget(net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	return l, nil
}

func (l *TCPLink) Connect(ctx context.Context) error {
	if l == nil {
		return fmt.Errorf("tcp link is nil")
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}
	if l.running.Swap(true) {
		return fmt.Errorf("tcp link already connecting or connected")
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.stopMu.Lock()
	l.cancel = cancel
	l.done = done
	l.stopMu.Unlock()

	go func() {
		defer close(done)
		defer l.running.Store(false)
		l.runLoop(runCtx)
	}()
	return nil
}

// Disconnect is user-initiated: it halts any pending retry and never feeds
// the reconnect path. Safe to call repeatedly and from any state,
// including terminal failure, where it resets the link to idle.
func (l *TCPLink) Disconnect() {
	if l == nil {
		return
	}
	l.stopMu.Lock()
	cancel := l.cancel
	done := l.done
	l.cancel = nil
	l.done = nil
	l.stopMu.Unlock()

	if cancel != nil {
		l.setState(StateDisconnecting, "", "")
		cancel()
	}
	l.closeConn()
	if done != nil {
		<-done
	}
	l.setAttempt(0)
	l.setState(StateIdle, "", "")
}

// Send writes p to the receiver. Calls are serialized; each buffer is
// written out completely before the next begins.
func (l *TCPLink) Send(p []byte) error {
	if l == nil {
		return fmt.Errorf("tcp link is nil")
	}
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	l.connMu.Lock()
	conn := l.conn
	l.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("tcp link: not connected")
	}

	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	n, err := conn.Write(p)
	if n > 0 {
		l.addBytesOut(n)
	}
	if err != nil {
		// Kill the socket so the read loop notices and the reconnect
		// machinery takes over.
		_ = conn.Close()
		return fmt.Errorf("tcp link write: %w", err)
	}
	return nil
}

func (l *TCPLink) runLoop(ctx context.Context) {
	dialer := &net.Dialer{
		Timeout:   l.cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	var sched backoff.Schedule

	for {
		if ctx.Err() != nil {
			return
		}
		l.setState(StateConnecting, "", "")
		conn, err := dialer.DialContext(ctx, "tcp", l.Snapshot().Target)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !l.retryWait(ctx, &sched, ReasonLinkLost, err.Error()) {
				return
			}
			continue
		}

		sched.Reset()
		l.setAttempt(0)
		l.setConn(conn)
		l.setState(StateConnected, "", "")

		readErr := l.readLoop(ctx, conn)
		l.closeConn()
		if ctx.Err() != nil {
			return
		}

		msg := ""
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			msg = readErr.Error()
		}
		if !l.retryWait(ctx, &sched, ReasonLinkLost, msg) {
			return
		}
	}
}

// readLoop re-arms itself after every delivery until the connection drops.
// A zero-length read with EOF is a graceful remote close.
func (l *TCPLink) readLoop(ctx context.Context, conn net.Conn) error {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if !l.pushData(ctx, buf[:n]) {
				return nil
			}
		}
		if err != nil {
			return err
		}
	}
}

func (l *TCPLink) setConn(conn net.Conn) {
	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
}

func (l *TCPLink) closeConn() {
	l.connMu.Lock()
	conn := l.conn
	l.conn = nil
	l.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
