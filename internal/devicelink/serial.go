package devicelink

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"

	"rtkbridge/internal/backoff"
)

type SerialConfig struct {
	Port string // e.g. /dev/ttyUSB0
	Baud int    // defaults to 9600 (8N1)
}

// SerialLink talks to a receiver over a local UART/USB-serial port. Same
// contract and reconnect behavior as the network transports; an unplugged
// cable looks like a link loss and is retried on the shared schedule.
type SerialLink struct {
	core
	cfg SerialConfig

	running atomic.Bool

	portMu sync.Mutex
	port   serial.Port

	sendMu sync.Mutex

	stopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSerial(cfg SerialConfig) (*SerialLink, error) {
	if cfg.Port == "" {
		return nil, fmt.Errorf("serial link: port is required")
	}
	if cfg.Baud < 0 {
		return nil, fmt.Errorf("serial link: baud %d out of range", cfg.Baud)
	}
	if cfg.Baud == 0 {
		cfg.Baud = 9600
	}
	l := &SerialLink{core: newCore("serial"), cfg: cfg}
	l.setTarget(fmt.Sprintf("%s@%d", cfg.Port, cfg.Baud))
	return l, nil
}

func (l *SerialLink) Connect(ctx context.Context) error {
	if l == nil {
		return fmt.Errorf("serial link is nil")
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}
	if l.running.Swap(true) {
		return fmt.Errorf("serial link already connecting or connected")
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

func (l *SerialLink) Disconnect() {
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
	l.closePort()
	if done != nil {
		<-done
	}
	l.setAttempt(0)
	l.setState(StateIdle, "", "")
}

func (l *SerialLink) Send(p []byte) error {
	if l == nil {
		return fmt.Errorf("serial link is nil")
	}
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	l.portMu.Lock()
	port := l.port
	l.portMu.Unlock()
	if port == nil {
		return fmt.Errorf("serial link: not connected")
	}

	n, err := port.Write(p)
	if n > 0 {
		l.addBytesOut(n)
	}
	if err != nil {
		_ = port.Close()
		return fmt.Errorf("serial link write: %w", err)
	}
	return nil
}

func (l *SerialLink) runLoop(ctx context.Context) {
	mode := &serial.Mode{
		BaudRate: l.cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	var sched backoff.Schedule

	for {
		if ctx.Err() != nil {
			return
		}
		l.setState(StateConnecting, "", "")
		port, err := serial.Open(l.cfg.Port, mode)
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
		l.setPort(port)
		l.setState(StateConnected, "", "")

		readErr := l.readLoop(ctx, port)
		l.closePort()
		if ctx.Err() != nil {
			return
		}

		msg := ""
		if readErr != nil {
			msg = readErr.Error()
		}
		if !l.retryWait(ctx, &sched, ReasonLinkLost, msg) {
			return
		}
	}
}

func (l *SerialLink) readLoop(ctx context.Context, port serial.Port) error {
	buf := make([]byte, 4096)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			if !l.pushData(ctx, buf[:n]) {
				return nil
			}
		}
		if err != nil {
			return err
		}
		if n == 0 && ctx.Err() != nil {
			return nil
		}
	}
}

func (l *SerialLink) setPort(port serial.Port) {
	l.portMu.Lock()
	l.port = port
	l.portMu.Unlock()
}

func (l *SerialLink) closePort() {
	l.portMu.Lock()
	port := l.port
	l.port = nil
	l.portMu.Unlock()
	if port != nil {
		_ = port.Close()
	}
}
