// Package udp rebroadcasts the session's regenerated GGA line to a UDP
// destination, typically a broadcast address consumed by mapping software
// on the same network.
package udp

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)
type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

type Broadcaster struct {
	dest     string
	interval time.Duration
	conn     udpConn

	mu   sync.Mutex
	line string

	stopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewBroadcaster(dest string, interval time.Duration) (*Broadcaster, error) {
	return newBroadcaster(dest, interval, net.ResolveUDPAddr,
		func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
			return net.DialUDP(network, laddr, raddr)
		})
}

func newBroadcaster(dest string, interval time.Duration, resolve resolveFunc, dial dialFunc) (*Broadcaster, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}

	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}

	if interval <= 0 {
		interval = 1 * time.Second
	}
	return &Broadcaster{
		dest:     dest,
		interval: interval,
		conn:     conn,
	}, nil
}

// Publish stores the line the rebroadcast loop will send on its next tick.
func (b *Broadcaster) Publish(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	b.mu.Lock()
	b.line = line
	b.mu.Unlock()
}

// Send writes a payload immediately, outside the rebroadcast cadence.
func (b *Broadcaster) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := b.conn.Write(payload)
	return err
}

// Start runs the rebroadcast loop. Before the first Publish the ticks are
// no-ops.
func (b *Broadcaster) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.stopMu.Lock()
	b.cancel = cancel
	b.done = done
	b.stopMu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(b.interval)
		defer t.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-t.C:
				b.mu.Lock()
				line := b.line
				b.mu.Unlock()
				if line == "" {
					continue
				}
				_ = b.Send([]byte(line + "\r\n"))
			}
		}
	}()
}

func (b *Broadcaster) Close() error {
	b.stopMu.Lock()
	cancel := b.cancel
	done := b.done
	b.cancel = nil
	b.done = nil
	b.stopMu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
