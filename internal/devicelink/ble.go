package devicelink

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tinygo.org/x/bluetooth"

	"rtkbridge/internal/backoff"
)

// The receiver speaks the Nordic UART Service: one write characteristic for
// receiver-bound corrections, one notify characteristic for NMEA output.
var (
	uartServiceUUID = mustUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	uartWriteUUID   = mustUUID("6e400002-b5a3-f393-e0a9-e50e24dcca9e")
	uartNotifyUUID  = mustUUID("6e400003-b5a3-f393-e0a9-e50e24dcca9e")
)

const (
	defaultScanTimeout = 30 * time.Second
	bleConnectTimeout  = 15 * time.Second

	// Fallback write chunk when MTU negotiation is unavailable: the BLE 4.0
	// minimum ATT payload.
	bleMinChunk = 20
)

func mustUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

type BLEConfig struct {
	// DeviceID selects the connect target: the platform address string of a
	// previously discovered device.
	DeviceID string

	// ScanTimeout bounds a discovery session. Defaults to 30s.
	ScanTimeout time.Duration

	// Adapter overrides the platform default, mainly for tests.
	Adapter *bluetooth.Adapter
}

// BLELink talks to a receiver over Bluetooth Low Energy. Inbound NMEA
// arrives as notification events and is forwarded in arrival order;
// outbound corrections are chunked to the negotiated MTU payload.
type BLELink struct {
	core
	cfg     BLEConfig
	adapter *bluetooth.Adapter

	enabled  atomic.Bool
	running  atomic.Bool
	scanning atomic.Bool

	discMu sync.Mutex
	found  map[string]bluetooth.ScanResult

	devMu     sync.Mutex
	device    *bluetooth.Device
	writeChar *bluetooth.DeviceCharacteristic
	chunk     int

	lost chan struct{}

	sendMu sync.Mutex

	stopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewBLE(cfg BLEConfig) (*BLELink, error) {
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = defaultScanTimeout
	}
	adapter := cfg.Adapter
	if adapter == nil {
		adapter = bluetooth.DefaultAdapter
	}
	l := &BLELink{
		core:    newCore("ble"),
		cfg:     cfg,
		adapter: adapter,
		found:   make(map[string]bluetooth.ScanResult),
		lost:    make(chan struct{}, 1),
	}
	l.setTarget(cfg.DeviceID)
	return l, nil
}

func (l *BLELink) enableAdapter() error {
	if l.enabled.Load() {
		return nil
	}
	if err := l.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	l.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		l.devMu.Lock()
		ours := l.device != nil && l.device.Address.String() == device.Address.String()
		l.devMu.Unlock()
		if !ours {
			return
		}
		select {
		case l.lost <- struct{}{}:
		default:
		}
	})
	l.enabled.Store(true)
	return nil
}

// StartDiscovery scans for receivers advertising the UART service. The
// session ends when StopDiscovery is called, ctx is cancelled, or the scan
// timeout elapses; the returned channel is closed when it does. Repeat
// advertisements from one device are delivered again with fresh RSSI; the
// device identity is the channel element's ID.
func (l *BLELink) StartDiscovery(ctx context.Context) (<-chan DiscoveredDevice, error) {
	if l == nil {
		return nil, fmt.Errorf("ble link is nil")
	}
	if err := l.enableAdapter(); err != nil {
		return nil, err
	}
	if l.scanning.Swap(true) {
		return nil, fmt.Errorf("ble: discovery already running")
	}

	ch := make(chan DiscoveredDevice, 16)
	scanCtx, cancel := context.WithTimeout(ctx, l.cfg.ScanTimeout)

	go func() {
		<-scanCtx.Done()
		_ = l.adapter.StopScan()
	}()

	go func() {
		defer cancel()
		defer l.scanning.Store(false)
		defer close(ch)

		err := l.adapter.Scan(func(_ *bluetooth.Adapter, res bluetooth.ScanResult) {
			if !res.HasServiceUUID(uartServiceUUID) {
				return
			}
			id := res.Address.String()
			l.discMu.Lock()
			l.found[id] = res
			l.discMu.Unlock()

			d := DiscoveredDevice{
				ID:   id,
				Name: res.LocalName(),
				RSSI: res.RSSI,
				Raw:  res.Bytes(),
			}
			select {
			case ch <- d:
			default:
				// Scan callbacks must not block; a slow consumer just
				// misses an advertisement tick.
			}
		})
		if err != nil {
			l.setError("ble scan: " + err.Error())
		}
	}()
	return ch, nil
}

func (l *BLELink) StopDiscovery() {
	if l == nil {
		return
	}
	_ = l.adapter.StopScan()
}

func (l *BLELink) Connect(ctx context.Context) error {
	if l == nil {
		return fmt.Errorf("ble link is nil")
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}
	if l.cfg.DeviceID == "" {
		return fmt.Errorf("ble link: device id is required")
	}
	l.discMu.Lock()
	_, known := l.found[l.cfg.DeviceID]
	l.discMu.Unlock()
	if !known {
		return fmt.Errorf("ble link: device %s has not been discovered", l.cfg.DeviceID)
	}
	if err := l.enableAdapter(); err != nil {
		return err
	}
	if l.running.Swap(true) {
		return fmt.Errorf("ble link already connecting or connected")
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

func (l *BLELink) Disconnect() {
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
	l.dropDevice()
	if done != nil {
		<-done
	}
	l.setAttempt(0)
	l.setState(StateIdle, "", "")
}

// Send chunks p to the write characteristic. The chunking loop preserves
// byte order, and the mutex keeps concurrent callers from interleaving
// chunks: each Send drains fully before the next begins.
func (l *BLELink) Send(p []byte) error {
	if l == nil {
		return fmt.Errorf("ble link is nil")
	}
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	l.devMu.Lock()
	ch := l.writeChar
	chunk := l.chunk
	l.devMu.Unlock()
	if ch == nil {
		return fmt.Errorf("ble link: not connected")
	}
	if chunk <= 0 {
		chunk = bleMinChunk
	}

	for off := 0; off < len(p); off += chunk {
		end := off + chunk
		if end > len(p) {
			end = len(p)
		}
		if _, err := ch.WriteWithoutResponse(p[off:end]); err != nil {
			return fmt.Errorf("ble link write: %w", err)
		}
		l.addBytesOut(end - off)
	}
	return nil
}

func (l *BLELink) runLoop(ctx context.Context) {
	var sched backoff.Schedule
	for {
		if ctx.Err() != nil {
			return
		}
		l.setState(StateConnecting, "", "")

		err := l.connectOnce(ctx)
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
		l.setState(StateConnected, "", "")

		select {
		case <-ctx.Done():
			l.dropDevice()
			return
		case <-l.lost:
			l.dropDevice()
			if !l.retryWait(ctx, &sched, ReasonLinkLost, "connection lost") {
				return
			}
		}
	}
}

// connectOnce establishes the GATT session: connect, find the UART service
// and both characteristics, subscribe to notifications.
func (l *BLELink) connectOnce(ctx context.Context) error {
	l.discMu.Lock()
	res, ok := l.found[l.cfg.DeviceID]
	l.discMu.Unlock()
	if !ok {
		return fmt.Errorf("device %s not in scan cache", l.cfg.DeviceID)
	}

	dev, err := l.adapter.Connect(res.Address, bluetooth.ConnectionParams{
		ConnectionTimeout: bluetooth.NewDuration(bleConnectTimeout),
	})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	svcs, err := dev.DiscoverServices([]bluetooth.UUID{uartServiceUUID})
	if err != nil || len(svcs) == 0 {
		_ = dev.Disconnect()
		if err == nil {
			err = fmt.Errorf("service not found")
		}
		return fmt.Errorf("discover services: %w", err)
	}

	writeChars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{uartWriteUUID})
	if err != nil || len(writeChars) == 0 {
		_ = dev.Disconnect()
		if err == nil {
			err = fmt.Errorf("write characteristic not found")
		}
		return fmt.Errorf("discover characteristics: %w", err)
	}
	notifyChars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{uartNotifyUUID})
	if err != nil || len(notifyChars) == 0 {
		_ = dev.Disconnect()
		if err == nil {
			err = fmt.Errorf("notify characteristic not found")
		}
		return fmt.Errorf("discover characteristics: %w", err)
	}

	chunk := bleMinChunk
	if mtu, err := writeChars[0].GetMTU(); err == nil && int(mtu) > 3 {
		chunk = int(mtu) - 3
	}

	// Notification callbacks arrive serialized from the platform stack, so
	// arrival order is preserved through pushData.
	err = notifyChars[0].EnableNotifications(func(buf []byte) {
		l.pushData(ctx, buf)
	})
	if err != nil {
		_ = dev.Disconnect()
		return fmt.Errorf("enable notifications: %w", err)
	}

	l.devMu.Lock()
	l.device = &dev
	l.writeChar = &writeChars[0]
	l.chunk = chunk
	l.devMu.Unlock()
	return nil
}

func (l *BLELink) dropDevice() {
	l.devMu.Lock()
	dev := l.device
	l.device = nil
	l.writeChar = nil
	l.devMu.Unlock()
	if dev != nil {
		_ = dev.Disconnect()
	}
}
