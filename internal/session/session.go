// Package session composes the device link, the NTRIP client and the NMEA
// parser into one GNSS session: receiver bytes flow through the parser into
// published position updates, correction bytes flow the other way into the
// receiver, and the latest fix is fed back to the caster as a GGA line.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"rtkbridge/internal/devicelink"
	"rtkbridge/internal/gnss"
	"rtkbridge/internal/nmea"
	"rtkbridge/internal/ntrip"
)

// Status is the aggregate session state derived from the two transports.
// The device link wins over an NTRIP-only connection.
type Status int

const (
	StatusDisconnected Status = iota
	StatusNtripOnly
	StatusDeviceLinkActive
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusNtripOnly:
		return "ntrip_only"
	case StatusDeviceLinkActive:
		return "device_link_active"
	default:
		return "unknown"
	}
}

// staleCutoff forces isReceivingData false when the receiver goes quiet.
const staleCutoff = 2 * time.Second

// Rough UERE multiplier to turn DOP into a meter-level accuracy estimate.
const uereMeters = 5.0

// DeviceLink is the slice of the device-link contract the session needs.
type DeviceLink interface {
	Send(p []byte) error
	Data() <-chan []byte
	Snapshot() devicelink.Snapshot
	Disconnect()
}

// CorrectionSource is the slice of the NTRIP client contract the session
// needs.
type CorrectionSource interface {
	Data() <-chan []byte
	SendPositionReport(gga string)
	Snapshot() ntrip.Snapshot
	Disconnect()
}

// Snapshot is the session's published state for status consumers.
type Snapshot struct {
	Status           string              `json:"status"`
	IsReceivingData  bool                `json:"is_receiving_data"`
	DataRate         int                 `json:"data_rate"`
	Sentences        uint64              `json:"sentences"`
	CorrectionBytes  uint64              `json:"correction_bytes"`
	CorrectionAgeSec *float64            `json:"correction_age_sec,omitempty"`
	Device           devicelink.Snapshot `json:"device"`
	Ntrip            ntrip.Snapshot      `json:"ntrip"`
	Position         *gnss.Position      `json:"position,omitempty"`
}

// Session owns one device link, one correction source and one parser.
// The latest position is owned exclusively here; everyone else sees
// immutable copies.
type Session struct {
	link        DeviceLink
	corrections CorrectionSource
	parser      *nmea.StreamParser

	started atomic.Bool

	mu              sync.Mutex
	pos             gnss.Position
	havePos         bool
	lastData        time.Time
	lastCorrection  time.Time
	windowCount     int
	dataRate        int
	receiving       bool
	sentences       uint64
	correctionBytes uint64

	subMu  sync.Mutex
	subs   map[int]chan gnss.Position
	nextID int

	stopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// noopCorrections stands in when no caster is configured. Its nil data
// channel never becomes ready in the run loop's select.
type noopCorrections struct{}

func (noopCorrections) Data() <-chan []byte { return nil }

func (noopCorrections) SendPositionReport(string) {}

func (noopCorrections) Disconnect() {}
func (noopCorrections) Snapshot() ntrip.Snapshot {
	return ntrip.Snapshot{State: ntrip.StateDisconnected.String()}
}

// New builds a session. A nil corrections source means the bridge runs
// without a caster; positions still flow, nothing is fed back.
func New(link DeviceLink, corrections CorrectionSource) *Session {
	if corrections == nil {
		corrections = noopCorrections{}
	}
	return &Session{
		link:        link,
		corrections: corrections,
		parser:      nmea.NewStreamParser(),
		subs:        make(map[int]chan gnss.Position),
	}
}

func (s *Session) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("session is nil")
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}
	if s.started.Swap(true) {
		return fmt.Errorf("session already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.stopMu.Lock()
	s.cancel = cancel
	s.done = done
	s.stopMu.Unlock()

	go func() {
		defer close(done)
		s.run(runCtx)
	}()
	return nil
}

// Close tears down the session and both owned clients.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.stopMu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.stopMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	s.link.Disconnect()
	s.corrections.Disconnect()
	s.started.Store(false)
}

func (s *Session) run(ctx context.Context) {
	rate := time.NewTicker(1 * time.Second)
	defer rate.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case b := <-s.link.Data():
			s.handleInbound(b)
		case b := <-s.corrections.Data():
			s.handleCorrections(b)
		case now := <-rate.C:
			s.tick(now)
		}
	}
}

// handleInbound feeds receiver bytes through the parser. The run loop is
// the parser's only caller, which keeps its buffer single-writer.
func (s *Session) handleInbound(b []byte) {
	s.mu.Lock()
	s.lastData = time.Now()
	s.mu.Unlock()

	for _, sent := range s.parser.Feed(b) {
		s.mu.Lock()
		s.windowCount++
		s.sentences++
		s.mu.Unlock()
		s.applySentence(sent)
	}
}

// handleCorrections forwards caster bytes straight to the receiver.
// RTCM is opaque here; the receiver does its own framing.
func (s *Session) handleCorrections(b []byte) {
	s.mu.Lock()
	s.lastCorrection = time.Now()
	s.correctionBytes += uint64(len(b))
	s.mu.Unlock()
	_ = s.link.Send(b)
}

func (s *Session) applySentence(sent nmea.Sentence) {
	switch v := sent.(type) {
	case nmea.GGA:
		if !v.Valid() {
			return
		}
		s.applyGGA(v)
	case nmea.GSA:
		s.applyGSA(v)
	case nmea.RMC:
		// Counted for the data rate; GGA is the position source.
	}
}

func (s *Session) applyGGA(g nmea.GGA) {
	s.mu.Lock()
	pos := gnss.Position{
		LatDeg:     *g.LatDeg,
		LonDeg:     *g.LonDeg,
		Time:       time.Now().UTC(),
		Quality:    g.Quality,
		Satellites: g.Satellites,
		HDOP:       g.HDOP,
	}
	if g.AltM != nil {
		pos.AltM = *g.AltM
	}
	// DOP learned from earlier GSA sentences carries over to the new fix.
	if s.havePos {
		pos.VDOP = s.pos.VDOP
		pos.PDOP = s.pos.PDOP
	}
	if pos.HDOP != nil {
		pos.HorizAccM = *pos.HDOP * uereMeters
	}
	if pos.VDOP != nil {
		pos.VertAccM = *pos.VDOP * uereMeters
	}
	s.pos = pos
	s.havePos = true
	s.mu.Unlock()

	s.publish(pos)
	s.corrections.SendPositionReport(nmea.FormatGGA(pos))
}

// applyGSA amends DOP on the latest position. A GSA before any GGA has
// nothing to amend and is dropped.
func (s *Session) applyGSA(g nmea.GSA) {
	s.mu.Lock()
	if !s.havePos {
		s.mu.Unlock()
		return
	}
	pos := s.pos.WithDOP(g.PDOP, g.HDOP, g.VDOP)
	if pos.HDOP != nil {
		pos.HorizAccM = *pos.HDOP * uereMeters
	}
	if pos.VDOP != nil {
		pos.VertAccM = *pos.VDOP * uereMeters
	}
	s.pos = pos
	s.mu.Unlock()

	s.publish(pos)
}

// tick recomputes the 1 Hz data-rate window and applies the staleness
// rule: a quiet link reports rate 0 no matter what just happened.
func (s *Session) tick(now time.Time) {
	s.mu.Lock()
	rate := s.windowCount
	s.windowCount = 0
	receiving := !s.lastData.IsZero() && now.Sub(s.lastData) <= staleCutoff
	if !receiving {
		rate = 0
	}
	s.dataRate = rate
	s.receiving = receiving
	s.mu.Unlock()
}

// Status derives the aggregate state; the device link takes precedence.
func (s *Session) Status() Status {
	if s.link.Snapshot().State == devicelink.StateConnected.String() {
		return StatusDeviceLinkActive
	}
	if s.corrections.Snapshot().State == ntrip.StateConnected.String() {
		return StatusNtripOnly
	}
	return StatusDisconnected
}

func (s *Session) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	out := Snapshot{
		Status:          s.Status().String(),
		IsReceivingData: s.receiving,
		DataRate:        s.dataRate,
		Sentences:       s.sentences,
		CorrectionBytes: s.correctionBytes,
	}
	if !s.lastCorrection.IsZero() {
		age := time.Since(s.lastCorrection).Seconds()
		out.CorrectionAgeSec = &age
	}
	if s.havePos {
		p := s.pos
		out.Position = &p
	}
	s.mu.Unlock()

	out.Device = s.link.Snapshot()
	out.Ntrip = s.corrections.Snapshot()
	return out
}

// Position returns the latest published fix, if any.
func (s *Session) Position() (gnss.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos, s.havePos
}

// Subscribe registers a position listener. New subscribers immediately see
// the latest fix when one exists. Slow consumers miss updates instead of
// stalling the session.
func (s *Session) Subscribe(buffer int) (int, <-chan gnss.Position) {
	if buffer <= 0 {
		buffer = 2
	}
	ch := make(chan gnss.Position, buffer)

	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	if pos, ok := s.Position(); ok {
		select {
		case ch <- pos:
		default:
		}
	}
	return id, ch
}

func (s *Session) Unsubscribe(id int) {
	s.subMu.Lock()
	ch, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
		close(ch)
	}
	s.subMu.Unlock()
}

func (s *Session) publish(pos gnss.Position) {
	s.subMu.Lock()
	targets := make([]chan gnss.Position, 0, len(s.subs))
	for _, ch := range s.subs {
		targets = append(targets, ch)
	}
	s.subMu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- pos:
		default:
		}
	}
}
