package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"rtkbridge/internal/devicelink"
	"rtkbridge/internal/gnss"
	"rtkbridge/internal/nmea"
	"rtkbridge/internal/ntrip"
)

const (
	ggaFix  = "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47\r\n"
	gsaLine = "$GPGSA,A,3,04,05,,09,12,,,24,,,,,2.5,1.3,2.1*39\r\n"
)

func sentence(payload string) string {
	return "$" + payload + "*" + nmea.ChecksumString(payload) + "\r\n"
}

type fakeLink struct {
	mu          sync.Mutex
	state       devicelink.State
	sent        [][]byte
	disconnects int
	data        chan []byte
}

func newFakeLink() *fakeLink {
	return &fakeLink{state: devicelink.StateIdle, data: make(chan []byte, 16)}
}

func (f *fakeLink) Send(p []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, append([]byte(nil), p...))
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) Data() <-chan []byte { return f.data }

func (f *fakeLink) Snapshot() devicelink.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return devicelink.Snapshot{Transport: "fake", State: f.state.String()}
}

func (f *fakeLink) Disconnect() {
	f.mu.Lock()
	f.state = devicelink.StateIdle
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeLink) setState(s devicelink.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeLink) sentCopy() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeCorrections struct {
	mu          sync.Mutex
	state       ntrip.State
	reports     []string
	disconnects int
	data        chan []byte
}

func newFakeCorrections() *fakeCorrections {
	return &fakeCorrections{state: ntrip.StateDisconnected, data: make(chan []byte, 16)}
}

func (f *fakeCorrections) Data() <-chan []byte { return f.data }

func (f *fakeCorrections) SendPositionReport(gga string) {
	f.mu.Lock()
	f.reports = append(f.reports, gga)
	f.mu.Unlock()
}

func (f *fakeCorrections) Snapshot() ntrip.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ntrip.Snapshot{State: f.state.String()}
}

func (f *fakeCorrections) Disconnect() {
	f.mu.Lock()
	f.state = ntrip.StateDisconnected
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeCorrections) setState(s ntrip.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeCorrections) reportsCopy() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reports...)
}

func newTestSession() (*Session, *fakeLink, *fakeCorrections) {
	link := newFakeLink()
	corr := newFakeCorrections()
	return New(link, corr), link, corr
}

func TestStatus_DeviceLinkTakesPrecedence(t *testing.T) {
	s, link, corr := newTestSession()

	if got := s.Status(); got != StatusDisconnected {
		t.Fatalf("status=%v want disconnected", got)
	}

	corr.setState(ntrip.StateConnected)
	if got := s.Status(); got != StatusNtripOnly {
		t.Fatalf("status=%v want ntrip_only", got)
	}

	link.setState(devicelink.StateConnected)
	if got := s.Status(); got != StatusDeviceLinkActive {
		t.Fatalf("status=%v want device_link_active", got)
	}

	// Device link alone is enough.
	corr.setState(ntrip.StateDisconnected)
	if got := s.Status(); got != StatusDeviceLinkActive {
		t.Fatalf("status=%v want device_link_active without ntrip", got)
	}
}

func TestSession_GGAPublishesAndFeedsBack(t *testing.T) {
	s, _, corr := newTestSession()
	_, updates := s.Subscribe(4)

	s.handleInbound([]byte(ggaFix))

	var pos gnss.Position
	select {
	case pos = <-updates:
	case <-time.After(time.Second):
		t.Fatalf("no position published")
	}
	if pos.Quality != gnss.FixGPS || pos.Satellites != 8 {
		t.Fatalf("quality=%v sats=%d", pos.Quality, pos.Satellites)
	}
	if pos.LatDeg < 48.11 || pos.LatDeg > 48.13 {
		t.Fatalf("lat=%v", pos.LatDeg)
	}
	if pos.HDOP == nil || *pos.HDOP != 0.9 {
		t.Fatalf("hdop=%v", pos.HDOP)
	}
	if pos.HorizAccM != 0.9*uereMeters {
		t.Fatalf("horiz acc=%v", pos.HorizAccM)
	}

	reports := corr.reportsCopy()
	if len(reports) != 1 {
		t.Fatalf("reports=%d want 1", len(reports))
	}
	if !strings.HasPrefix(reports[0], "$GPGGA,") {
		t.Fatalf("report=%q", reports[0])
	}
	if !nmea.ValidateLine(reports[0]) {
		t.Fatalf("regenerated GGA has a bad checksum: %q", reports[0])
	}
}

func TestSession_InvalidGGANotPublished(t *testing.T) {
	s, _, corr := newTestSession()
	_, updates := s.Subscribe(4)

	noFix := sentence("GPGGA,123519,,,,,0,00,,,M,,M,,")
	s.handleInbound([]byte(noFix))

	select {
	case p := <-updates:
		t.Fatalf("unexpected position from invalid fix: %+v", p)
	default:
	}
	if len(corr.reportsCopy()) != 0 {
		t.Fatalf("invalid fix must not produce a caster report")
	}
	if _, ok := s.Position(); ok {
		t.Fatalf("no position should be stored")
	}
}

func TestSession_GSAAmendsDOP(t *testing.T) {
	s, _, _ := newTestSession()

	// GSA before any fix has nothing to amend.
	s.handleInbound([]byte(gsaLine))
	if _, ok := s.Position(); ok {
		t.Fatalf("GSA alone must not create a position")
	}

	s.handleInbound([]byte(ggaFix))
	_, updates := s.Subscribe(4)
	<-updates // replayed fix

	s.handleInbound([]byte(gsaLine))
	var pos gnss.Position
	select {
	case pos = <-updates:
	case <-time.After(time.Second):
		t.Fatalf("amended position not published")
	}
	if pos.PDOP == nil || *pos.PDOP != 2.5 {
		t.Fatalf("pdop=%v want 2.5", pos.PDOP)
	}
	if pos.HDOP == nil || *pos.HDOP != 1.3 {
		t.Fatalf("hdop=%v want 1.3", pos.HDOP)
	}
	if pos.VDOP == nil || *pos.VDOP != 2.1 {
		t.Fatalf("vdop=%v want 2.1", pos.VDOP)
	}
	if pos.VertAccM != 2.1*uereMeters {
		t.Fatalf("vert acc=%v", pos.VertAccM)
	}
	// The amended fix keeps the GGA coordinates.
	if pos.LatDeg < 48.11 || pos.LatDeg > 48.13 {
		t.Fatalf("lat=%v", pos.LatDeg)
	}
}

func TestSession_DOPCarriesToNextFix(t *testing.T) {
	s, _, _ := newTestSession()
	s.handleInbound([]byte(ggaFix))
	s.handleInbound([]byte(gsaLine))
	s.handleInbound([]byte(ggaFix))

	pos, ok := s.Position()
	if !ok {
		t.Fatalf("no position")
	}
	if pos.VDOP == nil || *pos.VDOP != 2.1 {
		t.Fatalf("vdop lost on new fix: %v", pos.VDOP)
	}
	// HDOP comes from the fresh GGA, not the older GSA.
	if pos.HDOP == nil || *pos.HDOP != 0.9 {
		t.Fatalf("hdop=%v want 0.9", pos.HDOP)
	}
}

func TestSession_DataRateWindowAndStaleness(t *testing.T) {
	s, _, _ := newTestSession()
	now := time.Now()

	s.handleInbound([]byte(ggaFix + gsaLine + ggaFix))
	s.tick(now)
	snap := s.Snapshot()
	if snap.DataRate != 3 {
		t.Fatalf("rate=%d want 3", snap.DataRate)
	}
	if !snap.IsReceivingData {
		t.Fatalf("receiving should be true")
	}

	// Next window with no new sentences: rate drops, link still fresh.
	s.tick(now.Add(time.Second))
	if snap = s.Snapshot(); snap.DataRate != 0 || !snap.IsReceivingData {
		t.Fatalf("rate=%d receiving=%v", snap.DataRate, snap.IsReceivingData)
	}

	// Past the staleness cutoff the session stops claiming data flow.
	s.tick(now.Add(5 * time.Second))
	if snap = s.Snapshot(); snap.IsReceivingData {
		t.Fatalf("stale link still reports receiving")
	}

	// A quiet-then-bursty boundary: sentences counted but link already
	// stale at tick time still reads as rate 0.
	s.mu.Lock()
	s.windowCount = 4
	s.lastData = now
	s.mu.Unlock()
	s.tick(now.Add(10 * time.Second))
	if snap = s.Snapshot(); snap.DataRate != 0 {
		t.Fatalf("stale rate=%d want 0", snap.DataRate)
	}
}

func TestSession_RoutesCorrectionsToLink(t *testing.T) {
	s, link, corr := newTestSession()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	rtcm := []byte{0xD3, 0x00, 0x04, 0x4C, 0xE0, 0x00, 0x80}
	corr.data <- rtcm

	deadline := time.Now().Add(2 * time.Second)
	for {
		if sent := link.sentCopy(); len(sent) == 1 {
			if string(sent[0]) != string(rtcm) {
				t.Fatalf("forwarded=%x want %x", sent[0], rtcm)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("corrections never reached the link")
		}
		time.Sleep(2 * time.Millisecond)
	}

	snap := s.Snapshot()
	if snap.CorrectionBytes != uint64(len(rtcm)) {
		t.Fatalf("correction bytes=%d want %d", snap.CorrectionBytes, len(rtcm))
	}
	if snap.CorrectionAgeSec == nil {
		t.Fatalf("correction age missing")
	}
}

func TestSession_StartedLoopParsesLinkBytes(t *testing.T) {
	s, link, corr := newTestSession()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	_, updates := s.Subscribe(4)
	// Split mid-sentence across two pushes; the loop must reassemble.
	link.data <- []byte(ggaFix[:20])
	link.data <- []byte(ggaFix[20:])

	select {
	case pos := <-updates:
		if pos.Quality != gnss.FixGPS {
			t.Fatalf("quality=%v", pos.Quality)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no position from started loop")
	}
	if len(corr.reportsCopy()) == 0 {
		t.Fatalf("started loop did not feed back GGA")
	}
}

func TestSession_CloseTearsDownBothClients(t *testing.T) {
	s, link, corr := newTestSession()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("double Start must fail")
	}
	s.Close()
	if link.disconnects != 1 || corr.disconnects != 1 {
		t.Fatalf("disconnects link=%d ntrip=%d", link.disconnects, corr.disconnects)
	}
	// Restartable after Close.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	s.Close()
}

func TestSession_SubscribeReplaysLatestFix(t *testing.T) {
	s, _, _ := newTestSession()
	s.handleInbound([]byte(ggaFix))

	id, updates := s.Subscribe(1)
	select {
	case pos := <-updates:
		if pos.Quality != gnss.FixGPS {
			t.Fatalf("quality=%v", pos.Quality)
		}
	default:
		t.Fatalf("latest fix not replayed to new subscriber")
	}
	s.Unsubscribe(id)
	if _, ok := <-updates; ok {
		t.Fatalf("channel should be closed after Unsubscribe")
	}
}
