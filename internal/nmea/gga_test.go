package nmea

import (
	"math"
	"strings"
	"testing"
	"time"

	"rtkbridge/internal/gnss"
)

func TestFormatGGA_RoundTrip(t *testing.T) {
	hdop := 0.9
	in := gnss.Position{
		LatDeg:     48.117300,
		LonDeg:     -11.516667,
		AltM:       545.4,
		Time:       time.Date(2024, 3, 9, 12, 35, 19, 0, time.UTC),
		Quality:    gnss.FixRTKFixed,
		Satellites: 12,
		HDOP:       &hdop,
	}

	lineStr := FormatGGA(in)
	if !ValidateLine(lineStr) {
		t.Fatalf("generated line fails validation: %q", lineStr)
	}

	out := NewStreamParser().Feed([]byte(lineStr + "\r\n"))
	if len(out) != 1 {
		t.Fatalf("sentences=%d want 1", len(out))
	}
	g, ok := out[0].(GGA)
	if !ok {
		t.Fatalf("expected GGA, got %T", out[0])
	}
	if g.LatDeg == nil || math.Abs(*g.LatDeg-in.LatDeg) > 1e-4 {
		t.Fatalf("lat=%v want %v", g.LatDeg, in.LatDeg)
	}
	if g.LonDeg == nil || math.Abs(*g.LonDeg-in.LonDeg) > 1e-4 {
		t.Fatalf("lon=%v want %v", g.LonDeg, in.LonDeg)
	}
	if g.AltM == nil || math.Abs(*g.AltM-in.AltM) > 0.1 {
		t.Fatalf("alt=%v want %v", g.AltM, in.AltM)
	}
	if g.Quality != in.Quality {
		t.Fatalf("quality=%v want %v", g.Quality, in.Quality)
	}
	if g.Satellites != in.Satellites {
		t.Fatalf("satellites=%d want %d", g.Satellites, in.Satellites)
	}
	if g.HDOP == nil || math.Abs(*g.HDOP-hdop) > 1e-9 {
		t.Fatalf("hdop=%v want %v", g.HDOP, hdop)
	}
}

func TestFormatGGA_Hemispheres(t *testing.T) {
	p := gnss.Position{
		LatDeg:     -33.868820,
		LonDeg:     151.209290,
		Quality:    gnss.FixGPS,
		Satellites: 7,
	}
	lineStr := FormatGGA(p)
	if !strings.Contains(lineStr, ",S,") {
		t.Fatalf("expected southern hemisphere: %q", lineStr)
	}
	if !strings.Contains(lineStr, ",E,") {
		t.Fatalf("expected eastern hemisphere: %q", lineStr)
	}
	out := NewStreamParser().Feed([]byte(lineStr + "\r\n"))
	if len(out) != 1 {
		t.Fatalf("sentences=%d want 1", len(out))
	}
	g := out[0].(GGA)
	if g.LatDeg == nil || *g.LatDeg >= 0 {
		t.Fatalf("lat sign lost: %v", g.LatDeg)
	}
	if g.LonDeg == nil || *g.LonDeg <= 0 {
		t.Fatalf("lon sign lost: %v", g.LonDeg)
	}
}

func TestFormatGGA_HDOPDefault(t *testing.T) {
	lineStr := FormatGGA(gnss.Position{Quality: gnss.FixGPS, Satellites: 5, LatDeg: 1, LonDeg: 1})
	out := NewStreamParser().Feed([]byte(lineStr + "\r\n"))
	if len(out) != 1 {
		t.Fatalf("sentences=%d want 1", len(out))
	}
	g := out[0].(GGA)
	if g.HDOP == nil || *g.HDOP != 1.0 {
		t.Fatalf("hdop=%v want default 1.0", g.HDOP)
	}
}

func TestFormatGGA_MinuteRollover(t *testing.T) {
	// 59.999999 minutes must not render as "60.0000".
	p := gnss.Position{LatDeg: 47.9999999, LonDeg: 8.9999999, Quality: gnss.FixGPS, Satellites: 6}
	lineStr := FormatGGA(p)
	if strings.Contains(lineStr, "60.0000") {
		t.Fatalf("minute overflow: %q", lineStr)
	}
	out := NewStreamParser().Feed([]byte(lineStr + "\r\n"))
	if len(out) != 1 {
		t.Fatalf("sentences=%d want 1", len(out))
	}
	g := out[0].(GGA)
	if g.LatDeg == nil || math.Abs(*g.LatDeg-48.0) > 1e-4 {
		t.Fatalf("lat=%v want ~48.0", g.LatDeg)
	}
}
