package nmea

import (
	"fmt"
	"math"

	"rtkbridge/internal/gnss"
)

// FormatGGA regenerates a GGA sentence from a position fix. The result
// carries its own freshly computed checksum and parses back through this
// package, which is what NTRIP casters expect for position feedback.
//
// Coordinates are rendered as degrees + minutes with four decimal places,
// altitude with one, and HDOP defaults to 1.0 when the fix has none.
func FormatGGA(p gnss.Position) string {
	hdop := 1.0
	if p.HDOP != nil {
		hdop = *p.HDOP
	}

	timeField := ""
	if !p.Time.IsZero() {
		timeField = p.Time.UTC().Format("150405.00")
	}

	payload := fmt.Sprintf("GPGGA,%s,%s,%s,%s,%s,%d,%02d,%.1f,%.1f,M,,M,,",
		timeField,
		formatCoord(p.LatDeg, 2), hemisphere(p.LatDeg, "N", "S"),
		formatCoord(p.LonDeg, 3), hemisphere(p.LonDeg, "E", "W"),
		int(p.Quality),
		p.Satellites,
		hdop,
		p.AltM,
	)
	return "$" + payload + "*" + ChecksumString(payload)
}

// formatCoord renders |deg| as ddmm.mmmm (degWidth=2) or dddmm.mmmm
// (degWidth=3).
func formatCoord(deg float64, degWidth int) string {
	v := math.Abs(deg)
	d := int(v)
	min := (v - float64(d)) * 60
	// Minutes can round up to 60.0000; carry into the degrees field.
	if min >= 59.99995 {
		min = 0
		d++
	}
	return fmt.Sprintf("%0*d%07.4f", degWidth, d, min)
}

func hemisphere(deg float64, pos, neg string) string {
	if deg < 0 {
		return neg
	}
	return pos
}
