// Package gnss holds the position data model shared by the parser, the
// session orchestrator and the outbound publishers.
package gnss

import "time"

// FixQuality is the GGA fix-quality code. The numeric values are fixed by
// NMEA 0183 and must survive a parse/regenerate round trip unchanged.
type FixQuality int

const (
	FixInvalid    FixQuality = 0
	FixGPS        FixQuality = 1
	FixDGPS       FixQuality = 2
	FixPPS        FixQuality = 3
	FixRTKFixed   FixQuality = 4
	FixRTKFloat   FixQuality = 5
	FixEstimated  FixQuality = 6
	FixManual     FixQuality = 7
	FixSimulation FixQuality = 8
)

func (q FixQuality) String() string {
	switch q {
	case FixInvalid:
		return "invalid"
	case FixGPS:
		return "gps"
	case FixDGPS:
		return "dgps"
	case FixPPS:
		return "pps"
	case FixRTKFixed:
		return "rtk_fixed"
	case FixRTKFloat:
		return "rtk_float"
	case FixEstimated:
		return "estimated"
	case FixManual:
		return "manual"
	case FixSimulation:
		return "simulation"
	default:
		return "unknown"
	}
}

// Valid reports whether the code represents a usable fix.
func (q FixQuality) Valid() bool { return q > FixInvalid && q <= FixSimulation }

// Position is an immutable point fix. Latitude/longitude are signed decimal
// degrees; altitude and accuracies are meters. DOP fields are nil when the
// receiver has not reported them yet.
type Position struct {
	LatDeg     float64    `json:"lat_deg"`
	LonDeg     float64    `json:"lon_deg"`
	AltM       float64    `json:"alt_m"`
	HorizAccM  float64    `json:"horiz_acc_m,omitempty"`
	VertAccM   float64    `json:"vert_acc_m,omitempty"`
	Time       time.Time  `json:"time"`
	Quality    FixQuality `json:"fix_quality"`
	Satellites int        `json:"satellites"`
	HDOP       *float64   `json:"hdop,omitempty"`
	VDOP       *float64   `json:"vdop,omitempty"`
	PDOP       *float64   `json:"pdop,omitempty"`
}

// Valid reports whether the position may be surfaced to consumers.
// An invalid fix quality means lat/lon are meaningless.
func (p Position) Valid() bool { return p.Quality.Valid() }

// WithDOP returns a copy with the DOP fields replaced. Nil arguments leave
// the corresponding field untouched, so a partial GSA does not erase values
// learned earlier.
func (p Position) WithDOP(pdop, hdop, vdop *float64) Position {
	out := p
	if pdop != nil {
		v := *pdop
		out.PDOP = &v
	}
	if hdop != nil {
		v := *hdop
		out.HDOP = &v
	}
	if vdop != nil {
		v := *vdop
		out.VDOP = &v
	}
	return out
}
