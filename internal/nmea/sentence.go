package nmea

import (
	"strconv"
	"strings"

	"rtkbridge/internal/gnss"
)

// Header carries the identity fields common to every decoded sentence.
type Header struct {
	Talker   string // e.g. "GP", "GN"
	Type     string // "GGA", "RMC", "GSA"
	Checksum string // two hex digits as received, uppercased
}

// Sentence is a decoded NMEA sentence. Concrete types are GGA, RMC and GSA.
type Sentence interface {
	Head() Header
}

// GGA: Global Positioning System Fix Data.
//
// Payload fields:
//
//	0: talker+type
//	1: time (hhmmss.sss)
//	2: latitude (ddmm.mmmm)    3: N/S
//	4: longitude (dddmm.mmmm)  5: E/W
//	6: fix quality (0=invalid)
//	7: number of satellites
//	8: HDOP
//	9: altitude (meters)      10: units (M)
//	11: geoid separation      12: units (M)
//	13: age of DGPS data (s)  14: DGPS station ID
type GGA struct {
	Header
	Time       string
	LatDeg     *float64 // signed decimal degrees
	LonDeg     *float64
	Quality    gnss.FixQuality
	Satellites int
	HDOP       *float64
	AltM       *float64
	GeoidSepM  *float64
	DGPSAgeSec *float64
	StationID  string
}

func (g GGA) Head() Header { return g.Header }

// Valid reports whether the sentence carries a usable position: a non-zero
// fix quality and both coordinates parsed.
func (g GGA) Valid() bool {
	return g.Quality.Valid() && g.LatDeg != nil && g.LonDeg != nil
}

// RMC: Recommended Minimum Specific GNSS Data.
type RMC struct {
	Header
	Time         string
	Active       bool // status field: "A" = valid fix
	LatDeg       *float64
	LonDeg       *float64
	SpeedKt      *float64
	CourseDeg    *float64
	Date         string
	VariationDeg *float64
	Mode         string
}

func (r RMC) Head() Header { return r.Header }

// GSA: DOP and active satellites.
type GSA struct {
	Header
	Mode    string // "M" manual, "A" automatic
	FixType int    // 1 = none, 2 = 2D, 3 = 3D
	SatIDs  []int  // up to 12, unparsable or non-positive slots omitted
	PDOP    *float64
	HDOP    *float64
	VDOP    *float64
}

func (g GSA) Head() Header { return g.Header }

// decodeSentence decodes one complete, trimmed line. Malformed input and
// unsupported sentence types return ok=false; receivers routinely emit
// transient noise, so nothing here is an error.
func decodeSentence(line string) (Sentence, bool) {
	if !ValidateLine(line) {
		return nil, false
	}
	star := strings.IndexByte(line, '*')
	payload := line[1:star]
	fields := strings.Split(payload, ",")
	if len(fields) == 0 || len(fields[0]) < 5 {
		return nil, false
	}
	h := Header{
		Talker:   strings.ToUpper(fields[0][:len(fields[0])-3]),
		Type:     strings.ToUpper(fields[0][len(fields[0])-3:]),
		Checksum: strings.ToUpper(strings.TrimSpace(line[star+1:]))[:2],
	}

	switch h.Type {
	case "GGA":
		return decodeGGA(h, fields)
	case "RMC":
		return decodeRMC(h, fields)
	case "GSA":
		return decodeGSA(h, fields)
	default:
		return nil, false
	}
}

func decodeGGA(h Header, f []string) (Sentence, bool) {
	if len(f) < 15 {
		return nil, false
	}
	g := GGA{
		Header:     h,
		Time:       strings.TrimSpace(f[1]),
		Quality:    gnss.FixQuality(parseIntDefault(f[6], 0)),
		Satellites: parseIntDefault(f[7], 0),
		HDOP:       parseOptFloat(f[8]),
		AltM:       parseOptFloat(f[9]),
		GeoidSepM:  parseOptFloat(f[11]),
		DGPSAgeSec: parseOptFloat(f[13]),
		StationID:  strings.TrimSpace(f[14]),
	}
	g.LatDeg = parseCoord(f[2], f[3])
	g.LonDeg = parseCoord(f[4], f[5])
	return g, true
}

func decodeRMC(h Header, f []string) (Sentence, bool) {
	if len(f) < 12 {
		return nil, false
	}
	r := RMC{
		Header:       h,
		Time:         strings.TrimSpace(f[1]),
		Active:       strings.TrimSpace(f[2]) == "A",
		SpeedKt:      parseOptFloat(f[7]),
		CourseDeg:    parseOptFloat(f[8]),
		Date:         strings.TrimSpace(f[9]),
		VariationDeg: parseOptFloat(f[10]),
	}
	r.LatDeg = parseCoord(f[3], f[4])
	r.LonDeg = parseCoord(f[5], f[6])
	if len(f) > 12 {
		r.Mode = strings.TrimSpace(f[12])
	}
	return r, true
}

func decodeGSA(h Header, f []string) (Sentence, bool) {
	if len(f) < 18 {
		return nil, false
	}
	g := GSA{
		Header:  h,
		Mode:    strings.ToUpper(strings.TrimSpace(f[1])),
		FixType: parseIntDefault(f[2], 0),
		PDOP:    parseOptFloat(f[15]),
		HDOP:    parseOptFloat(f[16]),
		VDOP:    parseOptFloat(f[17]),
	}
	// Twelve fixed-width satellite slots; empty or junk slots are simply
	// left out rather than zero-filled.
	for i := 3; i < 15; i++ {
		id, err := strconv.Atoi(strings.TrimSpace(f[i]))
		if err != nil || id <= 0 {
			continue
		}
		g.SatIDs = append(g.SatIDs, id)
	}
	return g, true
}

// parseCoord converts an NMEA ddmm.mmmm / dddmm.mmmm value plus hemisphere
// letter into signed decimal degrees. The numeric conversion itself is
// unsigned; S and W negate.
func parseCoord(raw, hemi string) *float64 {
	raw = strings.TrimSpace(raw)
	hemi = strings.ToUpper(strings.TrimSpace(hemi))
	if raw == "" {
		return nil
	}
	switch hemi {
	case "N", "S", "E", "W":
	default:
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	deg := float64(int(v / 100))
	min := v - deg*100
	dec := deg + min/60
	if hemi == "S" || hemi == "W" {
		dec = -dec
	}
	return &dec
}

func parseIntDefault(s string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return v
}

func parseOptFloat(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}
