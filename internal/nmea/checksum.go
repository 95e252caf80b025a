package nmea

import (
	"fmt"
	"strings"
)

// Checksum XORs every byte of the payload, i.e. the characters strictly
// between '$' and '*'.
func Checksum(payload string) byte {
	var ck byte
	for i := 0; i < len(payload); i++ {
		ck ^= payload[i]
	}
	return ck
}

// ChecksumString renders the checksum as the two uppercase hex digits that
// follow '*' on the wire.
func ChecksumString(payload string) string {
	return fmt.Sprintf("%02X", Checksum(payload))
}

// ValidateLine reports whether line is a well-formed NMEA sentence with a
// matching checksum: it must start with '$', contain exactly one '*', and
// carry two hex digits after the '*' that equal the XOR of the payload.
// The embedded checksum is compared case-insensitively.
func ValidateLine(line string) bool {
	if !strings.HasPrefix(line, "$") {
		return false
	}
	star := strings.IndexByte(line, '*')
	if star == -1 || strings.IndexByte(line[star+1:], '*') != -1 {
		return false
	}
	ck := line[star+1:]
	if len(ck) < 2 {
		return false
	}
	ck = strings.TrimSpace(ck)
	if len(ck) != 2 {
		return false
	}
	return strings.EqualFold(ck, ChecksumString(line[1:star]))
}
