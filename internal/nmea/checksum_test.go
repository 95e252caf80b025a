package nmea

import (
	"fmt"
	"testing"
)

func line(payload string) string {
	return fmt.Sprintf("$%s*%s", payload, ChecksumString(payload))
}

func TestValidateLine_KnownVector(t *testing.T) {
	// Checksum 0x47 is the published example for this sentence.
	l := "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"
	if !ValidateLine(l) {
		t.Fatalf("expected valid: %q", l)
	}
	if got := ChecksumString("GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"); got != "47" {
		t.Fatalf("checksum=%q want %q", got, "47")
	}
}

func TestValidateLine_LowercaseChecksumAccepted(t *testing.T) {
	payload := "GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"
	l := fmt.Sprintf("$%s*%x", payload, Checksum(payload))
	if !ValidateLine(l) {
		t.Fatalf("expected lowercase checksum to validate: %q", l)
	}
}

func TestValidateLine_SingleCharacterCorruption(t *testing.T) {
	good := line("GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,")
	// Flip one body character at a time; every variant must fail.
	for i := 1; i < len(good); i++ {
		if good[i] == '*' {
			break
		}
		bad := []byte(good)
		if bad[i] == 'X' {
			bad[i] = 'Y'
		} else {
			bad[i] = 'X'
		}
		if ValidateLine(string(bad)) {
			t.Fatalf("corruption at %d validated: %q", i, bad)
		}
	}
}

func TestValidateLine_Malformed(t *testing.T) {
	cases := []string{
		"",
		"GPGGA,1*00",                // missing $
		"$GPGGA,1",                  // no checksum delimiter
		"$GPGGA,1*4",                // short checksum
		"$GPGGA,1*ZZ",               // non-hex checksum
		"$GPGGA,1*00*00",            // two delimiters
		"$GPGGA,123519,4807.038*00", // wrong checksum
	}
	for _, c := range cases {
		if ValidateLine(c) {
			t.Fatalf("expected invalid: %q", c)
		}
	}
}
