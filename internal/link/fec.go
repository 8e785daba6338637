package link

import (
	"fmt"
	"strings"
)

// Redundancy selects how much forward error correction is added to each
// command line before it is queued.
type Redundancy int

const (
	// RedundancyNone sends lines unmodified.
	RedundancyNone Redundancy = iota
	// ErrorDetection prefixes each line with '*' and a checksum byte so the
	// firmware can detect corrupted lines.
	ErrorDetection
	// ErrorCorrection sends a '^'-marked duplicate ahead of the '*' line,
	// giving the firmware a second copy to fall back on.
	ErrorCorrection
)

func (r Redundancy) String() string {
	switch r {
	case RedundancyNone:
		return "none"
	case ErrorDetection:
		return "detection"
	case ErrorCorrection:
		return "correction"
	}
	return fmt.Sprintf("Redundancy(%d)", int(r))
}

// ParseRedundancy maps a config value to a Redundancy. The empty string
// selects ErrorCorrection.
func ParseRedundancy(s string) (Redundancy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "off":
		return RedundancyNone, nil
	case "detection", "error_detection":
		return ErrorDetection, nil
	case "", "correction", "error_correction":
		return ErrorCorrection, nil
	}
	return ErrorCorrection, fmt.Errorf("link: unknown redundancy %q", s)
}

const (
	markerPrimary   = '*'
	markerDuplicate = '^'
)

// Checksum returns the line checksum expected by the firmware. Only bytes
// above space count, '~' and '!' excluded; the running sum is kept modulo
// 128, so the result lies in [128, 255] for any input, 8-bit bytes included.
func Checksum(line []byte) byte {
	sum := 0
	for _, c := range line {
		if c > ' ' && c != CharResume && c != CharStop {
			sum = (sum + int(c)) % 128
		}
	}
	return byte((sum >> 1) + 128)
}

// EncodeLine frames a single trimmed command line for the wire. The result
// carries no trailing newline.
func EncodeLine(line []byte, mode Redundancy) []byte {
	if mode <= RedundancyNone {
		return append([]byte(nil), line...)
	}
	cs := Checksum(line)
	var out []byte
	if mode == ErrorCorrection {
		out = make([]byte, 0, 2*len(line)+5)
		out = append(out, markerDuplicate, cs)
		out = append(out, line...)
		out = append(out, '\n')
	} else {
		out = make([]byte, 0, len(line)+2)
	}
	out = append(out, markerPrimary, cs)
	return append(out, line...)
}
