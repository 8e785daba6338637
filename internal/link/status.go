package link

import (
	"bytes"
	"log"
)

// Status is a snapshot of the device state decoded from its status lines.
// Values handed out by the Engine are copies; mutating them has no effect.
type Status struct {
	Ready  bool `json:"ready"`
	Paused bool `json:"paused"`

	// Stop conditions, re-evaluated on every status line.
	BufferOverflow    bool `json:"buffer_overflow"`
	TransmissionError bool `json:"transmission_error"`
	PowerOff          bool `json:"power_off"`
	LimitHit          bool `json:"limit_hit"`
	SerialStopRequest bool `json:"serial_stop_request"`
	DoorOpen          bool `json:"door_open"`
	ChillerOff        bool `json:"chiller_off"`

	// Parser errors. Sticky until the status is reset.
	BadNumberFormatError       bool `json:"bad_number_format_error"`
	ExpectedCommandLetterError bool `json:"expected_command_letter_error"`
	UnsupportedStatementError  bool `json:"unsupported_statement_error"`

	// Telemetry, kept as the device sent it.
	X               string `json:"x"`
	Y               string `json:"y"`
	FirmwareVersion string `json:"firmware_version"`

	SerialConnected bool   `json:"serial_connected"`
	AppVersion      string `json:"app_version,omitempty"`
}

func defaultStatus() Status {
	return Status{Ready: true}
}

// NeedsAttention reports a stop state: not ready with any stop or error flag set.
func (s Status) NeedsAttention() bool {
	if s.Ready {
		return false
	}
	return s.BufferOverflow || s.TransmissionError || s.PowerOff || s.LimitHit ||
		s.SerialStopRequest || s.DoorOpen || s.ChillerOff ||
		s.BadNumberFormatError || s.ExpectedCommandLetterError || s.UnsupportedStatementError
}

// lineKind classifies a received line.
type lineKind int

const (
	lineStatus lineKind = iota
	lineComment
	lineDuplicate
)

// markers is the set of marker characters seen on one status line.
type markers uint16

const (
	mStop markers = 1 << iota
	mBadNumber
	mExpectedLetter
	mUnsupported
	mBufferOverflow
	mTransmission
	mPowerOff
	mLimitHit
	mSerialStop
	mDoorOpen
	mChillerOff
)

var markerChars = [256]markers{
	CharStop: mStop,
	'N':      mBadNumber,
	'E':      mExpectedLetter,
	'U':      mUnsupported,
	'B':      mBufferOverflow,
	'T':      mTransmission,
	'P':      mPowerOff,
	'L':      mLimitHit,
	'R':      mSerialStop,
	'D':      mDoorOpen,
	'C':      mChillerOff,
}

// statusLine is the outcome of scanning one line.
type statusLine struct {
	kind    lineKind
	set     markers
	x, y, v int // index of the first 'X', 'Y', 'V', or -1
}

// scanLine walks the line once, recording markers and telemetry positions.
func scanLine(line []byte) statusLine {
	head := line
	if len(head) > 3 {
		head = head[:3]
	}
	if bytes.IndexByte(head, '#') >= 0 {
		return statusLine{kind: lineComment}
	}

	sl := statusLine{kind: lineStatus, x: -1, y: -1, v: -1}
	for i, c := range line {
		switch c {
		case markerDuplicate:
			return statusLine{kind: lineDuplicate}
		case 'X':
			if sl.x < 0 {
				sl.x = i
			}
		case 'Y':
			if sl.y < 0 {
				sl.y = i
			}
		case 'V':
			if sl.v < 0 {
				sl.v = i
			}
		}
		sl.set |= markerChars[c]
	}
	return sl
}

// field returns the text after position start up to the first occurrence of
// stop following it, or to end of line.
func field(line []byte, start int, stop byte) string {
	rest := line[start+1:]
	if i := bytes.IndexByte(rest, stop); i >= 0 {
		rest = rest[:i]
	}
	return string(rest)
}

// apply folds a scanned status line into st. It reports whether the line
// put the device into stop mode.
func (sl statusLine) apply(line []byte, st *Status) (stop bool) {
	has := func(m markers) bool { return sl.set&m != 0 }

	if has(mBadNumber) {
		st.BadNumberFormatError = true
	}
	if has(mExpectedLetter) {
		st.ExpectedCommandLetterError = true
	}
	if has(mUnsupported) {
		st.UnsupportedStatementError = true
	}

	st.BufferOverflow = has(mBufferOverflow)
	st.TransmissionError = has(mTransmission)
	st.PowerOff = has(mPowerOff)
	st.LimitHit = has(mLimitHit)
	st.SerialStopRequest = has(mSerialStop)
	st.DoorOpen = has(mDoorOpen)
	st.ChillerOff = has(mChillerOff)

	if sl.x >= 0 {
		st.X = field(line, sl.x, 'Y')
	}
	if sl.y >= 0 {
		st.Y = field(line, sl.y, 'V')
	}
	if sl.v >= 0 {
		st.FirmwareVersion = string(line[sl.v+1:])
	}
	return has(mStop)
}

// decodeStatusLine updates st from one received line and reports whether
// the device signalled stop mode. Comment and duplicate lines are logged
// and leave st untouched.
func decodeStatusLine(line []byte, st *Status, debug bool) (stop bool) {
	sl := scanLine(line)
	switch sl.kind {
	case lineComment:
		if debug {
			log.Printf("[link] status: ignored %q", line)
		}
		return false
	case lineDuplicate:
		if debug {
			log.Printf("[link] status: FEC correction")
		}
		return false
	}
	stop = sl.apply(line, st)
	if debug {
		if stop {
			log.Printf("[link] status: stop")
		} else {
			log.Printf("[link] status: run")
		}
	}
	return stop
}
