package link

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

var errDeviceClosed = errors.New("simulated device closed")

// SimulatedDevice is an in-memory stand-in for a LasaurGrbl controller. It
// speaks the wire protocol: it answers REQUEST-READY with READY, grants a
// new chunk each time one has been consumed, checks '*' frame checksums,
// drops '^' duplicates, and answers '?' with a status line.
type SimulatedDevice struct {
	Version string

	chunk    int
	received int // bytes since the last READY
	line     []byte
	out      []byte

	stopped     bool
	txError     bool
	x, y        float64
	LinesRun    int // '*' or plain lines executed
	closed      bool
	WrittenData []byte // everything the host wrote
}

// NewSimulatedDevice returns a device with the banner already pending.
func NewSimulatedDevice(chunk int) *SimulatedDevice {
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	d := &SimulatedDevice{Version: "15.00", chunk: chunk}
	d.out = append(d.out, "# "+deviceBanner+" "+d.Version+"\n"...)
	return d
}

func (d *SimulatedDevice) Read(p []byte) (int, error) {
	if d.closed {
		return 0, errDeviceClosed
	}
	n := copy(p, d.out)
	d.out = d.out[n:]
	return n, nil
}

func (d *SimulatedDevice) Write(p []byte) (int, error) {
	if d.closed {
		return 0, errDeviceClosed
	}
	d.WrittenData = append(d.WrittenData, p...)
	for _, c := range p {
		switch c {
		case CharRequestReady:
			d.out = append(d.out, CharReady)
			continue
		case CharStop:
			d.stopped = true
			d.line = d.line[:0]
			d.out = append(d.out, d.statusLine()...)
			continue
		case CharResume:
			d.stopped = false
			d.txError = false
			continue
		}

		d.received++
		if c == '\n' {
			d.exec(d.line)
			d.line = d.line[:0]
		} else {
			d.line = append(d.line, c)
		}
		if d.received >= d.chunk {
			d.received = 0
			d.out = append(d.out, CharReady)
		}
	}
	return len(p), nil
}

func (d *SimulatedDevice) ResetInputBuffer() error {
	d.out = nil
	return nil
}

func (d *SimulatedDevice) ResetOutputBuffer() error { return nil }

func (d *SimulatedDevice) Close() error {
	d.closed = true
	return nil
}

// exec runs one framed line.
func (d *SimulatedDevice) exec(frame []byte) {
	if len(frame) == 0 {
		return
	}
	body := frame
	switch frame[0] {
	case markerDuplicate:
		return
	case markerPrimary:
		if len(frame) < 2 {
			d.txError = true
			return
		}
		body = frame[2:]
		if Checksum(body) != frame[1] {
			d.txError = true
			d.stopped = true
			d.out = append(d.out, d.statusLine()...)
			return
		}
	}
	if d.stopped {
		return
	}
	if len(body) == 1 && body[0] == CharStatus {
		d.out = append(d.out, d.statusLine()...)
		return
	}
	d.LinesRun++
	for _, word := range bytes.Fields(body) {
		if len(word) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(string(word[1:]), 64)
		if err != nil {
			continue
		}
		switch word[0] {
		case 'X':
			d.x = v
		case 'Y':
			d.y = v
		}
	}
}

// statusLine renders the device state the way the firmware reports it.
func (d *SimulatedDevice) statusLine() []byte {
	var b bytes.Buffer
	if d.stopped {
		b.WriteByte(CharStop)
		if d.txError {
			b.WriteByte('T')
		} else {
			b.WriteByte('R')
		}
	}
	fmt.Fprintf(&b, "X%.2fY%.2fV%s\n", d.x, d.y, d.Version)
	return b.Bytes()
}
