package link

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Port is the duplex byte stream the engine drives. Read must not block:
// it returns (0, nil) when nothing is pending. Write may return
// ErrWriteTimeout, which the engine treats as zero bytes sent.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	ResetOutputBuffer() error
	Close() error
}

// openPort is swapped out by tests.
var openPort = OpenSerial

// OpenSerial opens name at baud, 8N1, with non-blocking reads and writes
// bounded by writeTimeout (<= 0 disables the bound).
func OpenSerial(name string, baud int, writeTimeout time.Duration) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	// A zero timeout makes Read poll: it returns whatever the driver has
	// buffered, possibly nothing.
	if err := port.SetReadTimeout(0); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}
	return &timedPort{Port: port, timeout: writeTimeout}, nil
}

type writeResult struct {
	n   int
	err error
}

// timedPort bounds writes on a serial.Port, which otherwise block until the
// driver accepts every byte. A write that times out and then completes is
// still reported as zero bytes, so the engine resends it and the device can
// see those bytes twice.
type timedPort struct {
	serial.Port
	timeout time.Duration

	// inflight is set while a write that already timed out is still blocked
	// in the driver.
	inflight chan writeResult
}

func (t *timedPort) Write(p []byte) (int, error) {
	if t.inflight != nil {
		select {
		case r := <-t.inflight:
			t.inflight = nil
			if r.err != nil {
				return 0, r.err
			}
		default:
			return 0, ErrWriteTimeout
		}
	}
	if t.timeout <= 0 {
		return t.Port.Write(p)
	}

	// The caller may reuse p once we return.
	buf := append([]byte(nil), p...)
	done := make(chan writeResult, 1)
	go func() {
		n, err := t.Port.Write(buf)
		done <- writeResult{n, err}
	}()

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.n, r.err
	case <-timer.C:
		t.inflight = done
		return 0, ErrWriteTimeout
	}
}
