// Package link drives a LasaurGrbl laser controller over a serial line.
//
// The Engine frames G-code with optional forward error correction, meters
// it out under the firmware's READY/REQUEST-READY credit handshake, and
// decodes the single-line status reports the firmware sends back.
//
// An Engine performs no I/O on its own and starts no goroutines. Its owner
// calls PollOnce in a loop; every state change happens inside a call made by
// that owner, so an Engine must not be used from more than one goroutine at
// a time.
package link

import (
	"bytes"
	"fmt"
	"log"
	"time"
)

// Control bytes on the wire.
const (
	CharStop   byte = '!' // abort, bypasses flow control
	CharResume byte = '~' // resume after stop, bypasses flow control
	CharStatus byte = '?' // status query

	// CharReady is sent by the firmware to grant one chunk of credit.
	CharReady byte = 0x12 // DC2
	// CharRequestReady asks the firmware for a CharReady.
	CharRequestReady byte = 0x14 // DC4
)

const (
	// DefaultChunkSize must match the firmware's receive chunk.
	DefaultChunkSize    = 16
	DefaultWriteTimeout = 1 * time.Second

	rxChunkSize          = 16
	requestReadyInterval = 2 * time.Second
	slowWriteThreshold   = 20 * time.Millisecond
)

// Config holds engine settings.
type Config struct {
	ChunkSize    int           // bytes per granted credit
	Redundancy   Redundancy    // FEC applied to queued lines
	WriteTimeout time.Duration // bound on a single port write
	AppVersion   string        // reported in Status
	Debug        bool          // log every RX/TX exchange
}

// DefaultConfig returns the settings LasaurGrbl expects.
func DefaultConfig() Config {
	return Config{
		ChunkSize:    DefaultChunkSize,
		Redundancy:   ErrorCorrection,
		WriteTimeout: DefaultWriteTimeout,
	}
}

// Engine is the serial communication engine for one device.
type Engine struct {
	cfg Config

	port     Port
	portName string

	rx     []byte
	rxBuf  []byte
	queue  txQueue
	status Status

	requested   int       // flow-control credit
	lastRequest time.Time // zero when a request may go out immediately

	now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// New creates a disconnected Engine.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:    cfg.withDefaults(),
		rxBuf:  make([]byte, rxChunkSize),
		status: defaultStatus(),
		now:    time.Now,
	}
}

// Config returns the settings in effect.
func (e *Engine) Config() Config { return e.cfg }

// Configure replaces the engine settings. The write timeout applies to ports
// opened afterwards; chunk size, redundancy and debug apply from the next
// poll step and the next Enqueue.
func (e *Engine) Configure(cfg Config) {
	e.cfg = cfg.withDefaults()
}

// Connect opens the serial device and attaches it. Any existing connection
// is closed first.
func (e *Engine) Connect(portName string, baud int) error {
	if portName == "" {
		return ErrNoDevice
	}
	// the old handle must go first: serial ports open exclusively
	if e.port != nil {
		e.Close()
	}
	p, err := openPort(portName, baud, e.cfg.WriteTimeout)
	if err != nil {
		return fmt.Errorf("link: %w", err)
	}
	e.Attach(portName, p)
	log.Printf("[link] connected to %s at %d baud (%s)", portName, baud, e.cfg.Redundancy)
	return nil
}

// Attach adopts an already open port, resetting buffers, queue and status.
func (e *Engine) Attach(name string, p Port) {
	if e.port != nil {
		e.Close()
	}
	e.port = p
	e.portName = name
	e.rx = e.rx[:0]
	e.queue.cancel()
	e.requested = 0
	e.lastRequest = time.Time{}
	e.status = defaultStatus()
}

// Close flushes and releases the port. It reports whether a live
// connection was torn down. Ready is cleared either way.
func (e *Engine) Close() bool {
	e.status.Ready = false
	if e.port == nil {
		return false
	}
	p := e.port
	e.port = nil
	if err := p.ResetOutputBuffer(); err != nil && e.cfg.Debug {
		log.Printf("[link] flush output on close: %v", err)
	}
	if err := p.ResetInputBuffer(); err != nil && e.cfg.Debug {
		log.Printf("[link] flush input on close: %v", err)
	}
	if err := p.Close(); err != nil {
		log.Printf("[link] close %s: %v", e.portName, err)
	}
	return true
}

// IsConnected reports whether a port is attached.
func (e *Engine) IsConnected() bool { return e.port != nil }

// PortName returns the attached port name, or "" when disconnected.
func (e *Engine) PortName() string {
	if e.port == nil {
		return ""
	}
	return e.portName
}

// FlushInput discards bytes the driver has received but we have not read.
func (e *Engine) FlushInput() error {
	if e.port == nil {
		return ErrNotConnected
	}
	if err := e.port.ResetInputBuffer(); err != nil {
		return &IOError{Op: "flush input", Err: err}
	}
	return nil
}

// FlushOutput discards bytes the driver has not yet transmitted.
func (e *Engine) FlushOutput() error {
	if e.port == nil {
		return ErrNotConnected
	}
	if err := e.port.ResetOutputBuffer(); err != nil {
		return &IOError{Op: "flush output", Err: err}
	}
	return nil
}

// Enqueue encodes a block of G-code and appends it to the transmit queue.
func (e *Engine) Enqueue(gcode string) {
	e.EnqueueBytes([]byte(gcode))
}

// EnqueueBytes is Enqueue for raw bytes. Lines are trimmed; blank lines and
// '%' comments are dropped. A "!" line cancels everything queued so far,
// resets status and is queued as a bare stop byte. Any line but "?" clears
// Ready until the queue drains.
func (e *Engine) EnqueueBytes(gcode []byte) {
	lines := bytes.Split(gcode, []byte{'\n'})
	frames := make([][]byte, 0, len(lines))
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '%' {
			continue
		}
		if len(line) == 1 && line[0] == CharStop {
			e.queue.cancel()
			e.status = defaultStatus()
			frames = append(frames, []byte{CharStop})
			continue
		}
		if !(len(line) == 1 && line[0] == CharStatus) {
			e.status.Ready = false
		}
		frames = append(frames, EncodeLine(line, e.cfg.Redundancy))
	}
	job := append(bytes.Join(frames, []byte{'\n'}), '\n')
	e.queue.push(job)
	if e.cfg.Debug {
		log.Printf("[link] queued %d lines (%d bytes)", len(frames), len(job))
	}
}

// Cancel drops the transmit queue regardless of what has been sent.
func (e *Engine) Cancel() {
	e.queue.cancel()
}

// QueueEmpty reports whether every queued byte has been written.
func (e *Engine) QueueEmpty() bool { return e.queue.empty() }

// JobActive reports whether a job is still draining.
func (e *Engine) JobActive() bool { return e.queue.active }

// PercentageDone returns how much of the queue has been written, as a
// decimal string in [0, 100), or "" when nothing is queued.
func (e *Engine) PercentageDone() string { return e.queue.percentage() }

// SetPause pauses or resumes transmission. It is a no-op returning false
// when the queue is empty; otherwise it sets Paused and returns true.
func (e *Engine) SetPause(pause bool) bool {
	if e.queue.empty() {
		return false
	}
	e.status.Paused = pause
	return true
}

// Status returns a copy of the current status.
func (e *Engine) Status() Status {
	st := e.status
	st.SerialConnected = e.port != nil
	st.AppVersion = e.cfg.AppVersion
	return st
}

// RequestStatus queues a status query when the line is idle so the next
// report refreshes the snapshot, and returns the current one.
func (e *Engine) RequestStatus() Status {
	if e.queue.empty() {
		e.EnqueueBytes([]byte{CharStatus})
	}
	return e.Status()
}

// PollOnce runs one receive, decode and transmit cycle. Transport failures
// other than write timeouts close the connection; nothing is returned to the
// caller, who observes the outcome through IsConnected and Status.
func (e *Engine) PollOnce() {
	if e.port == nil || e.status.Paused {
		e.status.Ready = false
		return
	}
	if err := e.receive(); err != nil {
		e.drop(err)
		return
	}
	if err := e.transmit(); err != nil {
		e.drop(err)
	}
}

func (e *Engine) drop(err error) {
	log.Printf("[link] %v, closing %s", err, e.portName)
	e.Close()
}

// receive reads what is pending, takes READY bytes as credit and decodes
// every complete line.
func (e *Engine) receive() error {
	n, err := e.port.Read(e.rxBuf)
	if err != nil {
		return &IOError{Op: "read", Err: err}
	}
	if n == 0 {
		return nil
	}
	chunk := e.rxBuf[:n]
	if bytes.IndexByte(chunk, CharReady) >= 0 {
		e.requested = e.cfg.ChunkSize
		chunk = bytes.ReplaceAll(chunk, []byte{CharReady}, nil)
	}
	e.rx = append(e.rx, chunk...)

	for {
		i := bytes.IndexByte(e.rx, '\n')
		if i < 0 {
			break
		}
		line := e.rx[:i]
		if e.cfg.Debug {
			log.Printf("[link] RX < %q", line)
		}
		if decodeStatusLine(line, &e.status, e.cfg.Debug) {
			e.queue.cancel()
			e.status.Ready = false
		}
		e.rx = e.rx[i+1:]
	}
	if len(e.rx) == 0 {
		e.rx = nil
	}
	return nil
}

// transmit pushes queued bytes under the credit handshake.
func (e *Engine) transmit() error {
	if !e.queue.empty() {
		switch next := e.queue.next(); {
		case e.requested > 0:
			n, err := e.write("DATA", e.queue.peek(min(e.requested, e.cfg.ChunkSize)))
			if err != nil {
				return err
			}
			e.queue.advance(n)
			e.requested -= n
			if e.requested <= 0 {
				e.lastRequest = time.Time{}
			}

		case next == CharStop || next == CharResume:
			n, err := e.write("CONTROL_CHAR", []byte{next})
			if err != nil {
				return err
			}
			e.queue.advance(n)

		default:
			now := e.now()
			if e.lastRequest.IsZero() || now.Sub(e.lastRequest) > requestReadyInterval {
				n, err := e.write("REQUEST_READY", []byte{CharRequestReady})
				if err != nil {
					return err
				}
				if n == 1 {
					e.lastRequest = now
				}
			}
		}
	}

	if e.queue.empty() && e.queue.active {
		// Every job, a bare "?" included, leaves the device ready once drained.
		e.queue.cancel()
		e.status.Ready = true
	}
	return nil
}

// write sends p and classifies the outcome: a timeout is logged and counts
// as nothing sent, any other failure is returned as an IOError.
func (e *Engine) write(what string, p []byte) (int, error) {
	start := e.now()
	n, err := e.port.Write(p)
	if isFatal(err) {
		return 0, &IOError{Op: "write", Err: err}
	}
	if err != nil {
		log.Printf("[link] TX > %s: timeout after %v", what, e.cfg.WriteTimeout)
		return 0, nil
	}
	if d := e.now().Sub(start); d > slowWriteThreshold {
		log.Printf("[link] TX > %s: delay %v", what, d)
	}
	if e.cfg.Debug && what == "DATA" {
		log.Printf("[link] TX > %q", p[:n])
	}
	return n, nil
}
