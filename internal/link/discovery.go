package link

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// deviceBanner is printed by LasaurGrbl when the port opens.
const deviceBanner = "LasaurGrbl"

const (
	probePorts   = 24
	probeTimeout = 2 * time.Second
	probeMaxRead = 32
)

// allow tests to override the platform enumeration
var (
	getPortsList         = serial.GetPortsList
	getDetailedPortsList = enumerator.GetDetailedPortsList
	openProbe            = func(name string, baud int) (io.ReadCloser, error) {
		port, err := serial.Open(name, &serial.Mode{BaudRate: baud})
		if err != nil {
			return nil, err
		}
		if err := port.SetReadTimeout(probeTimeout); err != nil {
			port.Close()
			return nil, err
		}
		return port, nil
	}
)

// ListDevices returns the serial devices currently visible, sorted. On
// systems without usable enumeration it falls back to opening each
// candidate port in turn.
func (e *Engine) ListDevices(baud int) []string {
	names, err := getPortsList()
	if err != nil {
		log.Printf("[link] port enumeration failed: %v", err)
	}
	if len(names) == 0 {
		return probeOpenable(baud)
	}

	var ports []string
	for _, name := range names {
		if runtime.GOOS != "windows" && !strings.Contains(name, "tty") {
			continue
		}
		ports = append(ports, name)
	}
	sort.Strings(ports)

	if e.cfg.Debug {
		if details, err := getDetailedPortsList(); err == nil {
			for _, d := range details {
				log.Printf("[link] found %-20s usb=%v %s:%s %s %s", d.Name, d.IsUSB, d.VID, d.PID, d.Product, d.SerialNumber)
			}
		}
	}
	return ports
}

// MatchDevice returns the first port whose name, USB product, serial number
// or VID:PID matches pattern. When nothing can be enumerated it probes the
// candidate ports for the LasaurGrbl banner instead.
func (e *Engine) MatchDevice(pattern string, baud int) (string, bool) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		log.Printf("[link] bad device pattern %q: %v", pattern, err)
		return "", false
	}

	details, err := getDetailedPortsList()
	if err == nil && len(details) > 0 {
		sort.Slice(details, func(i, j int) bool { return details[i].Name < details[j].Name })
		for _, d := range details {
			if re.MatchString(d.Name) || re.MatchString(d.Product) || re.MatchString(d.SerialNumber) ||
				(d.IsUSB && re.MatchString(d.VID+":"+d.PID)) {
				return d.Name, true
			}
		}
		log.Printf("[link] no serial port match for anything like: %s", pattern)
		return "", false
	}

	names, err := getPortsList()
	if err == nil && len(names) > 0 {
		sort.Strings(names)
		for _, name := range names {
			if re.MatchString(name) {
				return name, true
			}
		}
		log.Printf("[link] no serial port match for anything like: %s", pattern)
		return "", false
	}

	log.Printf("[link] no port enumeration, probing for controller ...")
	return probeBanner(baud)
}

// candidatePorts names the ports tried when the platform cannot enumerate.
func candidatePorts() []string {
	ports := make([]string, 0, probePorts)
	for i := 0; i < probePorts; i++ {
		if runtime.GOOS == "windows" {
			ports = append(ports, fmt.Sprintf("COM%d", i+1))
		} else {
			ports = append(ports, fmt.Sprintf("/dev/ttyS%d", i))
		}
	}
	return ports
}

func probeOpenable(baud int) []string {
	var found []string
	for _, name := range candidatePorts() {
		p, err := openProbe(name, baud)
		if err != nil {
			continue
		}
		p.Close()
		found = append(found, name)
	}
	return found
}

func probeBanner(baud int) (string, bool) {
	for _, name := range candidatePorts() {
		p, err := openProbe(name, baud)
		if err != nil {
			continue
		}
		hello := readPreamble(p)
		p.Close()
		if bytes.Contains(hello, []byte(deviceBanner)) {
			log.Printf("[link] found controller on %s", name)
			return name, true
		}
	}
	return "", false
}

// readPreamble collects up to probeMaxRead bytes, stopping at the first
// empty read.
func readPreamble(r io.Reader) []byte {
	buf := make([]byte, probeMaxRead)
	got := 0
	for got < len(buf) {
		n, err := r.Read(buf[got:])
		got += n
		if n == 0 || err != nil {
			break
		}
	}
	return buf[:got]
}
