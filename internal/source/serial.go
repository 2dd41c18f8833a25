package source

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/banshee-data/trackerbridge/internal/device"
	"go.bug.st/serial"
)

// PortOptions describes the serial connection parameters of a device port.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalise validates the options and applies defaults for unset values.
func (o PortOptions) Normalise() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return opts, nil
}

// Mode converts the options into the mode go.bug.st/serial opens a port
// with.
func (o PortOptions) Mode() (*serial.Mode, error) {
	opts, err := o.Normalise()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// Ports lists the serial ports present on the system.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}

type result struct {
	sample device.Sample
	err    error
}

// Serial reads sample lines from a device's serial port. A goroutine scans
// the port so Next can return as soon as its context is cancelled.
type Serial struct {
	port    io.ReadCloser
	lines   *lineReader
	results chan result
	done    chan struct{}
	once    sync.Once
}

// OpenSerial opens the serial port at path.
func OpenSerial(path string, opts PortOptions) (*Serial, error) {
	mode, err := opts.Mode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return NewSerial(path, port), nil
}

// NewSerial reads samples from port, which Close closes.
func NewSerial(name string, port io.ReadCloser) *Serial {
	s := &Serial{
		port:    port,
		lines:   newLineReader(name, port),
		results: make(chan result),
		done:    make(chan struct{}),
	}
	go s.scan()
	return s
}

func (s *Serial) scan() {
	defer close(s.results)
	for {
		sample, err := s.lines.next()
		select {
		case s.results <- result{sample, err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Next returns the next sample from the port. It returns io.EOF once the
// port is exhausted or closed.
func (s *Serial) Next(ctx context.Context) (device.Sample, error) {
	select {
	case r, ok := <-s.results:
		if !ok {
			return device.Sample{}, io.EOF
		}
		return r.sample, r.err
	case <-ctx.Done():
		return device.Sample{}, ctx.Err()
	}
}

// Malformed returns the number of lines skipped because they did not parse.
func (s *Serial) Malformed() uint64 { return s.lines.malformed.Load() }

// Close closes the port, which also stops the scanning goroutine.
func (s *Serial) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.port.Close()
	})
	return err
}
