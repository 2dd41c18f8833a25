package source

import (
	"bufio"
	"errors"
	"io"
	"sync/atomic"

	"github.com/banshee-data/trackerbridge/internal/device"
	"github.com/banshee-data/trackerbridge/internal/monitoring"
)

// lineReader turns a stream of sample lines into samples, skipping and
// counting lines that do not parse.
type lineReader struct {
	name      string
	scan      *bufio.Scanner
	line      int
	malformed atomic.Uint64
}

func newLineReader(name string, r io.Reader) *lineReader {
	return &lineReader{name: name, scan: bufio.NewScanner(r)}
}

func (r *lineReader) next() (device.Sample, error) {
	for r.scan.Scan() {
		r.line++
		s, err := ParseLine(r.scan.Text())
		if errors.Is(err, ErrSkipLine) {
			continue
		}
		if err != nil {
			r.malformed.Add(1)
			monitoring.Logf("%s:%d: skipping malformed sample: %v", r.name, r.line, err)
			continue
		}
		return s, nil
	}
	if err := r.scan.Err(); err != nil {
		return device.Sample{}, err
	}
	return device.Sample{}, io.EOF
}
