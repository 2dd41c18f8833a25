package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/trackerbridge/internal/device"
)

// ReplayOptions controls how a recording is played back.
type ReplayOptions struct {
	// Realtime paces samples by their recorded timestamps. Otherwise the
	// file is read as fast as the caller asks.
	Realtime bool
}

// Replay plays back a recorded sample file.
type Replay struct {
	lines  *lineReader
	closer io.Closer
	opts   ReplayOptions

	first     time.Time
	startedAt time.Time
}

// OpenReplay opens a recording for playback.
func OpenReplay(path string, opts ReplayOptions) (*Replay, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open replay: %w", err)
	}
	return NewReplay(filepath.Base(path), f, opts), nil
}

// NewReplay plays back samples read from r. If r is an io.Closer, Close
// closes it.
func NewReplay(name string, r io.Reader, opts ReplayOptions) *Replay {
	rp := &Replay{lines: newLineReader(name, r), opts: opts}
	if c, ok := r.(io.Closer); ok {
		rp.closer = c
	}
	return rp
}

// Next returns the next recorded sample, or io.EOF at the end of the file.
func (r *Replay) Next(ctx context.Context) (device.Sample, error) {
	if err := ctx.Err(); err != nil {
		return device.Sample{}, err
	}
	s, err := r.lines.next()
	if err != nil {
		return device.Sample{}, err
	}
	if !r.opts.Realtime {
		return s, nil
	}

	if r.first.IsZero() {
		r.first, r.startedAt = s.Time, time.Now()
		return s, nil
	}
	wait := time.Until(r.startedAt.Add(s.Time.Sub(r.first)))
	if wait <= 0 {
		return s, nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return s, nil
	case <-ctx.Done():
		return device.Sample{}, ctx.Err()
	}
}

// Malformed returns the number of lines skipped because they did not parse.
func (r *Replay) Malformed() uint64 { return r.lines.malformed.Load() }

// Close releases the underlying reader when it is closable.
func (r *Replay) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
