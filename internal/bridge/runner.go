package bridge

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/banshee-data/trackerbridge/internal/device"
	"github.com/banshee-data/trackerbridge/internal/monitoring"
	"github.com/banshee-data/trackerbridge/internal/network"
	"github.com/banshee-data/trackerbridge/internal/status"
	"github.com/banshee-data/trackerbridge/internal/timeutil"
	"golang.org/x/sync/errgroup"
)

// ErrStopped is returned by Attach once the runner has shut down.
var ErrStopped = errors.New("bridge runner stopped")

// Source yields one device's samples in order. Next returns io.EOF at the
// end of the stream and must return promptly once ctx is done.
type Source interface {
	Next(ctx context.Context) (device.Sample, error)
	Close() error
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// StatusInterval is how often a report is handed to Status.
	StatusInterval time.Duration
	Status         status.Publisher
}

type attachRequest struct {
	id    device.Identity
	src   Source
	reply chan *device.Session
}

type readerHandle struct {
	session *device.Session
	cancel  context.CancelFunc
	done    chan struct{}
}

// Runner runs the pipeline: one goroutine per device reads its source into
// its session, and one goroutine owns the manager and the transport and
// ticks at the emission rate.
type Runner struct {
	manager   *Manager
	transport network.Transport
	clock     timeutil.Clock
	cfg       RunnerConfig

	attach  chan attachRequest
	stopped chan struct{}
	reports chan status.Report

	// Owned by the manager goroutine.
	readers    map[string]*readerHandle
	lastStatus time.Time
}

// NewRunner creates a runner. The runner closes transport when Run returns.
func NewRunner(m *Manager, transport network.Transport, clock timeutil.Clock, cfg RunnerConfig) *Runner {
	r := &Runner{
		manager:   m,
		transport: transport,
		clock:     clock,
		cfg:       cfg,
		attach:    make(chan attachRequest),
		stopped:   make(chan struct{}),
		reports:   make(chan status.Report, 1),
		readers:   make(map[string]*readerHandle),
	}
	m.onRemove = r.release
	return r
}

// Attach binds a device and starts reading src into its session. Attaching
// a serial that is already attached replaces the previous source.
func (r *Runner) Attach(ctx context.Context, id device.Identity, src Source) (*device.Session, error) {
	req := attachRequest{id: id, src: src, reply: make(chan *device.Session, 1)}
	select {
	case r.attach <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.stopped:
		return nil, ErrStopped
	}
	return <-req.reply, nil
}

// Run drives the pipeline until ctx is cancelled. On cancellation the
// device readers stop, the manager runs one last tick and the transport is
// closed.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if r.cfg.Status != nil {
		g.Go(func() error {
			r.publishLoop(gctx)
			return nil
		})
	}
	g.Go(func() error {
		return r.loop(gctx, g)
	})
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, g *errgroup.Group) error {
	defer close(r.stopped)

	ticker := r.clock.NewTicker(r.manager.cfg.EmissionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, h := range r.readers {
				h.cancel()
			}
			r.tick(r.clock.Now())
			if err := r.transport.Close(); err != nil {
				monitoring.Logf("Closing transport: %v", err)
			}
			return nil
		case req := <-r.attach:
			req.reply <- r.bind(ctx, g, req)
		case now := <-ticker.C():
			r.tick(now)
		}
	}
}

func (r *Runner) bind(ctx context.Context, g *errgroup.Group, req attachRequest) *device.Session {
	session := r.manager.Bind(req.id)

	prev := r.readers[req.id.Serial]
	if prev != nil {
		prev.cancel()
	}
	rctx, cancel := context.WithCancel(ctx)
	h := &readerHandle{session: session, cancel: cancel, done: make(chan struct{})}
	r.readers[req.id.Serial] = h

	g.Go(func() error {
		defer close(h.done)
		defer cancel()
		// The session has a single writer: wait out the reader being replaced.
		if prev != nil {
			<-prev.done
		}
		read(rctx, session, req.src)
		return nil
	})
	return session
}

// release stops the reader of a session the manager dropped, which closes
// its source.
func (r *Runner) release(s *device.Session) {
	serial := s.Identity().Serial
	h := r.readers[serial]
	if h == nil || h.session != s {
		return
	}
	h.cancel()
	delete(r.readers, serial)
}

// read feeds src into s until the source ends or ctx is cancelled. A
// source that ends on its own marks the device disconnected.
func read(ctx context.Context, s *device.Session, src Source) {
	defer func() {
		if err := src.Close(); err != nil {
			monitoring.Logf("%s: closing source: %v", s.Identity(), err)
		}
	}()
	for {
		sample, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				monitoring.Logf("%s: source ended", s.Identity())
			} else {
				monitoring.Logf("%s: source error: %v", s.Identity(), err)
			}
			s.MarkDisconnected()
			return
		}
		s.OnSample(sample)
	}
}

func (r *Runner) tick(now time.Time) {
	r.manager.Tick(now)

	if r.cfg.Status == nil {
		return
	}
	if !r.lastStatus.IsZero() && now.Sub(r.lastStatus) < r.cfg.StatusInterval {
		return
	}
	r.lastStatus = now
	report := r.manager.Report()
	// Latest wins: replace a report the publisher has not picked up yet.
	select {
	case <-r.reports:
	default:
	}
	r.reports <- report
}

func (r *Runner) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Deliver the final state if one is waiting.
			select {
			case rep := <-r.reports:
				r.publish(rep)
			default:
			}
			return
		case rep := <-r.reports:
			r.publish(rep)
		}
	}
}

func (r *Runner) publish(rep status.Report) {
	if err := r.cfg.Status.Publish(rep); err != nil {
		monitoring.Logf("Publishing status: %v", err)
	}
}
