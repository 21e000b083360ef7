package poller

import (
	"context"
	"sync"
	"time"

	"homehealth/services/staff-tracker/internal/metrics"
	"homehealth/services/staff-tracker/internal/tracking"
)

type Intervals struct {
	Moving     time.Duration
	ActiveTrip time.Duration
	NoTrip     time.Duration
}

func DefaultIntervals() Intervals {
	return Intervals{Moving: 3 * time.Second, ActiveTrip: 5 * time.Second, NoTrip: 15 * time.Second}
}

func (iv Intervals) For(status tracking.Status, hasActiveTrip bool) time.Duration {
	switch {
	case status.Moving():
		return iv.Moving
	case hasActiveTrip:
		return iv.ActiveTrip
	default:
		return iv.NoTrip
	}
}

// IntervalFor applies the default cadence.
func IntervalFor(status tracking.Status, hasActiveTrip bool) time.Duration {
	return DefaultIntervals().For(status, hasActiveTrip)
}

type Fetcher func(ctx context.Context) (tracking.Observation, error)

type Options struct {
	Intervals    Intervals
	FetchTimeout time.Duration
	// OnResult and OnError are called one at a time, in sequence order.
	OnResult func(seq uint64, obs tracking.Observation)
	OnError  func(seq uint64, err error)
}

// Poller fetches on a cadence derived from the latest applied observation.
// Every fetch is tagged with a sequence number; responses older than the
// last applied one are dropped, as is anything resolving after Run returns.
type Poller struct {
	fetch Fetcher
	opts  Options

	// applyMu serializes callbacks; mu guards the counters and is never
	// held while a callback runs.
	applyMu sync.Mutex

	mu          sync.Mutex
	seq         uint64
	lastApplied uint64
	interval    time.Duration
	stopped     bool

	reschedule chan time.Duration
	nudge      chan struct{}
	inflight   sync.WaitGroup
}

func New(fetch Fetcher, opts Options) *Poller {
	if opts.Intervals == (Intervals{}) {
		opts.Intervals = DefaultIntervals()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	return &Poller{
		fetch:      fetch,
		opts:       opts,
		interval:   opts.Intervals.NoTrip,
		reschedule: make(chan time.Duration, 1),
		nudge:      make(chan struct{}, 1),
	}
}

// Run polls until ctx is cancelled. The first fetch happens immediately.
func (p *Poller) Run(ctx context.Context) {
	defer p.stop()
	p.launch(ctx)
	timer := time.NewTimer(p.Interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.launch(ctx)
			timer.Reset(p.Interval())
		case <-p.nudge:
			p.launch(ctx)
			resetTimer(timer, p.Interval())
		case d := <-p.reschedule:
			resetTimer(timer, d)
		}
	}
}

// Nudge asks for an immediate fetch. Extra nudges while one is pending are
// coalesced.
func (p *Poller) Nudge() {
	select {
	case p.nudge <- struct{}{}:
	default:
	}
}

func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// Wait blocks until all in-flight fetches have returned.
func (p *Poller) Wait() {
	p.inflight.Wait()
}

func (p *Poller) launch(ctx context.Context) {
	seq, ok := p.nextSeq()
	if !ok {
		return
	}
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		fctx, cancel := context.WithTimeout(ctx, p.opts.FetchTimeout)
		defer cancel()
		obs, err := p.fetch(fctx)
		p.complete(ctx, seq, obs, err)
	}()
}

func (p *Poller) nextSeq() (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return 0, false
	}
	p.seq++
	return p.seq, true
}

func (p *Poller) complete(ctx context.Context, seq uint64, obs tracking.Observation, err error) {
	p.applyMu.Lock()
	defer p.applyMu.Unlock()
	if !p.accept(ctx, seq, obs, err) {
		return
	}
	if err != nil {
		if p.opts.OnError != nil {
			p.opts.OnError(seq, err)
		}
		return
	}
	if p.opts.OnResult != nil {
		p.opts.OnResult(seq, obs)
	}
}

// accept advances the applied sequence and the interval for a response
// that should be delivered.
func (p *Poller) accept(ctx context.Context, seq uint64, obs tracking.Observation, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || ctx.Err() != nil {
		return false
	}
	if seq <= p.lastApplied {
		metrics.StaleResponsesTotal.Inc()
		return false
	}
	if err != nil {
		metrics.PollsTotal.WithLabelValues("error").Inc()
		return true
	}
	metrics.PollsTotal.WithLabelValues("ok").Inc()
	p.lastApplied = seq
	next := p.opts.Intervals.For(obs.Status(), obs.HasActiveTrip)
	if next != p.interval {
		p.interval = next
		metrics.IntervalChangesTotal.Inc()
		select {
		case <-p.reschedule:
		default:
		}
		p.reschedule <- next
	}
	return true
}

func (p *Poller) stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
