// Package freshness decides whether glucose input is recent enough to drive
// automated dosing and re-evaluates on its own timer as the data ages.
package freshness

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"loop-dosing/internal/glucose"
)

const (
	defaultTolerance    = time.Second
	defaultRetryBackoff = 5 * time.Minute
	defaultQueryTimeout = 30 * time.Second
)

// Timer is a pending scheduled call that can be cancelled.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f to run once after d.
type AfterFunc func(d time.Duration, f func()) Timer

// Options tune monitor behaviour.
type Options struct {
	RecencyWindow time.Duration
	// Tolerance is added to the re-check deadline after a successful query so
	// the same sample is not found again at the deadline. Zero means 1s.
	Tolerance time.Duration
	// RetryBackoff is the fallback re-check delay after a failed query.
	RetryBackoff time.Duration
	// QueryTimeout bounds timer-driven source queries.
	QueryTimeout time.Duration
	Now          func() time.Time
	AfterFunc    AfterFunc
}

// Transition describes a change of the staleness flag.
type Transition struct {
	Stale  bool
	At     time.Time
	Reason string
}

// Listener observes staleness transitions. Listeners run synchronously on the
// mutating goroutine and must not call back into mutating Monitor methods.
type Listener func(Transition)

// Monitor tracks glucose staleness and owns a single pending re-check.
type Monitor struct {
	opts   Options
	source glucose.Source
	logger zerolog.Logger

	// emitMu keeps listener notifications in mutation order.
	emitMu sync.Mutex

	mu         sync.Mutex
	stale      bool
	pending    Timer
	generation uint64
	nextCheck  time.Time
	listeners  map[int]Listener
	nextID     int
	closed     bool
}

// New constructs a Monitor. The monitor starts stale until a fresh batch of
// samples arrives.
func New(source glucose.Source, opts Options, logger zerolog.Logger) *Monitor {
	if opts.RecencyWindow <= 0 {
		panic("freshness recency window must be positive")
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = defaultTolerance
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}

	return &Monitor{
		opts:      opts,
		source:    source,
		logger:    logger.With().Str("component", "freshness").Logger(),
		stale:     true,
		listeners: make(map[int]Listener),
	}
}

// IsStale reports whether glucose input is currently too old to trust.
func (m *Monitor) IsStale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stale
}

// NextCheck returns when the pending re-check fires, if one is armed.
func (m *Monitor) NextCheck() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return time.Time{}, false
	}
	return m.nextCheck, true
}

// Subscribe registers a listener and returns a func that removes it.
func (m *Monitor) Subscribe(l Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// OnSamplesAvailable folds a new batch of samples into the staleness state.
// An empty batch changes nothing.
func (m *Monitor) OnSamplesAvailable(samples []glucose.Sample) {
	latest, ok := glucose.Latest(samples)
	if !ok {
		return
	}

	m.mutate(func() (Transition, bool) {
		now := m.opts.Now()
		if now.Sub(latest.Time) < m.opts.RecencyWindow {
			event, changed := m.setStaleLocked(false, "fresh sample batch")
			m.armLocked(latest.Time.Add(m.opts.RecencyWindow))
			return event, changed
		}
		return m.setStaleLocked(true, "newest sample outside recency window")
	})
}

// Recheck asks the glucose source for a sample inside the recency window.
// A found sample clears staleness and re-arms; no sample marks stale without
// re-arming; a failed query leaves the flag untouched and retries after the
// fallback backoff. The result is dropped if samples arrived meanwhile.
func (m *Monitor) Recheck(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	startGen := m.generation
	m.mu.Unlock()

	since := m.opts.Now().Add(-m.opts.RecencyWindow)

	var (
		sample glucose.Sample
		found  bool
		err    error
	)
	if m.source == nil {
		err = glucose.ErrNoSource
	} else {
		sample, found, err = m.source.LatestSample(ctx, since)
	}

	m.mutate(func() (Transition, bool) {
		if m.closed || m.generation != startGen {
			m.logger.Debug().Msg("re-check result superseded by newer samples")
			return Transition{}, false
		}
		switch {
		case err != nil:
			m.logger.Warn().Err(err).Dur("retry_in", m.opts.RetryBackoff).Msg("glucose re-check failed; staleness unchanged")
			m.armLocked(m.opts.Now().Add(m.opts.RetryBackoff))
			return Transition{}, false
		case found:
			event, changed := m.setStaleLocked(false, "re-check found recent sample")
			m.armLocked(sample.Time.Add(m.opts.RecencyWindow).Add(m.opts.Tolerance))
			return event, changed
		default:
			m.cancelLocked()
			return m.setStaleLocked(true, "re-check found no recent sample")
		}
	})
}

// Close cancels any pending re-check. Later timer firings are ignored.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.stopPendingLocked()
}

// mutate applies fn under mu and then notifies listeners if fn changed the
// flag. emitMu spans both so notifications keep mutation order.
func (m *Monitor) mutate(fn func() (Transition, bool)) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	event, changed := fn()
	var listeners []Listener
	if changed {
		listeners = make([]Listener, 0, len(m.listeners))
		for _, l := range m.listeners {
			listeners = append(listeners, l)
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	m.logger.Info().Bool("stale", event.Stale).Str("reason", event.Reason).Msg("glucose staleness changed")
	for _, l := range listeners {
		l(event)
	}
}

func (m *Monitor) setStaleLocked(stale bool, reason string) (Transition, bool) {
	if m.stale == stale {
		return Transition{}, false
	}
	m.stale = stale
	return Transition{Stale: stale, At: m.opts.Now(), Reason: reason}, true
}

func (m *Monitor) armLocked(at time.Time) {
	if m.closed {
		return
	}

	m.stopPendingLocked()
	m.generation++
	gen := m.generation

	delay := at.Sub(m.opts.Now())
	if delay < 0 {
		delay = 0
	}
	m.nextCheck = at
	m.pending = m.opts.AfterFunc(delay, func() { m.fire(gen) })
	m.logger.Debug().Time("recheck_at", at).Msg("re-check armed")
}

func (m *Monitor) cancelLocked() {
	m.stopPendingLocked()
	m.generation++
}

func (m *Monitor) stopPendingLocked() {
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	m.nextCheck = time.Time{}
}

func (m *Monitor) fire(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.pending = nil
	m.nextCheck = time.Time{}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.QueryTimeout)
	defer cancel()
	m.Recheck(ctx)
}
