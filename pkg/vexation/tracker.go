package vexation

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrInvalidIndicator is returned for indicators that cannot be recorded.
var ErrInvalidIndicator = errors.New("invalid stress indicator")

// Indicator is a single timestamped stress event.
type Indicator struct {
	At        time.Time     `json:"at"`
	Magnitude float64       `json:"magnitude"`
	HalfLife  HalfLifeClass `json:"half_life"`
	Source    string        `json:"source,omitempty"`
}

type entry struct {
	at        time.Time
	magnitude float64
	halfLife  time.Duration
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithPruneEvery sets how many records pass between pruning sweeps. Zero
// disables pruning.
func WithPruneEvery(n int) Option {
	return func(t *Tracker) { t.pruneEvery = n }
}

// WithPruneEpsilon sets the decayed contribution below which an indicator is
// dropped during pruning.
func WithPruneEpsilon(eps float64) Option {
	return func(t *Tracker) { t.pruneEpsilon = eps }
}

// Tracker accumulates stress indicators and derives the vexation index from
// them on every read. All methods are safe for concurrent use.
type Tracker struct {
	policy       Policy
	now          func() time.Time
	pruneEvery   int
	pruneEpsilon float64

	mu         sync.Mutex
	entries    []entry
	sincePrune int
	recorded   uint64
}

// NewTracker creates a tracker that resolves half-life classes with policy.
func NewTracker(policy Policy, opts ...Option) *Tracker {
	t := &Tracker{
		policy:       policy,
		now:          time.Now,
		pruneEvery:   64,
		pruneEpsilon: 1e-9,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Policy returns the policy the tracker was built with.
func (t *Tracker) Policy() Policy { return t.policy }

// Record appends ind to the history. A zero At is stamped with the tracker
// clock. Magnitudes must be finite and non-negative.
func (t *Tracker) Record(ind Indicator) error {
	if math.IsNaN(ind.Magnitude) || math.IsInf(ind.Magnitude, 0) || ind.Magnitude < 0 {
		return fmt.Errorf("%w: magnitude %v", ErrInvalidIndicator, ind.Magnitude)
	}
	class := ind.HalfLife
	if class == "" {
		class = t.policy.OperatorSignal
	}
	if _, err := ParseHalfLifeClass(string(class)); err != nil {
		return err
	}
	if ind.At.IsZero() {
		ind.At = t.now()
	}

	e := entry{at: ind.At, magnitude: ind.Magnitude, halfLife: t.policy.HalfLife(class)}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = append(t.entries, e)
	t.recorded++
	t.sincePrune++
	if t.pruneEvery > 0 && t.sincePrune >= t.pruneEvery {
		t.pruneLocked(t.now())
		t.sincePrune = 0
	}
	return nil
}

// CurrentIndex returns 1 - exp(-S) where S is the sum of every indicator's
// magnitude decayed by its half-life up to now. The result is in [0, 1].
func (t *Tracker) CurrentIndex() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return saturate(t.sumLocked(t.now()))
}

// IndexAt evaluates the index at an arbitrary instant without touching history.
func (t *Tracker) IndexAt(at time.Time) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return saturate(t.sumLocked(at))
}

// Len returns the number of retained indicators.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Recorded returns the total number of indicators ever recorded, including
// pruned ones.
func (t *Tracker) Recorded() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recorded
}

func (t *Tracker) sumLocked(now time.Time) float64 {
	var sum float64
	for _, e := range t.entries {
		sum += e.contribution(now)
	}
	return sum
}

func (t *Tracker) pruneLocked(now time.Time) {
	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.contribution(now) >= t.pruneEpsilon {
			kept = append(kept, e)
		}
	}
	// Clear the tail so dropped entries don't pin memory.
	for i := len(kept); i < len(t.entries); i++ {
		t.entries[i] = entry{}
	}
	t.entries = kept
}

func (e entry) contribution(now time.Time) float64 {
	elapsed := now.Sub(e.at)
	if elapsed <= 0 {
		return e.magnitude
	}
	return e.magnitude * math.Exp2(-elapsed.Seconds()/e.halfLife.Seconds())
}

func saturate(sum float64) float64 {
	if sum <= 0 {
		return 0
	}
	idx := 1 - math.Exp(-sum)
	if idx > 1 {
		return 1
	}
	return idx
}
