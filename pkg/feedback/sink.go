package feedback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Config tunes the sink's queue and forwarding behaviour.
type Config struct {
	QueueSize     int           // pending queue capacity; oldest reports are dropped first
	AckTimeout    time.Duration // longest Submit waits for the pool before answering "queued"
	SendTimeout   time.Duration // per-attempt deadline for Pool.Submit
	RetryInterval time.Duration // pause after the pool reports ErrUnreachable
	RatePerSecond float64       // forwarding rate limit; <= 0 means unlimited
	Burst         int
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		QueueSize:     256,
		AckTimeout:    2 * time.Second,
		SendTimeout:   10 * time.Second,
		RetryInterval: 5 * time.Second,
		RatePerSecond: 5,
		Burst:         5,
	}
}

// Stats is a point-in-time view of the sink.
type Stats struct {
	Pending   int    `json:"pending"`
	Submitted uint64 `json:"submitted"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Retries   uint64 `json:"retries"`
}

type outcome struct {
	receipt string
	queued  bool
	err     error
}

type pending struct {
	report   Report
	done     chan outcome
	notified bool
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithLogger sets the sink logger.
func WithLogger(logger *slog.Logger) SinkOption {
	return func(s *Sink) { s.logger = logger }
}

// WithOrigin overrides the per-process origin stamped on reports.
func WithOrigin(origin string) SinkOption {
	return func(s *Sink) { s.origin = origin }
}

// WithSinkClock overrides the time source used for report timestamps.
func WithSinkClock(now func() time.Time) SinkOption {
	return func(s *Sink) { s.now = now }
}

// Sink normalizes operator reports and forwards them to a Pool. Forwarding
// happens on the goroutine running Run, so Submit never waits for a full
// remote round-trip.
type Sink struct {
	pool    Pool
	cfg     Config
	logger  *slog.Logger
	origin  string
	now     func() time.Time
	limiter *rate.Limiter
	wake    chan struct{}

	mu     sync.Mutex
	queue  []*pending
	nextID uint64
	stats  Stats
}

// NewSink creates a sink forwarding to pool. Zero config fields take their
// DefaultConfig values.
func NewSink(pool Pool, cfg Config, opts ...SinkOption) *Sink {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	s := &Sink{
		pool:    pool,
		cfg:     cfg,
		logger:  slog.Default(),
		origin:  uuid.NewString(),
		now:     time.Now,
		limiter: rate.NewLimiter(limit, burst),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Origin returns the identifier stamped on every report from this process.
func (s *Sink) Origin() string { return s.origin }

// Submit validates and enqueues r, then waits up to AckTimeout for the pool.
// It returns an *InvalidInputError for unrecognized report types and a
// *TransportError when the pool refuses the report. When the pool is slow or
// unreachable the report stays queued and Submit returns an AckQueued
// acknowledgement. Cancelling ctx only stops the wait; the report is not
// withdrawn.
func (s *Sink) Submit(ctx context.Context, r Report) (Ack, error) {
	if !r.Type.Valid() {
		return Ack{}, &InvalidInputError{Field: "report_type", Value: string(r.Type)}
	}

	s.mu.Lock()
	s.nextID++
	if r.LocalID == 0 {
		r.LocalID = s.nextID
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now().UTC()
	}
	if r.Origin == "" {
		r.Origin = s.origin
	}
	p := &pending{report: r, done: make(chan outcome, 1)}
	s.enqueueLocked(p)
	s.stats.Submitted++
	s.mu.Unlock()

	s.signal()

	ack := Ack{LocalID: r.LocalID, Type: r.Type, Status: AckQueued}

	timer := time.NewTimer(s.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case out := <-p.done:
		if out.err != nil {
			return ack, out.err
		}
		if !out.queued {
			ack.Status = AckDelivered
			ack.Receipt = out.receipt
		}
		return ack, nil
	case <-timer.C:
		return ack, nil
	case <-ctx.Done():
		return ack, nil
	}
}

// Run forwards queued reports until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) error {
	for {
		if s.Stats().Pending == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-s.wake:
				continue
			}
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}

		p := s.pop()
		if p == nil {
			continue
		}

		if !s.forward(ctx, p) {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.cfg.RetryInterval):
			}
		}
	}
}

// forward sends one report and reports whether the pool was reachable.
func (s *Sink) forward(ctx context.Context, p *pending) bool {
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	receipt, err := s.pool.Submit(sendCtx, p.report)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case err == nil:
		s.stats.Delivered++
		s.notifyLocked(p, outcome{receipt: receipt})
		s.logger.Debug("feedback delivered", "local_id", p.report.LocalID, "receipt", receipt)
		return true

	case errors.Is(err, ErrUnreachable) || (ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded)):
		s.stats.Retries++
		s.requeueLocked(p)
		s.notifyLocked(p, outcome{queued: true})
		s.logger.Warn("feedback pool unreachable, report kept queued",
			"local_id", p.report.LocalID, "pending", len(s.queue), "error", err)
		return false

	default:
		s.stats.Failed++
		s.notifyLocked(p, outcome{err: &TransportError{Op: "submit", Err: err}})
		s.logger.Error("feedback pool rejected report", "local_id", p.report.LocalID, "error", err)
		return true
	}
}

// Stats returns current counters.
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Pending = len(s.queue)
	return st
}

// Pending returns a copy of the queued reports, oldest first.
func (s *Sink) Pending() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Report, len(s.queue))
	for i, p := range s.queue {
		out[i] = p.report
	}
	return out
}

func (s *Sink) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Sink) pop() *pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	p := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return p
}

func (s *Sink) enqueueLocked(p *pending) {
	s.queue = append(s.queue, p)
	s.trimLocked()
}

func (s *Sink) requeueLocked(p *pending) {
	s.queue = append([]*pending{p}, s.queue...)
	s.trimLocked()
}

// trimLocked enforces the capacity by evicting the oldest reports.
func (s *Sink) trimLocked() {
	for len(s.queue) > s.cfg.QueueSize {
		oldest := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.stats.Dropped++
		s.notifyLocked(oldest, outcome{err: &TransportError{Op: "enqueue", Err: ErrDropped}})
		s.logger.Warn("feedback queue full, dropped oldest report", "local_id", oldest.report.LocalID)
	}
}

// notifyLocked delivers the first outcome for p; later outcomes are ignored
// because the submitter has already returned.
func (s *Sink) notifyLocked(p *pending, out outcome) {
	if p.notified {
		return
	}
	p.notified = true
	p.done <- out
}
