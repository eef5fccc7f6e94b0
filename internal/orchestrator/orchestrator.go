// Package orchestrator is the boundary between host commands and the
// validation, stress and feedback components. All process state lives on an
// Orchestrator value; there are no package globals.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panll/ensaid/internal/metrics"
	"github.com/panll/ensaid/internal/provenance"
	"github.com/panll/ensaid/internal/sandbox"
	"github.com/panll/ensaid/pkg/constraint"
	"github.com/panll/ensaid/pkg/events"
	"github.com/panll/ensaid/pkg/feedback"
	"github.com/panll/ensaid/pkg/protocol"
	"github.com/panll/ensaid/pkg/store"
	"github.com/panll/ensaid/pkg/verify"
	"github.com/panll/ensaid/pkg/vexation"
)

// ErrProfileNotFound is returned for unknown profile names.
var ErrProfileNotFound = errors.New("profile not found")

// Session keys in store.ScopeSession.
const (
	sessionActiveProfile = "active_profile"
	sessionProfilesPath  = "profiles_path"
)

// replayHalfLives bounds how far back indicators are replayed on start, in
// multiples of the longest half-life. Older entries contribute < 2^-32.
const replayHalfLives = 32

// Strictness configures escalation: once the vexation index reaches
// Threshold, Profile's constraints are appended to every Validate call.
type Strictness struct {
	Threshold float64
	Profile   string
}

// Options wires an Orchestrator. Only Sink is required; nil optional
// components are skipped.
type Options struct {
	Registry       *constraint.Registry
	Policy         vexation.Policy
	TrackerOptions []vexation.Option
	Sink           *feedback.Sink
	Bus            events.EventBus
	Metrics        *metrics.Metrics
	Provenance     *provenance.Log
	Store          store.Store
	Sandbox        *sandbox.Sandbox
	Strictness     Strictness
	ActiveProfile  string
	Logger         *slog.Logger
	Clock          func() time.Time
}

// Result is a verdict plus the context it was produced in.
type Result struct {
	verify.Verdict
	Profile string
	Strict  bool
}

// Orchestrator owns every component and relays verdicts between them.
type Orchestrator struct {
	registry *constraint.Registry
	policy   vexation.Policy
	tracker  *vexation.Tracker
	sink     *feedback.Sink
	bus      events.EventBus
	metrics  *metrics.Metrics
	prov     *provenance.Log
	store    store.Store
	sandbox  *sandbox.Sandbox
	logger   *slog.Logger
	now      func() time.Time

	seq      atomic.Uint64
	accepted atomic.Uint64
	rejected atomic.Uint64

	strictness Strictness

	mu       sync.RWMutex
	profiles map[string]*constraint.Set
	active   string
	strict   bool
}

// New builds an Orchestrator. When a store is configured, the last loaded
// profiles and active profile are restored from it; when a provenance log is
// configured, recent stress indicators are replayed into the tracker.
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	if opts.Sink == nil {
		return nil, fmt.Errorf("orchestrator: feedback sink is required")
	}
	if opts.Registry == nil {
		opts.Registry = constraint.DefaultRegistry()
	}
	if opts.Policy.Rejections == nil && opts.Policy.HalfLives == nil {
		opts.Policy = vexation.DefaultPolicy()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewMemoryBus()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	trackerOpts := append([]vexation.Option{vexation.WithClock(opts.Clock)}, opts.TrackerOptions...)
	o := &Orchestrator{
		registry:   opts.Registry,
		policy:     opts.Policy,
		tracker:    vexation.NewTracker(opts.Policy, trackerOpts...),
		sink:       opts.Sink,
		bus:        opts.Bus,
		metrics:    opts.Metrics,
		prov:       opts.Provenance,
		store:      opts.Store,
		sandbox:    opts.Sandbox,
		logger:     opts.Logger,
		now:        opts.Clock,
		profiles:   make(map[string]*constraint.Set),
		active:     opts.ActiveProfile,
		strictness: opts.Strictness,
	}

	if err := o.restoreProfiles(); err != nil {
		return nil, err
	}
	if err := o.replayIndicators(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

// Bus returns the event bus.
func (o *Orchestrator) Bus() events.EventBus { return o.bus }

// Sink returns the feedback sink.
func (o *Orchestrator) Sink() *feedback.Sink { return o.sink }

// Tracker returns the vexation tracker.
func (o *Orchestrator) Tracker() *vexation.Tracker { return o.tracker }

// ValidateInference checks token against literal forbidden substrings. It
// returns true when the token is acceptable and a *verify.Rejection naming the
// first violated substring otherwise. An empty entry matches every token.
func (o *Orchestrator) ValidateInference(ctx context.Context, token string, constraints []string) (bool, error) {
	set, err := constraint.Substrings(constraints...)
	if err != nil {
		return false, err
	}
	res := o.run(ctx, token, set, "", false)
	if err := res.Err(); err != nil {
		return false, err
	}
	return true, nil
}

// Validate checks content against set, appending the strict profile when the
// vexation index is at or above the configured threshold.
func (o *Orchestrator) Validate(ctx context.Context, content string, set *constraint.Set) Result {
	return o.run(ctx, content, set, "", true)
}

// ValidateDefs builds a set from defs and validates content against it.
func (o *Orchestrator) ValidateDefs(ctx context.Context, content string, defs []constraint.Def) (Result, error) {
	set, err := constraint.NewSet(o.registry, defs...)
	if err != nil {
		return Result{}, err
	}
	return o.Validate(ctx, content, set), nil
}

// ValidateProfile validates content against a loaded profile. An empty name
// selects the active profile.
func (o *Orchestrator) ValidateProfile(ctx context.Context, content, name string) (Result, error) {
	o.mu.RLock()
	if name == "" {
		name = o.active
	}
	set, ok := o.profiles[name]
	o.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrProfileNotFound, name)
	}
	return o.run(ctx, content, set, name, true), nil
}

// VexationIndex returns the current operator stress index in [0, 1].
func (o *Orchestrator) VexationIndex() float64 {
	idx := o.tracker.CurrentIndex()
	if o.metrics != nil {
		o.metrics.SetVexationIndex(idx)
	}
	o.checkStrict(idx)
	return idx
}

// SubmitFeedback normalizes an operator report and hands it to the sink. The
// returned string acknowledges the submission. An unrecognized reportType is
// a *feedback.InvalidInputError; pool failures are *feedback.TransportError.
// CRASH reports also record a stress indicator.
func (o *Orchestrator) SubmitFeedback(ctx context.Context, paneL, paneN, paneW, reportType string) (string, error) {
	rt, err := feedback.ParseReportType(reportType)
	if err != nil {
		if o.metrics != nil {
			o.metrics.ObserveFeedback("INVALID", "invalid")
		}
		return "", err
	}

	if rt == feedback.ReportCrash {
		if err := o.record(ctx, o.policy.ForCrash(o.now())); err != nil {
			o.logger.Warn("crash indicator not recorded", "error", err)
		}
	}

	ack, err := o.sink.Submit(ctx, feedback.Report{
		PaneL: paneL,
		PaneN: paneN,
		PaneW: paneW,
		Type:  rt,
	})
	o.relayFeedback(ctx, ack, rt, err)
	if err != nil {
		return "", err
	}
	return ack.String(), nil
}

// ReportStress records an explicit operator signal. An empty class uses the
// policy's operator half-life.
func (o *Orchestrator) ReportStress(ctx context.Context, magnitude float64, class string) error {
	var hl vexation.HalfLifeClass
	if class != "" {
		parsed, err := vexation.ParseHalfLifeClass(class)
		if err != nil {
			return err
		}
		hl = parsed
	}
	return o.record(ctx, o.policy.ForOperator(magnitude, hl, o.now()))
}

// LoadProfiles reads a profile file through the sandbox, validates every
// profile and replaces the loaded set atomically. On error the previous
// profiles stay active.
func (o *Orchestrator) LoadProfiles(ctx context.Context, path string) ([]string, error) {
	names, err := o.loadProfiles(path)
	if o.metrics != nil {
		o.metrics.ObserveProfileLoad(err == nil)
	}
	if err != nil {
		o.bus.Publish(events.NewEvent(events.EventProfilesFailed, events.ProfilesData{Path: path, Error: err.Error()}))
		o.logger.Error("profile load failed", "path", path, "error", err)
		return nil, err
	}
	o.bus.Publish(events.NewEvent(events.EventProfilesLoaded, events.ProfilesData{Path: path, Profiles: names}))
	o.logger.Info("profiles loaded", "path", path, "profiles", names)
	return names, nil
}

func (o *Orchestrator) loadProfiles(path string) ([]string, error) {
	var (
		data []byte
		err  error
	)
	if o.sandbox != nil {
		data, err = o.sandbox.ReadFile(path)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read profiles %s: %w", path, err)
	}

	defs, err := constraint.ParseProfiles(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	sets, err := defs.Build(o.registry)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	o.mu.Lock()
	o.profiles = sets
	o.mu.Unlock()

	if err := o.persistProfiles(defs, path); err != nil {
		o.logger.Warn("profiles not persisted", "error", err)
	}
	return defs.Names(), nil
}

// ProfileNames returns the loaded profile names, sorted.
func (o *Orchestrator) ProfileNames() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p := make(constraint.Profiles, len(o.profiles))
	for name := range o.profiles {
		p[name] = nil
	}
	return p.Names()
}

// Profile returns a loaded profile by name.
func (o *Orchestrator) Profile(name string) (*constraint.Set, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	set, ok := o.profiles[name]
	return set, ok
}

// ActiveProfile returns the profile used when none is named.
func (o *Orchestrator) ActiveProfile() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.active
}

// SetActiveProfile selects the default profile and persists the choice.
func (o *Orchestrator) SetActiveProfile(name string) error {
	o.mu.Lock()
	if _, ok := o.profiles[name]; !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrProfileNotFound, name)
	}
	o.active = name
	o.mu.Unlock()

	if o.store != nil {
		if err := o.store.Set(store.ScopeSession, sessionActiveProfile, name); err != nil {
			return fmt.Errorf("persist active profile: %w", err)
		}
	}
	return nil
}

// Strict reports whether strictness escalation is currently in effect.
func (o *Orchestrator) Strict() bool {
	return o.strictActive(o.VexationIndex())
}

// Status summarizes the orchestrator for the status method and inspector.
func (o *Orchestrator) Status() protocol.StatusResult {
	idx := o.VexationIndex()
	st := o.sink.Stats()
	return protocol.StatusResult{
		Origin:        o.sink.Origin(),
		VexationIndex: idx,
		Strict:        o.strictActive(idx),
		ActiveProfile: o.ActiveProfile(),
		Profiles:      o.ProfileNames(),
		Verdicts: protocol.VerdictCounts{
			Accepted: o.accepted.Load(),
			Rejected: o.rejected.Load(),
		},
		Feedback: protocol.FeedbackStats{
			Pending:   st.Pending,
			Submitted: st.Submitted,
			Delivered: st.Delivered,
			Failed:    st.Failed,
			Dropped:   st.Dropped,
		},
	}
}

// run validates content and relays the verdict. escalate enables the strict
// profile.
func (o *Orchestrator) run(ctx context.Context, content string, set *constraint.Set, profile string, escalate bool) Result {
	strict := false
	if escalate {
		if extra, ok := o.strictSet(); ok {
			set = set.Concat(extra)
			strict = true
		}
	}

	tok := verify.Token{Content: content, Seq: o.seq.Add(1)}
	start := time.Now()
	v := verify.Validate(tok, set)
	took := time.Since(start)

	res := Result{Verdict: v, Profile: profile, Strict: strict}
	o.relayVerdict(ctx, res, took)
	return res
}

// strictSet returns the strict profile when escalation is in effect.
func (o *Orchestrator) strictSet() (*constraint.Set, bool) {
	idx := o.tracker.CurrentIndex()
	if !o.strictActive(idx) {
		return nil, false
	}
	o.mu.RLock()
	set, ok := o.profiles[o.strictness.Profile]
	o.mu.RUnlock()
	return set, ok
}

func (o *Orchestrator) strictActive(idx float64) bool {
	th := o.strictness.Threshold
	return th > 0 && idx >= th
}

// checkStrict publishes a strictness event when escalation switches on or off.
func (o *Orchestrator) checkStrict(idx float64) {
	active := o.strictActive(idx)
	o.mu.Lock()
	changed := active != o.strict
	o.strict = active
	o.mu.Unlock()
	if !changed {
		return
	}
	o.bus.Publish(events.NewEvent(events.EventStrictnessChanged, events.VexationData{Index: idx, Strict: active}))
	o.logger.Info("strictness changed", "strict", active, "index", idx)
}

func (o *Orchestrator) relayVerdict(ctx context.Context, res Result, took time.Duration) {
	data := events.VerdictData{
		Status:      string(res.Status),
		Seq:         res.Token.Seq,
		Profile:     res.Profile,
		Index:       res.Index,
		Explanation: res.Explanation,
	}
	var kind, label string
	if res.Violated != nil {
		kind = string(res.Violated.Kind())
		label = res.Violated.Label()
		data.Kind = kind
	}

	if res.Accepted() {
		o.accepted.Add(1)
		o.bus.Publish(events.NewEvent(events.EventVerdictAccepted, data))
	} else {
		o.rejected.Add(1)
		o.bus.Publish(events.NewEvent(events.EventVerdictRejected, data))
		o.logger.Debug("token rejected", "seq", res.Token.Seq, "explanation", res.Explanation)
	}

	if o.metrics != nil {
		o.metrics.ObserveVerdict(string(res.Status), kind, took)
	}
	if o.prov != nil {
		err := o.prov.LogVerdict(ctx, provenance.VerdictEntry{
			Seq:         res.Token.Seq,
			Status:      string(res.Status),
			Profile:     res.Profile,
			Kind:        kind,
			Constraint:  label,
			Explanation: res.Explanation,
			Strict:      res.Strict,
			CreatedAt:   o.now(),
		})
		if err != nil {
			o.logger.Warn("verdict provenance not written", "error", err)
		}
	}

	if !res.Accepted() && res.Violated != nil {
		if ind, ok := o.policy.ForRejection(res.Violated.Kind(), o.now()); ok {
			if err := o.record(ctx, ind); err != nil {
				o.logger.Warn("rejection indicator not recorded", "error", err)
			}
		}
	}
}

// record adds ind to the tracker and relays it.
func (o *Orchestrator) record(ctx context.Context, ind vexation.Indicator) error {
	if ind.At.IsZero() {
		ind.At = o.now()
	}
	if ind.HalfLife == "" {
		ind.HalfLife = o.policy.OperatorSignal
	}
	if err := o.tracker.Record(ind); err != nil {
		return err
	}
	idx := o.tracker.CurrentIndex()

	if o.metrics != nil {
		o.metrics.ObserveIndicator(ind.Source, idx)
	}
	if o.prov != nil {
		err := o.prov.LogIndicator(ctx, provenance.IndicatorEntry{
			Source:    ind.Source,
			Magnitude: ind.Magnitude,
			HalfLife:  string(ind.HalfLife),
			At:        ind.At,
		})
		if err != nil {
			o.logger.Warn("indicator provenance not written", "error", err)
		}
	}
	o.bus.Publish(events.NewEvent(events.EventVexationRecorded, events.VexationData{
		Source:    ind.Source,
		Magnitude: ind.Magnitude,
		Index:     idx,
		Strict:    o.strictActive(idx),
	}))
	o.checkStrict(idx)
	return nil
}

func (o *Orchestrator) relayFeedback(ctx context.Context, ack feedback.Ack, rt feedback.ReportType, err error) {
	data := events.FeedbackData{
		LocalID:    ack.LocalID,
		ReportType: string(rt),
		Status:     string(ack.Status),
		Receipt:    ack.Receipt,
	}
	status := string(ack.Status)
	if err != nil {
		status = "failed"
		data.Status = status
		data.Error = err.Error()
		o.bus.Publish(events.NewEvent(events.EventFeedbackFailed, data))
		o.logger.Warn("feedback submission failed", "local_id", ack.LocalID, "type", rt, "error", err)
	} else {
		o.bus.Publish(events.NewEvent(events.EventFeedbackSubmitted, data))
	}

	if o.metrics != nil {
		o.metrics.ObserveFeedback(string(rt), status)
		o.metrics.SetFeedbackPending(o.sink.Stats().Pending)
	}
	if o.prov != nil {
		perr := o.prov.LogFeedback(ctx, provenance.FeedbackEntry{
			LocalID:    ack.LocalID,
			Origin:     o.sink.Origin(),
			ReportType: string(rt),
			Status:     status,
			Receipt:    ack.Receipt,
			Error:      data.Error,
			CreatedAt:  o.now(),
		})
		if perr != nil {
			o.logger.Warn("feedback provenance not written", "error", perr)
		}
	}
}

func (o *Orchestrator) persistProfiles(defs constraint.Profiles, path string) error {
	if o.store == nil {
		return nil
	}
	existing, err := o.store.Keys(store.ScopeProfiles)
	if err != nil {
		return err
	}
	for _, name := range existing {
		if _, ok := defs[name]; !ok {
			if err := o.store.Delete(store.ScopeProfiles, name); err != nil {
				return err
			}
		}
	}
	for name, d := range defs {
		if err := o.store.Set(store.ScopeProfiles, name, d); err != nil {
			return err
		}
	}
	return o.store.Set(store.ScopeSession, sessionProfilesPath, path)
}

// restoreProfiles rebuilds the profiles persisted by the last successful load.
func (o *Orchestrator) restoreProfiles() error {
	if o.store == nil {
		return nil
	}
	names, err := o.store.Keys(store.ScopeProfiles)
	if err != nil {
		return fmt.Errorf("restore profiles: %w", err)
	}
	defs := make(constraint.Profiles, len(names))
	for _, name := range names {
		var d []constraint.Def
		if err := o.store.Get(store.ScopeProfiles, name, &d); err != nil {
			return fmt.Errorf("restore profile %q: %w", name, err)
		}
		defs[name] = d
	}
	sets, err := defs.Build(o.registry)
	if err != nil {
		return fmt.Errorf("restore profiles: %w", err)
	}
	o.profiles = sets

	var active string
	switch err := o.store.Get(store.ScopeSession, sessionActiveProfile, &active); {
	case err == nil:
		if _, ok := sets[active]; ok {
			o.active = active
		}
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("restore active profile: %w", err)
	}
	if len(sets) > 0 {
		o.logger.Debug("profiles restored", "profiles", defs.Names(), "active", o.active)
	}
	return nil
}

// replayIndicators seeds the tracker from the provenance log.
func (o *Orchestrator) replayIndicators(ctx context.Context) error {
	if o.prov == nil {
		return nil
	}
	var longest time.Duration
	for _, class := range []vexation.HalfLifeClass{vexation.HalfLifeShort, vexation.HalfLifeMedium, vexation.HalfLifeLong} {
		longest = max(longest, o.policy.HalfLife(class))
	}
	since := o.now().Add(-replayHalfLives * longest)

	entries, err := o.prov.IndicatorsSince(ctx, since)
	if err != nil {
		return fmt.Errorf("replay indicators: %w", err)
	}
	for _, e := range entries {
		err := o.tracker.Record(vexation.Indicator{
			At:        e.At,
			Magnitude: e.Magnitude,
			HalfLife:  vexation.HalfLifeClass(e.HalfLife),
			Source:    e.Source,
		})
		if err != nil {
			o.logger.Warn("skipping stored indicator", "source", e.Source, "error", err)
		}
	}
	if len(entries) > 0 {
		o.logger.Info("stress history replayed", "indicators", len(entries), "index", o.tracker.CurrentIndex())
	}
	return nil
}
