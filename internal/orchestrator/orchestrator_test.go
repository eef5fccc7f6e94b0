package orchestrator

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panll/ensaid/internal/logging"
	"github.com/panll/ensaid/internal/metrics"
	"github.com/panll/ensaid/internal/provenance"
	"github.com/panll/ensaid/internal/sandbox"
	"github.com/panll/ensaid/pkg/constraint"
	"github.com/panll/ensaid/pkg/events"
	"github.com/panll/ensaid/pkg/feedback"
	"github.com/panll/ensaid/pkg/store"
	"github.com/panll/ensaid/pkg/verify"
	"github.com/panll/ensaid/pkg/vexation"
)

const testProfiles = `
profiles:
  default:
    - kind: FORBID_SUBSTRING
      payload: reboot
    - kind: FORBID_PATTERN
      payload: 'rm\s+-rf'
      name: recursive delete
  strict:
    - kind: FORBID_SUBSTRING
      payload: sudo
`

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newSink(t *testing.T, pool feedback.Pool) *feedback.Sink {
	t.Helper()
	sink := feedback.NewSink(pool, feedback.Config{AckTimeout: time.Second, RetryInterval: 10 * time.Millisecond},
		feedback.WithOrigin("test-origin"),
		feedback.WithLogger(logging.Discard()),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sink.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return sink
}

func newTestOrchestrator(t *testing.T, mutate func(*Options)) (*Orchestrator, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts := Options{
		Sink:   newSink(t, feedback.NewLogPool(logging.Discard())),
		Logger: logging.Discard(),
		Clock:  clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	o, err := New(context.Background(), opts)
	require.NoError(t, err)
	return o, clock
}

func writeProfiles(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestNewRequiresSink(t *testing.T) {
	_, err := New(context.Background(), Options{})
	require.Error(t, err)
}

func TestValidateInferenceRejectsForbiddenSubstring(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)

	ok, err := o.ValidateInference(context.Background(), "System reboot initiated", []string{"reboot"})
	assert.False(t, ok)
	require.Error(t, err)
	assert.ErrorIs(t, err, verify.ErrRejected)
	assert.Equal(t, "Constraint violation detected: reboot", err.Error())
}

func TestValidateInferenceAccepts(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)

	ok, err := o.ValidateInference(context.Background(), "All systems nominal", []string{"reboot", "shutdown"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = o.ValidateInference(context.Background(), "anything", nil)
	require.NoError(t, err)
	assert.True(t, ok, "empty constraint list accepts every token")
}

func TestValidateInferenceEmptyEntryRejectsInOrder(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)

	ok, err := o.ValidateInference(context.Background(), "initiate reboot sequence", []string{"reboot", ""})
	assert.False(t, ok)
	require.ErrorIs(t, err, verify.ErrRejected)
	assert.EqualError(t, err, "Constraint violation detected: reboot")

	ok, err = o.ValidateInference(context.Background(), "hello", []string{"reboot", ""})
	assert.False(t, ok)
	var rej *verify.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, 1, rej.Verdict.Index)
	assert.EqualError(t, err, "Constraint violation detected: ")
}

func TestRejectionRaisesVexationIndex(t *testing.T) {
	o, clock := newTestOrchestrator(t, nil)
	assert.Equal(t, 0.0, o.VexationIndex())

	_, err := o.ValidateInference(context.Background(), "reboot", []string{"reboot"})
	require.Error(t, err)

	want := 1 - math.Exp(-0.10)
	assert.InDelta(t, want, o.VexationIndex(), 1e-12)

	_, err = o.ValidateInference(context.Background(), "fine", []string{"reboot"})
	require.NoError(t, err)
	assert.InDelta(t, want, o.VexationIndex(), 1e-12, "accepted tokens add no stress")

	clock.Advance(30 * time.Second)
	assert.InDelta(t, 1-math.Exp(-0.05), o.VexationIndex(), 1e-12, "one SHORT half-life halves the contribution")
}

func TestSequenceNumbersIncrease(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	set, err := constraint.Substrings("x")
	require.NoError(t, err)

	first := o.Validate(context.Background(), "a", set)
	second := o.Validate(context.Background(), "b", set)
	assert.Less(t, first.Token.Seq, second.Token.Seq)
}

func TestSubmitFeedbackDelivered(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)

	ack, err := o.SubmitFeedback(context.Background(), "l", "n", "w", "OTHER")
	require.NoError(t, err)
	assert.Equal(t, "Feedback submitted: OTHER (id=1, delivered, receipt=local:test-origin:1)", ack)
	assert.Equal(t, 0.0, o.VexationIndex(), "non-crash reports add no stress")
}

func TestSubmitFeedbackInvalidType(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)

	_, err := o.SubmitFeedback(context.Background(), "l", "n", "w", "BOGUS")
	require.Error(t, err)
	assert.ErrorIs(t, err, feedback.ErrInvalidInput)
	assert.Equal(t, uint64(0), o.Sink().Stats().Submitted)
}

func TestSubmitFeedbackCrashRecordsIndicator(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)

	_, err := o.SubmitFeedback(context.Background(), "l", "n", "w", "crash")
	require.NoError(t, err)
	assert.InDelta(t, 1-math.Exp(-0.40), o.VexationIndex(), 1e-12)
}

func TestSubmitFeedbackTransportError(t *testing.T) {
	pool := feedback.PoolFunc(func(context.Context, feedback.Report) (string, error) {
		return "", assert.AnError
	})
	o, _ := newTestOrchestrator(t, func(opts *Options) {
		opts.Sink = newSink(t, pool)
	})

	_, err := o.SubmitFeedback(context.Background(), "l", "n", "w", "FALSE_POSITIVE")
	require.Error(t, err)
	assert.ErrorIs(t, err, feedback.ErrTransport)
}

func TestReportStress(t *testing.T) {
	o, clock := newTestOrchestrator(t, nil)

	require.NoError(t, o.ReportStress(context.Background(), 0.5, "long"))
	assert.InDelta(t, 1-math.Exp(-0.5), o.VexationIndex(), 1e-12)

	clock.Advance(30 * time.Minute)
	assert.InDelta(t, 1-math.Exp(-0.25), o.VexationIndex(), 1e-12)

	assert.ErrorIs(t, o.ReportStress(context.Background(), -1, ""), vexation.ErrInvalidIndicator)
	assert.ErrorIs(t, o.ReportStress(context.Background(), 0.1, "forever"), vexation.ErrInvalidIndicator)
}

func TestLoadProfilesAndValidateProfile(t *testing.T) {
	dir := t.TempDir()
	sb, err := sandbox.New(sandbox.Config{AllowedPaths: []string{dir}, MaxFileSize: "64KB"})
	require.NoError(t, err)

	o, _ := newTestOrchestrator(t, func(opts *Options) {
		opts.Sandbox = sb
		opts.ActiveProfile = "default"
	})

	names, err := o.LoadProfiles(context.Background(), writeProfiles(t, dir, testProfiles))
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "strict"}, names)
	assert.Equal(t, []string{"default", "strict"}, o.ProfileNames())

	res, err := o.ValidateProfile(context.Background(), "please rm -rf /", "")
	require.NoError(t, err)
	assert.False(t, res.Accepted())
	assert.Equal(t, "default", res.Profile)
	assert.Equal(t, 1, res.Index)
	assert.Equal(t, "Constraint violation detected: forbidden pattern recursive delete", res.Explanation)

	res, err = o.ValidateProfile(context.Background(), "sudo ls", "strict")
	require.NoError(t, err)
	assert.False(t, res.Accepted())

	_, err = o.ValidateProfile(context.Background(), "x", "missing")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestLoadProfilesSandboxDenied(t *testing.T) {
	allowed := t.TempDir()
	outside := t.TempDir()
	sb, err := sandbox.New(sandbox.Config{AllowedPaths: []string{allowed}})
	require.NoError(t, err)

	o, _ := newTestOrchestrator(t, func(opts *Options) { opts.Sandbox = sb })

	_, err = o.LoadProfiles(context.Background(), writeProfiles(t, outside, testProfiles))
	assert.ErrorIs(t, err, sandbox.ErrDenied)
	assert.Empty(t, o.ProfileNames())
}

func TestLoadProfilesInvalidKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	o, _ := newTestOrchestrator(t, nil)

	path := writeProfiles(t, dir, testProfiles)
	_, err := o.LoadProfiles(context.Background(), path)
	require.NoError(t, err)

	ch := o.Bus().Subscribe(events.EventProfilesFailed)
	defer o.Bus().Unsubscribe(ch)

	writeProfiles(t, dir, `
profiles:
  default:
    - kind: FORBID_PATTERN
      payload: '(unclosed'
`)
	_, err = o.LoadProfiles(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, constraint.ErrConfiguration)
	assert.Equal(t, []string{"default", "strict"}, o.ProfileNames())

	select {
	case ev := <-ch:
		assert.Equal(t, events.EventProfilesFailed, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no profiles.failed event")
	}
}

func TestStrictnessEscalation(t *testing.T) {
	dir := t.TempDir()
	o, _ := newTestOrchestrator(t, func(opts *Options) {
		opts.Strictness = Strictness{Threshold: 0.5, Profile: "strict"}
	})
	_, err := o.LoadProfiles(context.Background(), writeProfiles(t, dir, testProfiles))
	require.NoError(t, err)

	empty, err := constraint.NewSet(nil)
	require.NoError(t, err)

	res := o.Validate(context.Background(), "sudo make me a sandwich", empty)
	assert.True(t, res.Accepted(), "below threshold the strict profile is not applied")
	assert.False(t, res.Strict)

	ch := o.Bus().Subscribe(events.EventStrictnessChanged)
	defer o.Bus().Unsubscribe(ch)

	require.NoError(t, o.ReportStress(context.Background(), 1.0, "LONG"))
	assert.True(t, o.Strict())

	res = o.Validate(context.Background(), "sudo make me a sandwich", empty)
	assert.False(t, res.Accepted())
	assert.True(t, res.Strict)
	assert.Equal(t, "Constraint violation detected: sudo", res.Explanation)

	select {
	case ev := <-ch:
		data := ev.Data.(events.VexationData)
		assert.True(t, data.Strict)
	case <-time.After(time.Second):
		t.Fatal("no strictness event")
	}

	ok, err := o.ValidateInference(context.Background(), "sudo make me a sandwich", nil)
	require.NoError(t, err)
	assert.True(t, ok, "validate_inference checks only the constraints it is given")
}

func TestProfilesPersistAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	o1, _ := newTestOrchestrator(t, func(opts *Options) { opts.Store = st })
	_, err = o1.LoadProfiles(context.Background(), writeProfiles(t, dir, testProfiles))
	require.NoError(t, err)
	require.NoError(t, o1.SetActiveProfile("strict"))
	assert.ErrorIs(t, o1.SetActiveProfile("nope"), ErrProfileNotFound)

	o2, _ := newTestOrchestrator(t, func(opts *Options) {
		opts.Store = st
		opts.ActiveProfile = "default"
	})
	assert.Equal(t, []string{"default", "strict"}, o2.ProfileNames())
	assert.Equal(t, "strict", o2.ActiveProfile())

	set, ok := o2.Profile("default")
	require.True(t, ok)
	assert.Equal(t, 2, set.Len())
	assert.Equal(t, constraint.KindForbidPattern, set.At(1).Kind())
}

func TestIndicatorsReplayedFromProvenance(t *testing.T) {
	prov, err := provenance.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { prov.Close() })

	o1, _ := newTestOrchestrator(t, func(opts *Options) { opts.Provenance = prov })
	require.NoError(t, o1.ReportStress(context.Background(), 0.7, "MEDIUM"))
	_, err = o1.ValidateInference(context.Background(), "reboot", []string{"reboot"})
	require.Error(t, err)
	want := o1.VexationIndex()

	o2, _ := newTestOrchestrator(t, func(opts *Options) { opts.Provenance = prov })
	assert.InDelta(t, want, o2.VexationIndex(), 1e-12)
	assert.Equal(t, 2, o2.Tracker().Len())

	counts, err := prov.VerdictCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts["REJECTED"])
}

func TestVerdictEventsAndMetrics(t *testing.T) {
	m := metrics.New()
	o, _ := newTestOrchestrator(t, func(opts *Options) { opts.Metrics = m })

	ch := o.Bus().Subscribe(events.EventVerdictRejected, events.EventVexationRecorded)
	defer o.Bus().Unsubscribe(ch)

	_, err := o.ValidateInference(context.Background(), "reboot now", []string{"reboot"})
	require.Error(t, err)

	got := map[events.EventType]events.Event{}
	for len(got) < 2 {
		select {
		case ev := <-ch:
			got[ev.Type] = ev
		case <-time.After(time.Second):
			t.Fatalf("only got %v", got)
		}
	}
	verdict := got[events.EventVerdictRejected].Data.(events.VerdictData)
	assert.Equal(t, "FORBID_SUBSTRING", verdict.Kind)
	assert.Equal(t, 0, verdict.Index)
	vex := got[events.EventVexationRecorded].Data.(events.VexationData)
	assert.Equal(t, "rejection:FORBID_SUBSTRING", vex.Source)

	st := o.Status()
	assert.Equal(t, uint64(1), st.Verdicts.Rejected)
	assert.Equal(t, "test-origin", st.Origin)
}

func TestConcurrentValidation(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				token := "fine"
				if j%2 == 0 {
					token = "reboot"
				}
				_, _ = o.ValidateInference(context.Background(), token, []string{"reboot"})
				_ = o.VexationIndex()
			}
		}(i)
	}
	wg.Wait()

	st := o.Status()
	assert.Equal(t, uint64(500), st.Verdicts.Accepted)
	assert.Equal(t, uint64(500), st.Verdicts.Rejected)
	idx := o.VexationIndex()
	assert.True(t, idx > 0 && idx <= 1)
}
