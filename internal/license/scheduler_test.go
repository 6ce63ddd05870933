package license

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu       sync.Mutex
	outcomes []*ValidationOutcome
}

func (f *fakeSink) PublishLicenseStatus(outcome *ValidationOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcome)
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.outcomes)
}

func (f *fakeSink) last() *ValidationOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.outcomes) == 0 {
		return nil
	}
	return f.outcomes[len(f.outcomes)-1]
}

// panicSink simulates a broken push channel.
type panicSink struct{}

func (panicSink) PublishLicenseStatus(*ValidationOutcome) {
	panic("sink gone")
}

func TestSchedulerPassPublishesToSink(t *testing.T) {
	m, _ := activatedManager(t)
	sink := &fakeSink{}
	s := NewScheduler(m, sink, slog.Default())

	s.runPass()

	require.Equal(t, 1, sink.count())
	outcome := sink.last()
	assert.Equal(t, ResultValid, outcome.Result)
	assert.False(t, outcome.Offline)
}

func TestSchedulerPassPublishesDegradedOutcomes(t *testing.T) {
	m, reg := activatedManager(t)
	reg.setFetchErr(errRegistryDown())
	sink := &fakeSink{}
	s := NewScheduler(m, sink, slog.Default())

	s.runPass()

	require.Equal(t, 1, sink.count())
	assert.Equal(t, ResultGrace, sink.last().Result, "the shell hears about grace mode")
}

func TestSchedulerPassSurvivesPanic(t *testing.T) {
	m, _ := activatedManager(t)
	s := NewScheduler(m, panicSink{}, slog.Default())

	require.NotPanics(t, func() { s.runPass() },
		"a broken sink must not take the revalidation loop down")
}

func TestSchedulerPassWithNilSink(t *testing.T) {
	m, _ := activatedManager(t)
	s := NewScheduler(m, nil, slog.Default())

	require.NotPanics(t, func() { s.runPass() })
}

func TestSchedulerIntervalFollowsTier(t *testing.T) {
	tests := []struct {
		tier string
		want time.Duration
	}{
		{tier: TierTrial, want: TrialInterval},
		{tier: TierStandard, want: StandardInterval},
		{tier: TierPremium, want: PremiumInterval},
		{tier: "unknown", want: StandardInterval},
	}

	for _, tt := range tests {
		t.Run(tt.tier, func(t *testing.T) {
			m, reg := activatedManager(t)

			row := activeRow(testKey, m.fingerprints.Current())
			row.Tier = tt.tier
			reg.setRow(row)
			_, err := m.ValidateStartup(context.Background())
			require.NoError(t, err)

			s := NewScheduler(m, nil, slog.Default())
			assert.Equal(t, tt.want, s.nextInterval())
		})
	}
}

func TestSchedulerIntervalWithoutActivation(t *testing.T) {
	m := newTestManager(t, newFakeRegistry())
	s := NewScheduler(m, nil, slog.Default())

	assert.Equal(t, StandardInterval, s.nextInterval())
}

func TestSchedulerStartAndStop(t *testing.T) {
	m, _ := activatedManager(t)
	s := NewScheduler(m, &fakeSink{}, slog.Default())

	s.Start()
	s.Start() // second start is a no-op

	require.NotPanics(t, func() {
		s.Stop()
		s.Stop()
	})
}
