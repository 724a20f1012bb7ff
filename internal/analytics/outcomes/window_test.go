package outcomes

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestWindowRatesArePercentages(t *testing.T) {
	w := NewWindow(WindowConfig{MaxSamples: 50})
	var m Metrics
	for i := 0; i < 18; i++ {
		m = w.Record(Outcome{Agreed: true}, t0.Add(time.Duration(i)*time.Minute))
	}
	m = w.Record(Outcome{Escalated: true}, t0.Add(18*time.Minute))
	m = w.Record(Outcome{}, t0.Add(19*time.Minute))

	assert.Equal(t, 20, m.SampleCount)
	assert.Equal(t, 90.0, m.AgreementRate)
	assert.Equal(t, 5.0, m.EscalationRate)
	assert.Equal(t, t0, m.WindowStart)
	assert.Equal(t, t0.Add(19*time.Minute), m.WindowEnd)
}

func TestWindowEvictsOldestBySampleCount(t *testing.T) {
	w := NewWindow(WindowConfig{MaxSamples: 3})
	w.Record(Outcome{Agreed: false}, t0)
	w.Record(Outcome{Agreed: true}, t0.Add(time.Second))
	w.Record(Outcome{Agreed: true}, t0.Add(2*time.Second))
	m := w.Record(Outcome{Agreed: true}, t0.Add(3*time.Second))

	assert.Equal(t, 3, m.SampleCount)
	assert.Equal(t, 100.0, m.AgreementRate)
	assert.Equal(t, t0.Add(time.Second), m.WindowStart)
}

func TestWindowEvictsByAge(t *testing.T) {
	w := NewWindow(WindowConfig{MaxAge: time.Hour})
	w.Record(Outcome{Escalated: true}, t0)
	m := w.Record(Outcome{Agreed: true}, t0.Add(2*time.Hour))

	assert.Equal(t, 1, m.SampleCount)
	assert.Equal(t, 0.0, m.EscalationRate)
	assert.Equal(t, 1, w.Len())
}

func TestSnapshotIgnoresExpiredEntriesWithoutMutating(t *testing.T) {
	w := NewWindow(WindowConfig{MaxSamples: 10, MaxAge: time.Hour})
	w.Record(Outcome{Agreed: true}, t0)
	w.Record(Outcome{Agreed: true}, t0.Add(30*time.Minute))

	m := w.Snapshot(t0.Add(80 * time.Minute))
	assert.Equal(t, 1, m.SampleCount)
	assert.Equal(t, 2, w.Len(), "snapshot must not evict")
}

func TestEmptySnapshot(t *testing.T) {
	m := NewWindow(WindowConfig{MaxSamples: 5}).Snapshot(t0)
	assert.Equal(t, Metrics{}, m)
	assert.NoError(t, m.Validate())
}

func TestWindowConfigValidate(t *testing.T) {
	assert.Error(t, WindowConfig{}.Validate())
	assert.Error(t, WindowConfig{MaxSamples: -1}.Validate())
	assert.NoError(t, WindowConfig{MaxAge: time.Minute}.Validate())
	assert.NoError(t, WindowConfig{MaxSamples: 10}.Validate())
}

func TestMetricsValidate(t *testing.T) {
	assert.Error(t, Metrics{SampleCount: -1}.Validate())
	assert.Error(t, Metrics{SampleCount: 1, AgreementRate: 101}.Validate())
	assert.Error(t, Metrics{SampleCount: 1, EscalationRate: -3}.Validate())
}

func TestAggregatorUnknownKeyIsZeroSnapshot(t *testing.T) {
	agg := NewAggregator(NewMemoryWindowStore(WindowConfig{MaxSamples: 10}))
	m := agg.GetMetrics("tenant-x", "outreach-message")
	assert.Equal(t, 0, m.SampleCount)
}

func TestAggregatorConcurrentRecording(t *testing.T) {
	agg := NewAggregator(NewMemoryWindowStore(WindowConfig{MaxSamples: 1000})).
		WithClock(func() time.Time { return t0 })

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agg.RecordOutcome("tenant-a", "follow-up", Outcome{Agreed: i%2 == 0})
		}(i)
	}
	wg.Wait()

	m := agg.GetMetrics("tenant-a", "follow-up")
	require.Equal(t, 200, m.SampleCount)
	assert.Equal(t, 50.0, m.AgreementRate)
	assert.Equal(t, 0, agg.GetMetrics("tenant-b", "follow-up").SampleCount)
}

func TestAggregatorResetWindow(t *testing.T) {
	agg := NewAggregator(NewMemoryWindowStore(WindowConfig{MaxSamples: 10})).
		WithClock(func() time.Time { return t0 })
	agg.RecordOutcome("tenant-a", "follow-up", Outcome{Agreed: true})
	agg.RecordOutcome("tenant-b", "follow-up", Outcome{Agreed: true})

	agg.ResetWindow("tenant-a", "follow-up")
	assert.Equal(t, 0, agg.GetMetrics("tenant-a", "follow-up").SampleCount)
	assert.Equal(t, 1, agg.GetMetrics("tenant-b", "follow-up").SampleCount)

	m := agg.RecordOutcome("tenant-a", "follow-up", Outcome{})
	assert.Equal(t, 1, m.SampleCount)
	assert.Zero(t, m.AgreementRate)
}
