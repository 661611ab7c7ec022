package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradewarden/internal/config"
	"tradewarden/internal/domain"
)

func testAuditor() *Auditor {
	a := New(config.Default().Auditor, nil)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return fixed }
	return a
}

// rec builds a record that trips no detector unless the caller makes it.
func rec(strategy string, ret, conf float64, dir domain.Direction) domain.TradeRecord {
	return domain.TradeRecord{
		Timestamp:  time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC),
		StrategyID: strategy,
		Symbol:     "BTC-USD",
		Confidence: conf,
		Direction:  dir,
		Return:     ret,
		PnL:        ret * 1000,
	}
}

func TestLargeLossAlwaysCritical(t *testing.T) {
	a := testAuditor()

	// Short position, negative return: the outcome matches the prediction
	// so only the loss detector should fire, with no history at all.
	events := a.Evaluate(rec("alpha", -0.25, 0.9, domain.DirectionShort), nil)

	require.Len(t, events, 1)
	assert.Equal(t, domain.KindLargeLoss, events[0].Kind)
	assert.Equal(t, domain.SeverityCritical, events[0].Severity)
	assert.Equal(t, -0.25, events[0].Value)
}

func TestLossAboveThresholdNotFlagged(t *testing.T) {
	a := testAuditor()

	events := a.Evaluate(rec("alpha", -0.19, 0.9, domain.DirectionShort), nil)
	assert.Empty(t, events)
}

func TestStatisticalOutlierSeverity(t *testing.T) {
	// Trailing returns alternating 0.00 and 0.02: mean 0.01, std 0.01.
	var history []domain.TradeRecord
	for i := 0; i < 30; i++ {
		ret := 0.0
		if i%2 == 0 {
			ret = 0.02
		}
		history = append(history, rec("alpha", ret, 0.9, domain.DirectionLong))
	}

	t.Run("warning between 3 and 4 sigma", func(t *testing.T) {
		a := testAuditor()
		events := a.Evaluate(rec("alpha", 0.045, 0.9, domain.DirectionLong), history)

		require.Len(t, events, 1)
		assert.Equal(t, domain.KindStatisticalOutlier, events[0].Kind)
		assert.Equal(t, domain.SeverityWarning, events[0].Severity)
	})

	t.Run("critical beyond 4 sigma", func(t *testing.T) {
		a := testAuditor()
		events := a.Evaluate(rec("alpha", 0.06, 0.9, domain.DirectionLong), history)

		require.Len(t, events, 1)
		assert.Equal(t, domain.KindStatisticalOutlier, events[0].Kind)
		assert.Equal(t, domain.SeverityCritical, events[0].Severity)
	})
}

func TestOutlierSkippedBelowMinHistory(t *testing.T) {
	a := testAuditor()

	history := []domain.TradeRecord{
		rec("alpha", 0.01, 0.9, domain.DirectionLong),
		rec("alpha", 0.02, 0.9, domain.DirectionLong),
	}
	events := a.Evaluate(rec("alpha", 5.0, 0.9, domain.DirectionLong), history)
	assert.Empty(t, events, "thin history must not produce outlier noise")
}

func TestConfidenceErrorEscalatesToCritical(t *testing.T) {
	a := testAuditor()

	// High confidence, wrong direction: deviation 0.9 on every record.
	bad := rec("alpha", -0.01, 0.9, domain.DirectionLong)

	first := a.Evaluate(bad, nil)
	require.Len(t, first, 1)
	assert.Equal(t, domain.SeverityWarning, first[0].Severity)

	second := a.Evaluate(bad, nil)
	require.Len(t, second, 1)
	assert.Equal(t, domain.SeverityWarning, second[0].Severity)

	third := a.Evaluate(bad, nil)
	require.Len(t, third, 2, "third strike escalates and trips the repeat detector")
	assert.Equal(t, domain.KindConfidenceError, third[0].Kind)
	assert.Equal(t, domain.SeverityCritical, third[0].Severity)
	assert.Equal(t, domain.KindPatternRepeat, third[1].Kind)
	assert.Equal(t, domain.SeverityCritical, third[1].Severity)
}

func TestPatternRepeatFiresOnlyAtCrossing(t *testing.T) {
	a := testAuditor()

	loss := rec("alpha", -0.30, 0.9, domain.DirectionShort)

	var repeats int
	for i := 0; i < 5; i++ {
		for _, ev := range a.Evaluate(loss, nil) {
			if ev.Kind == domain.KindPatternRepeat {
				repeats++
			}
		}
	}
	assert.Equal(t, 1, repeats, "repeat alarm fires on the crossing, not on every record after it")
}

func TestPatternRepeatFiresWhenCountJumpsPastThreshold(t *testing.T) {
	a := testAuditor()

	loss := rec("alpha", -0.30, 0.9, domain.DirectionShort)
	a.Evaluate(loss, nil)

	// Operational events recorded between trade records push the count
	// from 1 straight past the threshold without ever equaling it at an
	// Evaluate call.
	a.Record(a.NewEvent("alpha", domain.KindLargeLoss, domain.SeverityCritical, -0.3, -0.2, "liquidation sweep"))
	a.Record(a.NewEvent("alpha", domain.KindLargeLoss, domain.SeverityCritical, -0.4, -0.2, "liquidation sweep"))

	var repeats int
	for _, ev := range a.Evaluate(loss, nil) {
		if ev.Kind == domain.KindPatternRepeat {
			repeats++
		}
	}
	require.Equal(t, 1, repeats, "the alarm must still raise when the count overshoots the threshold")

	// The streak already alarmed; further records stay quiet.
	for _, ev := range a.Evaluate(loss, nil) {
		assert.NotEqual(t, domain.KindPatternRepeat, ev.Kind)
	}
}

func TestPatternRepeatRearmsAfterStreakExpires(t *testing.T) {
	a := testAuditor()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	a.now = func() time.Time { return current }

	loss := rec("alpha", -0.30, 0.9, domain.DirectionShort)

	countRepeats := func() int {
		n := 0
		for i := 0; i < 3; i++ {
			for _, ev := range a.Evaluate(loss, nil) {
				if ev.Kind == domain.KindPatternRepeat {
					n++
				}
			}
		}
		return n
	}

	assert.Equal(t, 1, countRepeats())

	// Once the window drains the streak, a fresh streak alarms again.
	current = base.Add(time.Hour)
	assert.Equal(t, 1, countRepeats())
}

func TestDetectorsCompose(t *testing.T) {
	a := testAuditor()

	// Confident long that realized a large loss trips both detectors.
	events := a.Evaluate(rec("alpha", -0.30, 0.95, domain.DirectionLong), nil)

	kinds := make(map[domain.AnomalyKind]bool)
	for _, ev := range events {
		kinds[ev.Kind] = true
	}
	assert.True(t, kinds[domain.KindConfidenceError])
	assert.True(t, kinds[domain.KindLargeLoss])
}

func TestEventsScopedPerStrategy(t *testing.T) {
	a := testAuditor()

	bad := rec("alpha", -0.01, 0.9, domain.DirectionLong)
	a.Evaluate(bad, nil)
	a.Evaluate(bad, nil)

	// A different strategy's first strike must not inherit alpha's count.
	other := rec("beta", -0.01, 0.9, domain.DirectionLong)
	events := a.Evaluate(other, nil)

	require.Len(t, events, 1)
	assert.Equal(t, domain.SeverityWarning, events[0].Severity)
}

func TestSummarize(t *testing.T) {
	a := testAuditor()

	a.Evaluate(rec("alpha", -0.30, 0.9, domain.DirectionShort), nil)
	a.Evaluate(rec("beta", -0.01, 0.9, domain.DirectionLong), nil)
	a.Record(a.NewEvent("alpha", domain.KindRetrainFailure, domain.SeverityCritical, 0, 0, "boom"))

	s := a.Summarize()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.Critical)
	assert.Equal(t, 2, s.ByStrategy["alpha"])
	assert.Equal(t, 1, s.ByStrategy["beta"])
	assert.Equal(t, 1, s.ByKind[domain.KindLargeLoss])
}

func TestEventsExpireFromWindow(t *testing.T) {
	a := testAuditor()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return base }
	a.Evaluate(rec("alpha", -0.30, 0.9, domain.DirectionShort), nil)

	a.now = func() time.Time { return base.Add(time.Hour) }
	s := a.Summarize()
	assert.Zero(t, s.Total, "events older than the window drop out of the summary")
}
