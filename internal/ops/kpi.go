// Package ops tracks rolling operational KPIs for the monitoring loop:
// record throughput, anomaly density, and retrain outcomes over sliding
// time windows. The orchestrator folds these into the health score.
package ops

import (
	"sync"
	"time"
)

// KPITracker tracks rolling loop KPIs.
type KPITracker struct {
	mu sync.RWMutex

	recordTimes  []time.Time
	anomalyTimes []time.Time
	dropTimes    []time.Time
	window       time.Duration

	retrainSuccess int
	retrainFailure int

	now func() time.Time
}

// KPIMetrics is a point-in-time view of the tracked rates.
type KPIMetrics struct {
	RecordsInWindow   int     `json:"records_in_window"`
	AnomaliesInWindow int     `json:"anomalies_in_window"`
	DropsInWindow     int     `json:"drops_in_window"`
	AnomalyRate       float64 `json:"anomaly_rate"`
	RetrainSuccesses  int     `json:"retrain_successes"`
	RetrainFailures   int     `json:"retrain_failures"`
}

// NewKPITracker creates a tracker with the given sliding window.
func NewKPITracker(window time.Duration) *KPITracker {
	return &KPITracker{
		window: window,
		now:    time.Now,
	}
}

// RecordTrade notes one consumed trade record.
func (k *KPITracker) RecordTrade() {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	k.recordTimes = append(k.recordTimes, now)
	k.recordTimes = trimBefore(k.recordTimes, now.Add(-k.window))
}

// RecordAnomaly notes one detected anomaly.
func (k *KPITracker) RecordAnomaly() {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	k.anomalyTimes = append(k.anomalyTimes, now)
	k.anomalyTimes = trimBefore(k.anomalyTimes, now.Add(-k.window))
}

// RecordDrop notes one record lost to queue backpressure.
func (k *KPITracker) RecordDrop() {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	k.dropTimes = append(k.dropTimes, now)
	k.dropTimes = trimBefore(k.dropTimes, now.Add(-k.window))
}

// RecordRetrain notes the outcome of one retrain attempt.
func (k *KPITracker) RecordRetrain(success bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if success {
		k.retrainSuccess++
	} else {
		k.retrainFailure++
	}
}

// Metrics returns the current rolling KPI values.
func (k *KPITracker) Metrics() KPIMetrics {
	k.mu.RLock()
	defer k.mu.RUnlock()

	cutoff := k.now().Add(-k.window)
	records := countAfter(k.recordTimes, cutoff)
	anomalies := countAfter(k.anomalyTimes, cutoff)
	drops := countAfter(k.dropTimes, cutoff)

	rate := 0.0
	if records > 0 {
		rate = float64(anomalies) / float64(records)
	}

	return KPIMetrics{
		RecordsInWindow:   records,
		AnomaliesInWindow: anomalies,
		DropsInWindow:     drops,
		AnomalyRate:       rate,
		RetrainSuccesses:  k.retrainSuccess,
		RetrainFailures:   k.retrainFailure,
	}
}

// AnomalyRate returns anomalies per record over the window, 0 when idle.
func (k *KPITracker) AnomalyRate() float64 {
	return k.Metrics().AnomalyRate
}

func trimBefore(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func countAfter(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, t := range times {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
