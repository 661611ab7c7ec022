// Package audit classifies trade records against four independent
// anomaly detectors: statistical outlier, confidence error, large loss,
// and pattern repeat. Detectors are composable; a single record may
// produce multiple events.
package audit

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tradewarden/internal/config"
	"tradewarden/internal/domain"
)

// Auditor runs the detectors and keeps a sliding window of recent events
// per strategy for escalation and pattern-repeat decisions.
type Auditor struct {
	cfg    config.AuditorConfig
	logger *Log

	// recent events per strategy, trimmed to cfg.Window
	recent map[string][]domain.AnomalyEvent

	// kinds per strategy with an active pattern-repeat alarm; cleared
	// when the windowed count falls back below the repeat threshold
	fired map[string]map[domain.AnomalyKind]bool

	now func() time.Time
}

// New creates an auditor. logger may be nil, in which case events are
// not persisted (used by tests).
func New(cfg config.AuditorConfig, logger *Log) *Auditor {
	return &Auditor{
		cfg:    cfg,
		logger: logger,
		recent: make(map[string][]domain.AnomalyEvent),
		fired:  make(map[string]map[domain.AnomalyKind]bool),
		now:    time.Now,
	}
}

// Evaluate classifies one record against the strategy's trailing history.
// history must not include the record itself. All detectors run
// independently; returned events are already tracked and persisted.
func (a *Auditor) Evaluate(rec domain.TradeRecord, history []domain.TradeRecord) []domain.AnomalyEvent {
	var events []domain.AnomalyEvent

	if ev, ok := a.detectStatisticalOutlier(rec, history); ok {
		events = append(events, ev)
	}
	if ev, ok := a.detectConfidenceError(rec); ok {
		events = append(events, ev)
	}
	if ev, ok := a.detectLargeLoss(rec); ok {
		events = append(events, ev)
	}

	for _, ev := range events {
		a.track(ev)
	}

	if ev, ok := a.detectPatternRepeat(rec.StrategyID); ok {
		a.track(ev)
		events = append(events, ev)
	}

	for _, ev := range events {
		a.persist(ev)
	}
	return events
}

// Record tracks and persists an event raised outside the record
// detectors (validation, backpressure, retrain failures).
func (a *Auditor) Record(ev domain.AnomalyEvent) {
	a.track(ev)
	a.persist(ev)
}

// NewEvent builds a populated event. Callers outside the detectors use
// this so IDs and timestamps stay uniform.
func (a *Auditor) NewEvent(strategyID string, kind domain.AnomalyKind, sev domain.Severity, value, threshold float64, note string) domain.AnomalyEvent {
	return domain.AnomalyEvent{
		ID:         uuid.NewString(),
		Timestamp:  a.now(),
		StrategyID: strategyID,
		Kind:       kind,
		Severity:   sev,
		Value:      value,
		Threshold:  threshold,
		Note:       note,
	}
}

// Summary aggregates tracked events still inside the sliding window.
type Summary struct {
	Total      int                        `json:"total"`
	Critical   int                        `json:"critical"`
	ByKind     map[domain.AnomalyKind]int `json:"by_kind"`
	BySeverity map[domain.Severity]int    `json:"by_severity"`
	ByStrategy map[string]int             `json:"by_strategy"`
}

// Summarize reports counts over the current window across all strategies.
func (a *Auditor) Summarize() Summary {
	s := Summary{
		ByKind:     make(map[domain.AnomalyKind]int),
		BySeverity: make(map[domain.Severity]int),
		ByStrategy: make(map[string]int),
	}
	cutoff := a.now().Add(-a.cfg.Window)
	for id, events := range a.recent {
		for _, ev := range events {
			if !ev.Timestamp.After(cutoff) {
				continue
			}
			s.Total++
			s.ByKind[ev.Kind]++
			s.BySeverity[ev.Severity]++
			s.ByStrategy[id]++
			if ev.Severity == domain.SeverityCritical {
				s.Critical++
			}
		}
	}
	return s
}

// detectStatisticalOutlier flags returns more than SigmaThreshold standard
// deviations from the strategy's trailing mean. Below MinHistory the
// detector is silently skipped, not flagged.
func (a *Auditor) detectStatisticalOutlier(rec domain.TradeRecord, history []domain.TradeRecord) (domain.AnomalyEvent, bool) {
	if len(history) < a.cfg.MinHistory {
		return domain.AnomalyEvent{}, false
	}

	mean, std := meanStd(history)
	if std == 0 {
		return domain.AnomalyEvent{}, false
	}

	z := math.Abs(rec.Return-mean) / std
	if z < a.cfg.SigmaThreshold {
		return domain.AnomalyEvent{}, false
	}

	sev := domain.SeverityWarning
	if z >= a.cfg.SigmaThreshold+1 {
		sev = domain.SeverityCritical
	}
	note := fmt.Sprintf("return %.4f is %.2f sigma from trailing mean %.4f", rec.Return, z, mean)
	return a.NewEvent(rec.StrategyID, domain.KindStatisticalOutlier, sev, z, a.cfg.SigmaThreshold, note), true
}

// detectConfidenceError flags records whose predicted confidence deviates
// from the realized outcome indicator by more than the threshold. The
// third such event inside the window escalates to critical.
func (a *Auditor) detectConfidenceError(rec domain.TradeRecord) (domain.AnomalyEvent, bool) {
	deviation := math.Abs(rec.Confidence - rec.OutcomeIndicator())
	if deviation <= a.cfg.ConfidenceThreshold {
		return domain.AnomalyEvent{}, false
	}

	sev := domain.SeverityWarning
	if a.countRecent(rec.StrategyID, domain.KindConfidenceError)+1 >= a.cfg.EscalateCount {
		sev = domain.SeverityCritical
	}
	note := fmt.Sprintf("confidence %.2f vs outcome %.0f", rec.Confidence, rec.OutcomeIndicator())
	return a.NewEvent(rec.StrategyID, domain.KindConfidenceError, sev, deviation, a.cfg.ConfidenceThreshold, note), true
}

// detectLargeLoss flags any realized return at or below the loss
// threshold, independent of history length.
func (a *Auditor) detectLargeLoss(rec domain.TradeRecord) (domain.AnomalyEvent, bool) {
	if rec.Return > a.cfg.LargeLossThreshold {
		return domain.AnomalyEvent{}, false
	}
	note := fmt.Sprintf("realized return %.4f on %s", rec.Return, rec.Symbol)
	return a.NewEvent(rec.StrategyID, domain.KindLargeLoss, domain.SeverityCritical, rec.Return, a.cfg.LargeLossThreshold, note), true
}

// detectPatternRepeat fires when the same anomaly kind for a strategy
// reaches the repeat count inside the window. One alarm per streak: a
// kind that has fired stays quiet until its windowed count falls back
// below the threshold. Operational events recorded between trade
// records can push a count past the threshold without ever equaling it,
// so the comparison must catch the whole region above it.
func (a *Auditor) detectPatternRepeat(strategyID string) (domain.AnomalyEvent, bool) {
	counts := make(map[domain.AnomalyKind]int)
	cutoff := a.now().Add(-a.cfg.Window)
	for _, ev := range a.recent[strategyID] {
		if ev.Kind == domain.KindPatternRepeat || !ev.Timestamp.After(cutoff) {
			continue
		}
		counts[ev.Kind]++
	}

	fired := a.fired[strategyID]
	if fired == nil {
		fired = make(map[domain.AnomalyKind]bool)
		a.fired[strategyID] = fired
	}
	for kind := range fired {
		if counts[kind] < a.cfg.PatternRepeatCount {
			delete(fired, kind)
		}
	}

	for kind, n := range counts {
		if n < a.cfg.PatternRepeatCount || fired[kind] {
			continue
		}
		fired[kind] = true
		note := fmt.Sprintf("%s repeated %d times within %s", kind, n, a.cfg.Window)
		return a.NewEvent(strategyID, domain.KindPatternRepeat, domain.SeverityCritical,
			float64(n), float64(a.cfg.PatternRepeatCount), note), true
	}
	return domain.AnomalyEvent{}, false
}

func (a *Auditor) countRecent(strategyID string, kind domain.AnomalyKind) int {
	cutoff := a.now().Add(-a.cfg.Window)
	n := 0
	for _, ev := range a.recent[strategyID] {
		if ev.Kind == kind && ev.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

func (a *Auditor) track(ev domain.AnomalyEvent) {
	events := append(a.recent[ev.StrategyID], ev)
	cutoff := a.now().Add(-a.cfg.Window)
	kept := events[:0]
	for _, e := range events {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	a.recent[ev.StrategyID] = kept
}

func (a *Auditor) persist(ev domain.AnomalyEvent) {
	if a.logger == nil {
		return
	}
	if err := a.logger.Append(ev); err != nil {
		// The anomaly log is best-effort: a write failure must never
		// take down the evaluation path.
		log.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("Failed to persist anomaly event")
	}
}

func meanStd(history []domain.TradeRecord) (float64, float64) {
	if len(history) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, r := range history {
		sum += r.Return
	}
	mean := sum / float64(len(history))

	variance := 0.0
	for _, r := range history {
		d := r.Return - mean
		variance += d * d
	}
	variance /= float64(len(history))
	return mean, math.Sqrt(variance)
}
