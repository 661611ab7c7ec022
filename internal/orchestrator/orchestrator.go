// Package orchestrator runs the supervisory cycle: consume observed
// trade records, audit them, adjust strategy weights, decide whether a
// strategy needs halting or retraining, and publish a fresh health
// snapshot. All mutations happen on the single Run goroutine; the only
// concurrency is retrain workers, which report back over a channel.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"tradewarden/internal/audit"
	"tradewarden/internal/config"
	"tradewarden/internal/domain"
	"tradewarden/internal/metrics"
	"tradewarden/internal/observer"
	"tradewarden/internal/ops"
	"tradewarden/internal/persistence"
	"tradewarden/internal/reinforce"
	"tradewarden/internal/status"
)

// State is the orchestrator's position in the supervisory cycle.
type State int

const (
	StateIdle State = iota
	StateMonitoring
	StateEvaluating
	StateNormal
	StateAdjusting
	StateRetraining
	StatePaused
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMonitoring:
		return "monitoring"
	case StateEvaluating:
		return "evaluating"
	case StateNormal:
		return "normal"
	case StateAdjusting:
		return "adjusting"
	case StateRetraining:
		return "retraining"
	case StatePaused:
		return "paused"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// Orchestrator owns the cycle loop and the command queue.
type Orchestrator struct {
	cfg     config.OrchestratorConfig
	queue   *observer.RecordQueue
	events  <-chan domain.AnomalyEvent
	auditor *audit.Auditor
	engine  *reinforce.Engine
	store   *status.Store
	trainer Trainer
	archive *persistence.Store
	metrics *metrics.Registry
	kpi     *ops.KPITracker

	commands    chan domain.Command
	completions chan retrainResult

	inflight      map[string]bool
	preWeights    map[string]float64
	lastRetrain   map[string]time.Time
	openCriticals map[string]int

	// retrain results held back while monitoring is paused
	pendingCompletions []retrainResult

	monitoring bool
	state      State

	now func() time.Time
}

// New wires an orchestrator. archive and reg may be nil.
func New(
	cfg config.OrchestratorConfig,
	queue *observer.RecordQueue,
	events <-chan domain.AnomalyEvent,
	auditor *audit.Auditor,
	engine *reinforce.Engine,
	store *status.Store,
	trainer Trainer,
	archive *persistence.Store,
	reg *metrics.Registry,
) *Orchestrator {
	return &Orchestrator{
		cfg:           cfg,
		queue:         queue,
		events:        events,
		auditor:       auditor,
		engine:        engine,
		store:         store,
		trainer:       trainer,
		archive:       archive,
		metrics:       reg,
		kpi:           ops.NewKPITracker(time.Hour),
		commands:      make(chan domain.Command, 16),
		completions:   make(chan retrainResult, 16),
		inflight:      make(map[string]bool),
		preWeights:    make(map[string]float64),
		lastRetrain:   make(map[string]time.Time),
		openCriticals: make(map[string]int),
		monitoring:    true,
		state:         StateIdle,
		now:           time.Now,
	}
}

// Run drives the cycle until ctx is cancelled. Commands take priority
// over the cycle tick so operator requests never wait out an interval.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.state = StateMonitoring
	log.Info().Dur("interval", o.cfg.CycleInterval).Msg("Orchestrator started")

	ticker := time.NewTicker(o.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Orchestrator stopped")
			return ctx.Err()
		case cmd := <-o.commands:
			o.handleCommand(ctx, cmd)
		case res := <-o.completions:
			o.handleCompletion(res)
		case <-ticker.C:
			o.RunCycle(ctx)
		}
	}
}

// Submit routes an operator command into the cycle goroutine and waits
// for its result or ctx expiry.
func (o *Orchestrator) Submit(ctx context.Context, kind domain.CommandKind, strategyID string) domain.CommandResult {
	cmd := domain.Command{
		Kind:       kind,
		StrategyID: strategyID,
		IssuedAt:   time.Now(),
		Reply:      make(chan domain.CommandResult, 1),
	}

	select {
	case o.commands <- cmd:
	case <-ctx.Done():
		return domain.CommandResult{Reason: "command queue unavailable"}
	}

	select {
	case res := <-cmd.Reply:
		return res
	case <-ctx.Done():
		return domain.CommandResult{Reason: "timed out waiting for orchestrator"}
	}
}

// RunCycle executes one full observe-audit-adapt pass.
func (o *Orchestrator) RunCycle(ctx context.Context) {
	if o.state == StateHalted {
		return
	}

	started := o.now()
	o.drainCompletions()
	o.drainEvents()

	if !o.monitoring {
		// Paused: records stay queued, anomalies stay tracked, retrain
		// results stay held, no evaluation and no snapshot churn.
		return
	}

	o.state = StateEvaluating

	records := o.queue.Drain()
	criticalEvents, err := o.evaluate(records)
	if err != nil {
		o.halt(err)
		return
	}

	cycleState := o.decide()

	snap := o.buildSnapshot(cycleState)
	o.store.Swap(snap)
	o.archiveCycle(ctx, records)

	if o.metrics != nil {
		o.metrics.Cycles.Inc()
		o.metrics.CycleDuration.Observe(o.now().Sub(started).Seconds())
		o.metrics.HealthScore.Set(snap.OverallScore)
	}

	summary := o.auditor.Summarize()
	log.Info().
		Int("records", len(records)).
		Int("critical_events", criticalEvents).
		Int("window_anomalies", summary.Total).
		Int("window_criticals", summary.Critical).
		Float64("health", snap.OverallScore).
		Str("cycle_state", cycleState.String()).
		Msg("Cycle complete")

	o.state = StateMonitoring
}

// evaluate audits the drained records in strategy and timestamp order
// and feeds each strategy's batch into the reinforcement engine.
func (o *Orchestrator) evaluate(records []domain.TradeRecord) (int, error) {
	batches := make(map[string][]domain.TradeRecord)
	for _, rec := range records {
		batches[rec.StrategyID] = append(batches[rec.StrategyID], rec)
	}

	ids := make([]string, 0, len(batches))
	for id := range batches {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	criticals := 0
	for _, id := range ids {
		batch := batches[id]
		sort.SliceStable(batch, func(i, j int) bool {
			return batch[i].Timestamp.Before(batch[j].Timestamp)
		})

		history := o.engine.Window(id)
		for _, rec := range batch {
			o.kpi.RecordTrade()
			for _, ev := range o.auditor.Evaluate(rec, history) {
				o.noteAnomaly(ev)
				if ev.Severity == domain.SeverityCritical {
					o.openCriticals[id]++
					criticals++
				}
			}
			history = append(history, rec)
		}

		weight, err := o.engine.Update(id, batch)
		if err != nil {
			return criticals, err
		}
		if o.metrics != nil {
			o.metrics.StrategyWeight.WithLabelValues(id).Set(weight)
		}
	}
	return criticals, nil
}

// decide applies the adaptation policy to every tracked strategy and
// returns the cycle outcome state: halting beats retraining beats normal.
func (o *Orchestrator) decide() State {
	outcome := StateNormal

	states := o.engine.States()
	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		st := states[id]

		if o.openCriticals[id] > 0 && st.Status == domain.StatusActive {
			if err := o.engine.ForceHalt(id); err != nil {
				o.halt(err)
				return StateHalted
			}
			log.Warn().Str("strategy", id).Int("open_criticals", o.openCriticals[id]).
				Msg("Strategy halted pending operator review")
			outcome = StateAdjusting
			continue
		}

		if st.Status != domain.StatusActive {
			continue
		}

		m := o.engine.Metrics(id)
		if m.Trades < o.cfg.MinTradesForRetrain {
			continue
		}

		reason := ""
		if m.Sharpe < o.cfg.SharpeFloor {
			reason = fmt.Sprintf("sharpe %.3f below floor %.3f", m.Sharpe, o.cfg.SharpeFloor)
		} else if drop := o.confidenceDrop(id); drop > o.cfg.ConfidenceDrop {
			reason = fmt.Sprintf("confidence dropped %.0f%% across window", drop*100)
		}
		if reason == "" {
			continue
		}

		if ok, why := o.startRetrain(id, false); ok {
			log.Info().Str("strategy", id).Str("reason", reason).Msg("Retrain started")
			if outcome != StateAdjusting {
				outcome = StateRetraining
			}
		} else {
			log.Debug().Str("strategy", id).Str("reason", why).Msg("Retrain skipped")
		}
	}
	return outcome
}

// confidenceDrop compares mean confidence in the older half of the
// window against the newer half and returns the relative decline.
func (o *Orchestrator) confidenceDrop(id string) float64 {
	window := o.engine.Window(id)
	if len(window) < 4 {
		return 0
	}

	mid := len(window) / 2
	older := meanConfidence(window[:mid])
	newer := meanConfidence(window[mid:])
	if older <= 0 {
		return 0
	}
	return (older - newer) / older
}

// startRetrain launches a retrain worker for the strategy. force
// bypasses the cooldown but never the one-in-flight rule.
func (o *Orchestrator) startRetrain(id string, force bool) (bool, string) {
	if o.inflight[id] {
		return false, "retrain in progress"
	}
	if !force {
		if last, ok := o.lastRetrain[id]; ok {
			if elapsed := o.now().Sub(last); elapsed < o.cfg.RetrainCooldown {
				return false, fmt.Sprintf("cooldown, %s since last retrain", elapsed.Round(time.Second))
			}
		}
	}

	o.inflight[id] = true
	o.preWeights[id] = o.engine.Weight(id)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.RetrainTimeout)
		defer cancel()

		err := o.trainer.Retrain(ctx, id)
		res := retrainResult{
			strategyID: id,
			err:        err,
			// Script trainers surface the kill, not the deadline, so
			// the worker records whether its budget ran out.
			timedOut: err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded),
		}
		select {
		case o.completions <- res:
		default:
			log.Error().Str("strategy", id).Msg("Completion queue full, retrain result dropped")
		}
	}()
	return true, ""
}

// handleCompletion applies a retrain result immediately, or holds it
// until the operator resumes if monitoring is paused.
func (o *Orchestrator) handleCompletion(res retrainResult) {
	if !o.monitoring {
		o.pendingCompletions = append(o.pendingCompletions, res)
		log.Info().Str("strategy", res.strategyID).Msg("Retrain result held until monitoring resumes")
		return
	}
	o.finishRetrain(res)
}

// finishRetrain applies a retrain outcome: success reactivates the
// strategy and starts its cooldown, failure reverts the weight and
// degrades it.
func (o *Orchestrator) finishRetrain(res retrainResult) {
	id := res.strategyID
	delete(o.inflight, id)

	if res.err == nil {
		o.lastRetrain[id] = o.now()
		delete(o.openCriticals, id)
		if err := o.engine.Resume(id); err != nil {
			o.halt(err)
			return
		}
		o.kpi.RecordRetrain(true)
		o.countRetrain("success")
		log.Info().Str("strategy", id).Msg("Retrain succeeded, strategy reactivated")
		return
	}

	outcome := retrainOutcome(res)

	if pre, ok := o.preWeights[id]; ok {
		if err := o.engine.SetWeight(id, pre); err != nil {
			o.halt(err)
			return
		}
	}
	o.engine.MarkDegraded(id)
	o.kpi.RecordRetrain(false)
	o.countRetrain(outcome)

	ev := o.auditor.NewEvent(id, domain.KindRetrainFailure, domain.SeverityCritical, 0, 0, res.err.Error())
	o.auditor.Record(ev)
	o.noteAnomaly(ev)

	log.Error().Err(res.err).Str("strategy", id).Str("outcome", outcome).
		Msg("Retrain failed, weight reverted and strategy degraded")
}

// retrainOutcome classifies a failed result for metrics and logs.
func retrainOutcome(res retrainResult) string {
	switch {
	case res.err == nil:
		return "success"
	case res.timedOut || errors.Is(res.err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "failure"
	}
}

func (o *Orchestrator) handleCommand(ctx context.Context, cmd domain.Command) {
	var res domain.CommandResult

	switch cmd.Kind {
	case domain.CmdGetStatus:
		snap := o.store.Current()
		if snap == nil {
			snap = o.buildSnapshot(o.state)
		}
		res = domain.CommandResult{Accepted: true, Snapshot: snap}

	case domain.CmdForceRetrain:
		res = o.forceRetrain(cmd.StrategyID)

	case domain.CmdPause:
		o.monitoring = false
		o.state = StatePaused
		o.store.Swap(o.buildSnapshot(StatePaused))
		log.Warn().Msg("Monitoring paused by operator")
		res = domain.CommandResult{Accepted: true}

	case domain.CmdResume:
		o.monitoring = true
		if o.state == StatePaused || o.state == StateHalted {
			o.state = StateMonitoring
		}
		pending := o.pendingCompletions
		o.pendingCompletions = nil
		for _, res := range pending {
			o.finishRetrain(res)
		}
		for id, st := range o.engine.States() {
			if st.Status != domain.StatusActive {
				if err := o.engine.Resume(id); err != nil {
					o.halt(err)
					break
				}
			}
		}
		o.openCriticals = make(map[string]int)
		o.store.Swap(o.buildSnapshot(o.state))
		log.Info().Msg("Monitoring resumed by operator")
		res = domain.CommandResult{Accepted: true}

	default:
		res = domain.CommandResult{Reason: fmt.Sprintf("unknown command %q", cmd.Kind)}
	}

	cmd.Reply <- res
}

// forceRetrain starts operator-requested retrains, bypassing cooldowns.
// An empty strategy ID targets every non-halted strategy.
func (o *Orchestrator) forceRetrain(strategyID string) domain.CommandResult {
	states := o.engine.States()

	var ids []string
	if strategyID != "" {
		if _, ok := states[strategyID]; !ok {
			return domain.CommandResult{Reason: fmt.Sprintf("unknown strategy %q", strategyID)}
		}
		ids = []string{strategyID}
	} else {
		for id, st := range states {
			if st.Status != domain.StatusHalted {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
	}
	if len(ids) == 0 {
		return domain.CommandResult{Reason: "no strategies eligible for retrain"}
	}

	started := 0
	var rejections []string
	for _, id := range ids {
		if ok, why := o.startRetrain(id, true); ok {
			started++
			delete(o.openCriticals, id)
			o.countRetrain("forced")
		} else {
			rejections = append(rejections, fmt.Sprintf("%s: %s", id, why))
			o.countRetrain("rejected")
		}
	}

	if started == 0 {
		return domain.CommandResult{Reason: strings.Join(rejections, "; ")}
	}
	return domain.CommandResult{Accepted: true, Reason: strings.Join(rejections, "; ")}
}

// buildSnapshot assembles the health view from the engine's strategy
// table and the rolling anomaly rate.
func (o *Orchestrator) buildSnapshot(cycleState State) *domain.HealthSnapshot {
	states := o.engine.States()

	strategies := make(map[string]domain.StrategyScore, len(states))
	weighted, weightSum, scoreSum := 0.0, 0.0, 0.0
	var lastRetrain time.Time

	for id, st := range states {
		m := o.engine.Metrics(id)
		score := clampScore(50 + 25*m.Sharpe)
		if st.Status == domain.StatusHalted {
			score = 0
		}
		strategies[id] = domain.StrategyScore{
			Score:  score,
			Sharpe: m.Sharpe,
			Weight: st.Weight,
			Status: st.Status,
			Trades: m.Trades,
		}
		weighted += score * st.Weight
		weightSum += st.Weight
		scoreSum += score
	}

	overall := 100.0
	if weightSum > 0 {
		overall = weighted / weightSum
	} else if len(states) > 0 {
		overall = scoreSum / float64(len(states))
	}
	overall -= o.cfg.AnomalyScoreWeight * o.kpi.AnomalyRate() * 100
	overall = clampScore(overall)

	open := 0
	for _, n := range o.openCriticals {
		open += n
	}
	for _, t := range o.lastRetrain {
		if t.After(lastRetrain) {
			lastRetrain = t
		}
	}

	return &domain.HealthSnapshot{
		Timestamp:         o.now(),
		OverallScore:      overall,
		Strategies:        strategies,
		OpenAnomalies:     open,
		LastRetrain:       lastRetrain,
		MonitoringEnabled: o.monitoring,
		State:             cycleState.String(),
		TopPerformers:     perfNames(o.engine.TopPerformers(3)),
		Underperformers:   perfNames(o.engine.Underperformers(o.cfg.SharpeFloor)),
	}
}

func perfNames(perfs []reinforce.StrategyPerf) []string {
	if len(perfs) == 0 {
		return nil
	}
	names := make([]string, len(perfs))
	for i, p := range perfs {
		names[i] = p.StrategyID
	}
	return names
}

// drainEvents consumes pending operational anomalies from the observer.
func (o *Orchestrator) drainEvents() {
	for {
		select {
		case ev := <-o.events:
			o.auditor.Record(ev)
			o.noteAnomaly(ev)
			if ev.Kind == domain.KindBackpressure {
				o.kpi.RecordDrop()
			}
			if ev.Severity == domain.SeverityCritical && ev.StrategyID != "" {
				o.openCriticals[ev.StrategyID]++
			}
		default:
			return
		}
	}
}

func (o *Orchestrator) drainCompletions() {
	for {
		select {
		case res := <-o.completions:
			o.handleCompletion(res)
		default:
			return
		}
	}
}

func (o *Orchestrator) archiveCycle(ctx context.Context, records []domain.TradeRecord) {
	if o.archive == nil || len(records) == 0 {
		return
	}
	if err := o.archive.SaveRecords(ctx, records); err != nil {
		// The archive is a convenience sink, never a cycle dependency.
		log.Warn().Err(err).Msg("Failed to archive trade records")
	}
}

func (o *Orchestrator) noteAnomaly(ev domain.AnomalyEvent) {
	o.kpi.RecordAnomaly()
	if o.metrics != nil {
		o.metrics.Anomalies.WithLabelValues(string(ev.Kind), string(ev.Severity)).Inc()
	}
	if o.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.archive.SaveAnomalies(ctx, []domain.AnomalyEvent{ev}); err != nil {
			log.Warn().Err(err).Msg("Failed to archive anomaly event")
		}
	}
}

func (o *Orchestrator) countRetrain(outcome string) {
	if o.metrics != nil {
		o.metrics.Retrains.WithLabelValues(outcome).Inc()
	}
}

// halt freezes the loop after an invariant violation. Only an operator
// resume restarts it.
func (o *Orchestrator) halt(err error) {
	o.state = StateHalted
	log.Error().Err(err).Msg("Supervisory loop halted on invariant violation")
	o.store.Swap(o.buildSnapshot(StateHalted))
}

func clampScore(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func meanConfidence(records []domain.TradeRecord) float64 {
	if len(records) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range records {
		sum += r.Confidence
	}
	return sum / float64(len(records))
}
