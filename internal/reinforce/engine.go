// Package reinforce maintains per-strategy performance windows and
// allocation weights. Weights move by an exponential moving average of a
// risk-adjusted reward and are renormalized so active strategies always
// sum to the configured total; halted strategies are pinned to zero.
//
// The engine is written for single-writer use: only the orchestrator's
// cycle goroutine calls mutating methods, so the hot path needs no lock.
package reinforce

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"tradewarden/internal/config"
	"tradewarden/internal/domain"
)

// Engine owns the canonical StrategyState table.
type Engine struct {
	cfg        config.EngineConfig
	strategies map[string]*domain.StrategyState

	now func() time.Time
}

// PerfMetrics summarizes a strategy's trailing window.
type PerfMetrics struct {
	Trades     int     `json:"trades"`
	WinRate    float64 `json:"win_rate"`
	AvgReturn  float64 `json:"avg_return"`
	Volatility float64 `json:"volatility"`
	Sharpe     float64 `json:"sharpe"`
}

// StrategyPerf pairs a strategy with its weight and window metrics, for
// ranked performer queries.
type StrategyPerf struct {
	StrategyID string  `json:"strategy_id"`
	Weight     float64 `json:"weight"`
	PerfMetrics
}

// NewEngine creates an engine pre-registered with the given strategies,
// each starting at an equal share of the weight total. Weights and
// statuses learned in a previous run are restored from the state file
// before registration, so restarts keep the learned allocation.
func NewEngine(cfg config.EngineConfig, strategyIDs []string) *Engine {
	e := &Engine{
		cfg:        cfg,
		strategies: make(map[string]*domain.StrategyState),
		now:        time.Now,
	}
	e.loadState()
	for _, id := range strategyIDs {
		e.Register(id)
	}
	return e
}

// Register adds a strategy if unknown and rebalances equal shares across
// everything active. Registering an existing strategy is a no-op.
func (e *Engine) Register(id string) {
	if _, ok := e.strategies[id]; ok {
		return
	}
	e.strategies[id] = &domain.StrategyState{
		StrategyID: id,
		Status:     domain.StatusActive,
	}
	n := 0
	for _, s := range e.strategies {
		if s.Status != domain.StatusHalted {
			n++
		}
	}
	share := e.cfg.WeightTotal / float64(n)
	for _, s := range e.strategies {
		if s.Status != domain.StatusHalted {
			s.Weight = share
		}
	}
	e.persist()
}

// Update appends a batch to the strategy's window, computes the reward,
// and applies the EMA weight update followed by renormalization. It
// returns the strategy's new weight. An invariant violation (negative
// weight after update) is the loop's only fatal condition and surfaces
// as an error.
func (e *Engine) Update(id string, batch []domain.TradeRecord) (float64, error) {
	e.Register(id)
	s := e.strategies[id]

	s.Window = append(s.Window, batch...)
	if len(s.Window) > e.cfg.WindowSize {
		s.Window = s.Window[len(s.Window)-e.cfg.WindowSize:]
	}

	if s.Status == domain.StatusHalted || len(batch) == 0 {
		return s.Weight, nil
	}

	reward := e.reward(batch)
	old := s.Weight
	s.Weight = clamp(s.Weight+e.cfg.LearningRate*(reward-e.cfg.RewardBaseline), 0, e.cfg.MaxWeight)
	s.LastAdjusted = e.now()

	if err := e.renormalize(); err != nil {
		return s.Weight, err
	}
	e.persist()

	if math.Abs(s.Weight-old) > 0.01 {
		log.Info().Str("strategy", id).
			Float64("old_weight", old).
			Float64("new_weight", s.Weight).
			Float64("reward", reward).
			Msg("Strategy weight adjusted")
	}
	return s.Weight, nil
}

// reward is a risk-adjusted return proxy: batch mean return over its
// standard deviation. Near-zero dispersion yields the neutral baseline
// instead of dividing by ~0.
func (e *Engine) reward(batch []domain.TradeRecord) float64 {
	mean, std := returnStats(batch)
	if std < 1e-9 {
		return e.cfg.RewardBaseline
	}
	return mean / std
}

// ForceHalt zeroes the strategy's weight, marks it halted, and
// redistributes its allocation across the remaining active strategies.
func (e *Engine) ForceHalt(id string) error {
	s, ok := e.strategies[id]
	if !ok {
		return fmt.Errorf("unknown strategy %q", id)
	}
	s.Status = domain.StatusHalted
	s.Weight = 0
	s.LastAdjusted = e.now()
	log.Warn().Str("strategy", id).Msg("Strategy halted, weight zeroed")
	if err := e.renormalize(); err != nil {
		return err
	}
	e.persist()
	return nil
}

// Resume reactivates a halted or degraded strategy at the floor weight
// and renormalizes the table.
func (e *Engine) Resume(id string) error {
	s, ok := e.strategies[id]
	if !ok {
		return fmt.Errorf("unknown strategy %q", id)
	}
	s.Status = domain.StatusActive
	if s.Weight < e.cfg.FloorWeight {
		s.Weight = e.cfg.FloorWeight
	}
	s.LastAdjusted = e.now()
	log.Info().Str("strategy", id).Float64("weight", s.Weight).Msg("Strategy resumed")
	if err := e.renormalize(); err != nil {
		return err
	}
	e.persist()
	return nil
}

// MarkDegraded flags a strategy as needing operator attention without
// touching its weight.
func (e *Engine) MarkDegraded(id string) {
	if s, ok := e.strategies[id]; ok {
		s.Status = domain.StatusDegraded
		e.persist()
	}
}

// SetWeight overrides a strategy's weight (used to revert after a failed
// retrain) and renormalizes.
func (e *Engine) SetWeight(id string, w float64) error {
	s, ok := e.strategies[id]
	if !ok {
		return fmt.Errorf("unknown strategy %q", id)
	}
	s.Weight = clamp(w, 0, e.cfg.MaxWeight)
	s.LastAdjusted = e.now()
	if err := e.renormalize(); err != nil {
		return err
	}
	e.persist()
	return nil
}

// Weight returns the current weight for a strategy.
func (e *Engine) Weight(id string) float64 {
	if s, ok := e.strategies[id]; ok {
		return s.Weight
	}
	return 0
}

// Window returns a copy of the strategy's trailing records.
func (e *Engine) Window(id string) []domain.TradeRecord {
	s, ok := e.strategies[id]
	if !ok {
		return nil
	}
	out := make([]domain.TradeRecord, len(s.Window))
	copy(out, s.Window)
	return out
}

// States returns read-only copies of every strategy state.
func (e *Engine) States() map[string]domain.StrategyState {
	out := make(map[string]domain.StrategyState, len(e.strategies))
	for id, s := range e.strategies {
		cp := *s
		cp.Window = make([]domain.TradeRecord, len(s.Window))
		copy(cp.Window, s.Window)
		out[id] = cp
	}
	return out
}

// Metrics computes performance metrics over the strategy's window.
func (e *Engine) Metrics(id string) PerfMetrics {
	s, ok := e.strategies[id]
	if !ok || len(s.Window) == 0 {
		return PerfMetrics{}
	}

	wins := 0
	for _, r := range s.Window {
		if r.Return > 0 {
			wins++
		}
	}
	mean, std := returnStats(s.Window)
	sharpe := 0.0
	if std > 1e-9 {
		sharpe = mean / std
	}
	return PerfMetrics{
		Trades:     len(s.Window),
		WinRate:    float64(wins) / float64(len(s.Window)),
		AvgReturn:  mean,
		Volatility: std,
		Sharpe:     sharpe,
	}
}

// TopPerformers returns up to n non-halted strategies with at least one
// trade in their window, best Sharpe first. Ties break on strategy ID so
// rankings are deterministic.
func (e *Engine) TopPerformers(n int) []StrategyPerf {
	perfs := e.tradedPerfs()
	sort.Slice(perfs, func(i, j int) bool {
		if perfs[i].Sharpe != perfs[j].Sharpe {
			return perfs[i].Sharpe > perfs[j].Sharpe
		}
		return perfs[i].StrategyID < perfs[j].StrategyID
	})
	if n > 0 && len(perfs) > n {
		perfs = perfs[:n]
	}
	return perfs
}

// Underperformers returns non-halted strategies whose Sharpe sits below
// the floor, worst first.
func (e *Engine) Underperformers(floor float64) []StrategyPerf {
	var out []StrategyPerf
	for _, p := range e.tradedPerfs() {
		if p.Sharpe < floor {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sharpe != out[j].Sharpe {
			return out[i].Sharpe < out[j].Sharpe
		}
		return out[i].StrategyID < out[j].StrategyID
	})
	return out
}

func (e *Engine) tradedPerfs() []StrategyPerf {
	var out []StrategyPerf
	for id, s := range e.strategies {
		if s.Status == domain.StatusHalted || len(s.Window) == 0 {
			continue
		}
		out = append(out, StrategyPerf{
			StrategyID:  id,
			Weight:      s.Weight,
			PerfMetrics: e.Metrics(id),
		})
	}
	return out
}

// renormalize scales active strategies so their weights sum to the
// configured total. Halted strategies stay at zero. A negative weight
// anywhere is an invariant violation and is returned as an error.
func (e *Engine) renormalize() error {
	sum := 0.0
	active := 0
	for _, s := range e.strategies {
		if s.Weight < 0 {
			return fmt.Errorf("invariant violation: strategy %q has negative weight %.6f", s.StrategyID, s.Weight)
		}
		if s.Status == domain.StatusHalted {
			s.Weight = 0
			continue
		}
		sum += s.Weight
		active++
	}

	if active == 0 {
		return nil
	}

	if sum == 0 {
		share := e.cfg.WeightTotal / float64(active)
		for _, s := range e.strategies {
			if s.Status != domain.StatusHalted {
				s.Weight = share
			}
		}
		return nil
	}

	scale := e.cfg.WeightTotal / sum
	for _, s := range e.strategies {
		if s.Status != domain.StatusHalted {
			s.Weight *= scale
		}
	}
	return nil
}

// stateFile is the on-disk form of the strategy table. Windows are not
// persisted; they refill from the live outcome feed after a restart.
type stateFile struct {
	SavedAt    time.Time           `json:"saved_at"`
	Strategies []persistedStrategy `json:"strategies"`
}

type persistedStrategy struct {
	StrategyID   string                `json:"strategy_id"`
	Weight       float64               `json:"weight"`
	Status       domain.StrategyStatus `json:"status"`
	LastAdjusted time.Time             `json:"last_adjusted"`
}

// loadState restores weights and statuses from a previous run. A missing
// file is the normal first-start case; anything else is logged and the
// engine starts fresh.
func (e *Engine) loadState() {
	if e.cfg.StatePath == "" {
		return
	}
	data, err := os.ReadFile(e.cfg.StatePath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", e.cfg.StatePath).Msg("Failed to read strategy state file")
		}
		return
	}

	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		log.Warn().Err(err).Str("path", e.cfg.StatePath).Msg("Failed to parse strategy state file")
		return
	}

	for _, p := range state.Strategies {
		e.strategies[p.StrategyID] = &domain.StrategyState{
			StrategyID:   p.StrategyID,
			Weight:       p.Weight,
			Status:       p.Status,
			LastAdjusted: p.LastAdjusted,
		}
	}
	if len(state.Strategies) > 0 {
		log.Info().Int("strategies", len(state.Strategies)).
			Str("path", e.cfg.StatePath).
			Time("saved_at", state.SavedAt).
			Msg("Strategy weights restored")
	}
}

// persist writes the strategy table atomically (tmp + rename). Best
// effort: a write failure is logged and the in-memory table stays
// authoritative.
func (e *Engine) persist() {
	if e.cfg.StatePath == "" {
		return
	}

	state := stateFile{SavedAt: e.now()}
	ids := make([]string, 0, len(e.strategies))
	for id := range e.strategies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s := e.strategies[id]
		state.Strategies = append(state.Strategies, persistedStrategy{
			StrategyID:   id,
			Weight:       s.Weight,
			Status:       s.Status,
			LastAdjusted: s.LastAdjusted,
		})
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode strategy state")
		return
	}
	if err := os.MkdirAll(filepath.Dir(e.cfg.StatePath), 0o755); err != nil {
		log.Warn().Err(err).Str("path", e.cfg.StatePath).Msg("Failed to create strategy state dir")
		return
	}
	tmp := e.cfg.StatePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Warn().Err(err).Str("path", tmp).Msg("Failed to write strategy state file")
		return
	}
	if err := os.Rename(tmp, e.cfg.StatePath); err != nil {
		log.Warn().Err(err).Str("path", e.cfg.StatePath).Msg("Failed to replace strategy state file")
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func returnStats(records []domain.TradeRecord) (float64, float64) {
	if len(records) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, r := range records {
		sum += r.Return
	}
	mean := sum / float64(len(records))

	variance := 0.0
	for _, r := range records {
		d := r.Return - mean
		variance += d * d
	}
	variance /= float64(len(records))
	return mean, math.Sqrt(variance)
}
