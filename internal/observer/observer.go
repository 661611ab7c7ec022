// Package observer polls the trade outcome source on a fixed cadence,
// normalizes raw rows into TradeRecords, and forwards them into the
// bounded queue the orchestrator consumes. Malformed rows and queue
// backpressure become anomaly events, never failures.
package observer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"tradewarden/internal/config"
	"tradewarden/internal/domain"
	"tradewarden/internal/metrics"
	"tradewarden/internal/net/ratelimit"
)

const sourceKey = "outcome_source"

// Observer runs the fixed-cadence poll loop.
type Observer struct {
	cfg     config.ObserverConfig
	source  OutcomeSource
	queue   *RecordQueue
	events  chan<- domain.AnomalyEvent
	breaker *gobreaker.CircuitBreaker
	limiter *ratelimit.Limiter
	metrics *metrics.Registry

	now func() time.Time
}

// New creates an observer. events carries validation and backpressure
// anomalies to the orchestrator; reg may be nil in tests.
func New(cfg config.ObserverConfig, source OutcomeSource, queue *RecordQueue, events chan<- domain.AnomalyEvent, reg *metrics.Registry) *Observer {
	settings := gobreaker.Settings{Name: sourceKey}
	settings.Interval = 60 * time.Second
	settings.Timeout = 60 * time.Second
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}

	return &Observer{
		cfg:     cfg,
		source:  source,
		queue:   queue,
		events:  events,
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: ratelimit.NewLimiter(cfg.PollRPS, cfg.PollBurst),
		metrics: reg,
		now:     time.Now,
	}
}

// Run polls until ctx is cancelled. Poll errors are transient by
// definition here: they are logged and retried on the next tick, the
// loop itself never dies.
func (o *Observer) Run(ctx context.Context) error {
	log.Info().Dur("interval", o.cfg.PollInterval).Str("source_dir", o.cfg.SourceDir).Msg("Observer started")

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Observer stopped")
			return ctx.Err()
		case <-ticker.C:
			o.PollOnce(ctx)
		}
	}
}

// PollOnce performs a single poll-normalize-enqueue pass.
func (o *Observer) PollOnce(ctx context.Context) {
	if !o.limiter.Allow(sourceKey) {
		log.Debug().Msg("Observer poll throttled")
		return
	}

	result, err := o.breaker.Execute(func() (interface{}, error) {
		return o.source.Poll(ctx)
	})
	if err != nil {
		// Transient source unavailability: the breaker backs us off
		// and the next tick retries.
		log.Warn().Err(err).Str("breaker", o.breaker.State().String()).Msg("Outcome source poll failed")
		return
	}

	rows := result.([]Row)
	if len(rows) == 0 {
		return
	}

	accepted, invalid, evicted := 0, 0, 0
	for _, row := range rows {
		rec, err := normalize(row)
		if err != nil {
			invalid++
			o.emit(domain.AnomalyEvent{
				ID:         uuid.NewString(),
				Timestamp:  o.now(),
				StrategyID: row["strategy_id"],
				Kind:       domain.KindValidation,
				Severity:   domain.SeverityInfo,
				Note:       err.Error(),
			})
			continue
		}
		if o.queue.Push(rec) {
			evicted++
		}
		accepted++
	}

	if evicted > 0 {
		o.emit(domain.AnomalyEvent{
			ID:        uuid.NewString(),
			Timestamp: o.now(),
			Kind:      domain.KindBackpressure,
			Severity:  domain.SeverityWarning,
			Value:     float64(evicted),
			Note:      fmt.Sprintf("queue full, dropped %d oldest records", evicted),
		})
	}

	if o.metrics != nil {
		o.metrics.RecordsObserved.Add(float64(accepted))
		o.metrics.RecordsInvalid.Add(float64(invalid))
		o.metrics.RecordsDropped.Add(float64(evicted))
		o.metrics.QueueDepth.Set(float64(o.queue.Len()))
	}

	log.Debug().Int("accepted", accepted).Int("invalid", invalid).Int("evicted", evicted).Msg("Observer poll complete")
}

// emit forwards an operational anomaly without ever blocking the poll
// loop; if the orchestrator is stalled the event is logged and dropped.
func (o *Observer) emit(ev domain.AnomalyEvent) {
	select {
	case o.events <- ev:
	default:
		log.Warn().Str("kind", string(ev.Kind)).Msg("Anomaly channel full, event dropped")
	}
}

// normalize converts one raw row into a validated TradeRecord.
func normalize(row Row) (domain.TradeRecord, error) {
	ts, err := time.Parse(time.RFC3339, row["timestamp"])
	if err != nil {
		return domain.TradeRecord{}, fmt.Errorf("bad timestamp %q: %w", row["timestamp"], err)
	}

	confidence, err := parseFloat(row, "confidence")
	if err != nil {
		return domain.TradeRecord{}, err
	}
	ret, err := parseFloat(row, "return")
	if err != nil {
		return domain.TradeRecord{}, err
	}
	pnl, err := parseFloat(row, "pnl")
	if err != nil {
		return domain.TradeRecord{}, err
	}

	rec := domain.TradeRecord{
		Timestamp:  ts,
		StrategyID: row["strategy_id"],
		Symbol:     row["symbol"],
		Confidence: confidence,
		Direction:  domain.Direction(strings.ToLower(row["direction"])),
		Return:     ret,
		PnL:        pnl,
	}
	if err := rec.Validate(); err != nil {
		return domain.TradeRecord{}, err
	}
	return rec, nil
}

func parseFloat(row Row, key string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(row[key]), 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q", key, row[key])
	}
	return v, nil
}
