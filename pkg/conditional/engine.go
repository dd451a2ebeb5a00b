package conditional

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stratoform/lattice/pkg/errdefs"
	"github.com/stratoform/lattice/pkg/events"
	"github.com/stratoform/lattice/pkg/graph"
	"github.com/stratoform/lattice/pkg/log"
	"github.com/stratoform/lattice/pkg/metrics"
	"github.com/stratoform/lattice/pkg/types"
)

const (
	// DefaultInterval is the evaluator wake interval.
	DefaultInterval = 30 * time.Second

	defaultLoadThreshold    = 80.0
	defaultFailureThreshold = 1
	hysteresisFactor        = 0.8
)

// Engine evaluates conditional relationships in the background and owns
// all isActive transitions.
type Engine struct {
	store    graph.Store
	bus      *events.Bus
	logger   zerolog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}

	// evalMu guarantees wakes never overlap.
	evalMu sync.Mutex

	// failures counts consecutive unhealthy observations per edge for
	// health-based failure thresholds. Reset when the source recovers.
	failures map[string]int

	lastEvaluation time.Time
	lastSummary    *Summary
}

// NewEngine creates a conditional dependency engine. A nil bus disables
// event emission.
func NewEngine(store graph.Store, bus *events.Bus, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Engine{
		store:    store,
		bus:      bus,
		logger:   log.WithComponent("conditional"),
		interval: interval,
		now:      time.Now,
		failures: make(map[string]int),
	}
}

// Start launches the evaluator loop. Starting a running engine logs a
// warning and does nothing.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		e.logger.Warn().Msg("evaluator already running, ignoring start")
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.done = make(chan struct{})
	go e.run(e.stopCh, e.done)
	e.logger.Info().Dur("interval", e.interval).Msg("conditional evaluator started")
}

// Stop halts the evaluator after the current wake completes.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	stopCh, done := e.stopCh, e.done
	e.mu.Unlock()

	close(stopCh)
	<-done
	e.logger.Info().Msg("conditional evaluator stopped")
}

// Running reports whether the background loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) run(stopCh, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := e.EvaluateAll(); err != nil {
				e.logger.Error().Err(err).Msg("evaluation cycle failed")
			}
		case <-stopCh:
			return
		}
	}
}

// Summary aggregates one evaluation wake.
type Summary struct {
	Total       int      `json:"total"`
	Activated   int      `json:"activated"`
	Deactivated int      `json:"deactivated"`
	Unchanged   int      `json:"unchanged"`
	Errors      []string `json:"errors"`
}

// EvaluateAll runs one full evaluation cycle over every conditional
// edge. Wakes are serialized; a concurrent call is skipped.
func (e *Engine) EvaluateAll() (*Summary, error) {
	if !e.evalMu.TryLock() {
		e.logger.Warn().Msg("previous evaluation still in progress, skipping wake")
		return nil, fmt.Errorf("%w: evaluation already in progress", errdefs.ErrConflict)
	}
	defer e.evalMu.Unlock()

	started := e.now()
	summary := &Summary{}

	edges, err := e.store.Edges()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrQueryFailure, err)
	}

	for _, rel := range edges {
		if rel.Conditional == nil {
			continue
		}
		summary.Total++

		outcome, err := e.evaluateEdge(rel)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", rel.ID, err))
			e.logger.Error().Err(err).Str("relationship_id", rel.ID).Msg("handler error")
			continue
		}
		switch outcome {
		case outcomeActivated:
			summary.Activated++
		case outcomeDeactivated:
			summary.Deactivated++
		default:
			summary.Unchanged++
		}
	}

	metrics.EvaluationCyclesTotal.Inc()
	metrics.EvaluationDuration.Observe(time.Since(started).Seconds())

	e.mu.Lock()
	e.lastEvaluation = started
	e.lastSummary = summary
	e.mu.Unlock()

	e.publish(events.EventEvaluationComplete, "", "evaluation cycle complete", map[string]any{
		"total":       summary.Total,
		"activated":   summary.Activated,
		"deactivated": summary.Deactivated,
		"unchanged":   summary.Unchanged,
		"errors":      len(summary.Errors),
	})
	e.logger.Debug().
		Int("total", summary.Total).
		Int("activated", summary.Activated).
		Int("deactivated", summary.Deactivated).
		Int("errors", len(summary.Errors)).
		Msg("evaluation cycle complete")
	return summary, nil
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeActivated
	outcomeDeactivated
)

// evaluateEdge dispatches one conditional edge to its handler and
// persists any resulting transition.
func (e *Engine) evaluateEdge(rel *types.Relationship) (outcome, error) {
	src, err := e.store.GetCI(rel.FromID)
	if err != nil {
		return outcomeUnchanged, err
	}
	tgt, err := e.store.GetCI(rel.ToID)
	if err != nil {
		return outcomeUnchanged, err
	}

	now := e.now()
	switch rel.Conditional.ConditionType {
	case types.ConditionHealthBased:
		return e.evaluateHealth(rel, src, tgt, now)
	case types.ConditionLoadBased:
		action, reason := decideLoad(rel.Conditional, sourceLoad(src), now)
		return e.apply(rel, src, tgt, action, reason, now)
	case types.ConditionScheduled:
		action, reason := decideScheduled(rel.Conditional, now)
		return e.apply(rel, src, tgt, action, reason, now)
	case types.ConditionManual:
		return outcomeUnchanged, nil
	default:
		return outcomeUnchanged, fmt.Errorf("%w: %s", errdefs.ErrInvalidConditionType, rel.Conditional.ConditionType)
	}
}

// evaluateHealth wraps the pure decision with the consecutive-failure
// counter, which only the live path maintains.
func (e *Engine) evaluateHealth(rel *types.Relationship, src, tgt *types.CI, now time.Time) (outcome, error) {
	cond := rel.Conditional
	if !cond.IsActive && src.Status == cond.ActivationCondition.PrimaryHealth {
		e.failures[rel.ID]++
	}
	if src.Status == types.CIStatusOperational {
		delete(e.failures, rel.ID)
	}
	action, reason := decideHealth(cond, src, tgt, e.failures[rel.ID], now)
	return e.apply(rel, src, tgt, action, reason, now)
}

type action int

const (
	actionNone action = iota
	actionActivate
	actionDeactivate
)

// decideHealth: activate when the source matches the configured failure
// state and the standby target is OPERATIONAL; deactivate on recovery.
func decideHealth(cond *types.ConditionalProperties, src, tgt *types.CI, failures int, now time.Time) (action, string) {
	ac := cond.ActivationCondition
	if cond.IsActive {
		if src.Status == types.CIStatusOperational {
			return actionDeactivate, "Primary recovered"
		}
		return actionNone, ""
	}

	if src.Status != ac.PrimaryHealth {
		return actionNone, ""
	}
	threshold := ac.FailureThreshold
	if threshold < 1 {
		threshold = defaultFailureThreshold
	}
	if failures < threshold {
		return actionNone, ""
	}
	if tgt.Status != types.CIStatusOperational {
		return actionNone, ""
	}
	if ac.GracePeriodSeconds > 0 && cond.LastDeactivated != nil &&
		now.Sub(*cond.LastDeactivated) < time.Duration(ac.GracePeriodSeconds)*time.Second {
		return actionNone, ""
	}
	return actionActivate, fmt.Sprintf("Health-based failover: %s", src.Status)
}

// decideLoad: activate at or above the threshold once the cooldown since
// the last deactivation has elapsed; deactivate below the hysteresis
// band at 0.8 of the threshold.
func decideLoad(cond *types.ConditionalProperties, load float64, now time.Time) (action, string) {
	ac := cond.ActivationCondition
	threshold := ac.Threshold
	if threshold == 0 {
		threshold = defaultLoadThreshold
	}

	if cond.IsActive {
		if load < hysteresisFactor*threshold {
			return actionDeactivate, fmt.Sprintf("Load %.1f dropped below %.1f", load, hysteresisFactor*threshold)
		}
		return actionNone, ""
	}

	if load < threshold {
		return actionNone, ""
	}
	if ac.CooldownPeriod > 0 && cond.LastDeactivated != nil &&
		now.Sub(*cond.LastDeactivated) < time.Duration(ac.CooldownPeriod)*time.Second {
		return actionNone, ""
	}
	return actionActivate, fmt.Sprintf("Load %.1f exceeded threshold %.1f", load, threshold)
}

// decideScheduled: activate once nextActivation has passed; deactivate
// after the configured duration.
func decideScheduled(cond *types.ConditionalProperties, now time.Time) (action, string) {
	ac := cond.ActivationCondition
	if cond.IsActive {
		if ac.Duration > 0 && cond.LastActivated != nil &&
			now.Sub(*cond.LastActivated) >= time.Duration(ac.Duration)*time.Second {
			return actionDeactivate, "Scheduled duration expired"
		}
		return actionNone, ""
	}
	if ac.NextActivation != nil && !now.Before(*ac.NextActivation) {
		return actionActivate, "Scheduled activation window reached"
	}
	return actionNone, ""
}

// sourceLoad reads the current load from the CI property bag.
func sourceLoad(ci *types.CI) float64 {
	if v, ok := graph.AsFloat(ci.Properties["currentLoad"]); ok {
		return v
	}
	return 0
}

// apply persists a decided transition and emits the matching event.
func (e *Engine) apply(rel *types.Relationship, src, tgt *types.CI, act action, reason string, now time.Time) (outcome, error) {
	switch act {
	case actionActivate:
		if err := e.transition(rel, true, reason, now); err != nil {
			return outcomeUnchanged, err
		}
		e.emitTransition(rel, src, tgt, true, reason)
		return outcomeActivated, nil
	case actionDeactivate:
		if err := e.transition(rel, false, reason, now); err != nil {
			return outcomeUnchanged, err
		}
		e.emitTransition(rel, src, tgt, false, reason)
		return outcomeDeactivated, nil
	default:
		return outcomeUnchanged, nil
	}
}

func (e *Engine) transition(rel *types.Relationship, active bool, reason string, now time.Time) error {
	cond := rel.Conditional
	if active {
		cond.IsActive = true
		cond.ActivationCount++
		cond.LastActivated = &now
		cond.ActivationReason = reason
	} else {
		cond.IsActive = false
		cond.LastDeactivated = &now
		cond.DeactivationReason = reason
	}
	if err := e.store.PutEdge(rel); err != nil {
		return err
	}

	direction := "deactivated"
	if active {
		direction = "activated"
	}
	metrics.ActivationsTotal.WithLabelValues(direction, string(cond.ConditionType)).Inc()

	// Transitions also land in the graph as operational events so they
	// survive process restarts and show up in event listings.
	severity := types.SeverityHigh
	if !active {
		severity = types.SeverityInfo
	}
	if err := e.store.PutEvent(&types.Event{
		ID:         uuid.New().String(),
		Source:     "conditional-engine",
		Message:    reason,
		Severity:   severity,
		EventType:  fmt.Sprintf("conditional-%s", direction),
		Timestamp:  now,
		Status:     types.EventOpen,
		AffectedCI: rel.FromID,
	}); err != nil {
		e.logger.Error().Err(err).Str("relationship_id", rel.ID).Msg("persisting transition event failed")
	}

	e.logger.Info().
		Str("relationship_id", rel.ID).
		Str("condition_type", string(cond.ConditionType)).
		Str("direction", direction).
		Str("reason", reason).
		Msg("conditional transition")
	return nil
}

func (e *Engine) emitTransition(rel *types.Relationship, src, tgt *types.CI, active bool, reason string) {
	payload := map[string]any{
		"relationshipId": rel.ID,
		"source":         src.ID,
		"target":         tgt.ID,
		"reason":         reason,
		"rpo":            rel.Conditional.RPO,
		"rto":            rel.Conditional.RTO,
	}

	var evType events.EventType
	if rel.Conditional.ConditionType == types.ConditionLoadBased {
		evType = events.EventScalingActivated
		if !active {
			evType = events.EventScalingDeactivated
		}
	} else {
		evType = events.EventFailoverActivated
		if !active {
			evType = events.EventFailoverDeactivated
		}
	}
	e.publish(evType, "", reason, payload)
}

func (e *Engine) publish(evType events.EventType, jobID, message string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(&events.Event{
		Type:    evType,
		JobID:   jobID,
		Message: message,
		Payload: payload,
	})
}

// Stats is the engine status snapshot served by the API.
type Stats struct {
	Running          bool           `json:"engineRunning"`
	IntervalMs       int64          `json:"intervalMs"`
	Total            int            `json:"totalConditional"`
	Active           int            `json:"active"`
	ByConditionType  map[string]int `json:"byConditionType"`
	LastEvaluation   *time.Time     `json:"lastEvaluation,omitempty"`
	LastSummary      *Summary       `json:"lastSummary,omitempty"`
	TotalActivations int            `json:"totalActivations"`
}

// EngineStats counts conditional edges and reports evaluator status.
func (e *Engine) EngineStats() (*Stats, error) {
	edges, err := e.store.Edges()
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		IntervalMs:      e.interval.Milliseconds(),
		ByConditionType: make(map[string]int),
	}
	for _, rel := range edges {
		if rel.Conditional == nil {
			continue
		}
		stats.Total++
		stats.ByConditionType[string(rel.Conditional.ConditionType)]++
		stats.TotalActivations += rel.Conditional.ActivationCount
		if rel.Conditional.IsActive {
			stats.Active++
		}
	}

	e.mu.Lock()
	stats.Running = e.running
	if !e.lastEvaluation.IsZero() {
		t := e.lastEvaluation
		stats.LastEvaluation = &t
	}
	stats.LastSummary = e.lastSummary
	e.mu.Unlock()
	return stats, nil
}
