package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stratoform/lattice/pkg/conditional"
	"github.com/stratoform/lattice/pkg/errdefs"
	"github.com/stratoform/lattice/pkg/relationships"
	"github.com/stratoform/lattice/pkg/temporal"
	"github.com/stratoform/lattice/pkg/types"
	"github.com/stratoform/lattice/pkg/weight"
)

type weightedRequest struct {
	FromID           string             `json:"fromId" validate:"required"`
	ToID             string             `json:"toId" validate:"required"`
	Type             string             `json:"type" validate:"required"`
	Weight           *float64           `json:"weight"`
	CriticalityScore *float64           `json:"criticalityScore"`
	LoadFactor       *float64           `json:"loadFactor"`
	LatencyMs        float64            `json:"latencyMs"`
	RedundancyLevel  int                `json:"redundancyLevel"`
	BandwidthMbps    float64            `json:"bandwidthMbps"`
	CostPerHour      float64            `json:"costPerHour"`
	Confidence       float64            `json:"confidence"`
	Source           types.WeightSource `json:"source"`
}

func (s *Server) handleCreateWeighted(w http.ResponseWriter, r *http.Request) {
	var req weightedRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	rel, err := s.Weighted.CreateWeighted(req.FromID, req.ToID, types.RelationshipType(req.Type), relationships.WeightUpdate{
		Weight:           req.Weight,
		CriticalityScore: req.CriticalityScore,
		LoadFactor:       req.LoadFactor,
		LatencyMs:        req.LatencyMs,
		RedundancyLevel:  req.RedundancyLevel,
		BandwidthMbps:    req.BandwidthMbps,
		CostPerHour:      req.CostPerHour,
		Confidence:       req.Confidence,
		Source:           req.Source,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

func (s *Server) handleGetWeighted(w http.ResponseWriter, r *http.Request) {
	props, found, err := s.Weighted.GetWeighted(
		chi.URLParam(r, "from"),
		chi.URLParam(r, "to"),
		types.RelationshipType(chi.URLParam(r, "type")),
	)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"found": found, "weightProperties": props})
}

type calculateWeightRequest struct {
	SourceCriticality  float64 `json:"sourceCriticality"`
	TargetCriticality  float64 `json:"targetCriticality"`
	BusinessImpact     float64 `json:"businessImpact"`
	RedundancyLevel    int     `json:"redundancyLevel"`
	HistoricalFailures int     `json:"historicalFailures"`
	RecoveryComplexity float64 `json:"recoveryComplexity"`
	RequestsPerSecond  float64 `json:"requestsPerSecond"`
	PeakRequests       float64 `json:"peakRequests"`
	Capacity           float64 `json:"capacity"`
	ManualWeight       float64 `json:"manualWeight"`
	LatencyMs          float64 `json:"latencyMs"`
	MaxLatencyMs       float64 `json:"maxLatencyMs"`
}

// handleCalculateWeight runs the scoring formulas without touching the
// graph, so callers can preview a weight before persisting it.
func (s *Server) handleCalculateWeight(w http.ResponseWriter, r *http.Request) {
	var req calculateWeightRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	criticality := weight.CriticalityScore(weight.CriticalityInput{
		SourceCriticality:  req.SourceCriticality,
		TargetCriticality:  req.TargetCriticality,
		BusinessImpact:     req.BusinessImpact,
		RedundancyLevel:    req.RedundancyLevel,
		HistoricalFailures: req.HistoricalFailures,
		RecoveryComplexity: req.RecoveryComplexity,
	})
	load := weight.LoadFactor(weight.LoadInput{
		RequestsPerSecond: req.RequestsPerSecond,
		PeakRequests:      req.PeakRequests,
		Capacity:          req.Capacity,
		ManualWeight:      req.ManualWeight,
	})
	overall := weight.OverallWeight(weight.OverallInput{
		CriticalityScore: criticality,
		LoadFactor:       load,
		LatencyMs:        req.LatencyMs,
		MaxLatencyMs:     req.MaxLatencyMs,
		RedundancyLevel:  req.RedundancyLevel,
	})

	writeJSON(w, http.StatusOK, map[string]float64{
		"criticalityScore": criticality,
		"loadFactor":       load,
		"weight":           overall,
	})
}

type autoCalculateRequest struct {
	Type string `json:"type"`
}

func (s *Server) handleAutoCalculate(w http.ResponseWriter, r *http.Request) {
	var req autoCalculateRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.Weighted.AutoCalculateWeights(types.RelationshipType(req.Type))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}

func (s *Server) handleShortestPath(w http.ResponseWriter, r *http.Request) {
	weightProp := r.URL.Query().Get("weightProperty")
	if weightProp == "" {
		weightProp = "weight"
	}
	maxDepth := queryInt(r, "maxDepth", 10)

	path, found, err := s.Weighted.ShortestPath(chi.URLParam(r, "start"), chi.URLParam(r, "end"), weightProp, maxDepth)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"found": found, "path": path})
}

func (s *Server) handleAllPaths(w http.ResponseWriter, r *http.Request) {
	maxDepth := queryInt(r, "maxDepth", 6)
	limit := queryInt(r, "limit", 10)

	paths, err := s.Weighted.AllPaths(chi.URLParam(r, "start"), chi.URLParam(r, "end"), maxDepth, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paths": paths, "count": len(paths)})
}

func (s *Server) handleRankings(w http.ResponseWriter, r *http.Request) {
	rankings, err := s.Weighted.CriticalityRankings(queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rankings": rankings})
}

type temporalCreateRequest struct {
	FromID       string                 `json:"fromId" validate:"required"`
	ToID         string                 `json:"toId" validate:"required"`
	Type         string                 `json:"type" validate:"required"`
	Weights      types.WeightProperties `json:"weights"`
	Properties   map[string]any         `json:"properties"`
	ValidFrom    string                 `json:"validFrom"`
	ValidTo      string                 `json:"validTo"`
	CreatedBy    string                 `json:"createdBy"`
	ChangeReason string                 `json:"changeReason"`
}

// parseDate accepts RFC 3339 timestamps and bare dates.
func parseDate(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %q", errdefs.ErrDateParse, field, value)
}

func (s *Server) handleCreateTemporal(w http.ResponseWriter, r *http.Request) {
	var req temporalCreateRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	validFrom, err := parseDate("validFrom", req.ValidFrom)
	if err != nil {
		writeError(w, err)
		return
	}
	validTo, err := parseDate("validTo", req.ValidTo)
	if err != nil {
		writeError(w, err)
		return
	}

	rel, err := s.Temporal.CreateVersion(temporal.CreateVersionRequest{
		FromID:       req.FromID,
		ToID:         req.ToID,
		Type:         types.RelationshipType(req.Type),
		Weights:      req.Weights,
		Properties:   req.Properties,
		ValidFrom:    validFrom,
		ValidTo:      validTo,
		CreatedBy:    req.CreatedBy,
		ChangeReason: req.ChangeReason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

func (s *Server) handleExpiring(w http.ResponseWriter, r *http.Request) {
	expiring, err := s.Temporal.ExpiringWithin(queryInt(r, "daysAhead", 30))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expiring": expiring, "count": len(expiring)})
}

type scalingEventRequest struct {
	CIID        string  `json:"ciId" validate:"required"`
	CurrentLoad float64 `json:"currentLoad"`
	Action      string  `json:"scalingAction" validate:"required"`
	Timestamp   string  `json:"timestamp"`
}

func (s *Server) handleScalingEvent(w http.ResponseWriter, r *http.Request) {
	var req scalingEventRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ts := time.Now()
	if parsed, err := parseDate("timestamp", req.Timestamp); err != nil {
		writeError(w, err)
		return
	} else if parsed != nil {
		ts = *parsed
	}

	adjusted, err := s.Temporal.HandleScalingEvent(temporal.ScalingEvent{
		CIID:        req.CIID,
		CurrentLoad: req.CurrentLoad,
		Action:      req.Action,
		Timestamp:   ts,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"adjusted": adjusted})
}

type temporalUpdateRequest struct {
	Weight           *float64           `json:"weight"`
	CriticalityScore *float64           `json:"criticalityScore"`
	LoadFactor       *float64           `json:"loadFactor"`
	Source           types.WeightSource `json:"source"`
	ModifiedBy       string             `json:"modifiedBy"`
}

func (s *Server) handleTemporalUpdate(w http.ResponseWriter, r *http.Request) {
	var req temporalUpdateRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rel, err := s.Temporal.UpdateWithHistory(chi.URLParam(r, "id"), temporal.WeightHistoryUpdate{
		Weight:           req.Weight,
		CriticalityScore: req.CriticalityScore,
		LoadFactor:       req.LoadFactor,
		Source:           req.Source,
		ModifiedBy:       req.ModifiedBy,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	versions, err := s.Temporal.History(
		chi.URLParam(r, "from"),
		chi.URLParam(r, "to"),
		types.RelationshipType(chi.URLParam(r, "type")),
	)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions, "count": len(versions)})
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	trend, err := s.Temporal.WeightTrend(
		chi.URLParam(r, "from"),
		chi.URLParam(r, "to"),
		types.RelationshipType(chi.URLParam(r, "type")),
	)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trend)
}

// handleTemporalTopology reconstructs the graph as it stood at a date.
func (s *Server) handleTemporalTopology(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := time.Now()
	if parsed, err := parseDate("date", q.Get("date")); err != nil {
		writeError(w, err)
		return
	} else if parsed != nil {
		target = *parsed
	}

	var typeFilter []types.RelationshipType
	if raw := q.Get("relationshipTypes"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				typeFilter = append(typeFilter, types.RelationshipType(t))
			}
		}
	}

	snapshot, err := s.Temporal.TopologyAt(target, q.Get("ciId"), queryInt(r, "maxDepth", 0), typeFilter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleCreateConditional(w http.ResponseWriter, r *http.Request) {
	var req conditional.CreateRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rel, err := s.Engine.Create(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

func (s *Server) handleActiveConditional(w http.ResponseWriter, r *http.Request) {
	active, err := s.Engine.ListActive()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active, "count": len(active)})
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req conditional.SimulationRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.Engine.Simulate(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type transitionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if r.ContentLength > 0 {
		if err := s.decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	rel, err := s.Engine.Activate(chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if r.ContentLength > 0 {
		if err := s.decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	rel, err := s.Engine.Deactivate(chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	summary, err := s.Engine.EvaluateAll()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleConditionalStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Engine.EngineStats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleEngineStart(w http.ResponseWriter, r *http.Request) {
	s.Engine.Start()
	writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) handleEngineStop(w http.ResponseWriter, r *http.Request) {
	s.Engine.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}

func (s *Server) handleFailoverPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.Engine.FailoverPlan(chi.URLParam(r, "ciId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}
