package conditional

import (
	"github.com/stratoform/lattice/pkg/types"
)

// SimulationRequest is a hypothetical state change for one CI.
type SimulationRequest struct {
	CIID         string         `json:"ciId" validate:"required"`
	StateChanges map[string]any `json:"stateChanges"`
}

// Impact summarizes the blast radius of a simulated change.
type Impact struct {
	AffectedCIs  int `json:"affectedCIs"`
	CascadeDepth int `json:"cascadeDepth"`
}

// SimulationResult lists the transitions the engine would perform.
type SimulationResult struct {
	CIID        string                `json:"ciId"`
	Activated   []*types.Relationship `json:"activatedRelationships"`
	Deactivated []*types.Relationship `json:"deactivatedRelationships"`
	Impact      Impact                `json:"impact"`
}

// Simulate applies stateChanges over the CI's current state and runs
// the handler logic for every conditional edge touching it, without
// persisting anything. The consecutive-failure counter is assumed
// satisfied so health conditions answer "would this fail over".
func (e *Engine) Simulate(req SimulationRequest) (*SimulationResult, error) {
	current, err := e.store.GetCI(req.CIID)
	if err != nil {
		return nil, err
	}
	hypothetical := overlayCI(current, req.StateChanges)

	out, err := e.store.EdgesFrom(req.CIID)
	if err != nil {
		return nil, err
	}
	in, err := e.store.EdgesTo(req.CIID)
	if err != nil {
		return nil, err
	}

	result := &SimulationResult{CIID: req.CIID}
	changed := map[string]bool{}
	now := e.now()

	for _, rel := range append(out, in...) {
		if rel.Conditional == nil {
			continue
		}

		src, tgt, err := e.simEndpoints(rel, hypothetical)
		if err != nil {
			continue
		}

		var act action
		switch rel.Conditional.ConditionType {
		case types.ConditionHealthBased:
			threshold := rel.Conditional.ActivationCondition.FailureThreshold
			if threshold < 1 {
				threshold = defaultFailureThreshold
			}
			act, _ = decideHealth(rel.Conditional, src, tgt, threshold, now)
		case types.ConditionLoadBased:
			act, _ = decideLoad(rel.Conditional, sourceLoad(src), now)
		case types.ConditionScheduled:
			act, _ = decideScheduled(rel.Conditional, now)
		default:
			continue
		}

		switch act {
		case actionActivate:
			result.Activated = append(result.Activated, rel)
			changed[counterpart(rel, req.CIID)] = true
		case actionDeactivate:
			result.Deactivated = append(result.Deactivated, rel)
			changed[counterpart(rel, req.CIID)] = true
		}
	}

	impact, err := e.cascade(req.CIID, changed)
	if err != nil {
		return nil, err
	}
	result.Impact = impact
	return result, nil
}

// overlayCI merges stateChanges onto a copy of the CI. "status" and
// "criticality" map onto the typed fields; everything else lands in the
// property bag.
func overlayCI(ci *types.CI, changes map[string]any) *types.CI {
	clone := *ci
	clone.Properties = make(map[string]any, len(ci.Properties)+len(changes))
	for k, v := range ci.Properties {
		clone.Properties[k] = v
	}
	for k, v := range changes {
		switch k {
		case "status":
			if s, ok := v.(string); ok {
				clone.Status = types.CIStatus(s)
			}
		case "criticality":
			if s, ok := v.(string); ok {
				clone.Criticality = types.Criticality(s)
			}
		default:
			clone.Properties[k] = v
		}
	}
	return &clone
}

// simEndpoints resolves the edge endpoints, substituting the
// hypothetical CI for whichever side is being simulated.
func (e *Engine) simEndpoints(rel *types.Relationship, hypothetical *types.CI) (*types.CI, *types.CI, error) {
	src, tgt := hypothetical, hypothetical
	if rel.FromID != hypothetical.ID {
		ci, err := e.store.GetCI(rel.FromID)
		if err != nil {
			return nil, nil, err
		}
		src = ci
	}
	if rel.ToID != hypothetical.ID {
		ci, err := e.store.GetCI(rel.ToID)
		if err != nil {
			return nil, nil, err
		}
		tgt = ci
	}
	return src, tgt, nil
}

func counterpart(rel *types.Relationship, ciID string) string {
	if rel.FromID == ciID {
		return rel.ToID
	}
	return rel.FromID
}

// cascade walks dependency edges outward from the directly changed CIs
// to size the blast radius.
func (e *Engine) cascade(originID string, seeds map[string]bool) (Impact, error) {
	if len(seeds) == 0 {
		return Impact{}, nil
	}

	visited := map[string]bool{originID: true}
	var frontier []string
	for id := range seeds {
		if !visited[id] {
			visited[id] = true
			frontier = append(frontier, id)
		}
	}

	depth := 1
	for level := 1; level < impactHops && len(frontier) > 0; level++ {
		var next []string
		for _, id := range frontier {
			neighbors, err := e.dependencyNeighbors(id)
			if err != nil {
				return Impact{}, err
			}
			for _, n := range neighbors {
				if !visited[n] {
					visited[n] = true
					next = append(next, n)
				}
			}
		}
		if len(next) > 0 {
			depth = level + 1
		}
		frontier = next
	}

	return Impact{AffectedCIs: len(visited) - 1, CascadeDepth: depth}, nil
}

func (e *Engine) dependencyNeighbors(id string) ([]string, error) {
	var neighbors []string
	out, err := e.store.EdgesFrom(id)
	if err != nil {
		return nil, err
	}
	for _, rel := range out {
		if types.TraversalTypes[rel.Type] {
			neighbors = append(neighbors, rel.ToID)
		}
	}
	in, err := e.store.EdgesTo(id)
	if err != nil {
		return nil, err
	}
	for _, rel := range in {
		if types.TraversalTypes[rel.Type] {
			neighbors = append(neighbors, rel.FromID)
		}
	}
	return neighbors, nil
}
