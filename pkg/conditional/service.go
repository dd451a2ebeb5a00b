package conditional

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/stratoform/lattice/pkg/errdefs"
	"github.com/stratoform/lattice/pkg/types"
)

const impactHops = 3

// applicationTypes are the CI types counted as impacted applications in
// a failover plan.
var applicationTypes = map[types.CIType]bool{
	types.CITypeWebApplication:  true,
	types.CITypeMicroservice:    true,
	types.CITypeBusinessService: true,
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	FromID              string                    `json:"fromId" validate:"required"`
	ToID                string                    `json:"toId" validate:"required"`
	Type                types.RelationshipType    `json:"type" validate:"required"`
	ConditionType       types.ConditionType       `json:"conditionType" validate:"required"`
	ActivationCondition types.ActivationCondition `json:"activationCondition"`
	Priority            int                       `json:"priority"`
	AutomaticFailover   bool                      `json:"automaticFailover"`
	RPO                 string                    `json:"rpo"`
	RTO                 string                    `json:"rto"`
	Weights             types.WeightProperties    `json:"weights"`
	Properties          map[string]any            `json:"properties"`
}

// Create adds a conditional relationship in the INACTIVE state.
func (e *Engine) Create(req CreateRequest) (*types.Relationship, error) {
	if !types.ValidRelationshipType(req.Type) {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrInvalidRelationshipType, req.Type)
	}
	if !types.ValidConditionType(req.ConditionType) {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrInvalidConditionType, req.ConditionType)
	}
	if _, err := e.store.GetCI(req.FromID); err != nil {
		return nil, err
	}
	if _, err := e.store.GetCI(req.ToID); err != nil {
		return nil, err
	}

	priority := req.Priority
	if priority < 1 {
		priority = 1
	}

	rel := &types.Relationship{
		ID:         uuid.New().String(),
		FromID:     req.FromID,
		ToID:       req.ToID,
		Type:       req.Type,
		Weights:    req.Weights,
		Properties: req.Properties,
		Conditional: &types.ConditionalProperties{
			ConditionType:       req.ConditionType,
			ActivationCondition: req.ActivationCondition,
			IsActive:            false,
			Priority:            priority,
			AutomaticFailover:   req.AutomaticFailover,
			RPO:                 req.RPO,
			RTO:                 req.RTO,
		},
	}
	rel.Weights.LastUpdated = e.now()

	if err := e.store.PutEdge(rel); err != nil {
		return nil, err
	}
	e.logger.Info().
		Str("relationship_id", rel.ID).
		Str("condition_type", string(req.ConditionType)).
		Msg("conditional relationship created")
	return rel, nil
}

// ListActive returns every conditional edge with isActive=true.
func (e *Engine) ListActive() ([]*types.Relationship, error) {
	edges, err := e.store.Edges()
	if err != nil {
		return nil, err
	}
	var active []*types.Relationship
	for _, rel := range edges {
		if rel.Conditional != nil && rel.Conditional.IsActive {
			active = append(active, rel)
		}
	}
	return active, nil
}

// Activate flips a conditional edge to ACTIVE regardless of its
// condition. Already-active edges are left untouched.
func (e *Engine) Activate(relID, reason string) (*types.Relationship, error) {
	rel, err := e.conditionalEdge(relID)
	if err != nil {
		return nil, err
	}
	if rel.Conditional.IsActive {
		return rel, nil
	}
	if reason == "" {
		reason = "Manually activated"
	}

	now := e.now()
	if err := e.transition(rel, true, reason, now); err != nil {
		return nil, err
	}
	e.emitManual(rel, true, reason)
	return rel, nil
}

// Deactivate flips a conditional edge back to INACTIVE.
func (e *Engine) Deactivate(relID, reason string) (*types.Relationship, error) {
	rel, err := e.conditionalEdge(relID)
	if err != nil {
		return nil, err
	}
	if !rel.Conditional.IsActive {
		return rel, nil
	}
	if reason == "" {
		reason = "Manually deactivated"
	}

	now := e.now()
	if err := e.transition(rel, false, reason, now); err != nil {
		return nil, err
	}
	e.emitManual(rel, false, reason)
	return rel, nil
}

func (e *Engine) conditionalEdge(relID string) (*types.Relationship, error) {
	rel, err := e.store.GetEdge(relID)
	if err != nil {
		return nil, err
	}
	if rel.Conditional == nil {
		return nil, errdefs.Validationf("relationship %s is not conditional", relID)
	}
	return rel, nil
}

func (e *Engine) emitManual(rel *types.Relationship, active bool, reason string) {
	src, err := e.store.GetCI(rel.FromID)
	if err != nil {
		return
	}
	tgt, err := e.store.GetCI(rel.ToID)
	if err != nil {
		return
	}
	e.emitTransition(rel, src, tgt, active, reason)
}

// FailoverOption is one candidate standby for a primary CI.
type FailoverOption struct {
	Relationship      *types.Relationship `json:"relationship"`
	Target            *types.CI           `json:"target"`
	Priority          int                 `json:"priority"`
	RPO               string              `json:"rpo,omitempty"`
	RTO               string              `json:"rto,omitempty"`
	AutomaticFailover bool                `json:"automaticFailover"`
}

// Plan is a failover plan for one primary CI.
type Plan struct {
	Primary              *types.CI         `json:"primary"`
	Options              []*FailoverOption `json:"failoverOptions"`
	ImpactedApplications []*types.CI       `json:"impactedApplications"`
}

// FailoverPlan lists the inactive FAILS_OVER_TO standbys of a primary,
// ordered by ascending priority, plus the applications within three
// hops that depend on it.
func (e *Engine) FailoverPlan(primaryID string) (*Plan, error) {
	primary, err := e.store.GetCI(primaryID)
	if err != nil {
		return nil, err
	}

	out, err := e.store.EdgesFrom(primaryID)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Primary: primary}
	for _, rel := range out {
		if rel.Type != types.RelFailsOverTo {
			continue
		}
		if rel.Conditional != nil && rel.Conditional.IsActive {
			continue
		}
		target, err := e.store.GetCI(rel.ToID)
		if err != nil {
			continue
		}
		if target.Status != types.CIStatusOperational {
			continue
		}

		opt := &FailoverOption{Relationship: rel, Target: target, Priority: 1}
		if rel.Conditional != nil {
			opt.Priority = rel.Conditional.Priority
			opt.RPO = rel.Conditional.RPO
			opt.RTO = rel.Conditional.RTO
			opt.AutomaticFailover = rel.Conditional.AutomaticFailover
		}
		plan.Options = append(plan.Options, opt)
	}
	sort.SliceStable(plan.Options, func(i, j int) bool {
		return plan.Options[i].Priority < plan.Options[j].Priority
	})

	apps, err := e.impactedApplications(primaryID)
	if err != nil {
		return nil, err
	}
	plan.ImpactedApplications = apps
	return plan, nil
}

// impactedApplications walks dependency edges upstream from the primary
// and collects application-typed CIs within the impact radius.
func (e *Engine) impactedApplications(primaryID string) ([]*types.CI, error) {
	visited := map[string]bool{primaryID: true}
	frontier := []string{primaryID}
	var apps []*types.CI

	for depth := 0; depth < impactHops && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			in, err := e.store.EdgesTo(id)
			if err != nil {
				return nil, err
			}
			for _, rel := range in {
				if !types.TraversalTypes[rel.Type] {
					continue
				}
				if visited[rel.FromID] {
					continue
				}
				visited[rel.FromID] = true
				next = append(next, rel.FromID)

				ci, err := e.store.GetCI(rel.FromID)
				if err != nil {
					continue
				}
				if applicationTypes[ci.Type] {
					apps = append(apps, ci)
				}
			}
		}
		frontier = next
	}
	return apps, nil
}
