package temporal

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stratoform/lattice/pkg/errdefs"
	"github.com/stratoform/lattice/pkg/graph"
	"github.com/stratoform/lattice/pkg/log"
	"github.com/stratoform/lattice/pkg/metrics"
	"github.com/stratoform/lattice/pkg/types"
)

const defaultTopologyDepth = 3

// Service manages versioned relationships.
type Service struct {
	store  graph.Store
	locks  tupleLocks
	logger zerolog.Logger
	now    func() time.Time
}

// NewService creates a temporal relationship service.
func NewService(store graph.Store) *Service {
	return &Service{
		store:  store,
		locks:  tupleLocks{locks: make(map[string]*sync.Mutex)},
		logger: log.WithComponent("temporal"),
		now:    time.Now,
	}
}

// tupleLocks serializes versioned writes per (from, to, type) tuple.
// Writes to distinct tuples proceed in parallel.
type tupleLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (t *tupleLocks) lock(key string) func() {
	t.mu.Lock()
	m, ok := t.locks[key]
	if !ok {
		m = &sync.Mutex{}
		t.locks[key] = m
	}
	t.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func tupleKey(fromID, toID string, relType types.RelationshipType) string {
	return fromID + "\x00" + toID + "\x00" + string(relType)
}

// CreateVersionRequest is the input to CreateVersion.
type CreateVersionRequest struct {
	FromID       string
	ToID         string
	Type         types.RelationshipType
	Weights      types.WeightProperties
	Properties   map[string]any
	ValidFrom    *time.Time // nil defaults to now
	ValidTo      *time.Time // nil means indefinite
	CreatedBy    string
	ChangeReason string
}

// CreateVersion archives the currently ACTIVE version of the tuple (if
// any) and creates its successor. The whole operation is serialized per
// tuple, so the version chain is gapless and totally ordered.
func (s *Service) CreateVersion(req CreateVersionRequest) (*types.Relationship, error) {
	if !types.ValidRelationshipType(req.Type) {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrInvalidRelationshipType, req.Type)
	}

	unlock := s.locks.lock(tupleKey(req.FromID, req.ToID, req.Type))
	defer unlock()

	if _, err := s.store.GetCI(req.FromID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetCI(req.ToID); err != nil {
		return nil, err
	}

	now := s.now()
	prev := 0

	current, err := s.activeVersion(req.FromID, req.ToID, req.Type)
	if err != nil {
		return nil, err
	}
	if current != nil {
		prev = current.Temporal.Version
		archivedAt := now
		current.Temporal.Status = types.VersionArchived
		current.Temporal.ValidTo = &archivedAt
		current.Temporal.LastModified = now
		current.Temporal.ModifiedBy = req.CreatedBy
		if err := s.store.PutEdge(current); err != nil {
			return nil, err
		}
	}

	// A caller-supplied validFrom always wins; now is only the default.
	validFrom := now
	if req.ValidFrom != nil {
		validFrom = *req.ValidFrom
	}

	rel := &types.Relationship{
		ID:         uuid.New().String(),
		FromID:     req.FromID,
		ToID:       req.ToID,
		Type:       req.Type,
		Weights:    req.Weights,
		Properties: req.Properties,
		Temporal: &types.TemporalProperties{
			Version:         prev + 1,
			PreviousVersion: prev,
			ValidFrom:       validFrom,
			ValidTo:         req.ValidTo,
			Status:          types.VersionActive,
			CreatedBy:       req.CreatedBy,
			CreatedAt:       now,
			ModifiedBy:      req.CreatedBy,
			LastModified:    now,
			ChangeReason:    req.ChangeReason,
		},
	}
	rel.Weights.LastUpdated = now

	if err := s.store.PutEdge(rel); err != nil {
		return nil, err
	}

	metrics.VersionedWritesTotal.Inc()
	s.logger.Debug().
		Str("relationship_id", rel.ID).
		Int("version", rel.Temporal.Version).
		Str("type", string(req.Type)).
		Msg("versioned relationship created")
	return rel, nil
}

// activeVersion finds the edge of the tuple with status ACTIVE and an
// open or future validTo.
func (s *Service) activeVersion(fromID, toID string, relType types.RelationshipType) (*types.Relationship, error) {
	edges, err := s.store.EdgesBetween(fromID, toID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, rel := range edges {
		if rel.Type != relType || rel.Temporal == nil {
			continue
		}
		if rel.Temporal.Status != types.VersionActive {
			continue
		}
		if rel.Temporal.ValidTo != nil && rel.Temporal.ValidTo.Before(now) {
			continue
		}
		return rel, nil
	}
	return nil, nil
}

// Snapshot is a deduplicated topology as it stood at one instant.
type Snapshot struct {
	Date  time.Time             `json:"date"`
	Nodes []*types.CI           `json:"nodes"`
	Edges []*types.Relationship `json:"relationships"`
}

// TopologyAt returns every versioned edge in force at target, regardless
// of whether it has since been archived. With a starting CI the result
// is restricted to the subgraph reachable within maxDepth hops along
// edges all valid at target.
func (s *Service) TopologyAt(target time.Time, startID string, maxDepth int, typeFilter []types.RelationshipType) (*Snapshot, error) {
	if maxDepth <= 0 {
		maxDepth = defaultTopologyDepth
	}

	wantType := map[types.RelationshipType]bool{}
	for _, t := range typeFilter {
		wantType[t] = true
	}
	matches := func(rel *types.Relationship) bool {
		if rel.Temporal == nil || !rel.ActiveAt(target) {
			return false
		}
		return len(wantType) == 0 || wantType[rel.Type]
	}

	snap := &Snapshot{Date: target}
	seenNode := map[string]bool{}
	seenEdge := map[string]bool{}

	addNode := func(id string) error {
		if seenNode[id] {
			return nil
		}
		ci, err := s.store.GetCI(id)
		if err != nil {
			return err
		}
		seenNode[id] = true
		snap.Nodes = append(snap.Nodes, ci)
		return nil
	}
	addEdge := func(rel *types.Relationship) error {
		if seenEdge[rel.ID] {
			return nil
		}
		seenEdge[rel.ID] = true
		snap.Edges = append(snap.Edges, rel)
		if err := addNode(rel.FromID); err != nil {
			return err
		}
		return addNode(rel.ToID)
	}

	if startID == "" {
		edges, err := s.store.Edges()
		if err != nil {
			return nil, err
		}
		for _, rel := range edges {
			if matches(rel) {
				if err := addEdge(rel); err != nil {
					return nil, err
				}
			}
		}
		return snap, nil
	}

	if _, err := s.store.GetCI(startID); err != nil {
		return nil, err
	}
	if err := addNode(startID); err != nil {
		return nil, err
	}

	frontier := []string{startID}
	visited := map[string]bool{startID: true}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			neighbors, err := s.neighborsAt(id, matches)
			if err != nil {
				return nil, err
			}
			for _, n := range neighbors {
				if err := addEdge(n.edge); err != nil {
					return nil, err
				}
				if !visited[n.node] {
					visited[n.node] = true
					next = append(next, n.node)
				}
			}
		}
		frontier = next
	}
	return snap, nil
}

type neighbor struct {
	node string
	edge *types.Relationship
}

// neighborsAt scans both directions; topology reachability is
// undirected.
func (s *Service) neighborsAt(id string, matches func(*types.Relationship) bool) ([]neighbor, error) {
	var result []neighbor
	out, err := s.store.EdgesFrom(id)
	if err != nil {
		return nil, err
	}
	for _, rel := range out {
		if matches(rel) {
			result = append(result, neighbor{node: rel.ToID, edge: rel})
		}
	}
	in, err := s.store.EdgesTo(id)
	if err != nil {
		return nil, err
	}
	for _, rel := range in {
		if matches(rel) {
			result = append(result, neighbor{node: rel.FromID, edge: rel})
		}
	}
	return result, nil
}

// History returns every version of the tuple, newest first.
func (s *Service) History(fromID, toID string, relType types.RelationshipType) ([]*types.Relationship, error) {
	edges, err := s.store.EdgesBetween(fromID, toID)
	if err != nil {
		return nil, err
	}
	var versions []*types.Relationship
	for _, rel := range edges {
		if rel.Type == relType && rel.Temporal != nil {
			versions = append(versions, rel)
		}
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Temporal.Version > versions[j].Temporal.Version
	})
	return versions, nil
}

// WeightHistoryUpdate carries one weight-history append. Nil fields
// leave the corresponding top-level value unchanged.
type WeightHistoryUpdate struct {
	Weight           *float64
	CriticalityScore *float64
	LoadFactor       *float64
	Source           types.WeightSource
	ModifiedBy       string
}

// UpdateWithHistory appends a weight sample to a versioned edge and
// folds the supplied values into its top-level weight properties.
// Archived versions are immutable and reject the update.
func (s *Service) UpdateWithHistory(edgeID string, upd WeightHistoryUpdate) (*types.Relationship, error) {
	rel, err := s.store.GetEdge(edgeID)
	if err != nil {
		return nil, err
	}
	if rel.Temporal == nil {
		return nil, errdefs.Validationf("relationship %s is not versioned", edgeID)
	}
	if rel.Temporal.Status != types.VersionActive {
		return nil, errdefs.Validationf("relationship %s is %s, only the active version accepts weight updates", edgeID, rel.Temporal.Status)
	}

	now := s.now()
	rel.Temporal.WeightHistory = append(rel.Temporal.WeightHistory, types.WeightSample{
		Timestamp:        now,
		Weight:           upd.Weight,
		CriticalityScore: upd.CriticalityScore,
		LoadFactor:       upd.LoadFactor,
		Source:           upd.Source,
	})
	if upd.Weight != nil {
		rel.Weights.Weight = upd.Weight
	}
	if upd.CriticalityScore != nil {
		rel.Weights.CriticalityScore = upd.CriticalityScore
	}
	if upd.LoadFactor != nil {
		rel.Weights.LoadFactor = upd.LoadFactor
	}
	if upd.Source != "" {
		rel.Weights.Source = upd.Source
	}
	rel.Weights.LastUpdated = now
	rel.Temporal.LastModified = now
	rel.Temporal.ModifiedBy = upd.ModifiedBy

	if err := s.store.PutEdge(rel); err != nil {
		return nil, err
	}
	return rel, nil
}

// Trend direction over the most recent window of weight samples.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

// TrendResult holds the weight statistics of one tuple.
type TrendResult struct {
	Found      bool                    `json:"found"`
	Current    *types.WeightProperties `json:"current,omitempty"`
	Average    float64                 `json:"average"`
	Minimum    float64                 `json:"minimum"`
	Maximum    float64                 `json:"maximum"`
	DataPoints int                     `json:"dataPoints"`
	Trend      string                  `json:"trend"`
}

// WeightTrend computes statistics over the active version's weight
// history. The trend compares the last sample against the first of a
// window holding up to the five most recent samples.
func (s *Service) WeightTrend(fromID, toID string, relType types.RelationshipType) (*TrendResult, error) {
	rel, err := s.activeVersion(fromID, toID, relType)
	if err != nil {
		return nil, err
	}
	if rel == nil {
		return &TrendResult{Found: false}, nil
	}

	var weights []float64
	for _, sample := range rel.Temporal.WeightHistory {
		if sample.Weight != nil {
			weights = append(weights, *sample.Weight)
		}
	}
	if len(weights) == 0 {
		return &TrendResult{Found: false}, nil
	}

	result := &TrendResult{
		Found:      true,
		Current:    &rel.Weights,
		Minimum:    weights[0],
		Maximum:    weights[0],
		DataPoints: len(weights),
	}
	sum := 0.0
	for _, w := range weights {
		sum += w
		result.Minimum = math.Min(result.Minimum, w)
		result.Maximum = math.Max(result.Maximum, w)
	}
	result.Average = sum / float64(len(weights))

	window := weights
	if len(window) > 5 {
		window = window[len(window)-5:]
	}
	first, last := window[0], window[len(window)-1]
	switch {
	case last > first:
		result.Trend = TrendIncreasing
	case last < first:
		result.Trend = TrendDecreasing
	default:
		result.Trend = TrendStable
	}
	return result, nil
}

// Scaling actions accepted by HandleScalingEvent.
const (
	ScaleUp   = "scale-up"
	ScaleDown = "scale-down"
)

// ScalingEvent is an auto-scaler notification for one CI.
type ScalingEvent struct {
	CIID        string    `json:"ciId"`
	CurrentLoad float64   `json:"currentLoad"`
	Action      string    `json:"scalingAction"`
	Timestamp   time.Time `json:"timestamp"`
}

// HandleScalingEvent adjusts the load factor of every active DEPENDS_ON
// or SCALES_TO edge attached to the CI that carries an activation
// condition, appending the change to its weight history. Returns the
// number of adjusted edges.
func (s *Service) HandleScalingEvent(ev ScalingEvent) (int, error) {
	if ev.Action != ScaleUp && ev.Action != ScaleDown {
		return 0, errdefs.Validationf("unknown scaling action %q", ev.Action)
	}
	if _, err := s.store.GetCI(ev.CIID); err != nil {
		return 0, err
	}

	out, err := s.store.EdgesFrom(ev.CIID)
	if err != nil {
		return 0, err
	}
	in, err := s.store.EdgesTo(ev.CIID)
	if err != nil {
		return 0, err
	}

	adjusted := 0
	for _, rel := range append(out, in...) {
		if rel.Type != types.RelDependsOn && rel.Type != types.RelScalesTo {
			continue
		}
		if rel.Temporal == nil || rel.Temporal.Status != types.VersionActive {
			continue
		}
		if rel.Conditional == nil {
			continue
		}

		threshold := rel.Conditional.ActivationCondition.Threshold
		if threshold == 0 {
			threshold = 0.8
		}
		if threshold > 1 {
			// Conditions written on the 0-100 scale
			threshold /= 100
		}

		old := 0.0
		if rel.Weights.LoadFactor != nil {
			old = *rel.Weights.LoadFactor
		}

		var newLoad float64
		switch {
		case ev.Action == ScaleUp && ev.CurrentLoad >= threshold*100:
			newLoad = math.Min(old*1.2, 100)
		case ev.Action == ScaleDown && ev.CurrentLoad < threshold*100:
			newLoad = math.Max(old*0.8, 0)
		default:
			continue
		}

		if _, err := s.UpdateWithHistory(rel.ID, WeightHistoryUpdate{
			LoadFactor: &newLoad,
			Source:     types.WeightSourceAutoScaling,
			ModifiedBy: "scaling-service",
		}); err != nil {
			return adjusted, err
		}
		adjusted++
	}

	s.logger.Info().
		Str("ci_id", ev.CIID).
		Str("action", ev.Action).
		Int("adjusted", adjusted).
		Msg("scaling event applied")
	return adjusted, nil
}

// ExpiringRelationship is one expiry-scan hit.
type ExpiringRelationship struct {
	Relationship    *types.Relationship `json:"relationship"`
	ValidTo         time.Time           `json:"validTo"`
	DaysUntilExpiry int                 `json:"daysUntilExpiry"`
}

// ExpiringWithin returns every ACTIVE edge whose validTo falls within
// (now, now+daysAhead], ordered by soonest expiry first.
func (s *Service) ExpiringWithin(daysAhead int) ([]*ExpiringRelationship, error) {
	if daysAhead < 1 || daysAhead > 365 {
		return nil, errdefs.Validationf("daysAhead must be between 1 and 365, got %d", daysAhead)
	}

	edges, err := s.store.Edges()
	if err != nil {
		return nil, err
	}

	now := s.now()
	horizon := now.AddDate(0, 0, daysAhead)

	var expiring []*ExpiringRelationship
	for _, rel := range edges {
		if rel.Temporal == nil || rel.Temporal.Status != types.VersionActive || rel.Temporal.ValidTo == nil {
			continue
		}
		vt := *rel.Temporal.ValidTo
		if !vt.After(now) || vt.After(horizon) {
			continue
		}
		expiring = append(expiring, &ExpiringRelationship{
			Relationship:    rel,
			ValidTo:         vt,
			DaysUntilExpiry: int(math.Ceil(vt.Sub(now).Hours() / 24)),
		})
	}

	sort.Slice(expiring, func(i, j int) bool {
		return expiring[i].ValidTo.Before(expiring[j].ValidTo)
	})
	return expiring, nil
}
