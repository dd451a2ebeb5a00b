// Package relationships implements the weighted relationship service:
// persistence of weight annotations, weighted path search and
// criticality rankings over the graph gateway.
package relationships

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stratoform/lattice/pkg/errdefs"
	"github.com/stratoform/lattice/pkg/graph"
	"github.com/stratoform/lattice/pkg/log"
	"github.com/stratoform/lattice/pkg/types"
	"github.com/stratoform/lattice/pkg/weight"
)

const defaultMaxDepth = 10

// Service persists and queries weighted relationships.
type Service struct {
	store  graph.Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewService creates a weighted relationship service.
func NewService(store graph.Store) *Service {
	return &Service{
		store:  store,
		logger: log.WithComponent("relationships"),
		now:    time.Now,
	}
}

// WeightUpdate carries the weight-related properties of a create or
// update. Nil pointer fields are left unchanged.
type WeightUpdate struct {
	Weight           *float64
	CriticalityScore *float64
	LoadFactor       *float64
	LatencyMs        float64
	RedundancyLevel  int
	BandwidthMbps    float64
	CostPerHour      float64
	Confidence       float64
	Source           types.WeightSource
}

// CreateWeighted merges a weighted edge of the given type between two
// CIs, overwriting the weight-related properties. Fails when either CI
// is missing or the type is outside the closed set.
func (s *Service) CreateWeighted(fromID, toID string, relType types.RelationshipType, update WeightUpdate) (*types.Relationship, error) {
	if !types.ValidRelationshipType(relType) {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrInvalidRelationshipType, relType)
	}

	rel, err := s.findPlainEdge(fromID, toID, relType)
	if err != nil {
		return nil, err
	}
	if rel == nil {
		rel = &types.Relationship{
			ID:     uuid.New().String(),
			FromID: fromID,
			ToID:   toID,
			Type:   relType,
		}
	}

	applyUpdate(&rel.Weights, update)
	rel.Weights.LastUpdated = s.now()

	if err := s.store.PutEdge(rel); err != nil {
		return nil, err
	}
	s.logger.Debug().
		Str("relationship_id", rel.ID).
		Str("type", string(relType)).
		Msg("weighted relationship upserted")
	return rel, nil
}

// GetWeighted returns the weight bag for a (from, to, type) triple. The
// found flag is false when no such edge exists; that is not an error.
func (s *Service) GetWeighted(fromID, toID string, relType types.RelationshipType) (*types.WeightProperties, bool, error) {
	rel, err := s.findPlainEdge(fromID, toID, relType)
	if err != nil {
		return nil, false, err
	}
	if rel == nil {
		return nil, false, nil
	}
	props := rel.Weights
	return &props, true, nil
}

func (s *Service) findPlainEdge(fromID, toID string, relType types.RelationshipType) (*types.Relationship, error) {
	edges, err := s.store.EdgesBetween(fromID, toID)
	if err != nil {
		return nil, err
	}
	for _, rel := range edges {
		if rel.Type == relType && rel.Temporal == nil {
			return rel, nil
		}
	}
	return nil, nil
}

func applyUpdate(w *types.WeightProperties, u WeightUpdate) {
	if u.Weight != nil {
		w.Weight = u.Weight
	}
	if u.CriticalityScore != nil {
		w.CriticalityScore = u.CriticalityScore
	}
	if u.LoadFactor != nil {
		w.LoadFactor = u.LoadFactor
	}
	if u.LatencyMs > 0 {
		w.LatencyMs = u.LatencyMs
	}
	if u.RedundancyLevel > 0 {
		w.RedundancyLevel = u.RedundancyLevel
	}
	if u.BandwidthMbps > 0 {
		w.BandwidthMbps = u.BandwidthMbps
	}
	if u.CostPerHour > 0 {
		w.CostPerHour = u.CostPerHour
	}
	if u.Confidence > 0 {
		w.Confidence = u.Confidence
	}
	if u.Source != "" {
		w.Source = u.Source
	}
}

// Path is one traversal result: node ids in order, the edges walked, and
// the sum of the selected weight property.
type Path struct {
	NodeIDs     []string              `json:"nodes"`
	Edges       []*types.Relationship `json:"edges"`
	Hops        int                   `json:"hops"`
	TotalWeight float64               `json:"totalWeight"`
}

// ShortestPath returns one shortest path by hop count from start to end,
// with the sum of weightProp along its edges. Found is false when no
// path exists within maxDepth.
func (s *Service) ShortestPath(start, end, weightProp string, maxDepth int) (*Path, bool, error) {
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	if _, err := s.store.GetCI(start); err != nil {
		return nil, false, err
	}
	if _, err := s.store.GetCI(end); err != nil {
		return nil, false, err
	}

	// BFS by hop count; first arrival at end is a shortest path.
	visited := map[string]bool{start: true}
	frontier := []*hop{{node: start}}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []*hop
		for _, h := range frontier {
			edges, err := s.store.EdgesFrom(h.node)
			if err != nil {
				return nil, false, err
			}
			for _, rel := range edges {
				if !inForce(rel, s.now()) || visited[rel.ToID] {
					continue
				}
				visited[rel.ToID] = true
				nh := &hop{node: rel.ToID, edge: rel, prev: h}
				if rel.ToID == end {
					return buildPath(nh, weightProp), true, nil
				}
				next = append(next, nh)
			}
		}
		frontier = next
	}
	return nil, false, nil
}

func buildPath(last *hop, weightProp string) *Path {
	var nodes []string
	var edges []*types.Relationship
	for h := last; h != nil; h = h.prev {
		nodes = append([]string{h.node}, nodes...)
		if h.edge != nil {
			edges = append([]*types.Relationship{h.edge}, edges...)
		}
	}
	p := &Path{NodeIDs: nodes, Edges: edges, Hops: len(edges)}
	for _, rel := range edges {
		p.TotalWeight += edgeWeight(rel, weightProp)
	}
	return p
}

// hop is used by both path searches.
type hop struct {
	node string
	edge *types.Relationship
	prev *hop
}

// AllPaths returns up to limit distinct simple paths of at most maxDepth
// edges, following only the traversal allow-list, ordered by descending
// total weight with ties broken by ascending hop count.
func (s *Service) AllPaths(start, end string, maxDepth, limit int) ([]*Path, error) {
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	if limit <= 0 {
		limit = 10
	}
	if _, err := s.store.GetCI(start); err != nil {
		return nil, err
	}
	if _, err := s.store.GetCI(end); err != nil {
		return nil, err
	}

	var paths []*Path
	onPath := map[string]bool{start: true}

	var walk func(node string, trail []*types.Relationship) error
	walk = func(node string, trail []*types.Relationship) error {
		if len(trail) >= maxDepth {
			return nil
		}
		edges, err := s.store.EdgesFrom(node)
		if err != nil {
			return err
		}
		for _, rel := range edges {
			if !types.TraversalTypes[rel.Type] || !inForce(rel, s.now()) || onPath[rel.ToID] {
				continue
			}
			next := append(trail, rel)
			if rel.ToID == end {
				paths = append(paths, pathFromTrail(start, next, "weight"))
				continue
			}
			onPath[rel.ToID] = true
			if err := walk(rel.ToID, next); err != nil {
				return err
			}
			delete(onPath, rel.ToID)
		}
		return nil
	}
	if err := walk(start, nil); err != nil {
		return nil, err
	}

	sort.Slice(paths, func(i, j int) bool {
		if paths[i].TotalWeight != paths[j].TotalWeight {
			return paths[i].TotalWeight > paths[j].TotalWeight
		}
		return paths[i].Hops < paths[j].Hops
	})
	if len(paths) > limit {
		paths = paths[:limit]
	}
	return paths, nil
}

func pathFromTrail(start string, trail []*types.Relationship, weightProp string) *Path {
	edges := make([]*types.Relationship, len(trail))
	copy(edges, trail)
	nodes := []string{start}
	total := 0.0
	for _, rel := range edges {
		nodes = append(nodes, rel.ToID)
		total += edgeWeight(rel, weightProp)
	}
	return &Path{NodeIDs: nodes, Edges: edges, Hops: len(edges), TotalWeight: total}
}

// Ranking is one entry of the criticality ranking.
type Ranking struct {
	CI            *types.CI `json:"ci"`
	Score         float64   `json:"score"`
	InboundCount  int       `json:"inboundCount"`
	OutboundCount int       `json:"outboundCount"`
}

// CriticalityRankings scores every CI by weighted degree: 60% inbound,
// 40% outbound, each as count times average edge weight. Returns the top
// limit entries by descending score.
func (s *Service) CriticalityRankings(limit int) ([]*Ranking, error) {
	if limit <= 0 {
		limit = 10
	}
	cis, err := s.store.ListCIs("", 0)
	if err != nil {
		return nil, err
	}

	var rankings []*Ranking
	for _, ci := range cis {
		inbound, err := s.store.EdgesTo(ci.ID)
		if err != nil {
			return nil, err
		}
		outbound, err := s.store.EdgesFrom(ci.ID)
		if err != nil {
			return nil, err
		}

		inCount, inAvg := degreeStats(inbound)
		outCount, outAvg := degreeStats(outbound)
		rankings = append(rankings, &Ranking{
			CI:            ci,
			Score:         float64(inCount)*inAvg*0.6 + float64(outCount)*outAvg*0.4,
			InboundCount:  inCount,
			OutboundCount: outCount,
		})
	}

	sort.Slice(rankings, func(i, j int) bool {
		return rankings[i].Score > rankings[j].Score
	})
	if len(rankings) > limit {
		rankings = rankings[:limit]
	}
	return rankings, nil
}

func degreeStats(edges []*types.Relationship) (int, float64) {
	count := 0
	sum := 0.0
	for _, rel := range edges {
		count++
		sum += edgeWeight(rel, "weight")
	}
	if count == 0 {
		return 0, 0
	}
	return count, sum / float64(count)
}

// AutoCalculateWeights recomputes criticalityScore and weight from the
// endpoint criticalities for every edge of the given type whose weight
// is unset or previously auto-calculated. Returns the number of edges
// updated.
func (s *Service) AutoCalculateWeights(relType types.RelationshipType) (int, error) {
	if !types.ValidRelationshipType(relType) {
		return 0, fmt.Errorf("%w: %s", errdefs.ErrInvalidRelationshipType, relType)
	}

	edges, err := s.store.Edges()
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, rel := range edges {
		if rel.Type != relType {
			continue
		}
		if rel.Weights.Weight != nil && rel.Weights.Source != types.WeightSourceAutomated {
			continue
		}

		src, err := s.store.GetCI(rel.FromID)
		if err != nil {
			return updated, err
		}
		tgt, err := s.store.GetCI(rel.ToID)
		if err != nil {
			return updated, err
		}

		srcScore := weight.CriticalityToScore(src.Criticality)
		tgtScore := weight.CriticalityToScore(tgt.Criticality)
		cs := weight.CriticalityScore(weight.CriticalityInput{
			SourceCriticality:  srcScore,
			TargetCriticality:  tgtScore,
			BusinessImpact:     (srcScore + tgtScore) / 2,
			RedundancyLevel:    rel.Weights.RedundancyLevel,
			RecoveryComplexity: 0.5,
		})
		load := 0.0
		if rel.Weights.LoadFactor != nil {
			load = *rel.Weights.LoadFactor
		}
		w := weight.OverallWeight(weight.OverallInput{
			CriticalityScore: cs,
			LoadFactor:       load,
			LatencyMs:        rel.Weights.LatencyMs,
			RedundancyLevel:  rel.Weights.RedundancyLevel,
		})

		rel.Weights.CriticalityScore = &cs
		rel.Weights.Weight = &w
		rel.Weights.Source = types.WeightSourceAutomated
		rel.Weights.Confidence = 0.8
		rel.Weights.LastUpdated = s.now()

		if err := s.store.PutEdge(rel); err != nil {
			return updated, err
		}
		updated++
	}

	s.logger.Info().Int("updated", updated).Str("type", string(relType)).Msg("auto-calculated weights")
	return updated, nil
}

// edgeWeight extracts the requested weight property, defaulting missing
// values to zero.
func edgeWeight(rel *types.Relationship, prop string) float64 {
	switch prop {
	case "", "weight":
		if rel.Weights.Weight != nil {
			return *rel.Weights.Weight
		}
	case "criticalityScore":
		if rel.Weights.CriticalityScore != nil {
			return *rel.Weights.CriticalityScore
		}
	case "loadFactor":
		if rel.Weights.LoadFactor != nil {
			return *rel.Weights.LoadFactor
		}
	case "latencyMs":
		return rel.Weights.LatencyMs
	}
	return 0
}

// inForce reports whether an edge participates in live traversals:
// plain edges always, versioned edges only while ACTIVE, conditional
// edges only while activated.
func inForce(rel *types.Relationship, now time.Time) bool {
	if rel.Temporal != nil && rel.Temporal.Status != types.VersionActive {
		return false
	}
	if rel.Conditional != nil && !rel.Conditional.IsActive {
		return false
	}
	return true
}
