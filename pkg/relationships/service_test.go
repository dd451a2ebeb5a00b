package relationships

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratoform/lattice/pkg/errdefs"
	"github.com/stratoform/lattice/pkg/graph"
	"github.com/stratoform/lattice/pkg/types"
)

func newTestService(t *testing.T) (*Service, graph.Store) {
	t.Helper()
	store, err := graph.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewService(store), store
}

func addCI(t *testing.T, store graph.Store, id string, crit types.Criticality) {
	t.Helper()
	require.NoError(t, store.CreateCI(&types.CI{
		ID: id, Name: id, Type: types.CITypeServer,
		Status: types.CIStatusOperational, Criticality: crit,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
}

func fp(v float64) *float64 { return &v }

func TestCreateWeightedUpsert(t *testing.T) {
	svc, store := newTestService(t)
	addCI(t, store, "app", types.CriticalityHigh)
	addCI(t, store, "db", types.CriticalityCritical)

	rel, err := svc.CreateWeighted("app", "db", types.RelDependsOn, WeightUpdate{
		Weight: fp(0.5), Source: types.WeightSourceManual,
	})
	require.NoError(t, err)
	assert.Equal(t, 0.5, *rel.Weights.Weight)

	// Second create merges onto the same edge
	rel2, err := svc.CreateWeighted("app", "db", types.RelDependsOn, WeightUpdate{
		Weight: fp(0.9),
	})
	require.NoError(t, err)
	assert.Equal(t, rel.ID, rel2.ID)
	assert.Equal(t, 0.9, *rel2.Weights.Weight)
	assert.Equal(t, types.WeightSourceManual, rel2.Weights.Source)

	edges, err := store.EdgesBetween("app", "db")
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestCreateWeightedValidation(t *testing.T) {
	svc, store := newTestService(t)
	addCI(t, store, "app", types.CriticalityHigh)

	_, err := svc.CreateWeighted("app", "ghost", types.RelDependsOn, WeightUpdate{})
	assert.ErrorIs(t, err, errdefs.ErrCINotFound)

	_, err = svc.CreateWeighted("app", "app", types.RelationshipType("EXPLODES"), WeightUpdate{})
	assert.ErrorIs(t, err, errdefs.ErrInvalidRelationshipType)
}

func TestGetWeighted(t *testing.T) {
	svc, store := newTestService(t)
	addCI(t, store, "app", types.CriticalityHigh)
	addCI(t, store, "db", types.CriticalityHigh)

	_, found, err := svc.GetWeighted("app", "db", types.RelDependsOn)
	require.NoError(t, err)
	assert.False(t, found)

	_, err = svc.CreateWeighted("app", "db", types.RelDependsOn, WeightUpdate{Weight: fp(0.4)})
	require.NoError(t, err)

	props, found, err := svc.GetWeighted("app", "db", types.RelDependsOn)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 0.4, *props.Weight)
}

// Builds a diamond: a -> b -> d and a -> c -> d plus a direct a -> d.
func buildDiamond(t *testing.T, svc *Service, store graph.Store) {
	for _, id := range []string{"a", "b", "c", "d"} {
		addCI(t, store, id, types.CriticalityMedium)
	}
	mustEdge := func(from, to string, w float64) {
		_, err := svc.CreateWeighted(from, to, types.RelDependsOn, WeightUpdate{Weight: fp(w)})
		require.NoError(t, err)
	}
	mustEdge("a", "b", 0.9)
	mustEdge("b", "d", 0.9)
	mustEdge("a", "c", 0.1)
	mustEdge("c", "d", 0.1)
	mustEdge("a", "d", 0.3)
}

func TestShortestPath(t *testing.T) {
	svc, store := newTestService(t)
	buildDiamond(t, svc, store)

	path, found, err := svc.ShortestPath("a", "d", "weight", 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, path.Hops)
	assert.Equal(t, []string{"a", "d"}, path.NodeIDs)
	assert.InDelta(t, 0.3, path.TotalWeight, 1e-9)
}

func TestShortestPathNoRoute(t *testing.T) {
	svc, store := newTestService(t)
	addCI(t, store, "x", types.CriticalityLow)
	addCI(t, store, "y", types.CriticalityLow)

	_, found, err := svc.ShortestPath("x", "y", "weight", 0)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestShortestPathRespectsMaxDepth(t *testing.T) {
	svc, store := newTestService(t)
	for _, id := range []string{"n1", "n2", "n3", "n4"} {
		addCI(t, store, id, types.CriticalityLow)
	}
	for _, pair := range [][2]string{{"n1", "n2"}, {"n2", "n3"}, {"n3", "n4"}} {
		_, err := svc.CreateWeighted(pair[0], pair[1], types.RelDependsOn, WeightUpdate{Weight: fp(0.5)})
		require.NoError(t, err)
	}

	_, found, err := svc.ShortestPath("n1", "n4", "weight", 2)
	require.NoError(t, err)
	assert.False(t, found)

	path, found, err := svc.ShortestPath("n1", "n4", "weight", 3)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, path.Hops)
}

func TestAllPathsOrdering(t *testing.T) {
	svc, store := newTestService(t)
	buildDiamond(t, svc, store)

	paths, err := svc.AllPaths("a", "d", 5, 10)
	require.NoError(t, err)
	require.Len(t, paths, 3)

	// Descending total weight
	assert.InDelta(t, 1.8, paths[0].TotalWeight, 1e-9)
	assert.InDelta(t, 0.3, paths[1].TotalWeight, 1e-9)
	assert.InDelta(t, 0.2, paths[2].TotalWeight, 1e-9)

	// Limit is honored
	paths, err = svc.AllPaths("a", "d", 5, 1)
	require.NoError(t, err)
	assert.Len(t, paths, 1)
}

func TestAllPathsAllowlist(t *testing.T) {
	svc, store := newTestService(t)
	addCI(t, store, "a", types.CriticalityMedium)
	addCI(t, store, "b", types.CriticalityMedium)

	// MONITORS is outside the traversal allow-list
	_, err := svc.CreateWeighted("a", "b", types.RelMonitors, WeightUpdate{Weight: fp(1.0)})
	require.NoError(t, err)

	paths, err := svc.AllPaths("a", "b", 5, 10)
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestCriticalityRankings(t *testing.T) {
	svc, store := newTestService(t)
	buildDiamond(t, svc, store)

	rankings, err := svc.CriticalityRankings(2)
	require.NoError(t, err)
	require.Len(t, rankings, 2)

	// d has the heaviest inbound degree (0.9 + 0.1 + 0.3 over 3 edges)
	assert.Equal(t, "d", rankings[0].CI.ID)
	assert.GreaterOrEqual(t, rankings[0].Score, rankings[1].Score)
}

func TestAutoCalculateWeights(t *testing.T) {
	svc, store := newTestService(t)
	addCI(t, store, "app", types.CriticalityCritical)
	addCI(t, store, "db", types.CriticalityCritical)
	addCI(t, store, "cache", types.CriticalityLow)

	// Manual weight must not be touched
	_, err := svc.CreateWeighted("app", "cache", types.RelDependsOn, WeightUpdate{
		Weight: fp(0.42), Source: types.WeightSourceManual,
	})
	require.NoError(t, err)

	// Weightless edge gets auto-calculated
	_, err = svc.CreateWeighted("app", "db", types.RelDependsOn, WeightUpdate{})
	require.NoError(t, err)

	updated, err := svc.AutoCalculateWeights(types.RelDependsOn)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	props, found, err := svc.GetWeighted("app", "db", types.RelDependsOn)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, props.Weight)
	assert.Greater(t, *props.Weight, 0.0)
	assert.LessOrEqual(t, *props.Weight, 1.0)
	assert.Equal(t, types.WeightSourceAutomated, props.Source)
	assert.Equal(t, 0.8, props.Confidence)

	manual, _, err := svc.GetWeighted("app", "cache", types.RelDependsOn)
	require.NoError(t, err)
	assert.Equal(t, 0.42, *manual.Weight)
}
