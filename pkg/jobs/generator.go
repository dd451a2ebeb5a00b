package jobs

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/stratoform/lattice/pkg/errdefs"
	"github.com/stratoform/lattice/pkg/graph"
	"github.com/stratoform/lattice/pkg/types"
)

// generator batch size between cancellation checkpoints.
const generatorBatch = 250

var generatedStatuses = []types.CIStatus{
	types.CIStatusOperational, types.CIStatusOperational, types.CIStatusOperational,
	types.CIStatusOperational, types.CIStatusDegraded, types.CIStatusMaintenance,
}

var generatedCriticalities = []types.Criticality{
	types.CriticalityCritical, types.CriticalityHigh, types.CriticalityMedium,
	types.CriticalityMedium, types.CriticalityLow, types.CriticalityInfo,
}

var eventTemplates = []struct {
	severity types.Severity
	evType   string
	message  string
}{
	{types.SeverityCritical, "outage", "Service unresponsive"},
	{types.SeverityHigh, "performance", "Latency above SLO"},
	{types.SeverityMedium, "capacity", "Disk usage above 80%"},
	{types.SeverityLow, "config-drift", "Configuration drift detected"},
	{types.SeverityInfo, "deploy", "Deployment completed"},
}

// Generator builds a synthetic region / datacenter / server / app / db
// hierarchy directly into the graph store.
type Generator struct {
	store graph.Store
	rng   *rand.Rand
}

// NewGenerator creates a generator over the graph store.
func NewGenerator(store graph.Store) *Generator {
	return &Generator{
		store: store,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// progressFunc receives fractional completion of the CI stage in [0,1]
// and a human message. Returning an error aborts generation; the worker
// uses this for cooperative cancellation.
type progressFunc func(fraction float64, message string) error

// GenerateCIs builds the hierarchy and returns the number of CIs
// created. Cancellation is checked between batches through report.
func (g *Generator) GenerateCIs(cfg types.GeneratorConfig, runID string, report progressFunc) (int, error) {
	total := cfg.Regions + cfg.Regions*cfg.DCsPerRegion +
		cfg.Regions*cfg.DCsPerRegion*cfg.ServersPerDC +
		cfg.Applications + cfg.Databases
	if total <= 0 {
		return 0, errdefs.Validationf("generator config produces no CIs")
	}

	created := 0
	checkpoint := func(msg string) error {
		return report(float64(created)/float64(total), msg)
	}

	var servers []string
	var dbs []string

	for r := 0; r < cfg.Regions; r++ {
		regionID := fmt.Sprintf("%s-region-%d", runID, r)
		if err := g.createCI(regionID, regionID, types.CITypeRegion); err != nil {
			return created, err
		}
		created++

		for d := 0; d < cfg.DCsPerRegion; d++ {
			dcID := fmt.Sprintf("%s-dc-%d-%d", runID, r, d)
			if err := g.createCI(dcID, dcID, types.CITypeDataCenter); err != nil {
				return created, err
			}
			if err := g.link(dcID, regionID, types.RelLocatedIn); err != nil {
				return created, err
			}
			created++

			for s := 0; s < cfg.ServersPerDC; s++ {
				serverID := fmt.Sprintf("%s-srv-%d-%d-%d", runID, r, d, s)
				if err := g.createCI(serverID, serverID, types.CITypeServer); err != nil {
					return created, err
				}
				if err := g.link(serverID, dcID, types.RelHostedIn); err != nil {
					return created, err
				}
				servers = append(servers, serverID)
				created++

				if created%generatorBatch == 0 {
					if err := checkpoint("Generating infrastructure"); err != nil {
						return created, err
					}
				}
			}
		}
	}

	for i := 0; i < cfg.Databases; i++ {
		dbID := fmt.Sprintf("%s-db-%d", runID, i)
		if err := g.createCI(dbID, dbID, types.CITypeDatabase); err != nil {
			return created, err
		}
		if len(servers) > 0 {
			if err := g.link(dbID, servers[g.rng.Intn(len(servers))], types.RelRunsOn); err != nil {
				return created, err
			}
		}
		dbs = append(dbs, dbID)
		created++

		if created%generatorBatch == 0 {
			if err := checkpoint("Generating databases"); err != nil {
				return created, err
			}
		}
	}

	for i := 0; i < cfg.Applications; i++ {
		appID := fmt.Sprintf("%s-app-%d", runID, i)
		if err := g.createCI(appID, appID, types.CITypeWebApplication); err != nil {
			return created, err
		}
		if len(servers) > 0 {
			if err := g.link(appID, servers[g.rng.Intn(len(servers))], types.RelRunsOn); err != nil {
				return created, err
			}
		}
		if len(dbs) > 0 {
			if err := g.link(appID, dbs[g.rng.Intn(len(dbs))], types.RelDependsOn); err != nil {
				return created, err
			}
		}
		created++

		if created%generatorBatch == 0 {
			if err := checkpoint("Generating applications"); err != nil {
				return created, err
			}
		}
	}

	if err := checkpoint("Infrastructure generated"); err != nil {
		return created, err
	}
	return created, nil
}

// GenerateEvents attaches synthetic operational events to random CIs.
func (g *Generator) GenerateEvents(count int, runID string, report progressFunc) (int, error) {
	if count <= 0 {
		return 0, nil
	}

	cis, err := g.store.ListCIs("", count)
	if err != nil {
		return 0, err
	}

	created := 0
	for i := 0; i < count; i++ {
		tmpl := eventTemplates[g.rng.Intn(len(eventTemplates))]
		ev := &types.Event{
			ID:               uuid.New().String(),
			Source:           "generator",
			Message:          tmpl.message,
			Severity:         tmpl.severity,
			EventType:        tmpl.evType,
			Timestamp:        time.Now().Add(-time.Duration(g.rng.Intn(72)) * time.Hour),
			Status:           types.EventOpen,
			CorrelationScore: g.rng.Float64(),
		}
		if len(cis) > 0 {
			ev.AffectedCI = cis[g.rng.Intn(len(cis))].ID
		}
		if err := g.store.PutEvent(ev); err != nil {
			return created, err
		}
		created++

		if created%generatorBatch == 0 {
			if err := report(float64(created)/float64(count), "Generating events"); err != nil {
				return created, err
			}
		}
	}

	if err := report(1, "Events generated"); err != nil {
		return created, err
	}
	return created, nil
}

func (g *Generator) createCI(id, name string, ciType types.CIType) error {
	now := time.Now()
	props := map[string]any{
		"generated":   true,
		"currentLoad": float64(g.rng.Intn(100)),
	}
	// Upsert: a retried job replays batches it already wrote.
	return g.store.UpdateCI(&types.CI{
		ID:          id,
		Name:        name,
		Type:        ciType,
		Status:      generatedStatuses[g.rng.Intn(len(generatedStatuses))],
		Criticality: generatedCriticalities[g.rng.Intn(len(generatedCriticalities))],
		Properties:  props,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

func (g *Generator) link(fromID, toID string, relType types.RelationshipType) error {
	w := 0.2 + 0.8*g.rng.Float64()
	return g.store.PutEdge(&types.Relationship{
		ID:     uuid.New().String(),
		FromID: fromID,
		ToID:   toID,
		Type:   relType,
		Weights: types.WeightProperties{
			Weight:      &w,
			Source:      types.WeightSourceAutomated,
			Confidence:  0.5,
			LastUpdated: time.Now(),
		},
	})
}
