package graph

import (
	"github.com/stratoform/lattice/pkg/types"
)

// Store defines the gateway interface to the property graph.
type Store interface {
	// CIs. CreateCI fails with ErrAlreadyExists on a taken id; UpdateCI
	// upserts, which keeps generator batch replays idempotent.
	CreateCI(ci *types.CI) error
	GetCI(id string) (*types.CI, error)
	UpdateCI(ci *types.CI) error
	DeleteCI(id string) error // detach-delete: removes touching edges
	ListCIs(ciType types.CIType, limit int) ([]*types.CI, error)
	CountCIs(ciType types.CIType) (int, error)

	// Relationships. PutEdge upserts by relationship ID and fails when
	// either endpoint is missing.
	PutEdge(rel *types.Relationship) error
	GetEdge(id string) (*types.Relationship, error)
	DeleteEdge(id string) error
	EdgesFrom(ciID string) ([]*types.Relationship, error)
	EdgesTo(ciID string) ([]*types.Relationship, error)
	EdgesBetween(fromID, toID string) ([]*types.Relationship, error)
	Edges() ([]*types.Relationship, error)

	// Events
	PutEvent(ev *types.Event) error
	ListEvents(limit int) ([]*types.Event, error)

	// Utility
	Clear() error
	Stats() (*Stats, error)
	Close() error
}

// Stats aggregates store-wide counts.
type Stats struct {
	CIs         int            `json:"cis"`
	Edges       int            `json:"relationships"`
	Events      int            `json:"events"`
	CIsByType   map[string]int `json:"cisByType"`
	EdgesByType map[string]int `json:"relationshipsByType"`
}
