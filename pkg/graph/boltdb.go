package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/stratoform/lattice/pkg/errdefs"
	"github.com/stratoform/lattice/pkg/metrics"
	"github.com/stratoform/lattice/pkg/types"
)

var (
	// Bucket names
	bucketCIs    = []byte("cis")
	bucketEdges  = []byte("edges")
	bucketEvents = []byte("events")
	bucketOut    = []byte("idx_out") // fromID \x00 edgeID -> edgeID
	bucketIn     = []byte("idx_in")  // toID \x00 edgeID -> edgeID
)

const idxSep = "\x00"

// BoltStore implements Store using bbolt.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the graph database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	return openBolt(filepath.Join(dataDir, "lattice.db"))
}

// OpenBoltStore opens the graph database at an explicit path, as given
// by GRAPH_URI.
func OpenBoltStore(path string) (*BoltStore, error) {
	return openBolt(path)
}

func openBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", errdefs.ErrQueryFailure, path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCIs, bucketEdges, bucketEvents, bucketOut, bucketIn} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", errdefs.ErrQueryFailure, err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// CI operations

func (s *BoltStore) CreateCI(ci *types.CI) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCIs)
		if b.Get([]byte(ci.ID)) != nil {
			return fmt.Errorf("%w: ci %s", errdefs.ErrAlreadyExists, ci.ID)
		}
		data, err := json.Marshal(ci)
		if err != nil {
			return fmt.Errorf("%w: encode ci: %v", errdefs.ErrQueryFailure, err)
		}
		return b.Put([]byte(ci.ID), data)
	})
}

func (s *BoltStore) UpdateCI(ci *types.CI) error {
	return s.putCI(ci)
}

func (s *BoltStore) putCI(ci *types.CI) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCIs)
		data, err := json.Marshal(ci)
		if err != nil {
			return fmt.Errorf("%w: encode ci: %v", errdefs.ErrQueryFailure, err)
		}
		return b.Put([]byte(ci.ID), data)
	})
}

func (s *BoltStore) GetCI(id string) (*types.CI, error) {
	var ci types.CI
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCIs).Get([]byte(id))
		if data == nil {
			return errdefs.CINotFound(id)
		}
		return json.Unmarshal(data, &ci)
	})
	if err != nil {
		return nil, err
	}
	ci.Properties = NormalizeProperties(ci.Properties)
	return &ci, nil
}

func (s *BoltStore) ListCIs(ciType types.CIType, limit int) ([]*types.CI, error) {
	var cis []*types.CI
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCIs).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(cis) >= limit {
				break
			}
			var ci types.CI
			if err := json.Unmarshal(v, &ci); err != nil {
				return err
			}
			if ciType != "" && ci.Type != ciType {
				continue
			}
			ci.Properties = NormalizeProperties(ci.Properties)
			cis = append(cis, &ci)
		}
		return nil
	})
	return cis, err
}

func (s *BoltStore) CountCIs(ciType types.CIType) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCIs)
		if ciType == "" {
			count = b.Stats().KeyN
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var ci types.CI
			if err := json.Unmarshal(v, &ci); err != nil {
				return err
			}
			if ci.Type == ciType {
				count++
			}
			return nil
		})
	})
	return count, err
}

// DeleteCI removes a CI and every edge touching it in one transaction.
func (s *BoltStore) DeleteCI(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		cis := tx.Bucket(bucketCIs)
		if cis.Get([]byte(id)) == nil {
			return errdefs.CINotFound(id)
		}

		for _, edgeID := range indexScan(tx.Bucket(bucketOut), id) {
			if err := deleteEdgeTx(tx, edgeID); err != nil {
				return err
			}
		}
		for _, edgeID := range indexScan(tx.Bucket(bucketIn), id) {
			if err := deleteEdgeTx(tx, edgeID); err != nil {
				return err
			}
		}

		return cis.Delete([]byte(id))
	})
}

// Relationship operations

func (s *BoltStore) PutEdge(rel *types.Relationship) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		cis := tx.Bucket(bucketCIs)
		if cis.Get([]byte(rel.FromID)) == nil {
			return errdefs.CINotFound(rel.FromID)
		}
		if cis.Get([]byte(rel.ToID)) == nil {
			return errdefs.CINotFound(rel.ToID)
		}

		data, err := json.Marshal(rel)
		if err != nil {
			return fmt.Errorf("%w: encode relationship: %v", errdefs.ErrQueryFailure, err)
		}
		if err := tx.Bucket(bucketEdges).Put([]byte(rel.ID), data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketOut).Put(indexKey(rel.FromID, rel.ID), []byte(rel.ID)); err != nil {
			return err
		}
		return tx.Bucket(bucketIn).Put(indexKey(rel.ToID, rel.ID), []byte(rel.ID))
	})
}

func (s *BoltStore) GetEdge(id string) (*types.Relationship, error) {
	var rel types.Relationship
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEdges).Get([]byte(id))
		if data == nil {
			return errdefs.RelationshipNotFound(id)
		}
		return json.Unmarshal(data, &rel)
	})
	if err != nil {
		return nil, err
	}
	rel.Properties = NormalizeProperties(rel.Properties)
	return &rel, nil
}

func (s *BoltStore) DeleteEdge(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketEdges).Get([]byte(id)) == nil {
			return errdefs.RelationshipNotFound(id)
		}
		return deleteEdgeTx(tx, id)
	})
}

func deleteEdgeTx(tx *bolt.Tx, id string) error {
	edges := tx.Bucket(bucketEdges)
	data := edges.Get([]byte(id))
	if data == nil {
		return nil
	}
	var rel types.Relationship
	if err := json.Unmarshal(data, &rel); err != nil {
		return err
	}
	if err := tx.Bucket(bucketOut).Delete(indexKey(rel.FromID, id)); err != nil {
		return err
	}
	if err := tx.Bucket(bucketIn).Delete(indexKey(rel.ToID, id)); err != nil {
		return err
	}
	return edges.Delete([]byte(id))
}

func (s *BoltStore) EdgesFrom(ciID string) ([]*types.Relationship, error) {
	return s.edgesByIndex(bucketOut, ciID)
}

func (s *BoltStore) EdgesTo(ciID string) ([]*types.Relationship, error) {
	return s.edgesByIndex(bucketIn, ciID)
}

func (s *BoltStore) edgesByIndex(bucket []byte, ciID string) ([]*types.Relationship, error) {
	var rels []*types.Relationship
	err := s.db.View(func(tx *bolt.Tx) error {
		edges := tx.Bucket(bucketEdges)
		for _, edgeID := range indexScan(tx.Bucket(bucket), ciID) {
			data := edges.Get([]byte(edgeID))
			if data == nil {
				continue
			}
			var rel types.Relationship
			if err := json.Unmarshal(data, &rel); err != nil {
				return err
			}
			rel.Properties = NormalizeProperties(rel.Properties)
			rels = append(rels, &rel)
		}
		return nil
	})
	return rels, err
}

func (s *BoltStore) EdgesBetween(fromID, toID string) ([]*types.Relationship, error) {
	all, err := s.EdgesFrom(fromID)
	if err != nil {
		return nil, err
	}
	var rels []*types.Relationship
	for _, rel := range all {
		if rel.ToID == toID {
			rels = append(rels, rel)
		}
	}
	return rels, nil
}

func (s *BoltStore) Edges() ([]*types.Relationship, error) {
	var rels []*types.Relationship
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEdges).ForEach(func(k, v []byte) error {
			var rel types.Relationship
			if err := json.Unmarshal(v, &rel); err != nil {
				return err
			}
			rel.Properties = NormalizeProperties(rel.Properties)
			rels = append(rels, &rel)
			return nil
		})
	})
	return rels, err
}

// Event operations

func (s *BoltStore) PutEvent(ev *types.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("%w: encode event: %v", errdefs.ErrQueryFailure, err)
		}
		return tx.Bucket(bucketEvents).Put([]byte(ev.ID), data)
	})
}

func (s *BoltStore) ListEvents(limit int) ([]*types.Event, error) {
	var events []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(events) >= limit {
				break
			}
			var ev types.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			events = append(events, &ev)
		}
		return nil
	})
	return events, err
}

// Clear deletes every node, edge and event.
func (s *BoltStore) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCIs, bucketEdges, bucketEvents, bucketOut, bucketIn} {
			if err := tx.DeleteBucket(bucket); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Stats() (*Stats, error) {
	stats := &Stats{
		CIsByType:   make(map[string]int),
		EdgesByType: make(map[string]int),
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketCIs).ForEach(func(k, v []byte) error {
			var ci types.CI
			if err := json.Unmarshal(v, &ci); err != nil {
				return err
			}
			stats.CIs++
			stats.CIsByType[string(ci.Type)]++
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketEdges).ForEach(func(k, v []byte) error {
			var rel types.Relationship
			if err := json.Unmarshal(v, &rel); err != nil {
				return err
			}
			stats.Edges++
			stats.EdgesByType[string(rel.Type)]++
			return nil
		}); err != nil {
			return err
		}
		stats.Events = tx.Bucket(bucketEvents).Stats().KeyN
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Stats is the single full scan over the store; the graph gauges
	// refresh here so /metrics tracks whatever /health last observed.
	metrics.CIsTotal.Reset()
	for ciType, count := range stats.CIsByType {
		metrics.CIsTotal.WithLabelValues(ciType).Set(float64(count))
	}
	metrics.RelationshipsTotal.Set(float64(stats.Edges))

	return stats, nil
}

// indexKey builds the composite adjacency key for a (ci, edge) pair.
func indexKey(ciID, edgeID string) []byte {
	return []byte(ciID + idxSep + edgeID)
}

// indexScan returns every edge id indexed under ciID.
func indexScan(b *bolt.Bucket, ciID string) []string {
	prefix := []byte(ciID + idxSep)
	var ids []string
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		ids = append(ids, string(v))
	}
	return ids
}
