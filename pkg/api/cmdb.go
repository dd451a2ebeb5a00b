package api

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stratoform/lattice/pkg/errdefs"
	"github.com/stratoform/lattice/pkg/types"
)

const (
	defaultTopologyDepth = 3
	maxTopologyNodes     = 500
	defaultBrowseLimit   = 50
	maxBrowseLimit       = 500
)

// browseSortFields is the sort allow-list for the browse endpoint.
var browseSortFields = map[string]bool{
	"name": true, "type": true, "status": true,
	"updatedAt": true, "createdAt": true,
}

func (s *Server) handleListCIs(w http.ResponseWriter, r *http.Request) {
	ciType := types.CIType(r.URL.Query().Get("type"))
	limit := queryInt(r, "limit", 100)

	cis, err := s.Store.ListCIs(ciType, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": cis, "count": len(cis)})
}

func (s *Server) handleCountCIs(w http.ResponseWriter, r *http.Request) {
	count, err := s.Store.CountCIs(types.CIType(r.URL.Query().Get("type")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

type createCIRequest struct {
	ID          string         `json:"id"`
	Name        string         `json:"name" validate:"required"`
	Type        string         `json:"type" validate:"required"`
	Status      string         `json:"status"`
	Criticality string         `json:"criticality"`
	Properties  map[string]any `json:"properties"`
}

func (s *Server) handleCreateCI(w http.ResponseWriter, r *http.Request) {
	var req createCIRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	now := time.Now()
	ci := &types.CI{
		ID:          req.ID,
		Name:        req.Name,
		Type:        types.CIType(req.Type),
		Status:      types.CIStatus(req.Status),
		Criticality: types.Criticality(req.Criticality),
		Properties:  req.Properties,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if ci.ID == "" {
		ci.ID = uuid.New().String()
	}
	if ci.Status == "" {
		ci.Status = types.CIStatusOperational
	}
	if ci.Criticality == "" {
		ci.Criticality = types.CriticalityMedium
	}

	if err := s.Store.CreateCI(ci); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ci)
}

func (s *Server) handleGetCI(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ci, err := s.Store.GetCI(id)
	if err != nil {
		writeError(w, err)
		return
	}

	out, err := s.Store.EdgesFrom(id)
	if err != nil {
		writeError(w, err)
		return
	}
	in, err := s.Store.EdgesTo(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"item":          ci,
		"outboundCount": len(out),
		"inboundCount":  len(in),
	})
}

type updateCIRequest struct {
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Status      string         `json:"status"`
	Criticality string         `json:"criticality"`
	Properties  map[string]any `json:"properties"`
}

func (s *Server) handleUpdateCI(w http.ResponseWriter, r *http.Request) {
	ci, err := s.Store.GetCI(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var req updateCIRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if req.Name != "" {
		ci.Name = req.Name
	}
	if req.Type != "" {
		ci.Type = types.CIType(req.Type)
	}
	if req.Status != "" {
		ci.Status = types.CIStatus(req.Status)
	}
	if req.Criticality != "" {
		ci.Criticality = types.Criticality(req.Criticality)
	}
	if req.Properties != nil {
		if ci.Properties == nil {
			ci.Properties = map[string]any{}
		}
		for k, v := range req.Properties {
			ci.Properties[k] = v
		}
	}
	ci.UpdatedAt = time.Now()

	if err := s.Store.UpdateCI(ci); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ci)
}

func (s *Server) handleDeleteCI(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Store.DeleteCI(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleCIRelationships(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.Store.GetCI(id); err != nil {
		writeError(w, err)
		return
	}

	out, err := s.Store.EdgesFrom(id)
	if err != nil {
		writeError(w, err)
		return
	}
	in, err := s.Store.EdgesTo(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outbound": out, "inbound": in})
}

// handleTopology walks the graph breadth-first from startNode (or over
// everything when omitted), bounded by depth and a node cap.
func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	startNode := r.URL.Query().Get("startNode")
	depth := queryInt(r, "depth", defaultTopologyDepth)
	typeFilter := types.RelationshipType(r.URL.Query().Get("type"))
	limit := queryInt(r, "limit", maxTopologyNodes)
	if limit > maxTopologyNodes {
		limit = maxTopologyNodes
	}

	nodes := make([]*types.CI, 0)
	edges := make([]*types.Relationship, 0)
	seenNode := map[string]bool{}
	seenEdge := map[string]bool{}

	addNode := func(id string) bool {
		if seenNode[id] || len(nodes) >= limit {
			return seenNode[id]
		}
		ci, err := s.Store.GetCI(id)
		if err != nil {
			return false
		}
		seenNode[id] = true
		nodes = append(nodes, ci)
		return true
	}
	wantEdge := func(rel *types.Relationship) bool {
		return typeFilter == "" || rel.Type == typeFilter
	}

	if startNode == "" {
		cis, err := s.Store.ListCIs("", limit)
		if err != nil {
			writeError(w, err)
			return
		}
		for _, ci := range cis {
			seenNode[ci.ID] = true
			nodes = append(nodes, ci)
		}
		all, err := s.Store.Edges()
		if err != nil {
			writeError(w, err)
			return
		}
		for _, rel := range all {
			if wantEdge(rel) && seenNode[rel.FromID] && seenNode[rel.ToID] {
				edges = append(edges, rel)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "relationships": edges})
		return
	}

	if _, err := s.Store.GetCI(startNode); err != nil {
		writeError(w, err)
		return
	}
	addNode(startNode)

	frontier := []string{startNode}
	for d := 0; d < depth && len(frontier) > 0 && len(nodes) < limit; d++ {
		var next []string
		for _, id := range frontier {
			neighbors, err := s.adjacentEdges(id)
			if err != nil {
				writeError(w, err)
				return
			}
			for _, n := range neighbors {
				if !wantEdge(n.rel) {
					continue
				}
				if !seenNode[n.other] {
					if !addNode(n.other) {
						continue
					}
					next = append(next, n.other)
				}
				if !seenEdge[n.rel.ID] {
					seenEdge[n.rel.ID] = true
					edges = append(edges, n.rel)
				}
			}
		}
		frontier = next
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "relationships": edges})
}

type adjacency struct {
	other string
	rel   *types.Relationship
}

func (s *Server) adjacentEdges(id string) ([]adjacency, error) {
	var result []adjacency
	out, err := s.Store.EdgesFrom(id)
	if err != nil {
		return nil, err
	}
	for _, rel := range out {
		result = append(result, adjacency{other: rel.ToID, rel: rel})
	}
	in, err := s.Store.EdgesTo(id)
	if err != nil {
		return nil, err
	}
	for _, rel := range in {
		result = append(result, adjacency{other: rel.FromID, rel: rel})
	}
	return result, nil
}

// impactEntry is one reachable CI with its hop distance.
type impactEntry struct {
	CI        *types.CI `json:"ci"`
	Distance  int       `json:"hopDistance"`
	Direction string    `json:"direction"`
}

// handleImpact walks dependency edges from a CI. Upstream follows
// inbound edges (who depends on this), downstream outbound.
func (s *Server) handleImpact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	direction := r.URL.Query().Get("direction")
	if direction == "" {
		direction = "both"
	}
	if direction != "upstream" && direction != "downstream" && direction != "both" {
		writeError(w, errdefs.Validationf("direction must be upstream, downstream or both"))
		return
	}
	depth := queryInt(r, "depth", defaultTopologyDepth)

	if _, err := s.Store.GetCI(id); err != nil {
		writeError(w, err)
		return
	}

	var entries []impactEntry
	for _, dir := range []string{"upstream", "downstream"} {
		if direction != "both" && direction != dir {
			continue
		}
		found, err := s.impactWalk(id, dir, depth)
		if err != nil {
			writeError(w, err)
			return
		}
		entries = append(entries, found...)
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Distance < entries[j].Distance })
	writeJSON(w, http.StatusOK, map[string]any{
		"ciId":     id,
		"impacted": entries,
		"count":    len(entries),
	})
}

func (s *Server) impactWalk(id, direction string, depth int) ([]impactEntry, error) {
	visited := map[string]bool{id: true}
	frontier := []string{id}
	var entries []impactEntry

	for d := 1; d <= depth && len(frontier) > 0; d++ {
		var next []string
		for _, cur := range frontier {
			var rels []*types.Relationship
			var err error
			if direction == "upstream" {
				rels, err = s.Store.EdgesTo(cur)
			} else {
				rels, err = s.Store.EdgesFrom(cur)
			}
			if err != nil {
				return nil, err
			}
			for _, rel := range rels {
				other := rel.FromID
				if direction == "downstream" {
					other = rel.ToID
				}
				if visited[other] {
					continue
				}
				visited[other] = true
				ci, err := s.Store.GetCI(other)
				if err != nil {
					continue
				}
				entries = append(entries, impactEntry{CI: ci, Distance: d, Direction: direction})
				next = append(next, other)
			}
		}
		frontier = next
	}
	return entries, nil
}

// browseEntry pairs a CI with its relationship counts.
type browseEntry struct {
	*types.CI
	RelationshipCount int `json:"relationshipCount"`
}

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	search := strings.ToLower(q.Get("search"))
	ciType := types.CIType(q.Get("type"))
	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	limit := queryInt(r, "limit", defaultBrowseLimit)
	if limit > maxBrowseLimit {
		limit = maxBrowseLimit
	}
	if limit < 1 {
		limit = defaultBrowseLimit
	}

	sortBy := q.Get("sort")
	if sortBy == "" {
		sortBy = "name"
	}
	if !browseSortFields[sortBy] {
		writeError(w, errdefs.Validationf("sort must be one of name, type, status, updatedAt, createdAt"))
		return
	}
	descending := strings.EqualFold(q.Get("order"), "desc")

	cis, err := s.Store.ListCIs(ciType, 0)
	if err != nil {
		writeError(w, err)
		return
	}

	filtered := cis[:0]
	for _, ci := range cis {
		if search != "" && !strings.Contains(strings.ToLower(ci.Name), search) {
			continue
		}
		filtered = append(filtered, ci)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		less := ciLess(filtered[i], filtered[j], sortBy)
		if descending {
			return !less
		}
		return less
	})

	total := len(filtered)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	pageItems := make([]browseEntry, 0, end-start)
	for _, ci := range filtered[start:end] {
		out, err := s.Store.EdgesFrom(ci.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		in, err := s.Store.EdgesTo(ci.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		pageItems = append(pageItems, browseEntry{CI: ci, RelationshipCount: len(out) + len(in)})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": pageItems,
		"page":  page,
		"limit": limit,
		"total": total,
	})
}

func ciLess(a, b *types.CI, field string) bool {
	switch field {
	case "type":
		return a.Type < b.Type
	case "status":
		return a.Status < b.Status
	case "updatedAt":
		return a.UpdatedAt.Before(b.UpdatedAt)
	case "createdAt":
		return a.CreatedAt.Before(b.CreatedAt)
	default:
		return a.Name < b.Name
	}
}

func (s *Server) handleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Store.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDatabaseClear(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Clear(); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Warn().Msg("database cleared")
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
