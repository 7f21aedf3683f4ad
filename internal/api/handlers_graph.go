package api

import (
	"net/http"

	"github.com/keboola/docloop/internal/ingest"
	"github.com/keboola/docloop/pkg/models"
)

// handleNodes handles GET /api/v1/nodes?type=
func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	types := models.NodeTypes
	if v := r.URL.Query().Get("type"); v != "" {
		t := models.NodeType(v)
		if !t.Valid() {
			s.respondError(w, http.StatusBadRequest, "unknown node type: "+v)
			return
		}
		types = []models.NodeType{t}
	}

	nodes := []*models.Node{}
	for _, t := range types {
		list, err := s.app.Store().NodesByType(r.Context(), t)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		nodes = append(nodes, list...)
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"nodes": nodes,
		"count": len(nodes),
	})
}

type nodeResponse struct {
	Node     *models.Node   `json:"node"`
	Outgoing []*models.Edge `json:"outgoing"`
	Incoming []*models.Edge `json:"incoming"`
}

// handleNode handles GET and DELETE /api/v1/nodes/{id}
func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	id := s.extractID(r.URL.Path, "/api/v1/nodes/")
	if id == "" {
		s.respondError(w, http.StatusBadRequest, "node id is required")
		return
	}
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		node, err := s.app.Store().GetNode(ctx, id)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		out, err := s.app.Store().EdgesFrom(ctx, id)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		in, err := s.app.Store().EdgesTo(ctx, id)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, nodeResponse{Node: node, Outgoing: out, Incoming: in})

	case http.MethodDelete:
		if err := s.app.Store().DeleteNode(ctx, id); err != nil {
			s.respondErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

type edgeRequest struct {
	From         string              `json:"from"`
	To           string              `json:"to"`
	Relationship models.Relationship `json:"relationship"`
	Properties   models.Properties   `json:"properties,omitempty"`
}

// handleEdges handles GET /api/v1/edges?from=|to= and POST /api/v1/edges
func (s *Server) handleEdges(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		var (
			edges []*models.Edge
			err   error
		)
		switch {
		case q.Get("from") != "":
			edges, err = s.app.Store().EdgesFrom(ctx, q.Get("from"))
		case q.Get("to") != "":
			edges, err = s.app.Store().EdgesTo(ctx, q.Get("to"))
		default:
			s.respondError(w, http.StatusBadRequest, "from or to is required")
			return
		}
		if err != nil {
			s.respondErr(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"edges": edges,
			"count": len(edges),
		})

	case http.MethodPost:
		var req edgeRequest
		if err := s.parseJSON(r, &req); err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if req.From == "" || req.To == "" {
			s.respondError(w, http.StatusBadRequest, "from and to are required")
			return
		}
		edge, err := s.app.Store().UpsertEdge(ctx, req.From, req.To, req.Relationship, req.Properties)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, edge)

	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

type documentRequest struct {
	Path       string            `json:"path"`
	Properties models.Properties `json:"properties,omitempty"`
}

// handleDocuments handles POST /api/v1/documents. The response lists the
// skills the change feeds.
func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req documentRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	node, skills, err := s.app.Document(r.Context(), req.Path, req.Properties)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if skills == nil {
		skills = []string{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"node":   node,
		"skills": skills,
	})
}

// handleSkills handles POST /api/v1/skills
func (s *Server) handleSkills(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var spec ingest.SkillSpec
	if err := s.parseJSON(r, &spec); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	res, err := s.app.RegisterSkill(r.Context(), spec)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

// handleImpact handles GET /api/v1/impact/{id}
func (s *Server) handleImpact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	id := s.extractID(r.URL.Path, "/api/v1/impact/")
	if id == "" {
		s.respondError(w, http.StatusBadRequest, "node id is required")
		return
	}

	res, err := s.app.Analyzer().Analyze(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

// handleSnapshot handles GET /api/v1/snapshot and POST /api/v1/snapshot,
// which also writes the snapshot file.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		snap, err := s.app.Projector().ExportSnapshot(r.Context())
		if err != nil {
			s.respondErr(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, snap)

	case http.MethodPost:
		path := s.config.Snapshot.OutputPath
		if path == "" {
			s.respondError(w, http.StatusBadRequest, "snapshot output path is not configured")
			return
		}
		snap, err := s.app.Projector().WriteFile(r.Context(), path)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"path":     path,
			"metadata": snap.Metadata,
		})

	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleStats handles GET /api/v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	stats, err := s.app.Stats(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}
