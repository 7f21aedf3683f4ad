package api

import (
	"net/http"
	"strings"

	"github.com/keboola/docloop/internal/projector"
	"github.com/keboola/docloop/internal/review"
)

// handleReviews handles GET /api/v1/reviews?state=
func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	state := strings.ToUpper(r.URL.Query().Get("state"))
	if state != "" && !validReviewState(state) {
		s.respondError(w, http.StatusBadRequest, "unknown review state: "+state)
		return
	}
	snap, err := s.app.Projector().ExportSnapshot(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	reviews := []projector.ReviewView{}
	for _, rv := range snap.Reviews {
		if state == "" || rv.State == state {
			reviews = append(reviews, rv)
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"reviews":    reviews,
		"count":      len(reviews),
		"generation": snap.Metadata.Generation,
	})
}

// handleReview routes /api/v1/reviews/{prID} and /api/v1/reviews/{prID}/step.
//
//	GET                      review state of one pull request
//	POST                     start the review chain in the background
//	POST ?sync=true          run the chain and return every transition
//	POST .../step            apply exactly one step
//	GET  .../chain           wait for a Temporal chain's result
func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	id := s.extractID(r.URL.Path, "/api/v1/reviews/")
	action := ""
	for _, suffix := range []string{"step", "chain"} {
		if strings.HasSuffix(id, "/"+suffix) {
			id = strings.TrimSuffix(id, "/"+suffix)
			action = suffix
			break
		}
	}
	if id == "" {
		s.respondError(w, http.StatusBadRequest, "pull request id is required")
		return
	}

	switch {
	case action == "step" && r.Method == http.MethodPost:
		s.stepReview(w, r, id)
	case action == "chain" && r.Method == http.MethodGet:
		s.reviewChain(w, r, id)
	case action == "" && r.Method == http.MethodGet:
		s.getReview(w, r, id)
	case action == "" && r.Method == http.MethodPost:
		s.startReview(w, r, id)
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) getReview(w http.ResponseWriter, r *http.Request, id string) {
	// Validates the id and reports missing pull requests as 404.
	if _, err := s.app.Store().GetNode(r.Context(), id); err != nil {
		s.respondErr(w, err)
		return
	}
	snap, err := s.app.Projector().ExportSnapshot(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	for _, rv := range snap.Reviews {
		if rv.PullRequestID == id {
			s.respondJSON(w, http.StatusOK, rv)
			return
		}
	}
	s.respondError(w, http.StatusNotFound, id+" is not under review")
}

func (s *Server) startReview(w http.ResponseWriter, r *http.Request, id string) {
	if r.URL.Query().Get("sync") == "true" {
		transitions, err := s.app.RunReview(r.Context(), id)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		last := transitions[len(transitions)-1]
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"pull_request_id": last.PullRequestID,
			"state":           last.To,
			"transitions":     transitions,
		})
		return
	}

	handle, err := s.app.StartReview(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, handle)
}

func (s *Server) stepReview(w http.ResponseWriter, r *http.Request, id string) {
	t, err := s.app.Step(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, t)
}

func (s *Server) reviewChain(w http.ResponseWriter, r *http.Request, id string) {
	if s.config.Review.Engine != "temporal" {
		s.respondError(w, http.StatusNotImplemented, "review engine is "+s.config.Review.Engine)
		return
	}
	status, err := s.app.ReviewChainStatus(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

// reviewStates lists the values accepted by ?state=
var reviewStates = []review.State{
	review.StatePendingReview,
	review.StateIterating,
	review.StateMerged,
	review.StateEscalated,
}

func validReviewState(v string) bool {
	for _, st := range reviewStates {
		if string(st) == v {
			return true
		}
	}
	return false
}
