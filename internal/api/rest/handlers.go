// Package rest serves a read-only view of the ledger over HTTP.
package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/clintrovert/autofix/internal/ledger"
)

// EntryReader reads ledger rows for one pull request
type EntryReader interface {
	EntriesFor(ctx context.Context, repo string, prNumber int) ([]ledger.ProcessedBug, error)
}

// Handler handles REST API requests
type Handler struct {
	entries EntryReader
	logger  *zap.Logger
}

// NewHandler creates a new REST handler
func NewHandler(entries EntryReader, logger *zap.Logger) *Handler {
	return &Handler{
		entries: entries,
		logger:  logger,
	}
}

// PullRequestBugsResponse lists the recorded bugs of one pull request
type PullRequestBugsResponse struct {
	Repo     string                `json:"repo"`
	PRNumber int                   `json:"pr_number"`
	Bugs     []ledger.ProcessedBug `json:"bugs"`
}

// GetPullRequestBugs handles GET /repos/{owner}/{repo}/pulls/{number}/bugs
func (h *Handler) GetPullRequestBugs(w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "repo")

	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number <= 0 {
		http.Error(w, "invalid pull request number", http.StatusBadRequest)
		return
	}

	bugs, err := h.entries.EntriesFor(r.Context(), repo, number)
	if err != nil {
		h.logger.Error("failed to read ledger",
			zap.String("repo", repo),
			zap.Int("pr_number", number),
			zap.Error(err),
		)
		http.Error(w, "failed to read ledger", http.StatusInternalServerError)
		return
	}
	if bugs == nil {
		bugs = []ledger.ProcessedBug{}
	}

	resp := PullRequestBugsResponse{
		Repo:     repo,
		PRNumber: number,
		Bugs:     bugs,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// RegisterRoutes registers REST API routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/repos/{owner}/{repo}/pulls/{number}/bugs", h.GetPullRequestBugs)
}

// NewRouter mounts the handler under /api/v1 next to a health check
func NewRouter(h *Handler) http.Handler {
	router := chi.NewRouter()
	router.Route("/api/v1", func(r chi.Router) {
		h.RegisterRoutes(r)
	})
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return router
}
