package httphandler

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ericfisherdev/repopulse/internal/application"
	"github.com/ericfisherdev/repopulse/internal/domain/model"
	"github.com/ericfisherdev/repopulse/internal/metrics"
)

// Handler is the HTTP driving adapter that serves the dashboard API.
type Handler struct {
	repos     *application.RepositoryService
	subs      *application.SubscriptionManager
	logger    *slog.Logger
	now       func() time.Time
	jwtSecret []byte
}

// HandlerOption configures optional Handler behavior.
type HandlerOption func(*Handler)

// WithJWTSecret makes the handler verify the HMAC signature of every access
// token against secret. An empty secret leaves tokens unverified, which is
// only safe when the data backend checks them itself.
func WithJWTSecret(secret string) HandlerOption {
	return func(h *Handler) {
		if secret != "" {
			h.jwtSecret = []byte(secret)
		}
	}
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(
	repos *application.RepositoryService,
	subs *application.SubscriptionManager,
	logger *slog.Logger,
	opts ...HandlerOption,
) *Handler {
	h := &Handler{
		repos:  repos,
		subs:   subs,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RouterOptions configures the cross-cutting middleware of NewRouter.
type RouterOptions struct {
	Metrics   *metrics.Metrics
	RateLimit float64 // requests per second per client; zero disables limiting
	RateBurst int
	// RequestTimeout bounds each data read. Change streams are exempt.
	RequestTimeout time.Duration
}

// NewRouter creates an http.Handler with all routes registered and wrapped
// with logging, metrics, recovery and rate limiting middleware.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	// Recovery innermost so panics are caught before logging and metrics.
	r.Use(func(next http.Handler) http.Handler { return loggingMiddleware(h.logger, next) })
	r.Use(opts.Metrics.InstrumentHandler)
	r.Use(func(next http.Handler) http.Handler { return recoveryMiddleware(h.logger, next) })

	r.Handle("/metrics", opts.Metrics.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		if opts.RateLimit > 0 {
			api.Use(newRateLimiter(opts.RateLimit, opts.RateBurst, h.logger).Handler)
		}

		api.Get("/health", h.Health)
		api.Get("/changes", h.StreamAllChanges)

		reads := withTimeout(opts.RequestTimeout)
		api.Route("/repositories", func(repos chi.Router) {
			repos.With(reads).Get("/", h.ListRepositories)

			repos.Route("/{id}", func(repo chi.Router) {
				repo.Use(requireRepositoryID)
				repo.With(reads).Get("/", h.GetRepository)
				repo.With(reads).Get("/commits", h.ListCommits)
				repo.With(reads).Get("/issues", h.ListIssues)
				repo.With(reads).Get("/pulls", h.ListPullRequests)
				repo.With(reads).Get("/analytics", h.GetAnalytics)
				repo.Get("/changes", h.StreamRepositoryChanges)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

// requireRepositoryID rejects requests whose {id} is not a UUID.
func requireRepositoryID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := uuid.Validate(chi.URLParam(r, "id")); err != nil {
			writeError(w, http.StatusBadRequest, "invalid repository id")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListRepositories returns every repository visible to the caller.
func (h *Handler) ListRepositories(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	res := h.repos.GetRepositories(r.Context(), sess)
	writeResult(w, res, func(repos []model.Repository) any {
		resp := make([]RepositoryResponse, 0, len(repos))
		for _, repo := range repos {
			resp = append(resp, toRepositoryResponse(repo))
		}
		return resp
	})
}

// GetRepository returns a single repository with owner and collaborators.
func (h *Handler) GetRepository(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	res := h.repos.GetRepository(r.Context(), sess, chi.URLParam(r, "id"))
	writeResult(w, res, func(repo *model.Repository) any {
		return toRepositoryResponse(*repo)
	})
}

// ListCommits returns recent commits. The optional limit query parameter
// caps the number of rows.
func (h *Handler) ListCommits(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > math.MaxInt32 {
			writeError(w, http.StatusBadRequest, "invalid limit: expected a positive integer")
			return
		}
		limit = n
	}

	res := h.repos.GetRepositoryCommits(r.Context(), sess, chi.URLParam(r, "id"), limit)
	writeResult(w, res, func(commits []model.Commit) any {
		resp := make([]CommitResponse, 0, len(commits))
		for _, c := range commits {
			resp = append(resp, toCommitResponse(c))
		}
		return resp
	})
}

// ListIssues returns issues, optionally filtered by the state parameter.
func (h *Handler) ListIssues(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	state := r.URL.Query().Get("state")
	if !isValidIssueState(state) {
		writeError(w, http.StatusBadRequest, "invalid state: expected open, closed or all")
		return
	}

	res := h.repos.GetRepositoryIssues(r.Context(), sess, chi.URLParam(r, "id"), state)
	writeResult(w, res, func(issues []model.Issue) any {
		resp := make([]IssueResponse, 0, len(issues))
		for _, i := range issues {
			resp = append(resp, toIssueResponse(i))
		}
		return resp
	})
}

// ListPullRequests returns pull requests, optionally filtered by state.
func (h *Handler) ListPullRequests(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	state := r.URL.Query().Get("state")
	if !isValidPRState(state) {
		writeError(w, http.StatusBadRequest, "invalid state")
		return
	}

	now := h.now()
	res := h.repos.GetRepositoryPullRequests(r.Context(), sess, chi.URLParam(r, "id"), state)
	writeResult(w, res, func(prs []model.PullRequest) any {
		resp := make([]PullRequestResponse, 0, len(prs))
		for _, pr := range prs {
			resp = append(resp, toPullRequestResponse(pr, now))
		}
		return resp
	})
}

// GetAnalytics returns the 30-day commit activity and issue/PR counts.
func (h *Handler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	res := h.repos.GetRepositoryAnalytics(r.Context(), sess, chi.URLParam(r, "id"))
	writeResult(w, res, func(a *model.RepositoryAnalytics) any {
		return toAnalyticsResponse(*a)
	})
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   h.now().UTC().Format(time.RFC3339),
	})
}

func isValidIssueState(state string) bool {
	switch state {
	case "", model.StateAll, string(model.IssueStateOpen), string(model.IssueStateClosed):
		return true
	}
	return false
}

func isValidPRState(state string) bool {
	switch model.PRState(state) {
	case "", model.StateAll,
		model.PRStateOpen, model.PRStateDraft, model.PRStateReview,
		model.PRStateApproved, model.PRStateMerged, model.PRStateClosed:
		return true
	}
	return false
}
