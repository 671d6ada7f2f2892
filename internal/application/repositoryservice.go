// Package application contains use-case orchestration services.
package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ericfisherdev/repopulse/internal/domain/model"
	"github.com/ericfisherdev/repopulse/internal/domain/port/driven"
	"github.com/ericfisherdev/repopulse/internal/metrics"
)

// ConnectivityErrorMessage is reported for every transport-level failure,
// regardless of which operation was invoked.
const ConnectivityErrorMessage = "Cannot connect to database. Your Supabase project may be paused or deleted."

// DefaultCommitLimit is used when GetRepositoryCommits is called with a
// non-positive limit.
const DefaultCommitLimit = 50

// AnalyticsWindow is the trailing commit window fetched by GetRepositoryAnalytics.
const AnalyticsWindow = 30 * 24 * time.Hour

// Generic failure messages for errors that are neither connectivity nor
// backend-reported query errors.
const (
	msgLoadRepositories = "Failed to load repositories"
	msgLoadRepository   = "Failed to load repository"
	msgLoadCommits      = "Failed to load commits"
	msgLoadIssues       = "Failed to load issues"
	msgLoadPullRequests = "Failed to load pull requests"
	msgLoadAnalytics    = "Failed to load repository analytics"
)

// RepositoryService is the data access layer used by the dashboard. Every
// operation issues fresh remote reads through the RepositoryReader port and
// folds the outcome into a model.Result. No error ever escapes to the caller
// and nothing is retried or cached.
type RepositoryService struct {
	reader  driven.RepositoryReader
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewRepositoryService creates a RepositoryService. m may be nil.
func NewRepositoryService(reader driven.RepositoryReader, m *metrics.Metrics, logger *slog.Logger) *RepositoryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RepositoryService{
		reader:  reader,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock replaces the time source used for the analytics window.
func (s *RepositoryService) WithClock(now func() time.Time) *RepositoryService {
	s.now = now
	return s
}

// GetRepositories lists all repositories visible to the session.
func (s *RepositoryService) GetRepositories(ctx context.Context, sess model.Session) model.Result[[]model.Repository] {
	start := time.Now()

	repos, err := s.reader.ListRepositories(ctx, sess)
	if err != nil {
		return failure[[]model.Repository](s, "list_repositories", start, err, msgLoadRepositories, "")
	}

	s.observe("list_repositories", start, model.ErrorKindNone)
	return model.OK(nonNil(repos))
}

// GetRepository loads a single repository with owner and collaborators.
func (s *RepositoryService) GetRepository(ctx context.Context, sess model.Session, repositoryID string) model.Result[*model.Repository] {
	start := time.Now()

	repo, err := s.reader.GetRepository(ctx, sess, repositoryID)
	if err == nil && repo == nil {
		err = &driven.QueryError{Message: driven.NoRowsMessage, Code: driven.NoRowsCode}
	}
	if err != nil {
		return failure[*model.Repository](s, "get_repository", start, err, msgLoadRepository, repositoryID)
	}

	s.observe("get_repository", start, model.ErrorKindNone)
	return model.OK(repo)
}

// GetRepositoryCommits lists the most recent commits, newest first.
// A non-positive limit selects DefaultCommitLimit.
func (s *RepositoryService) GetRepositoryCommits(ctx context.Context, sess model.Session, repositoryID string, limit int) model.Result[[]model.Commit] {
	start := time.Now()

	if limit <= 0 {
		limit = DefaultCommitLimit
	}

	commits, err := s.reader.ListCommits(ctx, sess, repositoryID, limit)
	if err != nil {
		return failure[[]model.Commit](s, "list_commits", start, err, msgLoadCommits, repositoryID)
	}

	s.observe("list_commits", start, model.ErrorKindNone)
	return model.OK(nonNil(commits))
}

// GetRepositoryIssues lists issues, optionally filtered by state.
// State "" or model.StateAll returns every issue.
func (s *RepositoryService) GetRepositoryIssues(ctx context.Context, sess model.Session, repositoryID string, state string) model.Result[[]model.Issue] {
	start := time.Now()

	issues, err := s.reader.ListIssues(ctx, sess, repositoryID, normalizeState(state))
	if err != nil {
		return failure[[]model.Issue](s, "list_issues", start, err, msgLoadIssues, repositoryID)
	}

	s.observe("list_issues", start, model.ErrorKindNone)
	return model.OK(nonNil(issues))
}

// GetRepositoryPullRequests lists pull requests, optionally filtered by state.
// State "" or model.StateAll returns every pull request.
func (s *RepositoryService) GetRepositoryPullRequests(ctx context.Context, sess model.Session, repositoryID string, state string) model.Result[[]model.PullRequest] {
	start := time.Now()

	prs, err := s.reader.ListPullRequests(ctx, sess, repositoryID, normalizeState(state))
	if err != nil {
		return failure[[]model.PullRequest](s, "list_pull_requests", start, err, msgLoadPullRequests, repositoryID)
	}

	s.observe("list_pull_requests", start, model.ErrorKindNone)
	return model.OK(nonNil(prs))
}

// GetRepositoryAnalytics assembles the trailing 30-day commit activity with
// the issue and pull request statistics computed by the backend. The three
// reads run in sequence and the first failure fails the whole operation.
func (s *RepositoryService) GetRepositoryAnalytics(ctx context.Context, sess model.Session, repositoryID string) model.Result[*model.RepositoryAnalytics] {
	start := time.Now()
	const op = "repository_analytics"

	since := s.now().Add(-AnalyticsWindow)

	commits, err := s.reader.ListCommitActivity(ctx, sess, repositoryID, since)
	if err != nil {
		return failure[*model.RepositoryAnalytics](s, op, start, err, msgLoadAnalytics, repositoryID)
	}

	issueStats, err := s.reader.IssueStats(ctx, sess, repositoryID)
	if err != nil {
		return failure[*model.RepositoryAnalytics](s, op, start, err, msgLoadAnalytics, repositoryID)
	}

	prStats, err := s.reader.PRStats(ctx, sess, repositoryID)
	if err != nil {
		return failure[*model.RepositoryAnalytics](s, op, start, err, msgLoadAnalytics, repositoryID)
	}

	analytics := &model.RepositoryAnalytics{Commits: nonNil(commits)}
	if issueStats != nil {
		analytics.IssueStats = *issueStats
	}
	if prStats != nil {
		analytics.PRStats = *prStats
	}

	s.observe(op, start, model.ErrorKindNone)
	return model.OK(analytics)
}

// Classify maps an adapter error onto the envelope's error kind and message.
func Classify(err error, fallback string) (model.ErrorKind, string) {
	var qe *driven.QueryError
	switch {
	case errors.Is(err, driven.ErrUnavailable):
		return model.ErrorKindConnectivity, ConnectivityErrorMessage
	case errors.As(err, &qe):
		return model.ErrorKindQuery, qe.Message
	default:
		return model.ErrorKindInternal, fallback
	}
}

func failure[T any](s *RepositoryService, op string, start time.Time, err error, fallback, repositoryID string) model.Result[T] {
	kind, msg := Classify(err, fallback)

	attrs := []any{"operation", op, "kind", string(kind), "error", err}
	if repositoryID != "" {
		attrs = append(attrs, "repository_id", repositoryID)
	}
	s.logger.Warn("data access failed", attrs...)

	s.observe(op, start, kind)
	return model.Fail[T](kind, msg)
}

func (s *RepositoryService) observe(op string, start time.Time, kind model.ErrorKind) {
	outcome := "success"
	if kind != model.ErrorKindNone {
		outcome = string(kind)
	}
	s.metrics.ObserveOperation(op, outcome, time.Since(start))
}

func normalizeState(state string) string {
	if state == model.StateAll {
		return ""
	}
	return state
}

// nonNil guarantees successful listings serialize as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
