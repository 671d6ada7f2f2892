package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/repopulse/internal/domain/model"
)

// RepositoryReader defines the driven port for reading dashboard data from
// the backend. Every call issues a fresh remote query on behalf of sess.
// Empty listings are returned as empty, non-nil slices.
type RepositoryReader interface {
	// ListRepositories returns every repository visible to the session,
	// newest update first, with owner and collaborators expanded.
	ListRepositories(ctx context.Context, sess model.Session) ([]model.Repository, error)
	// GetRepository returns one repository. A missing row is a *QueryError.
	GetRepository(ctx context.Context, sess model.Session, repositoryID string) (*model.Repository, error)
	// ListCommits returns at most limit commits, newest first.
	ListCommits(ctx context.Context, sess model.Session, repositoryID string, limit int) ([]model.Commit, error)
	// ListIssues returns issues newest first; state "" or model.StateAll disables the filter.
	ListIssues(ctx context.Context, sess model.Session, repositoryID string, state string) ([]model.Issue, error)
	// ListPullRequests returns pull requests newest first; state "" or model.StateAll disables the filter.
	ListPullRequests(ctx context.Context, sess model.Session, repositoryID string, state string) ([]model.PullRequest, error)
	// ListCommitActivity returns commits at or after since, oldest first.
	ListCommitActivity(ctx context.Context, sess model.Session, repositoryID string, since time.Time) ([]model.CommitActivity, error)

	// IssueStats calls the get_repository_issue_stats procedure.
	// Returns nil, nil when the procedure yields no record.
	IssueStats(ctx context.Context, sess model.Session, repositoryID string) (*model.IssueStats, error)
	// PRStats calls the get_repository_pr_stats procedure.
	// Returns nil, nil when the procedure yields no record.
	PRStats(ctx context.Context, sess model.Session, repositoryID string) (*model.PRStats, error)
}
