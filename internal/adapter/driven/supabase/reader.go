package supabase

import (
	"context"
	"time"

	"github.com/ericfisherdev/repopulse/internal/domain/model"
	"github.com/ericfisherdev/repopulse/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RepositoryReader = (*Reader)(nil)

// Embedded-resource selects. Foreign key hints disambiguate the several
// user_profiles relationships on each table.
const (
	repositoryListSelect = `*,
		owner:user_profiles!repositories_owner_id_fkey(id, full_name, github_username, avatar_url),
		repository_collaborators(user_id, role, user:user_profiles(full_name, github_username))`

	repositoryDetailSelect = `*,
		owner:user_profiles!repositories_owner_id_fkey(id, full_name, github_username, avatar_url),
		repository_collaborators(user_id, role, user:user_profiles(full_name, github_username, avatar_url))`

	commitSelect = `*, author:user_profiles(full_name, github_username, avatar_url)`

	issueSelect = `*,
		author:user_profiles!issues_author_id_fkey(full_name, github_username, avatar_url),
		assignee:user_profiles!issues_assignee_id_fkey(full_name, github_username, avatar_url)`

	pullRequestSelect = `*,
		author:user_profiles!pull_requests_author_id_fkey(full_name, github_username, avatar_url),
		assignee:user_profiles!pull_requests_assignee_id_fkey(full_name, github_username, avatar_url)`

	commitActivitySelect = `committed_at, additions, deletions`
)

// Stored procedures computing repository statistics server-side.
const (
	issueStatsProcedure = "get_repository_issue_stats"
	prStatsProcedure    = "get_repository_pr_stats"
)

// Reader implements driven.RepositoryReader over PostgREST.
type Reader struct {
	client *Client
}

// NewReader creates a Reader backed by client.
func NewReader(client *Client) *Reader {
	return &Reader{client: client}
}

// ListRepositories returns repositories ordered by most recent update.
func (r *Reader) ListRepositories(ctx context.Context, sess model.Session) ([]model.Repository, error) {
	var rows []repositoryRow
	err := r.client.From("repositories").
		Select(repositoryListSelect).
		Order("updated_at", false).
		Execute(ctx, sess, &rows)
	if err != nil {
		return nil, err
	}

	repos := make([]model.Repository, 0, len(rows))
	for _, row := range rows {
		repos = append(repos, mapRepository(row))
	}
	return repos, nil
}

// GetRepository returns a single repository by id.
func (r *Reader) GetRepository(ctx context.Context, sess model.Session, repositoryID string) (*model.Repository, error) {
	var row repositoryRow
	err := r.client.From("repositories").
		Select(repositoryDetailSelect).
		Eq("id", repositoryID).
		Single().
		Execute(ctx, sess, &row)
	if err != nil {
		return nil, err
	}

	repo := mapRepository(row)
	return &repo, nil
}

// ListCommits returns the newest commits for a repository.
func (r *Reader) ListCommits(ctx context.Context, sess model.Session, repositoryID string, limit int) ([]model.Commit, error) {
	var rows []commitRow
	err := r.client.From("commits").
		Select(commitSelect).
		Eq("repository_id", repositoryID).
		Order("committed_at", false).
		Limit(limit).
		Execute(ctx, sess, &rows)
	if err != nil {
		return nil, err
	}

	commits := make([]model.Commit, 0, len(rows))
	for _, row := range rows {
		commits = append(commits, mapCommit(row))
	}
	return commits, nil
}

// ListIssues returns issues for a repository, newest first.
func (r *Reader) ListIssues(ctx context.Context, sess model.Session, repositoryID string, state string) ([]model.Issue, error) {
	q := r.client.From("issues").
		Select(issueSelect).
		Eq("repository_id", repositoryID).
		Order("created_at", false)
	if state != "" && state != model.StateAll {
		q = q.Eq("state", state)
	}

	var rows []issueRow
	if err := q.Execute(ctx, sess, &rows); err != nil {
		return nil, err
	}

	issues := make([]model.Issue, 0, len(rows))
	for _, row := range rows {
		issues = append(issues, mapIssue(row))
	}
	return issues, nil
}

// ListPullRequests returns pull requests for a repository, newest first.
func (r *Reader) ListPullRequests(ctx context.Context, sess model.Session, repositoryID string, state string) ([]model.PullRequest, error) {
	q := r.client.From("pull_requests").
		Select(pullRequestSelect).
		Eq("repository_id", repositoryID).
		Order("created_at", false)
	if state != "" && state != model.StateAll {
		q = q.Eq("state", state)
	}

	var rows []pullRequestRow
	if err := q.Execute(ctx, sess, &rows); err != nil {
		return nil, err
	}

	prs := make([]model.PullRequest, 0, len(rows))
	for _, row := range rows {
		prs = append(prs, mapPullRequest(row))
	}
	return prs, nil
}

// ListCommitActivity returns commits since the given time, oldest first.
func (r *Reader) ListCommitActivity(ctx context.Context, sess model.Session, repositoryID string, since time.Time) ([]model.CommitActivity, error) {
	var rows []commitActivityRow
	err := r.client.From("commits").
		Select(commitActivitySelect).
		Eq("repository_id", repositoryID).
		Gte("committed_at", since.UTC().Format(time.RFC3339Nano)).
		Order("committed_at", true).
		Execute(ctx, sess, &rows)
	if err != nil {
		return nil, err
	}

	activity := make([]model.CommitActivity, 0, len(rows))
	for _, row := range rows {
		activity = append(activity, model.CommitActivity{
			CommittedAt: row.CommittedAt,
			Additions:   row.Additions,
			Deletions:   row.Deletions,
		})
	}
	return activity, nil
}

// IssueStats calls get_repository_issue_stats.
func (r *Reader) IssueStats(ctx context.Context, sess model.Session, repositoryID string) (*model.IssueStats, error) {
	var row issueStatsRow
	found, err := r.client.RPC(ctx, sess, issueStatsProcedure, map[string]any{"repo_id": repositoryID}, &row)
	if err != nil || !found {
		return nil, err
	}
	return &model.IssueStats{Open: row.Open, Closed: row.Closed}, nil
}

// PRStats calls get_repository_pr_stats.
func (r *Reader) PRStats(ctx context.Context, sess model.Session, repositoryID string) (*model.PRStats, error) {
	var row prStatsRow
	found, err := r.client.RPC(ctx, sess, prStatsProcedure, map[string]any{"repo_id": repositoryID}, &row)
	if err != nil || !found {
		return nil, err
	}
	return &model.PRStats{Open: row.Open, Closed: row.Closed, Merged: row.Merged}, nil
}
