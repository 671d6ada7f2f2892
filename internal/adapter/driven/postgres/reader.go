package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ericfisherdev/repopulse/internal/domain/model"
	"github.com/ericfisherdev/repopulse/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RepositoryReader = (*Reader)(nil)

const claimsQuery = `SELECT
	set_config('request.jwt.claims', $1, true),
	set_config('request.jwt.claim.sub', $2, true),
	set_config('request.jwt.claim.role', $3, true)`

const profileJSON = `json_build_object('id', p.id, 'full_name', p.full_name, 'github_username', p.github_username, 'avatar_url', p.avatar_url)`

const repositoryColumns = `r.id, r.name, r.full_name,
	COALESCE(r.description, '') AS description,
	COALESCE(r.language, '') AS language,
	r.stars_count, r.forks_count, r.open_issues_count,
	r.health_score, r.health_status,
	COALESCE(r.owner_id::text, '') AS owner_id,
	r.is_private, r.last_commit_at, r.created_at, r.updated_at,
	(SELECT ` + profileJSON + ` FROM user_profiles p WHERE p.id = r.owner_id) AS owner,
	COALESCE((
		SELECT json_agg(json_build_object('user_id', c.user_id, 'role', c.role, 'user',
			CASE WHEN p.id IS NULL THEN NULL ELSE ` + profileJSON + ` END))
		FROM repository_collaborators c
		LEFT JOIN user_profiles p ON p.id = c.user_id
		WHERE c.repository_id = r.id
	), '[]') AS collaborators`

const listRepositoriesQuery = `SELECT ` + repositoryColumns + `
	FROM repositories r
	ORDER BY r.updated_at DESC`

const getRepositoryQuery = `SELECT ` + repositoryColumns + `
	FROM repositories r
	WHERE r.id = $1`

const listCommitsQuery = `SELECT c.id, c.repository_id, c.sha, c.message, c.committed_at, c.additions, c.deletions,
	CASE WHEN p.id IS NULL THEN NULL ELSE ` + profileJSON + ` END AS author
	FROM commits c
	LEFT JOIN user_profiles p ON p.id = c.author_id
	WHERE c.repository_id = $1
	ORDER BY c.committed_at DESC
	LIMIT NULLIF($2::int, 0)`

const listIssuesQuery = `SELECT i.id, i.repository_id, i.number, i.title, i.state, i.labels,
	i.created_at, i.updated_at, i.closed_at,
	CASE WHEN p.id IS NULL THEN NULL ELSE ` + profileJSON + ` END AS author,
	CASE WHEN a.id IS NULL THEN NULL ELSE json_build_object('id', a.id, 'full_name', a.full_name, 'github_username', a.github_username, 'avatar_url', a.avatar_url) END AS assignee
	FROM issues i
	LEFT JOIN user_profiles p ON p.id = i.author_id
	LEFT JOIN user_profiles a ON a.id = i.assignee_id
	WHERE i.repository_id = $1 AND ($2 = '' OR i.state = $2)
	ORDER BY i.created_at DESC`

const listPullRequestsQuery = `SELECT pr.id, pr.repository_id, pr.number, pr.title, pr.state, pr.additions, pr.deletions,
	pr.created_at, pr.updated_at, pr.merged_at, pr.closed_at,
	CASE WHEN p.id IS NULL THEN NULL ELSE ` + profileJSON + ` END AS author,
	CASE WHEN a.id IS NULL THEN NULL ELSE json_build_object('id', a.id, 'full_name', a.full_name, 'github_username', a.github_username, 'avatar_url', a.avatar_url) END AS assignee
	FROM pull_requests pr
	LEFT JOIN user_profiles p ON p.id = pr.author_id
	LEFT JOIN user_profiles a ON a.id = pr.assignee_id
	WHERE pr.repository_id = $1 AND ($2 = '' OR pr.state = $2)
	ORDER BY pr.created_at DESC`

const commitActivityQuery = `SELECT committed_at, additions, deletions
	FROM commits
	WHERE repository_id = $1 AND committed_at >= $2
	ORDER BY committed_at ASC`

const canReadRepositoryQuery = `SELECT can_read_repository($1)`

const (
	issueStatsQuery = `SELECT get_repository_issue_stats($1)`
	prStatsQuery    = `SELECT get_repository_pr_stats($1)`
)

// Reader implements driven.RepositoryReader with SQL. Each call runs in a
// read-only transaction carrying the session's claims so row-level security
// policies see the caller's identity.
type Reader struct {
	db *DB
}

// NewReader creates a Reader using db.
func NewReader(db *DB) *Reader {
	return &Reader{db: db}
}

// withSession runs fn inside a read-only transaction scoped to sess.
func (r *Reader) withSession(ctx context.Context, op string, sess model.Session, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return mapError(op, err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	claims, err := sessionClaims(sess)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if _, err := tx.ExecContext(ctx, claimsQuery, claims, sess.UserID, sessionRole(sess)); err != nil {
		return mapError(op, err)
	}

	if err := fn(tx); err != nil {
		return mapError(op, err)
	}

	if err := tx.Commit(); err != nil {
		return mapError(op, err)
	}
	return nil
}

// sessionRole limits the role claim to anon or authenticated. Policies must
// never see an elevated role supplied by a caller.
func sessionRole(sess model.Session) string {
	if sess.IsAnonymous() || sess.Role == "anon" {
		return "anon"
	}
	return "authenticated"
}

func sessionClaims(sess model.Session) (string, error) {
	claims := map[string]any{"role": sessionRole(sess)}
	if sess.UserID != "" {
		claims["sub"] = sess.UserID
	}
	if sess.Email != "" {
		claims["email"] = sess.Email
	}
	if !sess.ExpiresAt.IsZero() {
		claims["exp"] = sess.ExpiresAt.Unix()
	}
	b, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	return string(b), nil
}

// ListRepositories returns repositories ordered by most recent update.
func (r *Reader) ListRepositories(ctx context.Context, sess model.Session) ([]model.Repository, error) {
	var rows []repositoryRow
	err := r.withSession(ctx, "list repositories", sess, func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &rows, listRepositoriesQuery)
	})
	if err != nil {
		return nil, err
	}

	repos := make([]model.Repository, 0, len(rows))
	for _, row := range rows {
		repo, err := row.toModel()
		if err != nil {
			return nil, fmt.Errorf("list repositories: %w", err)
		}
		repos = append(repos, repo)
	}
	return repos, nil
}

// GetRepository returns one repository. A missing row is reported as the
// no-rows QueryError.
func (r *Reader) GetRepository(ctx context.Context, sess model.Session, repositoryID string) (*model.Repository, error) {
	var row repositoryRow
	err := r.withSession(ctx, "get repository", sess, func(tx *sqlx.Tx) error {
		return tx.GetContext(ctx, &row, getRepositoryQuery, repositoryID)
	})
	if err != nil {
		return nil, err
	}

	repo, err := row.toModel()
	if err != nil {
		return nil, fmt.Errorf("get repository: %w", err)
	}
	return &repo, nil
}

// ListCommits returns the newest commits. A zero limit returns all rows.
func (r *Reader) ListCommits(ctx context.Context, sess model.Session, repositoryID string, limit int) ([]model.Commit, error) {
	var rows []commitRow
	err := r.withSession(ctx, "list commits", sess, func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &rows, listCommitsQuery, repositoryID, limit)
	})
	if err != nil {
		return nil, err
	}

	commits := make([]model.Commit, 0, len(rows))
	for _, row := range rows {
		author, err := decodeProfile(row.Author)
		if err != nil {
			return nil, fmt.Errorf("list commits: %w", err)
		}
		commits = append(commits, model.Commit{
			ID:           row.ID,
			RepositoryID: row.RepositoryID,
			SHA:          row.SHA,
			Message:      row.Message,
			CommittedAt:  row.CommittedAt,
			Additions:    row.Additions,
			Deletions:    row.Deletions,
			Author:       author,
		})
	}
	return commits, nil
}

// ListIssues returns issues newest first.
func (r *Reader) ListIssues(ctx context.Context, sess model.Session, repositoryID string, state string) ([]model.Issue, error) {
	var rows []issueRow
	err := r.withSession(ctx, "list issues", sess, func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &rows, listIssuesQuery, repositoryID, stateFilter(state))
	})
	if err != nil {
		return nil, err
	}

	issues := make([]model.Issue, 0, len(rows))
	for _, row := range rows {
		author, err := decodeProfile(row.Author)
		if err != nil {
			return nil, fmt.Errorf("list issues: %w", err)
		}
		assignee, err := decodeProfile(row.Assignee)
		if err != nil {
			return nil, fmt.Errorf("list issues: %w", err)
		}

		labels := []string(row.Labels)
		if labels == nil {
			labels = []string{}
		}

		issues = append(issues, model.Issue{
			ID:           row.ID,
			RepositoryID: row.RepositoryID,
			Number:       row.Number,
			Title:        row.Title,
			State:        model.IssueState(row.State),
			Labels:       labels,
			CreatedAt:    row.CreatedAt,
			UpdatedAt:    row.UpdatedAt,
			ClosedAt:     nullTime(row.ClosedAt),
			Author:       author,
			Assignee:     assignee,
		})
	}
	return issues, nil
}

// ListPullRequests returns pull requests newest first.
func (r *Reader) ListPullRequests(ctx context.Context, sess model.Session, repositoryID string, state string) ([]model.PullRequest, error) {
	var rows []pullRequestRow
	err := r.withSession(ctx, "list pull requests", sess, func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &rows, listPullRequestsQuery, repositoryID, stateFilter(state))
	})
	if err != nil {
		return nil, err
	}

	prs := make([]model.PullRequest, 0, len(rows))
	for _, row := range rows {
		author, err := decodeProfile(row.Author)
		if err != nil {
			return nil, fmt.Errorf("list pull requests: %w", err)
		}
		assignee, err := decodeProfile(row.Assignee)
		if err != nil {
			return nil, fmt.Errorf("list pull requests: %w", err)
		}

		prs = append(prs, model.PullRequest{
			ID:           row.ID,
			RepositoryID: row.RepositoryID,
			Number:       row.Number,
			Title:        row.Title,
			State:        model.PRState(row.State),
			Additions:    row.Additions,
			Deletions:    row.Deletions,
			CreatedAt:    row.CreatedAt,
			UpdatedAt:    row.UpdatedAt,
			MergedAt:     nullTime(row.MergedAt),
			ClosedAt:     nullTime(row.ClosedAt),
			Author:       author,
			Assignee:     assignee,
		})
	}
	return prs, nil
}

// ListCommitActivity returns commits at or after since, oldest first.
func (r *Reader) ListCommitActivity(ctx context.Context, sess model.Session, repositoryID string, since time.Time) ([]model.CommitActivity, error) {
	var activity []model.CommitActivity
	err := r.withSession(ctx, "list commit activity", sess, func(tx *sqlx.Tx) error {
		rows, err := tx.QueryxContext(ctx, commitActivityQuery, repositoryID, since.UTC())
		if err != nil {
			return err
		}
		defer rows.Close()

		activity = make([]model.CommitActivity, 0)
		for rows.Next() {
			var a model.CommitActivity
			if err := rows.Scan(&a.CommittedAt, &a.Additions, &a.Deletions); err != nil {
				return err
			}
			activity = append(activity, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return activity, nil
}

// IssueStats calls get_repository_issue_stats.
func (r *Reader) IssueStats(ctx context.Context, sess model.Session, repositoryID string) (*model.IssueStats, error) {
	var stats *model.IssueStats
	err := r.withSession(ctx, "issue stats", sess, func(tx *sqlx.Tx) error {
		var raw []byte
		if err := tx.QueryRowxContext(ctx, issueStatsQuery, repositoryID).Scan(&raw); err != nil {
			return err
		}
		if raw == nil {
			return nil
		}
		var row struct {
			Open   int `json:"open"`
			Closed int `json:"closed"`
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			return fmt.Errorf("decode issue stats: %w", err)
		}
		stats = &model.IssueStats{Open: row.Open, Closed: row.Closed}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// PRStats calls get_repository_pr_stats.
func (r *Reader) PRStats(ctx context.Context, sess model.Session, repositoryID string) (*model.PRStats, error) {
	var stats *model.PRStats
	err := r.withSession(ctx, "pr stats", sess, func(tx *sqlx.Tx) error {
		var raw []byte
		if err := tx.QueryRowxContext(ctx, prStatsQuery, repositoryID).Scan(&raw); err != nil {
			return err
		}
		if raw == nil {
			return nil
		}
		var row struct {
			Open   int `json:"open"`
			Closed int `json:"closed"`
			Merged int `json:"merged"`
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			return fmt.Errorf("decode pr stats: %w", err)
		}
		stats = &model.PRStats{Open: row.Open, Closed: row.Closed, Merged: row.Merged}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// CanReadRepository reports whether the row-level security policies let
// sess read the repository. A missing repository reads as false.
func (r *Reader) CanReadRepository(ctx context.Context, sess model.Session, repositoryID string) (bool, error) {
	var ok bool
	err := r.withSession(ctx, "check repository access", sess, func(tx *sqlx.Tx) error {
		return tx.QueryRowxContext(ctx, canReadRepositoryQuery, repositoryID).Scan(&ok)
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func stateFilter(state string) string {
	if state == model.StateAll {
		return ""
	}
	return state
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// --- row types ---

type profileJSONRow struct {
	ID             string `json:"id"`
	FullName       string `json:"full_name"`
	GitHubUsername string `json:"github_username"`
	AvatarURL      string `json:"avatar_url"`
}

func (p profileJSONRow) toModel() *model.UserProfile {
	return &model.UserProfile{
		ID:             p.ID,
		FullName:       p.FullName,
		GitHubUsername: p.GitHubUsername,
		AvatarURL:      p.AvatarURL,
	}
}

func decodeProfile(raw []byte) (*model.UserProfile, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var p profileJSONRow
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return p.toModel(), nil
}

type repositoryRow struct {
	ID              string       `db:"id"`
	Name            string       `db:"name"`
	FullName        string       `db:"full_name"`
	Description     string       `db:"description"`
	Language        string       `db:"language"`
	StarsCount      int          `db:"stars_count"`
	ForksCount      int          `db:"forks_count"`
	OpenIssuesCount int          `db:"open_issues_count"`
	HealthScore     float64      `db:"health_score"`
	HealthStatus    string       `db:"health_status"`
	OwnerID         string       `db:"owner_id"`
	IsPrivate       bool         `db:"is_private"`
	LastCommitAt    sql.NullTime `db:"last_commit_at"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
	Owner           []byte       `db:"owner"`
	Collaborators   []byte       `db:"collaborators"`
}

func (r repositoryRow) toModel() (model.Repository, error) {
	owner, err := decodeProfile(r.Owner)
	if err != nil {
		return model.Repository{}, err
	}

	var collabRows []struct {
		UserID string          `json:"user_id"`
		Role   string          `json:"role"`
		User   *profileJSONRow `json:"user"`
	}
	if len(r.Collaborators) > 0 {
		if err := json.Unmarshal(r.Collaborators, &collabRows); err != nil {
			return model.Repository{}, fmt.Errorf("decode collaborators: %w", err)
		}
	}

	collaborators := make([]model.Collaborator, 0, len(collabRows))
	for _, c := range collabRows {
		collab := model.Collaborator{UserID: c.UserID, Role: c.Role}
		if c.User != nil {
			collab.User = c.User.toModel()
		}
		collaborators = append(collaborators, collab)
	}

	return model.Repository{
		ID:              r.ID,
		Name:            r.Name,
		FullName:        r.FullName,
		Description:     r.Description,
		Language:        r.Language,
		StarsCount:      r.StarsCount,
		ForksCount:      r.ForksCount,
		OpenIssuesCount: r.OpenIssuesCount,
		HealthScore:     r.HealthScore,
		HealthStatus:    model.HealthStatus(r.HealthStatus),
		OwnerID:         r.OwnerID,
		IsPrivate:       r.IsPrivate,
		LastCommitAt:    nullTime(r.LastCommitAt),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		Owner:           owner,
		Collaborators:   collaborators,
	}, nil
}

type commitRow struct {
	ID           string    `db:"id"`
	RepositoryID string    `db:"repository_id"`
	SHA          string    `db:"sha"`
	Message      string    `db:"message"`
	CommittedAt  time.Time `db:"committed_at"`
	Additions    int       `db:"additions"`
	Deletions    int       `db:"deletions"`
	Author       []byte    `db:"author"`
}

type issueRow struct {
	ID           string         `db:"id"`
	RepositoryID string         `db:"repository_id"`
	Number       int            `db:"number"`
	Title        string         `db:"title"`
	State        string         `db:"state"`
	Labels       pq.StringArray `db:"labels"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
	ClosedAt     sql.NullTime   `db:"closed_at"`
	Author       []byte         `db:"author"`
	Assignee     []byte         `db:"assignee"`
}

type pullRequestRow struct {
	ID           string       `db:"id"`
	RepositoryID string       `db:"repository_id"`
	Number       int          `db:"number"`
	Title        string       `db:"title"`
	State        string       `db:"state"`
	Additions    int          `db:"additions"`
	Deletions    int          `db:"deletions"`
	CreatedAt    time.Time    `db:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"`
	MergedAt     sql.NullTime `db:"merged_at"`
	ClosedAt     sql.NullTime `db:"closed_at"`
	Author       []byte       `db:"author"`
	Assignee     []byte       `db:"assignee"`
}
