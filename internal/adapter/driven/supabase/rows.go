package supabase

import (
	"time"

	"github.com/ericfisherdev/repopulse/internal/domain/model"
)

// Row shapes as returned by PostgREST for the selects in reader.go.

type profileRow struct {
	ID             string `json:"id"`
	FullName       string `json:"full_name"`
	GitHubUsername string `json:"github_username"`
	AvatarURL      string `json:"avatar_url"`
}

type collaboratorRow struct {
	UserID string      `json:"user_id"`
	Role   string      `json:"role"`
	User   *profileRow `json:"user"`
}

type repositoryRow struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	FullName        string            `json:"full_name"`
	Description     string            `json:"description"`
	Language        string            `json:"language"`
	StarsCount      int               `json:"stars_count"`
	ForksCount      int               `json:"forks_count"`
	OpenIssuesCount int               `json:"open_issues_count"`
	HealthScore     float64           `json:"health_score"`
	HealthStatus    string            `json:"health_status"`
	OwnerID         string            `json:"owner_id"`
	IsPrivate       bool              `json:"is_private"`
	LastCommitAt    *time.Time        `json:"last_commit_at"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	Owner           *profileRow       `json:"owner"`
	Collaborators   []collaboratorRow `json:"repository_collaborators"`
}

type commitRow struct {
	ID           string      `json:"id"`
	RepositoryID string      `json:"repository_id"`
	SHA          string      `json:"sha"`
	Message      string      `json:"message"`
	CommittedAt  time.Time   `json:"committed_at"`
	Additions    int         `json:"additions"`
	Deletions    int         `json:"deletions"`
	Author       *profileRow `json:"author"`
}

type issueRow struct {
	ID           string      `json:"id"`
	RepositoryID string      `json:"repository_id"`
	Number       int         `json:"number"`
	Title        string      `json:"title"`
	State        string      `json:"state"`
	Labels       []string    `json:"labels"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	ClosedAt     *time.Time  `json:"closed_at"`
	Author       *profileRow `json:"author"`
	Assignee     *profileRow `json:"assignee"`
}

type pullRequestRow struct {
	ID           string      `json:"id"`
	RepositoryID string      `json:"repository_id"`
	Number       int         `json:"number"`
	Title        string      `json:"title"`
	State        string      `json:"state"`
	Additions    int         `json:"additions"`
	Deletions    int         `json:"deletions"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	MergedAt     *time.Time  `json:"merged_at"`
	ClosedAt     *time.Time  `json:"closed_at"`
	Author       *profileRow `json:"author"`
	Assignee     *profileRow `json:"assignee"`
}

type commitActivityRow struct {
	CommittedAt time.Time `json:"committed_at"`
	Additions   int       `json:"additions"`
	Deletions   int       `json:"deletions"`
}

type issueStatsRow struct {
	Open   int `json:"open"`
	Closed int `json:"closed"`
}

type prStatsRow struct {
	Open   int `json:"open"`
	Closed int `json:"closed"`
	Merged int `json:"merged"`
}

func mapProfile(p *profileRow) *model.UserProfile {
	if p == nil {
		return nil
	}
	return &model.UserProfile{
		ID:             p.ID,
		FullName:       p.FullName,
		GitHubUsername: p.GitHubUsername,
		AvatarURL:      p.AvatarURL,
	}
}

func mapRepository(r repositoryRow) model.Repository {
	collaborators := make([]model.Collaborator, 0, len(r.Collaborators))
	for _, c := range r.Collaborators {
		collaborators = append(collaborators, model.Collaborator{
			UserID: c.UserID,
			Role:   c.Role,
			User:   mapProfile(c.User),
		})
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
		LastCommitAt:    r.LastCommitAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		Owner:           mapProfile(r.Owner),
		Collaborators:   collaborators,
	}
}

func mapCommit(r commitRow) model.Commit {
	return model.Commit{
		ID:           r.ID,
		RepositoryID: r.RepositoryID,
		SHA:          r.SHA,
		Message:      r.Message,
		CommittedAt:  r.CommittedAt,
		Additions:    r.Additions,
		Deletions:    r.Deletions,
		Author:       mapProfile(r.Author),
	}
}

func mapIssue(r issueRow) model.Issue {
	labels := r.Labels
	if labels == nil {
		labels = []string{}
	}
	return model.Issue{
		ID:           r.ID,
		RepositoryID: r.RepositoryID,
		Number:       r.Number,
		Title:        r.Title,
		State:        model.IssueState(r.State),
		Labels:       labels,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		ClosedAt:     r.ClosedAt,
		Author:       mapProfile(r.Author),
		Assignee:     mapProfile(r.Assignee),
	}
}

func mapPullRequest(r pullRequestRow) model.PullRequest {
	return model.PullRequest{
		ID:           r.ID,
		RepositoryID: r.RepositoryID,
		Number:       r.Number,
		Title:        r.Title,
		State:        model.PRState(r.State),
		Additions:    r.Additions,
		Deletions:    r.Deletions,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		MergedAt:     r.MergedAt,
		ClosedAt:     r.ClosedAt,
		Author:       mapProfile(r.Author),
		Assignee:     mapProfile(r.Assignee),
	}
}
