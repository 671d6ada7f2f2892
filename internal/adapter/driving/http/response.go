package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ericfisherdev/repopulse/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"success":false,"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a failed envelope with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Envelope{Success: false, Error: message})
}

// writeResult writes res as an envelope. convert shapes the data of a
// successful result; failures carry the result's message unchanged.
func writeResult[T any](w http.ResponseWriter, res model.Result[T], convert func(T) any) {
	if !res.Success {
		writeError(w, statusForKind(res.Kind), res.Error)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Success: true, Data: convert(res.Data)})
}

// statusForKind maps a failure class onto an HTTP status.
func statusForKind(kind model.ErrorKind) int {
	switch kind {
	case model.ErrorKindConnectivity:
		return http.StatusServiceUnavailable
	case model.ErrorKindQuery:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Envelope is the body of every API response other than health.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// ProfileResponse is an embedded user profile.
type ProfileResponse struct {
	ID             string `json:"id,omitempty"`
	FullName       string `json:"full_name"`
	GitHubUsername string `json:"github_username"`
	AvatarURL      string `json:"avatar_url,omitempty"`
}

// CollaboratorResponse is one repository collaborator.
type CollaboratorResponse struct {
	UserID string           `json:"user_id"`
	Role   string           `json:"role"`
	User   *ProfileResponse `json:"user"`
}

// RepositoryResponse is the JSON representation of a repository.
type RepositoryResponse struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	FullName        string                 `json:"full_name"`
	Description     string                 `json:"description"`
	DescriptionHTML string                 `json:"description_html"`
	Language        string                 `json:"language"`
	StarsCount      int                    `json:"stars_count"`
	ForksCount      int                    `json:"forks_count"`
	OpenIssuesCount int                    `json:"open_issues_count"`
	HealthScore     float64                `json:"health_score"`
	HealthStatus    string                 `json:"health_status"`
	OwnerID         string                 `json:"owner_id"`
	IsPrivate       bool                   `json:"is_private"`
	LastCommitAt    *string                `json:"last_commit_at"`
	CreatedAt       string                 `json:"created_at"`
	UpdatedAt       string                 `json:"updated_at"`
	Owner           *ProfileResponse       `json:"owner"`
	Collaborators   []CollaboratorResponse `json:"repository_collaborators"`
}

// CommitResponse is the JSON representation of a commit.
type CommitResponse struct {
	ID           string           `json:"id"`
	RepositoryID string           `json:"repository_id"`
	SHA          string           `json:"sha"`
	Message      string           `json:"message"`
	CommittedAt  string           `json:"committed_at"`
	Additions    int              `json:"additions"`
	Deletions    int              `json:"deletions"`
	Author       *ProfileResponse `json:"author"`
}

// IssueResponse is the JSON representation of an issue.
type IssueResponse struct {
	ID           string           `json:"id"`
	RepositoryID string           `json:"repository_id"`
	Number       int              `json:"number"`
	Title        string           `json:"title"`
	State        string           `json:"state"`
	Labels       []string         `json:"labels"`
	CreatedAt    string           `json:"created_at"`
	UpdatedAt    string           `json:"updated_at"`
	ClosedAt     *string          `json:"closed_at"`
	Author       *ProfileResponse `json:"author"`
	Assignee     *ProfileResponse `json:"assignee"`
}

// PullRequestResponse is the JSON representation of a pull request.
type PullRequestResponse struct {
	ID           string           `json:"id"`
	RepositoryID string           `json:"repository_id"`
	Number       int              `json:"number"`
	Title        string           `json:"title"`
	State        string           `json:"state"`
	Additions    int              `json:"additions"`
	Deletions    int              `json:"deletions"`
	DaysOpen     int              `json:"days_open"`
	CreatedAt    string           `json:"created_at"`
	UpdatedAt    string           `json:"updated_at"`
	MergedAt     *string          `json:"merged_at"`
	ClosedAt     *string          `json:"closed_at"`
	Author       *ProfileResponse `json:"author"`
	Assignee     *ProfileResponse `json:"assignee"`
}

// CommitActivityResponse is one point of the commit activity series.
type CommitActivityResponse struct {
	CommittedAt string `json:"committed_at"`
	Additions   int    `json:"additions"`
	Deletions   int    `json:"deletions"`
}

// AnalyticsResponse is the JSON representation of repository analytics.
type AnalyticsResponse struct {
	Commits    []CommitActivityResponse `json:"commits"`
	IssueStats IssueStatsResponse       `json:"issueStats"`
	PRStats    PRStatsResponse          `json:"prStats"`
}

// IssueStatsResponse holds issue counts by state.
type IssueStatsResponse struct {
	Open   int `json:"open"`
	Closed int `json:"closed"`
}

// PRStatsResponse holds pull request counts by outcome.
type PRStatsResponse struct {
	Open   int `json:"open"`
	Closed int `json:"closed"`
	Merged int `json:"merged"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toProfileResponse(p *model.UserProfile) *ProfileResponse {
	if p == nil {
		return nil
	}
	return &ProfileResponse{
		ID:             p.ID,
		FullName:       p.FullName,
		GitHubUsername: p.GitHubUsername,
		AvatarURL:      p.AvatarURL,
	}
}

// toRepositoryResponse converts a domain Repository. The markdown
// description is additionally rendered to sanitized HTML.
func toRepositoryResponse(repo model.Repository) RepositoryResponse {
	collaborators := make([]CollaboratorResponse, 0, len(repo.Collaborators))
	for _, c := range repo.Collaborators {
		collaborators = append(collaborators, CollaboratorResponse{
			UserID: c.UserID,
			Role:   c.Role,
			User:   toProfileResponse(c.User),
		})
	}

	return RepositoryResponse{
		ID:              repo.ID,
		Name:            repo.Name,
		FullName:        repo.FullName,
		Description:     repo.Description,
		DescriptionHTML: RenderMarkdown(repo.Description),
		Language:        repo.Language,
		StarsCount:      repo.StarsCount,
		ForksCount:      repo.ForksCount,
		OpenIssuesCount: repo.OpenIssuesCount,
		HealthScore:     repo.HealthScore,
		HealthStatus:    string(repo.HealthStatus),
		OwnerID:         repo.OwnerID,
		IsPrivate:       repo.IsPrivate,
		LastCommitAt:    formatOptionalTime(repo.LastCommitAt),
		CreatedAt:       formatTime(repo.CreatedAt),
		UpdatedAt:       formatTime(repo.UpdatedAt),
		Owner:           toProfileResponse(repo.Owner),
		Collaborators:   collaborators,
	}
}

func toCommitResponse(c model.Commit) CommitResponse {
	return CommitResponse{
		ID:           c.ID,
		RepositoryID: c.RepositoryID,
		SHA:          c.SHA,
		Message:      c.Message,
		CommittedAt:  formatTime(c.CommittedAt),
		Additions:    c.Additions,
		Deletions:    c.Deletions,
		Author:       toProfileResponse(c.Author),
	}
}

func toIssueResponse(i model.Issue) IssueResponse {
	labels := i.Labels
	if labels == nil {
		labels = []string{}
	}

	return IssueResponse{
		ID:           i.ID,
		RepositoryID: i.RepositoryID,
		Number:       i.Number,
		Title:        i.Title,
		State:        string(i.State),
		Labels:       labels,
		CreatedAt:    formatTime(i.CreatedAt),
		UpdatedAt:    formatTime(i.UpdatedAt),
		ClosedAt:     formatOptionalTime(i.ClosedAt),
		Author:       toProfileResponse(i.Author),
		Assignee:     toProfileResponse(i.Assignee),
	}
}

func toPullRequestResponse(pr model.PullRequest, now time.Time) PullRequestResponse {
	return PullRequestResponse{
		ID:           pr.ID,
		RepositoryID: pr.RepositoryID,
		Number:       pr.Number,
		Title:        pr.Title,
		State:        string(pr.State),
		Additions:    pr.Additions,
		Deletions:    pr.Deletions,
		DaysOpen:     pr.DaysOpen(now),
		CreatedAt:    formatTime(pr.CreatedAt),
		UpdatedAt:    formatTime(pr.UpdatedAt),
		MergedAt:     formatOptionalTime(pr.MergedAt),
		ClosedAt:     formatOptionalTime(pr.ClosedAt),
		Author:       toProfileResponse(pr.Author),
		Assignee:     toProfileResponse(pr.Assignee),
	}
}

func toAnalyticsResponse(a model.RepositoryAnalytics) AnalyticsResponse {
	commits := make([]CommitActivityResponse, 0, len(a.Commits))
	for _, c := range a.Commits {
		commits = append(commits, CommitActivityResponse{
			CommittedAt: formatTime(c.CommittedAt),
			Additions:   c.Additions,
			Deletions:   c.Deletions,
		})
	}

	return AnalyticsResponse{
		Commits:    commits,
		IssueStats: IssueStatsResponse{Open: a.IssueStats.Open, Closed: a.IssueStats.Closed},
		PRStats:    PRStatsResponse{Open: a.PRStats.Open, Closed: a.PRStats.Closed, Merged: a.PRStats.Merged},
	}
}

// ChangeEventResponse is one websocket frame of a change stream.
type ChangeEventResponse struct {
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	EventType       string          `json:"eventType"`
	CommitTimestamp string          `json:"commit_timestamp,omitempty"`
	New             json.RawMessage `json:"new,omitempty"`
	Old             json.RawMessage `json:"old,omitempty"`
}

func toChangeEventResponse(ev model.ChangeEvent) ChangeEventResponse {
	resp := ChangeEventResponse{
		Schema:    ev.Schema,
		Table:     ev.Table,
		EventType: string(ev.Type),
		New:       ev.Record,
		Old:       ev.OldRecord,
	}
	if !ev.CommitTimestamp.IsZero() {
		resp.CommitTimestamp = ev.CommitTimestamp.UTC().Format(time.RFC3339Nano)
	}
	return resp
}
