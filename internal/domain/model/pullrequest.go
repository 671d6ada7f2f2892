package model

import "time"

// PullRequest is a pull request row for a repository.
type PullRequest struct {
	ID           string
	RepositoryID string
	Number       int
	Title        string
	State        PRState
	Additions    int
	Deletions    int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MergedAt     *time.Time
	ClosedAt     *time.Time

	Author   *UserProfile
	Assignee *UserProfile
}

// DaysOpen returns the number of whole days between creation and merge,
// close, or now, whichever applies first.
func (pr PullRequest) DaysOpen(now time.Time) int {
	end := now
	switch {
	case pr.MergedAt != nil:
		end = *pr.MergedAt
	case pr.ClosedAt != nil:
		end = *pr.ClosedAt
	}
	return int(end.Sub(pr.CreatedAt).Hours() / 24)
}
