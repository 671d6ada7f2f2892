package model

import "time"

// Issue is an issue row for a repository.
type Issue struct {
	ID           string
	RepositoryID string
	Number       int
	Title        string
	State        IssueState
	Labels       []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ClosedAt     *time.Time

	Author   *UserProfile
	Assignee *UserProfile
}
