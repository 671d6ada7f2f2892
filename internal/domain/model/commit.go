package model

import "time"

// Commit is an append-only commit row for a repository.
type Commit struct {
	ID           string
	RepositoryID string
	SHA          string
	Message      string
	CommittedAt  time.Time
	Additions    int
	Deletions    int
	Author       *UserProfile
}

// CommitActivity is the narrow commit projection used by analytics.
type CommitActivity struct {
	CommittedAt time.Time
	Additions   int
	Deletions   int
}
