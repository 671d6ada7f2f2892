package model

import "time"

// Repository represents a repository row as served by the backend, expanded
// with its owner profile and collaborator list.
type Repository struct {
	ID              string
	Name            string
	FullName        string
	Description     string
	Language        string
	StarsCount      int
	ForksCount      int
	OpenIssuesCount int
	HealthScore     float64 // Precomputed by the backend; never derived here.
	HealthStatus    HealthStatus
	OwnerID         string
	IsPrivate       bool
	LastCommitAt    *time.Time // Nil when the repository has no commits yet.
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Owner         *UserProfile
	Collaborators []Collaborator
}

// UserProfile is the public profile joined onto repositories, commits,
// issues and pull requests.
type UserProfile struct {
	ID             string
	FullName       string
	GitHubUsername string
	AvatarURL      string
}

// Collaborator is a member of a repository with a role.
type Collaborator struct {
	UserID string
	Role   string
	User   *UserProfile
}
