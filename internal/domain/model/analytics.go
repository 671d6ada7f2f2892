package model

// IssueStats holds issue counts computed by the backend.
type IssueStats struct {
	Open   int
	Closed int
}

// PRStats holds pull request counts computed by the backend.
type PRStats struct {
	Open   int
	Closed int
	Merged int
}

// RepositoryAnalytics bundles the trailing commit window with the two
// remotely computed statistics records. Nothing in it is aggregated locally.
type RepositoryAnalytics struct {
	Commits    []CommitActivity
	IssueStats IssueStats
	PRStats    PRStats
}
