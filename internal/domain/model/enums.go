package model

// HealthStatus is the backend-assigned health bucket of a repository.
type HealthStatus string

const (
	HealthStatusHealthy  HealthStatus = "healthy"
	HealthStatusWarning  HealthStatus = "warning"
	HealthStatusCritical HealthStatus = "critical"
)

// IssueState represents the lifecycle state of an issue.
type IssueState string

const (
	IssueStateOpen   IssueState = "open"
	IssueStateClosed IssueState = "closed"
)

// PRState represents the lifecycle state of a pull request.
type PRState string

const (
	PRStateOpen     PRState = "open"
	PRStateDraft    PRState = "draft"
	PRStateReview   PRState = "review"
	PRStateApproved PRState = "approved"
	PRStateMerged   PRState = "merged"
	PRStateClosed   PRState = "closed"
)

// StateAll disables the state filter on issue and pull request listings.
const StateAll = "all"

// ChangeType is the kind of row change carried by a ChangeEvent.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeAny matches every ChangeType in a TableWatch.
const ChangeAny = "*"
