package application_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/repopulse/internal/application"
	"github.com/ericfisherdev/repopulse/internal/domain/model"
	"github.com/ericfisherdev/repopulse/internal/domain/port/driven"
)

// --- Mock implementations ---

type mockReader struct {
	listRepos      func(ctx context.Context, sess model.Session) ([]model.Repository, error)
	getRepo        func(ctx context.Context, sess model.Session, id string) (*model.Repository, error)
	listCommits    func(ctx context.Context, sess model.Session, id string, limit int) ([]model.Commit, error)
	listIssues     func(ctx context.Context, sess model.Session, id, state string) ([]model.Issue, error)
	listPRs        func(ctx context.Context, sess model.Session, id, state string) ([]model.PullRequest, error)
	commitActivity func(ctx context.Context, sess model.Session, id string, since time.Time) ([]model.CommitActivity, error)
	issueStats     func(ctx context.Context, sess model.Session, id string) (*model.IssueStats, error)
	prStats        func(ctx context.Context, sess model.Session, id string) (*model.PRStats, error)

	mu    sync.Mutex
	calls []string
}

var _ driven.RepositoryReader = (*mockReader)(nil)

func (m *mockReader) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockReader) ListRepositories(ctx context.Context, sess model.Session) ([]model.Repository, error) {
	m.record("ListRepositories")
	return m.listRepos(ctx, sess)
}

func (m *mockReader) GetRepository(ctx context.Context, sess model.Session, id string) (*model.Repository, error) {
	m.record("GetRepository")
	return m.getRepo(ctx, sess, id)
}

func (m *mockReader) ListCommits(ctx context.Context, sess model.Session, id string, limit int) ([]model.Commit, error) {
	m.record("ListCommits")
	return m.listCommits(ctx, sess, id, limit)
}

func (m *mockReader) ListIssues(ctx context.Context, sess model.Session, id, state string) ([]model.Issue, error) {
	m.record("ListIssues")
	return m.listIssues(ctx, sess, id, state)
}

func (m *mockReader) ListPullRequests(ctx context.Context, sess model.Session, id, state string) ([]model.PullRequest, error) {
	m.record("ListPullRequests")
	return m.listPRs(ctx, sess, id, state)
}

func (m *mockReader) ListCommitActivity(ctx context.Context, sess model.Session, id string, since time.Time) ([]model.CommitActivity, error) {
	m.record("ListCommitActivity")
	return m.commitActivity(ctx, sess, id, since)
}

func (m *mockReader) IssueStats(ctx context.Context, sess model.Session, id string) (*model.IssueStats, error) {
	m.record("IssueStats")
	return m.issueStats(ctx, sess, id)
}

func (m *mockReader) PRStats(ctx context.Context, sess model.Session, id string) (*model.PRStats, error) {
	m.record("PRStats")
	return m.prStats(ctx, sess, id)
}

// failingReader returns err from every method.
func failingReader(err error) *mockReader {
	return &mockReader{
		listRepos: func(context.Context, model.Session) ([]model.Repository, error) { return nil, err },
		getRepo:   func(context.Context, model.Session, string) (*model.Repository, error) { return nil, err },
		listCommits: func(context.Context, model.Session, string, int) ([]model.Commit, error) {
			return nil, err
		},
		listIssues: func(context.Context, model.Session, string, string) ([]model.Issue, error) {
			return nil, err
		},
		listPRs: func(context.Context, model.Session, string, string) ([]model.PullRequest, error) {
			return nil, err
		},
		commitActivity: func(context.Context, model.Session, string, time.Time) ([]model.CommitActivity, error) {
			return nil, err
		},
		issueStats: func(context.Context, model.Session, string) (*model.IssueStats, error) { return nil, err },
		prStats:    func(context.Context, model.Session, string) (*model.PRStats, error) { return nil, err },
	}
}

const repoID = "6f1c2a4e-3b8d-4c55-9a61-0d2f7e9b1c34"

var (
	testSession = model.Session{AccessToken: "token", UserID: "user-1"}
	fixedNow    = time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
)

func newService(reader driven.RepositoryReader) *application.RepositoryService {
	return application.NewRepositoryService(reader, nil, nil).WithClock(func() time.Time { return fixedNow })
}

// envelope captures the invariant-bearing fields of any Result.
type envelope struct {
	success bool
	hasData bool
	err     string
	kind    model.ErrorKind
}

// runAll invokes every operation against svc and returns their envelopes by name.
func runAll(svc *application.RepositoryService) map[string]envelope {
	ctx := context.Background()

	repos := svc.GetRepositories(ctx, testSession)
	repo := svc.GetRepository(ctx, testSession, repoID)
	commits := svc.GetRepositoryCommits(ctx, testSession, repoID, 10)
	issues := svc.GetRepositoryIssues(ctx, testSession, repoID, "open")
	prs := svc.GetRepositoryPullRequests(ctx, testSession, repoID, "merged")
	analytics := svc.GetRepositoryAnalytics(ctx, testSession, repoID)

	return map[string]envelope{
		"GetRepositories":           {repos.Success, repos.Data != nil, repos.Error, repos.Kind},
		"GetRepository":             {repo.Success, repo.Data != nil, repo.Error, repo.Kind},
		"GetRepositoryCommits":      {commits.Success, commits.Data != nil, commits.Error, commits.Kind},
		"GetRepositoryIssues":       {issues.Success, issues.Data != nil, issues.Error, issues.Kind},
		"GetRepositoryPullRequests": {prs.Success, prs.Data != nil, prs.Error, prs.Kind},
		"GetRepositoryAnalytics":    {analytics.Success, analytics.Data != nil, analytics.Error, analytics.Kind},
	}
}

// --- Tests ---

func TestEveryOperation_ConnectivityFailureYieldsFixedMessage(t *testing.T) {
	transportErr := fmt.Errorf("GET /rest/v1/repositories: %w: %w", driven.ErrUnavailable, errors.New("dial tcp: connection refused"))
	results := runAll(newService(failingReader(transportErr)))

	require.Len(t, results, 6)
	for name, env := range results {
		t.Run(name, func(t *testing.T) {
			assert.False(t, env.success)
			assert.False(t, env.hasData)
			assert.Equal(t, application.ConnectivityErrorMessage, env.err)
			assert.Equal(t, model.ErrorKindConnectivity, env.kind)
		})
	}
}

func TestEveryOperation_QueryErrorMessageIsVerbatim(t *testing.T) {
	qe := &driven.QueryError{Message: `permission denied for table repositories`, Code: "42501", Status: 401}
	results := runAll(newService(failingReader(fmt.Errorf("select repositories: %w", qe))))

	for name, env := range results {
		t.Run(name, func(t *testing.T) {
			assert.False(t, env.success)
			assert.False(t, env.hasData)
			assert.Equal(t, qe.Message, env.err)
			assert.Equal(t, model.ErrorKindQuery, env.kind)
		})
	}
}

func TestEveryOperation_UnexpectedErrorUsesOperationMessage(t *testing.T) {
	results := runAll(newService(failingReader(errors.New("decode response: unexpected EOF"))))

	want := map[string]string{
		"GetRepositories":           "Failed to load repositories",
		"GetRepository":             "Failed to load repository",
		"GetRepositoryCommits":      "Failed to load commits",
		"GetRepositoryIssues":       "Failed to load issues",
		"GetRepositoryPullRequests": "Failed to load pull requests",
		"GetRepositoryAnalytics":    "Failed to load repository analytics",
	}
	for name, env := range results {
		assert.Equal(t, want[name], env.err, name)
		assert.Equal(t, model.ErrorKindInternal, env.kind, name)
	}
}

func TestGetRepositories_EmptyTableIsSuccess(t *testing.T) {
	reader := &mockReader{
		listRepos: func(context.Context, model.Session) ([]model.Repository, error) { return nil, nil },
	}

	result := newService(reader).GetRepositories(context.Background(), testSession)

	require.True(t, result.Success)
	assert.Empty(t, result.Error)
	require.NotNil(t, result.Data)
	assert.Len(t, result.Data, 0)
}

func TestGetRepositories_PassesSessionThrough(t *testing.T) {
	var got model.Session
	reader := &mockReader{
		listRepos: func(_ context.Context, sess model.Session) ([]model.Repository, error) {
			got = sess
			return []model.Repository{{ID: repoID, Name: "api"}}, nil
		},
	}

	result := newService(reader).GetRepositories(context.Background(), testSession)

	require.True(t, result.Success)
	assert.Equal(t, testSession, got)
	assert.Equal(t, "api", result.Data[0].Name)
}

func TestGetRepositories_ConcurrentCallsAreIndependent(t *testing.T) {
	reader := &mockReader{
		listRepos: func(_ context.Context, sess model.Session) ([]model.Repository, error) {
			// Each caller sees only rows derived from its own session.
			return []model.Repository{{ID: sess.UserID, Name: "repo-of-" + sess.UserID}}, nil
		},
	}
	svc := newService(reader)

	const callers = 32
	var wg sync.WaitGroup
	results := make([]model.Result[[]model.Repository], callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess := model.Session{AccessToken: "t", UserID: fmt.Sprintf("user-%d", i)}
			results[i] = svc.GetRepositories(context.Background(), sess)
		}()
	}
	wg.Wait()

	for i, r := range results {
		require.True(t, r.Success)
		require.Len(t, r.Data, 1)
		assert.Equal(t, fmt.Sprintf("repo-of-user-%d", i), r.Data[0].Name)
	}
	assert.Len(t, reader.calls, callers, "every call must reach the backend")
}

func TestGetRepository_NilWithoutErrorIsNoRowsQueryError(t *testing.T) {
	reader := &mockReader{
		getRepo: func(context.Context, model.Session, string) (*model.Repository, error) { return nil, nil },
	}

	result := newService(reader).GetRepository(context.Background(), testSession, repoID)

	assert.False(t, result.Success)
	assert.Nil(t, result.Data)
	assert.Equal(t, driven.NoRowsMessage, result.Error)
	assert.Equal(t, model.ErrorKindQuery, result.Kind)
}

func TestGetRepositoryCommits_Limit(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		wantLimit int
	}{
		{name: "explicit limit", limit: 10, wantLimit: 10},
		{name: "zero uses default", limit: 0, wantLimit: application.DefaultCommitLimit},
		{name: "negative uses default", limit: -3, wantLimit: application.DefaultCommitLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotLimit int
			reader := &mockReader{
				listCommits: func(_ context.Context, _ model.Session, _ string, limit int) ([]model.Commit, error) {
					gotLimit = limit
					return []model.Commit{}, nil
				},
			}

			result := newService(reader).GetRepositoryCommits(context.Background(), testSession, repoID, tt.limit)

			require.True(t, result.Success)
			assert.Equal(t, tt.wantLimit, gotLimit)
		})
	}
}

func TestGetRepositoryIssues_StateFilter(t *testing.T) {
	tests := []struct {
		state     string
		wantState string
	}{
		{state: "all", wantState: ""},
		{state: "", wantState: ""},
		{state: "open", wantState: "open"},
		{state: "closed", wantState: "closed"},
	}

	for _, tt := range tests {
		t.Run("state="+tt.state, func(t *testing.T) {
			var gotState = "unset"
			reader := &mockReader{
				listIssues: func(_ context.Context, _ model.Session, _ string, state string) ([]model.Issue, error) {
					gotState = state
					return nil, nil
				},
			}

			result := newService(reader).GetRepositoryIssues(context.Background(), testSession, repoID, tt.state)

			require.True(t, result.Success)
			assert.Equal(t, tt.wantState, gotState)
			assert.NotNil(t, result.Data)
		})
	}
}

func TestGetRepositoryPullRequests_StateFilter(t *testing.T) {
	var gotState string
	reader := &mockReader{
		listPRs: func(_ context.Context, _ model.Session, _ string, state string) ([]model.PullRequest, error) {
			gotState = state
			return []model.PullRequest{{Number: 7, State: model.PRStateMerged}}, nil
		},
	}

	result := newService(reader).GetRepositoryPullRequests(context.Background(), testSession, repoID, "merged")

	require.True(t, result.Success)
	assert.Equal(t, "merged", gotState)
	assert.Equal(t, model.PRStateMerged, result.Data[0].State)
}

func TestGetRepositoryAnalytics_Success(t *testing.T) {
	var gotSince time.Time
	commits := []model.CommitActivity{
		{CommittedAt: fixedNow.Add(-48 * time.Hour), Additions: 10, Deletions: 2},
		{CommittedAt: fixedNow.Add(-24 * time.Hour), Additions: 5, Deletions: 1},
	}
	reader := &mockReader{
		commitActivity: func(_ context.Context, _ model.Session, _ string, since time.Time) ([]model.CommitActivity, error) {
			gotSince = since
			return commits, nil
		},
		issueStats: func(context.Context, model.Session, string) (*model.IssueStats, error) {
			return &model.IssueStats{Open: 4, Closed: 9}, nil
		},
		prStats: func(context.Context, model.Session, string) (*model.PRStats, error) {
			return &model.PRStats{Open: 2, Closed: 1, Merged: 6}, nil
		},
	}

	result := newService(reader).GetRepositoryAnalytics(context.Background(), testSession, repoID)

	require.True(t, result.Success)
	require.NotNil(t, result.Data)
	assert.Equal(t, fixedNow.Add(-30*24*time.Hour), gotSince)
	assert.Equal(t, commits, result.Data.Commits)
	assert.Equal(t, model.IssueStats{Open: 4, Closed: 9}, result.Data.IssueStats)
	assert.Equal(t, model.PRStats{Open: 2, Closed: 1, Merged: 6}, result.Data.PRStats)
	assert.Equal(t, []string{"ListCommitActivity", "IssueStats", "PRStats"}, reader.calls)
}

func TestGetRepositoryAnalytics_NullStatsDefaultToZero(t *testing.T) {
	reader := &mockReader{
		commitActivity: func(context.Context, model.Session, string, time.Time) ([]model.CommitActivity, error) {
			return nil, nil
		},
		issueStats: func(context.Context, model.Session, string) (*model.IssueStats, error) { return nil, nil },
		prStats:    func(context.Context, model.Session, string) (*model.PRStats, error) { return nil, nil },
	}

	result := newService(reader).GetRepositoryAnalytics(context.Background(), testSession, repoID)

	require.True(t, result.Success)
	assert.Equal(t, []model.CommitActivity{}, result.Data.Commits)
	assert.Equal(t, model.IssueStats{}, result.Data.IssueStats)
	assert.Equal(t, model.PRStats{}, result.Data.PRStats)
}

func TestGetRepositoryAnalytics_FailFast(t *testing.T) {
	commitsErr := &driven.QueryError{Message: "column commits.committed_at does not exist"}
	issueErr := &driven.QueryError{Message: "function get_repository_issue_stats(repo_id => uuid) does not exist"}
	prErr := &driven.QueryError{Message: "function get_repository_pr_stats(repo_id => uuid) does not exist"}

	okCommits := func(context.Context, model.Session, string, time.Time) ([]model.CommitActivity, error) {
		return []model.CommitActivity{{Additions: 1}}, nil
	}
	okIssues := func(context.Context, model.Session, string) (*model.IssueStats, error) {
		return &model.IssueStats{Open: 1}, nil
	}

	tests := []struct {
		name      string
		reader    *mockReader
		wantErr   string
		wantCalls []string
	}{
		{
			name: "commits fetch fails",
			reader: &mockReader{
				commitActivity: func(context.Context, model.Session, string, time.Time) ([]model.CommitActivity, error) {
					return nil, commitsErr
				},
			},
			wantErr:   commitsErr.Message,
			wantCalls: []string{"ListCommitActivity"},
		},
		{
			name: "issue stats fails",
			reader: &mockReader{
				commitActivity: okCommits,
				issueStats:     func(context.Context, model.Session, string) (*model.IssueStats, error) { return nil, issueErr },
			},
			wantErr:   issueErr.Message,
			wantCalls: []string{"ListCommitActivity", "IssueStats"},
		},
		{
			name: "pr stats fails",
			reader: &mockReader{
				commitActivity: okCommits,
				issueStats:     okIssues,
				prStats:        func(context.Context, model.Session, string) (*model.PRStats, error) { return nil, prErr },
			},
			wantErr:   prErr.Message,
			wantCalls: []string{"ListCommitActivity", "IssueStats", "PRStats"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := newService(tt.reader).GetRepositoryAnalytics(context.Background(), testSession, repoID)

			assert.False(t, result.Success)
			assert.Nil(t, result.Data, "no partial analytics on failure")
			assert.Equal(t, tt.wantErr, result.Error)
			assert.Equal(t, tt.wantCalls, tt.reader.calls)
		})
	}
}

func TestCanceledContextIsNotConnectivity(t *testing.T) {
	reader := failingReader(fmt.Errorf("list repositories: %w", context.Canceled))

	result := newService(reader).GetRepositories(context.Background(), testSession)

	assert.False(t, result.Success)
	assert.Equal(t, "Failed to load repositories", result.Error)
	assert.Equal(t, model.ErrorKindInternal, result.Kind)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind model.ErrorKind
		wantMsg  string
	}{
		{name: "unavailable", err: fmt.Errorf("realtime dial: %w", driven.ErrUnavailable), wantKind: model.ErrorKindConnectivity, wantMsg: application.ConnectivityErrorMessage},
		{name: "query", err: fmt.Errorf("join: %w", &driven.QueryError{Message: "Unauthorized"}), wantKind: model.ErrorKindQuery, wantMsg: "Unauthorized"},
		{name: "other", err: errors.New("boom"), wantKind: model.ErrorKindInternal, wantMsg: "fallback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, msg := application.Classify(tt.err, "fallback")
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantMsg, msg)
		})
	}
}
