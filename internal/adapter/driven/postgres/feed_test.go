package postgres

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/repopulse/internal/domain/model"
	"github.com/ericfisherdev/repopulse/internal/domain/port/driven"
)

func TestDecodeNotification(t *testing.T) {
	payload := `{"schema":"public","table":"commits","type":"DELETE","commit_timestamp":"2026-03-01T10:00:00.123456Z",` +
		`"record":null,"old_record":{"id":"c1","repository_id":"` + testRepoID + `"}}`

	ev, ok := decodeNotification(payload)
	require.True(t, ok)
	assert.Equal(t, "public", ev.Schema)
	assert.Equal(t, "commits", ev.Table)
	assert.Equal(t, model.ChangeDelete, ev.Type)
	assert.Equal(t, 123456000, ev.CommitTimestamp.Nanosecond())
	assert.Nil(t, ev.Record)
	assert.JSONEq(t, `{"id":"c1","repository_id":"`+testRepoID+`"}`, string(ev.OldRecord))
	assert.Equal(t, payload, string(ev.Raw))

	_, ok = decodeNotification(`not json`)
	assert.False(t, ok)

	_, ok = decodeNotification(`{"schema":"public"}`)
	assert.False(t, ok)
}

func TestMatches(t *testing.T) {
	insert := model.ChangeEvent{
		Schema: "public", Table: "commits", Type: model.ChangeInsert,
		Record: []byte(`{"id":"c1","repository_id":"` + testRepoID + `"}`),
	}
	deleted := model.ChangeEvent{
		Schema: "public", Table: "issues", Type: model.ChangeDelete,
		OldRecord: []byte(`{"id":"i1","repository_id":"` + testRepoID + `"}`),
	}
	repo := model.ChangeEvent{
		Schema: "public", Table: "repositories", Type: model.ChangeUpdate,
		Record: []byte(`{"id":"` + testRepoID + `","stars_count":4}`),
	}

	tests := []struct {
		name  string
		watch model.TableWatch
		ev    model.ChangeEvent
		want  bool
	}{
		{name: "unfiltered table", watch: model.TableWatch{Event: "*", Schema: "public", Table: "commits"}, ev: insert, want: true},
		{name: "other table", watch: model.TableWatch{Event: "*", Schema: "public", Table: "issues"}, ev: insert, want: false},
		{name: "other schema", watch: model.TableWatch{Event: "*", Schema: "audit", Table: "commits"}, ev: insert, want: false},
		{name: "event type mismatch", watch: model.TableWatch{Event: "UPDATE", Schema: "public", Table: "commits"}, ev: insert, want: false},
		{name: "event type match", watch: model.TableWatch{Event: "INSERT", Schema: "public", Table: "commits"}, ev: insert, want: true},
		{name: "filter match", watch: model.TableWatch{Event: "*", Schema: "public", Table: "commits", Filter: "repository_id=eq." + testRepoID}, ev: insert, want: true},
		{name: "filter mismatch", watch: model.TableWatch{Event: "*", Schema: "public", Table: "commits", Filter: "repository_id=eq.other"}, ev: insert, want: false},
		{name: "delete uses old row", watch: model.TableWatch{Event: "*", Schema: "public", Table: "issues", Filter: "repository_id=eq." + testRepoID}, ev: deleted, want: true},
		{name: "id filter", watch: model.TableWatch{Event: "*", Schema: "public", Table: "repositories", Filter: "id=eq." + testRepoID}, ev: repo, want: true},
		{name: "unsupported operator", watch: model.TableWatch{Event: "*", Schema: "public", Table: "repositories", Filter: "stars_count=gt.1"}, ev: repo, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matches(tt.watch, tt.ev))
		})
	}
}

type fakeAccess struct {
	mu      sync.Mutex
	allowed map[string]bool
	err     error
	calls   []model.Session
}

func (f *fakeAccess) CanReadRepository(_ context.Context, sess model.Session, repositoryID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sess)
	if f.err != nil {
		return false, f.err
	}
	return f.allowed[repositoryID], nil
}

func TestListenerStream_Deliverable(t *testing.T) {
	const privateRepo = "11111111-1111-4111-8111-111111111111"

	watches := []model.TableWatch{
		{Event: "*", Schema: "public", Table: "repositories"},
		{Event: "*", Schema: "public", Table: "commits"},
		{Event: "*", Schema: "public", Table: "issues"},
	}
	access := &fakeAccess{allowed: map[string]bool{testRepoID: true}}

	privateCommit := model.ChangeEvent{
		Schema: "public", Table: "commits", Type: model.ChangeInsert,
		Record: []byte(`{"id":"c1","repository_id":"` + privateRepo + `","message":"secret"}`),
	}
	publicCommit := model.ChangeEvent{
		Schema: "public", Table: "commits", Type: model.ChangeInsert,
		Record: []byte(`{"id":"c2","repository_id":"` + testRepoID + `"}`),
	}
	privateRepoUpdate := model.ChangeEvent{
		Schema: "public", Table: "repositories", Type: model.ChangeUpdate,
		Record:    []byte(`{"id":"` + privateRepo + `","is_private":true}`),
		OldRecord: []byte(`{"id":"` + privateRepo + `","is_private":true}`),
	}
	publicRepoDelete := model.ChangeEvent{
		Schema: "public", Table: "repositories", Type: model.ChangeDelete,
		OldRecord: []byte(`{"id":"` + privateRepo + `","is_private":false}`),
	}
	privateIssueDelete := model.ChangeEvent{
		Schema: "public", Table: "issues", Type: model.ChangeDelete,
		OldRecord: []byte(`{"id":"i1","repository_id":"` + privateRepo + `"}`),
	}
	keyless := model.ChangeEvent{
		Schema: "public", Table: "commits", Type: model.ChangeInsert,
		Record: []byte(`{"id":"c3"}`),
	}

	s := newListenerStream(model.AnonymousSession(), "realtime:all_repositories_changes", watches, access, slog.Default())
	defer s.cancel()

	assert.False(t, s.deliverable(privateCommit), "private repository rows never reach anonymous callers")
	assert.True(t, s.deliverable(publicCommit))
	assert.False(t, s.deliverable(privateRepoUpdate))
	assert.True(t, s.deliverable(publicRepoDelete), "public repository rows need no lookup")
	assert.False(t, s.deliverable(privateIssueDelete))
	assert.False(t, s.deliverable(keyless))

	require.NotEmpty(t, access.calls)
	for _, sess := range access.calls {
		assert.True(t, sess.IsAnonymous())
	}
}

func TestListenerStream_DeliverableCachesDecisions(t *testing.T) {
	watches := []model.TableWatch{{Event: "*", Schema: "public", Table: "commits"}}
	access := &fakeAccess{allowed: map[string]bool{testRepoID: true}}
	ev := model.ChangeEvent{
		Schema: "public", Table: "commits", Type: model.ChangeInsert,
		Record: []byte(`{"id":"c1","repository_id":"` + testRepoID + `"}`),
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newListenerStream(model.Session{AccessToken: "jwt", UserID: "u1"}, "topic", watches, access, slog.Default())
	defer s.cancel()
	s.now = func() time.Time { return now }

	assert.True(t, s.deliverable(ev))
	assert.True(t, s.deliverable(ev))
	assert.Len(t, access.calls, 1)

	access.allowed[testRepoID] = false
	now = now.Add(accessCacheTTL)
	assert.False(t, s.deliverable(ev), "revoked access is seen once the decision expires")
	assert.Len(t, access.calls, 2)
}

func TestListenerStream_DeliverableFailsClosed(t *testing.T) {
	watches := []model.TableWatch{{Event: "*", Schema: "public", Table: "commits"}}
	ev := model.ChangeEvent{
		Schema: "public", Table: "commits", Type: model.ChangeInsert,
		Record: []byte(`{"id":"c1","repository_id":"` + testRepoID + `"}`),
	}

	failing := newListenerStream(model.AnonymousSession(), "topic", watches,
		&fakeAccess{err: errors.New("connection reset")}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer failing.cancel()
	assert.False(t, failing.deliverable(ev))

	unchecked := newListenerStream(model.AnonymousSession(), "topic", watches, nil, slog.Default())
	defer unchecked.cancel()
	assert.False(t, unchecked.deliverable(ev))
}

func TestFeed_OpenUnreachableIsUnavailable(t *testing.T) {
	feed := NewFeed("postgres://repopulse@127.0.0.1:1/repopulse?sslmode=disable&connect_timeout=2", nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := feed.Open(ctx, model.Session{}, "realtime:all_repositories_changes", nil)
	assert.Nil(t, stream)
	require.Error(t, err)
	assert.ErrorIs(t, err, driven.ErrUnavailable)
}

// TestFeed_Integration runs against a live database when
// REPOPULSE_TEST_DATABASE_URL is set.
func TestFeed_Integration(t *testing.T) {
	dsn := os.Getenv("REPOPULSE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("REPOPULSE_TEST_DATABASE_URL not set; skipping postgres integration test")
	}

	conn, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, RunMigrations(conn))

	var repoID string
	require.NoError(t, conn.QueryRow(
		`INSERT INTO repositories (name, full_name) VALUES ('feed', 'it/feed-' || gen_random_uuid()) RETURNING id`,
	).Scan(&repoID))
	t.Cleanup(func() { _, _ = conn.Exec(`DELETE FROM repositories WHERE id = $1`, repoID) })

	feed := NewFeed(dsn, NewReader(NewDBFromConn(conn)), nil)
	stream, err := feed.Open(context.Background(), model.Session{}, "realtime:repository_changes_"+repoID, []model.TableWatch{
		{Event: "*", Schema: "public", Table: "commits", Filter: "repository_id=eq." + repoID},
	})
	require.NoError(t, err)
	defer stream.Close()

	_, err = conn.Exec(`INSERT INTO commits (repository_id, sha, committed_at) VALUES ($1, 'abc', now())`, repoID)
	require.NoError(t, err)

	select {
	case ev := <-stream.Events():
		assert.Equal(t, "commits", ev.Table)
		assert.Equal(t, model.ChangeInsert, ev.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification received")
	}

	require.NoError(t, stream.Close())
	assert.NoError(t, stream.Err())
}
