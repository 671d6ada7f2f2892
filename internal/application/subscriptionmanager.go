package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ericfisherdev/repopulse/internal/domain/model"
	"github.com/ericfisherdev/repopulse/internal/domain/port/driven"
	"github.com/ericfisherdev/repopulse/internal/metrics"
)

const (
	changeSchema      = "public"
	globalChangeTopic = "realtime:all_repositories_changes"
)

// repositoryChangeTopic names the per-repository change channel.
func repositoryChangeTopic(repositoryID string) string {
	return "realtime:repository_changes_" + repositoryID
}

// RepositoryWatches returns the table bindings for a single repository:
// the repository row itself plus its commits, issues and pull requests.
func RepositoryWatches(repositoryID string) []model.TableWatch {
	return []model.TableWatch{
		{Event: model.ChangeAny, Schema: changeSchema, Table: "repositories", Filter: "id=eq." + repositoryID},
		{Event: model.ChangeAny, Schema: changeSchema, Table: "commits", Filter: "repository_id=eq." + repositoryID},
		{Event: model.ChangeAny, Schema: changeSchema, Table: "issues", Filter: "repository_id=eq." + repositoryID},
		{Event: model.ChangeAny, Schema: changeSchema, Table: "pull_requests", Filter: "repository_id=eq." + repositoryID},
	}
}

// GlobalWatches returns the unfiltered bindings used by the overview.
func GlobalWatches() []model.TableWatch {
	return []model.TableWatch{
		{Event: model.ChangeAny, Schema: changeSchema, Table: "repositories"},
		{Event: model.ChangeAny, Schema: changeSchema, Table: "commits"},
	}
}

// SubscriptionManager opens change subscriptions against a ChangeFeed.
// It keeps no registry of open subscriptions; each one is owned entirely by
// the caller that opened it.
type SubscriptionManager struct {
	feed    driven.ChangeFeed
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSubscriptionManager creates a SubscriptionManager. m may be nil.
func NewSubscriptionManager(feed driven.ChangeFeed, m *metrics.Metrics, logger *slog.Logger) *SubscriptionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionManager{
		feed:    feed,
		metrics: m,
		logger:  logger,
	}
}

// SubscribeToRepositoryChanges watches one repository and its commits,
// issues and pull requests.
func (m *SubscriptionManager) SubscribeToRepositoryChanges(ctx context.Context, sess model.Session, repositoryID string) (*Subscription, error) {
	return m.open(ctx, sess, repositoryChangeTopic(repositoryID), RepositoryWatches(repositoryID))
}

// SubscribeToAllRepositories watches every repository and commit row.
func (m *SubscriptionManager) SubscribeToAllRepositories(ctx context.Context, sess model.Session) (*Subscription, error) {
	return m.open(ctx, sess, globalChangeTopic, GlobalWatches())
}

// Unsubscribe tears down sub. A nil sub, or one already closed, is a no-op.
func (m *SubscriptionManager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	if err := sub.Close(); err != nil {
		m.logger.Warn("unsubscribe failed", "topic", sub.Topic(), "error", err)
	}
}

func (m *SubscriptionManager) open(ctx context.Context, sess model.Session, topic string, watches []model.TableWatch) (*Subscription, error) {
	stream, err := m.feed.Open(ctx, sess, topic, watches)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	m.metrics.SubscriptionOpened()
	m.logger.Debug("subscription opened", "topic", topic, "tables", len(watches))

	sub := &Subscription{
		topic:   topic,
		stream:  stream,
		events:  make(chan model.ChangeEvent),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		metrics: m.metrics,
	}
	go sub.relay()

	return sub, nil
}

// Subscription is an open change feed with an explicit cancel handle.
// Events arrive untransformed and in arrival order.
type Subscription struct {
	topic   string
	stream  driven.Stream
	events  chan model.ChangeEvent
	closing chan struct{}
	done    chan struct{}
	metrics *metrics.Metrics

	closeOnce sync.Once
	closeErr  error
}

// Topic returns the channel name this subscription is bound to.
func (s *Subscription) Topic() string {
	return s.topic
}

// Events returns the event stream. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan model.ChangeEvent {
	return s.events
}

// Done is closed once the subscription has ended and Events is drained.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the subscription, or nil if it was
// closed by the caller. Valid after Done is closed.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.stream.Err()
	default:
		return nil
	}
}

// Close ends the subscription. Only the first call has any effect.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.closeErr = s.stream.Close()
	})
	return s.closeErr
}

// Forward invokes fn for each event until the subscription ends, then
// returns the terminal error. fn runs on the caller's goroutine, so each
// invocation completes before the next event is handled.
func (s *Subscription) Forward(fn func(model.ChangeEvent)) error {
	for ev := range s.events {
		fn(ev)
	}
	<-s.done
	return s.stream.Err()
}

func (s *Subscription) relay() {
	defer func() {
		close(s.events)
		s.metrics.SubscriptionClosed()
		close(s.done)
	}()

	for ev := range s.stream.Events() {
		select {
		case s.events <- ev:
			s.metrics.ChangeEvent(ev.Table)
		case <-s.closing:
			// Keep draining until the stream closes its channel.
		}
	}
}
