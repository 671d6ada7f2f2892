package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/tidwall/gjson"

	"github.com/ericfisherdev/repopulse/internal/domain/model"
	"github.com/ericfisherdev/repopulse/internal/domain/port/driven"
)

// ChangeChannel is the NOTIFY channel the change triggers publish on.
const ChangeChannel = "repopulse_changes"

// Compile-time interface satisfaction check.
var _ driven.ChangeFeed = (*Feed)(nil)

// accessCacheTTL bounds how long a visibility decision is reused.
const accessCacheTTL = 30 * time.Second

// AccessChecker decides whether a session may read a repository. Reader
// implements it through the row-level security policies.
type AccessChecker interface {
	CanReadRepository(ctx context.Context, sess model.Session, repositoryID string) (bool, error)
}

// Feed implements driven.ChangeFeed with LISTEN/NOTIFY. Each Open holds a
// dedicated listener connection and applies the watch filters locally.
//
// Notifications bypass row-level security, so every event is checked
// against the subscriber's session before delivery. Events whose repository
// cannot be determined or checked are dropped.
type Feed struct {
	dsn          string
	access       AccessChecker
	minReconnect time.Duration
	maxReconnect time.Duration
	logger       *slog.Logger
}

// NewFeed creates a Feed connecting to dsn. access decides which events a
// subscriber may see; a nil access drops every event.
func NewFeed(dsn string, access AccessChecker, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		dsn:          dsn,
		access:       access,
		minReconnect: 10 * time.Second,
		maxReconnect: time.Minute,
		logger:       logger,
	}
}

// Open starts listening on ChangeChannel. It fails fast when the first
// connection attempt fails instead of waiting for the listener to retry.
func (f *Feed) Open(ctx context.Context, sess model.Session, topic string, watches []model.TableWatch) (driven.Stream, error) {
	s := newListenerStream(sess, topic, watches, f.access, f.logger.With("topic", topic))
	if err := f.listen(ctx, s); err != nil {
		return nil, err
	}

	go s.relay()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.relayDone:
		}
	}()

	return s, nil
}

func newListenerStream(sess model.Session, topic string, watches []model.TableWatch, access AccessChecker, logger *slog.Logger) *listenerStream {
	checkCtx, cancel := context.WithCancel(context.Background())
	return &listenerStream{
		session:   sess,
		access:    access,
		checkCtx:  checkCtx,
		cancel:    cancel,
		visible:   make(map[string]accessEntry),
		now:       time.Now,
		topic:     topic,
		watches:   watches,
		events:    make(chan model.ChangeEvent, 64),
		closing:   make(chan struct{}),
		relayDone: make(chan struct{}),
		lost:      make(chan error, 1),
		logger:    logger,
	}
}

// listen connects s to ChangeChannel.
func (f *Feed) listen(ctx context.Context, s *listenerStream) error {
	connErr := make(chan error, 1)
	connected := false
	var connMu sync.Mutex

	s.listener = pq.NewListener(f.dsn, f.minReconnect, f.maxReconnect, func(ev pq.ListenerEventType, err error) {
		connMu.Lock()
		established := connected
		if ev == pq.ListenerEventConnected {
			connected = true
		}
		connMu.Unlock()

		switch ev {
		case pq.ListenerEventConnectionAttemptFailed:
			if !established {
				select {
				case connErr <- err:
				default:
				}
			}
		case pq.ListenerEventDisconnected:
			select {
			case s.lost <- err:
			default:
			}
		}
	})

	listened := make(chan error, 1)
	go func() { listened <- s.listener.Listen(ChangeChannel) }()

	var err error
	select {
	case err = <-listened:
		if err != nil {
			s.listener.Close()
			err = mapError("listen "+ChangeChannel, err)
		}
	case connFailed := <-connErr:
		s.listener.Close()
		<-listened
		err = mapError("listen "+ChangeChannel, unreachable(connFailed))
	case <-ctx.Done():
		s.listener.Close()
		<-listened
		err = fmt.Errorf("listen %s: %w", ChangeChannel, ctx.Err())
	}
	if err != nil {
		s.cancel()
	}
	return err
}

// unreachable makes sure a failed connection attempt classifies as
// unavailable even when the driver error carries no network type.
func unreachable(err error) error {
	if err == nil {
		return driven.ErrUnavailable
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return err
	}
	return fmt.Errorf("%w: %w", driven.ErrUnavailable, err)
}

type accessEntry struct {
	allowed bool
	checked time.Time
}

type listenerStream struct {
	listener *pq.Listener
	session  model.Session
	access   AccessChecker
	checkCtx context.Context
	cancel   context.CancelFunc
	visible  map[string]accessEntry // repository id -> decision, relay goroutine only
	now      func() time.Time

	topic     string
	watches   []model.TableWatch
	events    chan model.ChangeEvent
	closing   chan struct{}
	relayDone chan struct{}
	lost      chan error
	logger    *slog.Logger

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

func (s *listenerStream) Events() <-chan model.ChangeEvent {
	return s.events
}

func (s *listenerStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close stops listening and waits for the relay to exit.
func (s *listenerStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)
		s.cancel()
		err = s.listener.Close()
		<-s.relayDone
	})
	if err != nil && !isListenerClosed(err) {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}

func (s *listenerStream) relay() {
	defer func() {
		close(s.events)
		close(s.relayDone)
	}()

	for {
		select {
		case <-s.closing:
			return
		case err := <-s.lost:
			s.fail(mapError("listen "+ChangeChannel, unreachable(err)))
			_ = s.listener.Close()
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Delivered after a reconnect; notifications may have been missed.
				continue
			}

			ev, ok := decodeNotification(n.Extra)
			if !ok {
				s.logger.Warn("dropping malformed change notification", "payload_bytes", len(n.Extra))
				continue
			}
			if !s.deliverable(ev) {
				continue
			}

			select {
			case s.events <- ev:
			case <-s.closing:
				return
			}
		}
	}
}

// deliverable reports whether ev matches a watch and its repository is
// visible to the stream's session.
func (s *listenerStream) deliverable(ev model.ChangeEvent) bool {
	if !matchesAny(s.watches, ev) {
		return false
	}
	if publicRepositoryRow(ev) {
		return true
	}

	repoID := repositoryOf(ev)
	if repoID == "" || s.access == nil {
		return false
	}

	now := s.now()
	if entry, ok := s.visible[repoID]; ok && now.Sub(entry.checked) < accessCacheTTL {
		return entry.allowed
	}

	allowed, err := s.access.CanReadRepository(s.checkCtx, s.session, repoID)
	if err != nil {
		s.logger.Warn("dropping change event, access check failed",
			"table", ev.Table,
			"repository_id", repoID,
			"error", err,
		)
		return false
	}
	s.visible[repoID] = accessEntry{allowed: allowed, checked: now}
	return allowed
}

// eventRow returns the row an event describes; DELETE events carry only the
// old row.
func eventRow(ev model.ChangeEvent) json.RawMessage {
	if ev.Type == model.ChangeDelete || len(ev.Record) == 0 {
		return ev.OldRecord
	}
	return ev.Record
}

// repositoryOf returns the repository an event belongs to.
func repositoryOf(ev model.ChangeEvent) string {
	row := eventRow(ev)
	if len(row) == 0 {
		return ""
	}
	column := "repository_id"
	if ev.Table == "repositories" {
		column = "id"
	}
	return gjson.GetBytes(row, column).String()
}

// publicRepositoryRow reports whether ev is a change to a repository row
// that is public in every image the event carries.
func publicRepositoryRow(ev model.ChangeEvent) bool {
	if ev.Table != "repositories" {
		return false
	}
	seen := false
	for _, row := range []json.RawMessage{ev.Record, ev.OldRecord} {
		if len(row) == 0 {
			continue
		}
		private := gjson.GetBytes(row, "is_private")
		if private.Type != gjson.False {
			return false
		}
		seen = true
	}
	return seen
}

func (s *listenerStream) fail(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func isListenerClosed(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Listener has been closed")
}

// decodeNotification parses a trigger payload into a ChangeEvent.
func decodeNotification(payload string) (model.ChangeEvent, bool) {
	if !gjson.Valid(payload) {
		return model.ChangeEvent{}, false
	}
	res := gjson.Parse(payload)

	ev := model.ChangeEvent{
		Schema: res.Get("schema").String(),
		Table:  res.Get("table").String(),
		Type:   model.ChangeType(res.Get("type").String()),
		Raw:    json.RawMessage(payload),
	}
	if ev.Table == "" || ev.Type == "" {
		return model.ChangeEvent{}, false
	}
	if ts, err := time.Parse(time.RFC3339Nano, res.Get("commit_timestamp").String()); err == nil {
		ev.CommitTimestamp = ts
	}
	if rec := res.Get("record"); rec.Exists() && rec.Type != gjson.Null {
		ev.Record = json.RawMessage(rec.Raw)
	}
	if old := res.Get("old_record"); old.Exists() && old.Type != gjson.Null {
		ev.OldRecord = json.RawMessage(old.Raw)
	}
	return ev, true
}

func matchesAny(watches []model.TableWatch, ev model.ChangeEvent) bool {
	for _, w := range watches {
		if matches(w, ev) {
			return true
		}
	}
	return false
}

// matches applies a TableWatch to an event. Filters take the
// "column=eq.value" form; DELETE events are matched on the old row.
func matches(w model.TableWatch, ev model.ChangeEvent) bool {
	if w.Schema != "" && w.Schema != ev.Schema {
		return false
	}
	if w.Table != ev.Table {
		return false
	}
	if w.Event != "" && w.Event != model.ChangeAny && model.ChangeType(w.Event) != ev.Type {
		return false
	}
	if w.Filter == "" {
		return true
	}

	column, rest, ok := strings.Cut(w.Filter, "=")
	if !ok {
		return false
	}
	value, ok := strings.CutPrefix(rest, "eq.")
	if !ok {
		return false
	}

	row := eventRow(ev)
	if len(row) == 0 {
		return false
	}

	field := gjson.GetBytes(row, gjsonEscape(column))
	return field.Exists() && field.String() == value
}

// gjsonEscape escapes characters gjson treats as path syntax.
func gjsonEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
