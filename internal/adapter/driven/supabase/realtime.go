package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/ericfisherdev/repopulse/internal/domain/model"
	"github.com/ericfisherdev/repopulse/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ChangeFeed = (*Realtime)(nil)

const (
	defaultHeartbeat   = 30 * time.Second
	defaultJoinTimeout = 10 * time.Second
	eventBuffer        = 64
	joinRef            = "1"
)

// ErrChannelClosed is reported when the server closes a channel the client
// did not leave.
var ErrChannelClosed = errors.New("realtime channel closed by server")

// Realtime opens Supabase Realtime channels over the Phoenix websocket
// protocol. Every Open dials its own connection.
type Realtime struct {
	socketURL   string
	anonKey     string
	dialer      *websocket.Dialer
	heartbeat   time.Duration
	joinTimeout time.Duration
	logger      *slog.Logger
}

// NewRealtime creates a Realtime feed for the project at baseURL.
func NewRealtime(baseURL, anonKey string, logger *slog.Logger) (*Realtime, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	return NewRealtimeWithDialer(dialer, baseURL, anonKey, defaultHeartbeat, logger)
}

// NewRealtimeWithDialer creates a Realtime feed with a custom dialer and
// heartbeat interval. Tests use it to target an httptest server.
func NewRealtimeWithDialer(dialer *websocket.Dialer, baseURL, anonKey string, heartbeat time.Duration, logger *slog.Logger) (*Realtime, error) {
	if baseURL == "" {
		return nil, errors.New("supabase URL is required")
	}
	if anonKey == "" {
		return nil, errors.New("supabase anon key is required")
	}
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing supabase URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path += "/realtime/v1/websocket"
	u.RawQuery = url.Values{"apikey": {anonKey}, "vsn": {"1.0.0"}}.Encode()

	return &Realtime{
		socketURL:   u.String(),
		anonKey:     anonKey,
		dialer:      dialer,
		heartbeat:   heartbeat,
		joinTimeout: defaultJoinTimeout,
		logger:      logger,
	}, nil
}

// Open dials the realtime endpoint, joins topic with one postgres_changes
// binding per watch and waits for the server to acknowledge the join.
func (r *Realtime) Open(ctx context.Context, sess model.Session, topic string, watches []model.TableWatch) (driven.Stream, error) {
	conn, resp, err := r.dialer.DialContext(ctx, r.socketURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("realtime dial: %w", ctxErr)
		}
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			return nil, fmt.Errorf("realtime dial: %w", &driven.QueryError{
				Message: fmt.Sprintf("realtime handshake rejected with status %d", resp.StatusCode),
				Status:  resp.StatusCode,
			})
		}
		return nil, fmt.Errorf("realtime dial: %w: %w", driven.ErrUnavailable, err)
	}

	s := &realtimeStream{
		conn:       conn,
		topic:      topic,
		events:     make(chan model.ChangeEvent, eventBuffer),
		closing:    make(chan struct{}),
		readerDone: make(chan struct{}),
		logger:     r.logger.With("topic", topic),
	}
	s.ref.Store(1)

	if err := s.join(ctx, r.joinPayload(sess, watches), r.joinTimeout); err != nil {
		conn.Close()
		return nil, err
	}

	go s.read()
	go s.keepAlive(r.heartbeat)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.readerDone:
		}
	}()

	return s, nil
}

func (r *Realtime) joinPayload(sess model.Session, watches []model.TableWatch) map[string]any {
	bindings := make([]map[string]string, 0, len(watches))
	for _, w := range watches {
		b := map[string]string{
			"event":  w.Event,
			"schema": w.Schema,
			"table":  w.Table,
		}
		if w.Filter != "" {
			b["filter"] = w.Filter
		}
		bindings = append(bindings, b)
	}

	token := sess.AccessToken
	if token == "" {
		token = r.anonKey
	}

	return map[string]any{
		"config": map[string]any{
			"broadcast":        map[string]bool{"self": false},
			"presence":         map[string]string{"key": ""},
			"postgres_changes": bindings,
		},
		"access_token": token,
	}
}

// phoenixMessage is the Phoenix channel envelope.
type phoenixMessage struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref"`
	JoinRef string `json:"join_ref,omitempty"`
}

type realtimeStream struct {
	conn       *websocket.Conn
	topic      string
	events     chan model.ChangeEvent
	closing    chan struct{}
	readerDone chan struct{}
	logger     *slog.Logger

	writeMu sync.Mutex
	ref     atomic.Int64

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

func (s *realtimeStream) Events() <-chan model.ChangeEvent {
	return s.events
}

func (s *realtimeStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close leaves the channel and closes the connection. It waits for the
// reader to exit, so Events is closed when Close returns.
func (s *realtimeStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)

		leave := phoenixMessage{Topic: s.topic, Event: "phx_leave", Payload: struct{}{}, Ref: s.nextRef(), JoinRef: joinRef}
		if err := s.write(leave); err != nil {
			s.logger.Debug("realtime leave failed", "error", err)
		}

		s.writeMu.Lock()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()

		s.conn.Close()
		<-s.readerDone
	})
	return nil
}

func (s *realtimeStream) nextRef() string {
	return strconv.FormatInt(s.ref.Add(1), 10)
}

func (s *realtimeStream) write(msg phoenixMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return s.conn.WriteJSON(msg)
}

// join sends phx_join and blocks until the matching phx_reply arrives.
func (s *realtimeStream) join(ctx context.Context, payload map[string]any, timeout time.Duration) error {
	msg := phoenixMessage{Topic: s.topic, Event: "phx_join", Payload: payload, Ref: joinRef, JoinRef: joinRef}
	if err := s.write(msg); err != nil {
		return fmt.Errorf("realtime join %s: %w: %w", s.topic, driven.ErrUnavailable, err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("realtime join %s: %w", s.topic, err)
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("realtime join %s: %w: %w", s.topic, driven.ErrUnavailable, err)
		}

		res := gjson.ParseBytes(data)
		if res.Get("event").String() != "phx_reply" || res.Get("ref").String() != joinRef {
			continue
		}

		if status := res.Get("payload.status").String(); status != "ok" {
			reason := res.Get("payload.response.reason").String()
			if reason == "" {
				reason = "realtime join rejected"
			}
			return fmt.Errorf("realtime join %s: %w", s.topic, &driven.QueryError{Message: reason})
		}

		return s.conn.SetReadDeadline(time.Time{})
	}
}

func (s *realtimeStream) read() {
	defer func() {
		close(s.events)
		close(s.readerDone)
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.isClosing() {
				s.fail(fmt.Errorf("realtime %s: %w: %w", s.topic, driven.ErrUnavailable, err))
				s.conn.Close()
			}
			return
		}

		res := gjson.ParseBytes(data)
		if res.Get("topic").String() != s.topic {
			continue
		}

		switch res.Get("event").String() {
		case "postgres_changes":
			ev := decodeChange(res.Get("payload.data"))
			select {
			case s.events <- ev:
			case <-s.closing:
				return
			}
		case "system":
			if res.Get("payload.status").String() == "error" {
				s.fail(fmt.Errorf("realtime %s: %w", s.topic, &driven.QueryError{Message: res.Get("payload.message").String()}))
				s.conn.Close()
				return
			}
		case "phx_error":
			s.fail(fmt.Errorf("realtime %s: channel error: %s", s.topic, res.Get("payload").Raw))
			s.conn.Close()
			return
		case "phx_close":
			if !s.isClosing() {
				s.fail(fmt.Errorf("realtime %s: %w", s.topic, ErrChannelClosed))
				s.conn.Close()
			}
			return
		}
	}
}

func (s *realtimeStream) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closing:
			return
		case <-s.readerDone:
			return
		case <-ticker.C:
			hb := phoenixMessage{Topic: "phoenix", Event: "heartbeat", Payload: struct{}{}, Ref: s.nextRef()}
			if err := s.write(hb); err != nil {
				s.logger.Debug("realtime heartbeat failed", "error", err)
				return
			}
		}
	}
}

func (s *realtimeStream) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *realtimeStream) fail(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// decodeChange converts a postgres_changes data object. Raw keeps the
// object exactly as received.
func decodeChange(data gjson.Result) model.ChangeEvent {
	ev := model.ChangeEvent{
		Schema: data.Get("schema").String(),
		Table:  data.Get("table").String(),
		Type:   model.ChangeType(data.Get("type").String()),
		Raw:    json.RawMessage(data.Raw),
	}
	if ts, err := time.Parse(time.RFC3339Nano, data.Get("commit_timestamp").String()); err == nil {
		ev.CommitTimestamp = ts
	}
	if rec := data.Get("record"); rec.Exists() && rec.Type != gjson.Null {
		ev.Record = json.RawMessage(rec.Raw)
	}
	if old := data.Get("old_record"); old.Exists() && old.Type != gjson.Null {
		ev.OldRecord = json.RawMessage(old.Raw)
	}
	return ev
}
