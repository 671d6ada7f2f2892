package httphandler

import (
	"context"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ericfisherdev/repopulse/internal/application"
	"github.com/ericfisherdev/repopulse/internal/domain/model"
)

const (
	streamWriteWait = 10 * time.Second
	// Close frame payloads are limited to 125 bytes including the code.
	maxCloseReason = 123
)

// Callers authenticate with a bearer token rather than cookies, so any
// origin may open a stream.
var streamUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// StreamAllChanges upgrades to a websocket carrying repository and commit
// changes across every repository.
func (h *Handler) StreamAllChanges(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, func(ctx context.Context, sess model.Session) (*application.Subscription, error) {
		return h.subs.SubscribeToAllRepositories(ctx, sess)
	})
}

// StreamRepositoryChanges upgrades to a websocket carrying changes to one
// repository and its commits, issues and pull requests.
func (h *Handler) StreamRepositoryChanges(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.stream(w, r, func(ctx context.Context, sess model.Session) (*application.Subscription, error) {
		return h.subs.SubscribeToRepositoryChanges(ctx, sess, id)
	})
}

func (h *Handler) stream(
	w http.ResponseWriter,
	r *http.Request,
	subscribe func(context.Context, model.Session) (*application.Subscription, error),
) {
	// Browsers cannot set headers on a websocket handshake.
	if r.Header.Get("Authorization") == "" {
		if token := r.URL.Query().Get("access_token"); token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
	}

	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	// Subscribe before upgrading so failures still get a JSON response.
	sub, err := subscribe(r.Context(), sess)
	if err != nil {
		kind, msg := application.Classify(err, "Failed to subscribe to changes")
		h.logger.Warn("subscription failed", "path", r.URL.Path, "error", err)
		writeError(w, statusForKind(kind), msg)
		return
	}
	defer h.subs.Unsubscribe(sub)

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		h.logger.Warn("websocket upgrade failed", "path", r.URL.Path, "error", err)
		return
	}
	defer conn.Close()

	h.logger.Info("change stream opened", "topic", sub.Topic(), "user_id", sess.UserID)

	// Server read and write timeouts still apply to the hijacked conn.
	_ = conn.SetReadDeadline(time.Time{})

	// The client never sends data; reading detects its departure.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.subs.Unsubscribe(sub)
				return
			}
		}
	}()

	writeFailed := false
	streamErr := sub.Forward(func(ev model.ChangeEvent) {
		if writeFailed {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(toChangeEventResponse(ev)); err != nil {
			writeFailed = true
			h.subs.Unsubscribe(sub)
		}
	})

	code, reason := closeFrameFor(streamErr)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(streamWriteWait))

	if streamErr != nil {
		h.logger.Warn("change stream ended", "topic", sub.Topic(), "error", streamErr)
		return
	}
	h.logger.Info("change stream closed", "topic", sub.Topic())
}

// closeFrameFor maps the error that ended a subscription onto a websocket
// close code and reason.
func closeFrameFor(err error) (int, string) {
	if err == nil {
		return websocket.CloseNormalClosure, ""
	}

	kind, msg := application.Classify(err, "Change stream failed")
	msg = truncateReason(msg)

	if kind == model.ErrorKindConnectivity {
		return websocket.CloseTryAgainLater, msg
	}
	return websocket.CloseInternalServerErr, msg
}

// truncateReason cuts msg to fit a close frame without splitting a rune.
func truncateReason(msg string) string {
	if len(msg) <= maxCloseReason {
		return msg
	}
	end := maxCloseReason
	for end > 0 && !utf8.RuneStart(msg[end]) {
		end--
	}
	return msg[:end]
}
