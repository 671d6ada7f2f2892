package httphandler

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ericfisherdev/repopulse/internal/domain/model"
)

// Roles a caller may assume through an access token. Elevated roles such as
// service_role are never taken from a token.
const (
	roleAnon          = "anon"
	roleAuthenticated = "authenticated"
)

// session resolves the caller's session from the Authorization header.
// Requests without one proceed anonymously. With a configured secret the
// token signature is verified here; otherwise the token is only decoded and
// the data backend verifies it on every query.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (model.Session, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return model.AnonymousSession(), true
	}

	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		writeError(w, http.StatusUnauthorized, "invalid authorization header format")
		return model.Session{}, false
	}

	sess, err := parseSession(strings.TrimSpace(token), h.jwtSecret)
	if err != nil {
		h.logger.Debug("rejecting access token", "error", err)
		writeError(w, http.StatusUnauthorized, "invalid access token")
		return model.Session{}, false
	}
	if sess.Expired(h.now()) {
		writeError(w, http.StatusUnauthorized, "access token expired")
		return model.Session{}, false
	}

	return sess, true
}

// parseSession reads a Supabase access token into a Session. When secret is
// non-empty the token must carry a valid HMAC signature made with it.
// Expiry is checked by the caller so it can be reported separately.
func parseSession(token string, secret []byte) (model.Session, error) {
	claims := jwt.MapClaims{}
	if len(secret) > 0 {
		_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return secret, nil
		}, jwt.WithoutClaimsValidation())
		if err != nil {
			return model.Session{}, err
		}
	} else if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return model.Session{}, err
	}

	return model.Session{
		AccessToken: token,
		UserID:      getStringClaim(claims, "sub"),
		Role:        tokenRole(getStringClaim(claims, "role")),
		Email:       getStringClaim(claims, "email"),
		ExpiresAt:   getTimeClaim(claims, "exp"),
	}, nil
}

// tokenRole maps a token's role claim onto the roles a caller may assume.
func tokenRole(role string) string {
	if role == roleAnon {
		return roleAnon
	}
	return roleAuthenticated
}

func getStringClaim(claims jwt.MapClaims, key string) string {
	if s, ok := claims[key].(string); ok {
		return s
	}
	return ""
}

func getTimeClaim(claims jwt.MapClaims, key string) time.Time {
	switch v := claims[key].(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
