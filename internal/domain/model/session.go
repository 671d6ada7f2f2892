package model

import "time"

// Session is the caller identity threaded through every backend call.
// Row-level security on the backend is evaluated against it.
type Session struct {
	AccessToken string
	UserID      string
	Role        string
	Email       string
	ExpiresAt   time.Time
}

// AnonymousSession returns a Session with no identity attached.
func AnonymousSession() Session {
	return Session{Role: "anon"}
}

// IsAnonymous reports whether the session carries no access token.
func (s Session) IsAnonymous() bool {
	return s.AccessToken == ""
}

// Expired reports whether the token expiry has passed. Sessions without a
// known expiry never expire locally.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
