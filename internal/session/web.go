package session

import (
	"errors"
	"net/http"
	"time"
)

// CookieName is the proxy session cookie.
const CookieName = "agrifarm_session"

// WebSessionTTL is the lifetime of a proxy session cookie.
const WebSessionTTL = 7 * 24 * time.Hour

// WebUser is the user summary kept in the proxy session.
type WebUser struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName,omitempty"`
	Role     string `json:"role"`
}

// WebSession is what the proxy needs to forward a request: who the
// user is and the backend access token to attach.
type WebSession struct {
	User        WebUser   `json:"user"`
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// ErrNoSession means the request carried no usable session.
var ErrNoSession = errors.New("no session")

// SealWebSession seals ws for the session cookie, defaulting ExpiresAt
// to WebSessionTTL from now.
func (s *Sealer) SealWebSession(ws WebSession) (string, error) {
	if ws.ExpiresAt.IsZero() {
		ws.ExpiresAt = s.now().Add(WebSessionTTL).UTC().Truncate(time.Second)
	}
	return s.SealValue(ws)
}

// Cookie builds the session cookie for a sealed value.
func Cookie(value string, expires time.Time, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// FromRequest resolves the web session for r. The session cookie is
// preferred. Without one, a bearer access token is accepted and the
// session is built from its claims.
func (s *Sealer) FromRequest(r *http.Request) (WebSession, error) {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		var ws WebSession
		if err := s.OpenValue(c.Value, &ws); err != nil {
			return WebSession{}, ErrNoSession
		}
		if ws.AccessToken == "" || ws.User.ID == "" || !s.now().Before(ws.ExpiresAt) {
			return WebSession{}, ErrNoSession
		}
		return ws, nil
	}

	token := BearerToken(r)
	if token == "" {
		return WebSession{}, ErrNoSession
	}
	claims, err := s.Open(token)
	if err != nil {
		return WebSession{}, ErrNoSession
	}
	return WebSession{
		User:        WebUser{ID: claims.UserID, Email: claims.Email, Role: claims.Role},
		AccessToken: token,
		ExpiresAt:   claims.ExpiresAt,
	}, nil
}
