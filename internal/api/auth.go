package api

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"github.com/nugget/agrifarm/internal/session"
	"github.com/nugget/agrifarm/internal/users"
)

// userHandler is a handler that runs for an authenticated user.
type userHandler func(w http.ResponseWriter, r *http.Request, u *users.User)

var errUnauthorized = errors.New("unauthorized")

// authenticate resolves the caller from the bearer token. The account
// is reloaded on every request so deactivation and role changes take
// effect before the token expires.
func (s *Server) authenticate(ctx context.Context, token string) (*users.User, error) {
	if token == "" || s.deps.Sealer == nil {
		return nil, errUnauthorized
	}
	claims, err := s.deps.Sealer.Open(token)
	if err != nil {
		return nil, errUnauthorized
	}
	u, err := s.deps.Users.Get(ctx, claims.UserID)
	if errors.Is(err, users.ErrNotFound) {
		return nil, errUnauthorized
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// authed wraps next with bearer authentication. With roles given, the
// user must hold one of them.
func (s *Server) authed(next userHandler, roles ...users.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := s.authenticate(r.Context(), session.BearerToken(r))
		if errors.Is(err, errUnauthorized) {
			s.errorResponse(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !u.IsActive {
			s.errorResponse(w, http.StatusForbidden, "account is deactivated")
			return
		}
		if len(roles) > 0 && !slices.Contains(roles, u.Role) {
			s.logger.Warn("role check failed",
				"path", r.URL.Path,
				"user_id", u.ID,
				"role", u.Role,
				"required", roles,
			)
			s.errorResponse(w, http.StatusForbidden, "insufficient role")
			return
		}
		next(w, r, u)
	}
}
