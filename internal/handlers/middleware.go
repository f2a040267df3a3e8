package handlers

import (
	"context"
	"net/http"
	"slices"

	"github.com/saborly/apiserver/internal/auth"
	"github.com/saborly/apiserver/internal/metrics"
	"github.com/saborly/apiserver/internal/services"
	"github.com/saborly/apiserver/types"
	"go.uber.org/zap"
)

// TokenParser verifies session tokens.
type TokenParser interface {
	Parse(token string) (auth.Identity, error)
}

// AccountLoader reloads the account behind a session.
type AccountLoader interface {
	Get(ctx context.Context, id string) (types.Account, error)
}

// Gate attaches the caller's identity to each request and enforces roles.
type Gate struct {
	sessions TokenParser
	accounts AccountLoader
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewGate(sessions TokenParser, accounts AccountLoader, logger *zap.Logger, m *metrics.Metrics) *Gate {
	return &Gate{
		sessions: sessions,
		accounts: accounts,
		logger:   logger,
		metrics:  m,
	}
}

// Resolve runs before every handler. A request without a bearer token
// proceeds as anonymous; a token that fails verification, or whose account
// no longer exists, is rejected with 401.
func (g *Gate) Resolve(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, present, err := bearerToken(r)
		if !present {
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), auth.Anonymous)))
			return
		}
		if err != nil {
			g.reject(w, "malformed_header")
			return
		}

		claimed, err := g.sessions.Parse(token)
		if err != nil {
			g.reject(w, "invalid_token")
			return
		}

		account, err := g.accounts.Get(r.Context(), claimed.AccountID)
		if err != nil {
			if services.KindOf(err) == services.KindNotFound {
				g.reject(w, "account_missing")
				return
			}
			g.logger.Error("load session account", zap.String("account_id", claimed.AccountID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		identity := auth.Identity{AccountID: account.ID, Email: account.Email, Role: account.Role}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), identity)))
	})
}

func (g *Gate) reject(w http.ResponseWriter, reason string) {
	g.metrics.GateRejection(reason)
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

// RequireRole rejects anonymous requests with 401 and requests whose role
// is not listed with 403.
func (g *Gate) RequireRole(roles ...types.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := IdentityFromContext(r.Context())
			if identity.IsAnonymous() {
				g.reject(w, "anonymous")
				return
			}
			if !slices.Contains(roles, identity.Role) {
				g.metrics.GateRejection("forbidden_role")
				writeError(w, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAuthenticated admits any signed-in account.
func (g *Gate) RequireAuthenticated(next http.Handler) http.Handler {
	return g.RequireRole(types.RoleLearner, types.RoleCreator, types.RoleAdministrator)(next)
}
