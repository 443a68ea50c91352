// Package gate authenticates a real-time connection before it is upgraded.
package gate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"bus-tracker/internal/common/auth"
	"bus-tracker/internal/tracking/model"
)

type Reason string

const (
	ReasonMissingCredential Reason = "missing_credential"
	ReasonInvalidCredential Reason = "invalid_credential"
	ReasonExpiredCredential Reason = "expired_credential"
	ReasonUnknownUser       Reason = "unknown_user"
	ReasonAccountDisabled   Reason = "account_disabled"
	ReasonUnavailable       Reason = "unavailable"
)

// HTTPStatus is the status returned to a refused websocket handshake.
func (r Reason) HTTPStatus() int {
	switch r {
	case ReasonAccountDisabled:
		return http.StatusForbidden
	case ReasonUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnauthorized
	}
}

type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gate: %s: %v", e.Reason, e.Err)
	}
	return "gate: " + string(e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// ReasonOf extracts the refusal reason from err, or "" when err is not a
// gate error.
func ReasonOf(err error) Reason {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Reason
	}
	return ""
}

type TokenVerifier interface {
	ValidateToken(token string) (*auth.Claims, error)
}

type UserStore interface {
	FindUser(ctx context.Context, userID string) (model.User, error)
}

type FailureRecorder interface {
	GateFailed(reason string)
}

type Gate struct {
	tokens  TokenVerifier
	users   UserStore
	metrics FailureRecorder
}

func New(tokens TokenVerifier, users UserStore, metrics FailureRecorder) *Gate {
	return &Gate{tokens: tokens, users: users, metrics: metrics}
}

// Authenticate verifies credential and loads its user. The returned identity
// takes its role from the user record, not from the token.
func (g *Gate) Authenticate(ctx context.Context, credential string) (model.Identity, error) {
	id, err := g.authenticate(ctx, credential)
	if err != nil && g.metrics != nil {
		g.metrics.GateFailed(string(ReasonOf(err)))
	}
	return id, err
}

func (g *Gate) authenticate(ctx context.Context, credential string) (model.Identity, error) {
	if strings.TrimSpace(credential) == "" {
		return model.Identity{}, &Error{Reason: ReasonMissingCredential}
	}

	claims, err := g.tokens.ValidateToken(credential)
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return model.Identity{}, &Error{Reason: ReasonExpiredCredential, Err: err}
	case errors.Is(err, auth.ErrTokenMissing):
		return model.Identity{}, &Error{Reason: ReasonMissingCredential, Err: err}
	case err != nil:
		return model.Identity{}, &Error{Reason: ReasonInvalidCredential, Err: err}
	}

	user, err := g.users.FindUser(ctx, claims.UserID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return model.Identity{}, &Error{Reason: ReasonUnknownUser, Err: err}
	case err != nil:
		return model.Identity{}, &Error{Reason: ReasonUnavailable, Err: err}
	}

	if !user.Enabled() {
		return model.Identity{}, &Error{Reason: ReasonAccountDisabled}
	}
	if !user.Role.Valid() {
		return model.Identity{}, &Error{Reason: ReasonInvalidCredential, Err: fmt.Errorf("role %q cannot use tracking", user.Role)}
	}

	return model.Identity{UserID: user.ID, Role: user.Role}, nil
}

// CredentialFromRequest reads the bearer token from the Authorization header
// or, for browsers that cannot set headers on a websocket, the token query
// parameter.
func CredentialFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return auth.BearerToken(h)
	}
	return r.URL.Query().Get("token")
}
