package rp

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
	"github.com/rpgate/oidcrp/oidc"
	"github.com/rpgate/oidcrp/session"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNilParameter     = errors.New("nil parameter")

	// ErrAuthValidation is wrapped by every failure of a login callback: a
	// provider error, a missing or expired pending login, a state mismatch,
	// a failed code exchange or an id_token that doesn't verify.  It's never
	// treated as "not logged in".
	ErrAuthValidation = errors.New("authentication failed")

	// ErrProviderError means the provider answered the authentication
	// request with an error.  Use errors.As with *ProviderError for the
	// details.
	ErrProviderError = errors.New("provider returned an error")

	// ErrClaimsNotFound means the request has no authenticated session.
	ErrClaimsNotFound = errors.New("claims not found")

	ErrNoPendingLogin        = session.ErrNoPendingLogin
	ErrExpiredRequest        = oidc.ErrExpiredRequest
	ErrUnsupportedEndSession = oidc.ErrUnsupportedEndSession
)

// ProviderError is an OAuth2 error response sent to the callback.  See:
// https://openid.net/specs/openid-connect-core-1_0.html#AuthError
type ProviderError struct {
	Code        string
	Description string
	URI         string
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s (%s)", ErrProviderError, e.Code, e.Description)
	}
	return fmt.Sprintf("%s: %s", ErrProviderError, e.Code)
}

// Is matches ErrProviderError.
func (e *ProviderError) Is(target error) bool {
	return target == ErrProviderError
}

// HTTPStatus returns the status code for the error: 401 for authentication
// failures, 501 when logout needs an end_session_endpoint the provider
// doesn't have, and 500 for session store failures and anything else.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrAuthValidation), errors.Is(err, ErrClaimsNotFound):
		return http.StatusUnauthorized
	case errors.Is(err, ErrUnsupportedEndSession):
		return http.StatusNotImplemented
	case errors.Is(err, session.ErrStore):
		return http.StatusInternalServerError
	case errors.Is(err, ErrInvalidParameter):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponseFunc writes the response for a failed login, logout or auth
// gate check.  The status is the one HTTPStatus picked for the err.
type ErrorResponseFunc func(w http.ResponseWriter, r *http.Request, status int, err error)

// ErrResponse is the JSON body written by DefaultErrorResponse.  It never
// includes the error's details, which may contain tokens or internal
// addresses.
type ErrResponse struct {
	HTTPStatusCode int    `json:"-"`
	StatusText     string `json:"status"`
	ErrorText      string `json:"error,omitempty"`
}

// Render implements the render.Renderer interface.
func (e *ErrResponse) Render(_ http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

// DefaultErrorResponse renders an ErrResponse.  A provider error's code is
// included since the provider already showed it to the user.
func DefaultErrorResponse(w http.ResponseWriter, r *http.Request, status int, err error) {
	resp := &ErrResponse{
		HTTPStatusCode: status,
		StatusText:     http.StatusText(status),
	}
	var pe *ProviderError
	switch {
	case errors.As(err, &pe):
		resp.ErrorText = pe.Code
	case errors.Is(err, ErrNoPendingLogin):
		resp.ErrorText = "no login in progress"
	case errors.Is(err, ErrExpiredRequest):
		resp.ErrorText = "login expired"
	case errors.Is(err, ErrAuthValidation):
		resp.ErrorText = "login failed"
	}
	_ = render.Render(w, r, resp)
}
