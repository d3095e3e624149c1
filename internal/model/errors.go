package model

import (
	"errors"
	"net/http"
)

// Error kinds surfaced by the routing plane. Handlers map these onto HTTP
// status codes with StatusFor; everything unmatched is Internal (500).
var (
	ErrBadEnvelope     = errors.New("bad_envelope")
	ErrAuthStale       = errors.New("auth_stale")
	ErrAuthBadSig      = errors.New("auth_bad_signature")
	ErrUnknownMachine  = errors.New("auth_unknown_machine")
	ErrNotFound        = errors.New("not_found")
	ErrNoActiveSession = errors.New("no_active_session")
	ErrPathNotAllowed  = errors.New("path_not_allowed")
	ErrUnreachable     = errors.New("unreachable")
	ErrDeniedByPolicy  = errors.New("denied_by_policy")
	ErrDeniedByHuman   = errors.New("denied_by_operator")
	ErrApprovalTimeout = errors.New("approval_timeout")
	ErrMissionTimeout  = errors.New("timeout")
)

// StatusFor maps an error kind to its HTTP status code.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrBadEnvelope), errors.Is(err, ErrPathNotAllowed):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuthStale), errors.Is(err, ErrAuthBadSig):
		return http.StatusUnauthorized
	case errors.Is(err, ErrUnknownMachine):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoActiveSession):
		return http.StatusNotFound
	case errors.Is(err, ErrDeniedByPolicy), errors.Is(err, ErrDeniedByHuman), errors.Is(err, ErrApprovalTimeout):
		return http.StatusConflict
	case errors.Is(err, ErrUnreachable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrMissionTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the short machine code for an error kind, suitable for the
// "error" field of a JSON response next to the operator label.
func Code(err error) string {
	for _, kind := range []error{
		ErrBadEnvelope, ErrAuthStale, ErrAuthBadSig, ErrUnknownMachine,
		ErrNotFound, ErrNoActiveSession, ErrPathNotAllowed, ErrUnreachable,
		ErrDeniedByPolicy, ErrDeniedByHuman, ErrApprovalTimeout, ErrMissionTimeout,
	} {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return "internal"
}
