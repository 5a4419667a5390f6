package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Failure captures transport-neutral error details that adapters can map to
// HTTP or other protocols. Procedure-level business outcomes (missing project,
// duplicate secret) are not Failures; they travel inside the response payload.
type Failure struct {
	Code       string
	Detail     string
	HTTPStatus int // optional hint for HTTP adapters
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// Failure codes surfaced as transport errors.
const (
	CodeInvalidToken         = "invalid_token"
	CodeTokenGuard           = "token_guard"
	CodeInvalidArgs          = "invalid_args"
	CodeUnknownProcedure     = "unknown_procedure"
	CodePersistenceExhausted = "persistence_exhausted"
)

// ErrInvalidToken rejects requests carrying a token the registry does not
// know.
func ErrInvalidToken() Failure {
	return Failure{Code: CodeInvalidToken, Detail: "invalid or expired token", HTTPStatus: http.StatusUnauthorized}
}

// ErrTokenGuard rejects a forbidden token transition before anything is
// persisted.
func ErrTokenGuard(detail string) Failure {
	return Failure{Code: CodeTokenGuard, Detail: detail, HTTPStatus: http.StatusUnauthorized}
}

// ErrInvalidArgs reports an arity or argument-type mismatch for a procedure.
func ErrInvalidArgs(detail string) Failure {
	return Failure{Code: CodeInvalidArgs, Detail: detail, HTTPStatus: http.StatusBadRequest}
}

// ErrUnknownProcedure reports a call to a procedure the dispatcher does not
// export.
func ErrUnknownProcedure(name string) Failure {
	return Failure{Code: CodeUnknownProcedure, Detail: fmt.Sprintf("unknown procedure %q", name), HTTPStatus: http.StatusBadRequest}
}

// ErrPersistenceExhausted is returned when the bounded commit retry loop gives
// up on a contended project record.
func ErrPersistenceExhausted(detail string) Failure {
	return Failure{Code: CodePersistenceExhausted, Detail: detail, HTTPStatus: http.StatusServiceUnavailable}
}

// AsFailure unwraps err into a Failure when one is present in its chain.
func AsFailure(err error) (Failure, bool) {
	var f Failure
	if errors.As(err, &f) {
		return f, true
	}
	return Failure{}, false
}
