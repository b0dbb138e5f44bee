// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/phd-nexus/nexus/internal/access"
	"github.com/phd-nexus/nexus/internal/shared"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
)

// Postgres error codes mapped onto sentinels.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

// FromPG translates constraint violations into domain sentinels. Other errors
// are returned unchanged.
func FromPG(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		return errors.Join(ErrDuplicate, err)
	case pgForeignKeyViolation, pgCheckViolation:
		return errors.Join(ErrValidation, err)
	}
	return err
}

// StatusOf returns the HTTP status a domain error maps to.
func StatusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound), errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicate), errors.Is(err, ErrConflict), errors.Is(err, shared.ErrIdempotencyConflict):
		return http.StatusConflict
	case errors.Is(err, ErrValidation), errors.Is(err, shared.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden), errors.Is(err, shared.ErrForbidden), errors.Is(err, access.ErrMembershipNotFound):
		return http.StatusForbidden
	case errors.Is(err, ErrUnauthorized), errors.Is(err, access.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, shared.ErrNoActiveGroup):
		return http.StatusPreconditionRequired
	default:
		return http.StatusInternalServerError
	}
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	detail := ""
	if status != http.StatusInternalServerError && err != nil {
		detail = err.Error()
	}
	Problem(w, status, http.StatusText(status), detail)
}
