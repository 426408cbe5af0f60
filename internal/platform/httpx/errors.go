// Package httpx provides HTTP response utilities.
package httpx

import (
	"net/http"

	"github.com/noah-isme/gatekeep/internal/shared"
)

// RespondError maps the mutation error taxonomy to HTTP responses using
// RFC7807. Retryable kinds carry a hint so callers know a retry after
// rollback is safe.
func RespondError(w http.ResponseWriter, err error) {
	kind := shared.ErrorKind(err)
	switch kind {
	case "not_found":
		Problem(w, http.StatusNotFound, "Not Found", err.Error(), kind, false)
	case "validation":
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error(), kind, false)
	case "policy_violation":
		Problem(w, http.StatusUnprocessableEntity, "Policy Violation", err.Error(), kind, false)
	case "conflict":
		Problem(w, http.StatusConflict, "Conflict", err.Error(), kind, true)
	case "mutation_in_progress":
		Problem(w, http.StatusConflict, "Mutation In Progress", err.Error(), kind, true)
	case "store_unavailable":
		Problem(w, http.StatusServiceUnavailable, "Store Unavailable", err.Error(), kind, true)
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "", kind, false)
	}
}
