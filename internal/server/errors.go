package server

import (
	"fmt"
	"net/http"

	apperrors "github.com/shardline/shardline/internal/errors"
)

// HandleError writes err as a JSON error envelope. Shard and rate limit
// errors keep their domain codes.
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	HandleError(w, r, apperrors.NewNotFoundError(fmt.Sprintf("no status route for %s", r.URL.Path)))
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	HandleError(w, r, apperrors.NewMethodNotAllowedError(fmt.Sprintf("%s is not allowed on %s", r.Method, r.URL.Path)))
}
