package handlers

import (
	"net/http"

	apperrors "github.com/shardline/shardline/internal/errors"
)

// ErrorResponder writes err to w as an error response.
type ErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var errorResponder ErrorResponder = apperrors.RespondWithError

// SetErrorResponder replaces the responder every handler in this package
// reports through. nil restores apperrors.RespondWithError.
func SetErrorResponder(fn ErrorResponder) {
	if fn == nil {
		fn = apperrors.RespondWithError
	}
	errorResponder = fn
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	errorResponder(w, r, err)
}
