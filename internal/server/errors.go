package server

import (
	"net/http"

	apperrors "github.com/ventrelay/ventrelay/internal/errors"
)

// HandleError writes every non-relay error response.
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}
