package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Int64Param parses a numeric chi URL parameter.
func Int64Param(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}
