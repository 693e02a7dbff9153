package middleware

import (
	"github.com/go-chi/cors"
)

// CORS returns options for the control API. Auth is a bearer header, so
// credentials are never allowed. No origins means same-origin only.
func CORS(allowedOrigins []string) cors.Options {
	return cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", RequestIDHeader},
		ExposedHeaders: []string{RequestIDHeader, "Retry-After"},
		MaxAge:         300,
	}
}
