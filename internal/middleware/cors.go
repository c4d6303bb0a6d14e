package middleware

import (
	"github.com/go-chi/cors"
)

// CORS builds the cors.Options for the API. Defaults to the local web
// client origin when none are configured. A wildcard origin forces
// AllowCredentials off, since browsers reject credentialed wildcard
// responses.
func CORS(allowedOrigins []string) cors.Options {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000"}
	}

	allowCreds := true
	for _, o := range allowedOrigins {
		if o == "*" {
			allowCreds = false
			break
		}
	}

	return cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		// Cache-Control and Last-Event-ID show up on EventSource
		// reconnects from the chat stream.
		AllowedHeaders:   []string{"Accept", "Authorization", "Cache-Control", "Content-Type", "Last-Event-ID", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: allowCreds,
		MaxAge:           300,
	}
}
