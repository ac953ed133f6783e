package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/kioskfleet/fleet/internal/models"
)

// DefaultAPIKeyHeader carries the operator API key
const DefaultAPIKeyHeader = "X-API-Key"

// OperatorAuth creates middleware that only admits requests carrying the
// operator API key. An empty apiKey rejects every request.
func OperatorAuth(apiKey, headerName string) func(http.Handler) http.Handler {
	if headerName == "" {
		headerName = DefaultAPIKeyHeader
	}
	expected := models.HashAPIKey(apiKey)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			providedKey := r.Header.Get(headerName)
			if providedKey == "" {
				writeUnauthorized(w, "API key is required.")
				return
			}

			// Hashing first keeps the comparison length independent of the input
			if apiKey == "" || !constantTimeEquals(expected, models.HashAPIKey(providedKey)) {
				writeUnauthorized(w, "Invalid API key.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(models.ErrorResponse{Error: message})
}

// constantTimeEquals performs a constant-time string comparison
func constantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
