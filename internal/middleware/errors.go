// Package middleware implements the edge-auth chain: JWT verification with
// a cached JWKS, request-hash binding for mutating JSON bodies, a JTI replay
// guard, tenant resolution, and per-tenant rate limiting.
package middleware

import (
	"encoding/json"
	"net/http"
)

// Stable error codes returned in auth and validation bodies.
const (
	CodeAuthRequired    = "AUTH_REQUIRED"
	CodeAuthInvalid     = "AUTH_INVALID"
	CodeReqHashMismatch = "REQ_HASH_MISMATCH"
	CodeReqHashFormat   = "REQ_HASH_FORMAT"
	CodeBodyTooLarge    = "BODY_TOO_LARGE"
	CodeRateLimited     = "RATE_LIMITED"
)

// ErrorBody is the wire shape of every auth/validation failure.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// WriteError emits the standard {error, code} JSON body.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorBody{Error: message, Code: code})
}
