package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strings"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/metrics"
)

// MaxHashedBodyBytes caps a hash-bound request body at 1 MiB.
const MaxHashedBodyBytes = 1 << 20

var reqHashPattern = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

// HashBody computes the canonical req_hash claim value for a raw body.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ReqHashMiddleware binds mutating JSON request bodies to the token's
// req_hash claim, so a stolen token cannot be replayed with a different
// payload. GET and non-JSON requests pass through untouched; API-key
// requests carry no token and are exempt.
func ReqHashMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !mutating(r.Method) || !jsonContentType(r.Header.Get("Content-Type")) {
			next.ServeHTTP(w, r)
			return
		}
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		if enc := r.Header.Get("Content-Encoding"); enc != "" && enc != "identity" {
			metrics.AuthRejections.WithLabelValues(CodeReqHashFormat).Inc()
			WriteError(w, http.StatusUnsupportedMediaType, CodeReqHashFormat,
				"req_hash_requires_identity_encoding")
			return
		}
		if r.ContentLength > MaxHashedBodyBytes {
			metrics.AuthRejections.WithLabelValues(CodeBodyTooLarge).Inc()
			WriteError(w, http.StatusRequestEntityTooLarge, CodeBodyTooLarge, "body_too_large")
			return
		}
		if !reqHashPattern.MatchString(claims.ReqHash) {
			metrics.AuthRejections.WithLabelValues(CodeReqHashFormat).Inc()
			WriteError(w, http.StatusBadRequest, CodeReqHashFormat, "req_hash_format_invalid")
			return
		}

		// Chunked requests hide their length; the extra byte detects
		// overflow without buffering more than the cap.
		body, err := io.ReadAll(io.LimitReader(r.Body, MaxHashedBodyBytes+1))
		r.Body.Close()
		if err != nil {
			WriteError(w, http.StatusBadRequest, CodeReqHashFormat, "unreadable body")
			return
		}
		if len(body) > MaxHashedBodyBytes {
			metrics.AuthRejections.WithLabelValues(CodeBodyTooLarge).Inc()
			WriteError(w, http.StatusRequestEntityTooLarge, CodeBodyTooLarge, "body_too_large")
			return
		}

		if HashBody(body) != claims.ReqHash {
			metrics.AuthRejections.WithLabelValues(CodeReqHashMismatch).Inc()
			WriteError(w, http.StatusBadRequest, CodeReqHashMismatch, "req_hash_mismatch")
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func jsonContentType(value string) bool {
	if value == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
