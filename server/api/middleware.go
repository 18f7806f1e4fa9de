package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/specklesystems/speckle-server-sub009/server/auth"
)

// WithDefaults wraps a handler with standard middleware. There is no
// request timeout: getobjects responses stream for as long as the client
// reads them.
func (h *Handler) WithDefaults(next http.Handler) http.Handler {
	return h.LoggingMiddleware(GzipMiddleware(next))
}

// LoggingMiddleware logs all requests and counts them by status.
func (h *Handler) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)

		lw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lw, r)

		h.metrics.requests.WithLabelValues(r.Method, strconv.Itoa(lw.status)).Inc()
		h.log.Info("request",
			"id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.status,
			"duration", time.Since(start))
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (lw *loggingResponseWriter) WriteHeader(status int) {
	lw.status = status
	lw.ResponseWriter.WriteHeader(status)
}

func (lw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lw.ResponseWriter
}

// GzipMiddleware decompresses gzip request bodies and compresses responses.
func GzipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Decompress request if gzipped
		if r.Header.Get("Content-Encoding") == "gzip" {
			gr, err := gzip.NewReader(r.Body)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid gzip body", err)
				return
			}
			defer gr.Close()
			r.Body = io.NopCloser(gr)
			r.Header.Del("Content-Encoding")
		}

		// Check if client accepts gzip
		if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Header().Set("Content-Encoding", "gzip")
			w.Header().Add("Vary", "Accept-Encoding")
			gz := gzip.NewWriter(w)
			defer gz.Close()
			w = &gzipResponseWriter{ResponseWriter: w, gz: gz}
		}

		next.ServeHTTP(w, r)
	})
}

type gzipResponseWriter struct {
	http.ResponseWriter
	gz *gzip.Writer
}

func (grw *gzipResponseWriter) Write(p []byte) (int, error) {
	return grw.gz.Write(p)
}

// Flush pushes compressed bytes to the client so streamed lines are not held
// back by the compressor.
func (grw *gzipResponseWriter) Flush() {
	grw.gz.Flush()
	http.NewResponseController(grw.ResponseWriter).Flush()
}

// Context keys for request-scoped values.
type contextKey string

const ctxClaims contextKey = "claims"

// ClaimsFromContext returns the token claims of an authenticated request.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if c, ok := ctx.Value(ctxClaims).(*auth.Claims); ok {
		return c
	}
	return nil
}

// WithAuth is middleware that authenticates requests against the stream in
// the path. It is a pass-through when the server runs without a secret.
func (h *Handler) WithAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.tokens == nil {
			next.ServeHTTP(w, r)
			return
		}

		token := auth.ExtractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization", nil)
			return
		}

		claims, err := h.tokens.ValidateAccessToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token", err)
			return
		}

		if !claims.CanAccess(r.PathValue("streamId")) {
			writeError(w, http.StatusForbidden, "no access to stream", nil)
			return
		}

		ctx := context.WithValue(r.Context(), ctxClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
