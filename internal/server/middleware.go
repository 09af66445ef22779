package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/recaplabs/recap/internal/common"
	"github.com/recaplabs/recap/internal/metrics"
)

// responseWriter wraps http.ResponseWriter to capture status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer, which
// the SSE stream needs for Flush and SetWriteDeadline.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// recoveryMiddleware catches panics and returns 500.
func recoveryMiddleware(logger *common.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error().
						Str("panic", fmt.Sprintf("%v", rec)).
						Str("path", r.URL.Path).
						Msg("Panic recovered in HTTP handler")
					WriteError(w, http.StatusInternalServerError, "Internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware adds CORS headers for browser clients of the API and
// the SSE stream.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Correlation-ID, Last-Event-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// correlationIDMiddleware extracts or generates a correlation ID.
func correlationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corrID := r.Header.Get("X-Request-ID")
		if corrID == "" {
			corrID = r.Header.Get("X-Correlation-ID")
		}
		if corrID == "" {
			corrID = uuid.New().String()[:8]
		}
		w.Header().Set("X-Correlation-ID", corrID)
		next.ServeHTTP(w, r.WithContext(common.WithCorrelationID(r.Context(), corrID)))
	})
}

// callerMiddleware records the remote address as the caller identity
// used for submission rate limiting and event attribution.
func callerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := &common.Caller{ClientID: clientIP(r)}
		next.ServeHTTP(w, r.WithContext(common.WithCaller(r.Context(), caller)))
	})
}

// bearerExemptPaths stay reachable without a token when auth is on.
var bearerExemptPaths = map[string]bool{
	"/api/health":  true,
	"/api/version": true,
}

// bearerTokenMiddleware validates HS256 bearer tokens on /api/* routes.
// An empty secret disables validation entirely. The token subject
// becomes the caller's subscriber key, scoping which job events the
// connection may receive.
func bearerTokenMiddleware(config *common.Config) func(http.Handler) http.Handler {
	secret := []byte(config.Auth.JWTSecret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 || !strings.HasPrefix(r.URL.Path, "/api/") || bearerExemptPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeBearerChallenge(w, "missing bearer token")
				return
			}

			claims, err := validateJWT(strings.TrimPrefix(authHeader, "Bearer "), secret)
			if err != nil {
				writeBearerChallenge(w, "invalid or expired token")
				return
			}

			sub, _ := claims["sub"].(string)
			if sub == "" {
				writeBearerChallenge(w, "token has no subject")
				return
			}

			caller := &common.Caller{SubscriberKey: sub}
			if existing := common.CallerFromContext(r.Context()); existing != nil {
				caller.ClientID = existing.ClientID
			}
			next.ServeHTTP(w, r.WithContext(common.WithCaller(r.Context(), caller)))
		})
	}
}

// validateJWT parses and verifies an HS256 token, returning its claims.
func validateJWT(tokenString string, secret []byte) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// writeBearerChallenge writes a 401 response with a WWW-Authenticate header.
func writeBearerChallenge(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	WriteErrorWithCode(w, http.StatusUnauthorized, description, "unauthorized")
}

// loggingMiddleware logs HTTP requests and records request metrics.
func loggingMiddleware(logger *common.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			dur := time.Since(start)
			path := routeLabel(r.URL.Path)
			m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(dur.Seconds())

			event := logger.Trace()
			if rw.statusCode >= 500 {
				event = logger.Error()
			} else if rw.statusCode >= 400 {
				event = logger.Info()
			}

			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rw.statusCode).
				Int("bytes", rw.bytesWritten).
				Dur("duration", dur).
				Str("correlation_id", w.Header().Get("X-Correlation-ID")).
				Msg("HTTP request")
		})
	}
}

// routeLabel collapses parameterized paths into one metric label so the
// per-job-id cardinality stays bounded.
func routeLabel(path string) string {
	if strings.HasPrefix(path, "/api/jobs/") {
		return "/api/jobs/{id}"
	}
	return path
}

// applyMiddleware wraps a handler with the middleware stack.
func applyMiddleware(handler http.Handler, logger *common.Logger, m *metrics.Metrics, config *common.Config) http.Handler {
	// Apply in reverse order (last applied = first executed)
	handler = loggingMiddleware(logger, m)(handler)
	handler = bearerTokenMiddleware(config)(handler)
	handler = callerMiddleware(handler)
	handler = correlationIDMiddleware(handler)
	handler = corsMiddleware(handler)
	handler = recoveryMiddleware(logger)(handler)
	return handler
}
