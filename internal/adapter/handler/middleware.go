package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agrous/stock-ledger/internal/auth"
	"github.com/agrous/stock-ledger/internal/logging"
)

// accessTokenParam carries the bearer token for WebSocket clients, which
// cannot set an Authorization header from a browser.
const accessTokenParam = "access_token"

func secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "deny")
		next.ServeHTTP(w, r)
	})
}

func logRequest(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.WithFields(logrus.Fields{
				"remote":   r.RemoteAddr,
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start).String(),
			}).Info("request")
		})
	}
}

func recoverPanic(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					w.Header().Set("Connection", "close")
					logging.LogError(log, "handler", "recoverPanic", r.Method+" "+r.URL.Path, nil, fmt.Errorf("panic: %v", rec))
					writeJSON(w, http.StatusInternalServerError, Response{
						Success: false,
						Message: "internal error",
						Code:    "internal_error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// requireAuth resolves the bearer token to a user id and stores it on the
// request context.
func requireAuth(tokens *auth.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				if token := r.URL.Query().Get(accessTokenParam); token != "" {
					header = "Bearer " + token
				}
			}

			userID, err := tokens.ParseHeader(header)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, Response{
					Success: false,
					Message: "missing or invalid bearer token",
					Code:    "unauthorized",
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), userID)))
		})
	}
}
