package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/fjod/stockcart/internal/domain"
	"github.com/fjod/stockcart/internal/logger"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const (
	HeaderUserID    = "X-User-ID"
	HeaderUserRole  = "X-User-Role"
	HeaderRequestID = "X-Request-ID"
)

type ctxKey int

const identityKey ctxKey = iota

// Identity is the caller as authenticated by the upstream gateway.
type Identity struct {
	UserID int64
	Role   domain.Role
}

// IdentityMiddleware reads the caller identity forwarded by the gateway. Requests without a
// valid user id and role are rejected with 401.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(r.Header.Get(HeaderUserID), 10, 64)
		if err != nil || userID <= 0 {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
			return
		}
		role := domain.Role(r.Header.Get(HeaderUserRole))
		if role == "" {
			role = domain.RoleUser
		}
		if !role.Valid() {
			respondError(w, http.StatusUnauthorized, "unauthorized", "unknown user role")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, Identity{UserID: userID, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects callers whose role is not listed with 403.
func RequireRole(roles ...domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := identityFromContext(r.Context())
			if !ok {
				respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
				return
			}
			for _, role := range roles {
				if id.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			respondError(w, http.StatusForbidden, "forbidden", "role not allowed for this resource")
		})
	}
}

func identityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// RequestIDMiddleware echoes the chi request id back to the client.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requestID := middleware.GetReqID(r.Context()); requestID != "" {
			w.Header().Set(HeaderRequestID, requestID)
		}
		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs one line per request through zap.
func RequestLogger(base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.FromContext(r.Context(), base).Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
