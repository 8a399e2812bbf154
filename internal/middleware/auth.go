package middleware

import (
	"net/http"

	"billing-gateways/internal/auth"
	"billing-gateways/internal/logger"
	"billing-gateways/internal/utils"

	"go.uber.org/zap"
)

// AuthMiddleware attaches the token's user to the request context. Requests
// without a token pass through anonymously; invalid tokens are rejected.
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := auth.ExtractAccessToken(r)
			if tokenStr == "" {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := auth.ParseToken(secret, tokenStr)
			if err != nil {
				logger.FromCtx(r.Context()).Debug("rejected access token", zap.Error(err))
				utils.WriteJSONError(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := auth.WithUser(r.Context(), &auth.User{
				ID:       claims.UserID,
				Email:    claims.Email,
				ClientID: claims.ClientID,
				Role:     claims.Role,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
