package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/zhouzirui/z-chat/backend/internal/service/auth"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

type ctxKey int

const (
	userIDKey ctxKey = iota
	tokenKey
)

// TokenValidator 校验 bearer token
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*auth.Claims, error)
}

// Auth 要求请求携带有效的 Bearer token，并把用户 ID 写入 context
func Auth(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				utils.RespondError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			claims, err := v.Validate(r.Context(), token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, auth.ErrTokenRevoked) {
					msg = "token revoked"
				}
				utils.RespondError(w, http.StatusUnauthorized, msg)
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, claims.UserID)
			ctx = context.WithValue(ctx, tokenKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken 从 Authorization 头中取出 token
func BearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// UserID 返回经过认证的用户 ID
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// Token 返回当前请求的原始 token
func Token(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey).(string)
	return token
}

// WithUserID 在测试或内部调用中注入用户 ID
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}
