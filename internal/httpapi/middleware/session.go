package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/foundersbase/chatdock/internal/apiclient"
)

const (
	AccessTokenKey  = "access_token"
	RefreshTokenKey = "refresh_token"
)

// Session lifts the httpOnly session cookies into the request context.
// Missing cookies are not an error: the backend decides what needs auth.
func Session() gin.HandlerFunc {
	return func(c *gin.Context) {
		if v, err := c.Cookie(apiclient.AccessTokenCookie); err == nil && v != "" {
			c.Set(AccessTokenKey, v)
		}
		if v, err := c.Cookie(apiclient.RefreshTokenCookie); err == nil && v != "" {
			c.Set(RefreshTokenKey, v)
		}
		c.Next()
	}
}

func AccessToken(c *gin.Context) string  { return c.GetString(AccessTokenKey) }
func RefreshToken(c *gin.Context) string { return c.GetString(RefreshTokenKey) }

// Expired reports whether tok is a JWT whose exp claim has passed. Tokens
// that cannot be parsed are left to the backend to judge.
func Expired(tok string, now time.Time) bool {
	if tok == "" {
		return false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return false
	}
	return claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time)
}
