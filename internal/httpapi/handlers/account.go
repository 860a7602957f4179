package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/foundersbase/chatdock/internal/apiclient"
	"github.com/foundersbase/chatdock/internal/httpapi/middleware"
)

const (
	accessCookieMaxAge  = 15 * 60
	refreshCookieMaxAge = 30 * 24 * 60 * 60
)

type tokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (h *Handler) now() time.Time { return time.Now() }

// Me tells the dock who it is signed in as.
func (h *Handler) Me(c *gin.Context) {
	u, err := h.forward(c.Request.Context(), http.MethodGet, "/api/account/me", nil, middleware.AccessToken(c))
	if err != nil {
		h.badGateway(c, "me", err)
		return
	}
	relay(c, u, gin.H{})
}

// refreshError carries the backend's rejection so the refresh route can
// pass it through.
type refreshError struct {
	upstream
}

func (e *refreshError) Error() string {
	return fmt.Sprintf("refresh rejected: status %d", e.Status)
}

func (h *Handler) refresh(ctx context.Context, refreshToken string) (*tokenPair, error) {
	body, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return nil, err
	}
	u, err := h.forward(ctx, http.MethodPost, "/api/auth/refresh", body, "")
	if err != nil {
		return nil, err
	}
	if u.Status < 200 || u.Status >= 300 {
		return nil, &refreshError{u}
	}
	var p tokenPair
	if err := json.Unmarshal(u.Body, &p); err != nil {
		return nil, fmt.Errorf("refresh: decode: %w", err)
	}
	if p.AccessToken == "" {
		return nil, fmt.Errorf("refresh: empty access token")
	}
	return &p, nil
}

func (h *Handler) setSessionCookies(c *gin.Context, p tokenPair) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(apiclient.AccessTokenCookie, p.AccessToken, accessCookieMaxAge, "/", "", h.Cfg.CookieSecure, true)
	if p.RefreshToken != "" {
		c.SetCookie(apiclient.RefreshTokenCookie, p.RefreshToken, refreshCookieMaxAge, "/", "", h.Cfg.CookieSecure, true)
	}
}

func (h *Handler) Refresh(c *gin.Context) {
	rt := middleware.RefreshToken(c)
	if rt == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "No refresh token"})
		return
	}
	p, err := h.refresh(c.Request.Context(), rt)
	if err != nil {
		var re *refreshError
		if errors.As(err, &re) {
			relay(c, re.upstream, gin.H{"error": "refresh failed"})
			return
		}
		h.badGateway(c, "refresh", err)
		return
	}
	h.setSessionCookies(c, *p)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
