package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/foundersbase/chatdock/internal/apiclient"
	"github.com/foundersbase/chatdock/internal/chat"
	"github.com/foundersbase/chatdock/internal/common"
	"github.com/foundersbase/chatdock/internal/httpapi/middleware"
)

func (h *Handler) ListConversations(c *gin.Context) {
	u, err := h.forward(c.Request.Context(), http.MethodGet, "/api/chat/conversations", nil, middleware.AccessToken(c))
	if err != nil {
		h.badGateway(c, "conversations", err)
		return
	}
	relay(c, u, []any{})
}

func (h *Handler) EnsureConversation(c *gin.Context) {
	path := peerPath("/api/chat/conversations/{username}/ensure", c.Param("username"))
	u, err := h.forward(c.Request.Context(), http.MethodPost, path, nil, middleware.AccessToken(c))
	if err != nil {
		h.badGateway(c, "ensure", err)
		return
	}
	relay(c, u, gin.H{})
}

func (h *Handler) MarkRead(c *gin.Context) {
	path := peerPath("/api/chat/conversations/{username}/mark-read", c.Param("username"))
	u, err := h.forward(c.Request.Context(), http.MethodPost, path, nil, middleware.AccessToken(c))
	if err != nil {
		h.badGateway(c, "mark-read", err)
		return
	}
	if u.Status < 200 || u.Status >= 300 {
		c.JSON(u.Status, gin.H{"error": "failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Messages is the one route that recovers an expired session by itself:
// on 401 it trades the refresh cookie for a new pair and retries once.
func (h *Handler) Messages(c *gin.Context) {
	ctx := c.Request.Context()
	path := peerPath("/api/chat/messages/{username}", c.Param("username"))
	access, refresh := middleware.AccessToken(c), middleware.RefreshToken(c)

	var pair *tokenPair
	if refresh != "" && middleware.Expired(access, h.now()) {
		if p, err := h.refresh(ctx, refresh); err == nil {
			pair, access = p, p.AccessToken
		}
	}

	u, err := h.forward(ctx, http.MethodGet, path, nil, access)
	if err != nil {
		h.Logger.Warn("history upstream failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, []any{})
		return
	}

	if u.Status == http.StatusUnauthorized && pair == nil && refresh != "" {
		p, rerr := h.refresh(ctx, refresh)
		if rerr == nil {
			pair = p
			u, err = h.forward(ctx, http.MethodGet, path, nil, p.AccessToken)
			if err != nil {
				c.JSON(http.StatusBadGateway, []any{})
				return
			}
		}
	}

	if pair != nil {
		h.setSessionCookies(c, *pair)
	}
	if u.Status == http.StatusUnauthorized {
		c.JSON(http.StatusUnauthorized, []any{})
		return
	}
	relay(c, u, []any{})
}

func (h *Handler) Send(c *gin.Context) {
	var req apiclient.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	req.To = chat.Username(strings.TrimSpace(string(req.To)))
	req.Content = strings.TrimSpace(req.Content)
	if req.To == "" || req.Content == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "to and content required")
		return
	}

	body, err := json.Marshal(req)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to encode request")
		return
	}
	u, err := h.forward(c.Request.Context(), http.MethodPost, "/api/chat/send", body, middleware.AccessToken(c))
	if err != nil {
		h.badGateway(c, "send", err)
		return
	}
	relay(c, u, gin.H{})
}

func (h *Handler) SearchUsers(c *gin.Context) {
	path := "/api/chat/users/search?q=" + url.QueryEscape(c.Query("q"))
	u, err := h.forward(c.Request.Context(), http.MethodGet, path, nil, middleware.AccessToken(c))
	if err != nil {
		h.badGateway(c, "search", err)
		return
	}
	relay(c, u, []any{})
}

func (h *Handler) WSTicket(c *gin.Context) {
	u, err := h.forward(c.Request.Context(), http.MethodGet, "/api/chat/ws-ticket", nil, middleware.AccessToken(c))
	if err != nil {
		h.badGateway(c, "ws-ticket", err)
		return
	}
	relay(c, u, gin.H{})
}
