package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/foundersbase/chatdock/internal/common"
	"github.com/foundersbase/chatdock/internal/config"
	"github.com/foundersbase/chatdock/internal/httpapi/handlers"
	"github.com/foundersbase/chatdock/internal/httpapi/middleware"
)

func NewRouter(cfg config.Config, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(logger))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(cfg, logger)

	r.GET("/ping", h.Ping)

	api := r.Group("/api")
	api.Use(middleware.Session())

	// chat (bearer taken from the accessToken cookie)
	api.GET("/chat/conversations", h.ListConversations)
	api.POST("/chat/conversations/:username/ensure", h.EnsureConversation)
	api.POST("/chat/conversations/:username/mark-read", h.MarkRead)
	api.GET("/chat/messages/:username", h.Messages)
	api.POST("/chat/send", h.Send)
	api.GET("/chat/users/search", h.SearchUsers)
	api.GET("/chat/ws-ticket", h.WSTicket)

	// account
	api.GET("/account/me", h.Me)
	api.POST("/auth/refresh", h.Refresh)
	return r
}
