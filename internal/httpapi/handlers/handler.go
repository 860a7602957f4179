package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/foundersbase/chatdock/internal/apiclient"
	"github.com/foundersbase/chatdock/internal/common"
	"github.com/foundersbase/chatdock/internal/config"
	"github.com/foundersbase/chatdock/internal/httpapi/middleware"
)

const maxUpstreamBody = 4 << 20

type Handler struct {
	Cfg     config.Config
	Backend *apiclient.Client
	Logger  *zap.Logger
}

func NewHandler(cfg config.Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	backend := apiclient.New(cfg.BackendOrigin,
		apiclient.WithTimeout(cfg.HTTPTimeout),
		apiclient.WithLogger(logger),
	)
	return &Handler{Cfg: cfg, Backend: backend, Logger: logger.Named("bff")}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// upstream is a buffered backend response.
type upstream struct {
	Status int
	Body   []byte
}

// JSON reports whether the body decodes as JSON at all.
func (u upstream) JSON() bool {
	return len(bytes.TrimSpace(u.Body)) > 0 && json.Valid(u.Body)
}

func authHeader(token string) http.Header {
	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	return hdr
}

// forward calls the backend with the given bearer token and buffers the
// whole response.
func (h *Handler) forward(ctx context.Context, method, path string, body []byte, token string) (upstream, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	hdr := authHeader(token)
	hdr.Set("Content-Type", "application/json")

	resp, err := h.Backend.Do(ctx, method, path, rd, hdr)
	if err != nil {
		return upstream{}, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return upstream{}, err
	}
	return upstream{Status: resp.StatusCode, Body: b}, nil
}

// relay writes the upstream body through with its status. A body that is
// not JSON is replaced by fallback.
func relay(c *gin.Context, u upstream, fallback any) {
	if u.JSON() {
		c.Data(u.Status, "application/json; charset=utf-8", u.Body)
		return
	}
	c.JSON(u.Status, fallback)
}

func (h *Handler) badGateway(c *gin.Context, route string, err error) {
	h.Logger.Warn("upstream failed",
		zap.String("route", route),
		zap.String("request_id", c.GetString(middleware.RequestIDKey)),
		zap.Error(err),
	)
	common.Fail(c, http.StatusBadGateway, 50200, "upstream unavailable")
}

func peerPath(format, username string) string {
	return strings.Replace(format, "{username}", url.PathEscape(username), 1)
}
