package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/weiawesome/wes-io-chat/internal/domain"
	"github.com/weiawesome/wes-io-chat/internal/history"
	"github.com/weiawesome/wes-io-chat/pkg/log"
	"github.com/weiawesome/wes-io-chat/pkg/middleware"
	"github.com/weiawesome/wes-io-chat/pkg/response"
)

// LocalPresence answers from this instance's connections.
type LocalPresence interface {
	IsOnline(userID int64) bool
	OnlineUsers() []int64
	ConnectionCount() int
}

// PresenceDirectory answers across instances.
type PresenceDirectory interface {
	IsOnline(ctx context.Context, userID int64) (bool, error)
}

type HTTPHandler struct {
	history   history.Service
	local     LocalPresence
	directory PresenceDirectory
	auth      *middleware.AuthMiddleware
}

// NewHTTPHandler builds the REST API. directory may be nil.
func NewHTTPHandler(historySvc history.Service, local LocalPresence, directory PresenceDirectory, auth *middleware.AuthMiddleware) *HTTPHandler {
	return &HTTPHandler{
		history:   historySvc,
		local:     local,
		directory: directory,
		auth:      auth,
	}
}

func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	api.Use(h.auth.RequireAuth())
	{
		api.GET("/messages/:other_user_id", h.GetPrivateHistory)
		api.GET("/groups/:group_id/messages", h.GetGroupHistory)
		api.GET("/presence/:user_id", h.GetPresence)
	}

	r.GET("/health", h.HealthCheck)
}

func (h *HTTPHandler) GetPrivateHistory(c *gin.Context) {
	otherID, ok := idParam(c, "other_user_id")
	if !ok {
		return
	}
	limit, ok := limitQuery(c)
	if !ok {
		return
	}

	msgs, err := h.history.Between(c.Request.Context(), middleware.GetUserID(c), otherID, limit)
	if err != nil {
		storageFailure(c, err)
		return
	}
	response.Success(c, msgs)
}

func (h *HTTPHandler) GetGroupHistory(c *gin.Context) {
	groupID, ok := idParam(c, "group_id")
	if !ok {
		return
	}
	limit, ok := limitQuery(c)
	if !ok {
		return
	}

	msgs, err := h.history.ForGroup(c.Request.Context(), middleware.GetUserID(c), groupID, limit)
	if errors.Is(err, history.ErrNotMember) {
		response.Forbidden(c, "not a member of this group")
		return
	}
	if err != nil {
		storageFailure(c, err)
		return
	}
	response.Success(c, msgs)
}

func (h *HTTPHandler) GetPresence(c *gin.Context) {
	userID, ok := idParam(c, "user_id")
	if !ok {
		return
	}

	online := h.local.IsOnline(userID)
	if !online && h.directory != nil {
		remote, err := h.directory.IsOnline(c.Request.Context(), userID)
		if err != nil {
			l := log.Ctx(c.Request.Context())
			l.Warn().Err(err).Int64(log.FieldPeerID, userID).Msg("presence directory lookup failed")
		}
		online = remote
	}

	response.Success(c, domain.UserStatus{UserID: userID, Online: online})
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"connections":  h.local.ConnectionCount(),
		"online_users": len(h.local.OnlineUsers()),
	})
}

func idParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

// limitQuery parses ?limit. Absent means the service default.
func limitQuery(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		response.BadRequest(c, "limit must be a positive integer")
		return 0, false
	}
	return limit, true
}

func storageFailure(c *gin.Context, err error) {
	_ = c.Error(err)
	response.ServiceUnavailable(c, "message history is unavailable")
}
