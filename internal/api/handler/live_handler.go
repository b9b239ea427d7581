package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/d60-Lab/feedflow/internal/api/middleware"
	"github.com/d60-Lab/feedflow/pkg/response"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 鉴权靠 JWT，不做 Origin 白名单
	CheckOrigin: func(r *http.Request) bool { return true },
}

// FeedLive 升级为 websocket 并挂到该用户的 push hub 上。
// 封禁用户拒绝准入。客户端定期发任意帧保活，断线重连由客户端负责。
// @Summary 实时时间线推送
// @Tags 时间线
// @Success 101 {string} string "switching protocols"
// @Failure 403 {object} response.Response
// @Security BearerAuth
// @Router /api/v1/feed/live [get]
func (h *Handler) FeedLive(c *gin.Context) {
	userID := middleware.UserID(c)

	banned, err := h.socialRepo.IsBanned(c.Request.Context(), userID)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	if banned {
		response.Forbidden(c, "account banned")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写了响应
		h.log.Debug("websocket upgrade", zap.Error(err))
		return
	}

	h.hub.Register(userID, conn)
	go h.readPump(userID, conn)
}

// readPump 消费客户端的保活帧并维护读超时；退出即注销连接
func (h *Handler) readPump(userID string, conn *websocket.Conn) {
	defer func() {
		h.hub.Unregister(userID, conn)
		_ = conn.Close()
	}()

	conn.SetReadLimit(h.hubCfg.MaxMessageSize)
	resetDeadline := func() {
		_ = conn.SetReadDeadline(time.Now().Add(h.hubCfg.PongWait))
	}
	resetDeadline()
	conn.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})

	for {
		// 任何入站帧都算保活
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		resetDeadline()
	}
}
