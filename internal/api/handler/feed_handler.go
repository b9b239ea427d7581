package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/feedflow/internal/api/middleware"
	"github.com/d60-Lab/feedflow/pkg/response"
)

// ReadFeed 游标读取个人时间线
// @Summary 读取时间线
// @Tags 时间线
// @Produce json
// @Param cursor query int false "上一页返回的游标（毫秒时间戳），缺省取最新"
// @Param limit query int false "条数" default(20)
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Security BearerAuth
// @Router /api/v1/feed [get]
func (h *Handler) ReadFeed(c *gin.Context) {
	cursor, _ := strconv.ParseInt(c.DefaultQuery("cursor", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	entries, next, hasMore, err := h.feedRepo.Read(c.Request.Context(), middleware.UserID(c), cursor, limit)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{
		"entries":  entries,
		"cursor":   next,
		"has_more": hasMore,
	})
}
