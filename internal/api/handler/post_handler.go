package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/feedflow/internal/api/middleware"
	"github.com/d60-Lab/feedflow/internal/service"
	"github.com/d60-Lab/feedflow/pkg/response"
)

type publishRequest struct {
	Content string `json:"content" binding:"required,max=2000"`
}

// PublishPost 发帖并触发扇出
// @Summary 发布帖子
// @Tags 帖子
// @Accept json
// @Produce json
// @Param request body publishRequest true "帖子内容"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 500 {object} response.Response
// @Security BearerAuth
// @Router /api/v1/posts [post]
func (h *Handler) PublishPost(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	post, err := h.publisher.Publish(c.Request.Context(), middleware.UserID(c), req.Content)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, post)
}

// DeletePost 删除帖子并触发反向扇出
// @Summary 删除帖子（幂等）
// @Tags 帖子
// @Produce json
// @Param id path string true "帖子ID"
// @Success 200 {object} response.Response
// @Failure 403 {object} response.Response
// @Failure 500 {object} response.Response
// @Security BearerAuth
// @Router /api/v1/posts/{id} [delete]
func (h *Handler) DeletePost(c *gin.Context) {
	err := h.publisher.Delete(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if errors.Is(err, service.ErrNotPostAuthor) {
		response.Forbidden(c, err.Error())
		return
	}
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, nil)
}
