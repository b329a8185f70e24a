package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"aichat/internal/model"
	"aichat/internal/pkg/id"
	"aichat/internal/repository"
	"aichat/internal/service"
	"aichat/internal/stream"
)

// ChatHandler 对话处理器
type ChatHandler struct {
	svc *service.ChatService
}

// NewChatHandler 创建对话处理器
func NewChatHandler(svc *service.ChatService) *ChatHandler {
	return &ChatHandler{svc: svc}
}

// List 对话列表
// GET /api/v1/chats
func (h *ChatHandler) List(c *gin.Context) {
	chats, err := h.svc.ListChats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Code:    50001,
			Message: "Failed to list chats",
			Detail:  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, chats)
}

// Create 创建对话
// POST /api/v1/chats  {name}
func (h *ChatHandler) Create(c *gin.Context) {
	var req model.CreateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    40001,
			Message: "Invalid request body",
			Detail:  err.Error(),
		})
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    40002,
			Message: "Chat name must not be blank",
		})
		return
	}

	conv, err := h.svc.CreateChat(c.Request.Context(), strings.TrimSpace(req.Name))
	if err != nil {
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Code:    50001,
			Message: "Failed to create chat",
			Detail:  err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, model.ChatSummary{ID: conv.ID, Name: conv.Name})
}

// Messages 对话消息列表
// GET /api/v1/chats/:id/messages
func (h *ChatHandler) Messages(c *gin.Context) {
	convID := c.Param("id")
	if !id.IsValid(convID) {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    40003,
			Message: "Malformed chat id",
		})
		return
	}

	conv, err := h.svc.GetConversation(c.Request.Context(), convID)
	if err != nil {
		h.renderError(c, err)
		return
	}

	messages := make([]model.MessageResponse, 0, len(conv.Messages))
	for _, msg := range conv.Messages {
		messages = append(messages, model.MessageResponse{
			ID:     msg.ID,
			Sender: msg.Sender,
			Text:   msg.Text,
		})
	}

	c.JSON(http.StatusOK, messages)
}

// Send 发送消息，流式返回回复 (SSE)
// POST /api/v1/chats/:id/messages  {text}
// 事件按发布顺序下发，isFinal=true 的事件之后流结束
func (h *ChatHandler) Send(c *gin.Context) {
	convID := c.Param("id")
	if !id.IsValid(convID) {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    40003,
			Message: "Malformed chat id",
		})
		return
	}

	var req model.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    40001,
			Message: "Invalid request body",
			Detail:  err.Error(),
		})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    40002,
			Message: "Message text must not be blank",
		})
		return
	}

	events, err := h.svc.Submit(c.Request.Context(), convID, req.Text)
	if err != nil {
		h.renderError(c, err)
		return
	}

	h.streamEvents(c, events)
}

// Attach 旁路接入对话的实时流 (SSE)
// GET /api/v1/chats/:id/stream?last_seen_id=...
// 先补发 last_seen_id 之后的已持久化消息，再转入实时投递；
// 没有活动会话且无新消息时流立即结束
func (h *ChatHandler) Attach(c *gin.Context) {
	convID := c.Param("id")
	if !id.IsValid(convID) {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    40003,
			Message: "Malformed chat id",
		})
		return
	}

	lastSeen := c.Query("last_seen_id")
	if lastSeen != "" && !id.IsValid(lastSeen) {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    40003,
			Message: "Malformed last_seen_id",
		})
		return
	}

	events, err := h.svc.Attach(c.Request.Context(), convID, lastSeen)
	if err != nil {
		h.renderError(c, err)
		return
	}

	h.streamEvents(c, events)
}

// Cancel 取消进行中的生成
// POST /api/v1/chats/:id/cancel
// 幂等，立即受理；会话已结束时是空操作
func (h *ChatHandler) Cancel(c *gin.Context) {
	convID := c.Param("id")
	if !id.IsValid(convID) {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    40003,
			Message: "Malformed chat id",
		})
		return
	}

	if err := h.svc.Cancel(c.Request.Context(), convID); err != nil {
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Code:    50001,
			Message: "Failed to cancel",
			Detail:  err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// Delete 删除对话
// DELETE /api/v1/chats/:id
func (h *ChatHandler) Delete(c *gin.Context) {
	convID := c.Param("id")
	if !id.IsValid(convID) {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    40003,
			Message: "Malformed chat id",
		})
		return
	}

	if err := h.svc.DeleteChat(c.Request.Context(), convID); err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Chat deleted"})
}

// streamEvents 把事件序列写成 SSE 响应
func (h *ChatHandler) streamEvents(c *gin.Context, events <-chan stream.Event) {
	// 设置 SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		ev, ok := <-events
		if !ok {
			return false
		}
		c.SSEvent("message", model.StreamEventResponse{
			ID:      ev.MessageID,
			Sender:  ev.Sender,
			Text:    ev.Text,
			IsFinal: ev.Final,
			Error:   ev.Err,
		})
		return !ev.Final
	})
}

// renderError 统一错误映射
func (h *ChatHandler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, model.ErrorResponse{
			Code:    40401,
			Message: "Chat not found",
		})
	case errors.Is(err, stream.ErrSessionActive):
		c.JSON(http.StatusConflict, model.ErrorResponse{
			Code:    40901,
			Message: "A reply is already being generated for this chat",
		})
	default:
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Code:    50001,
			Message: "Internal error",
			Detail:  err.Error(),
		})
	}
}
