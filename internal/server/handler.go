package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/MiquelDW/chat-webapp/internal/auth"
	"github.com/MiquelDW/chat-webapp/internal/service"
	"github.com/MiquelDW/chat-webapp/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	svc *service.Services
	hub *ws.Hub
}

func NewHandler(svc *service.Services, hub *ws.Hub) *Handler {
	return &Handler{svc: svc, hub: hub}
}

// writeError 把 service 层错误映射为 HTTP 状态码，未知错误只记录日志并返回通用信息。
func writeError(c *gin.Context, err error, op string) {
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid input", "fields": ve.Fields})
	case errors.Is(err, service.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Str("user_id", auth.GetUserID(c)).Str("op", op).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}

// ListConversations 返回调用者参与的全部会话，按最近活动排序。
func (h *Handler) ListConversations(c *gin.Context) {
	convs, err := h.svc.Conversations.List(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		writeError(c, err, "list conversations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// GetConversation 返回会话详情以及当前加入该房间的连接数。
func (h *Handler) GetConversation(c *gin.Context) {
	id := c.Param("id")
	detail, err := h.svc.Conversations.Get(c.Request.Context(), auth.GetUserID(c), id)
	if err != nil {
		writeError(c, err, "get conversation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": detail, "online": h.hub.Online(id)})
}

func (h *Handler) ListMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	q := service.HistoryQuery{Limit: limit, Before: c.Query("before")}
	msgs, err := h.svc.Messages.History(c.Request.Context(), auth.GetUserID(c), c.Param("id"), q)
	if err != nil {
		writeError(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// SendMessage 只负责持久化，房间内的广播由变更事件桥接完成。
func (h *Handler) SendMessage(c *gin.Context) {
	var req struct {
		Type    string   `json:"type"`
		Content []string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.Type == "" {
		req.Type = service.MessageTypeText
	}
	cmd := service.SendCommand{ConversationID: c.Param("id"), Type: req.Type, Content: req.Content}
	msg, err := h.svc.Messages.Send(c.Request.Context(), auth.GetUserID(c), cmd)
	if err != nil {
		writeError(c, err, "send message")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// MarkRead 推进调用者的已读指针。
func (h *Handler) MarkRead(c *gin.Context) {
	var req struct {
		MessageID string `json:"message_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	m, err := h.svc.Members.MarkSeen(c.Request.Context(), auth.GetUserID(c), c.Param("id"), req.MessageID)
	if err != nil {
		writeError(c, err, "mark read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"member": m})
}

func (h *Handler) SeenBy(c *gin.Context) {
	names, err := h.svc.Members.SeenBy(c.Request.Context(), auth.GetUserID(c), c.Param("id"), c.Param("messageId"))
	if err != nil {
		writeError(c, err, "seen by")
		return
	}
	c.JSON(http.StatusOK, gin.H{"seen_by": names})
}

func (h *Handler) CreateGroup(c *gin.Context) {
	var cmd service.CreateGroupCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	conv, err := h.svc.Conversations.CreateGroup(c.Request.Context(), auth.GetUserID(c), cmd)
	if err != nil {
		writeError(c, err, "create group")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": conv})
}

// revoke 在响应之前把失去成员身份的连接移出房间；userID 为空时清空房间。
// 变更流上的删除事件会再做一次，这里保证响应之后不会再有 roomMessage 送达。
func (h *Handler) revoke(userID, room string) {
	var err error
	if userID == "" {
		err = h.hub.CloseRoom(room)
	} else {
		err = h.hub.Evict(userID, room)
	}
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Str("room", room).Msg("evict from room")
	}
}

func (h *Handler) DeleteGroup(c *gin.Context) {
	id := c.Param("id")
	if err := h.svc.Conversations.DeleteGroup(c.Request.Context(), auth.GetUserID(c), id); err != nil {
		writeError(c, err, "delete group")
		return
	}
	h.revoke("", id)
	c.Status(http.StatusNoContent)
}

func (h *Handler) LeaveGroup(c *gin.Context) {
	userID, id := auth.GetUserID(c), c.Param("id")
	if err := h.svc.Conversations.LeaveGroup(c.Request.Context(), userID, id); err != nil {
		writeError(c, err, "leave group")
		return
	}
	h.revoke(userID, id)
	c.Status(http.StatusNoContent)
}

// ListRequests 返回发给调用者的好友请求。
func (h *Handler) ListRequests(c *gin.Context) {
	reqs, err := h.svc.Social.IncomingRequests(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		writeError(c, err, "list requests")
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": reqs})
}

// CountRequests 返回发给调用者的待处理请求数。
func (h *Handler) CountRequests(c *gin.Context) {
	n, err := h.svc.Social.IncomingRequestCount(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		writeError(c, err, "count requests")
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (h *Handler) SendRequest(c *gin.Context) {
	var cmd service.RequestCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req, err := h.svc.Social.SendRequest(c.Request.Context(), auth.GetUserID(c), cmd)
	if err != nil {
		writeError(c, err, "send request")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"request": req})
}

// AcceptRequest 接受请求并返回新建的私聊会话。
func (h *Handler) AcceptRequest(c *gin.Context) {
	conv, err := h.svc.Social.Accept(c.Request.Context(), auth.GetUserID(c), c.Param("id"))
	if err != nil {
		writeError(c, err, "accept request")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

func (h *Handler) DenyRequest(c *gin.Context) {
	if err := h.svc.Social.Deny(c.Request.Context(), auth.GetUserID(c), c.Param("id")); err != nil {
		writeError(c, err, "deny request")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ListFriends(c *gin.Context) {
	friends, err := h.svc.Social.Friends(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		writeError(c, err, "list friends")
		return
	}
	c.JSON(http.StatusOK, gin.H{"friends": friends})
}

// RemoveFriend 解除好友关系并删除对应的私聊会话。
func (h *Handler) RemoveFriend(c *gin.Context) {
	id := c.Param("conversationId")
	if err := h.svc.Social.RemoveFriend(c.Request.Context(), auth.GetUserID(c), id); err != nil {
		writeError(c, err, "remove friend")
		return
	}
	h.revoke("", id)
	c.Status(http.StatusNoContent)
}
