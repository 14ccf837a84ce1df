package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MiquelDW/chat-webapp/internal/metrics"
	"github.com/MiquelDW/chat-webapp/internal/models"
	"github.com/MiquelDW/chat-webapp/internal/storage"
)

const (
	MessageTypeText = "text"

	nonTextPlaceholder = "[Non-text]"

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// MessageService 封装消息发送与历史查询。
type MessageService struct {
	members *MembershipService
	msgs    storage.MessageStore
	users   storage.UserStore
}

func NewMessageService(store storage.Store, members *MembershipService) *MessageService {
	return &MessageService{members: members, msgs: store, users: store}
}

// SendCommand 是发送消息的入参。
type SendCommand struct {
	ConversationID string   `json:"conversation_id" validate:"required"`
	Type           string   `json:"type" validate:"required,max=32"`
	Content        []string `json:"content" validate:"required,min=1,max=16,dive,required,max=4000"`
}

// Send 校验成员身份后持久化消息。消息写入和会话 last_message_id 更新在同一个事务内完成，
// 实时广播由变更事件桥接负责。
func (s *MessageService) Send(ctx context.Context, userID string, cmd SendCommand) (*models.Message, error) {
	if err := check(cmd); err != nil {
		return nil, err
	}
	if _, err := s.members.IsMember(ctx, userID, cmd.ConversationID); err != nil {
		return nil, err
	}
	msg := &models.Message{
		ConversationID: cmd.ConversationID,
		SenderID:       userID,
		Type:           cmd.Type,
		Content:        cmd.Content,
	}
	if err := s.msgs.CreateMessage(ctx, msg); err != nil {
		return nil, notFound(err, "conversation")
	}
	metrics.MessagesSentTotal.Inc()
	return msg, nil
}

// HistoryQuery 是历史消息的分页参数。
type HistoryQuery struct {
	Limit  int
	Before string
}

// MessageView 是对外输出的消息及其发送者信息。
type MessageView struct {
	Message       models.Message `json:"message"`
	SenderImage   string         `json:"sender_image"`
	SenderName    string         `json:"sender_name"`
	IsCurrentUser bool           `json:"is_current_user"`
}

// History 按 created_at 降序返回消息，客户端负责反转显示。
func (s *MessageService) History(ctx context.Context, userID, conversationID string, q HistoryQuery) ([]MessageView, error) {
	if _, err := s.members.IsMember(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	if q.Limit <= 0 || q.Limit > maxHistoryLimit {
		q.Limit = defaultHistoryLimit
	}
	msgs, err := s.msgs.ListMessages(ctx, conversationID, storage.MessageQuery{Limit: q.Limit, Before: q.Before})
	if err != nil {
		return nil, notFound(err, "message")
	}

	// 批量获取发送者
	seen := make(map[string]struct{}, len(msgs))
	senderIDs := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.SenderID]; ok {
			continue
		}
		seen[m.SenderID] = struct{}{}
		senderIDs = append(senderIDs, m.SenderID)
	}
	senders, err := s.members.usersByID(ctx, senderIDs)
	if err != nil {
		return nil, err
	}

	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		sender := senders[m.SenderID]
		out = append(out, MessageView{
			Message:       m,
			SenderImage:   sender.ImageURL,
			SenderName:    sender.Username,
			IsCurrentUser: m.SenderID == userID,
		})
	}
	return out, nil
}

// LastMessageSummary 是会话列表中最后一条消息的摘要。
type LastMessageSummary struct {
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	Sender    string    `json:"sender"`
	CreatedAt time.Time `json:"created_at"`
}

// LastMessage 优先使用会话上冗余的 last_message_id，指针为空或已失效时直接查询最新消息。
// 会话没有消息时返回 nil。
func (s *MessageService) LastMessage(ctx context.Context, conv *models.Conversation) (*LastMessageSummary, error) {
	var msg *models.Message
	if conv.LastMessageID != nil {
		m, err := s.msgs.GetMessage(ctx, *conv.LastMessageID)
		switch {
		case err == nil && m.ConversationID == conv.ID:
			msg = m
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return nil, err
		}
	}
	if msg == nil {
		m, err := s.msgs.LatestMessage(ctx, conv.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		msg = m
	}
	summary := &LastMessageSummary{
		MessageID: msg.ID,
		Content:   RenderableContent(msg.Type, msg.Content),
		CreatedAt: msg.CreatedAt,
	}
	sender, err := s.users.GetUser(ctx, msg.SenderID)
	switch {
	case err == nil:
		summary.Sender = sender.Username
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}
	return summary, nil
}

// RenderableContent 把消息内容转换为可展示的文本，未知类型使用占位符。
func RenderableContent(msgType string, content []string) string {
	switch msgType {
	case MessageTypeText:
		return strings.Join(content, "\n")
	default:
		return nonTextPlaceholder
	}
}
