package service

import (
	"context"
	"errors"
	"time"

	"github.com/MiquelDW/chat-webapp/internal/models"
	"github.com/MiquelDW/chat-webapp/internal/storage"
)

// MembershipService 负责会话成员的鉴权和已读进度：未读数、已读指针、已读人列表。
type MembershipService struct {
	convs storage.ConversationStore
	msgs  storage.MessageStore
	users storage.UserStore
}

func NewMembershipService(store storage.Store) *MembershipService {
	return &MembershipService{convs: store, msgs: store, users: store}
}

// MemberDetail 是对外输出的成员信息。
type MemberDetail struct {
	ID                string  `json:"id"`
	Username          string  `json:"username"`
	ImageURL          string  `json:"image_url,omitempty"`
	LastSeenMessageID *string `json:"last_seen_message_id"`
}

// IsMember 是所有会话读写操作的唯一鉴权入口，非成员返回 ErrUnauthorized。
func (s *MembershipService) IsMember(ctx context.Context, userID, conversationID string) (*models.ConversationMember, error) {
	if userID == "" || conversationID == "" {
		return nil, ErrUnauthorized
	}
	m, err := s.convs.GetMembership(ctx, userID, conversationID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	return m, err
}

// OtherMembers 按加入顺序返回除 excludingUserID 外的成员。已被删除的用户保留 ID，用户名为空。
func (s *MembershipService) OtherMembers(ctx context.Context, conversationID, excludingUserID string) ([]MemberDetail, error) {
	members, err := s.convs.ListMembers(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		if m.MemberID != excludingUserID {
			ids = append(ids, m.MemberID)
		}
	}
	byID, err := s.usersByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]MemberDetail, 0, len(ids))
	for _, m := range members {
		if m.MemberID == excludingUserID {
			continue
		}
		u := byID[m.MemberID]
		out = append(out, MemberDetail{
			ID:                m.MemberID,
			Username:          u.Username,
			ImageURL:          u.ImageURL,
			LastSeenMessageID: m.LastSeenMessageID,
		})
	}
	return out, nil
}

func (s *MembershipService) usersByID(ctx context.Context, ids []string) (map[string]models.User, error) {
	users, err := s.users.ListUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	return byID, nil
}

// lastSeenAt 返回已读指针对应消息的创建时间；指针为空、消息不存在或不属于该会话时视为未设置。
func (s *MembershipService) lastSeenAt(ctx context.Context, m *models.ConversationMember) (*time.Time, error) {
	if m.LastSeenMessageID == nil {
		return nil, nil
	}
	msg, err := s.msgs.GetMessage(ctx, *m.LastSeenMessageID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if msg.ConversationID != m.ConversationID {
		return nil, nil
	}
	return &msg.CreatedAt, nil
}

// UnseenCount 统计已读指针之后、由其他成员发送的消息数。
func (s *MembershipService) UnseenCount(ctx context.Context, m *models.ConversationMember) (int64, error) {
	after, err := s.lastSeenAt(ctx, m)
	if err != nil {
		return 0, err
	}
	return s.msgs.CountUnseen(ctx, m.ConversationID, m.MemberID, after)
}

// MarkSeen 把调用者的已读指针移动到 messageID。消息必须属于该会话；
// 指针只会按创建时间前进，重复调用或传入更早的消息不会改变状态。
func (s *MembershipService) MarkSeen(ctx context.Context, userID, conversationID, messageID string) (*models.ConversationMember, error) {
	if messageID == "" {
		return nil, invalid("message_id", "This field can't be empty")
	}
	m, err := s.IsMember(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	msg, err := s.messageIn(ctx, conversationID, messageID)
	if err != nil {
		return nil, err
	}
	updated, _, err := s.convs.AdvanceLastSeen(ctx, m.ID, msg)
	if err != nil {
		return nil, notFound(err, "membership")
	}
	return updated, nil
}

// SeenBy 返回已读指针恰好停在 messageID 上的其他成员用户名。只对调用者自己发送的消息有意义，
// 其他消息返回空列表。
func (s *MembershipService) SeenBy(ctx context.Context, userID, conversationID, messageID string) ([]string, error) {
	if _, err := s.IsMember(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	msg, err := s.messageIn(ctx, conversationID, messageID)
	if err != nil {
		return nil, err
	}
	labels := []string{}
	if msg.SenderID != userID {
		return labels, nil
	}
	others, err := s.OtherMembers(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	for _, o := range others {
		if o.LastSeenMessageID == nil || *o.LastSeenMessageID != messageID {
			continue
		}
		label := o.Username
		if label == "" {
			label = o.ID
		}
		labels = append(labels, label)
	}
	return labels, nil
}

// messageIn 查找属于 conversationID 的消息，跨会话的消息 ID 视为不存在。
func (s *MembershipService) messageIn(ctx context.Context, conversationID, messageID string) (*models.Message, error) {
	msg, err := s.msgs.GetMessage(ctx, messageID)
	if err != nil {
		return nil, notFound(err, "message")
	}
	if msg.ConversationID != conversationID {
		return nil, notFound(storage.ErrNotFound, "message")
	}
	return msg, nil
}
