package service

import (
	"context"
	"errors"
	"sort"

	"github.com/MiquelDW/chat-webapp/internal/models"
	"github.com/MiquelDW/chat-webapp/internal/storage"

	"github.com/rs/zerolog/log"
)

// ConversationService 封装会话列表、会话详情和群聊管理。
type ConversationService struct {
	members  *MembershipService
	messages *MessageService
	convs    storage.ConversationStore
	social   storage.SocialStore
	users    storage.UserStore
}

func NewConversationService(store storage.Store, members *MembershipService, messages *MessageService) *ConversationService {
	return &ConversationService{members: members, messages: messages, convs: store, social: store, users: store}
}

// ConversationSummary 是会话列表中的一项。私聊带 OtherMemberDetails，群聊带 OtherMembers。
type ConversationSummary struct {
	Conversation        models.Conversation `json:"conversation"`
	OtherMemberDetails  *models.User        `json:"other_member_details,omitempty"`
	OtherMembers        []MemberDetail      `json:"other_members,omitempty"`
	LastMessageSent     *LastMessageSummary `json:"last_message_sent"`
	UnseenMessagesCount int64               `json:"unseen_messages_count"`
}

// List 返回 userID 参与的全部会话，按最近活动时间倒序。
func (s *ConversationService) List(ctx context.Context, userID string) ([]ConversationSummary, error) {
	memberships, err := s.convs.ListMembershipsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]ConversationSummary, 0, len(memberships))
	for i := range memberships {
		m := &memberships[i]
		conv, err := s.convs.GetConversation(ctx, m.ConversationID)
		if errors.Is(err, storage.ErrNotFound) {
			// 会话在两次查询之间被删除
			continue
		}
		if err != nil {
			return nil, err
		}
		summary, err := s.summarize(ctx, userID, conv, m)
		if err != nil {
			return nil, err
		}
		out = append(out, *summary)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Conversation.UpdatedAt.After(out[j].Conversation.UpdatedAt)
	})
	return out, nil
}

func (s *ConversationService) summarize(ctx context.Context, userID string, conv *models.Conversation, m *models.ConversationMember) (*ConversationSummary, error) {
	summary := &ConversationSummary{Conversation: *conv}
	var err error
	if summary.LastMessageSent, err = s.messages.LastMessage(ctx, conv); err != nil {
		return nil, err
	}
	if summary.UnseenMessagesCount, err = s.members.UnseenCount(ctx, m); err != nil {
		return nil, err
	}
	others, err := s.members.OtherMembers(ctx, conv.ID, userID)
	if err != nil {
		return nil, err
	}
	if conv.IsGroup {
		summary.OtherMembers = others
		return summary, nil
	}
	if len(others) > 0 {
		u, err := s.users.GetUser(ctx, others[0].ID)
		switch {
		case err == nil:
			summary.OtherMemberDetails = u
		case !errors.Is(err, storage.ErrNotFound):
			return nil, err
		}
	}
	return summary, nil
}

// ConversationDetail 是单个会话的详情：私聊只有 OtherMember，群聊只有 OtherMembers。
type ConversationDetail struct {
	models.Conversation
	OtherMember  *MemberDetail  `json:"other_member"`
	OtherMembers []MemberDetail `json:"other_members"`
}

func (s *ConversationService) Get(ctx context.Context, userID, conversationID string) (*ConversationDetail, error) {
	conv, err := s.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, notFound(err, "conversation")
	}
	if _, err := s.members.IsMember(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	others, err := s.members.OtherMembers(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	detail := &ConversationDetail{Conversation: *conv}
	if conv.IsGroup {
		detail.OtherMembers = others
	} else if len(others) > 0 {
		detail.OtherMember = &others[0]
	}
	return detail, nil
}

// CreateGroupCommand 是创建群聊的入参，Members 不含创建者自己。
type CreateGroupCommand struct {
	Name    string   `json:"name" validate:"required,max=128"`
	Members []string `json:"members" validate:"required,min=1,dive,required"`
}

// CreateGroup 创建群聊，创建者自动加入，其余成员必须是创建者的好友。
func (s *ConversationService) CreateGroup(ctx context.Context, userID string, cmd CreateGroupCommand) (*models.Conversation, error) {
	if err := check(cmd); err != nil {
		return nil, err
	}
	memberIDs := []string{userID}
	seen := map[string]struct{}{userID: {}}
	for _, id := range cmd.Members {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, err := s.social.FindFriendship(ctx, userID, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, invalid("members", "You can only add your friends to a group")
			}
			return nil, err
		}
		memberIDs = append(memberIDs, id)
	}
	if len(memberIDs) < 2 {
		return nil, invalid("members", "You must select at least 1 friend")
	}
	name := cmd.Name
	conv := &models.Conversation{IsGroup: true, Name: &name}
	if _, err := s.convs.CreateConversation(ctx, conv, memberIDs); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, conflict("group already exists")
		}
		return nil, err
	}
	return conv, nil
}

// groupFor 校验 conversationID 是 userID 参与的群聊。
func (s *ConversationService) groupFor(ctx context.Context, userID, conversationID string) (*models.ConversationMember, error) {
	conv, err := s.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, notFound(err, "conversation")
	}
	m, err := s.members.IsMember(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsGroup {
		return nil, invalid("conversation_id", "conversation is not a group")
	}
	return m, nil
}

// DeleteGroup 级联删除群聊的消息、成员和会话本身。
func (s *ConversationService) DeleteGroup(ctx context.Context, userID, conversationID string) error {
	if _, err := s.groupFor(ctx, userID, conversationID); err != nil {
		return err
	}
	return notFound(s.convs.DeleteConversation(ctx, conversationID), "conversation")
}

// LeaveGroup 删除调用者的成员关系；最后一个成员离开时群聊随之删除。
func (s *ConversationService) LeaveGroup(ctx context.Context, userID, conversationID string) error {
	m, err := s.groupFor(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	if err := s.convs.DeleteMembership(ctx, m.ID); err != nil {
		return notFound(err, "membership")
	}
	rest, err := s.convs.ListMembers(ctx, conversationID)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		log.Info().Str("conversation_id", conversationID).Msg("last member left, deleting group")
		if err := s.convs.DeleteConversation(ctx, conversationID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return nil
}
