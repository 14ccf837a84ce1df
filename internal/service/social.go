package service

import (
	"context"
	"errors"
	"strings"

	"github.com/MiquelDW/chat-webapp/internal/models"
	"github.com/MiquelDW/chat-webapp/internal/storage"
)

// SocialService 封装好友请求和好友关系。接受请求会创建私聊会话。
type SocialService struct {
	social storage.SocialStore
	users  storage.UserStore
	convs  storage.ConversationStore
}

func NewSocialService(store storage.Store) *SocialService {
	return &SocialService{social: store, users: store, convs: store}
}

// RequestCommand 是发送好友请求的入参。
type RequestCommand struct {
	Email string `json:"email" validate:"required,email"`
}

// SendRequest 向 email 对应的用户发送好友请求。
func (s *SocialService) SendRequest(ctx context.Context, userID string, cmd RequestCommand) (*models.Request, error) {
	cmd.Email = NormalizeEmail(cmd.Email)
	if err := check(cmd); err != nil {
		return nil, err
	}
	sender, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, notFound(err, "user")
	}
	if strings.EqualFold(sender.Email, cmd.Email) {
		return nil, invalid("email", "You can't send a friend request to yourself!")
	}
	receiver, err := s.users.GetUserByEmail(ctx, cmd.Email)
	if err != nil {
		return nil, notFound(err, "receiving user")
	}
	if err := s.ensureNoPending(ctx, sender.ID, receiver.ID); err != nil {
		return nil, err
	}
	if _, err := s.social.FindFriendship(ctx, sender.ID, receiver.ID); err == nil {
		return nil, conflict("You are already friends with this user")
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	req := &models.Request{SenderID: sender.ID, ReceiverID: receiver.ID}
	if err := s.social.CreateRequest(ctx, req); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, conflict("Request already sent")
		}
		return nil, err
	}
	return req, nil
}

func (s *SocialService) ensureNoPending(ctx context.Context, senderID, receiverID string) error {
	if _, err := s.social.FindRequest(ctx, senderID, receiverID); err == nil {
		return conflict("Request already sent")
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if _, err := s.social.FindRequest(ctx, receiverID, senderID); err == nil {
		return conflict("This user has already sent you a request")
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// RequestView 是收到的好友请求及其发送者。
type RequestView struct {
	Request models.Request `json:"request"`
	Sender  models.User    `json:"sender"`
}

func (s *SocialService) IncomingRequests(ctx context.Context, userID string) ([]RequestView, error) {
	reqs, err := s.social.ListIncomingRequests(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(reqs))
	for _, r := range reqs {
		ids = append(ids, r.SenderID)
	}
	users, err := s.users.ListUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	out := make([]RequestView, 0, len(reqs))
	for _, r := range reqs {
		sender, ok := byID[r.SenderID]
		if !ok {
			continue
		}
		out = append(out, RequestView{Request: r, Sender: sender})
	}
	return out, nil
}

// IncomingRequestCount 返回待处理的好友请求数，供好友入口的角标使用。
func (s *SocialService) IncomingRequestCount(ctx context.Context, userID string) (int64, error) {
	return s.social.CountIncomingRequests(ctx, userID)
}

// incoming 返回发给 userID 的请求；发给别人的请求对调用者不可见。
func (s *SocialService) incoming(ctx context.Context, userID, requestID string) (*models.Request, error) {
	req, err := s.social.GetRequest(ctx, requestID)
	if err != nil {
		return nil, notFound(err, "request")
	}
	if req.ReceiverID != userID {
		return nil, notFound(storage.ErrNotFound, "request")
	}
	return req, nil
}

// Accept 原子地删除请求并创建私聊会话、两个成员和好友关系。
func (s *SocialService) Accept(ctx context.Context, userID, requestID string) (*models.Conversation, error) {
	if _, err := s.incoming(ctx, userID, requestID); err != nil {
		return nil, err
	}
	_, conv, err := s.social.AcceptRequest(ctx, requestID)
	if err != nil {
		return nil, notFound(err, "request")
	}
	return conv, nil
}

func (s *SocialService) Deny(ctx context.Context, userID, requestID string) error {
	if _, err := s.incoming(ctx, userID, requestID); err != nil {
		return err
	}
	return notFound(s.social.DeleteRequest(ctx, requestID), "request")
}

// FriendView 是好友及与其私聊的会话 ID。
type FriendView struct {
	Friend         models.User `json:"friend"`
	ConversationID string      `json:"conversation_id"`
}

func (s *SocialService) Friends(ctx context.Context, userID string) ([]FriendView, error) {
	friends, err := s.social.ListFriends(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(friends))
	for _, f := range friends {
		ids = append(ids, f.Other(userID))
	}
	users, err := s.users.ListUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	out := make([]FriendView, 0, len(friends))
	for _, f := range friends {
		u, ok := byID[f.Other(userID)]
		if !ok {
			continue
		}
		out = append(out, FriendView{Friend: u, ConversationID: f.ConversationID})
	}
	return out, nil
}

// RemoveFriend 删除好友关系及其私聊会话（消息和成员一并删除）。
func (s *SocialService) RemoveFriend(ctx context.Context, userID, conversationID string) error {
	f, err := s.social.GetFriendshipByConversation(ctx, conversationID)
	if err != nil {
		return notFound(err, "friendship")
	}
	if f.UserID != userID && f.FriendID != userID {
		return ErrUnauthorized
	}
	return notFound(s.convs.DeleteConversation(ctx, conversationID), "conversation")
}
