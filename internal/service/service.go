// Package service 实现会话子系统的业务逻辑：成员鉴权与已读进度、消息发送、会话与好友管理。
package service

import "github.com/MiquelDW/chat-webapp/internal/storage"

// Services 聚合所有 service，供 HTTP 和 websocket 层注入。
type Services struct {
	Users         *UserService
	Members       *MembershipService
	Messages      *MessageService
	Conversations *ConversationService
	Social        *SocialService
}

func New(store storage.Store) *Services {
	members := NewMembershipService(store)
	messages := NewMessageService(store, members)
	return &Services{
		Users:         NewUserService(store),
		Members:       members,
		Messages:      messages,
		Conversations: NewConversationService(store, members, messages),
		Social:        NewSocialService(store),
	}
}
