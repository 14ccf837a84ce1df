// Package storage 定义核心依赖的持久层接口。所有实现都必须在写入提交后
// 向 changefeed 发布对应的变更事件。
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/MiquelDW/chat-webapp/internal/changefeed"
	"github.com/MiquelDW/chat-webapp/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound  = errors.New("storage: not found")
	ErrDuplicate = errors.New("storage: duplicate")
)

type UserStore interface {
	UpsertUser(ctx context.Context, u *models.User) error
	DeleteUser(ctx context.Context, id string) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	ListUsers(ctx context.Context, ids []string) ([]models.User, error)
}

type ConversationStore interface {
	// CreateConversation 原子地创建会话及其成员，成员按 memberIDs 顺序插入。
	CreateConversation(ctx context.Context, c *models.Conversation, memberIDs []string) ([]models.ConversationMember, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	// DeleteConversation 级联删除消息、成员、好友关系和会话本身。
	DeleteConversation(ctx context.Context, id string) error
	GetMembership(ctx context.Context, memberID, conversationID string) (*models.ConversationMember, error)
	// ListMembers 按成员加入顺序返回。
	ListMembers(ctx context.Context, conversationID string) ([]models.ConversationMember, error)
	ListMembershipsByUser(ctx context.Context, userID string) ([]models.ConversationMember, error)
	DeleteMembership(ctx context.Context, id string) error
	// AdvanceLastSeen 仅当 msg 不早于当前已读消息时才移动指针，返回是否发生变化。
	AdvanceLastSeen(ctx context.Context, membershipID string, msg *models.Message) (*models.ConversationMember, bool, error)
}

// MessageQuery 是历史消息的分页参数；Before 为游标消息 ID。
type MessageQuery struct {
	Limit  int
	Before string
}

type MessageStore interface {
	// CreateMessage 在同一事务内写入消息并更新会话的 LastMessageID，
	// 并分配在会话内严格递增的 CreatedAt。
	CreateMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	// ListMessages 按 CreatedAt 降序返回。
	ListMessages(ctx context.Context, conversationID string, q MessageQuery) ([]models.Message, error)
	// CountUnseen 统计 after 之后（after 为 nil 时为全部）且不是 memberID 发送的消息数。
	CountUnseen(ctx context.Context, conversationID, memberID string, after *time.Time) (int64, error)
	LatestMessage(ctx context.Context, conversationID string) (*models.Message, error)
}

type SocialStore interface {
	CreateRequest(ctx context.Context, r *models.Request) error
	GetRequest(ctx context.Context, id string) (*models.Request, error)
	FindRequest(ctx context.Context, senderID, receiverID string) (*models.Request, error)
	ListIncomingRequests(ctx context.Context, receiverID string) ([]models.Request, error)
	CountIncomingRequests(ctx context.Context, receiverID string) (int64, error)
	DeleteRequest(ctx context.Context, id string) error
	// AcceptRequest 原子地删除请求、创建私聊会话、两个成员和好友关系。
	AcceptRequest(ctx context.Context, requestID string) (*models.Friend, *models.Conversation, error)
	FindFriendship(ctx context.Context, userA, userB string) (*models.Friend, error)
	GetFriendshipByConversation(ctx context.Context, conversationID string) (*models.Friend, error)
	ListFriends(ctx context.Context, userID string) ([]models.Friend, error)
}

type Store interface {
	UserStore
	ConversationStore
	MessageStore
	SocialStore
}

// NewID 生成实体主键。
func NewID() string { return uuid.NewString() }

// Now 返回截断到微秒的 UTC 时间，与 Postgres timestamptz 精度一致。
func Now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

// NextCreatedAt 保证同一会话内的时间戳严格递增。
func NextCreatedAt(now time.Time, last *time.Time) time.Time {
	if last != nil && !now.After(*last) {
		return last.Add(time.Microsecond)
	}
	return now
}

// Notifier 在写入提交后发布变更事件；发布失败只记录日志，写入本身已经生效。
type Notifier struct {
	Pub changefeed.Publisher
}

func (n Notifier) Notify(ctx context.Context, entity changefeed.Entity, op changefeed.Op, id string, record any) {
	if n.Pub == nil {
		return
	}
	ev, err := changefeed.NewEvent(entity, op, id, record)
	if err == nil {
		err = n.Pub.Publish(context.WithoutCancel(ctx), ev)
	}
	if err != nil {
		log.Error().Err(err).Str("topic", string(entity)+"."+string(op)).Str("id", id).Msg("publish change event")
	}
}
