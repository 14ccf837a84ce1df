package models

import (
	"time"

	"gorm.io/datatypes"
)

// User 由外部身份服务同步而来，ID 一经分配永不复用。
type User struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Email     string    `gorm:"uniqueIndex;size:255;not null" json:"email"`
	Username  string    `gorm:"size:64;not null" json:"username"`
	ImageURL  string    `gorm:"size:512" json:"image_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Conversation 是私聊（恰好 2 个成员）或群聊（至少 1 个成员）。
// LastMessageID 是为列表页冗余的指针，可能为空或过期。
type Conversation struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	IsGroup       bool      `gorm:"not null;default:false" json:"is_group"`
	Name          *string   `gorm:"size:128" json:"name,omitempty"`
	LastMessageID *string   `gorm:"size:36" json:"last_message_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ConversationMember 每个 (member, conversation) 只有一行。
type ConversationMember struct {
	ID                string    `gorm:"primaryKey;size:36" json:"id"`
	MemberID          string    `gorm:"uniqueIndex:idx_member_conversation;size:64;not null" json:"member_id"`
	ConversationID    string    `gorm:"uniqueIndex:idx_member_conversation;index;size:36;not null" json:"conversation_id"`
	LastSeenMessageID *string   `gorm:"size:36" json:"last_seen_message_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Message 创建后不可变，CreatedAt 在同一会话内严格递增。
type Message struct {
	ID             string                      `gorm:"primaryKey;size:36" json:"id"`
	ConversationID string                      `gorm:"index:idx_msg_conversation_created,priority:1;size:36;not null" json:"conversation_id"`
	SenderID       string                      `gorm:"index;size:64;not null" json:"sender_id"`
	Type           string                      `gorm:"size:32;not null" json:"type"`
	Content        datatypes.JSONSlice[string] `gorm:"not null" json:"content"`
	CreatedAt      time.Time                   `gorm:"index:idx_msg_conversation_created,priority:2;not null" json:"created_at"`
}

type Request struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	SenderID   string    `gorm:"uniqueIndex:idx_request_pair;size:64;not null" json:"sender_id"`
	ReceiverID string    `gorm:"uniqueIndex:idx_request_pair;index;size:64;not null" json:"receiver_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Friend 记录一段好友关系及其私聊会话；UserID 为接受请求的一方。
type Friend struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	UserID         string    `gorm:"index;size:64;not null" json:"user_id"`
	FriendID       string    `gorm:"index;size:64;not null" json:"friend_id"`
	ConversationID string    `gorm:"uniqueIndex;size:36;not null" json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Other 返回好友关系中不是 userID 的一方。
func (f Friend) Other(userID string) string {
	if f.UserID == userID {
		return f.FriendID
	}
	return f.UserID
}
