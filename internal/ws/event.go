package ws

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/MiquelDW/chat-webapp/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EventName 是 websocket 帧中的事件名。
type EventName string

// 客户端 → 服务端
const (
	EventJoinRoom    EventName = "joinRoom"
	EventLeaveRoom   EventName = "leaveRoom"
	EventChatMessage EventName = "chat-message"
)

// 服务端 → 客户端
const (
	EventRoomMessage         EventName = "roomMessage"
	EventNewConversation     EventName = "new-conversation"
	EventUpdatedConversation EventName = "updated-conversation"
	EventDeleteConversation  EventName = "delete-conversation"
	EventUpdatedMember       EventName = "updated-conversation-member"
	EventDeletedMember       EventName = "deleted-conversation-member"
	EventFriendRequest       EventName = "friend-request"
	EventDeleteFriendRequest EventName = "delete-friend-request"
	EventRoomJoined          EventName = "roomJoined"
	EventRoomLeft            EventName = "roomLeft"
	EventMessageSent         EventName = "messageSent"
	EventError               EventName = "error"
)

// Scope 决定一个出站事件投递给谁。
type Scope int

const (
	// ScopeRoom 只投递给加入了 Envelope.Room 的连接。
	ScopeRoom Scope = iota + 1
	// ScopeGlobal 投递给所有连接。
	ScopeGlobal
	// ScopeDirect 只回复给触发它的那个连接。
	ScopeDirect
)

// catalog 是封闭的出站事件集合，不在其中的事件一律拒绝。
var catalog = map[EventName]Scope{
	EventRoomMessage:         ScopeRoom,
	EventNewConversation:     ScopeGlobal,
	EventUpdatedConversation: ScopeGlobal,
	EventDeleteConversation:  ScopeGlobal,
	EventUpdatedMember:       ScopeGlobal,
	EventDeletedMember:       ScopeGlobal,
	EventFriendRequest:       ScopeGlobal,
	EventDeleteFriendRequest: ScopeGlobal,
	EventRoomJoined:          ScopeDirect,
	EventRoomLeft:            ScopeDirect,
	EventMessageSent:         ScopeDirect,
	EventError:               ScopeDirect,
}

// ScopeOf 返回事件的投递范围，未知事件返回 false。
func ScopeOf(name EventName) (Scope, bool) {
	s, ok := catalog[name]
	return s, ok
}

var ErrUnknownEvent = errors.New("ws: unknown event")

// Envelope 是 bridge 与 hub 之间传递的类型化事件。
type Envelope struct {
	Name    EventName
	Room    string
	Payload any
}

// Validate 检查事件名属于目录，且 Room 与投递范围一致。
func (e Envelope) Validate() error {
	scope, ok := ScopeOf(e.Name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, e.Name)
	}
	switch scope {
	case ScopeRoom:
		if e.Room == "" {
			return fmt.Errorf("ws: event %s requires a room", e.Name)
		}
	default:
		if e.Room != "" {
			return fmt.Errorf("ws: event %s must not target a room", e.Name)
		}
	}
	return nil
}

type frame struct {
	Event EventName `json:"event"`
	Data  any       `json:"data"`
}

// Encode 编码为 {"event": name, "data": payload}。
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(frame{Event: e.Name, Data: e.Payload})
}

// RoomMessage 把消息投递到它所属会话的房间。
func RoomMessage(m models.Message) Envelope {
	return Envelope{Name: EventRoomMessage, Room: m.ConversationID, Payload: m}
}

// Global 构造一个全局广播事件。
func Global(name EventName, payload any) Envelope {
	return Envelope{Name: name, Payload: payload}
}

// ErrorPayload 是 error 事件的内容。
type ErrorPayload struct {
	Event   EventName         `json:"event,omitempty"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type roomPayload struct {
	ConversationID string `json:"conversation_id"`
}

// MessageSentPayload 确认 chat-message 已持久化，客户端据此清空输入框。
type MessageSentPayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
}

// inbound 是客户端发来的帧。
type inbound struct {
	Event EventName           `json:"event"`
	Data  jsoniter.RawMessage `json:"data"`
}

// ChatMessagePayload 是 chat-message 事件的内容；Type 缺省为 text。
type ChatMessagePayload struct {
	ConversationID string   `json:"conversation_id"`
	Type           string   `json:"type"`
	Content        []string `json:"content"`
}

// roomID 接受 "id" 或 {"conversation_id": "id"} 两种写法。
func roomID(data jsoniter.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		if id == "" {
			return "", errors.New("conversation id is required")
		}
		return id, nil
	}
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", errors.New("conversation id is required")
	}
	if p.ConversationID == "" {
		return "", errors.New("conversation id is required")
	}
	return p.ConversationID, nil
}
