// Package changefeed 提供持久层的变更事件订阅原语：每个 (实体, 操作) 一条流，
// 流内按发布顺序投递，不同流之间不保证顺序。
package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Entity string

const (
	EntityMessage      Entity = "message"
	EntityConversation Entity = "conversation"
	EntityMember       Entity = "conversation_member"
	EntityRequest      Entity = "request"
)

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Topic 标识一条变更流。
type Topic struct {
	Entity Entity
	Op     Op
}

func (t Topic) String() string { return string(t.Entity) + "." + string(t.Op) }

var (
	// ErrClosed 表示流已被关闭（本端 Close 或 broker 关闭）。
	ErrClosed = errors.New("changefeed: stream closed")
	// ErrOverflow 表示订阅者消费过慢，缓冲区写满后流被终止。
	ErrOverflow = errors.New("changefeed: subscriber buffer overflow")
)

// Event 是一条已提交写入的变更记录，Data 为实体的 JSON 快照。
type Event struct {
	Entity Entity          `json:"entity"`
	Op     Op              `json:"op"`
	ID     string          `json:"id"`
	Data   json.RawMessage `json:"data"`
	At     time.Time       `json:"at"`
}

func (e Event) Topic() Topic { return Topic{Entity: e.Entity, Op: e.Op} }

// Decode 将快照解码到 v。
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("changefeed: event %s/%s has no data", e.Topic(), e.ID)
	}
	return json.Unmarshal(e.Data, v)
}

// NewEvent 以 record 的 JSON 快照构造事件。
func NewEvent(entity Entity, op Op, id string, record any) (Event, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return Event{}, fmt.Errorf("changefeed: marshal %s.%s: %w", entity, op, err)
	}
	return Event{Entity: entity, Op: op, ID: id, Data: data, At: time.Now().UTC()}, nil
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, topic Topic) (Stream, error)
}

// Stream 以拉取方式迭代事件；Next 返回错误后该流不可再用。
type Stream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

type Feed interface {
	Publisher
	Subscriber
}
