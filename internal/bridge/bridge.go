// Package bridge 把持久层的变更流转换成实时事件交给 ws hub。
// 每条流一个 goroutine，流内保持 FIFO；流出错后按指数退避重新订阅。
package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/MiquelDW/chat-webapp/internal/changefeed"
	"github.com/MiquelDW/chat-webapp/internal/metrics"
	"github.com/MiquelDW/chat-webapp/internal/models"
	"github.com/MiquelDW/chat-webapp/internal/ws"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const defaultInitialBackoff = 500 * time.Millisecond

// Dispatcher 接收桥接后的事件，*ws.Hub 实现了它。
type Dispatcher interface {
	Dispatch(env ws.Envelope) error
	// Evict 把 userID 的连接移出 room；userID 为空时清空整个房间。
	Evict(userID, room string) error
}

// Revocation 表示某个成员（UserID 为空时为全部成员）失去了会话的访问权。
type Revocation struct {
	UserID string
	Room   string
}

// Route 把一条变更流映射为一种实时事件。Revoke 非空时，
// 先按它的结果把失去成员身份的连接移出房间，再投递事件。
type Route struct {
	Topic  changefeed.Topic
	Build  func(ev changefeed.Event) (ws.Envelope, error)
	Revoke func(ev changefeed.Event) (Revocation, error)
}

func topic(e changefeed.Entity, op changefeed.Op) changefeed.Topic {
	return changefeed.Topic{Entity: e, Op: op}
}

// global 把实体快照解码为 T 后作为全局事件广播。
func global[T any](name ws.EventName) func(changefeed.Event) (ws.Envelope, error) {
	return func(ev changefeed.Event) (ws.Envelope, error) {
		var v T
		if err := ev.Decode(&v); err != nil {
			return ws.Envelope{}, err
		}
		return ws.Global(name, v), nil
	}
}

func roomMessage(ev changefeed.Event) (ws.Envelope, error) {
	var m models.Message
	if err := ev.Decode(&m); err != nil {
		return ws.Envelope{}, err
	}
	if m.ConversationID == "" {
		return ws.Envelope{}, fmt.Errorf("message %s has no conversation", ev.ID)
	}
	return ws.RoomMessage(m), nil
}

func memberRemoved(ev changefeed.Event) (Revocation, error) {
	var m models.ConversationMember
	if err := ev.Decode(&m); err != nil {
		return Revocation{}, err
	}
	if m.MemberID == "" || m.ConversationID == "" {
		return Revocation{}, fmt.Errorf("member %s has no member or conversation", ev.ID)
	}
	return Revocation{UserID: m.MemberID, Room: m.ConversationID}, nil
}

func conversationRemoved(ev changefeed.Event) (Revocation, error) {
	var c models.Conversation
	if err := ev.Decode(&c); err != nil {
		return Revocation{}, err
	}
	if c.ID == "" {
		return Revocation{}, fmt.Errorf("conversation event %s has no id", ev.ID)
	}
	return Revocation{Room: c.ID}, nil
}

// Routes 返回默认的全部桥接路由。
func Routes() []Route {
	return []Route{
		{Topic: topic(changefeed.EntityMessage, changefeed.OpCreate), Build: roomMessage},
		{Topic: topic(changefeed.EntityConversation, changefeed.OpCreate), Build: global[models.Conversation](ws.EventNewConversation)},
		{Topic: topic(changefeed.EntityConversation, changefeed.OpUpdate), Build: global[models.Conversation](ws.EventUpdatedConversation)},
		{
			Topic:  topic(changefeed.EntityConversation, changefeed.OpDelete),
			Build:  global[models.Conversation](ws.EventDeleteConversation),
			Revoke: conversationRemoved,
		},
		{Topic: topic(changefeed.EntityMember, changefeed.OpUpdate), Build: global[models.ConversationMember](ws.EventUpdatedMember)},
		{
			Topic:  topic(changefeed.EntityMember, changefeed.OpDelete),
			Build:  global[models.ConversationMember](ws.EventDeletedMember),
			Revoke: memberRemoved,
		},
		{Topic: topic(changefeed.EntityRequest, changefeed.OpCreate), Build: global[models.Request](ws.EventFriendRequest)},
		{Topic: topic(changefeed.EntityRequest, changefeed.OpDelete), Build: global[models.Request](ws.EventDeleteFriendRequest)},
	}
}

type Bridge struct {
	sub        changefeed.Subscriber
	out        Dispatcher
	routes     []Route
	initial    time.Duration
	maxBackoff time.Duration
}

// New 使用默认路由。maxBackoff 是两次重新订阅之间的最长等待。
func New(sub changefeed.Subscriber, out Dispatcher, maxBackoff time.Duration) *Bridge {
	return &Bridge{sub: sub, out: out, routes: Routes(), initial: defaultInitialBackoff, maxBackoff: maxBackoff}
}

// Run 阻塞到 ctx 结束。
func (b *Bridge) Run(ctx context.Context) error {
	log.Info().Int("routes", len(b.routes)).Msg("bridge started")
	var g errgroup.Group
	for _, r := range b.routes {
		r := r
		g.Go(func() error {
			b.follow(ctx, r)
			return nil
		})
	}
	err := g.Wait()
	log.Info().Msg("bridge stopped")
	return err
}

// follow 持续消费一条流，出错后退避并重新订阅。
func (b *Bridge) follow(ctx context.Context, r Route) {
	name := r.Topic.String()
	logger := log.With().Str("topic", name).Logger()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.initial
	if b.maxBackoff > 0 {
		bo.MaxInterval = b.maxBackoff
	}

	for {
		err := b.consume(ctx, r, bo, logger)
		if ctx.Err() != nil {
			return
		}
		metrics.BridgeStreamFailures.WithLabelValues(name).Inc()
		wait := bo.NextBackOff()
		logger.Error().Err(err).Dur("retry_in", wait).Msg("change stream failed")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// consume 在流出错或 ctx 结束时返回。
func (b *Bridge) consume(ctx context.Context, r Route, bo *backoff.ExponentialBackOff, logger zerolog.Logger) error {
	stream, err := b.sub.Subscribe(ctx, r.Topic)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer stream.Close()
	logger.Debug().Msg("change stream subscribed")

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		bo.Reset()

		env, err := r.Build(ev)
		if err != nil {
			logger.Warn().Err(err).Str("id", ev.ID).Msg("skip undecodable change event")
			continue
		}
		if r.Revoke != nil {
			b.revoke(r, ev, logger)
		}
		if err := b.out.Dispatch(env); err != nil {
			logger.Error().Err(err).Str("id", ev.ID).Str("event", string(env.Name)).Msg("dispatch change event")
			continue
		}
		metrics.BridgeEventsTotal.WithLabelValues(r.Topic.String()).Inc()
	}
}

// revoke 在投递删除事件之前把失去访问权的连接移出房间。
func (b *Bridge) revoke(r Route, ev changefeed.Event, logger zerolog.Logger) {
	rv, err := r.Revoke(ev)
	if err != nil {
		logger.Warn().Err(err).Str("id", ev.ID).Msg("skip undecodable revocation")
		return
	}
	if err := b.out.Evict(rv.UserID, rv.Room); err != nil {
		logger.Error().Err(err).Str("id", ev.ID).Str("room", rv.Room).Msg("evict from room")
	}
}
