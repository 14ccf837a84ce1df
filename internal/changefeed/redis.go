package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisFeed 基于 Redis Pub/Sub，一条流对应一个 channel，供多实例部署共享变更事件。
type RedisFeed struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisFeed(rdb *redis.Client, prefix string) *RedisFeed {
	if prefix == "" {
		prefix = "chat:changes"
	}
	return &RedisFeed{rdb: rdb, prefix: prefix}
}

// Connect 建立 Redis 连接并做一次 Ping。
func Connect(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     20,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.Info().Str("addr", addr).Msg("redis change feed connected")
	return rdb, nil
}

func (f *RedisFeed) channel(t Topic) string { return f.prefix + ":" + t.String() }

func (f *RedisFeed) Publish(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, f.channel(ev.Topic()), b).Err()
}

// Subscribe 等待服务端确认订阅后才返回，之后发布的事件不会丢失。
func (f *RedisFeed) Subscribe(ctx context.Context, topic Topic) (Stream, error) {
	ps := f.rdb.Subscribe(ctx, f.channel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return &redisStream{ps: ps, topic: topic}, nil
}

type redisStream struct {
	ps    *redis.PubSub
	topic Topic
}

// Next 跳过无法解码的消息，只有连接层面的错误才会终止流。
func (s *redisStream) Next(ctx context.Context) (Event, error) {
	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, redis.ErrClosed) {
				return Event{}, ErrClosed
			}
			return Event{}, err
		}
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			log.Warn().Err(err).Str("topic", s.topic.String()).Msg("drop undecodable change event")
			continue
		}
		return ev, nil
	}
}

func (s *redisStream) Close() error { return s.ps.Close() }
