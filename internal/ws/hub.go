package ws

import (
	"context"
	"errors"

	"github.com/MiquelDW/chat-webapp/internal/metrics"

	"github.com/rs/zerolog/log"
)

// ErrHubStopped 表示 Run 已经退出。
var ErrHubStopped = errors.New("ws: hub stopped")

type roomOp struct {
	client *Client
	room   string
}

// eviction 为空 userID 时表示房间内的全部连接。
type eviction struct {
	userID string
	room   string
}

type delivery struct {
	name  EventName
	scope Scope
	room  string
	to    *Client
	frame []byte
}

// Hub 是实时路由器：单个 goroutine 独占房间表、连接集合以及每个连接加入的房间，
// 其他 goroutine 只能通过 channel 与它交互。
type Hub struct {
	register   chan *Client
	unregister chan *Client
	join       chan roomOp
	leave      chan roomOp
	evict      chan eviction
	deliveries chan delivery
	inspect    chan func()
	stopped    chan struct{}

	rooms   map[string]map[*Client]struct{}
	clients map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		join:       make(chan roomOp),
		leave:      make(chan roomOp),
		evict:      make(chan eviction),
		deliveries: make(chan delivery, 1024),
		inspect:    make(chan func()),
		stopped:    make(chan struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		clients:    make(map[*Client]struct{}),
	}
}

// Run 处理所有状态变更和投递，直到 ctx 结束；退出时关闭全部连接的发送队列。
func (h *Hub) Run(ctx context.Context) {
	log.Info().Msg("ws hub started")
	defer func() {
		for c := range h.clients {
			h.drop(c)
		}
		close(h.stopped)
		log.Info().Msg("ws hub stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			metrics.WsConnections.Inc()
		case c := <-h.unregister:
			h.drop(c)
		case op := <-h.join:
			h.addToRoom(op.client, op.room)
		case op := <-h.leave:
			h.removeFromRoom(op.client, op.room)
		case ev := <-h.evict:
			h.evictFromRoom(ev)
		case d := <-h.deliveries:
			h.deliver(d)
		case fn := <-h.inspect:
			fn()
		}
	}
}

func (h *Hub) addToRoom(c *Client, room string) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	if _, joined := c.rooms[room]; joined {
		return
	}
	set := h.rooms[room]
	if set == nil {
		set = make(map[*Client]struct{})
		h.rooms[room] = set
	}
	set[c] = struct{}{}
	c.rooms[room] = struct{}{}
	metrics.WsRoomMemberships.Inc()
}

func (h *Hub) removeFromRoom(c *Client, room string) {
	if _, joined := c.rooms[room]; !joined {
		return
	}
	delete(c.rooms, room)
	if set := h.rooms[room]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, room)
		}
	}
	metrics.WsRoomMemberships.Dec()
}

// evictFromRoom 把失去成员身份的连接移出房间，并通知它们 roomLeft。
func (h *Hub) evictFromRoom(ev eviction) {
	left := Envelope{Name: EventRoomLeft, Payload: roomPayload{ConversationID: ev.room}}
	b, err := left.Encode()
	if err != nil {
		return
	}
	for c := range h.rooms[ev.room] {
		if ev.userID != "" && c.userID != ev.userID {
			continue
		}
		h.removeFromRoom(c, ev.room)
		h.enqueue(c, delivery{name: EventRoomLeft, scope: ScopeDirect, to: c, frame: b})
		log.Debug().Str("user_id", c.userID).Str("room", ev.room).Msg("evicted from room")
	}
}

// drop 移除连接的全部房间成员关系并关闭其发送队列，可重复调用。
func (h *Hub) drop(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	for room := range c.rooms {
		h.removeFromRoom(c, room)
	}
	delete(h.clients, c)
	close(c.send)
	metrics.WsConnections.Dec()
}

func (h *Hub) deliver(d delivery) {
	switch d.scope {
	case ScopeRoom:
		for c := range h.rooms[d.room] {
			h.enqueue(c, d)
		}
	case ScopeGlobal:
		for c := range h.clients {
			h.enqueue(c, d)
		}
	case ScopeDirect:
		if _, ok := h.clients[d.to]; ok {
			h.enqueue(d.to, d)
		}
	}
}

// enqueue 不阻塞 hub：发送队列已满的连接被视为慢消费者并断开。
func (h *Hub) enqueue(c *Client, d delivery) {
	select {
	case c.send <- d.frame:
		metrics.WsEventsDelivered.WithLabelValues(string(d.name)).Inc()
	default:
		log.Warn().Str("user_id", c.userID).Str("event", string(d.name)).Msg("drop slow websocket consumer")
		metrics.WsSlowConsumers.Inc()
		h.drop(c)
	}
}

// call 把请求交给 hub goroutine；hub 已停止时返回 ErrHubStopped。
func call[T any](h *Hub, ch chan T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-h.stopped:
		return ErrHubStopped
	}
}

// Register 登记一个新连接，之后才能 Join 或接收广播。
func (h *Hub) Register(c *Client) error { return call(h, h.register, c) }

// Unregister 移除连接及其全部房间成员关系。
func (h *Hub) Unregister(c *Client) error { return call(h, h.unregister, c) }

// Join 把连接加入房间，重复加入没有额外效果。返回时加入已生效，
// 之后 Dispatch 的房间事件都会投递给该连接。
func (h *Hub) Join(c *Client, room string) error {
	return call(h, h.join, roomOp{client: c, room: room})
}

func (h *Hub) Leave(c *Client, room string) error {
	return call(h, h.leave, roomOp{client: c, room: room})
}

// Evict 把 userID 的全部连接移出 room，用于成员身份被删除之后。
// 返回时移除已生效，之后 Dispatch 的房间事件不会再投递给这些连接。
func (h *Hub) Evict(userID, room string) error {
	return call(h, h.evict, eviction{userID: userID, room: room})
}

// CloseRoom 把所有连接移出 room，用于会话被删除之后。
func (h *Hub) CloseRoom(room string) error {
	return call(h, h.evict, eviction{room: room})
}

// Dispatch 校验并按 FIFO 顺序排队一个房间或全局事件。
func (h *Hub) Dispatch(env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	scope, _ := ScopeOf(env.Name)
	if scope == ScopeDirect {
		return errors.New("ws: direct events need a target connection")
	}
	return h.enqueueDelivery(env, scope, nil)
}

// EmitToRoom 投递给当前加入 room 的所有连接。
func (h *Hub) EmitToRoom(room string, name EventName, payload any) error {
	return h.Dispatch(Envelope{Name: name, Room: room, Payload: payload})
}

// EmitGlobal 投递给所有连接。
func (h *Hub) EmitGlobal(name EventName, payload any) error {
	return h.Dispatch(Global(name, payload))
}

// Reply 只向 c 发送一个直接事件（例如 error）。
func (h *Hub) Reply(c *Client, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	return h.enqueueDelivery(env, ScopeDirect, c)
}

func (h *Hub) enqueueDelivery(env Envelope, scope Scope, to *Client) error {
	b, err := env.Encode()
	if err != nil {
		return err
	}
	return call(h, h.deliveries, delivery{name: env.Name, scope: scope, room: env.Room, to: to, frame: b})
}

// query 在 hub goroutine 内执行 fn 并等待其完成。
func (h *Hub) query(fn func()) error {
	done := make(chan struct{})
	if err := call(h, h.inspect, func() { fn(); close(done) }); err != nil {
		return err
	}
	<-done
	return nil
}

// Online 返回加入 room 的连接数，hub 停止后返回 0。
func (h *Hub) Online(room string) int {
	n := 0
	_ = h.query(func() { n = len(h.rooms[room]) })
	return n
}

// Connections 返回当前连接数。
func (h *Hub) Connections() int {
	n := 0
	_ = h.query(func() { n = len(h.clients) })
	return n
}

// Rooms 返回 c 当前加入的房间。
func (h *Hub) Rooms(c *Client) []string {
	var out []string
	_ = h.query(func() {
		for room := range c.rooms {
			out = append(out, room)
		}
	})
	return out
}
