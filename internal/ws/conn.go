package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MiquelDW/chat-webapp/internal/auth"
	"github.com/MiquelDW/chat-webapp/internal/config"
	"github.com/MiquelDW/chat-webapp/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	sendBuffer     = 256
	readLimit      = 1 << 20 // 1MB
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	writeWait      = 10 * time.Second
	requestTimeout = 10 * time.Second
)

// Client 是一个 websocket 连接的会话状态。rooms 只由 hub goroutine 访问。
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	rooms  map[string]struct{}
}

func newClient(h *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), userID: userID, rooms: make(map[string]struct{})}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve 鉴权后升级为 websocket。加入房间前会校验会话成员身份。
func Serve(h *Hub, cfg config.Config, svc *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := auth.Authenticate(c.Request, cfg.JWTSecret, svc.Users)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := newClient(h, conn, userID)
		if err := h.Register(client); err != nil {
			_ = conn.Close()
			return
		}
		log.Debug().Str("user_id", userID).Msg("websocket connected")

		go client.writePump()
		client.readPump(svc)
	}
}

func (c *Client) readPump(svc *service.Services) {
	defer func() {
		_ = c.hub.Unregister(c)
		_ = c.conn.Close()
		log.Debug().Str("user_id", c.userID).Msg("websocket disconnected")
	}()
	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.replyError("", "malformed frame", nil)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		c.handle(ctx, svc, in)
		cancel()
	}
}

func (c *Client) handle(ctx context.Context, svc *service.Services, in inbound) {
	switch in.Event {
	case EventJoinRoom:
		room, err := roomID(in.Data)
		if err != nil {
			c.replyError(in.Event, err.Error(), nil)
			return
		}
		if _, err := svc.Members.IsMember(ctx, c.userID, room); err != nil {
			c.replyServiceError(in.Event, err)
			return
		}
		if err := c.hub.Join(c, room); err != nil {
			return
		}
		_ = c.hub.Reply(c, Envelope{Name: EventRoomJoined, Payload: roomPayload{ConversationID: room}})

	case EventLeaveRoom:
		room, err := roomID(in.Data)
		if err != nil {
			c.replyError(in.Event, err.Error(), nil)
			return
		}
		if err := c.hub.Leave(c, room); err != nil {
			return
		}
		_ = c.hub.Reply(c, Envelope{Name: EventRoomLeft, Payload: roomPayload{ConversationID: room}})

	case EventChatMessage:
		var p ChatMessagePayload
		if err := json.Unmarshal(in.Data, &p); err != nil {
			c.replyError(in.Event, "malformed chat-message payload", nil)
			return
		}
		if p.Type == "" {
			p.Type = service.MessageTypeText
		}
		// 广播由变更事件桥接完成，这里只负责持久化
		msg, err := svc.Messages.Send(ctx, c.userID, service.SendCommand{ConversationID: p.ConversationID, Type: p.Type, Content: p.Content})
		if err != nil {
			c.replyServiceError(in.Event, err)
			return
		}
		_ = c.hub.Reply(c, Envelope{Name: EventMessageSent, Payload: MessageSentPayload{ID: msg.ID, ConversationID: msg.ConversationID}})

	default:
		c.replyError(in.Event, "unknown event", nil)
	}
}

func (c *Client) replyError(event EventName, msg string, fields map[string]string) {
	_ = c.hub.Reply(c, Envelope{Name: EventError, Payload: ErrorPayload{Event: event, Message: msg, Fields: fields}})
}

func (c *Client) replyServiceError(event EventName, err error) {
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		c.replyError(event, err.Error(), ve.Fields)
	case errors.Is(err, service.ErrUnauthorized), errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrConflict):
		c.replyError(event, err.Error(), nil)
	default:
		log.Error().Err(err).Str("user_id", c.userID).Str("event", string(event)).Msg("websocket request failed")
		c.replyError(event, "internal error", nil)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
