package server

import (
	"errors"
	"net/http"

	"github.com/MiquelDW/chat-webapp/internal/auth"
	"github.com/MiquelDW/chat-webapp/internal/service"

	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
)

// SignatureHeader 携带 webhook 请求体的 HMAC-SHA256 签名。
const SignatureHeader = "X-Signature"

// 身份服务推送的事件类型。
const (
	UserCreated = "user.created"
	UserUpdated = "user.updated"
	UserDeleted = "user.deleted"
)

// IdentityEvent 是身份服务 webhook 的请求体。
type IdentityEvent struct {
	Type string              `json:"type"`
	Data service.UserCommand `json:"data"`
}

// IdentityWebhook 校验签名后同步用户。删除不存在的用户视为成功，便于身份服务重试。
func IdentityWebhook(secret string, users *service.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		if !auth.VerifySignature(secret, body, c.GetHeader(SignatureHeader)) {
			log.Warn().Str("remote", c.ClientIP()).Msg("identity webhook signature mismatch")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
		var ev IdentityEvent
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(body, &ev); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}

		ctx := c.Request.Context()
		switch ev.Type {
		case UserCreated, UserUpdated:
			if _, err := users.Upsert(ctx, ev.Data); err != nil {
				writeError(c, err, "sync user")
				return
			}
		case UserDeleted:
			if err := users.Delete(ctx, ev.Data.ID); err != nil && !errors.Is(err, service.ErrNotFound) {
				writeError(c, err, "delete user")
				return
			}
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported event type"})
			return
		}
		log.Info().Str("type", ev.Type).Str("user_id", ev.Data.ID).Msg("identity event applied")
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
