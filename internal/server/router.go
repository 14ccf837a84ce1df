package server

import (
	"net/http"

	"github.com/MiquelDW/chat-webapp/internal/auth"
	"github.com/MiquelDW/chat-webapp/internal/config"
	"github.com/MiquelDW/chat-webapp/internal/metrics"
	"github.com/MiquelDW/chat-webapp/internal/mw"
	"github.com/MiquelDW/chat-webapp/internal/service"
	"github.com/MiquelDW/chat-webapp/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter 统一初始化 Gin 中间件、REST API、身份 webhook 以及 WebSocket 端点。
// rl 为 nil 时不限速。
func SetupRouter(cfg config.Config, svc *service.Services, hub *ws.Hub, rl *mw.RL) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	if rl != nil {
		r.Use(rl.Middleware())
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/api/webhooks/identity", IdentityWebhook(cfg.WebhookSecret, svc.Users))
	r.GET("/ws", ws.Serve(hub, cfg, svc))

	h := NewHandler(svc, hub)

	// 需要 Bearer Token 的业务接口。
	api := r.Group("/api/v1")
	api.Use(auth.AuthMiddleware(cfg, svc.Users))

	api.GET("/conversations", h.ListConversations)
	api.GET("/conversations/:id", h.GetConversation)
	api.GET("/conversations/:id/messages", h.ListMessages)
	api.POST("/conversations/:id/messages", h.SendMessage)
	api.POST("/conversations/:id/read", h.MarkRead)
	api.GET("/conversations/:id/messages/:messageId/seen-by", h.SeenBy)

	api.POST("/groups", h.CreateGroup)
	api.DELETE("/groups/:id", h.DeleteGroup)
	api.POST("/groups/:id/leave", h.LeaveGroup)

	api.GET("/requests", h.ListRequests)
	api.GET("/requests/count", h.CountRequests)
	api.POST("/requests", h.SendRequest)
	api.POST("/requests/:id/accept", h.AcceptRequest)
	api.POST("/requests/:id/deny", h.DenyRequest)

	api.GET("/friends", h.ListFriends)
	api.DELETE("/friends/:conversationId", h.RemoveFriend)
	return r
}
