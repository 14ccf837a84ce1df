package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of active websocket connections",
	})
	WsRoomMemberships = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_room_memberships",
		Help: "Current number of (connection, room) memberships",
	})
	WsEventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_ws_events_delivered_total",
		Help: "Total number of realtime events queued to websocket connections",
	}, []string{"event"})
	WsSlowConsumers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_slow_consumers_total",
		Help: "Total number of connections dropped because their send buffer was full",
	})
	MessagesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_sent_total",
		Help: "Total number of chat messages persisted",
	})
	BridgeEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_bridge_events_total",
		Help: "Total number of change events bridged to the realtime router",
	}, []string{"topic"})
	BridgeStreamFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_bridge_stream_failures_total",
		Help: "Total number of change stream subscription failures",
	}, []string{"topic"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections, WsRoomMemberships, WsEventsDelivered, WsSlowConsumers,
		MessagesSentTotal, BridgeEventsTotal, BridgeStreamFailures,
		HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
