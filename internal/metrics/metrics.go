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
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of chat messages persisted",
	})
	ChatsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_chats_created_total",
		Help: "Total number of chats created",
	})
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_events_dropped_total",
		Help: "Store events dropped because a subscriber buffer was full",
	}, []string{"kind"})
	FramesEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_frames_emitted_total",
		Help: "Frames emitted to rooms, by event name",
	}, []string{"event"})
	SlowConsumersEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_slow_consumers_evicted_total",
		Help: "Connections dropped because their send buffer was full",
	})
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
	prometheus.MustRegister(WsConnections, MessagesTotal, ChatsCreatedTotal, EventsDropped,
		FramesEmitted, SlowConsumersEvicted, HttpRequestsTotal, HttpRequestDuration)
}

// GinMiddleware records request count and latency per route.
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
