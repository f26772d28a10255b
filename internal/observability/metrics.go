package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

const namespace = "telehealth_chat"

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
}

var (
	httpRequestsTotal   = counterVec("http_requests_total", "HTTP requests handled, by route and status.", "method", "route", "status")
	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"route"})
	grpcHandledTotal = counterVec("grpc_handled_total", "gRPC calls handled, by method and code.", "grpc_service", "grpc_method", "grpc_code")

	wsConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_connections",
		Help:      "Open websocket connections.",
	}, []string{"kind"})
	wsEventsTotal = counterVec("ws_events_total", "Websocket lifecycle events.", "kind", "event")

	messagesSentTotal      = counterVec("messages_sent_total", "Messages persisted, by content kind.", "kind")
	attachmentsStoredTotal = counterVec("attachments_stored_total", "Attachments stored, by media kind.", "kind")
	sendFailuresTotal      = counterVec("send_failures_total", "Sends that failed, by stage.", "stage")
	broadcastsTotal        = counterVec("broadcasts_total", "Broadcast publishes, by relay and result.", "relay", "result")
	threadSubscribers      = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "thread_subscribers",
		Help:      "Live thread channel subscriptions on this instance.",
	})
	eventPublishErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_publish_errors_total",
		Help:      "Events that could not be published to the broker.",
	})
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcHandledTotal,
		wsConnections,
		wsEventsTotal,
		messagesSentTotal,
		attachmentsStoredTotal,
		sendFailuresTotal,
		broadcastsTotal,
		threadSubscribers,
		eventPublishErrorsTotal,
	)
}

// HTTPMetricsMiddleware records request counts and latency by route template.
func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		service, method := splitFullMethod(info.FullMethod)
		grpcHandledTotal.WithLabelValues(service, method, status.Code(err).String()).Inc()
		return resp, err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	service, method, ok := strings.Cut(strings.TrimPrefix(fullMethod, "/"), "/")
	if !ok || service == "" || method == "" {
		return "unknown", "unknown"
	}
	return service, method
}

func IncWSActive(kind string) { wsConnections.WithLabelValues(kind).Inc() }

func DecWSActive(kind string) { wsConnections.WithLabelValues(kind).Dec() }

func IncWSEvent(kind, event string) { wsEventsTotal.WithLabelValues(kind, event).Inc() }

func IncAMQPPublishError() { eventPublishErrorsTotal.Inc() }

// IncMessageSent counts a persisted message; kind is "text", "attachment" or "mixed".
func IncMessageSent(kind string) { messagesSentTotal.WithLabelValues(kind).Inc() }

func IncAttachmentStored(kind string) { attachmentsStoredTotal.WithLabelValues(kind).Inc() }

func IncSendFailure(stage string) { sendFailuresTotal.WithLabelValues(stage).Inc() }

func IncBroadcast(relay, result string) { broadcastsTotal.WithLabelValues(relay, result).Inc() }

func IncThreadSubscribers() { threadSubscribers.Inc() }

func DecThreadSubscribers() { threadSubscribers.Dec() }
