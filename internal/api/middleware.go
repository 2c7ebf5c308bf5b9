package api

import (
	"strconv"
	"strings"
	"time"

	"callinsights/internal/apperr"
	"callinsights/internal/identity"
	"callinsights/internal/logger"
	"callinsights/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"
)

const (
	ctxUser  = "user"
	ctxToken = "token"
	ctxLog   = "log"
)

// corsMiddleware answers preflight requests and adds permissive CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, apikey, x-client-info, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, PATCH, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// requestLogger attaches a request-scoped entry and logs every completed request
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		entry := log.WithRequest(c.Request)
		if id, ok := entry.Data["req_id"].(string); ok {
			c.Writer.Header().Set("X-Request-ID", id)
		}
		c.Set(ctxLog, entry)

		c.Next()

		fields := logrus.Fields{
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}
		if u, ok := c.Get(ctxUser); ok {
			fields["user_id"] = u.(*identity.User).ID
		}
		entry = entry.WithFields(fields)
		switch {
		case c.Writer.Status() >= 500:
			entry.Error("request failed")
		case c.Writer.Status() >= 400:
			entry.Warn("request rejected")
		default:
			entry.Info("request completed")
		}
	}
}

type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	factory := promauto.With(reg)
	return &httpMetrics{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

func (m *httpMetrics) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.requests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.duration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// authMiddleware verifies the bearer token and stores the user and token on the context
func authMiddleware(v identity.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			utils.AbortWithError(c, apperr.New(apperr.KindUnauthorized, "Missing authorization header"), nil)
			return
		}

		user, err := v.Verify(c.Request.Context(), token)
		if err != nil {
			utils.AbortWithError(c, err, nil)
			return
		}
		c.Set(ctxUser, user)
		c.Set(ctxToken, strings.TrimSpace(token))
		c.Next()
	}
}

// rateLimitMiddleware limits requests per authenticated user
func rateLimitMiddleware(lim *limiter.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if u, ok := c.Get(ctxUser); ok {
			key = u.(*identity.User).ID.String()
		}

		ctx, err := lim.Get(c.Request.Context(), key)
		if err != nil {
			// Fail open on store errors
			requestLog(c).WithError(err).Warn("rate limiter unavailable")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(ctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(ctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(ctx.Reset, 10))

		if ctx.Reached {
			utils.AbortWithError(c, apperr.New(apperr.KindRateLimited, "Too many requests, please try again later"), nil)
			return
		}
		c.Next()
	}
}

func currentUser(c *gin.Context) *identity.User {
	return c.MustGet(ctxUser).(*identity.User)
}

func requestLog(c *gin.Context) *logrus.Entry {
	if v, ok := c.Get(ctxLog); ok {
		return v.(*logrus.Entry)
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
