package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/sciencelive/nanopub-viewer/internal/errors"
	"github.com/sciencelive/nanopub-viewer/internal/schedule"
)

const (
	requestIDHeader = "X-Request-Id"
	requestIDKey    = "request_id"

	visitorIdle   = 3 * time.Minute
	pruneInterval = time.Minute
)

// RequestID tags every request with an ID, reusing the caller's X-Request-Id when present
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// GetRequestID returns the ID RequestID assigned, or "unknown"
func GetRequestID(c *gin.Context) string {
	if id := c.GetString(requestIDKey); id != "" {
		return id
	}
	return "unknown"
}

// Logger returns a middleware that logs requests
func Logger(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}
		status := c.Writer.Status()
		fields := []interface{}{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"client_ip", c.ClientIP(),
			"latency", time.Since(start).String(),
			"request_id", GetRequestID(c),
		}
		if status >= http.StatusInternalServerError {
			log.Warnw("request failed", fields...)
			return
		}
		log.Infow("request", fields...)
	}
}

// CORS returns a middleware that handles CORS. Preflight requests are
// answered with 200 and an empty body.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-Id")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

// Recovery returns a middleware that recovers from panics
func Recovery(log *zap.SugaredLogger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Errorw("panic while serving request", "panic", recovered, "path", c.Request.URL.Path, "request_id", GetRequestID(c))
		respondError(c, apperrors.NewInternalError("unexpected panic", nil))
		c.Abort()
	})
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter keeps one token bucket per client IP. Idle visitors are pruned
// lazily while serving requests.
type ipLimiter struct {
	mu        sync.Mutex
	clock     schedule.Clock
	limit     rate.Limit
	burst     int
	visitors  map[string]*visitor
	lastPrune time.Time
}

func newIPLimiter(clock schedule.Clock, rps float64, burst int) *ipLimiter {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 5
	}
	return &ipLimiter{
		clock:     clock,
		limit:     rate.Limit(rps),
		burst:     burst,
		visitors:  make(map[string]*visitor),
		lastPrune: clock.Now(),
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.Sub(l.lastPrune) >= pruneInterval {
		for key, v := range l.visitors {
			if now.Sub(v.lastSeen) > visitorIdle {
				delete(l.visitors, key)
			}
		}
		l.lastPrune = now
	}

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (l *ipLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// RateLimit limits each client IP to rps requests per second with the given burst
func RateLimit(clock schedule.Clock, rps float64, burst int) gin.HandlerFunc {
	if clock == nil {
		clock = schedule.RealClock()
	}
	return rateLimit(newIPLimiter(clock, rps, burst))
}

func rateLimit(l *ipLimiter) gin.HandlerFunc {
	// one token's worth of waiting, rounded up to whole seconds
	retryAfter := strconv.Itoa(int(math.Ceil(1 / float64(l.limit))))
	return func(c *gin.Context) {
		if !l.allow(c.ClientIP()) {
			c.Header("Retry-After", retryAfter)
			respondError(c, apperrors.NewRateLimitedError("Too many submissions - please wait before retrying"))
			c.Abort()
			return
		}
		c.Next()
	}
}
