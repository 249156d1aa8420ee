package server

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/54b3r/kbchat-go/internal/logging"
)

// limitClass groups routes that share one token bucket per client. Chat
// traffic and uploads are budgeted separately so a burst of uploads cannot
// starve a user's conversations.
type limitClass string

const (
	// classChat covers conversation creation, messages, SSE and WebSocket.
	classChat limitClass = "chat"
	// classUpload covers file upload and reindex, which run ingestion.
	classUpload limitClass = "upload"
)

// Defaults applied by applyDefaults when the config leaves a limit at zero.
const (
	defaultRateLimit       = 10
	defaultRateBurst       = 20
	defaultUploadRateLimit = 1
	defaultUploadRateBurst = 5
)

// clientIdleTTL is how long an unused bucket is kept before eviction.
const clientIdleTTL = 5 * time.Minute

// limitPolicy is the token-bucket shape of one class.
type limitPolicy struct {
	rps   rate.Limit
	burst int
}

// limiterKey identifies one bucket: a class and a client.
type limiterKey struct {
	class  limitClass
	client string
}

// clientLimiter is a bucket and the last time it was used.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter enforces per-client token buckets per limitClass. A client is
// the authenticated user when perUser is set, otherwise the remote IP.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[limiterKey]*clientLimiter
	policies map[limitClass]limitPolicy
	perUser  bool
	// onReject is called with the class of every rejected request.
	onReject func(limitClass)
	log      *slog.Logger
}

// rateLimiterConfig holds the per-class policies for newRateLimiter.
type rateLimiterConfig struct {
	ChatRPS     float64
	ChatBurst   int
	UploadRPS   float64
	UploadBurst int
	// PerUser keys buckets by authenticated user id instead of IP.
	PerUser  bool
	OnReject func(limitClass)
	Logger   *slog.Logger
}

// newRateLimiter constructs a rateLimiter and starts the background eviction
// goroutine, which exits when the returned stop function is called.
func newRateLimiter(cfg rateLimiterConfig) (*rateLimiter, func()) {
	rl := &rateLimiter{
		limiters: make(map[limiterKey]*clientLimiter),
		policies: map[limitClass]limitPolicy{
			classChat:   {rps: rate.Limit(cfg.ChatRPS), burst: cfg.ChatBurst},
			classUpload: {rps: rate.Limit(cfg.UploadRPS), burst: cfg.UploadBurst},
		},
		perUser:  cfg.PerUser,
		onReject: cfg.OnReject,
		log:      cfg.Logger,
	}
	if rl.log == nil {
		rl.log = slog.Default()
	}

	stopCh := make(chan struct{})
	go rl.evictLoop(stopCh)

	return rl, func() { close(stopCh) }
}

// getLimiter returns the bucket for key, creating it on first use.
func (rl *rateLimiter) getLimiter(key limiterKey) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.limiters[key]
	if !ok {
		p := rl.policies[key.class]
		entry = &clientLimiter{limiter: rate.NewLimiter(p.rps, p.burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

func (rl *rateLimiter) evictLoop(stopCh <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			rl.evict(time.Now())
		}
	}
}

// evict removes buckets idle for longer than clientIdleTTL as of now.
func (rl *rateLimiter) evict(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-clientIdleTTL)
	for key, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
		}
	}
}

// clientKey names the caller: "user:<id>" when buckets are per user and the
// request is authenticated, "ip:<addr>" otherwise.
func (rl *rateLimiter) clientKey(r *http.Request) string {
	if rl.perUser {
		if uid, ok := userFrom(r.Context()); ok {
			return "user:" + strconv.FormatInt(uid, 10)
		}
	}
	return "ip:" + clientIP(r)
}

// middleware enforces class's limit before delegating to next. It must run
// after authentication for per-user keys to apply. Rejected requests get 429
// with a Retry-After header derived from the bucket's refill time.
func (rl *rateLimiter) middleware(class limitClass, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := rl.clientKey(r)
		res := rl.getLimiter(limiterKey{class: class, client: client}).Reserve()

		if delay := res.Delay(); !res.OK() || delay > 0 {
			res.Cancel()
			if rl.onReject != nil {
				rl.onReject(class)
			}
			logging.FromContext(r.Context()).Warn("rate limit exceeded",
				slog.String("class", string(class)),
				slog.String("client", client),
				slog.String("path", r.URL.Path),
			)
			w.Header().Set("Retry-After", retryAfter(delay, res.OK()))
			writeEnvelope(w, http.StatusTooManyRequests, envelope{
				Code: http.StatusTooManyRequests,
				Msg:  "rate limit exceeded",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// retryAfter renders delay as whole seconds, at least 1.
func retryAfter(delay time.Duration, ok bool) string {
	if !ok || delay <= 0 {
		return "1"
	}
	return strconv.Itoa(int(math.Max(1, math.Ceil(delay.Seconds()))))
}

// clientIP extracts the remote IP from the request, stripping the port.
// X-Forwarded-For is not trusted; deployments behind a proxy should rate
// limit at the proxy.
func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	// RemoteAddr is "host:port" for TCP connections.
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}
