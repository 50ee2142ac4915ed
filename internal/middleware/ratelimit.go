package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	// idle buckets are dropped after this long
	bucketIdleTTL = 10 * time.Minute

	// a phone may push at most twice per capture interval, bursting a few
	// frames after a network stall; anything faster is overwritten anyway
	framePushesPerInterval = 2
	frameBurst             = 5
)

type bucket struct {
	tokens float64
	last   time.Time
}

// Limiter is a keyed token bucket refilled continuously at rate tokens per
// second, holding at most burst tokens.
type Limiter struct {
	mu      sync.Mutex
	rate    float64
	burst   float64
	buckets map[string]*bucket
	swept   time.Time
	now     func() time.Time
}

func NewLimiter(rate float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow takes one token for key. When none is left it reports how long until
// the next token is available.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.swept) > bucketIdleTTL {
		l.sweep(now)
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, last: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.last).Seconds()*l.rate)
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if l.rate <= 0 {
		return false, time.Minute
	}
	wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
	return false, wait
}

func (l *Limiter) sweep(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.last) > bucketIdleTTL {
			delete(l.buckets, key)
		}
	}
	l.swept = now
}

func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func isFramePush(r *http.Request) bool {
	return r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/frames")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func tooManyRequests(w http.ResponseWriter, wait time.Duration, msg string) {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	http.Error(w, msg, http.StatusTooManyRequests)
}

// RateLimitMiddleware allows perMinute operator requests per tenant and
// client, bursting up to perMinute. Probes and frame pushes are not counted
// here; frame pushes are limited per session by FrameRateLimit.
func RateLimitMiddleware(perMinute int) func(http.Handler) http.Handler {
	return rateLimit(NewLimiter(float64(perMinute)/60, perMinute))
}

func rateLimit(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isProbe(r.URL.Path) || isFramePush(r) {
				next.ServeHTTP(w, r)
				return
			}

			key := GetTenantFromContext(r.Context()) + ":" + clientIP(r)
			if ok, wait := l.Allow(key); !ok {
				tooManyRequests(w, wait, "rate limit exceeded, please try again later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// FrameRateLimit bounds frame pushes per inspection session relative to the
// capture interval. Mount it on the route that declares {tenant} and {id}.
func FrameRateLimit(captureInterval time.Duration) func(http.Handler) http.Handler {
	if captureInterval <= 0 {
		captureInterval = time.Second
	}
	return frameRateLimit(NewLimiter(framePushesPerInterval/captureInterval.Seconds(), frameBurst))
}

func frameRateLimit(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := chi.URLParam(r, "tenant") + "/" + chi.URLParam(r, "id")
			if ok, wait := l.Allow(key); !ok {
				tooManyRequests(w, wait, "frames pushed faster than the capture interval")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
