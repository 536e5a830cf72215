package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/zhishimianbao/tripmind/internal/agent"
	"github.com/zhishimianbao/tripmind/internal/config"
)

// maxRequestIDLen bounds an inbound X-Request-ID that is reused as-is.
const maxRequestIDLen = 64

// withRequestID tags every request with an id, reusing a sane inbound
// X-Request-ID, and echoes it in the response.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if !validRequestID(id) {
			id = agent.NewRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(agent.WithRequestID(r.Context(), id)))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// statusRecorder captures the status code and passes through the
// optional interfaces streaming and websocket handlers need.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		level := s.logger.Info
		if r.URL.Path == "/health" {
			level = s.logger.Debug
		}
		level("request",
			"request_id", agent.RequestIDFromContext(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", rec.bytes,
			"remote", r.RemoteAddr,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}

// newCORS builds the CORS handler. An empty origin list allows any
// origin without credentials.
func newCORS(origins []string) *cors.Cors {
	opts := cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}
	if len(origins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowCredentials = true
	}
	return cors.New(opts)
}

type ipLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet holds one token bucket per client IP. Entries idle for
// longer than limiterIdleTTL are dropped on the next sweep.
type limiterSet struct {
	rps   float64
	burst int

	mu        sync.Mutex
	limiters  map[string]*ipLimiter
	lastSweep time.Time
	now       func() time.Time
}

const (
	limiterSweepEvery = 10 * time.Minute
	limiterIdleTTL    = 30 * time.Minute
)

func newLimiterSet(rps float64, burst int) *limiterSet {
	if burst <= 0 {
		burst = max(1, int(rps))
	}
	return &limiterSet{
		rps:      rps,
		burst:    burst,
		limiters: make(map[string]*ipLimiter),
		now:      time.Now,
	}
}

func (l *limiterSet) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > limiterSweepEvery {
		cutoff := now.Add(-limiterIdleTTL)
		for k, il := range l.limiters {
			if il.lastAccess.Before(cutoff) {
				delete(l.limiters, k)
			}
		}
		l.lastSweep = now
	}

	il, ok := l.limiters[ip]
	if !ok {
		il = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(l.rps), l.burst)}
		l.limiters[ip] = il
	}
	il.lastAccess = now
	return il.limiter.AllowN(now, 1)
}

// rateLimit applies a per-IP token bucket. A zero rate disables it.
func rateLimit(cfg config.RateLimitConfig, s *Server) func(http.Handler) http.Handler {
	if cfg.RequestsPerSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	set := newLimiterSet(cfg.RequestsPerSecond, cfg.Burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodOptions && !set.allow(clientIP(r)) {
				w.Header().Set("Retry-After", "1")
				s.errorResponse(w, http.StatusTooManyRequests, "rate_limit_error", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
