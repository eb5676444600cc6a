// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/DataDog/hikari/pkg/collector/metrics"
)

// requestID tags every request, honoring an id supplied by the caller.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", w.Header().Get("X-Request-ID")))
		})
	}
}

// staleAfter is how long an idle client keeps its token bucket before the
// janitor evicts it.
const staleAfter = time.Hour

// ipLimiter applies a per-client token bucket to the ingest endpoint. Write
// endpoints only: monitoring tools may poll the query surface freely.
type ipLimiter struct {
	rps   float64
	burst int

	mu      sync.Mutex
	clients map[string]*clientBucket
	stop    chan struct{}
	once    sync.Once
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(rps float64, burst int) *ipLimiter {
	return &ipLimiter{
		rps:     rps,
		burst:   burst,
		clients: make(map[string]*clientBucket),
		stop:    make(chan struct{}),
	}
}

// clientKey prefers the first hop of X-Forwarded-For so clients behind a
// reverse proxy are limited individually.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (l *ipLimiter) get(key string) *clientBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	cb, ok := l.clients[key]
	if !ok {
		cb = &clientBucket{limiter: rate.NewLimiter(rate.Limit(l.rps), l.burst)}
		l.clients[key] = cb
	}
	cb.lastSeen = time.Now()
	return cb
}

func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cb := l.get(clientKey(r))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.burst))
		if !cb.limiter.Allow() {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", strconv.Itoa(int(1/l.rps)+1))
			metrics.RateLimited.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		remaining := int(cb.limiter.Tokens())
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		next.ServeHTTP(w, r)
	})
}

// startJanitor evicts idle client buckets so the map cannot grow without
// bound.
func (l *ipLimiter) startJanitor() {
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-staleAfter)
				l.mu.Lock()
				for key, cb := range l.clients {
					if cb.lastSeen.Before(cutoff) {
						delete(l.clients, key)
					}
				}
				l.mu.Unlock()
			}
		}
	}()
}

func (l *ipLimiter) stopJanitor() {
	l.once.Do(func() { close(l.stop) })
}
