package ingest

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimitConfig bounds per-source request rates on the HTTP listener.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	BurstSize     int           `yaml:"burst_size"`
	WindowSize    time.Duration `yaml:"window_size"`
}

// DefaultRateLimitConfig returns the default rate limit configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 1000,
		BurstSize:     100,
		WindowSize:    time.Minute,
	}
}

// RateLimiter is a fixed-window per-IP limiter.
type RateLimiter struct {
	config RateLimitConfig

	mu      sync.Mutex
	clients map[string]*clientWindow
	stopCh  chan struct{}
}

type clientWindow struct {
	count     int
	windowEnd time.Time
}

// NewRateLimiter creates a limiter and starts its cleanup loop.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  cfg,
		clients: make(map[string]*clientWindow),
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a request from ip fits the window, and when the
// window resets.
func (rl *RateLimiter) Allow(ip string) (bool, time.Time) {
	now := time.Now()
	limit := rl.config.RequestsPerIP + rl.config.BurstSize

	rl.mu.Lock()
	defer rl.mu.Unlock()

	client, ok := rl.clients[ip]
	if !ok || now.After(client.windowEnd) {
		client = &clientWindow{windowEnd: now.Add(rl.config.WindowSize)}
		rl.clients[ip] = client
	}

	if client.count >= limit {
		return false, client.windowEnd
	}
	client.count++
	return true, client.windowEnd
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			rl.mu.Lock()
			for ip, client := range rl.clients {
				if now.After(client.windowEnd) {
					delete(rl.clients, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Stop ends the cleanup loop.
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// Middleware rejects over-limit requests with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		allowed, reset := rl.Allow(ip)
		if !allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(time.Until(reset).Seconds())+1))
			respondJSON(w, http.StatusTooManyRequests, map[string]string{
				"error": "rate limit exceeded",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
