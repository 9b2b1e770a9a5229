package rate

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RateLimitError is returned when calls are blocked.
type RateLimitError struct {
	Provider string
	Reason   string
	RetryAt  time.Time
}

func (e RateLimitError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("%s rate limited: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("%s rate limited: %s (retry at %s)", e.Provider, e.Reason, e.RetryAt.UTC().Format(time.RFC3339))
}

type Decision struct {
	Allowed bool
	Reason  string
	RetryAt time.Time
}

type bucket struct {
	window   Window
	capacity int
	tokens   float64
	last     time.Time
}

// Guard enforces rate limits for a provider.
type Guard struct {
	decl  Declaration
	clock clockwork.Clock

	mu         sync.Mutex
	buckets    []*bucket
	cooldown   time.Time
	lastStatus int
}

// NewGuard builds a guard with full buckets. A nil clock uses wall time.
func NewGuard(decl Declaration, clock clockwork.Clock) *Guard {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	g := &Guard{decl: decl, clock: clock}
	now := clock.Now()
	for _, window := range []Window{Minute, Day} {
		limit, ok := decl.Limits()[window]
		if !ok {
			continue
		}
		g.buckets = append(g.buckets, &bucket{
			window:   window,
			capacity: limit,
			tokens:   float64(limit),
			last:     now,
		})
		remainingGauge.WithLabelValues(decl.ProviderName(), window.String()).Set(float64(limit))
	}
	return g
}

// WrapHTTP wraps an http.Client with rate-limit enforcement.
func WrapHTTP(decl Declaration, base *http.Client) *http.Client {
	return WrapHTTPWithGuard(NewGuard(decl, nil), base)
}

// WrapHTTPWithGuard wraps base so every request passes through guard.
func WrapHTTPWithGuard(guard *Guard, base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	client := *base
	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	client.Transport = &roundTripper{
		base:  transport,
		guard: guard,
	}
	return &client
}

type roundTripper struct {
	base  http.RoundTripper
	guard *Guard
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	decision := rt.guard.ShouldCall()
	if !decision.Allowed {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		blockedTotal.WithLabelValues(rt.guard.decl.ProviderName(), decision.Reason).Inc()
		return nil, RateLimitError{
			Provider: rt.guard.decl.ProviderName(),
			Reason:   decision.Reason,
			RetryAt:  decision.RetryAt,
		}
	}

	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	rt.guard.RecordResponse(resp.StatusCode, resp.Header)
	return resp, nil
}

// ShouldCall consumes one token from every window, or reports why not.
func (g *Guard) ShouldCall() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.decl.HasLimits() {
		return Decision{Allowed: true}
	}

	now := g.clock.Now()
	if !g.cooldown.IsZero() && now.Before(g.cooldown) {
		return Decision{Allowed: false, Reason: "cooldown", RetryAt: g.cooldown}
	}

	for _, b := range g.buckets {
		if b.capacity <= 0 {
			return Decision{Allowed: false, Reason: "disabled"}
		}
		refill(b, now)
		if b.tokens < 1 {
			retryAt := now.Add(time.Duration((1 - b.tokens) * float64(b.window.Duration()) / float64(b.capacity)))
			return Decision{Allowed: false, Reason: "budget", RetryAt: retryAt}
		}
	}
	for _, b := range g.buckets {
		b.tokens--
		remainingGauge.WithLabelValues(g.decl.ProviderName(), b.window.String()).Set(b.tokens)
	}

	return Decision{Allowed: true}
}

// RecordResponse tracks status codes and server-imposed cooldowns.
func (g *Guard) RecordResponse(status int, headers http.Header) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastStatus = status
	lastStatusGauge.WithLabelValues(g.decl.ProviderName()).Set(float64(status))

	seconds := headerInt(headers, g.decl.retryAfter)
	if seconds <= 0 && status == http.StatusTooManyRequests {
		seconds = 60
	}
	if seconds > 0 {
		g.cooldown = g.clock.Now().Add(time.Duration(seconds) * time.Second)
		retryAfterGauge.WithLabelValues(g.decl.ProviderName()).Set(float64(seconds))
	}
}

func (g *Guard) LastStatus() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastStatus
}

func refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	rate := float64(b.capacity) / b.window.Duration().Seconds()
	b.tokens = min(float64(b.capacity), b.tokens+elapsed.Seconds()*rate)
	b.last = now
}

func headerInt(h http.Header, key string) int {
	if key == "" {
		return -1
	}
	val := h.Get(key)
	if val == "" {
		return -1
	}
	out, err := strconv.Atoi(val)
	if err != nil {
		return -1
	}
	return out
}
