// Package gateway implements the HTTP API gateway instance: route
// matching, role-based authorization, token-bucket rate limiting,
// upstream load balancing with health checks, and request forwarding.
// Grounded on tenzoki-agen's broker connection/dispatch idiom,
// generalized from an internal message bus to an HTTP reverse proxy.
package gateway

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/relaygrid/core/internal/logging"
	"github.com/relaygrid/core/internal/metrics"
	"github.com/relaygrid/core/internal/security"
)

// Config configures a Gateway instance.
type Config struct {
	Routes []*Route

	MaxConcurrent int
	QueueTimeout  time.Duration

	HealthCheck HealthCheckConfig

	// Limiter is consulted for rate limiting. Defaults to a
	// MemoryLimiter when nil.
	Limiter Limiter

	// Resolver extracts a SecurityContext from an inbound request
	// (e.g. by validating a bearer token). Defaults to always-Anonymous.
	Resolver func(*http.Request) security.Context

	// ClientKey derives the rate-limiter/IpHash identity for a
	// request. Defaults to RemoteAddr.
	ClientKey func(*http.Request) string

	Log     *logging.Logger
	Metrics metrics.Collector
}

func (c Config) resolver() func(*http.Request) security.Context {
	if c.Resolver != nil {
		return c.Resolver
	}
	return func(*http.Request) security.Context { return security.Anonymous{} }
}

func (c Config) clientKey() func(*http.Request) string {
	if c.ClientKey != nil {
		return c.ClientKey
	}
	return func(r *http.Request) string { return r.RemoteAddr }
}

// routeState pairs a compiled Route with its runtime balancer and
// upstream health state.
type routeState struct {
	route     *Route
	upstreams []*Upstream
	balancer  *balancer
}

// Gateway is an http.Handler implementing the forwarding pipeline.
type Gateway struct {
	cfg     Config
	log     *logging.Logger
	metrics metrics.Collector
	router  *Router
	states  map[*Route]*routeState
	limiter Limiter

	sem     chan struct{}
	checker *healthChecker
}

// New builds a Gateway, compiles its routes, and starts the health
// checker background task.
func New(cfg Config) *Gateway {
	log := cfg.Log
	if log == nil {
		log = logging.New("gateway", false)
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Noop{}
	}

	states := make(map[*Route]*routeState, len(cfg.Routes))
	var allUpstreams []*Upstream
	for _, r := range cfg.Routes {
		var ups []*Upstream
		for _, u := range r.Upstreams {
			us := newUpstreamState(u)
			ups = append(ups, us)
			allUpstreams = append(allUpstreams, us)
		}
		states[r] = &routeState{
			route:     r,
			upstreams: ups,
			balancer:  newBalancer(r.Strategy, ups),
		}
	}

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = NewMemoryLimiter(10 * time.Minute)
	}

	g := &Gateway{
		cfg:     cfg,
		log:     log,
		metrics: m,
		router:  NewRouter(cfg.Routes),
		states:  states,
		limiter: limiter,
	}

	if cfg.MaxConcurrent > 0 {
		g.sem = make(chan struct{}, cfg.MaxConcurrent)
	}

	g.checker = newHealthChecker(cfg.HealthCheck, allUpstreams, log)
	g.checker.start()

	return g
}

// Close stops the gateway's background health checker.
func (g *Gateway) Close() {
	g.checker.Stop()
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	if !g.acquireSlot(r.Context()) {
		g.metrics.IncCounter("gateway.over_capacity", nil)
		http.Error(w, "over capacity", http.StatusServiceUnavailable)
		return
	}
	defer g.releaseSlot()

	route, params, ok := g.router.Resolve(r.Method, r.URL.Path)
	if !ok {
		g.metrics.IncCounter("gateway.no_route", nil)
		http.Error(w, "no matching route", http.StatusNotFound)
		return
	}

	if len(route.RequiredRoles) > 0 {
		secCtx := g.cfg.resolver()(r)
		if secCtx == nil || secCtx.Identity() == "" {
			g.metrics.IncCounter("gateway.unauthenticated", map[string]string{"route": route.Name})
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
			return
		}
		if !hasAnyRole(secCtx, route.RequiredRoles) {
			g.metrics.IncCounter("gateway.forbidden", map[string]string{"route": route.Name})
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	clientKey := g.cfg.clientKey()(r)
	decision, err := g.limiter.Allow(r.Context(), route.Name+"/"+clientKey, route.RateLimit)
	if err != nil {
		g.metrics.IncCounter("gateway.internal_error", map[string]string{"route": route.Name})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !decision.Admitted {
		w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())+1))
		g.metrics.IncCounter("gateway.rate_limited", map[string]string{"route": route.Name})
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	state := g.states[route]
	upstream := state.balancer.choose(clientKey)
	if upstream == nil {
		g.metrics.IncCounter("gateway.no_healthy_upstream", map[string]string{"route": route.Name})
		http.Error(w, "no healthy upstream", http.StatusServiceUnavailable)
		return
	}

	g.forward(w, r, route, upstream, params, requestID)
}

func hasAnyRole(ctx security.Context, required []string) bool {
	for _, role := range required {
		if security.HasRole(ctx, role) {
			return true
		}
	}
	return false
}

func (g *Gateway) acquireSlot(ctx context.Context) bool {
	if g.sem == nil {
		return true
	}
	if g.cfg.QueueTimeout <= 0 {
		select {
		case g.sem <- struct{}{}:
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(g.cfg.QueueTimeout)
	defer timer.Stop()
	select {
	case g.sem <- struct{}{}:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (g *Gateway) releaseSlot() {
	if g.sem == nil {
		return
	}
	<-g.sem
}

func (g *Gateway) forward(w http.ResponseWriter, r *http.Request, route *Route, upstream *Upstream, params map[string]string, requestID string) {
	upstream.active.Add(1)
	defer upstream.active.Add(-1)

	timeout := routeTimeout(route)
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	targetPath := substitutePath(route.Path, params)
	targetURL := upstream.URL + targetPath
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, r.Method, targetURL, r.Body)
	if err != nil {
		g.metrics.IncCounter("gateway.internal_error", map[string]string{"route": route.Name})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	copyWhitelistedHeaders(upstreamReq.Header, r.Header, route.UpstreamHeaders)
	upstreamReq.Header.Set("X-Forwarded-For", r.RemoteAddr)
	upstreamReq.Header.Set("X-Forwarded-Proto", schemeOf(r))
	upstreamReq.Header.Set("X-Request-Id", requestID)

	resp, err := http.DefaultClient.Do(upstreamReq)
	if err != nil {
		g.recordUpstreamFailure(route, upstream, err)
		if ctx.Err() != nil {
			g.metrics.IncCounter("gateway.upstream_timeout", map[string]string{"route": route.Name})
			http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
			return
		}
		g.metrics.IncCounter("gateway.upstream_error", map[string]string{"route": route.Name})
		http.Error(w, "upstream error", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	g.checker.recordSuccess(upstream)

	copyDownstreamHeaders(w.Header(), resp.Header, route.DownstreamHeaders)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	g.metrics.IncCounter("gateway.forwarded", map[string]string{"route": route.Name})
}

func (g *Gateway) recordUpstreamFailure(route *Route, upstream *Upstream, err error) {
	g.checker.recordFailure(upstream)
	g.log.Error("gateway forward to %s failed for route %s: %v", upstream.URL, route.Name, err)
}

func routeTimeout(route *Route) time.Duration {
	if route.Timeout == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(route.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

var standardUpstreamHeaders = []string{"Authorization", "Content-Type", "Accept", "User-Agent"}

func copyWhitelistedHeaders(dst, src http.Header, extra map[string]string) {
	for _, h := range standardUpstreamHeaders {
		if v := src.Get(h); v != "" {
			dst.Set(h, v)
		}
	}
	for k, v := range extra {
		dst.Set(k, v)
	}
}

func copyDownstreamHeaders(dst, src http.Header, extra map[string]string) {
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	for k, v := range extra {
		dst.Set(k, v)
	}
}
