package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/relaygrid/core/internal/logging"
)

// HealthCheckConfig configures the background upstream prober.
type HealthCheckConfig struct {
	Interval           time.Duration
	UnhealthyThreshold int32
	HealthyThreshold   int32
	// Path is appended to each upstream's URL for the probe request.
	// Empty means probe the upstream's bare URL.
	Path string
	Timeout time.Duration
}

func (c HealthCheckConfig) interval() time.Duration {
	if c.Interval > 0 {
		return c.Interval
	}
	return 10 * time.Second
}

func (c HealthCheckConfig) unhealthyThreshold() int32 {
	if c.UnhealthyThreshold > 0 {
		return c.UnhealthyThreshold
	}
	return 3
}

func (c HealthCheckConfig) healthyThreshold() int32 {
	if c.HealthyThreshold > 0 {
		return c.HealthyThreshold
	}
	return 2
}

func (c HealthCheckConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 5 * time.Second
}

// healthChecker periodically probes every known upstream and flips its
// health flag based on consecutive successes/failures.
type healthChecker struct {
	cfg        HealthCheckConfig
	log        *logging.Logger
	client     *http.Client
	upstreams  []*Upstream

	stop chan struct{}
	done chan struct{}
}

func newHealthChecker(cfg HealthCheckConfig, upstreams []*Upstream, log *logging.Logger) *healthChecker {
	return &healthChecker{
		cfg:       cfg,
		log:       log,
		client:    &http.Client{Timeout: cfg.timeout()},
		upstreams: upstreams,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (h *healthChecker) start() {
	go h.loop()
}

func (h *healthChecker) loop() {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.probeAll()
		case <-h.stop:
			return
		}
	}
}

func (h *healthChecker) probeAll() {
	for _, u := range h.upstreams {
		h.probe(u)
	}
}

func (h *healthChecker) probe(u *Upstream) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.timeout())
	defer cancel()

	url := u.URL + h.cfg.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		h.recordFailure(u)
		return
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.recordFailure(u)
		return
	}
	_ = resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 500 {
		h.recordSuccess(u)
		return
	}
	h.recordFailure(u)
}

func (h *healthChecker) recordSuccess(u *Upstream) {
	u.consecutiveFail.Store(0)
	if u.isHealthy() {
		return
	}
	if u.consecutiveOK.Add(1) >= h.cfg.healthyThreshold() {
		u.healthy.Store(true)
		u.consecutiveOK.Store(0)
		h.log.Info("upstream %s marked healthy", u.URL)
	}
}

func (h *healthChecker) recordFailure(u *Upstream) {
	u.consecutiveOK.Store(0)
	if !u.isHealthy() {
		return
	}
	if u.consecutiveFail.Add(1) >= h.cfg.unhealthyThreshold() {
		u.healthy.Store(false)
		u.consecutiveFail.Store(0)
		h.log.Error("upstream %s marked unhealthy", u.URL)
	}
}

func (h *healthChecker) Stop() {
	close(h.stop)
	<-h.done
}
