package embedded

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/relaygrid/core/internal/bus"
	"github.com/relaygrid/core/internal/component"
	"github.com/relaygrid/core/internal/config"
	"github.com/relaygrid/core/internal/envelope"
	"github.com/relaygrid/core/internal/flowcontrol"
	"github.com/relaygrid/core/internal/gateway"
	"github.com/relaygrid/core/internal/logging"
	"github.com/relaygrid/core/internal/registry"
	"github.com/relaygrid/core/internal/security"
	"github.com/relaygrid/core/internal/transport/tcptransport"
)

// Core is the embedded runtime: an in-process Bus, a component
// Runtime, and, when configured, a TCP transport listener and an HTTP
// gateway, all started together and torn down together by Close.
type Core struct {
	cfg     Config
	fileCfg *config.Config
	log     *logging.Logger

	bus     *bus.Bus
	runtime *component.Runtime
	tcp     *tcptransport.Server
	gateway *gateway.Gateway

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	closers   []func()
	closeOnce sync.Once
}

// New builds and starts a Core from cfg, loading core.yaml from
// cfg.ConfigPath when present and falling back to defaults otherwise.
func New(cfg Config) (*Core, error) {
	cfg = ApplyDefaults(cfg)
	log := logging.New("embedded", cfg.Debug)

	fileCfg, err := config.Load(cfg.ConfigPath + "/core.yaml")
	if err != nil {
		log.Warn("could not load %s/core.yaml, using defaults: %v", cfg.ConfigPath, err)
		fileCfg = &config.Config{Debug: cfg.Debug}
		// The same values config.Load applies to fields a document leaves unset.
		fileCfg.Bus.MaxConcurrent = 1000
		fileCfg.Bus.DefaultMessageTimeout = 30_000
		fileCfg.Bus.DeadLetter.Capacity = 10_000
		fileCfg.FlowController.MaxThroughput = 10_000
		fileCfg.FlowController.WindowSize = 1_000
		fileCfg.Transport.TCP.MaxMessageSize = 1 * 1024 * 1024
	}

	b, err := bus.New(bus.Config{
		Log:                log,
		DefaultTimeout:     fileCfg.DefaultMessageTimeoutDuration(),
		DeadLetterCapacity: fileCfg.Bus.DeadLetter.Capacity,
		FlowControl: flowcontrol.Config{
			Limit:       fileCfg.FlowController.MaxThroughput,
			Period:      fileCfg.WindowDuration(),
			MaxInFlight: fileCfg.Bus.MaxConcurrent,
			MaxWait:     fileCfg.MaxWaitDuration(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("building bus: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	core := &Core{
		cfg:     cfg,
		fileCfg: fileCfg,
		log:     log,
		bus:     b,
		runtime: component.New(log),
		ctx:     ctx,
		cancel:  cancel,
	}

	if cfg.TCPAddr != "" {
		core.tcp = tcptransport.NewServer(tcptransport.Config{
			Address:        cfg.TCPAddr,
			MaxMessageSize: fileCfg.Transport.TCP.MaxMessageSize,
			Compression: tcptransport.CompressionConfig{
				Enabled: fileCfg.Transport.Compression.Enabled,
				MinSize: fileCfg.Transport.Compression.MinSize,
			},
		}, log)
		if err := core.tcp.Connect(ctx); err != nil {
			cancel()
			return nil, fmt.Errorf("starting tcp transport: %w", err)
		}
		core.tcp.Subscribe(core.deliverFromTransport)
	}

	if cfg.GatewayAddr != "" && len(fileCfg.Gateway.Routes) > 0 {
		core.gateway = gateway.New(buildGatewayConfig(fileCfg, log))
		go func() {
			server := &http.Server{Addr: cfg.GatewayAddr, Handler: core.gateway}
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("gateway listener stopped: %v", err)
			}
		}()
	}

	return core, nil
}

func buildGatewayConfig(fileCfg *config.Config, log *logging.Logger) gateway.Config {
	routes := make([]*gateway.Route, 0, len(fileCfg.Gateway.Routes))
	for _, rc := range fileCfg.Gateway.Routes {
		ups := make([]gateway.Upstream, 0, len(rc.Upstreams))
		for _, u := range rc.Upstreams {
			ups = append(ups, gateway.Upstream{URL: u.URL, Weight: u.Weight})
		}
		routes = append(routes, &gateway.Route{
			Name:          rc.Name,
			Methods:       rc.Methods,
			Path:          rc.Path,
			Upstreams:     ups,
			Strategy:      gateway.Strategy(rc.Strategy),
			RateLimit:     gateway.RateLimitConfig{Capacity: rc.RateLimit.Capacity, RefillPerSec: rc.RateLimit.RefillPerSec},
			RequiredRoles: rc.RequiredRoles,
			Enabled:       rc.Enabled,
		})
	}
	return gateway.Config{
		Routes:        routes,
		MaxConcurrent: fileCfg.Gateway.MaxConcurrent,
		QueueTimeout:  time.Duration(fileCfg.Gateway.QueueTimeout) * time.Millisecond,
		HealthCheck: gateway.HealthCheckConfig{
			Interval:           time.Duration(fileCfg.Gateway.HealthCheck.Interval) * time.Millisecond,
			UnhealthyThreshold: int32(fileCfg.Gateway.HealthCheck.UnhealthyThreshold),
			HealthyThreshold:   int32(fileCfg.Gateway.HealthCheck.HealthyThreshold),
		},
		Log: log,
	}
}

func (c *Core) deliverFromTransport(env *envelope.Envelope) {
	if env.Kind != envelope.Event {
		return
	}
	if err := c.bus.Publish(c.ctx, env, security.Anonymous{}); err != nil {
		c.log.Error("delivering transport envelope %s to bus: %v", env.MessageType, err)
	}
}

// Runtime exposes the component runtime so a host application can
// Register its own components before calling Start.
func (c *Core) Runtime() *component.Runtime { return c.runtime }

// Bus exposes the underlying Bus for hosts that need direct access to
// Send/Query/Subscribe beyond the topic-oriented helpers below.
func (c *Core) Bus() *bus.Bus { return c.bus }

// StartComponents resolves and starts every component registered on
// Runtime() and subscribes each one's contributed handlers on the bus.
// Contributed behaviors are not added to the bus pipeline, which is fixed
// when New builds the bus; StartComponents logs them instead.
func (c *Core) StartComponents(ctx context.Context) error {
	contributions, err := c.runtime.Start(ctx)
	if err != nil {
		return fmt.Errorf("starting components: %w", err)
	}
	for name, contrib := range contributions {
		for _, h := range contrib.Handlers {
			sub := c.bus.Subscribe(h)
			c.mu.Lock()
			c.closers = append(c.closers, sub.Dispose)
			c.mu.Unlock()
		}
		if len(contrib.Behaviors) > 0 {
			c.log.Info("component %s contributed %d pipeline behaviors (bus-wide behaviors are fixed at construction; host must pass these via bus.Config.Behaviors before New)", name, len(contrib.Behaviors))
		}
	}
	return nil
}

// Publish fans out an event with the given topic and payload to every
// registered subscriber.
func (c *Core) Publish(topic string, payload interface{}) error {
	env, err := envelope.New(envelope.Event, "embedded", "", topic, payload)
	if err != nil {
		return fmt.Errorf("building event envelope: %w", err)
	}
	return c.bus.Publish(c.ctx, env, security.Anonymous{})
}

// Subscribe registers a handler for topic and returns a channel that
// receives every matching Event plus an unsubscribe function.
func (c *Core) Subscribe(topic string) (<-chan Event, func()) {
	ch := make(chan Event, 100)
	sub := c.bus.Subscribe(registry.Registration{
		Type:     topic,
		Category: envelope.Event,
		Handler: func(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
			var payload interface{}
			_ = json.Unmarshal(env.Payload, &payload)
			event := Event{
				Topic:     env.MessageType,
				Payload:   payload,
				Timestamp: env.Timestamp,
				Source:    env.Source,
			}
			select {
			case ch <- event:
			case <-ctx.Done():
			}
			return nil, nil
		},
	})

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			sub.Dispose()
			close(ch)
		})
	}
	c.mu.Lock()
	c.closers = append(c.closers, unsubscribe)
	c.mu.Unlock()

	return ch, unsubscribe
}

// Request issues a synchronous command and waits for its single
// handler's response.
func (c *Core) Request(ctx context.Context, req Request) (Response, error) {
	if err := ValidateRequest(req); err != nil {
		return Response{}, err
	}
	start := time.Now()

	env, err := envelope.New(envelope.Command, "embedded", "", req.Topic, req.Payload)
	if err != nil {
		return Response{}, fmt.Errorf("building command envelope: %w", err)
	}
	if req.Timeout > 0 {
		env.TTL = req.Timeout
	}

	result, err := c.bus.Send(ctx, env, security.Anonymous{})
	resp := Response{Duration: time.Since(start)}
	if err != nil {
		resp.Err = err.Error()
		return resp, err
	}
	resp.Payload = result
	return resp, nil
}

// Close stops the gateway, TCP listener, component runtime and bus,
// disposing every topic subscription registered via Subscribe. Close
// is safe to call more than once; only the first call has effect.
func (c *Core) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		closers := c.closers
		c.closers = nil
		c.mu.Unlock()
		for _, closeFn := range closers {
			closeFn()
		}

		if c.gateway != nil {
			c.gateway.Close()
		}
		if c.tcp != nil {
			_ = c.tcp.Disconnect(context.Background())
		}

		_ = c.runtime.Stop(context.Background())
		_ = c.runtime.Dispose(context.Background())

		c.bus.Close()
	})
	return nil
}
