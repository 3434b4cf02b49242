// Package embedded provides a public API for running the bus, the
// component runtime and the gateway in-process inside a host
// application, instead of as a separate busd process. Grounded on
// tenzoki/agen/cellorg's public/orchestrator embedding API, generalized
// from cell/agent deployment to component/handler registration against
// the in-process bus.
//
// Example usage:
//
//	core, err := embedded.New(embedded.Config{ConfigPath: "/etc/relaygrid"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	events, unsubscribe := core.Subscribe("OrderPlaced")
//	defer unsubscribe()
//	for event := range events {
//	    log.Printf("order placed: %v", event.Payload)
//	}
package embedded

import (
	"fmt"
	"time"
)

// Config configures an embedded Core.
type Config struct {
	// ConfigPath is the directory containing core.yaml.
	ConfigPath string

	// Debug enables debug logging across the embedded components.
	Debug bool

	// GatewayAddr is the address the embedded HTTP gateway listens on,
	// when the loaded configuration defines any gateway routes.
	// ApplyDefaults replaces an empty value with ":8080".
	GatewayAddr string

	// TCPAddr is the address the embedded TCP transport server listens
	// on. ApplyDefaults replaces an empty value with ":9001", so New
	// always starts the listener. Inbound event envelopes are published
	// on the bus; other envelope kinds are ignored, and bus events are
	// not written back to connected clients.
	TCPAddr string
}

// ApplyDefaults fills in Config fields left at their zero value.
func ApplyDefaults(cfg Config) Config {
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = "./config"
	}
	if cfg.GatewayAddr == "" {
		cfg.GatewayAddr = ":8080"
	}
	if cfg.TCPAddr == "" {
		cfg.TCPAddr = ":9001"
	}
	return cfg
}

// Event is an envelope delivered to a Subscribe channel, flattened to
// the shape host applications outside this module expect to consume.
type Event struct {
	Topic     string
	Payload   interface{}
	Timestamp time.Time
	Source    string
	TraceID   string
}

// Request describes a synchronous command/query issued via Request.
type Request struct {
	Topic   string
	Payload interface{}
	Timeout time.Duration
}

// Response is the result of a Request.
type Response struct {
	Payload  interface{}
	Err      string
	Duration time.Duration
}

// ValidateRequest checks a Request is well formed before issuing it.
func ValidateRequest(req Request) error {
	if req.Topic == "" {
		return fmt.Errorf("request topic is required")
	}
	return nil
}
