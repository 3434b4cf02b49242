// Package main provides busd, the standalone process that runs the
// messaging and transport runtime outside any host application: the
// in-process bus, the component runtime, the TCP transport listener,
// and the HTTP API gateway, all wired from a single YAML configuration
// document.
//
// Called by: external process supervisors (systemd, containers, CLI).
// Calls: public/embedded.Core and everything it wires together.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"go.opentelemetry.io/otel"

	"github.com/relaygrid/core/public/embedded"
)

// main is busd's entry point.
//
// Configuration loading follows the same priority order the teacher's
// orchestrator used: an explicit path on the command line, otherwise
// the default ./config directory, otherwise embedded.Core's own
// built-in defaults.
//
// Called by: operating system process execution.
func main() {
	configPath := "./config"
	if len(os.Args) >= 2 {
		configPath = os.Args[1]
	}

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Printf("tracer provider shutdown: %v", err)
		}
	}()

	core, err := embedded.New(embedded.Config{ConfigPath: configPath})
	if err != nil {
		log.Fatalf("starting busd: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := core.StartComponents(ctx); err != nil {
		log.Fatalf("starting components: %v", err)
	}

	log.Printf("busd started, config=%s", configPath)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("received signal %s, shutting down", sig)
	case <-ctx.Done():
		log.Printf("context cancelled, shutting down")
	}

	cancel()
	if err := core.Close(); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	log.Printf("busd stopped")
}
