// Command bridged runs the bridge inside a minimal stand-in host: a strictly
// sequential tick loop, a couple of demo tools, and a gin sidecar exposing
// health and bridge status. The bridge itself never depends on this harness.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remote-control-bridge/host/internal/bridge"
	"github.com/remote-control-bridge/host/internal/config"
	"github.com/remote-control-bridge/host/internal/db"
	"github.com/remote-control-bridge/host/internal/model"
	"github.com/remote-control-bridge/host/internal/repository"
)

// tickInterval approximates the host main-loop cadence.
const tickInterval = 50 * time.Millisecond

func main() {
	settings := config.FromEnv()

	if err := os.MkdirAll(filepath.Dir(settings.DBPath), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	database, err := db.Open(settings.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	states := repository.NewStateRepository(database)

	// The reload flag survives in-process memory resets, not process
	// exits. Drop anything a previous run left behind.
	if err := states.ClearReloadPending(context.Background()); err != nil {
		log.Printf("Failed to clear stale reload flag: %v", err)
	}

	tools := newToolRegistry()
	started := time.Now()
	svc := bridge.NewService(settings, tools, states, func() map[string]any {
		return map[string]any{
			"uptimeSeconds": int(time.Since(started).Seconds()),
			"goVersion":     runtime.Version(),
			"pid":           os.Getpid(),
		}
	})

	svc.OnStateChanged(func(old, new model.ConnectionState) {
		log.Printf("bridged: connection %s -> %s", old, new)
	})

	if settings.StatusPort > 0 {
		go runStatusAPI(settings.StatusPort, svc)
	}

	svc.Startup()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	log.Printf("bridged: ticking every %s, bridge on %s:%d%s", tickInterval, settings.Host, settings.Port, settings.Path)
	for {
		select {
		case <-ticker.C:
			svc.Tick()
		case <-sigCh:
			log.Println("bridged: shutting down")
			svc.Disconnect()
			svc.Tick()
			return
		}
	}
}

// runStatusAPI serves the harness health/status endpoints. Status snapshots
// are read lock-free from the service; this never touches bridge internals.
func runStatusAPI(port int, svc *bridge.Service) {
	r := gin.Default()

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	r.GET("/status", func(c *gin.Context) {
		c.JSON(200, svc.Status())
	})

	if err := r.Run(fmt.Sprintf(":%d", port)); err != nil {
		log.Printf("bridged: status API failed: %v", err)
	}
}

// toolRegistry is the demo command executor: a fixed map of tool handlers.
// A real host plugs its own Executor in here.
type toolRegistry struct {
	tools map[string]func(payload map[string]any) (map[string]any, error)
}

func newToolRegistry() *toolRegistry {
	r := &toolRegistry{tools: make(map[string]func(map[string]any) (map[string]any, error))}

	r.tools["host.echo"] = func(payload map[string]any) (map[string]any, error) {
		return payload, nil
	}
	r.tools["host.info"] = func(map[string]any) (map[string]any, error) {
		hostname, _ := os.Hostname()
		return map[string]any{
			"hostname": hostname,
			"os":       runtime.GOOS,
			"arch":     runtime.GOARCH,
		}, nil
	}

	return r
}

// Execute implements bridge.Executor.
func (r *toolRegistry) Execute(tool string, payload map[string]any) (map[string]any, error) {
	handler, ok := r.tools[tool]
	if !ok {
		return nil, &model.CommandError{Tool: tool, Message: "unknown tool"}
	}
	return handler(payload)
}
