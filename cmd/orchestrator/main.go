// Package main is the entry point for the brainbox orchestrator.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/brainbox/brainbox/internal/auth"
	"github.com/brainbox/brainbox/internal/bridge"
	"github.com/brainbox/brainbox/internal/channel"
	"github.com/brainbox/brainbox/internal/common/config"
	"github.com/brainbox/brainbox/internal/common/logger"
	"github.com/brainbox/brainbox/internal/cosign"
	"github.com/brainbox/brainbox/internal/daemon"
	"github.com/brainbox/brainbox/internal/docker"
	"github.com/brainbox/brainbox/internal/events"
	"github.com/brainbox/brainbox/internal/events/fanout"
	"github.com/brainbox/brainbox/internal/hub"
	"github.com/brainbox/brainbox/internal/lifecycle"
	"github.com/brainbox/brainbox/internal/messages"
	"github.com/brainbox/brainbox/internal/monitor"
	"github.com/brainbox/brainbox/internal/registry"
	"github.com/brainbox/brainbox/internal/router"
	"github.com/brainbox/brainbox/internal/state"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 9999
)

func main() {
	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	switch command {
	case "serve":
		serve(args)
	case "start", "stop", "status", "restart":
		supervise(command, args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\nUsage: orchestrator [serve|start|stop|status|restart]\n", command)
		os.Exit(2)
	}
}

// serve runs the orchestrator in the foreground. The supervisor always
// passes --host and --port; they identify this instance in its pid file.
func serve(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	host := fs.String("host", defaultHost, "advertised bind address")
	port := fs.Int("port", defaultPort, "advertised port")
	_ = fs.Parse(args)

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	logCfg := logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting brainbox orchestrator...",
		zap.String("host", *host), zap.Int("port", *port))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. API key material for the control surface
	keys := auth.New(config.ExpandPath(cfg.Hub.APIKeyFile), log)
	if _, err := keys.LoadOrCreate(); err != nil {
		log.Warn("API key unavailable", zap.Error(err))
	}

	// 5. Connect the event bus
	provided, closeBus, err := events.Provide(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect the event bus", zap.Error(err))
	}
	defer closeBus()
	eventBus := provided.Bus
	if provided.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// 6. Docker is optional; without it only the VM backend is offered
	var dockerClient *docker.Client
	if client, derr := docker.NewClient(cfg.Docker, log); derr != nil {
		log.Warn("Docker unavailable, container sessions disabled", zap.Error(derr))
	} else if derr := client.Ping(ctx); derr != nil {
		client.Close()
		log.Warn("Docker daemon unreachable, container sessions disabled", zap.Error(derr))
	} else {
		dockerClient = client
	}

	// 7. Assemble the control plane
	engine := lifecycle.NewEngine(lifecycle.EngineDeps{
		Config:   cfg,
		Logger:   log,
		Docker:   dockerClient,
		Verifier: cosign.New(cfg.Cosign, log),
	})
	healthMonitor := monitor.New(engine, cfg.Monitor, log)
	engine.SetWatcher(healthMonitor)

	reg := registry.New(log)
	pol := registry.NewPolicy(reg)
	fabric := messages.New(reg, pol, cfg.Hub.MessageRetention, log)
	taskRouter := router.New(reg, pol, engine, eventBus, cfg.Hub, log)

	orchestrator := hub.New(hub.Deps{
		Config:   cfg,
		Logger:   log,
		Bus:      eventBus,
		Docker:   dockerClient,
		Engine:   engine,
		Monitor:  healthMonitor,
		Registry: reg,
		Fabric:   fabric,
		Router:   taskRouter,
		Channel:  channel.New(eventBus, cfg.Channel, log),
		Bridge:   bridge.New(engine, log),
		Store:    state.NewStore(config.ExpandPath(cfg.Hub.StateFile), reg, taskRouter, fabric, log),
		Stream:   fanout.New(0, log),
	})

	// 8. Start the hub
	if err := orchestrator.Init(ctx); err != nil {
		log.Fatal("Failed to initialize hub", zap.Error(err))
	}
	log.Info("Orchestrator started")

	// 9. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down orchestrator...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		log.Error("Hub shutdown error", zap.Error(err))
	}
	if dockerClient != nil {
		dockerClient.Close()
	}
	log.Info("Orchestrator stopped")
}

// supervise drives the background instance through the pid-file manager.
func supervise(command string, args []string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	host := fs.String("host", defaultHost, "advertised bind address")
	port := fs.Int("port", defaultPort, "advertised port")
	timeout := fs.Duration("timeout", 10*time.Second, "how long to wait for the daemon to exit")
	_ = fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "warn", Format: "console", OutputPath: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	manager := daemon.New(config.ExpandPath(cfg.Hub.DataDir), log)

	switch command {
	case "start":
		printStatus(manager.Start(*host, *port))
	case "stop":
		if err := manager.Stop(*timeout); err != nil {
			if errors.Is(err, daemon.ErrNotRunning) {
				fmt.Println("Daemon not running")
				return
			}
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		fmt.Println("Daemon stopped")
	case "status":
		printStatus(manager.Status(), nil)
	case "restart":
		printStatus(manager.Restart(*host, *port, *timeout))
	}
}

func printStatus(st *daemon.Status, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(st, "", "  ")
	fmt.Println(string(out))
}
