// Command bus-server runs the OpenKore-compatible message bus: a TCP
// listener routing SSM frames between clients, plus an admin HTTP API on
// bus port + 1000.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/oqhadev/openkore-bus-server-extended/internal/admin"
	"github.com/oqhadev/openkore-bus-server-extended/internal/bus"
	"github.com/oqhadev/openkore-bus-server-extended/internal/config"
	"github.com/oqhadev/openkore-bus-server-extended/internal/logging"
	"github.com/oqhadev/openkore-bus-server-extended/internal/webhook"
)

func main() {
	var (
		bindFlag  = flag.String("bind", "", "IP address to bind (overrides BUS_HOST)")
		portFlag  = flag.Int("port", 0, "port to bind (overrides BUS_PORT)")
		quietFlag = flag.Bool("quiet", false, "suppress the startup banner")
		debugFlag = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *bindFlag != "" {
		cfg.BindHost = *bindFlag
	}
	if *portFlag != 0 {
		cfg.Port = *portFlag
	}
	if *debugFlag {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	if !*quietFlag {
		printBanner(cfg.Addr())
	}
	cfg.LogConfig(logger)

	var sink bus.WebhookSink
	if cfg.DiscordWebhook != "" {
		sink = webhook.NewDiscord(cfg.DiscordWebhook, logger)
	}

	busServer := bus.NewServer(bus.Config{
		Addr:                 cfg.Addr(),
		ReadChunkSize:        cfg.ReadChunkSize,
		IdleTimeout:          cfg.IdleTimeout,
		WriteTimeout:         cfg.WriteTimeout,
		HousekeepingInterval: cfg.HousekeepingInterval,
	}, sink, logger)

	if err := busServer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start bus server")
	}

	adminServer := admin.New(cfg.AdminAddr(), busServer, cfg.InjectTimeout, logger)
	if err := adminServer.Start(); err != nil {
		busServer.Shutdown()
		logger.Fatal().Err(err).Msg("failed to start admin server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case <-busServer.Failed():
		logger.Error().Msg("bus listener failed, shutting down")
		exitCode = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adminServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("admin shutdown error")
	}
	if err := busServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("bus shutdown error")
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func printBanner(addr string) {
	fmt.Println("============================================================")
	fmt.Println("    OpenKore Bus Server Extended")
	fmt.Printf("    Server: %s\n", addr)
	fmt.Println("    Press Ctrl+C to stop")
	fmt.Println("============================================================")
}
