package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/melih/lighthouse/internal/adapters/builder"
	"github.com/melih/lighthouse/internal/adapters/docker"
	"github.com/melih/lighthouse/internal/adapters/http"
	"github.com/melih/lighthouse/internal/adapters/process"
	"github.com/melih/lighthouse/internal/adapters/ssh"
	"github.com/melih/lighthouse/internal/config"
	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/jobs"
	"github.com/melih/lighthouse/internal/core/network"
	"github.com/melih/lighthouse/internal/core/services"
	"github.com/melih/lighthouse/internal/observability"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("LIGHTHOUSE_CONFIG"), "path to a YAML config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// 1. Initialize Adapters (Infrastructure)
	runner := process.NewRunner(logger)
	localCli, err := docker.NewClient(cfg.Jobs.DockerHost)
	if err != nil {
		return err
	}
	defer localCli.Close()

	jobsCfg := jobs.Config{
		Quiet:         cfg.Jobs.Quiet,
		Verbose:       cfg.Jobs.Verbose,
		ContainerRoot: cfg.Jobs.ContainerRoot,
		Out:           os.Stdout,
		Display:       os.Getenv("DISPLAY"),
		XAuthority:    os.Getenv("XAUTHORITY"),
		X11Socket:     cfg.Jobs.X11Socket,
	}
	local := jobs.NewLocal(docker.NewAdapter(localCli, logger), builder.NewBuilderAdapter(localCli, logger), runner, jobsCfg, logger)
	tunnels := network.Tunnels{ControlPersist: cfg.Tunnel.ControlPersist, LocalIP: cfg.Tunnel.LocalIP, Logger: logger}

	// 2. Pick the target. A remote resource runs services on its own
	// daemon and gets a sync pair back to this host.
	var manager jobs.Manager = local
	var pair *services.SyncPair
	if cfg.Remote.Enabled {
		resource := cfg.Remote.Resource
		remoteCli, err := docker.NewClient(resource.Options[config.OptionDockerHost])
		if err != nil {
			return err
		}
		defer remoteCli.Close()

		transport := ssh.New(resource, runner, cfg.Remote.ControlDir, logger)
		remote := jobs.NewRemote(docker.NewAdapter(remoteCli, logger), builder.NewBuilderAdapter(remoteCli, logger),
			transport, ssh.RemoteChecker{Transport: transport}, cfg.Remote.JobDir, jobsCfg, logger)
		manager = remote
		pair = services.NewSyncPair(
			services.New(services.Syncthing{}, remote, tunnels, logger),
			services.New(services.Syncthing{}, local, tunnels, logger),
			tunnels, cfg.Services.Ready(), logger)
		logger.Info("using remote resource", zap.String("resource", resource.Name), zap.String("destination", resource.Destination()))
	}

	catalog := services.Catalog(manager, tunnels, logger)
	stacks := make(map[string]domain.StackConfiguration, len(cfg.Services.Stacks))
	for name, s := range cfg.Services.Stacks {
		stacks[name] = s.Stack()
	}

	// 3. Setup Framework (Fiber)
	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	if cfg.Server.ProxyDomain != "" {
		app.Use(http.NewProxyHandler(cfg.Server.ProxyDomain, catalog, logger).ProxyRequest)
	}

	// 4. Define Routes
	handler := http.NewHandler(manager, catalog, stacks, cfg.Services.Ready(), logger).WithTunnels(tunnels)
	if pair != nil {
		handler.WithSyncPair(pair)
	}
	handler.Register(app.Group("/api").Group("/v1"))

	// 5. Start Server
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", cfg.Server.Address()))
		errCh <- app.Listen(cfg.Server.Address())
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	return app.ShutdownWithTimeout(cfg.Server.ShutdownTimeout)
}
