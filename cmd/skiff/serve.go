package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/skiffworks/skiff/pkg/bus"
	"github.com/skiffworks/skiff/pkg/config"
	"github.com/skiffworks/skiff/pkg/ipc"
	"github.com/skiffworks/skiff/pkg/logging"
	"github.com/skiffworks/skiff/pkg/model"
	"github.com/skiffworks/skiff/pkg/session"
)

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".skiff", "config.yaml")
}

func runServeCommand(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath(), "config file")
	bind := fs.String("bind", "", "listen address (overrides config)")
	workdir := fs.String("workdir", "", "default session working directory (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *bind != "" {
		cfg.Server.Bind = *bind
	}
	if *workdir != "" {
		cfg.Workspace.Root = *workdir
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir, "server")
	if err != nil {
		return fmt.Errorf("create server logger: %w", err)
	}
	defer logger.Close()
	logger.SetMinLevel(logging.Level(cfg.Logging.MinLevel))

	busConn, err := openBus(cfg)
	if err != nil {
		return err
	}
	defer busConn.Close()

	modelClient := model.NewClient(cfg.Model.APIKey,
		model.WithBaseURL(cfg.Model.BaseURL),
		model.WithModel(cfg.Model.Name),
		model.WithLogger(logger),
	)

	sessions := session.NewManager(busConn, modelClient,
		session.WithLogDir(cfg.Logging.Dir),
		session.WithLogLevel(logging.Level(cfg.Logging.MinLevel)),
		session.WithCommandTimeout(cfg.Terminal.CommandTimeout),
		session.WithContextBudget(cfg.AutoRun.ContextBudget),
		session.WithSystemPrompt(cfg.AutoRun.SystemPrompt),
		session.WithShell(cfg.Terminal.Shell),
		session.WithDefaultWorkdir(cfg.Workspace.Root),
	)
	defer sessions.CloseAll()

	serverOpts := []ipc.ServerOption{
		ipc.WithServerLogger(logger),
		ipc.WithMetrics(cfg.Server.Metrics),
	}
	if cfg.Server.JWTSecret != "" {
		serverOpts = append(serverOpts, ipc.WithTokenManager(ipc.NewTokenManager(cfg.Server.JWTSecret)))
	}
	server := ipc.NewServer(cfg.Server.Bind, sessions, busConn, serverOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(ctx)
	})

	fmt.Printf("skiff listening on %s\n", cfg.Server.Bind)
	return g.Wait()
}

func openBus(cfg *config.Config) (bus.MessageBus, error) {
	if cfg.Bus.NATSURL != "" {
		return bus.NewNATSBus(bus.Config{
			URL:  cfg.Bus.NATSURL,
			Name: "skiff",
		})
	}
	return bus.NewMemoryBus(), nil
}
