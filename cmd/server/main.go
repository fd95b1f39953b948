package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/204313508/iflow2web/internal/agent"
	"github.com/204313508/iflow2web/internal/config"
	"github.com/204313508/iflow2web/internal/logging"
	"github.com/204313508/iflow2web/internal/models"
	"github.com/204313508/iflow2web/internal/pool"
	"github.com/204313508/iflow2web/internal/session"
	"github.com/204313508/iflow2web/internal/ws"
)

const shutdownTimeout = 10 * time.Second

var (
	configFile string
	envFile    string
	v          = viper.New()
)

var rootCmd = &cobra.Command{
	Use:          "iflow2web [port]",
	Short:        "Web interface for the iFlow CLI",
	Long:         "Serves a browser chat UI and bridges each websocket session to an iFlow agent process.",
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE:         runServer,
}

func init() {
	config.SetDefaults(v)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "Configuration file path (yaml, toml or json)")
	flags.StringVar(&envFile, "env-file", ".env", "Environment file loaded before reading the environment")
	flags.String("host", "", "Address to listen on")
	flags.IntP("port", "p", 0, "Port to listen on")
	flags.String("log-level", "", "Log level (DEBUG, INFO, WARNING, ERROR)")

	bindFlag(config.KeyServerHost, "host")
	bindFlag(config.KeyServerPort, "port")
	bindFlag(config.KeyLogLevel, "log-level")
}

func bindFlag(key, flag string) {
	if err := v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
		fmt.Fprintf(os.Stderr, "failed to bind %s flag: %v\n", flag, err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	if err := config.LoadEnvFile(envFile); err != nil {
		return err
	}
	if err := config.ReadFile(v, configFile); err != nil {
		return err
	}

	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: os.Stderr,
	})
	logger := logging.Component("server")

	if len(args) == 1 {
		port, err := parsePort(args[0])
		if err != nil {
			logger.Error().Err(err).Int("port", cfg.Server.Port).Msg("invalid port argument, using configured port")
		} else {
			cfg.Server.Port = port
		}
	}

	registry := session.NewRegistry(session.Config{
		DefaultModel:    cfg.Agent.DefaultModel,
		AvailableModels: cfg.Agent.AvailableModels,
		AllowedDirs:     cfg.Agent.AllowedWorkingDirs,
	}, logging.Component("session"))

	agentPool := pool.New(pool.Options{
		Agent: agent.Config{
			ApprovalMode:   cfg.Agent.ApprovalMode,
			Command:        cfg.Agent.Command,
			URL:            cfg.Agent.URL,
			StartupTimeout: cfg.Agent.StartupTimeout,
		},
		Logger: logging.Component("pool"),
	})

	wsService := ws.NewService(registry, agentPool, ws.Options{
		ReceiveTimeout: cfg.WebSocket.ReceiveTimeout,
		PingInterval:   cfg.WebSocket.PingInterval,
		PingTimeout:    cfg.WebSocket.PingTimeout,
		MaxConnections: cfg.WebSocket.MaxConnections,
		Logger:         logging.Component("ws"),
	})

	catalog := models.NewCatalog(models.Options{
		DefaultModel:    cfg.Agent.DefaultModel,
		AvailableModels: cfg.Agent.AvailableModels,
		SettingsPath:    cfg.Agent.SettingsPath,
		Logger:          logging.Component("models"),
	})

	router := newRouter(routerDeps{
		registry:   registry,
		pool:       agentPool,
		ws:         wsService.Handler(),
		catalog:    catalog,
		workingDir: cfg.Agent.WorkingDir,
		staticDir:  cfg.StaticDir,
		logger:     logging.Component("http"),
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("addr", srv.Addr).
			Str("approval_mode", string(cfg.Agent.ApprovalMode)).
			Str("default_model", cfg.Agent.DefaultModel).
			Msg("starting iflow2web server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		if cerr := wsService.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close agent sessions: %w", cerr))
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("port must be a number: %q", s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return port, nil
}
