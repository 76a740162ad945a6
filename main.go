// TalonOps: multi-tenant fleet monitoring, alerting & auto-remediation.
// Author: vesaa | License: MIT | https://github.com/vesaa/talonops
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/vesaa/talonops/internal/agent"
	"github.com/vesaa/talonops/internal/config"
	"github.com/vesaa/talonops/internal/database"
	"github.com/vesaa/talonops/internal/logging"
	"github.com/vesaa/talonops/internal/server"
	"go.uber.org/zap"
)

const version = "v0.1.0"

func printBanner(mode string) {
	fmt.Printf("\n  ► TalonOps %s  |  Author: vesaa  |  Mode: %s\n\n", version, mode)
}

func main() {
	root := &cobra.Command{
		Use:   "talonops",
		Short: "TalonOps: fleet monitoring, alerting & auto-remediation",
		Long: `TalonOps is a single-binary platform for managed-service fleets: agents
report telemetry, thresholds raise alerts, and remediation policies fix
known problems automatically, all partitioned by client.`,
		SilenceUsage: true,
	}

	// ── server subcommand ─────────────────────────────────────────────────────
	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the TalonOps server (dual-port: 6677 control + 1616 data)",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("SERVER")

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "talonops-server")
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			return runServer(cfg, logger)
		},
	}

	// ── agent subcommand ──────────────────────────────────────────────────────
	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Start the TalonOps agent on this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("AGENT")

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			// CLI flags override config values.
			if join, _ := cmd.Flags().GetString("join"); join != "" {
				if !containsPort(join) {
					join = fmt.Sprintf("%s:%d", join, cfg.DataPort)
				}
				cfg.AgentJoinAddr = join
			}
			if token, _ := cmd.Flags().GetString("token"); token != "" {
				cfg.AgentEnrollToken = token
			}
			if group, _ := cmd.Flags().GetString("group"); group != "" {
				cfg.AgentGroup = group
			}
			if cfg.AgentInterval <= 0 {
				return fmt.Errorf("agent_interval_seconds must be positive, got %d", cfg.AgentInterval)
			}

			logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "talonops-agent")
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			logger.Info("starting agent",
				zap.String("server", cfg.AgentJoinAddr),
				zap.Int("interval_seconds", cfg.AgentInterval),
				zap.String("state", cfg.AgentStatePath),
			)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return agent.Run(ctx, cfg, logger)
		},
	}
	agentCmd.Flags().String("join", "", "Data-plane address, e.g. 192.168.1.1 or 192.168.1.1:1616")
	agentCmd.Flags().String("token", "", "Enrollment token, only needed on first start (overrides config)")
	agentCmd.Flags().String("group", "", "Device group name")

	// ── version subcommand ────────────────────────────────────────────────────
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print TalonOps version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("TalonOps %s  |  Author: vesaa\n", version)
		},
	}

	root.AddCommand(serverCmd, agentCmd, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cfg *config.Config, logger *zap.Logger) error {
	db, err := database.Open(cfg.DBDriver, cfg.DBPath, logger.Named("db"))
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	if _, err := database.Seed(db, cfg.DefaultClientName, cfg.AdminUser, cfg.AdminPass); err != nil {
		return fmt.Errorf("seeding database: %w", err)
	}

	keyPEM, err := readSSHKey(cfg.SSHKeyPath)
	if err != nil {
		logger.Warn("ssh remediation disabled", zap.String("key_path", cfg.SSHKeyPath), zap.Error(err))
	}

	srv := server.New(server.Options{
		DB:        db,
		JWTSecret: cfg.JWTSecret,
		Logger:    logger,
		Dispatcher: func(repo *server.Repo) server.Dispatcher {
			queue := server.NewQueueDispatcher(repo)
			if keyPEM == "" {
				return queue
			}
			return server.RoutingDispatcher{
				Agent: queue,
				SSH:   server.NewSSHDispatcher(repo, cfg.SSHUser, keyPEM, cfg.RemediationCommands, logger.Named("ssh")),
			}
		},
	})

	sweep, err := srv.StartUptimeSweep(cfg.UptimeSweepSchedule, time.Duration(cfg.OfflineAfterSeconds)*time.Second)
	if err != nil {
		return err
	}
	defer sweep.Stop()

	gin.SetMode(gin.ReleaseMode)
	corsMiddleware := func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}

	// ── Control-plane engine (6677) ────────────────────────────────────────
	ctrlEngine := gin.New()
	ctrlEngine.Use(gin.Recovery(), corsMiddleware)
	srv.RegisterControlRoutes(ctrlEngine)

	// ── Data-plane engine (1616) ───────────────────────────────────────────
	dataEngine := gin.New()
	dataEngine.Use(gin.Recovery())
	srv.RegisterDataRoutes(dataEngine)

	ctrlAddr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ControlPort)
	dataAddr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.DataPort)

	logger.Info("listening",
		zap.String("control", ctrlAddr),
		zap.String("data", dataAddr),
		zap.Duration("offline_after", time.Duration(cfg.OfflineAfterSeconds)*time.Second),
	)

	// Run both servers concurrently; shut down gracefully on SIGINT/SIGTERM.
	ctrlSrv := &http.Server{Addr: ctrlAddr, Handler: ctrlEngine, ReadHeaderTimeout: 10 * time.Second}
	dataSrv := &http.Server{Addr: dataAddr, Handler: dataEngine, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 2)
	go func() { errCh <- ctrlSrv.ListenAndServe() }()
	go func() { errCh <- dataSrv.ListenAndServe() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-quit:
		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ctrlSrv.Shutdown(ctx)
		_ = dataSrv.Shutdown(ctx)
		return nil
	}
}

// readSSHKey loads the private key used for agentless remediation.
func readSSHKey(path string) (string, error) {
	if path == "" {
		return "", errors.New("ssh_key_path is empty")
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// containsPort checks whether addr already has a port suffix.
func containsPort(addr string) bool {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return true
		}
		if addr[i] == '/' {
			break
		}
	}
	return false
}
