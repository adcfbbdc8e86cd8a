package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/madhatter5501/runway"
	"github.com/madhatter5501/runway/internal/config"
	"github.com/madhatter5501/runway/internal/db"
	"github.com/madhatter5501/runway/internal/web"
)

var serveListenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane server",
	Long: `Starts the HTTP API and dashboard, the background lease reaper, the
preview-reset integrity audit, and the config file watcher. Runs until
interrupted; SIGINT/SIGTERM trigger a graceful drain.

Examples:
  runway serve --config runway.yaml
  runway serve --listen :9000`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "", "Listen address (overrides config listen_addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := buildLogger(cfg)

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	svc := runway.NewService(db.NewStore(database), cfg, logger, runway.Options{})

	server, err := web.NewServer(svc, logger)
	if err != nil {
		return err
	}

	maintainer := runway.NewMaintainer(svc)
	server.SetLoopStatuses(maintainer.Statuses)

	addr := cfg.ListenAddr
	if serveListenAddr != "" {
		addr = serveListenAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Control plane listening", "addr", addr, "db", cfg.DBPath)
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		maintainer.Start(groupCtx)
		<-groupCtx.Done()
		maintainer.Stop()
		return nil
	})

	g.Go(func() error {
		return config.Watch(groupCtx, configPath, logger, func(next *config.Config) {
			svc.UpdateConfig(next)
		})
	})

	g.Go(func() error {
		<-groupCtx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
