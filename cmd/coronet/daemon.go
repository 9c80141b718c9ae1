package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/coronet/internal/audit"
	"github.com/fentz26/coronet/internal/backend/dockercli"
	"github.com/fentz26/coronet/internal/config"
	"github.com/fentz26/coronet/internal/container"
	"github.com/fentz26/coronet/internal/controlplane"
	"github.com/fentz26/coronet/internal/crown"
	"github.com/fentz26/coronet/internal/judge"
	"github.com/fentz26/coronet/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	listenAddr string
	dbPath     string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Coronet daemon",
	Long:  `Starts the Coronet daemon: the arbitration HTTP API and the container sweeper.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file")
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}

	st, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	recorder := audit.NewRecorder(st)
	j := judge.NewOpenAI(cfg.Judge.Model, os.Getenv(cfg.Judge.APIKeyEnv), cfg.Judge.BaseURL, cfg.Judge.Timeout())
	orch := crown.New(st, j, recorder, log)

	sweeper := container.NewSweeper(st, dockercli.New(), recorder, log, cfg.Sweep.Interval(), cfg.Sweep.StaleEvalTTL())
	if cfg.Sweep.Enabled {
		sweeper.Start()
		defer sweeper.Stop()
	}

	service := controlplane.NewService(st, orch, sweeper, log)
	server := controlplane.NewServer(service, cfg.Listen, log)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
