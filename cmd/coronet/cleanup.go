package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/coronet/internal/audit"
	"github.com/fentz26/coronet/internal/backend/dockercli"
	"github.com/fentz26/coronet/internal/container"
	"github.com/fentz26/coronet/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cleanupDBPath string
	cleanupOwner  string
	cleanupDryRun bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Reclaim due containers for an owner now",
	RunE:  runCleanup,
}

func init() {
	homeDir, _ := os.UserHomeDir()
	defaultDB := filepath.Join(homeDir, ".coronet", "coronet.db")

	cleanupCmd.Flags().StringVar(&cleanupDBPath, "db", defaultDB, "Path to SQLite database")
	cleanupCmd.Flags().StringVar(&cleanupOwner, "owner", "", "Owner to sweep (required)")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Show the selection without stopping anything")
	cleanupCmd.MarkFlagRequired("owner")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	st, err := store.New(cleanupDBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	if cleanupDryRun {
		running, err := st.ListRunningContainers(cleanupOwner)
		if err != nil {
			return err
		}
		settings, err := st.GetContainerSettings(cleanupOwner)
		if err != nil {
			return err
		}
		selected := container.SelectContainersToStop(running, settings, time.Now().UTC())
		fmt.Printf("%d running, %d would stop\n", len(running), len(selected))
		for _, r := range selected {
			fmt.Printf("  %s (%s)\n", r.ID, r.ContainerName)
		}
		return nil
	}

	sweeper := container.NewSweeper(st, dockercli.New(), audit.NewRecorder(st), log, time.Minute, 0)
	stopped, err := sweeper.SweepOwner(context.Background(), cleanupOwner)
	if err != nil {
		return err
	}
	fmt.Printf("stopped %d containers\n", len(stopped))
	return nil
}
