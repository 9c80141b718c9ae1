package container

import (
	"context"
	"sync"
	"time"

	"github.com/fentz26/coronet/internal/audit"
	"github.com/fentz26/coronet/internal/backend"
	"github.com/fentz26/coronet/internal/models"
	"github.com/fentz26/coronet/internal/store"
	"github.com/sirupsen/logrus"
)

// Sweeper periodically reclaims due containers and clears evaluation locks
// abandoned by crashed evaluators. It reads run and task state but never
// participates in the arbitration lock; cleanup and arbitration interleave
// freely.
type Sweeper struct {
	store   *store.Store
	backend backend.Backend
	audit   *audit.Recorder
	log     *logrus.Logger

	interval     time.Duration
	staleEvalTTL time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper. staleEvalTTL of zero disables lock reaping.
func NewSweeper(s *store.Store, b backend.Backend, rec *audit.Recorder, log *logrus.Logger, interval, staleEvalTTL time.Duration) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		store:        s,
		backend:      b,
		audit:        rec,
		log:          log,
		interval:     interval,
		staleEvalTTL: staleEvalTTL,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins the sweep loop.
func (sw *Sweeper) Start() {
	sw.wg.Add(1)
	go sw.loop()
	sw.log.WithField("interval", sw.interval).Info("container sweeper started")
}

// Stop gracefully stops the sweeper.
func (sw *Sweeper) Stop() {
	sw.cancel()
	sw.wg.Wait()
	sw.log.Info("container sweeper stopped")
}

func (sw *Sweeper) loop() {
	defer sw.wg.Done()

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sw.ctx.Done():
			return
		case <-ticker.C:
			sw.SweepOnce(sw.ctx)
		}
	}
}

// SweepOnce runs a full sweep: stale-lock reaping, then container
// reclamation for every owner with running containers. Errors are logged
// and skipped; a sweep never fails as a whole.
func (sw *Sweeper) SweepOnce(ctx context.Context) {
	sw.reapStaleEvaluations()

	owners, err := sw.store.ListOwnersWithRunningContainers()
	if err != nil {
		sw.log.WithError(err).Error("failed to list owners for cleanup")
		return
	}
	for _, owner := range owners {
		if _, err := sw.SweepOwner(ctx, owner); err != nil {
			sw.log.WithError(err).WithField("owner_id", owner).Error("owner sweep failed")
		}
	}
}

// SweepOwner reclaims the owner's due containers and returns the run IDs
// whose containers were stopped.
func (sw *Sweeper) SweepOwner(ctx context.Context, ownerID string) ([]string, error) {
	running, err := sw.store.ListRunningContainers(ownerID)
	if err != nil {
		return nil, err
	}
	settings, err := sw.store.GetContainerSettings(ownerID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if settings.MinContainersToKeep > len(running) {
		// The floor cannot be satisfied; select nothing rather than violate it.
		sw.log.WithFields(logrus.Fields{
			"owner_id": ownerID,
			"running":  len(running),
			"min_keep": settings.MinContainersToKeep,
		}).Debug("cleanup floor exceeds running containers; skipping")
		return nil, nil
	}

	selected := SelectContainersToStop(running, settings, now)

	var stopped []string
	for _, run := range selected {
		if err := sw.stopRun(ctx, run); err != nil {
			sw.log.WithError(err).WithFields(logrus.Fields{
				"owner_id": ownerID,
				"run_id":   run.ID,
			}).Warn("failed to stop container")
			continue
		}
		stopped = append(stopped, run.ID)
	}
	if len(stopped) > 0 {
		sw.log.WithFields(logrus.Fields{
			"owner_id": ownerID,
			"stopped":  len(stopped),
			"running":  len(running),
		}).Info("reclaimed containers")
	}
	return stopped, nil
}

func (sw *Sweeper) stopRun(ctx context.Context, run models.Run) error {
	if run.ContainerName != "" {
		if err := sw.backend.Stop(ctx, run.ContainerName); err != nil {
			return err
		}
	}
	if err := sw.store.SetContainerStatus(run.ID, models.ContainerStopped); err != nil {
		return err
	}
	sw.audit.Record("container.stop", map[string]string{
		"run_id":    run.ID,
		"container": run.ContainerName,
	}, "success", run.TaskID, "reclaimed by cleanup")
	return nil
}

func (sw *Sweeper) reapStaleEvaluations() {
	if sw.staleEvalTTL <= 0 {
		return
	}
	reaped, err := sw.store.ReapStaleEvaluations(sw.staleEvalTTL)
	if err != nil {
		sw.log.WithError(err).Error("failed to reap stale evaluations")
		return
	}
	for _, taskID := range reaped {
		sw.audit.Record("crown.reap", map[string]string{"task_id": taskID}, "error", taskID, "evaluation lock abandoned")
		sw.log.WithField("task_id", taskID).Warn("cleared abandoned evaluation lock")
	}
}
