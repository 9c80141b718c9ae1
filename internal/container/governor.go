// Package container governs the lifecycle of the compute containers backing
// runs: which ones may be reclaimed, in what order, and with what protected
// minimum.
package container

import (
	"sort"
	"time"

	"github.com/fentz26/coronet/internal/models"
)

// Selection is the cleanup-priority view over an owner's running containers.
type Selection struct {
	// Total is the number of currently running containers.
	Total int `json:"total"`
	// PrioritizedForCleanup holds every stop candidate in reclamation order,
	// before the min-keep floor is applied.
	PrioritizedForCleanup []models.Run `json:"prioritized_for_cleanup"`
}

// IsStopCandidate reports whether a running container may be reclaimed under
// the owner's policy. Keep-alive always wins; otherwise a container is due
// when the policy stops terminal runs immediately, or when its scheduled
// stop time has passed.
func IsStopCandidate(run models.Run, settings models.ContainerSettings, now time.Time) bool {
	if !settings.AutoCleanupEnabled || run.KeepAlive {
		return false
	}
	if settings.StopImmediatelyOnCompletion && run.Status.Terminal() {
		return true
	}
	return run.ScheduledStopAt != nil && !now.Before(*run.ScheduledStopAt)
}

// ComputeCleanupPriority filters and orders an owner's running containers by
// reclamation priority: earliest scheduled stop first, then least recently
// used, then run ID for a stable deterministic order. A candidate with no
// scheduled stop (stop-immediately policy) sorts as due now.
func ComputeCleanupPriority(running []models.Run, settings models.ContainerSettings, now time.Time) Selection {
	sel := Selection{Total: len(running)}
	for _, run := range running {
		if IsStopCandidate(run, settings, now) {
			sel.PrioritizedForCleanup = append(sel.PrioritizedForCleanup, run)
		}
	}

	sort.SliceStable(sel.PrioritizedForCleanup, func(i, j int) bool {
		a, b := sel.PrioritizedForCleanup[i], sel.PrioritizedForCleanup[j]
		at, bt := stopKey(a), stopKey(b)
		if !at.Equal(bt) {
			return at.Before(bt)
		}
		if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
			return a.LastAccessedAt.Before(b.LastAccessedAt)
		}
		return a.ID < b.ID
	})
	return sel
}

func stopKey(run models.Run) time.Time {
	if run.ScheduledStopAt == nil {
		return time.Time{}
	}
	return *run.ScheduledStopAt
}

// SelectContainersToStop returns the containers to reclaim now, truncated so
// that at least MinContainersToKeep of the owner's containers stay running.
// When the floor exceeds the number of running containers nothing is
// selected; the floor is never violated by cleanup.
func SelectContainersToStop(running []models.Run, settings models.ContainerSettings, now time.Time) []models.Run {
	sel := ComputeCleanupPriority(running, settings, now)

	maxStop := len(running) - settings.MinContainersToKeep
	if maxStop <= 0 {
		return nil
	}
	if len(sel.PrioritizedForCleanup) > maxStop {
		// Truncate from the lowest-priority end.
		return sel.PrioritizedForCleanup[:maxStop]
	}
	return sel.PrioritizedForCleanup
}
