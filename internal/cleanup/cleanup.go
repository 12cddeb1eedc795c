// Package cleanup evicts least-recently-used videos until the artifact store
// fits its byte budget again, reconciles index/disk drift and heals the
// storage counter.
package cleanup

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/config"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/coord"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/log"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/metrics"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/store"
)

const (
	// activeWindow protects videos touched this recently: their generator
	// may still be writing into the folder.
	activeWindow = 30 * time.Second

	// lockTTL reclaims the pass lock after a crashed holder.
	lockTTL = 15 * time.Minute
)

// Runner executes cleanup passes.
type Runner struct {
	cfg    *config.Config
	coord  *coord.Client
	store  *store.Store
	logger zerolog.Logger
}

// New builds a cleanup runner.
func New(cfg *config.Config, coordClient *coord.Client, st *store.Store, logger zerolog.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		coord:  coordClient,
		store:  st,
		logger: logger.With().Str(log.FieldComponent, "cleanup").Logger(),
	}
}

// Run executes one lock-guarded pass: evict by recency until the counter is
// back under the target, then walk the disk, delete unindexed drift beyond
// the allowance, and reset the counter to the walked size. trigger is
// "threshold" or "interval" and only labels logs and metrics.
func (r *Runner) Run(ctx context.Context, trigger string) error {
	locked, err := r.coord.TryLockCleanup(ctx, lockTTL)
	if err != nil {
		return err
	}
	if !locked {
		r.logger.Debug().
			Str(log.FieldEvent, "cleanup.already_running").
			Msg("another cleanup pass holds the lock")
		return nil
	}
	defer func() {
		if err := r.coord.UnlockCleanup(context.WithoutCancel(ctx)); err != nil {
			r.logger.Err(err).
				Str(log.FieldEvent, "cleanup.unlock_failed").
				Msg("failed to release cleanup lock")
		}
	}()

	start := time.Now()
	target := r.cfg.CleanupTarget()

	used, err := r.coord.ReadStorage(ctx)
	if err != nil {
		return err
	}

	var deleted int
	var deletedBytes int64
	if used > target {
		n, bytes := r.evictByRecency(ctx, used, target)
		deleted += n
		deletedBytes += bytes
	}

	diskSize, n, bytes, err := r.reconcileDisk(ctx, target)
	if err != nil {
		return err
	}
	deleted += n
	deletedBytes += bytes

	if err := r.coord.ResetStorage(ctx, diskSize); err != nil {
		r.logger.Err(err).
			Str(log.FieldEvent, "cleanup.reset_failed").
			Msg("failed to reset storage counter")
	} else {
		metrics.StorageUsedBytes.Set(float64(diskSize))
	}

	metrics.RecordCleanup(trigger, deleted, deletedBytes)
	r.logger.Info().
		Str(log.FieldEvent, "cleanup.done").
		Str("trigger", trigger).
		Int("deleted", deleted).
		Int64(log.FieldBytes, deletedBytes).
		Int64("disk_size", diskSize).
		Dur("duration", time.Since(start)).
		Msg("cleanup pass finished")
	return nil
}

// evictByRecency walks the recency index oldest-first and deletes video
// folders until used drops to the target or the index is exhausted. Single
// folder failures are logged and skipped so one bad directory cannot wedge
// the whole pass.
func (r *Runner) evictByRecency(ctx context.Context, used, target int64) (int, int64) {
	total, err := r.coord.RecencyLen(ctx)
	if err != nil {
		r.logger.Err(err).
			Str(log.FieldEvent, "cleanup.index_failed").
			Msg("failed to size recency index")
		return 0, 0
	}
	entries, err := r.coord.LRUWindow(ctx, total)
	if err != nil {
		r.logger.Err(err).
			Str(log.FieldEvent, "cleanup.index_failed").
			Msg("failed to read recency index")
		return 0, 0
	}

	cutoff := time.Now().Add(-activeWindow)
	var deleted int
	var deletedBytes int64
	for _, entry := range entries {
		if used <= target {
			break
		}
		if entry.LastUsed.After(cutoff) {
			continue
		}

		folder, err := r.store.FolderPath(entry.VideoID)
		if err != nil {
			// A foreign index member cannot map to a folder; drop it.
			r.logger.Warn().
				Err(err).
				Str(log.FieldVideoID, entry.VideoID).
				Str(log.FieldEvent, "cleanup.bad_index_entry").
				Msg("removing unusable recency entry")
			r.removeRecency(ctx, entry.VideoID)
			continue
		}

		size, files, err := store.FolderSize(folder)
		if err != nil {
			r.logger.Err(err).
				Str(log.FieldVideoID, entry.VideoID).
				Str(log.FieldEvent, "cleanup.size_failed").
				Msg("failed to size video folder, skipping")
			continue
		}
		if files == 0 {
			// Stale index entry: the folder is already gone.
			r.removeRecency(ctx, entry.VideoID)
			continue
		}

		if err := r.store.DeleteVideo(entry.VideoID); err != nil {
			r.logger.Err(err).
				Str(log.FieldVideoID, entry.VideoID).
				Str(log.FieldEvent, "cleanup.delete_failed").
				Msg("failed to delete video folder, skipping")
			continue
		}
		r.removeRecency(ctx, entry.VideoID)

		deleted++
		deletedBytes += size
		if next, err := r.coord.AddStorage(ctx, -size); err != nil {
			r.logger.Err(err).
				Str(log.FieldEvent, "cleanup.counter_failed").
				Msg("failed to decrement storage counter")
			used -= size
		} else {
			used = next
		}

		r.logger.Debug().
			Str(log.FieldVideoID, entry.VideoID).
			Int64(log.FieldBytes, size).
			Str(log.FieldEvent, "cleanup.evicted").
			Msg("evicted video folder")
	}
	return deleted, deletedBytes
}

// reconcileDisk walks every video folder, returning the surviving on-disk
// byte total. When the walked size still exceeds the target, unindexed
// folders beyond the drift allowance are deleted oldest-first: they belong
// to generations whose index update never landed. The newest ones are kept,
// because an in-flight generation writes its folder before it first touches
// the index.
func (r *Runner) reconcileDisk(ctx context.Context, target int64) (int64, int, int64, error) {
	folders, err := r.store.VideoFolders()
	if err != nil {
		return 0, 0, 0, err
	}

	type sizedFolder struct {
		store.VideoFolder
		size int64
	}

	var diskSize int64
	var rogue []sizedFolder
	for _, f := range folders {
		folder, err := r.store.FolderPath(f.VideoID)
		if err != nil {
			continue
		}
		size, files, err := store.FolderSize(folder)
		if err != nil || files == 0 {
			continue
		}
		diskSize += size

		_, indexed, err := r.coord.LastUsed(ctx, f.VideoID)
		if err != nil {
			return 0, 0, 0, err
		}
		if !indexed {
			rogue = append(rogue, sizedFolder{VideoFolder: f, size: size})
		}
	}

	allowance := r.cfg.ThumbnailStorage.RedisOffsetAllowed
	if diskSize <= target || len(rogue) <= allowance {
		return diskSize, 0, 0, nil
	}

	sort.Slice(rogue, func(i, j int) bool { return rogue[i].ModTime.Before(rogue[j].ModTime) })
	candidates := rogue[:len(rogue)-allowance]

	var deleted int
	var deletedBytes int64
	for _, f := range candidates {
		if diskSize <= target {
			break
		}
		if err := r.store.DeleteVideo(f.VideoID); err != nil {
			r.logger.Err(err).
				Str(log.FieldVideoID, f.VideoID).
				Str(log.FieldEvent, "cleanup.delete_failed").
				Msg("failed to delete unindexed folder, skipping")
			continue
		}
		diskSize -= f.size
		deleted++
		deletedBytes += f.size

		r.logger.Debug().
			Str(log.FieldVideoID, f.VideoID).
			Int64(log.FieldBytes, f.size).
			Str(log.FieldEvent, "cleanup.drift_evicted").
			Msg("deleted unindexed video folder")
	}
	return diskSize, deleted, deletedBytes, nil
}

func (r *Runner) removeRecency(ctx context.Context, videoID string) {
	if err := r.coord.RemoveRecency(ctx, videoID); err != nil {
		r.logger.Err(err).
			Str(log.FieldVideoID, videoID).
			Str(log.FieldEvent, "cleanup.index_remove_failed").
			Msg("failed to remove recency entry")
	}
}
