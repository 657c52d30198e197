// Package jobs runs the scheduled maintenance work. Today that is one
// job: the storage recompute, which recounts every user's storageUsed
// figures from the stores so drift from crashes or partial writes heals
// within a day.
package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/trovelabs/trove/internal/logger"
	"github.com/trovelabs/trove/internal/model"
	"github.com/trovelabs/trove/internal/storage"
	"github.com/trovelabs/trove/internal/system"
)

type Scheduler struct {
	cron   *cron.Cron
	store  storage.Store
	logger *logger.Logger
}

func New(store storage.Store, log *logger.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		store:  store,
		logger: log.WithComponent("jobs"),
	}
}

// Start registers the schedules and launches the runner. The schedule
// uses the standard cron syntax plus descriptors like "@daily".
func (s *Scheduler) Start(storageSchedule string) error {
	if _, err := s.cron.AddFunc(storageSchedule, s.runStorageRecompute); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "storage_schedule", storageSchedule)
	return nil
}

// Stop halts scheduling and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runStorageRecompute() {
	started := time.Now()
	users, failed, err := s.RecomputeStorage(context.Background())
	if err != nil {
		s.logger.Error("storage recompute aborted", "error", err)
		return
	}
	s.logger.Info("storage recompute finished",
		"users", users, "failed", failed, "elapsed", time.Since(started))
}

// RecomputeStorage walks every user and refreshes storageUsed from the
// store counts. A failing user is logged and skipped; the walk goes on.
func (s *Scheduler) RecomputeStorage(ctx context.Context) (users, failed int, err error) {
	cursor, err := s.store.Users().All(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer cursor.Close()

	for {
		item, ok, err := cursor.Next(ctx)
		if err != nil {
			return users, failed, err
		}
		if !ok {
			return users, failed, nil
		}
		user := item.(*model.User)

		if err := s.recomputeUser(ctx, user); err != nil {
			failed++
			s.logger.Warn("storage recompute failed for user",
				"username", user.Username, "error", err)
			continue
		}
		users++
	}
}

func (s *Scheduler) recomputeUser(ctx context.Context, user *model.User) error {
	used, err := system.ComputeStorageUsed(ctx, s.store, user.ID)
	if err != nil {
		return err
	}
	if used == user.StorageUsed {
		return nil
	}

	user = user.Clone()
	user.StorageUsed = used
	return s.store.Users().Update(ctx, user)
}
