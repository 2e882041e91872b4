// Package backup periodically snapshots room state and restores it after
// a restart.
package backup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"peerwire/internal/core/ports"
	"peerwire/pkg/backup"
	"peerwire/pkg/distributed"
)

// Scheduler takes periodic room snapshots. When a lock manager is set,
// only the instance holding the snapshot lease runs a cycle, so a fleet
// sharing one redis does not write duplicate snapshots.
type Scheduler struct {
	service   *backup.Service
	rooms     ports.RoomRepository
	locks     *distributed.LockManager
	interval  time.Duration
	retention time.Duration
	logger    *zap.SugaredLogger
	stopChan  chan struct{}
}

type Config struct {
	Interval  time.Duration
	Retention time.Duration
}

// NewScheduler builds a scheduler. locks may be nil for single-instance
// deployments.
func NewScheduler(
	service *backup.Service,
	rooms ports.RoomRepository,
	locks *distributed.LockManager,
	cfg Config,
	logger *zap.SugaredLogger,
) *Scheduler {
	return &Scheduler{
		service:   service,
		rooms:     rooms,
		locks:     locks,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
}

// Start runs snapshot cycles until Stop or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runCycle(ctx)

	for {
		select {
		case <-ticker.C:
			s.runCycle(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) Stop() {
	close(s.stopChan)
}

func (s *Scheduler) runCycle(ctx context.Context) {
	if s.locks != nil {
		lock := s.locks.AcquireLock("snapshot", s.interval/2)
		acquired, err := lock.TryLock(ctx)
		if err != nil {
			s.logger.Warnw("snapshot lock unavailable", "error", err)
			return
		}
		if !acquired {
			s.logger.Debug("another instance is snapshotting, skipping cycle")
			return
		}
		defer func() {
			if err := lock.Unlock(ctx); err != nil {
				s.logger.Warnw("failed to release snapshot lock", "error", err)
			}
		}()
	}

	snap, err := s.collect(ctx)
	if err != nil {
		s.logger.Errorw("failed to collect room state", "error", err)
		return
	}

	name, err := s.service.Create(ctx, snap)
	if err != nil {
		s.logger.Errorw("failed to create snapshot", "error", err)
		return
	}
	s.logger.Infow("snapshot created", "name", name, "rooms", len(snap.Rooms))

	if err := s.cleanupOld(ctx); err != nil {
		s.logger.Warnw("failed to clean up old snapshots", "error", err)
	}
}

func (s *Scheduler) collect(ctx context.Context) (*backup.Snapshot, error) {
	rooms, err := s.rooms.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}

	snap := &backup.Snapshot{
		Rooms:    make(map[string]interface{}, len(rooms)),
		Metadata: make(map[string]interface{}),
	}
	peers := 0
	for _, room := range rooms {
		snap.Rooms[string(room.ID)] = room
		peers += len(room.Members)
	}
	snap.Metadata["room_count"] = len(rooms)
	snap.Metadata["peer_count"] = peers
	return snap, nil
}

func (s *Scheduler) cleanupOld(ctx context.Context) error {
	names, err := s.service.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list snapshots: %w", err)
	}

	cutoff := time.Now().Add(-s.retention)
	for _, name := range names {
		stamp, err := backup.TimeOf(name)
		if err != nil {
			s.logger.Warnw("unparseable snapshot name", "name", name, "error", err)
			continue
		}
		if stamp.Before(cutoff) {
			if err := s.service.Delete(ctx, name); err != nil {
				s.logger.Warnw("failed to delete old snapshot", "name", name, "error", err)
				continue
			}
			s.logger.Infow("deleted old snapshot", "name", name, "age", time.Since(stamp))
		}
	}
	return nil
}
