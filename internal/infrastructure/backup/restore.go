package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"peerwire/internal/core/domain"
	"peerwire/internal/core/ports"
	"peerwire/pkg/backup"
)

// RestoreService loads a snapshot back into the room repository.
type RestoreService struct {
	service *backup.Service
	rooms   ports.RoomRepository
	logger  *zap.SugaredLogger
}

func NewRestoreService(service *backup.Service, rooms ports.RoomRepository, logger *zap.SugaredLogger) *RestoreService {
	return &RestoreService{service: service, rooms: rooms, logger: logger}
}

type RestoreOptions struct {
	// OverwriteExisting replaces rooms that already exist in the store.
	OverwriteExisting bool
}

// RestoreFrom loads the named snapshot into the repository.
func (rs *RestoreService) RestoreFrom(ctx context.Context, name string, opts RestoreOptions) error {
	rs.logger.Infow("starting restore", "snapshot", name, "overwrite", opts.OverwriteExisting)

	snap, err := rs.service.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if snap.Version == "" {
		return fmt.Errorf("invalid snapshot: missing version")
	}

	restored := 0
	for roomIDStr, roomData := range snap.Rooms {
		roomID := domain.RoomID(roomIDStr)

		existing, err := rs.rooms.GetByID(ctx, roomID)
		if err == nil && existing != nil {
			if !opts.OverwriteExisting {
				rs.logger.Debugw("skipping existing room", "room", roomID)
				continue
			}
			if err := rs.rooms.Delete(ctx, roomID); err != nil {
				return fmt.Errorf("failed to replace room %s: %w", roomID, err)
			}
		}

		roomJSON, err := json.Marshal(roomData)
		if err != nil {
			return fmt.Errorf("failed to marshal room %s: %w", roomID, err)
		}
		var room domain.Room
		if err := json.Unmarshal(roomJSON, &room); err != nil {
			return fmt.Errorf("failed to unmarshal room %s: %w", roomID, err)
		}

		if err := rs.rooms.Create(ctx, &room); err != nil {
			return fmt.Errorf("failed to restore room %s: %w", roomID, err)
		}
		restored++
	}

	rs.logger.Infow("restore completed", "snapshot", name, "rooms", restored)
	return nil
}

// RestoreLatest restores from the most recent snapshot, if any exist.
func (rs *RestoreService) RestoreLatest(ctx context.Context, opts RestoreOptions) error {
	name, err := rs.latest(ctx)
	if err != nil {
		return err
	}
	if name == "" {
		rs.logger.Info("no snapshots to restore")
		return nil
	}
	return rs.RestoreFrom(ctx, name, opts)
}

// FindByTime returns the newest snapshot taken at or before target.
func (rs *RestoreService) FindByTime(ctx context.Context, target time.Time) (string, error) {
	names, err := rs.service.List(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list snapshots: %w", err)
	}

	var best string
	var bestTime time.Time
	for _, name := range names {
		stamp, err := backup.TimeOf(name)
		if err != nil {
			continue
		}
		if !stamp.After(target) && (best == "" || stamp.After(bestTime)) {
			best = name
			bestTime = stamp
		}
	}
	if best == "" {
		return "", fmt.Errorf("no snapshot found before or at %v", target)
	}
	return best, nil
}

func (rs *RestoreService) latest(ctx context.Context) (string, error) {
	names, err := rs.service.List(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list snapshots: %w", err)
	}

	var best string
	var bestTime time.Time
	for _, name := range names {
		stamp, err := backup.TimeOf(name)
		if err != nil {
			continue
		}
		if best == "" || stamp.After(bestTime) {
			best = name
			bestTime = stamp
		}
	}
	return best, nil
}
