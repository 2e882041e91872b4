package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"peerwire/internal/core/domain"
	"peerwire/internal/core/ports"
)

const (
	roomKeyPrefix = "peerwire:room:"
	roomTTL       = 24 * time.Hour

	// txRetries bounds optimistic-lock retries when concurrent joiners
	// race on the same room.
	txRetries = 5
)

type roomRepository struct {
	client *redis.Client
}

// NewRoomRepository stores rooms as JSON values with a TTL, so abandoned
// rooms age out. Member mutations run under WATCH so concurrent joiners
// cannot oversubscribe a room.
func NewRoomRepository(client *redis.Client) ports.RoomRepository {
	return &roomRepository{client: client}
}

func roomKey(id domain.RoomID) string {
	return roomKeyPrefix + string(id)
}

func (r *roomRepository) Create(ctx context.Context, room *domain.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}
	// NX keeps the first creator's room when two joiners race.
	return r.client.SetNX(ctx, roomKey(room.ID), data, roomTTL).Err()
}

func (r *roomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	data, err := r.client.Get(ctx, roomKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	var room domain.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room: %w", err)
	}
	return &room, nil
}

func (r *roomRepository) AddMember(ctx context.Context, id domain.RoomID, member domain.Member) (*domain.Room, error) {
	return r.mutate(ctx, id, func(room *domain.Room) error {
		if _, ok := room.Member(member.ID); ok {
			return domain.ErrAlreadyJoined
		}
		if room.Full() {
			return domain.ErrRoomFull
		}
		room.Members = append(room.Members, member)
		return nil
	})
}

func (r *roomRepository) RemoveMember(ctx context.Context, id domain.RoomID, peerID domain.PeerID) (*domain.Room, error) {
	return r.mutate(ctx, id, func(room *domain.Room) error {
		for i, m := range room.Members {
			if m.ID == peerID {
				room.Members = append(room.Members[:i], room.Members[i+1:]...)
				return nil
			}
		}
		return domain.ErrPeerNotFound
	})
}

// mutate applies fn to the stored room under optimistic locking.
func (r *roomRepository) mutate(ctx context.Context, id domain.RoomID, fn func(*domain.Room) error) (*domain.Room, error) {
	key := roomKey(id)
	var result *domain.Room

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return domain.ErrRoomNotFound
		}
		if err != nil {
			return err
		}
		var room domain.Room
		if err := json.Unmarshal(data, &room); err != nil {
			return fmt.Errorf("failed to unmarshal room: %w", err)
		}
		if err := fn(&room); err != nil {
			return err
		}
		updated, err := json.Marshal(&room)
		if err != nil {
			return fmt.Errorf("failed to marshal room: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, roomTTL)
			return nil
		})
		if err == nil {
			result = &room
		}
		return err
	}

	for attempt := 0; attempt < txRetries; attempt++ {
		err := r.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("room %s contended beyond %d attempts", id, txRetries)
}

func (r *roomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	return r.client.Del(ctx, roomKey(id)).Err()
}

func (r *roomRepository) ListActive(ctx context.Context) ([]*domain.Room, error) {
	var rooms []*domain.Room
	iter := r.client.Scan(ctx, 0, roomKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get room: %w", err)
		}
		var room domain.Room
		if err := json.Unmarshal(data, &room); err != nil {
			return nil, fmt.Errorf("failed to unmarshal room: %w", err)
		}
		rooms = append(rooms, &room)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan rooms: %w", err)
	}
	return rooms, nil
}
