package memory

import (
	"context"
	"sync"

	"peerwire/internal/core/domain"
	"peerwire/internal/core/ports"
)

type roomRepository struct {
	rooms map[domain.RoomID]*domain.Room
	mu    sync.RWMutex
}

// NewRoomRepository keeps rooms in process memory. Suitable for a single
// relay instance; multi-instance deployments use the Redis repository.
func NewRoomRepository() ports.RoomRepository {
	return &roomRepository{
		rooms: make(map[domain.RoomID]*domain.Room),
	}
}

func (r *roomRepository) Create(ctx context.Context, room *domain.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[room.ID]; ok {
		return nil // idempotent, concurrent joiners race to create
	}
	r.rooms[room.ID] = cloneRoom(room)
	return nil
}

func (r *roomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return cloneRoom(room), nil
}

func (r *roomRepository) AddMember(ctx context.Context, id domain.RoomID, member domain.Member) (*domain.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	if _, ok := room.Member(member.ID); ok {
		return nil, domain.ErrAlreadyJoined
	}
	if room.Full() {
		return nil, domain.ErrRoomFull
	}
	room.Members = append(room.Members, member)
	return cloneRoom(room), nil
}

func (r *roomRepository) RemoveMember(ctx context.Context, id domain.RoomID, peerID domain.PeerID) (*domain.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	for i, m := range room.Members {
		if m.ID == peerID {
			room.Members = append(room.Members[:i], room.Members[i+1:]...)
			return cloneRoom(room), nil
		}
	}
	return nil, domain.ErrPeerNotFound
}

func (r *roomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, id)
	return nil
}

func (r *roomRepository) ListActive(ctx context.Context) ([]*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, cloneRoom(room))
	}
	return out, nil
}

func cloneRoom(room *domain.Room) *domain.Room {
	clone := *room
	clone.Members = make([]domain.Member, len(room.Members))
	copy(clone.Members, room.Members)
	return &clone
}
