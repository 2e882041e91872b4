package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"peerwire/internal/core/domain"
	"peerwire/internal/core/ports"
)

type roomService struct {
	repo     ports.RoomRepository
	capacity int
	logger   *zap.SugaredLogger
}

// NewRoomService builds the room service. capacity <= 0 means the default
// two-peer rooms.
func NewRoomService(repo ports.RoomRepository, capacity int, logger *zap.Logger) ports.RoomService {
	if capacity <= 0 {
		capacity = domain.DefaultRoomCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &roomService{
		repo:     repo,
		capacity: capacity,
		logger:   logger.Sugar(),
	}
}

func (s *roomService) Join(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) (*domain.Room, domain.Role, error) {
	room, err := s.repo.GetByID(ctx, roomID)
	if errors.Is(err, domain.ErrRoomNotFound) {
		room = domain.NewRoom(roomID, s.capacity)
		if err := s.repo.Create(ctx, room); err != nil {
			return nil, "", err
		}
	} else if err != nil {
		return nil, "", err
	}

	if _, ok := room.Member(peerID); ok {
		return nil, "", domain.ErrAlreadyJoined
	}

	// The waiting side answers; the peer completing the pair initiates, so
	// the handshake starts the moment the room fills.
	role := domain.RoleResponder
	if len(room.Members) > 0 {
		role = domain.RoleInitiator
	}

	member := domain.Member{ID: peerID, Role: role, JoinedAt: time.Now()}
	room, err = s.repo.AddMember(ctx, roomID, member)
	if err != nil {
		return nil, "", err
	}

	s.logger.Infow("peer joined room",
		"room_id", roomID,
		"peer_id", peerID,
		"role", role,
		"occupancy", len(room.Members),
	)
	return room, role, nil
}

func (s *roomService) Leave(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) (*domain.Room, error) {
	room, err := s.repo.RemoveMember(ctx, roomID, peerID)
	if err != nil {
		return nil, err
	}

	if len(room.Members) == 0 {
		if err := s.repo.Delete(ctx, roomID); err != nil {
			s.logger.Warnw("failed to delete empty room", "room_id", roomID, "error", err)
		}
	}

	s.logger.Infow("peer left room",
		"room_id", roomID,
		"peer_id", peerID,
		"occupancy", len(room.Members),
	)
	return room, nil
}

func (s *roomService) Get(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	return s.repo.GetByID(ctx, roomID)
}

func (s *roomService) List(ctx context.Context) ([]*domain.Room, error) {
	return s.repo.ListActive(ctx)
}
