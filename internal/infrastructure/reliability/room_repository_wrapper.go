package reliability

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"peerwire/internal/core/domain"
	"peerwire/internal/core/ports"
	"peerwire/pkg/circuitbreaker"
	"peerwire/pkg/retry"
)

// RoomRepositoryWrapper adds retry and circuit breaking around a room
// repository backed by external storage. Domain outcomes (room full, not
// found, already joined) pass through untouched; only infrastructure
// failures count against the breaker.
type RoomRepositoryWrapper struct {
	repo        ports.RoomRepository
	retryConfig retry.Config
	breaker     *circuitbreaker.CircuitBreaker
	logger      *zap.SugaredLogger
}

func NewRoomRepositoryWrapper(
	repo ports.RoomRepository,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *RoomRepositoryWrapper {
	w := &RoomRepositoryWrapper{
		repo:        repo,
		retryConfig: retryConfig,
		breaker:     circuitbreaker.New(cbConfig),
		logger:      logger,
	}
	w.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("room repository circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return w
}

func isDomainError(err error) bool {
	return errors.Is(err, domain.ErrRoomNotFound) ||
		errors.Is(err, domain.ErrRoomFull) ||
		errors.Is(err, domain.ErrPeerNotFound) ||
		errors.Is(err, domain.ErrAlreadyJoined)
}

// execute runs fn with retries inside the breaker. Domain errors are
// smuggled past the breaker so they neither retry nor trip it.
func (w *RoomRepositoryWrapper) execute(ctx context.Context, fn func() error) error {
	var domainErr error
	err := w.breaker.Execute(ctx, func() error {
		err := retry.Retry(ctx, w.retryConfig, func() error {
			err := fn()
			if isDomainError(err) {
				domainErr = err
				return nil
			}
			return err
		})
		if domainErr != nil {
			return nil
		}
		return err
	})
	if domainErr != nil {
		return domainErr
	}
	return err
}

func (w *RoomRepositoryWrapper) Create(ctx context.Context, room *domain.Room) error {
	return w.execute(ctx, func() error {
		return w.repo.Create(ctx, room)
	})
}

func (w *RoomRepositoryWrapper) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	var room *domain.Room
	err := w.execute(ctx, func() error {
		var err error
		room, err = w.repo.GetByID(ctx, id)
		return err
	})
	return room, err
}

func (w *RoomRepositoryWrapper) AddMember(ctx context.Context, id domain.RoomID, member domain.Member) (*domain.Room, error) {
	var room *domain.Room
	err := w.execute(ctx, func() error {
		var err error
		room, err = w.repo.AddMember(ctx, id, member)
		return err
	})
	return room, err
}

func (w *RoomRepositoryWrapper) RemoveMember(ctx context.Context, id domain.RoomID, peerID domain.PeerID) (*domain.Room, error) {
	var room *domain.Room
	err := w.execute(ctx, func() error {
		var err error
		room, err = w.repo.RemoveMember(ctx, id, peerID)
		return err
	})
	return room, err
}

func (w *RoomRepositoryWrapper) Delete(ctx context.Context, id domain.RoomID) error {
	return w.execute(ctx, func() error {
		return w.repo.Delete(ctx, id)
	})
}

func (w *RoomRepositoryWrapper) ListActive(ctx context.Context) ([]*domain.Room, error) {
	var rooms []*domain.Room
	err := w.execute(ctx, func() error {
		var err error
		rooms, err = w.repo.ListActive(ctx)
		return err
	})
	return rooms, err
}
