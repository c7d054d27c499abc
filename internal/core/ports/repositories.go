package ports

import (
	"context"

	"pairline/internal/core/domain"
)

type PeerRepository interface {
	Add(ctx context.Context, peer *domain.PeerInfo) error
	Remove(ctx context.Context, id domain.PeerID) error
	GetByID(ctx context.Context, id domain.PeerID) (*domain.PeerInfo, error)
	List(ctx context.Context) ([]domain.PeerID, error)
	Touch(ctx context.Context, id domain.PeerID) error
	Count(ctx context.Context) (int, error)
}
