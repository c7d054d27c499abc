package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"pairline/internal/core/domain"
	"pairline/internal/core/ports"
	"pairline/pkg/validation"

	"go.uber.org/zap"
)

type directoryService struct {
	peerRepo ports.PeerRepository
	now      func() time.Time
	logger   *zap.SugaredLogger
}

func NewDirectoryService(peerRepo ports.PeerRepository, logger *zap.SugaredLogger) ports.DirectoryService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &directoryService{
		peerRepo: peerRepo,
		now:      time.Now,
		logger:   logger,
	}
}

func (d *directoryService) Register(ctx context.Context, peer *domain.PeerInfo) error {
	if err := validation.ValidatePeerID(peer.ID.String()); err != nil {
		return fmt.Errorf("register peer: %w", err)
	}
	now := d.now()
	if peer.ConnectedAt.IsZero() {
		peer.ConnectedAt = now
	}
	peer.LastSeen = now

	if err := d.peerRepo.Add(ctx, peer); err != nil {
		return fmt.Errorf("register peer %s: %w", peer.ID, err)
	}
	d.logger.Infow("peer registered", "peer_id", peer.ID, "address", peer.Address)
	return nil
}

func (d *directoryService) Unregister(ctx context.Context, id domain.PeerID) error {
	err := d.peerRepo.Remove(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrPeerNotFound) {
		return fmt.Errorf("unregister peer %s: %w", id, err)
	}
	d.logger.Infow("peer unregistered", "peer_id", id)
	return nil
}

func (d *directoryService) Heartbeat(ctx context.Context, id domain.PeerID) error {
	return d.peerRepo.Touch(ctx, id)
}

// ListPeers returns the online identities in a stable order.
func (d *directoryService) ListPeers(ctx context.Context) ([]domain.PeerID, error) {
	peers, err := d.peerRepo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	if peers == nil {
		peers = []domain.PeerID{}
	}
	return peers, nil
}

func (d *directoryService) IsOnline(ctx context.Context, id domain.PeerID) (bool, error) {
	_, err := d.peerRepo.GetByID(ctx, id)
	if errors.Is(err, domain.ErrPeerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Lookup returns the registration of an online peer, including the relay
// instance holding its connection.
func (d *directoryService) Lookup(ctx context.Context, id domain.PeerID) (*domain.PeerInfo, error) {
	peer, err := d.peerRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lookup peer %s: %w", id, err)
	}
	return peer, nil
}
