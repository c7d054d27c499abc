package memory

import (
	"context"
	"sync"
	"time"

	"pairline/internal/core/domain"
	"pairline/internal/core/ports"
)

// MemoryPeerRepository keeps the directory of a single relay instance.
// Entries not touched within the TTL are treated as gone.
type MemoryPeerRepository struct {
	peers map[domain.PeerID]*domain.PeerInfo
	ttl   time.Duration
	now   func() time.Time
	mu    sync.RWMutex
}

func NewMemoryPeerRepository(ttl time.Duration) ports.PeerRepository {
	return &MemoryPeerRepository{
		peers: make(map[domain.PeerID]*domain.PeerInfo),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (r *MemoryPeerRepository) Add(ctx context.Context, peer *domain.PeerInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.peers[peer.ID]; exists && !r.expired(existing) {
		return domain.ErrPeerExists
	}

	stored := *peer
	if stored.LastSeen.IsZero() {
		stored.LastSeen = r.now()
	}
	r.peers[peer.ID] = &stored
	return nil
}

func (r *MemoryPeerRepository) GetByID(ctx context.Context, id domain.PeerID) (*domain.PeerInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, exists := r.peers[id]
	if !exists || r.expired(peer) {
		return nil, domain.ErrPeerNotFound
	}

	info := *peer
	return &info, nil
}

func (r *MemoryPeerRepository) Remove(ctx context.Context, id domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[id]; !exists {
		return domain.ErrPeerNotFound
	}

	delete(r.peers, id)
	return nil
}

// List returns the live identities and drops expired entries on the way.
func (r *MemoryPeerRepository) List(ctx context.Context) ([]domain.PeerID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]domain.PeerID, 0, len(r.peers))
	for id, peer := range r.peers {
		if r.expired(peer) {
			delete(r.peers, id)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *MemoryPeerRepository) Touch(ctx context.Context, id domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, exists := r.peers[id]
	if !exists || r.expired(peer) {
		return domain.ErrPeerNotFound
	}
	peer.LastSeen = r.now()
	return nil
}

func (r *MemoryPeerRepository) Count(ctx context.Context) (int, error) {
	ids, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (r *MemoryPeerRepository) expired(peer *domain.PeerInfo) bool {
	return r.ttl > 0 && r.now().Sub(peer.LastSeen) > r.ttl
}
