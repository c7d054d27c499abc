package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"pairline/internal/core/domain"
	"pairline/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	peerKeyPrefix = "pairline:peer:"
	peerIndexKey  = "pairline:peers"
)

// RedisPeerRepository shares the directory between relay instances. Each
// peer is a JSON value expiring after the TTL plus a member of a sorted
// index scored by its last heartbeat.
type RedisPeerRepository struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisPeerRepository(client *redis.Client, ttl time.Duration) ports.PeerRepository {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisPeerRepository{
		client: client,
		ttl:    ttl,
		now:    time.Now,
	}
}

func peerKey(id domain.PeerID) string {
	return peerKeyPrefix + string(id)
}

func (r *RedisPeerRepository) Add(ctx context.Context, peer *domain.PeerInfo) error {
	stored := *peer
	if stored.LastSeen.IsZero() {
		stored.LastSeen = r.now()
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal peer: %w", err)
	}

	ok, err := r.client.SetNX(ctx, peerKey(peer.ID), data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to set peer in Redis: %w", err)
	}
	if !ok {
		return domain.ErrPeerExists
	}

	if err := r.client.ZAdd(ctx, peerIndexKey, redis.Z{
		Score:  float64(stored.LastSeen.Unix()),
		Member: string(peer.ID),
	}).Err(); err != nil {
		return fmt.Errorf("failed to index peer: %w", err)
	}
	return nil
}

func (r *RedisPeerRepository) GetByID(ctx context.Context, id domain.PeerID) (*domain.PeerInfo, error) {
	data, err := r.client.Get(ctx, peerKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrPeerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get peer from Redis: %w", err)
	}

	var peer domain.PeerInfo
	if err := json.Unmarshal(data, &peer); err != nil {
		return nil, fmt.Errorf("failed to unmarshal peer: %w", err)
	}
	return &peer, nil
}

func (r *RedisPeerRepository) Remove(ctx context.Context, id domain.PeerID) error {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, peerKey(id))
	pipe.ZRem(ctx, peerIndexKey, string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete peer from Redis: %w", err)
	}
	if del.Val() == 0 {
		return domain.ErrPeerNotFound
	}
	return nil
}

// List prunes index entries older than the TTL and returns the rest.
func (r *RedisPeerRepository) List(ctx context.Context) ([]domain.PeerID, error) {
	cutoff := strconv.FormatInt(r.now().Add(-r.ttl).Unix(), 10)
	if err := r.client.ZRemRangeByScore(ctx, peerIndexKey, "-inf", "("+cutoff).Err(); err != nil {
		return nil, fmt.Errorf("failed to prune peer index: %w", err)
	}

	members, err := r.client.ZRange(ctx, peerIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list peers from Redis: %w", err)
	}
	ids := make([]domain.PeerID, 0, len(members))
	for _, m := range members {
		ids = append(ids, domain.PeerID(m))
	}
	return ids, nil
}

// Touch refreshes the TTL of the peer and its index score.
func (r *RedisPeerRepository) Touch(ctx context.Context, id domain.PeerID) error {
	ok, err := r.client.Expire(ctx, peerKey(id), r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to refresh peer TTL: %w", err)
	}
	if !ok {
		r.client.ZRem(ctx, peerIndexKey, string(id))
		return domain.ErrPeerNotFound
	}
	if err := r.client.ZAdd(ctx, peerIndexKey, redis.Z{
		Score:  float64(r.now().Unix()),
		Member: string(id),
	}).Err(); err != nil {
		return fmt.Errorf("failed to index peer: %w", err)
	}
	return nil
}

func (r *RedisPeerRepository) Count(ctx context.Context) (int, error) {
	ids, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}
