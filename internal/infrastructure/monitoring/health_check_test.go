package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"pairline/internal/core/domain"
	"pairline/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func TestHealthChecker_CheckAll(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("ok", func(context.Context) (bool, error) { return true, nil }, 0, time.Second)
	h.AddCheck("false", func(context.Context) (bool, error) { return false, nil }, 0, time.Second)
	h.AddBackendCheck("redis", pingerFunc(func(context.Context) error { return errors.New("connection refused") }), 0, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["ok"])
	assert.Equal(t, "check failed", status.Checks["false"])
	assert.Equal(t, "connection refused", status.Checks["redis"])
	assert.False(t, h.IsReady(context.Background()))
}

func TestHealthChecker_TimeoutAppliesPerCheck(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("slow", func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}, 0, 20*time.Millisecond)
	h.AddCheck("fast", func(ctx context.Context) (bool, error) {
		return ctx.Err() == nil, nil
	}, 0, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
	assert.Equal(t, StatusHealthy, status.Checks["fast"])
}

func TestHealthChecker_RepositoryCheck(t *testing.T) {
	repo := memory.NewMemoryPeerRepository(time.Minute)
	require.NoError(t, repo.Add(context.Background(), &domain.PeerInfo{ID: "a"}))

	h := NewHealthChecker()
	h.AddRepositoryCheck(repo, 0, time.Second)
	assert.True(t, h.IsReady(context.Background()))
}

func TestHealthChecker_BackgroundChecks(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("tick", func(context.Context) (bool, error) { return true, nil }, 5*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.StartBackgroundChecks(ctx)

	assert.Eventually(t, func() bool {
		return h.LastResults()["tick"] == StatusHealthy
	}, time.Second, 5*time.Millisecond)
}
