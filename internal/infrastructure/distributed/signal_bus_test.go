package distributed

import (
	"context"
	"os"
	"testing"
	"time"

	"pairline/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("PAIRLINE_TEST_REDIS")
	if addr == "" {
		t.Skip("PAIRLINE_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestSignalBus_Forward(t *testing.T) {
	client := testClient(t)
	logger := zaptest.NewLogger(t).Sugar()
	a := NewSignalBus(client, "relay-a", logger)
	b := NewSignalBus(client, "relay-b", logger)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	received := make(chan []byte, 1)
	go b.Subscribe(ctx, func(signal []byte) { received <- signal })

	require.Eventually(t, func() bool {
		return a.Forward(ctx, "relay-b", []byte(`{"type":"leave"}`)) == nil
	}, 2*time.Second, 20*time.Millisecond)

	select {
	case got := <-received:
		assert.JSONEq(t, `{"type":"leave"}`, string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("signal not delivered")
	}
}

func TestSignalBus_ForwardToSilentInstance(t *testing.T) {
	client := testClient(t)
	a := NewSignalBus(client, "relay-a", nil)

	err := a.Forward(context.Background(), "relay-gone", []byte(`{}`))
	assert.ErrorIs(t, err, domain.ErrPeerUnavailable)
}
