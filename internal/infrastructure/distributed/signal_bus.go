package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"pairline/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "pairline:relay:"

// envelope is what travels on the bus; Signal is an opaque relay message.
type envelope struct {
	From      string          `json:"from"`
	Timestamp time.Time       `json:"timestamp"`
	Signal    json.RawMessage `json:"signal"`
}

// SignalBus lets relay instances sharing one Redis directory hand signals to
// each other. Every instance listens on its own channel.
type SignalBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewSignalBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *SignalBus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SignalBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
	}
}

func channelFor(instanceID string) string { return channelPrefix + instanceID }

func (b *SignalBus) InstanceID() string { return b.instanceID }

// Forward publishes a signal to another instance. An instance that nobody
// hears on is treated as gone.
func (b *SignalBus) Forward(ctx context.Context, instanceID string, signal []byte) error {
	data, err := json.Marshal(envelope{
		From:      b.instanceID,
		Timestamp: time.Now(),
		Signal:    signal,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	receivers, err := b.client.Publish(ctx, channelFor(instanceID), data).Result()
	if err != nil {
		return fmt.Errorf("%w: publish to %s: %v", domain.ErrNetwork, instanceID, err)
	}
	if receivers == 0 {
		return fmt.Errorf("%w: relay instance %s is not listening", domain.ErrPeerUnavailable, instanceID)
	}

	b.logger.Debugw("forwarded signal", "instance_id", instanceID, "bytes", len(signal))
	return nil
}

// Subscribe delivers signals addressed to this instance until ctx is done.
func (b *SignalBus) Subscribe(ctx context.Context, deliver func(signal []byte)) error {
	b.mu.Lock()
	if b.pubsub != nil {
		b.mu.Unlock()
		return errors.New("already subscribed")
	}
	pubsub := b.client.Subscribe(ctx, channelFor(b.instanceID))
	b.pubsub = pubsub
	b.mu.Unlock()
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warnw("failed to unmarshal envelope",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}
			if env.From == b.instanceID {
				continue
			}
			deliver(env.Signal)
		}
	}
}

func (b *SignalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}
