package reliability

import (
	"context"
	"errors"
	"fmt"

	"pairline/internal/core/domain"
	"pairline/internal/core/ports"
	"pairline/pkg/circuitbreaker"
	"pairline/pkg/config"

	"go.uber.org/zap"
)

// DirectoryWrapper guards a PeerDirectory with a circuit breaker. While the
// breaker is open lookups fail fast with domain.ErrNetwork, so the caller's
// own backoff keeps running without hammering an unhealthy relay.
type DirectoryWrapper struct {
	directory      ports.PeerDirectory
	circuitBreaker *circuitbreaker.CircuitBreaker
	logger         *zap.SugaredLogger
}

func BreakerConfigFrom(cfg *config.Config) circuitbreaker.Config {
	cb := circuitbreaker.DefaultConfig()
	if cfg.Directory.CircuitBreaker.FailureThreshold > 0 {
		cb.FailureThreshold = cfg.Directory.CircuitBreaker.FailureThreshold
	}
	if cfg.Directory.CircuitBreaker.OpenTimeout > 0 {
		cb.Timeout = cfg.Directory.CircuitBreaker.OpenTimeout
	}
	return cb
}

func NewDirectoryWrapper(directory ports.PeerDirectory, cbConfig circuitbreaker.Config, logger *zap.SugaredLogger) *DirectoryWrapper {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	w := &DirectoryWrapper{
		directory:      directory,
		circuitBreaker: circuitbreaker.New(cbConfig),
		logger:         logger,
	}
	w.circuitBreaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("directory circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return w
}

var _ ports.PeerDirectory = (*DirectoryWrapper)(nil)

func (w *DirectoryWrapper) ListPeers(ctx context.Context) ([]domain.PeerID, error) {
	peers, err := circuitbreaker.Do(ctx, w.circuitBreaker, func() ([]domain.PeerID, error) {
		return w.directory.ListPeers(ctx)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, fmt.Errorf("%w: %v", domain.ErrNetwork, err)
	}
	return peers, err
}

func (w *DirectoryWrapper) State() circuitbreaker.State {
	return w.circuitBreaker.GetState()
}
