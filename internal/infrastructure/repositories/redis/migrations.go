package redis

import (
	"context"
	"fmt"
	"time"

	"pairline/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = "pairline:schema:version"
	currentSchemaVersion = 1

	lockPrefix    = "pairline:lock:"
	migrationLock = "migrate"
)

// Migration is one versioned change to the key layout.
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
}

// Migrate runs all pending migrations. Relays starting together serialize
// on a lock so each migration runs once.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	lock := distributed.NewLockManager(client, lockPrefix).AcquireLock(migrationLock, 10*time.Second)
	if err := lock.Lock(ctx); err != nil {
		return fmt.Errorf("failed to lock schema: %w", err)
	}
	defer lock.Unlock(context.Background())

	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("schema is up to date", "version", currentVersion)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}
		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// Drop index members whose peer key already expired, left behind
			// by relays that crashed before unregistering.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client) error {
				members, err := client.ZRange(ctx, peerIndexKey, 0, -1).Result()
				if err != nil {
					return err
				}
				for _, m := range members {
					n, err := client.Exists(ctx, peerKeyPrefix+m).Result()
					if err != nil {
						return err
					}
					if n == 0 {
						if err := client.ZRem(ctx, peerIndexKey, m).Err(); err != nil {
							return err
						}
					}
				}
				return nil
			},
		},
	}
}
