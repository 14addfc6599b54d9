package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const redisPingTimeout = 5 * time.Second

// ConnectRedis opens the rubric cache. An empty URL disables the cache and
// returns a nil client; rubric trees are then served from the database.
func ConnectRedis(url string, logger zerolog.Logger) (*redis.Client, error) {
	if url == "" {
		logger.Warn().Msg("redis url not configured, rubric cache disabled")
		return nil, nil
	}

	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("unable to connect to redis at %s: %w", options.Addr, err)
	}

	logger.Info().Str("addr", options.Addr).Int("db", options.DB).Msg("rubric cache connected")
	return client, nil
}
