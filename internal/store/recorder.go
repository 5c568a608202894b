package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SkynetNext/piecebuf/internal/circuitbreaker"
	"github.com/SkynetNext/piecebuf/internal/config"
	"github.com/SkynetNext/piecebuf/internal/logger"
	"github.com/SkynetNext/piecebuf/internal/metrics"
	"github.com/SkynetNext/piecebuf/internal/retry"
)

// Recorder records completed pieces in Redis.
//
// Layout:
//
//	HASH    <prefix>pieces:<infohash hex>          piece index -> decoded length
//	PUBSUB  <prefix>pieces:<infohash hex>:notify   piece index, published after every write
type Recorder struct {
	rdb     *redis.Client
	prefix  string
	retry   retry.RetryConfig
	breaker *circuitbreaker.Breaker
}

// NewRecorder creates a Redis-backed piece recorder
func NewRecorder(cfg *config.RedisConfig, storeCfg *config.StoreConfig) *Recorder {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return NewRecorderWithClient(rdb, cfg.KeyPrefix, storeCfg)
}

// NewRecorderWithClient creates a recorder on an existing client
func NewRecorderWithClient(rdb *redis.Client, prefix string, storeCfg *config.StoreConfig) *Recorder {
	return &Recorder{
		rdb:    rdb,
		prefix: prefix,
		retry: retry.RetryConfig{
			MaxRetries: storeCfg.MaxRetries,
			RetryDelay: storeCfg.RetryDelay,
			Retryable:  isRetryable,
		},
		breaker: circuitbreaker.NewBreaker(storeCfg.BreakerFailures, storeCfg.BreakerTimeout, func(s circuitbreaker.State) {
			metrics.CircuitBreakerState.Set(float64(s))
			logger.L.Warn("piece store circuit breaker state changed",
				zap.String("state", s.String()),
			)
		}),
	}
}

// isRetryable keeps cancellations from being retried
func isRetryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Close closes the Redis connection
func (r *Recorder) Close() error {
	return r.rdb.Close()
}

// Ping checks Redis connection
func (r *Recorder) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// key generates the piece hash key for a torrent
func (r *Recorder) key(infoHash [20]byte) string {
	return r.prefix + "pieces:" + hex.EncodeToString(infoHash[:])
}

// Consume records a completed piece. data is only read for its length.
func (r *Recorder) Consume(ctx context.Context, infoHash [20]byte, index uint32, data []byte) error {
	key := r.key(infoHash)
	field := strconv.FormatUint(uint64(index), 10)

	err := r.breaker.Execute(func() error {
		return retry.Do(ctx, r.retry, func() error {
			pipe := r.rdb.TxPipeline()
			pipe.HSet(ctx, key, field, len(data))
			pipe.Publish(ctx, key+":notify", field)
			_, err := pipe.Exec(ctx)
			return err
		})
	})
	if err != nil {
		reason := "redis"
		if errors.Is(err, circuitbreaker.ErrOpen) {
			reason = "breaker_open"
		}
		metrics.StoreErrors.WithLabelValues(reason).Inc()
		return fmt.Errorf("failed to record piece %d: %w", index, err)
	}
	return nil
}

// Completed loads every recorded piece of a torrent (piece index -> length)
func (r *Recorder) Completed(ctx context.Context, infoHash [20]byte) (map[uint32]int, error) {
	data, err := r.rdb.HGetAll(ctx, r.key(infoHash)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load completed pieces: %w", err)
	}

	pieces := make(map[uint32]int, len(data))
	for indexStr, lengthStr := range data {
		index, err := strconv.ParseUint(indexStr, 10, 32)
		if err != nil {
			continue // Skip invalid field
		}
		length, err := strconv.Atoi(lengthStr)
		if err != nil {
			continue
		}
		pieces[uint32(index)] = length
	}

	return pieces, nil
}

// WatchCompleted calls callback for every piece recorded after the
// subscription is established, until ctx is done
func (r *Recorder) WatchCompleted(ctx context.Context, infoHash [20]byte, ready func(), callback func(index uint32)) error {
	pubsub := r.rdb.Subscribe(ctx, r.key(infoHash)+":notify")
	defer pubsub.Close()

	// Wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	if ready != nil {
		ready()
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
			index, err := strconv.ParseUint(msg.Payload, 10, 32)
			if err != nil {
				continue
			}
			callback(uint32(index))
		}
	}
}
