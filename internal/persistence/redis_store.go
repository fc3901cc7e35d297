package persistence

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"SimpleBet/internal/core"
)

// RedisStateStore keeps the latest record in a single Redis hash.
// Save is a WATCH/MULTI transaction so concurrent writers cannot skip a sequence.
type RedisStateStore struct {
	client *redis.Client
	key    string
}

func NewRedisStateStore(client *redis.Client, contractID string) *RedisStateStore {
	return &RedisStateStore{client: client, key: stateKey(contractID)}
}

// stateKey generates the Redis key holding a contract's latest state record
func stateKey(contractID string) string { return "simplebet:state:" + contractID }

// ConnectRedis opens a client and verifies it with PING.
func ConnectRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}

	return rdb, nil
}

func (s *RedisStateStore) Load(ctx context.Context) (*core.VersionedState, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return decodeRedisRecord(fields)
}

func (s *RedisStateStore) Save(ctx context.Context, rec core.VersionedState) error {
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		seq, err := tx.HGet(ctx, s.key, "sequence").Int64()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		case rec.Sequence != seq+1:
			return fmt.Errorf("%w: stored %d, got %d", core.ErrSequenceConflict, seq, rec.Sequence)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.key,
				"version", rec.Version,
				"sequence", rec.Sequence,
				"data", rec.Data,
				"state_hash", rec.StateHash[:],
				"prev_hash", rec.PrevHash[:],
			)
			return nil
		})
		return err
	}, s.key)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: concurrent write to %s", core.ErrSequenceConflict, s.key)
	}
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func decodeRedisRecord(fields map[string]string) (*core.VersionedState, error) {
	if len(fields) == 0 {
		return nil, nil
	}

	var rec core.VersionedState
	version, err := strconv.Atoi(fields["version"])
	if err != nil {
		return nil, fmt.Errorf("%w: version: %v", core.ErrCorruptState, err)
	}
	sequence, err := strconv.ParseInt(fields["sequence"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: sequence: %v", core.ErrCorruptState, err)
	}
	rec.Version = version
	rec.Sequence = sequence
	rec.Data = []byte(fields["data"])
	if err := copyHash(&rec.StateHash, []byte(fields["state_hash"])); err != nil {
		return nil, fmt.Errorf("%w: state_hash: %v", core.ErrCorruptState, err)
	}
	if err := copyHash(&rec.PrevHash, []byte(fields["prev_hash"])); err != nil {
		return nil, fmt.Errorf("%w: prev_hash: %v", core.ErrCorruptState, err)
	}
	return &rec, nil
}
