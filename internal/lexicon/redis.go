package lexicon

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisConfig locates the global lexicon.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps the global weighted lexicon in a hash of term→weight
// with expiries in a companion sorted set.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "sttgate:lexicon"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) weightsKey() string { return s.prefix + ":global" }
func (s *RedisStore) expiryKey() string  { return s.prefix + ":global:expiry" }

// Put stores or replaces a term.
func (s *RedisStore) Put(ctx context.Context, term WeightedTerm) error {
	name := NormalizeTerm(term.Term)
	if name == "" {
		return fmt.Errorf("lexicon term is empty")
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.weightsKey(), name, term.WeightBP)
		if term.ExpiresAtMS > 0 {
			pipe.ZAdd(ctx, s.expiryKey(), redis.Z{Score: float64(term.ExpiresAtMS), Member: name})
		} else {
			pipe.ZRem(ctx, s.expiryKey(), name)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store lexicon term: %w", err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, term string) error {
	name := NormalizeTerm(term)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.weightsKey(), name)
		pipe.ZRem(ctx, s.expiryKey(), name)
		return nil
	})
	return err
}

// Prune deletes terms that expired at or before nowMS and reports how many
// were removed.
func (s *RedisStore) Prune(ctx context.Context, nowMS int64) (int, error) {
	expired, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(nowMS, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan expired lexicon terms: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}
	members := make([]any, len(expired))
	for i, term := range expired {
		members[i] = term
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.weightsKey(), expired...)
		pipe.ZRem(ctx, s.expiryKey(), members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune lexicon terms: %w", err)
	}
	return len(expired), nil
}

// Active prunes lapsed terms and returns the live global lexicon.
func (s *RedisStore) Active(ctx context.Context, nowMS int64) ([]WeightedTerm, error) {
	if _, err := s.Prune(ctx, nowMS); err != nil {
		return nil, err
	}
	weights, err := s.client.HGetAll(ctx, s.weightsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("load lexicon weights: %w", err)
	}
	expiries, err := s.client.ZRangeWithScores(ctx, s.expiryKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load lexicon expiries: %w", err)
	}
	expiresAt := make(map[string]int64, len(expiries))
	for _, z := range expiries {
		if member, ok := z.Member.(string); ok {
			expiresAt[member] = int64(z.Score)
		}
	}
	terms := make([]WeightedTerm, 0, len(weights))
	for term, raw := range weights {
		weight, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		terms = append(terms, WeightedTerm{Term: term, WeightBP: weight, ExpiresAtMS: expiresAt[term]})
	}
	return Active(terms, nowMS), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
