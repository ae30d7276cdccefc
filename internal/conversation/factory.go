package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/triagechat/internal/reliability"
)

const (
	BackendMemory   = "memory"
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Options selects and configures a storage backend.
type Options struct {
	Backend       string
	MongoURI      string
	MongoDatabase string
	PostgresURL   string
	RedisURL      string
	Timeout       time.Duration
}

// NewStore opens the configured backend. An empty backend falls back to the first
// configured URL, otherwise in-memory.
func NewStore(ctx context.Context, opts Options) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(opts.Backend))
	if backend == "" {
		backend = inferBackend(opts)
	}
	opts.Timeout = defaultTimeout(opts.Timeout)

	var (
		store Store
		err   error
	)
	switch backend {
	case BackendMemory:
		return NewInMemoryStore(), nil
	case BackendMongo:
		store, err = NewMongoStore(ctx, opts.MongoURI, opts.MongoDatabase, opts.Timeout)
	case BackendPostgres:
		store, err = NewPostgresStore(ctx, opts.PostgresURL, opts.Timeout)
	case BackendRedis:
		store, err = NewRedisStore(ctx, opts.RedisURL, opts.Timeout)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}

func inferBackend(opts Options) string {
	switch {
	case strings.TrimSpace(opts.MongoURI) != "":
		return BackendMongo
	case strings.TrimSpace(opts.PostgresURL) != "":
		return BackendPostgres
	case strings.TrimSpace(opts.RedisURL) != "":
		return BackendRedis
	default:
		return BackendMemory
	}
}

// wrapErr annotates a backend error with the operation and marks transport
// failures with ErrStorageUnavailable.
func wrapErr(op string, err error, unavailable func(error) bool) error {
	if err == nil {
		return nil
	}
	if reliability.IsUnavailable(err) || (unavailable != nil && unavailable(err)) {
		return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func defaultTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

// BackendName returns the backend label for s, used in metrics and logs.
func BackendName(s Store) string {
	switch s.(type) {
	case *InMemoryStore:
		return BackendMemory
	case *MongoStore:
		return BackendMongo
	case *PostgresStore:
		return BackendPostgres
	case *RedisStore:
		return BackendRedis
	default:
		return "unknown"
	}
}
