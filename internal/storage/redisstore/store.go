// Package redisstore mirrors session snapshots to Redis so a second host
// machine can pick up an event where the first one left off.
package redisstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"raffle/internal/models"
	"raffle/internal/storage"
)

// Options describes how to reach Redis.
type Options struct {
	Addr     string
	Password string
	DB       int
	TLS      bool
}

// NewClient dials Redis and pings it with a short timeout. It returns nil
// when the server is unreachable so callers can run without the mirror.
func NewClient(opts Options) *redis.Client {
	addr := opts.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	var tlsConf *tls.Config
	if opts.TLS {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: tlsConf,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil
	}
	return client
}

// Store keeps snapshot blobs under <prefix>:snapshot:<session>.
type Store struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// New wraps client. A zero ttl keeps keys forever.
func New(client redis.Cmdable, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = "raffle"
	}
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

func (s *Store) key(session string) string {
	return s.prefix + ":snapshot:" + session
}

func (s *Store) Load(ctx context.Context, session string) (models.StoreSnapshot, error) {
	blob, err := s.client.Get(ctx, s.key(session)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.StoreSnapshot{}, storage.ErrNotFound
	}
	if err != nil {
		return models.StoreSnapshot{}, fmt.Errorf("redis get %s: %w", session, err)
	}
	return storage.Decode(blob)
}

func (s *Store) Save(ctx context.Context, session string, snap models.StoreSnapshot) error {
	blob, err := storage.Encode(session, snap)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(session), blob, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", session, err)
	}
	return nil
}
