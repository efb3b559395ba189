// Package redisstore implements livestore.Store on Redis. Each auction uses
// four plain string keys so the layout stays readable with redis-cli.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jensholdgaard/auctiond/internal/clock"
	"github.com/jensholdgaard/auctiond/internal/config"
	"github.com/jensholdgaard/auctiond/internal/livestore"
)

// maxRetries bounds optimistic retries of Update under contention.
const maxRetries = 50

// Store is a livestore.Store backed by Redis.
type Store struct {
	client redis.UniversalClient
	clock  clock.Clock
	grace  time.Duration
}

// New returns a Store using an existing client.
func New(client redis.UniversalClient, clk clock.Clock, grace time.Duration) *Store {
	return &Store{client: client, clock: clk, grace: grace}
}

// Connect dials Redis with the given settings and verifies the connection.
func Connect(ctx context.Context, cfg config.LiveStoreConfig, clk clock.Clock) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", cfg.Addr, err)
	}
	return New(client, clk, cfg.TTL), nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Seed(ctx context.Context, auctionID string, st livestore.State) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		s.write(ctx, p, auctionID, st)
		return nil
	})
	if err != nil {
		return fmt.Errorf("seeding live state of %s: %w", auctionID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, auctionID string) (livestore.State, error) {
	return read(ctx, s.client, auctionID)
}

func (s *Store) Update(ctx context.Context, auctionID string, fn livestore.UpdateFunc) (livestore.State, error) {
	keys := livestore.Keys(auctionID)
	for range maxRetries {
		var next livestore.State
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := read(ctx, tx, auctionID)
			if err != nil {
				return err
			}
			next, err = fn(cur)
			if err != nil {
				next = cur
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				s.write(ctx, p, auctionID, next)
				return nil
			})
			return err
		}, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return next, err
	}
	return livestore.State{}, fmt.Errorf("updating live state of %s: too much contention", auctionID)
}

func (s *Store) Delete(ctx context.Context, auctionID string) error {
	if err := s.client.Del(ctx, livestore.Keys(auctionID)...).Err(); err != nil {
		return fmt.Errorf("deleting live state of %s: %w", auctionID, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) write(ctx context.Context, p redis.Pipeliner, auctionID string, st livestore.State) {
	ttl := livestore.Expiry(s.clock.Now(), st.Deadline, s.grace)
	keys := livestore.Keys(auctionID)
	p.Set(ctx, keys[0], strconv.FormatInt(st.HighestPrice, 10), ttl)
	p.Set(ctx, keys[1], st.HighestBidder, ttl)
	p.Set(ctx, keys[2], st.Deadline.UTC().Format(time.RFC3339Nano), ttl)
	p.Set(ctx, keys[3], string(st.Status), ttl)
}

// read loads all four keys. State with any key missing is treated as absent,
// since a partial write cannot be trusted.
func read(ctx context.Context, c redis.Cmdable, auctionID string) (livestore.State, error) {
	vals, err := c.MGet(ctx, livestore.Keys(auctionID)...).Result()
	if err != nil {
		return livestore.State{}, fmt.Errorf("reading live state of %s: %w", auctionID, err)
	}

	strs := make([]string, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			return livestore.State{}, fmt.Errorf("auction %s: %w", auctionID, livestore.ErrNotFound)
		}
		strs[i] = str
	}

	price, err := strconv.ParseInt(strs[0], 10, 64)
	if err != nil {
		return livestore.State{}, fmt.Errorf("parsing highest price of %s: %w", auctionID, err)
	}
	deadline, err := time.Parse(time.RFC3339Nano, strs[2])
	if err != nil {
		return livestore.State{}, fmt.Errorf("parsing end time of %s: %w", auctionID, err)
	}
	return livestore.State{
		HighestPrice:  price,
		HighestBidder: strs[1],
		Deadline:      deadline,
		Status:        livestore.Status(strs[3]),
	}, nil
}
