// Package cache keeps recently read users in redis so that repeated lookups
// by pid or email skip the database.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dmitrijs2005/identitykeeper/internal/server/models"
)

// ErrMiss is returned when a key is not cached.
var ErrMiss = errors.New("cache miss")

// Options configure the redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects to redis and checks the connection.
func NewClient(ctx context.Context, opts Options) (*redis.Client, error) {
	const op = "cache.NewClient"

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return client, nil
}

// UserCache stores users under two keys, one per lookup path. Both keys are
// written and expired together.
type UserCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewUserCache(client *redis.Client, ttl time.Duration) *UserCache {
	return &UserCache{client: client, ttl: ttl}
}

type entry struct {
	ID        int32     `json:"id"`
	Pid       uuid.UUID `json:"pid"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Password  string    `json:"password"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func pidKey(pid uuid.UUID) string {
	return "user:pid:" + pid.String()
}

func emailKey(email string) string {
	return "user:email:" + email
}

func (c *UserCache) GetByPid(ctx context.Context, pid uuid.UUID) (*models.User, error) {
	return c.get(ctx, pidKey(pid))
}

func (c *UserCache) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return c.get(ctx, emailKey(email))
}

func (c *UserCache) get(ctx context.Context, key string) (*models.User, error) {
	const op = "cache.Get"

	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var e entry
	if err := json.Unmarshal(val, &e); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.User{
		ID:        e.ID,
		Pid:       e.Pid,
		Email:     e.Email,
		Name:      e.Name,
		Password:  e.Password,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}, nil
}

// Set caches u under its pid and email.
func (c *UserCache) Set(ctx context.Context, u *models.User) error {
	const op = "cache.Set"

	data, err := json.Marshal(entry{
		ID:        u.ID,
		Pid:       u.Pid,
		Email:     u.Email,
		Name:      u.Name,
		Password:  u.Password,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, pidKey(u.Pid), data, c.ttl)
		pipe.Set(ctx, emailKey(u.Email), data, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Invalidate drops the entries of every given user. Nil users are skipped.
func (c *UserCache) Invalidate(ctx context.Context, users ...*models.User) error {
	const op = "cache.Invalidate"

	keys := make([]string, 0, 2*len(users))
	for _, u := range users {
		if u == nil {
			continue
		}
		keys = append(keys, pidKey(u.Pid), emailKey(u.Email))
	}
	if len(keys) == 0 {
		return nil
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
