// Package presence tracks which agents are reachable. Each agent has a Redis
// key that expires unless its heartbeats keep refreshing it, so an agent whose
// connection silently died drops out on its own.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/liveringserver/internal/config"
)

// Status is an agent's presence.
type Status string

// Presence statuses
const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Connect opens a Redis client and checks the connection.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Registry stores agent presence in Redis.
type Registry struct {
	client redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

// NewRegistry creates a registry whose entries live for ttl after the last
// refresh.
func NewRegistry(client redis.Cmdable, ttl time.Duration, logger *zap.Logger) *Registry {
	return &Registry{client: client, ttl: ttl, logger: logger}
}

func key(userID string) string {
	return "presence:agent:" + userID
}

// SetOnline marks the agent reachable.
func (r *Registry) SetOnline(ctx context.Context, agentID string) error {
	return r.set(ctx, agentID, StatusOnline)
}

// SetAway marks the agent connected but idle.
func (r *Registry) SetAway(ctx context.Context, agentID string) error {
	return r.set(ctx, agentID, StatusAway)
}

// SetOffline removes the agent's presence.
func (r *Registry) SetOffline(ctx context.Context, agentID string) error {
	if err := r.client.Del(ctx, key(agentID)).Err(); err != nil {
		return fmt.Errorf("failed to clear presence: %w", err)
	}
	r.logger.Debug("agent offline", zap.String("agent_id", agentID))
	return nil
}

// Refresh extends the agent's lease without changing its status. An agent
// with no entry is marked online.
func (r *Registry) Refresh(ctx context.Context, agentID string) error {
	ok, err := r.client.Expire(ctx, key(agentID), r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	if !ok {
		return r.SetOnline(ctx, agentID)
	}
	return nil
}

// Status returns the agent's presence.
func (r *Registry) Status(ctx context.Context, agentID string) (Status, error) {
	val, err := r.client.Get(ctx, key(agentID)).Result()
	if errors.Is(err, redis.Nil) {
		return StatusOffline, nil
	}
	if err != nil {
		return StatusOffline, fmt.Errorf("failed to read presence: %w", err)
	}
	return Status(val), nil
}

// IsAvailable reports whether the agent is online and not away.
func (r *Registry) IsAvailable(ctx context.Context, agentID string) (bool, error) {
	status, err := r.Status(ctx, agentID)
	if err != nil {
		return false, err
	}
	return status == StatusOnline, nil
}

func (r *Registry) set(ctx context.Context, agentID string, status Status) error {
	if err := r.client.Set(ctx, key(agentID), string(status), r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}
	r.logger.Debug("agent presence updated",
		zap.String("agent_id", agentID),
		zap.String("status", string(status)),
	)
	return nil
}
