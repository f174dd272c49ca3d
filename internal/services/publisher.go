package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"manabi-backend/internal/logger"
	"manabi-backend/internal/models"
)

// Publisher pushes realtime events to a user's websocket connections.
type Publisher interface {
	Publish(ctx context.Context, userID uuid.UUID, msg models.WSMessage)
}

// RedisPublisher fans out through the user_updates:{userID} channel the hub subscribes to.
type RedisPublisher struct {
	redis *redis.Client
	log   *logger.Logger
}

func NewRedisPublisher(client *redis.Client, log *logger.Logger) *RedisPublisher {
	return &RedisPublisher{redis: client, log: log}
}

func UserChannel(userID uuid.UUID) string {
	return fmt.Sprintf("user_updates:%s", userID.String())
}

func (p *RedisPublisher) Publish(ctx context.Context, userID uuid.UUID, msg models.WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		p.log.Warn("publish: failed to encode event", "type", msg.Type, "error", err)
		return
	}
	if err := p.redis.Publish(ctx, UserChannel(userID), data).Err(); err != nil {
		p.log.Warn("publish failed", "type", msg.Type, "user_id", userID, "error", err)
	}
}
