package dispatch

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"custodian-service/internal/config"
)

// DefaultGroup is the consumer group scan workers read under.
const DefaultGroup = "scan-workers"

// FromConfig builds the backend the deployment's dispatch mode selects.
func FromConfig(ctx context.Context, cfg config.Config, client *redis.Client) (Backend, error) {
	switch cfg.DispatchMode {
	case config.ModeBatch:
		return NewBatchBackend(ctx, cfg)
	case config.ModeLocal:
		return NewLocalBackend(cfg.ScanCommand, cfg.MaxLocalScans), nil
	case config.ModeQueue:
		return NewQueueBackend(client, cfg.ScanStream, DefaultGroup), nil
	default:
		return nil, fmt.Errorf("unknown dispatch mode %q", cfg.DispatchMode)
	}
}
