package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	instanceKeyPrefix = "peerwire:instance:"
	instanceTTL       = 30 * time.Second
)

// Instance describes one live relay process.
type Instance struct {
	ID           string    `json:"id"`
	Address      string    `json:"address"`
	RegisteredAt time.Time `json:"registered_at"`
}

// InstanceRegistry tracks live relay instances in redis. Each instance
// refreshes its entry at a fraction of the TTL; a crashed instance
// disappears when its key expires.
type InstanceRegistry struct {
	client   *redis.Client
	self     Instance
	logger   *zap.SugaredLogger
	stopChan chan struct{}
}

func NewInstanceRegistry(client *redis.Client, instanceID, address string, logger *zap.SugaredLogger) *InstanceRegistry {
	return &InstanceRegistry{
		client: client,
		self: Instance{
			ID:      instanceID,
			Address: address,
		},
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start registers this instance and keeps the entry alive until Stop.
func (r *InstanceRegistry) Start(ctx context.Context) error {
	if err := r.register(ctx); err != nil {
		return err
	}
	go r.heartbeat()
	return nil
}

// Stop removes this instance from the registry.
func (r *InstanceRegistry) Stop(ctx context.Context) {
	close(r.stopChan)
	if err := r.client.Del(ctx, instanceKeyPrefix+r.self.ID).Err(); err != nil {
		r.logger.Warnw("failed to deregister instance", "error", err)
	}
}

func (r *InstanceRegistry) register(ctx context.Context) error {
	r.self.RegisteredAt = time.Now()
	data, err := json.Marshal(r.self)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}
	if err := r.client.Set(ctx, instanceKeyPrefix+r.self.ID, data, instanceTTL).Err(); err != nil {
		return fmt.Errorf("failed to register instance: %w", err)
	}
	return nil
}

func (r *InstanceRegistry) heartbeat() {
	ticker := time.NewTicker(instanceTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), instanceTTL/3)
			if err := r.register(ctx); err != nil {
				r.logger.Warnw("instance heartbeat failed", "error", err)
			}
			cancel()
		case <-r.stopChan:
			return
		}
	}
}

// ListLive returns the currently registered instances sorted by ID so
// every caller sees the same ordering.
func (r *InstanceRegistry) ListLive(ctx context.Context) ([]Instance, error) {
	var instances []Instance
	iter := r.client.Scan(ctx, 0, instanceKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read instance entry: %w", err)
		}
		var inst Instance
		if err := json.Unmarshal([]byte(data), &inst); err != nil {
			r.logger.Warnw("corrupt instance entry", "key", iter.Val(), "error", err)
			continue
		}
		instances = append(instances, inst)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan instances: %w", err)
	}

	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances, nil
}

// Self returns this instance's descriptor.
func (r *InstanceRegistry) Self() Instance {
	return r.self
}
