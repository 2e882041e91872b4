// Package loadbalancer assigns rooms to relay instances. Both members of
// a room must land on the same instance for envelopes to be forwardable,
// so clients ask the director which instance hosts their room before
// dialing the websocket.
package loadbalancer

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"peerwire/internal/core/domain"
	"peerwire/internal/infrastructure/distributed"
)

// ConsistentHash maps keys onto a fixed instance list. Every instance
// computes the same assignment from the same sorted list.
type ConsistentHash struct {
	instances []string
}

func NewConsistentHash(instances []string) *ConsistentHash {
	return &ConsistentHash{instances: instances}
}

// Pick returns the instance for a key, empty when no instances exist.
func (ch *ConsistentHash) Pick(key string) string {
	if len(ch.instances) == 0 {
		return ""
	}
	hash := sha256.Sum256([]byte(key))
	value := binary.BigEndian.Uint64(hash[:8])
	return ch.instances[int(value%uint64(len(ch.instances)))]
}

// RoomDirector resolves which live instance should host a room.
type RoomDirector struct {
	registry *distributed.InstanceRegistry
}

func NewRoomDirector(registry *distributed.InstanceRegistry) *RoomDirector {
	return &RoomDirector{registry: registry}
}

// InstanceFor hashes the room over the live instance set. ListLive sorts
// by ID, so all instances agree on the assignment.
func (d *RoomDirector) InstanceFor(ctx context.Context, roomID domain.RoomID) (distributed.Instance, error) {
	live, err := d.registry.ListLive(ctx)
	if err != nil {
		return distributed.Instance{}, fmt.Errorf("failed to list instances: %w", err)
	}
	if len(live) == 0 {
		return distributed.Instance{}, fmt.Errorf("no live relay instances")
	}

	ids := make([]string, len(live))
	byID := make(map[string]distributed.Instance, len(live))
	for i, inst := range live {
		ids[i] = inst.ID
		byID[inst.ID] = inst
	}

	picked := NewConsistentHash(ids).Pick(string(roomID))
	return byID[picked], nil
}
