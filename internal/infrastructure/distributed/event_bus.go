// Package distributed coordinates a fleet of relay instances through
// redis: an event bus for room lifecycle events and a registry of live
// instances.
package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"peerwire/internal/core/domain"
	"peerwire/pkg/batch"
)

type EventType string

const (
	EventRoomCreated EventType = "room.created"
	EventRoomClosed  EventType = "room.closed"
	EventPeerJoined  EventType = "peer.joined"
	EventPeerLeft    EventType = "peer.left"
)

const eventChannel = "peerwire:events"

// Event is a room lifecycle notification shared between instances.
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	RoomID     domain.RoomID   `json:"room_id,omitempty"`
	PeerID     domain.PeerID   `json:"peer_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EventBus publishes and subscribes to room events. Publishes are batched
// so a burst of joins costs one redis pipeline.
type EventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	batcher    *batch.Batcher
	pubsub     *redis.PubSub
}

// publishOp carries one serialized event through the batcher.
type publishOp struct {
	client *redis.Client
	data   []byte
}

func (op publishOp) Execute(ctx context.Context) error {
	return op.client.Publish(ctx, eventChannel, op.data).Err()
}

// eventProcessor flushes a batch of publishes in one pipeline.
type eventProcessor struct {
	client *redis.Client
}

func (p eventProcessor) ProcessBatch(ctx context.Context, ops []batch.Operation) error {
	pipe := p.client.Pipeline()
	for _, op := range ops {
		pub, ok := op.(publishOp)
		if !ok {
			continue
		}
		pipe.Publish(ctx, eventChannel, pub.data)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		batcher:    batch.NewBatcher(32, 50*time.Millisecond, eventProcessor{client: client}),
	}
}

// Publish queues an event; it reaches redis on the next batch flush.
func (eb *EventBus) Publish(event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	eb.batcher.Add(publishOp{client: eb.client, data: data})
	eb.logger.Debugw("queued event",
		"type", event.Type,
		"room_id", event.RoomID,
		"peer_id", event.PeerID,
	)
	return nil
}

// PublishRoomCreated reports a new room on this instance.
func (eb *EventBus) PublishRoomCreated(roomID domain.RoomID) error {
	return eb.Publish(&Event{Type: EventRoomCreated, RoomID: roomID})
}

// PublishRoomClosed reports that a room lost its last occupant.
func (eb *EventBus) PublishRoomClosed(roomID domain.RoomID) error {
	return eb.Publish(&Event{Type: EventRoomClosed, RoomID: roomID})
}

// PublishPeerJoined reports a peer joining a room.
func (eb *EventBus) PublishPeerJoined(roomID domain.RoomID, peerID domain.PeerID) error {
	return eb.Publish(&Event{Type: EventPeerJoined, RoomID: roomID, PeerID: peerID})
}

// PublishPeerLeft reports a peer leaving a room.
func (eb *EventBus) PublishPeerLeft(roomID domain.RoomID, peerID domain.PeerID) error {
	return eb.Publish(&Event{Type: EventPeerLeft, RoomID: roomID, PeerID: peerID})
}

// Subscribe delivers events from other instances to handler until ctx
// ends. Events published by this instance are filtered out.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	if eb.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	eb.pubsub = eb.client.Subscribe(ctx, eventChannel)
	defer eb.pubsub.Close()

	ch := eb.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event", "error", err, "payload", msg.Payload)
				continue
			}
			if event.InstanceID == eb.instanceID {
				continue
			}
			if err := handler(&event); err != nil {
				eb.logger.Warnw("error handling event", "type", event.Type, "error", err)
			}
		}
	}
}

// Close flushes pending publishes and tears down the subscription.
func (eb *EventBus) Close() error {
	eb.batcher.Stop()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
