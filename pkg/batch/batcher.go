// Package batch coalesces operations and hands them to a processor in
// groups. The event bus uses it to publish room events in one redis
// pipeline instead of one round trip per event.
package batch

import (
	"context"
	"sync"
	"time"
)

// Operation is a single unit queued for batched processing.
type Operation interface {
	Execute(ctx context.Context) error
}

// Processor handles a full batch at once.
type Processor interface {
	ProcessBatch(ctx context.Context, operations []Operation) error
}

// Batcher buffers operations and flushes when the batch fills or the
// interval elapses, whichever comes first.
type Batcher struct {
	batchSize     int
	batchInterval time.Duration
	processor     Processor

	mu      sync.Mutex
	pending []Operation

	flushChan chan struct{}
	stopChan  chan struct{}
	stopOnce  sync.Once
}

// NewBatcher starts the background flusher immediately.
func NewBatcher(batchSize int, batchInterval time.Duration, processor Processor) *Batcher {
	b := &Batcher{
		batchSize:     batchSize,
		batchInterval: batchInterval,
		processor:     processor,
		pending:       make([]Operation, 0, batchSize),
		flushChan:     make(chan struct{}, 1),
		stopChan:      make(chan struct{}),
	}
	go b.run()
	return b
}

// Add queues an operation. A full batch triggers an immediate flush.
func (b *Batcher) Add(op Operation) {
	b.mu.Lock()
	b.pending = append(b.pending, op)
	full := len(b.pending) >= b.batchSize
	b.mu.Unlock()

	if full {
		select {
		case b.flushChan <- struct{}{}:
		default:
		}
	}
}

// Flush processes everything pending right now.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	ops := make([]Operation, len(b.pending))
	copy(ops, b.pending)
	b.pending = b.pending[:0]
	b.mu.Unlock()

	return b.processor.ProcessBatch(ctx, ops)
}

// PendingCount returns the number of queued operations.
func (b *Batcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stop flushes once more and ends the background flusher.
func (b *Batcher) Stop() {
	b.stopOnce.Do(func() { close(b.stopChan) })
}

func (b *Batcher) run() {
	ticker := time.NewTicker(b.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = b.Flush(context.Background())
		case <-b.flushChan:
			_ = b.Flush(context.Background())
		case <-b.stopChan:
			_ = b.Flush(context.Background())
			return
		}
	}
}
