package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/sprintsync/internal/store"
	"github.com/roach88/sprintsync/internal/wire"
)

// KeyPending holds the outbound queue.
const KeyPending = "coordinator.pending"

var errUnreadableQueue = errors.New("unreadable pending queue")

// PendingMessage is an outbound message waiting for the peer.
type PendingMessage struct {
	ID       string
	Message  wire.Message
	Attempts int
	QueuedAt time.Time
}

type pendingRecord struct {
	Frame    json.RawMessage `json:"frame"`
	Attempts int             `json:"attempts"`
	QueuedAt time.Time       `json:"queued_at"`
}

func encodeQueue(queue []PendingMessage) ([]byte, error) {
	records := make([]pendingRecord, 0, len(queue))
	for _, p := range queue {
		frame, err := wire.Encode(wire.Frame{ID: p.ID, Message: p.Message})
		if err != nil {
			return nil, fmt.Errorf("encode pending %s: %w", p.ID, err)
		}
		records = append(records, pendingRecord{Frame: frame, Attempts: p.Attempts, QueuedAt: p.QueuedAt})
	}
	return json.Marshal(records)
}

func decodeQueue(data []byte) ([]PendingMessage, error) {
	var records []pendingRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", errUnreadableQueue, err)
	}
	queue := make([]PendingMessage, 0, len(records))
	for _, r := range records {
		f, err := wire.Decode(r.Frame)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errUnreadableQueue, err)
		}
		queue = append(queue, PendingMessage{ID: f.ID, Message: f.Message, Attempts: r.Attempts, QueuedAt: r.QueuedAt})
	}
	return queue, nil
}

// LoadPending reads the persisted outbound queue from blobs without
// starting a coordinator.
func LoadPending(ctx context.Context, blobs store.Blobs) ([]PendingMessage, error) {
	data, ok, err := blobs.Get(ctx, KeyPending)
	if err != nil {
		return nil, fmt.Errorf("load pending queue: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return decodeQueue(data)
}

// loadQueue reads the persisted queue. An unreadable queue is dropped with
// a warning.
func (c *Coordinator) loadQueue(ctx context.Context) error {
	queue, err := LoadPending(ctx, c.blobs)
	if err != nil {
		if errors.Is(err, errUnreadableQueue) {
			c.logger.Warn("discarding unreadable pending queue", "error", err)
			return nil
		}
		return err
	}
	c.mu.Lock()
	c.queue = queue
	c.mu.Unlock()
	return nil
}

// saveQueue persists the queue on the actor.
func (c *Coordinator) saveQueue(ctx context.Context) error {
	return c.actor.Do(ctx, func(ctx context.Context) error {
		c.mu.Lock()
		data, err := encodeQueue(c.queue)
		empty := len(c.queue) == 0
		c.mu.Unlock()
		if err != nil {
			return err
		}
		if empty {
			return c.blobs.Remove(ctx, KeyPending)
		}
		return c.blobs.Set(ctx, KeyPending, data)
	})
}
