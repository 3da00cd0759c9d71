package local

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// streamKeyPending is the Redis Stream backing the local work queue,
// adapted from the teacher's jobs:queue:pending stream.
const streamKeyPending = "jobtk:queue:pending"

// WorkItem is the envelope pushed onto the queue for one unit of work:
// a whole job, or (for an array) one of its elements.
type WorkItem struct {
	MessageID    string `json:"-"`
	Unique       int64  `json:"unique"`
	ElementIndex *int   `json:"element_index,omitempty"`
}

// Queue is a Redis Streams-backed work queue, grounded on the
// teacher's pkg/storage/redis.RedisQueue (XAdd/XReadGroup/XAck over a
// consumer group).
type Queue struct {
	client *redis.Client
}

func NewQueue(addr string) (*Queue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) EnsureGroup(ctx context.Context, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, streamKeyPending, group, "$").Err()
	if err != nil {
		if err.Error() == "BUSYGROUP Consumer Group name already exists" {
			return nil
		}
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (q *Queue) Push(ctx context.Context, item WorkItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKeyPending,
		Values: map[string]interface{}{
			"payload": payload,
			"envelope_id": uuid.New().String(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("push to queue: %w", err)
	}
	return nil
}

// Pop blocks briefly waiting for one work item assigned to consumer
// within group. Returns a nil item (no error) on timeout.
func (q *Queue) Pop(ctx context.Context, group, consumer string) (*WorkItem, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamKeyPending, ">"},
		Count:    1,
		Block:    2 * time.Second,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("read from stream: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}

	msg := streams[0].Messages[0]
	payloadStr, ok := msg.Values["payload"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid payload format on message %s", msg.ID)
	}

	var item WorkItem
	if err := json.Unmarshal([]byte(payloadStr), &item); err != nil {
		return nil, fmt.Errorf("unmarshal work item: %w", err)
	}
	item.MessageID = msg.ID
	return &item, nil
}

func (q *Queue) Ack(ctx context.Context, group, messageID string) error {
	return q.client.XAck(ctx, streamKeyPending, group, messageID).Err()
}
