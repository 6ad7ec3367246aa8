package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Mazene-ZERGUINE/CodeBox/internal/task"
	appErr "github.com/Mazene-ZERGUINE/CodeBox/pkg/errors"
	"github.com/Mazene-ZERGUINE/CodeBox/pkg/utils/contextkey"
)

// TaskPublisher hands accepted tasks to the worker fleet.
type TaskPublisher interface {
	PublishTask(ctx context.Context, msg task.Message) error
}

// MQTaskPublisher publishes tasks to a message queue topic.
type MQTaskPublisher struct {
	queue MessageQueue
	topic string
}

// NewMQTaskPublisher creates a task publisher for the given topic.
func NewMQTaskPublisher(queue MessageQueue, topic string) *MQTaskPublisher {
	return &MQTaskPublisher{queue: queue, topic: topic}
}

// PublishTask publishes one task message keyed by task id.
func (p *MQTaskPublisher) PublishTask(ctx context.Context, msg task.Message) error {
	if p == nil || p.queue == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("task publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("task topic is required")
	}
	if msg.TaskID == "" {
		return appErr.ValidationError("task_id", "required")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal task message failed: %w", err)
	}
	message := NewMessage(payload)
	message.ID = msg.TaskID
	if traceID, ok := ctx.Value(contextkey.TraceID).(string); ok && traceID != "" {
		message.SetHeader("x-trace-id", traceID)
	}
	if err := p.queue.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.PublishFailed, "publish task %s failed", msg.TaskID)
	}
	return nil
}

var _ TaskPublisher = (*MQTaskPublisher)(nil)
