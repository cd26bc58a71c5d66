// Package buildamqp carries build tasks and status events over RabbitMQ.
package buildamqp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/k11v/kiln/internal/amqputil"
	"github.com/k11v/kiln/internal/build"
	"github.com/k11v/kiln/internal/coordinator"
)

var _ coordinator.Broker = (*Broker)(nil)

var (
	// TaskQueue carries builds from the coordinator to workers.
	TaskQueue = &amqputil.QueueDeclareParams{Name: "build.tasks", Durable: true}

	// EventQueue carries status events from workers to the coordinator.
	EventQueue = &amqputil.QueueDeclareParams{Name: "build.events", Durable: true}
)

type Broker struct {
	client *amqputil.Client // required
	logger *slog.Logger     // required
}

func NewBroker(client *amqputil.Client, logger *slog.Logger) *Broker {
	return &Broker{client: client, logger: logger.With("component", "broker")}
}

// PublishTask sends a build to the workers.
func (b *Broker) PublishTask(ctx context.Context, info *build.Info) error {
	if err := b.publish(ctx, TaskQueue, info); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

// PublishEvent sends a status event to the coordinator.
func (b *Broker) PublishEvent(ctx context.Context, ev *build.Event) error {
	if err := b.publish(ctx, EventQueue, ev); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (b *Broker) publish(ctx context.Context, queue *amqputil.QueueDeclareParams, v any) error {
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(v); err != nil {
		return err
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body.Bytes(),
	}
	return b.client.Publish(ctx, queue, msg)
}

// ConsumeTasks runs handle for each build task, up to concurrency at a time.
// A handle error requeues the task.
func (b *Broker) ConsumeTasks(ctx context.Context, concurrency int, handle func(ctx context.Context, info *build.Info) error) error {
	return b.client.Consume(ctx, &amqputil.ConsumeParams{
		Queue:       TaskQueue,
		Concurrency: concurrency,
		Handle: func(ctx context.Context, d amqp091.Delivery) {
			handleDelivery(ctx, b.logger, d, handle)
		},
	})
}

// ConsumeEvents implements coordinator.Broker.
// Events are applied one at a time in delivery order.
func (b *Broker) ConsumeEvents(ctx context.Context, handle func(ctx context.Context, ev *build.Event) error) error {
	return b.client.Consume(ctx, &amqputil.ConsumeParams{
		Queue:       EventQueue,
		Concurrency: 1,
		Handle: func(ctx context.Context, d amqp091.Delivery) {
			handleDelivery(ctx, b.logger, d, handle)
		},
	})
}

// handleDelivery decodes a JSON delivery into T and acks it when handle succeeds.
// Malformed deliveries are dropped, failed ones are requeued.
func handleDelivery[T any](ctx context.Context, logger *slog.Logger, d amqp091.Delivery, handle func(context.Context, *T) error) {
	logger = logger.With("queue", d.RoutingKey, "message_id", d.MessageId)

	v, err := decode[T](d.Body)
	if err != nil {
		logger.Error("didn't decode message", "error", err)
		if nackErr := d.Nack(false, false); nackErr != nil {
			logger.Error("didn't nack message", "error", nackErr)
		}
		return
	}

	if err = handle(ctx, v); err != nil {
		logger.Error("didn't handle message", "error", err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			logger.Error("didn't nack message", "error", nackErr)
		}
		return
	}

	if err = d.Ack(false); err != nil {
		logger.Error("didn't ack message", "error", err)
	}
}

func decode[T any](body []byte) (*T, error) {
	v := new(T)
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("multiple top-level values")
	}
	return v, nil
}
