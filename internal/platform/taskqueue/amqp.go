package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBroker publishes and consumes tasks on a RabbitMQ connection. Tasks
// go through a durable direct exchange; revocations through a fanout
// exchange that every worker binds an exclusive queue to.
type AMQPBroker struct {
	conn   *amqp.Connection
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	publish *amqp.Channel
}

func NewAMQPBroker(conn *amqp.Connection, cfg Config, logger *slog.Logger) (*AMQPBroker, error) {
	if conn == nil {
		return nil, errors.New("amqp connection is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	b := &AMQPBroker{conn: conn, cfg: cfg, logger: logger, publish: ch}
	if err := b.declareExchanges(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return b, nil
}

func (b *AMQPBroker) declareExchanges(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(b.cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", b.cfg.Exchange, err)
	}
	if err := ch.ExchangeDeclare(b.cfg.RevokeExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", b.cfg.RevokeExchange, err)
	}
	return nil
}

func (b *AMQPBroker) Publish(ctx context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	return b.send(ctx, b.cfg.Exchange, b.cfg.RoutingKey, task.ID, body)
}

func (b *AMQPBroker) PublishRevoke(ctx context.Context, taskID string) error {
	body, err := json.Marshal(Revocation{TaskID: taskID})
	if err != nil {
		return fmt.Errorf("encode revocation: %w", err)
	}
	return b.send(ctx, b.cfg.RevokeExchange, "", taskID, body)
}

func (b *AMQPBroker) send(ctx context.Context, exchange, key, id string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publish.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Body:         body,
	})
}

// Consume runs handle for every task delivery. Up to Prefetch deliveries are
// handled concurrently. A handler error rejects the delivery without requeue.
func (b *AMQPBroker) Consume(ctx context.Context, handle func(context.Context, Task) error) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(b.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", b.cfg.Queue, err)
	}
	if err := ch.QueueBind(b.cfg.Queue, b.cfg.RoutingKey, b.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", b.cfg.Queue, err)
	}
	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := ch.Consume(b.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", b.cfg.Queue, err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("task consumer shutting down")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("task channel closed")
			}
			var task Task
			if err := json.Unmarshal(msg.Body, &task); err != nil {
				b.logger.Warn("dropping malformed task", "error", err)
				_ = msg.Nack(false, false)
				continue
			}
			wg.Add(1)
			go func(task Task, msg amqp.Delivery) {
				defer wg.Done()
				if err := handle(ctx, task); err != nil {
					b.logger.Warn("task failed", "task_id", task.ID, "error", err)
					_ = msg.Nack(false, false)
					return
				}
				_ = msg.Ack(false)
			}(task, msg)
		}
	}
}

// ConsumeRevocations binds an exclusive queue to the revoke exchange and
// runs handle for every revocation. Handlers run concurrently so a slow
// cleanup does not hold back revocations of other tasks.
func (b *AMQPBroker) ConsumeRevocations(ctx context.Context, handle func(context.Context, string)) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare revoke queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", b.cfg.RevokeExchange, false, nil); err != nil {
		return fmt.Errorf("bind revoke queue: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume revocations: %w", err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("revoke channel closed")
			}
			var rev Revocation
			if err := json.Unmarshal(msg.Body, &rev); err != nil || rev.TaskID == "" {
				b.logger.Warn("dropping malformed revocation", "error", err)
				continue
			}
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				handle(ctx, id)
			}(rev.TaskID)
		}
	}
}

func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publish.Close()
}

var (
	_ Broker   = (*AMQPBroker)(nil)
	_ Consumer = (*AMQPBroker)(nil)
)
