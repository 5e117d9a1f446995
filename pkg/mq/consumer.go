package mq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"mailsync/pkg/otel"
)

type MessageHandler func(ctx context.Context, data json.RawMessage) error

// QueueOptions 队列声明参数。实时订阅使用 Live()：服务端命名、独占、自动删除
type QueueOptions struct {
	Name       string
	Exchange   string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Prefetch   int
}

// Live 返回会话级实时订阅的队列参数
func Live(exchange string) QueueOptions {
	return QueueOptions{
		Exchange:   exchange,
		Exclusive:  true,
		AutoDelete: true,
		Prefetch:   50,
	}
}

type Consumer struct {
	channel    *amqp091.Channel
	queue      amqp091.Queue
	routingKey string
	handler    MessageHandler
	logger     *zap.Logger
	closeCh    chan *amqp091.Error
}

// NewConsumer opens a channel on a shared connection and binds a queue to routingKey.
func NewConsumer(conn *amqp091.Connection, routingKey string, opts QueueOptions, logger *zap.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareExchange(ch, opts.Exchange); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	if opts.Prefetch > 0 {
		if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("failed to set qos: %w", err)
		}
	}

	q, err := ch.QueueDeclare(
		opts.Name,
		opts.Durable,
		opts.AutoDelete,
		opts.Exclusive,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	exchange := opts.Exchange
	if exchange == "" {
		exchange = DefaultExchange
	}
	if err := ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", q.Name),
		zap.String("exchange", exchange),
	)

	return &Consumer{
		channel:    ch,
		queue:      q,
		routingKey: routingKey,
		logger:     logger,
		closeCh:    ch.NotifyClose(make(chan *amqp091.Error, 1)),
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
}

// StartConsuming blocks until ctx is done or the channel closes. A channel closed
// by the broker returns its *amqp091.Error (e.g. ACCESS_REFUSED).
func (c *Consumer) StartConsuming(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		"",
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				// NotifyClose 先于 deliveries 关闭收到错误
				if amqpErr, ok := <-c.closeCh; ok && amqpErr != nil {
					if IsAccessRefused(amqpErr) {
						c.logger.Warn("Consumer access refused by broker",
							zap.String("routing_key", c.routingKey),
							zap.String("reason", amqpErr.Reason),
						)
					}
					return amqpErr
				}
				return nil
			}
			c.handle(ctx, msg)
		}
	}
}

// handle 保证每条消息都会被 ack 或 nack
func (c *Consumer) handle(ctx context.Context, msg amqp091.Delivery) {
	ctx, span := otel.MQConsumeSpan(ctx, c.routingKey, c.queue.Name, msg.Headers)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panic recovered",
				zap.String("routing_key", c.routingKey),
				zap.Any("panic", r),
			)
			_ = msg.Nack(false, false)
		}
	}()

	if err := c.handler(ctx, msg.Body); err != nil {
		c.logger.Error("Handler error",
			zap.String("routing_key", c.routingKey),
			zap.String("queue", c.queue.Name),
			zap.Error(err),
		)
		// 实时流是尽力而为的，失败不重新入队，下次全量刷新会补齐
		if err := msg.Nack(false, false); err != nil {
			c.logger.Error("Failed to nack message", zap.String("routing_key", c.routingKey), zap.Error(err))
		}
		return
	}

	if err := msg.Ack(false); err != nil {
		c.logger.Error("Failed to ack message",
			zap.String("routing_key", c.routingKey),
			zap.Error(err),
		)
	}
}
