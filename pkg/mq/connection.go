package mq

import (
	"errors"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

// DefaultExchange 邮件变更事件的 topic exchange
const DefaultExchange = "email.events"

// NewConnection creates a new RabbitMQ connection.
func NewConnection(url string) (*amqp091.Connection, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

// DeclareExchange declares the durable topic exchange.
func DeclareExchange(ch *amqp091.Channel, name string) error {
	if name == "" {
		name = DefaultExchange
	}
	return ch.ExchangeDeclare(
		name,
		"topic", // routing key 模式匹配，例如 email.#
		true,    // durable
		false,   // auto-deleted
		false,   // internal
		false,   // no-wait
		nil,
	)
}

// IsAccessRefused 判断是否为 broker 拒绝访问（403）
func IsAccessRefused(err error) bool {
	var amqpErr *amqp091.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp091.AccessRefused
}
