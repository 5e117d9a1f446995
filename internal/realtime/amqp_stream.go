package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	contractsmq "mailsync/contracts/mq"
	"mailsync/internal/model"
	"mailsync/pkg/mq"
	"mailsync/pkg/trace"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPStream 每次订阅声明一个独占、自动删除的队列并绑定到路由键
type AMQPStream struct {
	name       string
	routingKey string
	exchange   string
	conn       *amqp091.Connection
	logger     *zap.Logger
}

func NewAMQPStream(conn *amqp091.Connection, exchange, name, routingKey string, logger *zap.Logger) *AMQPStream {
	return &AMQPStream{
		name:       name,
		routingKey: routingKey,
		exchange:   exchange,
		conn:       conn,
		logger:     logger,
	}
}

// SessionStreams 会话订阅的三个流：主窗口、发送状态、scheduled
func SessionStreams(conn *amqp091.Connection, exchange string, logger *zap.Logger) []Stream {
	return []Stream{
		NewAMQPStream(conn, exchange, SourceRecent, contractsmq.RoutingKeyEmailChanged, logger),
		NewAMQPStream(conn, exchange, SourceSentStatus, contractsmq.RoutingKeyStatusSent, logger),
		NewAMQPStream(conn, exchange, SourceScheduled, contractsmq.RoutingKeyScheduled, logger),
	}
}

func (s *AMQPStream) Name() string { return s.name }

func (s *AMQPStream) Subscribe(ctx context.Context, onBatch func(Batch), onError func(error)) (func(), error) {
	consumer, err := mq.NewConsumer(s.conn, s.routingKey, mq.Live(s.exchange), s.logger)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", s.name, err)
	}
	consumer.SetHandler(func(ctx context.Context, data json.RawMessage) error {
		batch, err := DecodeBatch(s.name, data)
		if err != nil {
			return err
		}
		onBatch(batch)
		return nil
	})

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		if err := consumer.StartConsuming(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("Realtime stream stopped",
				zap.String("stream", s.name),
				zap.String("trace_id", trace.FromContext(ctx)),
				zap.Error(err),
			)
			onError(err)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			consumer.Close()
		})
	}, nil
}

// DecodeBatch 解析 EmailChangedPayload
func DecodeBatch(source string, data []byte) (Batch, error) {
	var payload contractsmq.EmailChangedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Batch{}, fmt.Errorf("decode email changed payload: %w", err)
	}
	batch := Batch{Source: source, Records: make([]model.RawRecord, 0, len(payload.Records))}
	for i, doc := range payload.Records {
		var raw model.RawRecord
		if err := json.Unmarshal(doc, &raw); err != nil {
			return Batch{}, fmt.Errorf("decode record %d: %w", i, err)
		}
		batch.Records = append(batch.Records, raw)
	}
	return batch, nil
}
