package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"github.com/commandmesh/platform/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// MessageHandler processes one message's payload and headers.
// messageID is the topic-partition-offset triple identifying this
// specific delivery, for inbox dedupe; key is the application-level
// partitioning key (e.g. the command's business key), which is not
// guaranteed unique across redeliveries or retries the way messageID
// is. Messages are only marked committed when it returns nil; a
// non-nil error is logged and the message is redelivered on the next
// poll, so handlers must tolerate at-least-once delivery (the
// executor's inbox store is what turns this back into exactly-once
// effects).
type MessageHandler func(ctx context.Context, messageID, key string, payload []byte, headers map[string]string) error

// Dispatcher routes messages to a handler by topic. A consumer group
// may subscribe to several topics (e.g. every command queue this
// worker type handles) sharing one Dispatcher.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]MessageHandler
	log      *logger.Logger
}

func NewDispatcher(log *logger.Logger) *Dispatcher {
	return &Dispatcher{handlers: make(map[string]MessageHandler), log: log}
}

// Register binds a handler to a topic. Registering the same topic
// twice is a programming error.
func (d *Dispatcher) Register(topic string, handler MessageHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[topic]; exists {
		panic(fmt.Sprintf("queue: handler already registered for topic %q", topic))
	}
	d.handlers[topic] = handler
}

// Topics returns every topic a handler has been registered for, in the
// form a sarama consumer group subscribes with.
func (d *Dispatcher) Topics() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	topics := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		topics = append(topics, t)
	}
	return topics
}

func (d *Dispatcher) handlerFor(topic string) (MessageHandler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[topic]
	return h, ok
}

// Consumer runs a sarama consumer group over the dispatcher's
// registered topics.
type Consumer struct {
	group      sarama.ConsumerGroup
	dispatcher *Dispatcher
	log        *logger.Logger
	tracer     trace.Tracer
	wg         sync.WaitGroup
	cancel     context.CancelFunc
}

func NewConsumer(cfg Config, groupID string, dispatcher *Dispatcher, log *logger.Logger) (*Consumer, error) {
	sc, err := newSaramaConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("configure sarama consumer: %w", err)
	}
	sc.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest

	group, err := sarama.NewConsumerGroup(cfg.Brokers, groupID, sc)
	if err != nil {
		return nil, fmt.Errorf("create consumer group %s: %w", groupID, err)
	}

	return &Consumer{
		group:      group,
		dispatcher: dispatcher,
		log:        log,
		tracer:     otel.GetTracerProvider().Tracer("queue-consumer"),
	}, nil
}

// Run blocks consuming until ctx is cancelled. sarama re-invokes
// Consume on every rebalance, so the retry loop is required even
// though each call only returns on error or session end.
func (c *Consumer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			if err := c.group.Consume(ctx, c.dispatcher.Topics(), c); err != nil {
				c.log.Error("consumer group session ended with error", zap.Error(err))
			}
		}
	}()

	go func() {
		for err := range c.group.Errors() {
			c.log.Error("consumer group error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	return c.group.Close()
}

func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		c.handle(session, msg)
	}
	return nil
}

func (c *Consumer) handle(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) {
	ctx, span := c.tracer.Start(context.Background(), "kafka.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
			attribute.Int64("messaging.kafka.partition", int64(msg.Partition)),
		),
	)
	defer span.End()

	handler, ok := c.dispatcher.handlerFor(msg.Topic)
	if !ok {
		c.log.Error("no handler registered for topic", zap.String("topic", msg.Topic))
		session.MarkMessage(msg, "")
		return
	}

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[string(h.Key)] = string(h.Value)
	}

	messageID := fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	if err := handler(ctx, messageID, string(msg.Key), msg.Value, headers); err != nil {
		c.log.Error("handler failed, message will be redelivered",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	session.MarkMessage(msg, "")
}

// Ping returns an error only when the consumer group was never created;
// it does not check whether the group is still consuming.
func (c *Consumer) Ping() error {
	if c.group == nil {
		return fmt.Errorf("consumer group not initialized")
	}
	return nil
}
