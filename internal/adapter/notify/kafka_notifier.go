package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/marketplace-orders/internal/core/domain"
	"github.com/rl1809/marketplace-orders/internal/port"
)

// MessageProducer is the subset of a Kafka writer the notifier needs.
type MessageProducer interface {
	WriteMessage(ctx context.Context, msg kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	ClientID     string
	BatchTimeout time.Duration
}

// NewKafkaProducer builds a traced writer; the trace context travels in the message headers.
func NewKafkaProducer(cfg KafkaConfig, tp trace.TracerProvider) (MessageProducer, error) {
	baseWriter := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}

	writer, err := otelkafka.NewWriter(baseWriter,
		otelkafka.WithTracerProvider(tp),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes(
			[]attribute.KeyValue{
				semconv.MessagingDestinationNameKey.String(cfg.Topic),
				attribute.String("messaging.kafka.client_id", cfg.ClientID),
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka writer: %w", err)
	}
	return writer, nil
}

// Notification is the message published for the mail relay.
type Notification struct {
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// KafkaNotifier hands messages to a mail relay through a Kafka topic.
type KafkaNotifier struct {
	producer MessageProducer
	logger   *zap.Logger
	now      func() time.Time
}

var _ port.Notifier = (*KafkaNotifier)(nil)

func NewKafkaNotifier(producer MessageProducer, logger *zap.Logger) *KafkaNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaNotifier{producer: producer, logger: logger, now: time.Now}
}

func (n *KafkaNotifier) Send(ctx context.Context, recipient, subject, body string) error {
	if recipient == "" {
		return fmt.Errorf("%w: notification %q has no recipient", domain.ErrPermanent, subject)
	}
	payload, err := json.Marshal(Notification{
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		CreatedAt: n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("%w: encode notification: %w", domain.ErrPermanent, err)
	}

	msg := kafka.Message{
		Key:   []byte(recipient),
		Value: payload,
	}
	if err := n.producer.WriteMessage(ctx, msg); err != nil {
		n.logger.Error("Failed to publish notification",
			zap.String("subject", subject),
			zap.Error(err),
		)
		return fmt.Errorf("%w: publish notification: %w", domain.ErrTransient, err)
	}

	n.logger.Debug("Notification published", zap.String("subject", subject))
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.producer.Close()
}
