package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/aminio9/shopstream/pkg/contracts"
)

type Producer interface {
	WriteMessage(ctx context.Context, msg kafka.Message) error
	Close() error
}

// Consumer fetches without committing. Offsets advance only through
// CommitMessages, so a message that was not handled is delivered again.
type Consumer interface {
	FetchMessage(ctx context.Context, msg *kafka.Message) error
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Client struct {
	Brokers  []string
	ClientID string
	Tracer   trace.TracerProvider
}

func NewClient(brokersCSV, clientID string, tp trace.TracerProvider) *Client {
	brokers := []string{}
	for _, b := range strings.Split(brokersCSV, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return &Client{Brokers: brokers, ClientID: clientID, Tracer: tp}
}

func (c *Client) Enabled() bool {
	return len(c.Brokers) > 0
}

// NewWriter returns a traced producer with no fixed topic; every message names its own.
// RequireAll gives the durable, persistent delivery the queues expect.
func (c *Client) NewWriter() (Producer, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	base := &kafka.Writer{
		Addr:                   kafka.TCP(c.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	w, err := otelkafka.NewWriter(base,
		otelkafka.WithTracerProvider(c.tracerProvider()),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes([]attribute.KeyValue{
			semconv.MessagingSystemKey.String("kafka"),
			attribute.String("messaging.kafka.client_id", c.ClientID),
		}),
	)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (c *Client) NewReader(topic, groupID string) (Consumer, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	base := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.Brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	r, err := otelkafka.NewReader(base,
		otelkafka.WithTracerProvider(c.tracerProvider()),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes([]attribute.KeyValue{
			semconv.MessagingDestinationNameKey.String(topic),
			attribute.String("messaging.kafka.consumer.group", groupID),
		}),
	)
	if err != nil {
		_ = base.Close()
		return nil, err
	}
	return r, nil
}

func (c *Client) tracerProvider() trace.TracerProvider {
	if c.Tracer != nil {
		return c.Tracer
	}
	return otel.GetTracerProvider()
}

// NewJSONMessage builds a message whose body is payload encoded as JSON.
func NewJSONMessage(topic, key, eventID string, payload any) (kafka.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return kafka.Message{}, err
	}
	return NewRawMessage(topic, key, eventID, data), nil
}

func NewRawMessage(topic, key, eventID string, body []byte) kafka.Message {
	return kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: body,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: contracts.HeaderEventID, Value: []byte(eventID)},
			{Key: contracts.HeaderContentType, Value: []byte(contracts.ContentTypeJSON)},
		},
	}
}

func HeaderValue(msg *kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

var ErrDisabled = errors.New("kafka disabled")
