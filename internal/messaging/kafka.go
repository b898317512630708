// Package messaging carries the miner's events (shares, jobs, hashrate and
// connection changes) to Kafka and the other stats sinks.
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gominer/pkg/circuit"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// Payload encodings
const (
	EncodingJSON  = "json"
	EncodingProto = "proto"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes events to one Kafka topic per event kind, reusing a
// writer per topic.
type Publisher struct {
	brokers        []string
	encoding       string
	logger         *log.Logger
	writers        map[string]messageWriter
	writersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config

	newWriter func(topic string) messageWriter
}

// NewPublisher creates a publisher; no connection is made until the first event.
func NewPublisher(brokers []string, encoding string, logger *log.Logger) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "kafka", "no brokers configured")
	}
	if encoding != EncodingJSON && encoding != EncodingProto {
		return nil, errors.New(errors.ErrorTypeConfig, "kafka", fmt.Sprintf("unknown encoding %q", encoding))
	}

	p := &Publisher{
		brokers:  brokers,
		encoding: encoding,
		logger:   logger.WithComponent("kafka"),
		writers:  make(map[string]messageWriter),
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "kafka",
			MaxFailures:     5,
			SuccessRequired: 3,
			Timeout:         15 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retryConfig: retry.SinkConfig(),
	}
	p.newWriter = p.kafkaWriter
	return p, nil
}

// Name identifies the sink.
func (p *Publisher) Name() string { return "kafka" }

func (p *Publisher) kafkaWriter(topic string) messageWriter {
	return &kafka.Writer{
		Addr:         kafka.TCP(p.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}
}

// writer gets or creates the writer for a topic
func (p *Publisher) writer(topic string) messageWriter {
	p.writersMu.RLock()
	if w, exists := p.writers[topic]; exists {
		p.writersMu.RUnlock()
		return w
	}
	p.writersMu.RUnlock()

	p.writersMu.Lock()
	defer p.writersMu.Unlock()

	// Double-check after acquiring write lock
	if w, exists := p.writers[topic]; exists {
		return w
	}

	w := p.newWriter(topic)
	p.writers[topic] = w
	p.logger.Info("created Kafka producer", "topic", topic)
	return w
}

// Encode renders ev in the configured encoding. Proto payloads are a
// google.protobuf.Struct of the event fields plus "kind".
func (p *Publisher) Encode(ev Event) ([]byte, error) {
	if p.encoding == EncodingProto {
		fields := ev.Fields()
		fields["kind"] = string(ev.Kind())
		st, err := structpb.NewStruct(fields)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "protobuf_marshal", "failed to build event struct")
		}
		data, err := proto.Marshal(st)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "protobuf_marshal", "failed to marshal event")
		}
		return data, nil
	}

	data, err := sonic.Marshal(ev)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "json_marshal", "failed to marshal event")
	}
	return data, nil
}

// Record publishes ev to its topic.
func (p *Publisher) Record(ctx context.Context, ev Event) error {
	data, err := p.Encode(ev)
	if err != nil {
		return err
	}

	topic := TopicFor(ev.Kind())
	key := ev.Key()

	return p.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, p.retryConfig, func() error {
			msg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
				Headers: []kafka.Header{
					{Key: "encoding", Value: []byte(p.encoding)},
				},
			}

			if err := p.writer(topic).WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeMessaging, "publish_event",
					"failed to publish event to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			p.logger.Debug("published event", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// Close closes all producers
func (p *Publisher) Close() error {
	p.writersMu.Lock()
	defer p.writersMu.Unlock()

	var lastErr error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			p.logger.Error("failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}

	p.writers = make(map[string]messageWriter)
	return lastErr
}
