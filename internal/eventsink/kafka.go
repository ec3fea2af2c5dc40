// Package eventsink optionally mirrors TaskCompleted and StatusChanged
// events onto an external Kafka topic, for downstream dashboards that
// don't want to poll the HTTP API's SSE stream. Disabled by default —
// this is a collaborator, not a core dependency of the pipeline, so its
// absence or failure never blocks task execution. Grounded on
// internal/sinks/kafka_sink.go's sarama.AsyncProducer setup (SASL/SCRAM,
// compression, producer config), trimmed to what an optional event
// mirror needs: no internal retry queue or circuit breaker, since a
// dropped mirrored event costs nothing the orchestrator's own state
// doesn't already have.
package eventsink

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dbmplus/dbmorc/pkg/eventbus"
	"github.com/dbmplus/dbmorc/pkg/types"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// KafkaMirror publishes a subset of the event bus to a Kafka topic.
type KafkaMirror struct {
	logger   *logrus.Logger
	producer sarama.AsyncProducer
	topic    string

	unsubscribe func()
}

// NewKafkaMirror connects a producer per cfg and returns nil, nil if
// cfg.Enabled is false.
func NewKafkaMirror(cfg types.KafkaEventsConfig, logger *logrus.Logger) (*KafkaMirror, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("eventsink: kafka mirror enabled but brokers/topic not configured")
	}

	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.Return.Successes = false
	saramaCfg.Producer.Return.Errors = true
	saramaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	saramaCfg.Producer.Compression = sarama.CompressionSnappy

	if cfg.SASL.Enabled {
		saramaCfg.Net.SASL.Enable = true
		saramaCfg.Net.SASL.User = cfg.SASL.Username
		saramaCfg.Net.SASL.Password = cfg.SASL.Password

		switch strings.ToUpper(cfg.SASL.Mechanism) {
		case "SCRAM-SHA-256":
			saramaCfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			saramaCfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &xdgSCRAMClient{HashGeneratorFcn: sha256Generator}
			}
		case "SCRAM-SHA-512":
			saramaCfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			saramaCfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &xdgSCRAMClient{HashGeneratorFcn: sha512Generator}
			}
		default:
			saramaCfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("eventsink: failed to create kafka producer: %w", err)
	}

	m := &KafkaMirror{logger: logger, producer: producer, topic: cfg.Topic}
	go m.drainErrors()
	return m, nil
}

func (m *KafkaMirror) drainErrors() {
	for err := range m.producer.Errors() {
		m.logger.WithError(err).Warn("eventsink: kafka publish failed")
	}
}

// Attach subscribes the mirror to TaskCompleted and StatusChanged events.
func (m *KafkaMirror) Attach(bus *eventbus.Bus) {
	m.unsubscribe = bus.Subscribe("eventsink.kafka", func(ev eventbus.Event) {
		if ev.Type != eventbus.TaskCompleted && ev.Type != eventbus.StatusChanged {
			return
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		m.producer.Input() <- &sarama.ProducerMessage{
			Topic: m.topic,
			Value: sarama.ByteEncoder(data),
		}
	})
}

// Close detaches from the bus and closes the producer.
func (m *KafkaMirror) Close() error {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	return m.producer.Close()
}
