// Package kafka streams tag value changes to a Kafka cluster for
// downstream historians and analytics consumers.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"forgeio/config"
	"forgeio/historian"
	"forgeio/logging"
)

// TagMessage is the JSON document produced per value change. The message
// key is the tag path, so per-tag ordering survives partitioning.
type TagMessage struct {
	Namespace string      `json:"namespace"`
	Path      string      `json:"path"`
	Value     interface{} `json:"value"`
	Quality   string      `json:"quality"`
	Timestamp time.Time   `json:"timestamp"`
}

// Producer maintains one cluster connection with a writer per topic.
type Producer struct {
	config    *config.KafkaConfig
	namespace string

	mu        sync.RWMutex
	writers   map[string]*kafka.Writer
	connected bool
	lastErr   error

	messagesSent  int64
	messagesError int64
}

// NewProducer creates a Kafka producer. Call Start to verify connectivity.
func NewProducer(cfg *config.KafkaConfig, namespace string) *Producer {
	return &Producer{
		config:    cfg,
		namespace: namespace,
		writers:   make(map[string]*kafka.Writer),
	}
}

// Name returns the configured cluster name.
func (p *Producer) Name() string { return p.config.Name }

// IsRunning reports whether the cluster was reachable at Start.
func (p *Producer) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// LastError returns the most recent produce or connect error.
func (p *Producer) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// Stats returns produced and failed message counts.
func (p *Producer) Stats() (sent, failed int64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError
}

// Topic returns the value-change topic, defaulting to {namespace}.tags.
func (p *Producer) Topic() string {
	if p.config.Topic != "" {
		return p.config.Topic
	}
	return p.namespace + ".tags"
}

// Start verifies connectivity by dialing the first broker.
func (p *Producer) Start() error {
	logging.DebugConnect("kafka", fmt.Sprintf("%v", p.config.Brokers))

	dialer := p.createDialer()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := dialer.DialContext(ctx, "tcp", p.config.Brokers[0])
	if err != nil {
		p.mu.Lock()
		p.lastErr = fmt.Errorf("failed to connect: %w", err)
		p.mu.Unlock()
		logging.DebugConnectError("kafka", p.config.Brokers[0], err)
		return p.lastErr
	}
	conn.Close()

	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	logging.DebugConnectSuccess("kafka", p.config.Brokers[0], p.config.Name)
	return nil
}

// Stop closes all topic writers.
func (p *Producer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for topic, writer := range p.writers {
		writer.Close()
		delete(p.writers, topic)
	}
	p.connected = false
}

// Publish produces one value-change sample, keyed by path.
func (p *Producer) Publish(s historian.Sample) error {
	msg := TagMessage{
		Namespace: p.namespace,
		Path:      s.Path,
		Value:     s.Value.Variant.Interface(),
		Quality:   s.Value.Quality.String(),
		Timestamp: s.Value.Timestamp.UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.produce(ctx, p.Topic(), []byte(s.Path), payload)
}

// produce sends one message synchronously; writer batching amortizes the
// cost across concurrent calls.
func (p *Producer) produce(ctx context.Context, topic string, key, value []byte) error {
	writer, err := p.getWriter(topic)
	if err != nil {
		return err
	}

	err = writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value, Time: time.Now()})

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.messagesError++
		p.lastErr = err
		return fmt.Errorf("kafka produce failed: %w", err)
	}
	p.messagesSent++
	p.lastErr = nil
	return nil
}

// getWriter returns or creates the writer for a topic.
func (p *Producer) getWriter(topic string) (*kafka.Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return nil, fmt.Errorf("kafka cluster %q not connected", p.config.Name)
	}
	if writer, exists := p.writers[topic]; exists {
		return writer, nil
	}

	acks := p.config.RequiredAcks
	if acks == 0 {
		acks = -1 // Default to acks=all
	}
	maxAttempts := p.config.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	writer := &kafka.Writer{
		Addr:      kafka.TCP(p.config.Brokers...),
		Topic:     topic,
		Balancer:  &kafka.LeastBytes{},
		Transport: p.createTransport(),

		RequiredAcks: kafka.RequiredAcks(acks),
		Async:        false,
		MaxAttempts:  maxAttempts,

		BatchSize:    100,
		BatchBytes:   1048576,
		BatchTimeout: 10 * time.Millisecond,

		AllowAutoTopicCreation: true,
	}
	p.writers[topic] = writer
	logging.DebugLog("kafka", "%s: created writer for topic %q", p.config.Name, topic)
	return writer, nil
}

// createDialer builds a dialer with TLS and SASL from config.
func (p *Producer) createDialer() *kafka.Dialer {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	if p.config.UseTLS {
		dialer.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if mechanism := p.saslMechanism(); mechanism != nil {
		dialer.SASLMechanism = mechanism
	}
	return dialer
}

// createTransport builds a writer transport with TLS and SASL from config.
func (p *Producer) createTransport() *kafka.Transport {
	transport := &kafka.Transport{DialTimeout: 10 * time.Second}
	if p.config.UseTLS {
		transport.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if mechanism := p.saslMechanism(); mechanism != nil {
		transport.SASL = mechanism
	}
	return transport
}

func (p *Producer) saslMechanism() sasl.Mechanism {
	if p.config.Username == "" {
		return nil
	}
	switch p.config.SASL {
	case "scram-sha-256":
		mechanism, _ := scram.Mechanism(scram.SHA256, p.config.Username, p.config.Password)
		return mechanism
	case "scram-sha-512":
		mechanism, _ := scram.Mechanism(scram.SHA512, p.config.Username, p.config.Password)
		return mechanism
	default:
		return plain.Mechanism{Username: p.config.Username, Password: p.config.Password}
	}
}
