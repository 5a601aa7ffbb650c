package kafka

import (
	"testing"

	"forgeio/config"
	"forgeio/historian"
	"forgeio/tag"
)

func TestTopicDefault(t *testing.T) {
	p := NewProducer(&config.KafkaConfig{Name: "test", Brokers: []string{"localhost:9092"}}, "plant1")
	if got := p.Topic(); got != "plant1.tags" {
		t.Errorf("Topic = %q, want plant1.tags", got)
	}

	p = NewProducer(&config.KafkaConfig{Name: "test", Topic: "custom.topic"}, "plant1")
	if got := p.Topic(); got != "custom.topic" {
		t.Errorf("Topic = %q, want custom.topic", got)
	}
}

func TestPublishNotConnected(t *testing.T) {
	p := NewProducer(&config.KafkaConfig{Name: "test", Brokers: []string{"localhost:9092"}}, "plant1")

	sample := historian.Sample{Namespace: "plant1", Path: "a", Value: tag.NewValue(tag.IntVariant(1), tag.QualityGood)}
	if err := p.Publish(sample); err == nil {
		t.Error("Publish succeeded without a connection")
	}

	_, failed := p.Stats()
	if failed != 0 {
		t.Errorf("unconnected publish counted as produce failure: %d", failed)
	}
	p.Stop()
}

func TestSASLMechanismSelection(t *testing.T) {
	t.Run("no username means no SASL", func(t *testing.T) {
		p := NewProducer(&config.KafkaConfig{}, "plant1")
		if p.saslMechanism() != nil {
			t.Error("mechanism configured without credentials")
		}
	})

	t.Run("plain by default", func(t *testing.T) {
		p := NewProducer(&config.KafkaConfig{Username: "u", Password: "p"}, "plant1")
		m := p.saslMechanism()
		if m == nil || m.Name() != "PLAIN" {
			t.Errorf("mechanism = %v", m)
		}
	})

	t.Run("scram variants", func(t *testing.T) {
		p := NewProducer(&config.KafkaConfig{Username: "u", Password: "p", SASL: "scram-sha-256"}, "plant1")
		if m := p.saslMechanism(); m == nil || m.Name() != "SCRAM-SHA-256" {
			t.Errorf("mechanism = %v", m)
		}
		p = NewProducer(&config.KafkaConfig{Username: "u", Password: "p", SASL: "scram-sha-512"}, "plant1")
		if m := p.saslMechanism(); m == nil || m.Name() != "SCRAM-SHA-512" {
			t.Errorf("mechanism = %v", m)
		}
	})
}
