// Package valkey mirrors the live tag image into a Valkey/Redis server.
// Each tag lives under its own key; changes can additionally fan out over
// Pub/Sub for subscribers that want a stream instead of a snapshot.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"forgeio/config"
	"forgeio/historian"
	"forgeio/logging"
)

// joinKey joins key segments with colons, trimming stray colons from each
// segment so no empty parts appear.
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// TagMessage is the JSON document stored per tag key.
type TagMessage struct {
	Namespace string      `json:"namespace"`
	Path      string      `json:"path"`
	Value     interface{} `json:"value"`
	Quality   string      `json:"quality"`
	Timestamp time.Time   `json:"timestamp"`
}

// HealthMessage is the JSON document stored per driver health key.
type HealthMessage struct {
	Namespace string    `json:"namespace"`
	Driver    string    `json:"driver"`
	Protocol  string    `json:"protocol"`
	Online    bool      `json:"online"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher maintains one Valkey connection.
type Publisher struct {
	config    *config.ValkeyConfig
	namespace string

	mu      sync.RWMutex
	client  *redis.Client
	running bool
}

// NewPublisher creates a Valkey publisher. Call Start to connect.
func NewPublisher(cfg *config.ValkeyConfig, namespace string) *Publisher {
	return &Publisher{config: cfg, namespace: namespace}
}

// Name returns the configured publisher name.
func (p *Publisher) Name() string { return p.config.Name }

// IsRunning reports whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Address returns the server URL.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

// Start connects and pings the server. Connection setup runs outside the
// lock.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)
	logging.DebugConnect("valkey", p.Address())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logging.DebugConnectError("valkey", p.Address(), err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}
	logging.DebugConnectSuccess("valkey", p.Address(), p.config.Name)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
	return nil
}

// Stop disconnects from the server.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client != nil {
		client.Close()
	}
}

// Publish stores one value-change sample under {namespace}:tags:{path} and
// optionally announces it on the changes channel.
func (p *Publisher) Publish(s historian.Sample) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	cfg := p.config
	p.mu.RUnlock()

	msg := TagMessage{
		Namespace: p.namespace,
		Path:      s.Path,
		Value:     s.Value.Variant.Interface(),
		Quality:   s.Value.Quality.String(),
		Timestamp: s.Value.Timestamp.UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal tag value: %w", err)
	}

	key := joinKey(p.namespace, "tags", s.Path)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Set(ctx, key, data, cfg.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}

	if cfg.PublishChanges {
		channel := joinKey(p.namespace, "changes")
		client.Publish(ctx, channel, data)
	}
	return nil
}

// PublishHealth stores a driver's connection status under
// {namespace}:drivers:{id}:health.
func (p *Publisher) PublishHealth(driverID, protocol string, online bool, status, errMsg string) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	cfg := p.config
	p.mu.RUnlock()

	msg := HealthMessage{
		Namespace: p.namespace,
		Driver:    driverID,
		Protocol:  protocol,
		Online:    online,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal health status: %w", err)
	}

	key := joinKey(p.namespace, "drivers", driverID, "health")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Set(ctx, key, data, cfg.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set health key: %w", err)
	}
	if cfg.PublishChanges {
		channel := joinKey(p.namespace, "drivers", driverID, "health")
		client.Publish(ctx, channel, data)
	}
	return nil
}
