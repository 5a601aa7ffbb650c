// Package mqtt publishes tag value changes to an MQTT broker and accepts
// write requests back from it.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"forgeio/config"
	"forgeio/historian"
	"forgeio/logging"
)

// WriteHandler executes a write request against a tag path. The value is
// the decoded JSON payload value (float64, bool, or string).
type WriteHandler func(path string, value interface{}) error

// MaxWriteWorkers is the number of concurrent write goroutines per publisher.
const MaxWriteWorkers = 5

// MaxWriteQueueSize bounds pending write jobs per publisher.
const MaxWriteQueueSize = 100

// writeJob is one pending write request.
type writeJob struct {
	client pahomqtt.Client
	path   string
	value  interface{}
	err    error // Pre-resolved failure; skip the handler
}

// TagMessage is the JSON document published per value change.
type TagMessage struct {
	Namespace string      `json:"namespace"`
	Path      string      `json:"path"`
	Value     interface{} `json:"value"`
	Quality   string      `json:"quality"`
	Timestamp string      `json:"timestamp"`
}

// WriteRequest is the JSON document expected on the write topic.
type WriteRequest struct {
	Path  string      `json:"path"`
	Value interface{} `json:"value"`
}

// WriteResponse is the JSON document published after a write attempt.
type WriteResponse struct {
	Path      string      `json:"path"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// Publisher maintains one broker connection.
type Publisher struct {
	config    *config.MQTTConfig
	namespace string

	mu      sync.RWMutex
	client  pahomqtt.Client
	running bool

	writeHandler WriteHandler
	writeQueue   chan writeJob
	stopChan     chan struct{}
	wg           sync.WaitGroup
}

// NewPublisher creates an MQTT publisher. Call Start to connect.
func NewPublisher(cfg *config.MQTTConfig, namespace string) *Publisher {
	return &Publisher{
		config:     cfg,
		namespace:  namespace,
		writeQueue: make(chan writeJob, MaxWriteQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// Name returns the configured publisher name.
func (p *Publisher) Name() string { return p.config.Name }

// IsRunning reports whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// SetWriteHandler installs the callback that executes write requests.
func (p *Publisher) SetWriteHandler(h WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = h
}

// Address returns the broker URL.
func (p *Publisher) Address() string {
	scheme := "tcp"
	if p.config.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.config.Broker, p.config.Port)
}

// Start connects to the broker and subscribes the write topic. Build and
// connect happen outside the lock so a slow broker never blocks readers.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	client := pahomqtt.NewClient(opts)
	logging.DebugConnect("mqtt", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logging.DebugConnectError("mqtt", p.Address(), fmt.Errorf("connection timeout"))
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		logging.DebugConnectError("mqtt", p.Address(), token.Error())
		return token.Error()
	}
	logging.DebugConnectSuccess("mqtt", p.Address(), p.config.Name)

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	// Workers hold their channels for life; Stop replaces the fields for
	// a later Start, so they must never re-read them.
	stop := p.stopChan
	queue := p.writeQueue
	p.mu.Unlock()

	for i := 0; i < MaxWriteWorkers; i++ {
		p.wg.Add(1)
		go p.writeWorker(stop, queue)
	}
	p.subscribeWriteTopic()

	return nil
}

// Stop disconnects and halts the write workers.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil

	oldStop := p.stopChan
	p.stopChan = make(chan struct{})
	p.writeQueue = make(chan writeJob, MaxWriteQueueSize)
	p.mu.Unlock()

	close(oldStop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logging.DebugLog("mqtt", "%s: timeout waiting for write workers", p.config.Name)
	}

	client.Disconnect(500)
}

// topicFor builds the value topic for a path.
func (p *Publisher) topicFor(path string) string {
	return fmt.Sprintf("%s/tags/%s", p.namespace, path)
}

// Publish sends one value-change sample to the broker, retained at QoS 1.
func (p *Publisher) Publish(s historian.Sample) error {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()
	if !running || client == nil {
		return nil
	}

	msg := TagMessage{
		Namespace: p.namespace,
		Path:      s.Path,
		Value:     s.Value.Variant.Interface(),
		Quality:   s.Value.Quality.String(),
		Timestamp: s.Value.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	token := client.Publish(p.topicFor(s.Path), 1, true, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout: %s", s.Path)
	}
	return token.Error()
}

// subscribeWriteTopic subscribes {namespace}/write for inbound requests.
func (p *Publisher) subscribeWriteTopic() {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return
	}

	topic := fmt.Sprintf("%s/write", p.namespace)
	token := client.Subscribe(topic, 1, p.handleWriteMessage)
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		logging.DebugError("mqtt", "subscribe "+topic, token.Error())
		return
	}
	logging.DebugLog("mqtt", "%s: subscribed to %s", p.config.Name, topic)
}

// handleWriteMessage queues an inbound write request. Overflow is rejected
// immediately so the broker callback never blocks.
func (p *Publisher) handleWriteMessage(client pahomqtt.Client, msg pahomqtt.Message) {
	var req WriteRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		if !p.queueJob(writeJob{client: client, err: fmt.Errorf("invalid JSON: %v", err)}) {
			logging.DebugLog("mqtt", "%s: write queue full, dropping response", p.config.Name)
		}
		return
	}
	if req.Path == "" {
		if !p.queueJob(writeJob{client: client, err: fmt.Errorf("missing tag path")}) {
			logging.DebugLog("mqtt", "%s: write queue full, dropping response", p.config.Name)
		}
		return
	}

	if !p.queueJob(writeJob{client: client, path: req.Path, value: req.Value}) {
		logging.DebugLog("mqtt", "%s: write queue full, rejecting %s", p.config.Name, req.Path)
		go p.publishWriteResponse(client, req.Path, req.Value, fmt.Errorf("write queue full, try again later"))
	}
}

// queueJob hands a job to the workers without blocking the broker
// callback. Returns false when the publisher is stopped or the queue is
// full.
func (p *Publisher) queueJob(job writeJob) bool {
	p.mu.RLock()
	running := p.running
	queue := p.writeQueue
	p.mu.RUnlock()
	if !running {
		return false
	}
	select {
	case queue <- job:
		return true
	default:
		return false
	}
}

// writeWorker executes queued write requests. stop and queue are the
// channels current at worker start; see Start.
func (p *Publisher) writeWorker(stop <-chan struct{}, queue <-chan writeJob) {
	defer p.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job, ok := <-queue:
			if !ok {
				return
			}
			err := job.err
			if err == nil {
				p.mu.RLock()
				handler := p.writeHandler
				p.mu.RUnlock()
				if handler == nil {
					err = fmt.Errorf("no write handler configured")
				} else {
					err = handler(job.path, job.value)
				}
			}
			p.publishWriteResponse(job.client, job.path, job.value, err)
		}
	}
}

// publishWriteResponse reports the outcome of a write request.
func (p *Publisher) publishWriteResponse(client pahomqtt.Client, path string, value interface{}, err error) {
	resp := WriteResponse{
		Path:      path,
		Value:     value,
		Success:   err == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp.Error = err.Error()
	}

	payload, _ := json.Marshal(resp)
	topic := fmt.Sprintf("%s/write/response", p.namespace)
	token := client.Publish(topic, 1, false, payload)
	token.WaitTimeout(2 * time.Second)
}
