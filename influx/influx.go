// Package influx records tag value changes into InfluxDB v2 as time
// series points. Writes are non-blocking; the client batches and flushes
// in the background.
package influx

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"forgeio/config"
	"forgeio/historian"
	"forgeio/logging"
	"forgeio/tag"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second
)

// Writer is the InfluxDB historian sink.
type Writer struct {
	config    *config.InfluxConfig
	namespace string

	mu        sync.RWMutex
	client    influxdb2.Client
	writeAPI  api.WriteAPI
	connected bool
}

// NewWriter creates an InfluxDB writer. Call Start to connect.
func NewWriter(cfg *config.InfluxConfig, namespace string) *Writer {
	return &Writer{config: cfg, namespace: namespace}
}

// Name returns the configured writer name.
func (w *Writer) Name() string { return w.config.Name }

// IsRunning reports whether the writer is connected.
func (w *Writer) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

// Start connects, verifies the server with a ping, and configures the
// non-blocking write API.
func (w *Writer) Start() error {
	w.mu.RLock()
	if w.connected {
		w.mu.RUnlock()
		return nil
	}
	w.mu.RUnlock()

	batchSize := w.config.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := w.config.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	client := influxdb2.NewClientWithOptions(
		w.config.URL,
		w.config.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*1000),
	)

	logging.DebugConnect("influx", w.config.URL)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		logging.DebugConnectError("influx", w.config.URL, err)
		return fmt.Errorf("influxdb ping failed: %w", err)
	}
	if !healthy {
		client.Close()
		return fmt.Errorf("influxdb server not healthy: %s", w.config.URL)
	}
	logging.DebugConnectSuccess("influx", w.config.URL, w.config.Name)

	writeAPI := client.WriteAPI(w.config.Org, w.config.Bucket)

	w.mu.Lock()
	w.client = client
	w.writeAPI = writeAPI
	w.connected = true
	w.mu.Unlock()

	// Async writes surface errors on a channel, not at the call site.
	go func() {
		for err := range writeAPI.Errors() {
			logging.DebugError("influx", w.config.Name, err)
		}
	}()

	return nil
}

// Stop flushes pending points and closes the client.
func (w *Writer) Stop() {
	w.mu.Lock()
	if !w.connected {
		w.mu.Unlock()
		return
	}
	w.connected = false
	client := w.client
	writeAPI := w.writeAPI
	w.client = nil
	w.writeAPI = nil
	w.mu.Unlock()

	writeAPI.Flush()
	client.Close()
}

// Publish records one value-change sample. Only numeric and boolean
// variants become field values; text goes in as a string field. Quality is
// always recorded so downstream queries can exclude Bad/Stale spans.
func (w *Writer) Publish(s historian.Sample) error {
	w.mu.RLock()
	writeAPI := w.writeAPI
	connected := w.connected
	w.mu.RUnlock()
	if !connected || writeAPI == nil {
		return nil
	}

	fields := map[string]interface{}{
		"quality": s.Value.Quality.String(),
	}
	switch s.Value.Variant.Kind() {
	case tag.KindInt:
		v, _ := s.Value.Variant.Int()
		fields["value"] = v
	case tag.KindFloat:
		v, _ := s.Value.Variant.Float()
		fields["value"] = v
	case tag.KindBool:
		v, _ := s.Value.Variant.Bool()
		fields["value"] = v
	case tag.KindText:
		v, _ := s.Value.Variant.Text()
		fields["value"] = v
	}

	point := write.NewPoint(
		"tag_values",
		map[string]string{
			"namespace": s.Namespace,
			"path":      s.Path,
		},
		fields,
		s.Value.Timestamp,
	)
	writeAPI.WritePoint(point)
	return nil
}

// Flush forces pending points out. Useful before shutdown and in tests.
func (w *Writer) Flush() {
	w.mu.RLock()
	writeAPI := w.writeAPI
	connected := w.connected
	w.mu.RUnlock()
	if connected && writeAPI != nil {
		writeAPI.Flush()
	}
}
