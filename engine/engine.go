// Package engine assembles the data plane from configuration: tag store,
// drivers with their supervisors, the poll scheduler, the gateway, and the
// historian sinks. Frontends stay thin consumers of the Engine API.
package engine

import (
	"fmt"
	"sync"
	"time"

	"forgeio/config"
	"forgeio/driver"
	"forgeio/gateway"
	"forgeio/historian"
	"forgeio/influx"
	"forgeio/kafka"
	"forgeio/logging"
	"forgeio/mqtt"
	"forgeio/poll"
	"forgeio/supervisor"
	"forgeio/tag"
	"forgeio/valkey"
)

// LogFunc is the logging callback signature. Engine never writes to a
// terminal directly.
type LogFunc func(format string, args ...interface{})

// DefaultNamespace isolates instances that share brokers or servers.
const DefaultNamespace = "forgeio"

// indexCheckInterval is how often the store's address index is audited
// against the registry.
const indexCheckInterval = 30 * time.Second

// Config holds the parameters needed to create an Engine.
type Config struct {
	AppConfig  *config.Config
	ConfigPath string
	LogFunc    LogFunc
}

// Engine owns the data-plane components and their lifecycles.
type Engine struct {
	cfg        *config.Config
	configPath string
	logFn      LogFunc
	namespace  string

	store      *tag.Store
	supers     *supervisor.Registry
	scheduler  *poll.Scheduler
	gw         *gateway.Gateway
	dispatcher *historian.Dispatcher

	mqttPubs   []*mqtt.Publisher
	valkeyPubs []*valkey.Publisher
	kafkaProds []*kafka.Producer
	influxDBs  []*influx.Writer

	mu       sync.Mutex
	started  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates an Engine. Call Start to build and launch the components.
func New(c Config) *Engine {
	logFn := c.LogFunc
	if logFn == nil {
		logFn = func(string, ...interface{}) {}
	}
	namespace := c.AppConfig.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Engine{
		cfg:        c.AppConfig,
		configPath: c.ConfigPath,
		logFn:      logFn,
		namespace:  namespace,
		stopChan:   make(chan struct{}),
	}
}

// Store returns the tag store.
func (e *Engine) Store() *tag.Store { return e.store }

// Gateway returns the on-demand request surface.
func (e *Engine) Gateway() *gateway.Gateway { return e.gw }

// Supervisors returns the driver supervisor registry.
func (e *Engine) Supervisors() *supervisor.Registry { return e.supers }

// Historian returns the change dispatcher.
func (e *Engine) Historian() *historian.Dispatcher { return e.dispatcher }

// Start builds every component, wires the callbacks, connects the drivers,
// and registers the configured tags.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	cfg := e.cfg

	e.store = tag.NewStore()
	e.supers = supervisor.NewRegistry()
	e.store.SetDriverCheck(e.supers.Has)

	for i := range cfg.Drivers {
		dcfg := cfg.Drivers[i]
		drv, err := driver.Create(&dcfg)
		if err != nil {
			e.logFn("Driver %s: %v", dcfg.ID, err)
			logging.DebugError("engine", "create driver "+dcfg.ID, err)
			continue
		}
		e.supers.Add(supervisor.New(drv, dcfg))
	}

	e.dispatcher = historian.NewDispatcher(e.namespace, 0)
	e.startSinks()
	e.dispatcher.Start()

	e.scheduler = poll.NewScheduler(e.store, e.supers, e.dispatcher, cfg.PollRate)
	e.gw = gateway.New(e.store, e.supers)

	for _, pub := range e.mqttPubs {
		pub.SetWriteHandler(e.handleBrokerWrite)
	}

	e.supers.StartAll()
	for _, id := range e.supers.IDs() {
		if sup, ok := e.supers.Get(id); ok {
			sup.RequestConnect()
		}
	}

	for i := range cfg.Tags {
		if err := e.registerTag(cfg.Tags[i]); err != nil {
			e.logFn("Tag %s: %v", cfg.Tags[i].Path, err)
			logging.DebugError("engine", "register tag "+cfg.Tags[i].Path, err)
		}
	}

	e.wg.Add(1)
	go e.maintenanceLoop()

	e.logFn("Engine started: %d drivers, %d tags, %d sinks",
		len(e.supers.IDs()), e.store.Len(), len(e.dispatcher.Sinks()))
	return nil
}

// Stop shuts the data plane down in dependency order: the poll loop
// drains first, then driver sessions close, then sinks flush and stop.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	close(e.stopChan)
	e.wg.Wait()

	e.scheduler.Stop()
	e.supers.ShutdownAll()
	e.dispatcher.Stop()

	e.logFn("Engine stopped")
}

// startSinks creates and starts every enabled sink from config. A sink
// that fails to start is logged and skipped; the rest of the plane runs.
func (e *Engine) startSinks() {
	for i := range e.cfg.MQTT {
		mc := &e.cfg.MQTT[i]
		if !mc.Enabled {
			continue
		}
		pub := mqtt.NewPublisher(mc, e.namespace)
		if err := pub.Start(); err != nil {
			e.logFn("MQTT %s: %v", mc.Name, err)
			continue
		}
		e.mqttPubs = append(e.mqttPubs, pub)
		e.dispatcher.AddSink(pub)
	}

	for i := range e.cfg.Valkey {
		vc := &e.cfg.Valkey[i]
		if !vc.Enabled {
			continue
		}
		pub := valkey.NewPublisher(vc, e.namespace)
		if err := pub.Start(); err != nil {
			e.logFn("Valkey %s: %v", vc.Name, err)
			continue
		}
		e.valkeyPubs = append(e.valkeyPubs, pub)
		e.dispatcher.AddSink(pub)
	}

	for i := range e.cfg.Kafka {
		kc := &e.cfg.Kafka[i]
		if !kc.Enabled {
			continue
		}
		prod := kafka.NewProducer(kc, e.namespace)
		if err := prod.Start(); err != nil {
			e.logFn("Kafka %s: %v", kc.Name, err)
			continue
		}
		e.kafkaProds = append(e.kafkaProds, prod)
		e.dispatcher.AddSink(prod)
	}

	for i := range e.cfg.Influx {
		ic := &e.cfg.Influx[i]
		if !ic.Enabled {
			continue
		}
		w := influx.NewWriter(ic, e.namespace)
		if err := w.Start(); err != nil {
			e.logFn("Influx %s: %v", ic.Name, err)
			continue
		}
		e.influxDBs = append(e.influxDBs, w)
		e.dispatcher.AddSink(w)
	}
}

// registerTag adds one configured tag to the store and its polling group.
// The poll rate falls back from tag to driver to the global default.
func (e *Engine) registerTag(tc config.TagConfig) error {
	rate := tc.PollRate
	if rate <= 0 {
		if dcfg := e.cfg.FindDriver(tc.DriverID); dcfg != nil {
			rate = dcfg.PollRate
		}
	}

	meta := make([]tag.Attribute, 0, len(tc.Metadata))
	for _, a := range tc.Metadata {
		meta = append(meta, tag.Attribute{Key: a.Key, Value: a.Value})
	}

	t := tag.Tag{
		Path:          tc.Path,
		DriverID:      tc.DriverID,
		DriverAddress: tc.Address,
		PollRate:      rate,
		Metadata:      meta,
	}
	if err := e.store.Register(t); err != nil {
		return err
	}
	e.scheduler.AddTag(tc.Path)
	return nil
}

// maintenanceLoop audits the address index and publishes driver health.
func (e *Engine) maintenanceLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(indexCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			if err := e.store.CheckIndex(); err != nil {
				// The index is a derived cache; rebuild rather than
				// serve wrong resolutions.
				e.logFn("Address index inconsistent, rebuilding: %v", err)
				logging.DebugError("engine", "index check", err)
				changed := e.store.RebuildIndex()
				logging.DebugLog("engine", "index rebuilt, %d entries changed", changed)
			}
			e.publishHealth()
		}
	}
}

// publishHealth mirrors every driver's connection state into Valkey.
func (e *Engine) publishHealth() {
	if len(e.valkeyPubs) == 0 {
		return
	}
	for _, id := range e.supers.IDs() {
		sup, ok := e.supers.Get(id)
		if !ok {
			continue
		}
		state := sup.State()
		errMsg := ""
		if err := sup.LastError(); err != nil {
			errMsg = err.Error()
		}
		info := sup.Driver().Info()
		for _, pub := range e.valkeyPubs {
			if err := pub.PublishHealth(id, info.Protocol, state.Ready(), state.String(), errMsg); err != nil {
				logging.DebugError("engine", "health publish "+id, err)
			}
		}
	}
}

// handleBrokerWrite converts a JSON payload value into a variant of the
// tag's pinned kind and routes it through the gateway write path.
func (e *Engine) handleBrokerWrite(path string, value interface{}) error {
	kind, ok := e.store.Kind(path)
	if !ok {
		return fmt.Errorf("tag not found: %s", path)
	}
	v, err := variantFromJSON(value, kind)
	if err != nil {
		return err
	}
	return e.gw.Write(path, v)
}
