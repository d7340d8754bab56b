package zwave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/zway-bridge/internal/infrastructure/metrics"
	"github.com/nerrad567/zway-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/zway-bridge/internal/zway"
)

// Bridge operation constants.
const (
	// defaultCommandTimeout bounds the commands issued for one update.
	defaultCommandTimeout = 10 * time.Second

	// setQoS is the subscription QoS for set topics.
	setQoS = 1
)

// MQTTClient is the interface for MQTT operations.
// It is satisfied by *mqtt.Client.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error
	IsConnected() bool
}

// Controller is the controller-side client. It is satisfied by *zway.Client.
type Controller interface {
	AddListener(l zway.Listener)
	State() zway.State
	Epoch() uint64
	Device(id string) (*zway.Device, bool)
	Devices() []*zway.Device
}

// Telemetry records numeric history. It is satisfied by *influxdb.Client.
type Telemetry interface {
	WriteProperty(deviceID, key, name string, value float64)
	WriteConnectionState(state string, epoch uint64, devices int)
}

// UpdateObserver counts update requests by result.
// It is satisfied by *metrics.Collector.
type UpdateObserver interface {
	ObserveUpdate(result string)
}

// Logger is the logging interface used by the bridge.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options holds configuration for creating a bridge.
type Options struct {
	MQTT       MQTTClient
	Controller Controller

	// Topics defines the topic layout. The zero value uses the "zwave" prefix.
	Topics mqtt.Topics

	// QoS is used for device and status publications.
	QoS byte

	// Version is reported in the online status and health messages.
	Version string

	// CommandTimeout bounds each update. Default: 10 seconds.
	CommandTimeout time.Duration

	// HealthInterval is the health publication period. Zero disables
	// periodic health reports.
	HealthInterval time.Duration

	// Telemetry and Metrics are optional.
	Telemetry Telemetry
	Metrics   UpdateObserver

	Logger Logger
}

// Bridge mirrors the controller's devices onto MQTT and applies updates
// received on set topics.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	zway.NopListener

	mqtt       MQTTClient
	controller Controller
	topics     mqtt.Topics
	qos        byte
	version    string
	timeout    time.Duration
	telemetry  Telemetry
	metrics    UpdateObserver
	health     *HealthReporter
	reporting  bool
	logger     Logger

	// publishMu serialises status and snapshot publication so a resync
	// cannot interleave with a state change.
	publishMu sync.Mutex

	// Shutdown coordination
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc
}

// NewBridge creates a bridge and registers it as a controller listener.
// Register it before the controller starts running. Call Start to subscribe.
func NewBridge(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}

	timeout := opts.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &Bridge{
		mqtt:       opts.MQTT,
		controller: opts.Controller,
		topics:     opts.Topics,
		qos:        opts.QoS,
		version:    opts.Version,
		timeout:    timeout,
		telemetry:  opts.Telemetry,
		metrics:    opts.Metrics,
		reporting:  opts.HealthInterval > 0,
		logger:     opts.Logger,
		ctx:        ctx,
		ctxCancel:  cancel,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		Version:    opts.Version,
		Interval:   opts.HealthInterval,
		Topic:      opts.Topics.Health(),
		Publisher:  opts.MQTT,
		Controller: opts.Controller,
		Logger:     opts.Logger,
	})

	opts.Controller.AddListener(b)
	return b, nil
}

// Start subscribes to set topics, publishes the current status and starts
// health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if b.reporting {
		if err := b.health.PublishStarting(); err != nil {
			b.logWarn("failed to publish starting status", "error", err)
		}
	}

	topic := b.topics.AllDeviceSets()
	if err := b.mqtt.Subscribe(topic, setQoS, b.handleSet); err != nil {
		return fmt.Errorf("subscribe to updates: %w", err)
	}
	b.logInfo("subscribed to updates", "topic", topic)

	b.Resync()

	if b.reporting {
		b.health.Start(ctx)
	}

	b.logInfo("bridge started", "prefix", b.topics.Device(""))
	return nil
}

// Stop cancels in-flight updates and waits for them to finish.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.ctxCancel()
		if b.reporting {
			b.health.Stop()
		}
		b.wg.Wait()
		b.logInfo("bridge stopped")
	})
}

// Health returns the current health report.
func (b *Bridge) Health() HealthMessage {
	return b.health.Current()
}

// Resync publishes the online status and, when the controller is
// connected, every device snapshot. Call it after the broker connection is
// restored.
func (b *Bridge) Resync() {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	online := b.controller.State() == zway.StateConnected
	b.publishStatusLocked(online)
	if online {
		for _, d := range b.controller.Devices() {
			b.publishDeviceLocked(d)
		}
	}
}

// Apply applies an update to a device and waits for the commands to finish.
// It is the shared path for MQTT set messages and the HTTP API.
func (b *Bridge) Apply(ctx context.Context, id string, update map[string]any) error {
	if b.ctx.Err() != nil {
		b.observe(metrics.ResultRejected)
		return ErrStopped
	}

	d, ok := b.controller.Device(id)
	if !ok {
		b.observe(metrics.ResultUnknown)
		return fmt.Errorf("%w: %s", zway.ErrUnknownDevice, id)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if err := d.ApplyUpdate(ctx, update); err != nil {
		if errors.Is(err, zway.ErrInvalidValue) {
			b.observe(metrics.ResultInvalid)
		} else {
			b.observe(metrics.ResultFailed)
		}
		return err
	}
	b.observe(metrics.ResultOK)
	return nil
}

// =============================================================================
// zway.Listener
// =============================================================================

// OnDevice publishes a newly discovered device.
func (b *Bridge) OnDevice(d *zway.Device) {
	b.logInfo("device discovered", "id", d.ID())
	b.publishMu.Lock()
	b.publishDeviceLocked(d)
	b.publishMu.Unlock()
}

// OnChange republishes the device and records numeric values.
func (b *Bridge) OnChange(d *zway.Device, key string) {
	b.publishMu.Lock()
	b.publishDeviceLocked(d)
	b.publishMu.Unlock()

	if b.telemetry == nil {
		return
	}
	p, ok := d.Property(key)
	if !ok {
		return
	}
	if v, ok := numeric(p.Value); ok {
		b.telemetry.WriteProperty(d.ID(), p.Key, p.Name, v)
	}
}

// OnStateChange publishes the online status. Entering Connected also
// republishes every device, since changes applied while reconnecting were
// not forwarded.
func (b *Bridge) OnStateChange(from, to zway.State) {
	if b.telemetry != nil {
		b.telemetry.WriteConnectionState(to.String(), b.controller.Epoch(), len(b.controller.Devices()))
	}

	switch {
	case to == zway.StateConnected:
		b.Resync()
	case from == zway.StateConnected:
		b.publishMu.Lock()
		b.publishStatusLocked(false)
		b.publishMu.Unlock()
	}

	if b.reporting {
		if err := b.health.PublishNow(); err != nil {
			b.logDebug("failed to publish health", "error", err)
		}
	}
}

// =============================================================================
// MQTT handling
// =============================================================================

// handleSet accepts an update from {prefix}/{id}/set. The update runs on a
// bridge goroutine so the MQTT client's delivery goroutine is never blocked
// on the controller.
func (b *Bridge) handleSet(topic string, payload []byte) error {
	id, ok := b.topics.ParseDeviceSet(topic)
	if !ok {
		b.logDebug("ignoring message", "topic", topic)
		return nil
	}

	update, err := ParseUpdate(payload)
	if err != nil {
		b.observe(metrics.ResultInvalid)
		b.logWarn("invalid update payload", "topic", topic, "error", err)
		return nil
	}

	if b.ctx.Err() != nil {
		b.observe(metrics.ResultRejected)
		return nil
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.Apply(b.ctx, id, update); err != nil {
			b.logWarn("update failed", "id", id, "error", err)
		}
	}()
	return nil
}

func (b *Bridge) publishStatusLocked(online bool) {
	payload := mqtt.OfflinePayload()
	if online {
		payload = mqtt.OnlinePayload(b.version)
	}
	if err := b.mqtt.Publish(b.topics.State(), payload, b.qos, true); err != nil {
		b.logWarn("failed to publish status", "online", online, "error", err)
	}
}

func (b *Bridge) publishDeviceLocked(d *zway.Device) {
	payload, err := json.Marshal(d)
	if err != nil {
		b.logWarn("failed to encode device", "id", d.ID(), "error", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.Device(d.ID()), payload, b.qos, true); err != nil {
		b.logWarn("failed to publish device", "id", d.ID(), "error", err)
	}
}

func (b *Bridge) observe(result string) {
	if b.metrics != nil {
		b.metrics.ObserveUpdate(result)
	}
}

// numeric reports whether v is a number suitable for telemetry.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// =============================================================================
// Logging helpers
// =============================================================================

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Warn(msg, keysAndValues...)
	}
}

// Compile-time interface checks.
var (
	_ zway.Listener = (*Bridge)(nil)
	_ MQTTClient    = (*mqtt.Client)(nil)
	_ Controller    = (*zway.Client)(nil)
)
