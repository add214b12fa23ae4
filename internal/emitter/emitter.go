// Package emitter publishes capture pipeline telemetry to an MQTT broker.
//
// Payloads are msgpack-encoded snapshots. Emission is fire-and-forget from
// the caller's point of view: Emit enqueues onto an internal channel and a
// single publisher goroutine does the broker I/O, so a slow or disconnected
// broker can never stall the capture path. A full queue drops the snapshot
// and counts it.
package emitter

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	queueSize      = 64
)

// StatsPayload is the wire shape of a performance-stats snapshot.
type StatsPayload struct {
	InstanceID  string    `msgpack:"instance_id"`
	At          time.Time `msgpack:"at"`
	State       string    `msgpack:"state"`
	Captured    uint64    `msgpack:"captured"`
	Displayed   uint64    `msgpack:"displayed"`
	Dropped     uint64    `msgpack:"dropped"`
	CaptureErrs uint64    `msgpack:"capture_errs"`
	MeasuredFPS float64   `msgpack:"measured_fps"`
	MemoryMB    float64   `msgpack:"memory_mb"`
}

// ErrorPayload is the wire shape of a capture-error notification.
type ErrorPayload struct {
	InstanceID string    `msgpack:"instance_id"`
	At         time.Time `msgpack:"at"`
	Op         string    `msgpack:"op"`
	Message    string    `msgpack:"message"`
}

// Stats holds emitter counters.
type Stats struct {
	Connected bool
	Published uint64
	Dropped   uint64
	Errors    uint64
}

// Emitter publishes telemetry snapshots over MQTT.
type Emitter struct {
	broker   string
	clientID string
	topic    string
	qos      byte

	client mqtt.Client

	queue chan message
	done  chan struct{}

	mu        sync.RWMutex
	connected bool

	published uint64 // atomic
	dropped   uint64 // atomic
	errors    uint64 // atomic

	closeOnce sync.Once
}

type message struct {
	subtopic string
	payload  []byte
}

// New creates an emitter. No connection is made until Connect.
func New(broker, clientID, topic string, qos byte) (*Emitter, error) {
	if broker == "" {
		return nil, fmt.Errorf("emitter: empty broker address")
	}
	if topic == "" {
		return nil, fmt.Errorf("emitter: empty topic")
	}
	return &Emitter{
		broker:   broker,
		clientID: clientID,
		topic:    topic,
		qos:      qos,
		queue:    make(chan message, queueSize),
		done:     make(chan struct{}),
	}, nil
}

// Connect establishes the broker connection and starts the publisher
// goroutine. Auto-reconnect keeps the session alive after drops.
func (e *Emitter) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.broker)
	opts.SetClientID(e.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		slog.Info("emitter: mqtt connection established", "broker", e.broker, "client_id", e.clientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("emitter: mqtt connection lost, will auto-reconnect", "error", err, "broker", e.broker)
	}

	e.client = mqtt.NewClient(opts)

	token := e.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("emitter: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}
	e.setConnected(true)

	go e.publishLoop()
	return nil
}

// EmitStats enqueues a performance snapshot. Never blocks.
func (e *Emitter) EmitStats(p StatsPayload) {
	e.emit("stats", p)
}

// EmitError enqueues a capture-error notification. Never blocks.
func (e *Emitter) EmitError(p ErrorPayload) {
	e.emit("errors", p)
}

func (e *Emitter) emit(subtopic string, v any) {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		atomic.AddUint64(&e.errors, 1)
		slog.Warn("emitter: payload encode failed", "error", err)
		return
	}

	select {
	case e.queue <- message{subtopic: subtopic, payload: payload}:
	default:
		atomic.AddUint64(&e.dropped, 1)
	}
}

// publishLoop drains the queue onto the broker until Close.
func (e *Emitter) publishLoop() {
	for {
		select {
		case <-e.done:
			return
		case msg := <-e.queue:
			e.publish(msg)
		}
	}
}

func (e *Emitter) publish(msg message) {
	if !e.isConnected() {
		atomic.AddUint64(&e.dropped, 1)
		return
	}

	topic := fmt.Sprintf("%s/%s", e.topic, msg.subtopic)
	token := e.client.Publish(topic, e.qos, false, msg.payload)
	if !token.WaitTimeout(publishTimeout) {
		atomic.AddUint64(&e.errors, 1)
		slog.Warn("emitter: publish timeout", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		atomic.AddUint64(&e.errors, 1)
		slog.Warn("emitter: publish failed", "topic", topic, "error", err)
		return
	}

	atomic.AddUint64(&e.published, 1)
	slog.Debug("emitter: snapshot published", "topic", topic, "size", len(msg.payload))
}

// Close stops the publisher and disconnects. Idempotent.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		if e.client != nil && e.client.IsConnected() {
			e.client.Disconnect(250) // ms grace period
			slog.Info("emitter: mqtt disconnected")
		}
		e.setConnected(false)
	})
}

// Stats returns a counter snapshot.
func (e *Emitter) Stats() Stats {
	return Stats{
		Connected: e.isConnected(),
		Published: atomic.LoadUint64(&e.published),
		Dropped:   atomic.LoadUint64(&e.dropped),
		Errors:    atomic.LoadUint64(&e.errors),
	}
}

func (e *Emitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *Emitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}
