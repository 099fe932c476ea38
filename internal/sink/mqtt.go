package sink

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/jetvision/agent/internal/buffer"
	"github.com/jetvision/agent/internal/config"
	"github.com/jetvision/agent/internal/models"
)

const publishTimeout = 2 * time.Second

// publisher is the part of mqtt.Client the sink uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// spool keeps messages while the broker is unreachable.
type spool interface {
	Store(topic string, payload []byte) error
	RetrieveAll() ([]buffer.Entry, error)
}

// MQTT publishes detection metadata and metrics as msgpack to
// <prefix>/detections and <prefix>/metrics. While the broker is unreachable
// messages are spooled to disk and replayed on reconnect.
type MQTT struct {
	cfg    config.MQTTConfig
	client mqtt.Client
	pub    publisher
	spool  spool
	logger *zap.Logger

	box       *mailbox
	connected atomic.Bool
	flushMu   sync.Mutex
	published atomic.Uint64
	spooled   atomic.Uint64

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewMQTT connects to the broker in cfg. The initial connection is retried
// in the background, so an absent broker is not an error; spool may be nil.
func NewMQTT(ctx context.Context, cfg config.MQTTConfig, sp *buffer.Buffer, logger *zap.Logger) (*MQTT, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := newMQTT(cfg, nil, logger)
	if sp != nil {
		m.spool = sp
	}

	clientID := cfg.ClientID
	if clientID == "" {
		host, _ := os.Hostname()
		clientID = "jetvision-" + host
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg.Broker))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		m.connected.Store(true)
		m.logger.Info("MQTT connection established",
			zap.String("broker", cfg.Broker),
			zap.String("client_id", clientID))
		go m.flush()
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.connected.Store(false)
		m.logger.Warn("MQTT connection lost, will auto-reconnect",
			zap.String("broker", cfg.Broker),
			zap.Error(err))
	}

	m.client = mqtt.NewClient(opts)
	m.pub = m.client

	token := m.client.Connect()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-token.Done():
		if err := token.Error(); err != nil {
			return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
		}
	case <-time.After(5 * time.Second):
		m.logger.Warn("MQTT broker not reachable yet, spooling until connected",
			zap.String("broker", cfg.Broker))
	}

	m.start()
	return m, nil
}

func newMQTT(cfg config.MQTTConfig, pub publisher, logger *zap.Logger) *MQTT {
	return &MQTT{
		cfg:    cfg,
		pub:    pub,
		logger: logger.Named("mqtt"),
		box:    newMailbox(16),
		done:   make(chan struct{}),
	}
}

func (m *MQTT) start() {
	m.wg.Add(1)
	go m.run()
}

func brokerURL(broker string) string {
	for _, scheme := range []string{"tcp://", "ssl://", "ws://", "wss://", "mqtt://", "mqtts://"} {
		if len(broker) >= len(scheme) && broker[:len(scheme)] == scheme {
			return broker
		}
	}
	return "tcp://" + broker
}

// Publish queues u for the broker.
func (m *MQTT) Publish(u models.Update) {
	m.box.offer(u)
}

func (m *MQTT) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case u := <-m.box.ch:
			m.deliver(u)
		}
	}
}

func (m *MQTT) deliver(u models.Update) {
	if msg := NewDetectionMessage(u); msg != nil {
		m.send(m.cfg.TopicPrefix+"/detections", msg)
	}
	if u.Metrics != nil {
		m.send(m.cfg.TopicPrefix+"/metrics", u.Metrics)
	}
}

func (m *MQTT) send(topic string, v interface{}) {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		m.logger.Warn("Cannot encode message", zap.String("topic", topic), zap.Error(err))
		return
	}
	if err := m.write(topic, payload); err != nil {
		m.store(topic, payload, err)
	}
}

// write publishes one payload, waiting briefly for the broker to accept it.
func (m *MQTT) write(topic string, payload []byte) error {
	if !m.connected.Load() {
		return fmt.Errorf("not connected")
	}
	token := m.pub.Publish(topic, m.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return err
	}
	m.published.Add(1)
	return nil
}

func (m *MQTT) store(topic string, payload []byte, cause error) {
	if m.spool == nil {
		return
	}
	if err := m.spool.Store(topic, payload); err != nil {
		m.logger.Warn("Cannot spool message", zap.String("topic", topic), zap.Error(err))
		return
	}
	m.spooled.Add(1)
	m.logger.Debug("Message spooled", zap.String("topic", topic), zap.NamedError("cause", cause))
}

// flush replays spooled messages in order. Anything that fails again goes
// back to the spool.
func (m *MQTT) flush() {
	if m.spool == nil {
		return
	}
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	entries, err := m.spool.RetrieveAll()
	if err != nil {
		m.logger.Warn("Cannot read spool", zap.Error(err))
		return
	}
	if len(entries) == 0 {
		return
	}

	sent := 0
	for _, e := range entries {
		if err := m.write(e.Topic, e.Payload); err != nil {
			m.store(e.Topic, e.Payload, err)
			continue
		}
		sent++
	}
	m.logger.Info("Spool flushed", zap.Int("sent", sent), zap.Int("total", len(entries)))
}

// Stats reports delivery counters.
func (m *MQTT) Stats() (published, spooled, dropped uint64) {
	return m.published.Load(), m.spooled.Load(), m.box.Dropped()
}

// Close stops the worker and disconnects.
func (m *MQTT) Close() error {
	m.once.Do(func() {
		close(m.done)
		m.wg.Wait()
		if m.client != nil {
			m.client.Disconnect(250)
		}
	})
	return nil
}
