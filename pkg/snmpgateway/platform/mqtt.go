package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/vpbank/snmp_gateway/models"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/publish"
)

var (
	errNotConnected   = errors.New("platform: mqtt client not connected")
	errPublishTimeout = errors.New("platform: mqtt publish timed out")
)

// MQTTConfig configures the broker connection and the topics.
type MQTTConfig struct {
	Broker   string // e.g. "tcp://broker:1883"
	ClientID string
	Username string
	Password string

	// TopicPrefix is prepended to the category: "<prefix>/<category>".
	// Default "snmpgateway".
	TopicPrefix string

	QoS byte

	// PublishTimeout bounds the wait for a publish acknowledgement
	// (default 5s).
	PublishTimeout time.Duration

	Batching  bool
	BatchSize int
}

// NewMQTTClient builds a paho client that reconnects on its own. It does not
// connect; call MQTTSink.Connect.
func NewMQTTClient(cfg MQTTConfig) mqtt.Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Second)
	opts.SetMaxReconnectInterval(2 * time.Minute)
	opts.SetOrderMatters(false)
	return mqtt.NewClient(opts)
}

// MQTTSink publishes message payloads to the platform broker.
type MQTTSink struct {
	publish.BaseSink

	client mqtt.Client
	cfg    MQTTConfig
	logger *slog.Logger
}

// NewMQTTSink wraps client. The sink does not own the client's connection
// settings, only its use.
func NewMQTTSink(client mqtt.Client, cfg MQTTConfig, logger *slog.Logger) *MQTTSink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "snmpgateway"
	}
	cfg.TopicPrefix = strings.TrimRight(cfg.TopicPrefix, "/")
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &MQTTSink{client: client, cfg: cfg, logger: logger}
}

// Connect starts the connection and waits until it is up or ctx is done. The
// client keeps retrying in the background either way.
func (s *MQTTSink) Connect(ctx context.Context) error {
	token := s.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("platform: mqtt connect %s: %w", s.cfg.Broker, err)
		}
		s.logger.Info("platform: mqtt connected", "broker", s.cfg.Broker)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("platform: mqtt connect %s: %w", s.cfg.Broker, ctx.Err())
	}
}

// Disconnect waits up to 250ms for in-flight work.
func (s *MQTTSink) Disconnect() {
	s.client.Disconnect(250)
}

// Topic is the topic messages of cat are published to.
func (s *MQTTSink) Topic(cat models.Category) string {
	return s.cfg.TopicPrefix + "/" + string(cat)
}

func (s *MQTTSink) BatchingSupported() bool { return s.cfg.Batching }

func (s *MQTTSink) BatchSize() int {
	if s.cfg.BatchSize > 0 {
		return s.cfg.BatchSize
	}
	return publish.DefaultBatchSize
}

// Deliver publishes msg.Payload. A disconnected client, a timeout and a
// broker error are all reported as 503.
func (s *MQTTSink) Deliver(ctx context.Context, msg models.Message) error {
	if !s.client.IsConnected() {
		return &publish.PlatformError{Status: http.StatusServiceUnavailable, Err: errNotConnected}
	}
	topic := s.Topic(msg.Category)
	token := s.client.Publish(topic, s.cfg.QoS, false, []byte(msg.Payload))

	timer := time.NewTimer(s.cfg.PublishTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-timer.C:
		return &publish.PlatformError{Status: http.StatusServiceUnavailable, Err: errPublishTimeout}
	case <-ctx.Done():
		return &publish.PlatformError{Status: http.StatusServiceUnavailable, Err: ctx.Err()}
	}
	if err := token.Error(); err != nil {
		s.logger.Warn("platform: mqtt publish failed", "topic", topic, "id", msg.ID, "error", err)
		return &publish.PlatformError{Status: http.StatusServiceUnavailable, Err: err}
	}
	s.logger.Debug("platform: mqtt published", "topic", topic, "id", msg.ID)
	return nil
}

// DeliverBatch publishes msgs one by one, stopping at the first failure.
func (s *MQTTSink) DeliverBatch(ctx context.Context, msgs []models.Message) error {
	return publish.DeliverEach(ctx, msgs, s.Deliver)
}

// MQTTCheck returns a Prober check that succeeds while client is connected.
func MQTTCheck(client mqtt.Client) CheckFunc {
	return func(context.Context) error {
		if !client.IsConnected() {
			return errNotConnected
		}
		return nil
	}
}
