// Package mqtt publishes device telemetry to an MQTT broker, buffering
// snapshots while the broker is unreachable.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nexus-edge/rackmon/internal/domain"
	"github.com/nexus-edge/rackmon/internal/metrics"
	"github.com/rs/zerolog"
)

// Publisher publishes device value snapshots to the MQTT broker.
type Publisher struct {
	config        Config
	client        pahomqtt.Client
	logger        zerolog.Logger
	metrics       *metrics.Registry
	mu            sync.RWMutex
	connected     atomic.Bool
	messageBuffer chan *BufferedMessage
	done          chan struct{}
	wg            sync.WaitGroup
	stats         *PublisherStats
	topicMu       sync.RWMutex
	topicStats    map[string]*TopicStat
}

// TopicStat tracks publish activity for a given topic.
type TopicStat struct {
	Topic            string    `json:"topic"`
	Count            uint64    `json:"count"`
	LastPublished    time.Time `json:"last_published"`
	LastPayloadBytes int       `json:"last_payload_bytes"`
}

// Config holds MQTT publisher configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	CleanSession   bool
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	TLSEnabled     bool
	TLSCertFile    string
	TLSKeyFile     string
	TLSCAFile      string
	BufferSize     int
	PublishTimeout time.Duration
	RetainMessages bool
}

// BufferedMessage is a snapshot waiting for the broker.
type BufferedMessage struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
	Timestamp time.Time
}

// PublisherStats tracks publisher activity.
type PublisherStats struct {
	MessagesPublished atomic.Uint64
	MessagesFailed    atomic.Uint64
	MessagesBuffered  atomic.Uint64
	MessagesDropped   atomic.Uint64
	BytesSent         atomic.Uint64
	ReconnectCount    atomic.Uint64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "rackmon",
		TopicPrefix:    "rackmon",
		CleanSession:   true,
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReconnectDelay: 5 * time.Second,
		BufferSize:     1000,
		PublishTimeout: 5 * time.Second,
		RetainMessages: true,
	}
}

// NewPublisher creates a new MQTT publisher. It does not connect.
func NewPublisher(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) (*Publisher, error) {
	if config.BrokerURL == "" {
		return nil, fmt.Errorf("%w: broker URL is required", domain.ErrInvalidConfig)
	}
	if config.QoS > 2 {
		return nil, fmt.Errorf("%w: QoS %d", domain.ErrInvalidConfig, config.QoS)
	}
	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}
	if config.PublishTimeout == 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if config.KeepAlive == 0 {
		config.KeepAlive = 30 * time.Second
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	config.TopicPrefix = strings.TrimSuffix(config.TopicPrefix, "/")

	return &Publisher{
		config:        config,
		logger:        logger.With().Str("component", "mqtt-publisher").Logger(),
		metrics:       metricsReg,
		messageBuffer: make(chan *BufferedMessage, config.BufferSize),
		done:          make(chan struct{}),
		stats:         &PublisherStats{},
		topicStats:    make(map[string]*TopicStat),
	}, nil
}

// Topic returns the topic a device snapshot is published on.
func (p *Publisher) Topic(addr uint8) string {
	topic := fmt.Sprintf("devices/0x%02x", addr)
	if p.config.TopicPrefix == "" {
		return topic
	}
	return p.config.TopicPrefix + "/" + topic
}

// ActiveTopics returns the published topics, most recent first.
func (p *Publisher) ActiveTopics() []TopicStat {
	p.topicMu.RLock()
	out := make([]TopicStat, 0, len(p.topicStats))
	for _, stat := range p.topicStats {
		out = append(out, *stat)
	}
	p.topicMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastPublished.After(out[j].LastPublished)
	})
	return out
}

// One topic per bus address, so the map is bounded.
func (p *Publisher) recordTopicPublish(topic string, payloadBytes int) {
	p.topicMu.Lock()
	defer p.topicMu.Unlock()

	stat, ok := p.topicStats[topic]
	if !ok {
		stat = &TopicStat{Topic: topic}
		p.topicStats[topic] = stat
	}
	stat.Count++
	stat.LastPublished = time.Now()
	stat.LastPayloadBytes = payloadBytes
}

// Connect establishes the connection to the MQTT broker.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.config.BrokerURL)
	opts.SetClientID(p.config.ClientID)
	opts.SetCleanSession(p.config.CleanSession)
	opts.SetKeepAlive(p.config.KeepAlive)
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(p.config.ReconnectDelay)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	if p.config.TLSEnabled {
		tlsConfig, err := p.createTLSConfig()
		if err != nil {
			return fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)
	opts.SetReconnectingHandler(p.onReconnecting)

	client := pahomqtt.NewClient(opts)

	p.logger.Info().Str("broker", p.config.BrokerURL).Msg("Connecting to MQTT broker")

	token := client.Connect()
	connectDone := make(chan bool, 1)
	go func() {
		connectDone <- token.WaitTimeout(p.config.ConnectTimeout)
	}()

	select {
	case success := <-connectDone:
		if !success {
			return fmt.Errorf("%w: connection timeout", domain.ErrMQTTConnectionFailed)
		}
		if token.Error() != nil {
			return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, token.Error())
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, ctx.Err())
	}

	p.start(client)
	p.logger.Info().Msg("Connected to MQTT broker")
	return nil
}

// ConnectWithRetry calls Connect with exponential backoff until it succeeds
// or ctx is done. paho only reconnects on its own after a first successful
// connect. Configuration errors are not retried.
func (p *Publisher) ConnectWithRetry(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.RandomizationFactor = 0.2

	operation := func() (struct{}, error) {
		err := p.Connect(ctx)
		if err != nil && !errors.Is(err, domain.ErrMQTTConnectionFailed) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	notify := func(err error, next time.Duration) {
		p.logger.Warn().Err(err).Dur("retry_in", next).Msg("MQTT connect failed")
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	return err
}

// start installs a connected client and begins draining the buffer.
func (p *Publisher) start(client pahomqtt.Client) {
	p.mu.Lock()
	p.client = client
	p.done = make(chan struct{})
	p.mu.Unlock()

	// The connect callback may not have fired yet.
	p.connected.Store(true)

	p.wg.Add(1)
	go p.processBuffer()
}

// Disconnect flushes what it can and disconnects from the broker.
func (p *Publisher) Disconnect() {
	p.logger.Info().Msg("Disconnecting from MQTT broker")

	p.mu.Lock()
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.mu.Unlock()
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(1000)
	}

	p.connected.Store(false)
	p.logger.Info().Msg("Disconnected from MQTT broker")
}

// Publish sends the value snapshot of one device. While the broker is
// unreachable the snapshot is buffered instead.
func (p *Publisher) Publish(ctx context.Context, data domain.DeviceValueData) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to serialize device data: %w", err)
	}
	topic := p.Topic(data.DeviceAddress)

	if !p.connected.Load() {
		return p.bufferMessage(topic, payload)
	}
	return p.publishRaw(ctx, topic, payload, p.config.QoS, p.config.RetainMessages)
}

func (p *Publisher) publishRaw(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil {
		return domain.ErrMQTTNotConnected
	}

	start := time.Now()
	token := client.Publish(topic, qos, retained, payload)

	publishDone := make(chan bool, 1)
	go func() {
		publishDone <- token.WaitTimeout(p.config.PublishTimeout)
	}()

	var err error
	select {
	case success := <-publishDone:
		if !success {
			err = fmt.Errorf("%w: publish timeout", domain.ErrMQTTPublishFailed)
		} else if token.Error() != nil {
			err = fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, token.Error())
		}
	case <-ctx.Done():
		err = fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, ctx.Err())
	}

	latency := time.Since(start).Seconds()
	if err != nil {
		p.stats.MessagesFailed.Add(1)
		if p.metrics != nil {
			p.metrics.RecordMQTTPublish(false, latency)
		}
		return err
	}

	p.stats.MessagesPublished.Add(1)
	p.stats.BytesSent.Add(uint64(len(payload)))
	p.recordTopicPublish(topic, len(payload))
	if p.metrics != nil {
		p.metrics.RecordMQTTPublish(true, latency)
	}
	return nil
}

// bufferMessage queues a snapshot, dropping the oldest one when full.
func (p *Publisher) bufferMessage(topic string, payload []byte) error {
	msg := &BufferedMessage{
		Topic:     topic,
		Payload:   payload,
		QoS:       p.config.QoS,
		Retained:  p.config.RetainMessages,
		Timestamp: time.Now(),
	}
	defer p.updateBufferGauge()

	select {
	case p.messageBuffer <- msg:
		p.stats.MessagesBuffered.Add(1)
		return nil
	default:
	}

	select {
	case <-p.messageBuffer:
		p.stats.MessagesDropped.Add(1)
		p.logger.Warn().Msg("Buffer full, dropped oldest message")
	default:
	}
	select {
	case p.messageBuffer <- msg:
		p.stats.MessagesBuffered.Add(1)
		return nil
	default:
		p.stats.MessagesDropped.Add(1)
		return fmt.Errorf("%w: message buffer full", domain.ErrMQTTPublishFailed)
	}
}

func (p *Publisher) updateBufferGauge() {
	if p.metrics != nil {
		p.metrics.UpdateMQTTBufferSize(len(p.messageBuffer))
	}
}

// processBuffer publishes buffered snapshots whenever the broker is reachable.
func (p *Publisher) processBuffer() {
	defer p.wg.Done()

	p.mu.RLock()
	done := p.done
	p.mu.RUnlock()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			p.drainBuffer()
			return
		case <-ticker.C:
			if p.connected.Load() {
				p.flush(done)
			}
		}
	}
}

// flush publishes buffered messages until the buffer is empty, the
// connection drops or done is closed.
func (p *Publisher) flush(done <-chan struct{}) {
	for p.connected.Load() {
		select {
		case <-done:
			return
		case msg := <-p.messageBuffer:
			ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
			if err := p.publishRaw(ctx, msg.Topic, msg.Payload, msg.QoS, msg.Retained); err != nil {
				p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to publish buffered message")
			}
			cancel()
			p.updateBufferGauge()
		default:
			return
		}
	}
}

// drainBuffer attempts to publish all remaining buffered messages.
func (p *Publisher) drainBuffer() {
	timeout := time.After(5 * time.Second)
	for p.connected.Load() {
		select {
		case msg := <-p.messageBuffer:
			ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
			if err := p.publishRaw(ctx, msg.Topic, msg.Payload, msg.QoS, msg.Retained); err != nil {
				p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to drain buffered message")
			}
			cancel()
		case <-timeout:
			if remaining := len(p.messageBuffer); remaining > 0 {
				p.logger.Warn().Int("count", remaining).Msg("Timeout draining buffer, messages dropped")
			}
			return
		default:
			return
		}
	}
	p.updateBufferGauge()
}

// createTLSConfig creates TLS configuration for secure connections.
func (p *Publisher) createTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if p.config.TLSCAFile != "" {
		caCert, err := os.ReadFile(p.config.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	if p.config.TLSCertFile != "" && p.config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(p.config.TLSCertFile, p.config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func (p *Publisher) onConnect(client pahomqtt.Client) {
	p.connected.Store(true)
	p.logger.Info().Msg("MQTT connection established")
}

func (p *Publisher) onConnectionLost(client pahomqtt.Client, err error) {
	p.connected.Store(false)
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

func (p *Publisher) onReconnecting(client pahomqtt.Client, opts *pahomqtt.ClientOptions) {
	p.stats.ReconnectCount.Add(1)
	if p.metrics != nil {
		p.metrics.RecordMQTTReconnect()
	}
	p.logger.Info().Msg("Attempting to reconnect to MQTT broker")
}

// IsConnected returns true if the publisher is connected to the broker.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// StatsSnapshot is a point-in-time copy of PublisherStats.
type StatsSnapshot struct {
	MessagesPublished uint64
	MessagesFailed    uint64
	MessagesBuffered  uint64
	MessagesDropped   uint64
	BytesSent         uint64
	ReconnectCount    uint64
}

// Stats returns publisher statistics.
func (p *Publisher) Stats() StatsSnapshot {
	return StatsSnapshot{
		MessagesPublished: p.stats.MessagesPublished.Load(),
		MessagesFailed:    p.stats.MessagesFailed.Load(),
		MessagesBuffered:  p.stats.MessagesBuffered.Load(),
		MessagesDropped:   p.stats.MessagesDropped.Load(),
		BytesSent:         p.stats.BytesSent.Load(),
		ReconnectCount:    p.stats.ReconnectCount.Load(),
	}
}

// BufferSize returns the current number of buffered messages.
func (p *Publisher) BufferSize() int {
	return len(p.messageBuffer)
}

// HealthCheck implements the health.Checker interface.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if !p.connected.Load() {
		return domain.ErrMQTTNotConnected
	}
	return nil
}
