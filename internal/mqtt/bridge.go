package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/agrifarm/internal/config"
	"github.com/nugget/agrifarm/internal/events"
)

// Connection parameters.
const (
	ConnectTimeout = 30 * time.Second
	ReconnectDelay = time.Second
	KeepAlive      = 60 // seconds

	defaultRateLimit = 200
	rateInterval     = time.Second
)

// ErrNotStarted is returned by publishing methods before Start.
var ErrNotStarted = errors.New("mqtt bridge not started")

// MessageHandler is called for each inbound message whose topic matches
// the filter it was registered under. Handlers run on the client's
// receive goroutine and must not block for long.
type MessageHandler func(ctx context.Context, topic string, payload []byte)

type route struct {
	filter  string
	handler MessageHandler
}

// Bridge owns the single broker connection of the process.
type Bridge struct {
	cfg      config.MQTTConfig
	clientID string
	logger   *slog.Logger
	bus      *events.Bus
	limiter  *inboundLimiter

	mu     sync.RWMutex
	routes []route

	cm *autopaho.ConnectionManager
	// publish sends one packet; replaced in tests.
	publish func(ctx context.Context, p *paho.Publish) error
}

// NewBridge creates a bridge but does not connect. bus may be nil.
func NewBridge(cfg config.MQTTConfig, bus *events.Bus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	limit := int64(cfg.RateLimit)
	if limit <= 0 {
		limit = defaultRateLimit
	}
	return &Bridge{
		cfg:      cfg,
		clientID: fmt.Sprintf("agri-chatbot-%d", time.Now().UnixMilli()),
		logger:   logger,
		bus:      bus,
		limiter:  newInboundLimiter(limit, rateInterval, logger),
	}
}

// ClientID returns the time-seeded client identifier.
func (b *Bridge) ClientID() string { return b.clientID }

// Handle registers h for topics matching filter. Register handlers
// before Start.
func (b *Bridge) Handle(filter string, h MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes = append(b.routes, route{filter: filter, handler: h})
}

// clientConfig builds the autopaho configuration. ctx scopes the
// callbacks that publish and subscribe on connect.
func (b *Bridge) clientConfig(ctx context.Context) (autopaho.ClientConfig, error) {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return autopaho.ClientConfig{}, fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     KeepAlive,
		CleanStartOnInitialConnection: true,
		ConnectTimeout:                ConnectTimeout,
		ReconnectBackoff:              func(int) time.Duration { return ReconnectDelay },
		WillMessage: &paho.WillMessage{
			Topic:   TopicSystemStatus,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker, "client_id", b.clientID)
			b.subscribe(ctx, cm)
			b.publishStatus(ctx, cm, "online")
			b.bus.Publish(events.Event{
				Source: events.SourceMQTT,
				Kind:   events.KindConnection,
				Data:   map[string]any{"state": "up"},
			})
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.dispatch(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				b.logger.Warn("mqtt client error", "error", err)
			},
		},
	}
	if b.cfg.Username != "" {
		cfg.ConnectUsername = b.cfg.Username
		cfg.ConnectPassword = []byte(b.cfg.Password)
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		cfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
	return cfg, nil
}

// Start connects to the broker and returns once the first connection
// is up or has timed out; autopaho keeps retrying in the background
// until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	pahoCfg, err := b.clientConfig(ctx)
	if err != nil {
		return err
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm
	b.publish = func(ctx context.Context, p *paho.Publish) error {
		_, err := cm.Publish(ctx, p)
		return err
	}

	connCtx, connCancel := context.WithTimeout(ctx, ConnectTimeout)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail; autopaho will keep retrying in the background.
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes an "offline" status before closing the connection.
// The provided context bounds both steps.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	b.publishStatus(ctx, b.cm, "offline")
	return b.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Used by connwatch health probes.
func (b *Bridge) AwaitConnection(ctx context.Context) error {
	if b.cm == nil {
		return ErrNotStarted
	}
	return b.cm.AwaitConnection(ctx)
}

func (b *Bridge) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	opts := []paho.SubscribeOptions{
		{Topic: TopicSensorData, QoS: 1},
		{Topic: TopicSensorStatus, QoS: 1},
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		b.logger.Error("mqtt subscribe failed", "error", err)
		return
	}
	b.logger.Info("mqtt subscribed", "topics", []string{TopicSensorData, TopicSensorStatus})
}

func (b *Bridge) publishStatus(ctx context.Context, cm *autopaho.ConnectionManager, state string) {
	_, err := cm.Publish(ctx, &paho.Publish{
		Topic:   TopicSystemStatus,
		Payload: []byte(state),
		QoS:     1,
		Retain:  true,
	})
	if err != nil {
		b.logger.Warn("mqtt publish system status failed", "state", state, "error", err)
	}
}

// dispatch rate-limits one inbound message and hands it to every
// matching handler.
func (b *Bridge) dispatch(ctx context.Context, topic string, payload []byte) {
	if !b.limiter.allow(topic) {
		return
	}

	b.mu.RLock()
	routes := b.routes
	b.mu.RUnlock()

	matched := false
	for _, r := range routes {
		if Match(r.filter, topic) {
			matched = true
			r.handler(ctx, topic, payload)
		}
	}
	if !matched {
		b.logger.Debug("mqtt message without handler", "topic", topic, "payload_size", len(payload))
	}
}

// Publish sends a non-retained QoS 1 message.
func (b *Bridge) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.publish == nil {
		return ErrNotStarted
	}
	if err := b.publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 1}); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// PublishCommand sends a control command to the device with the given
// serial number. The shared device secret is added to the payload;
// the caller's map is not modified.
func (b *Bridge) PublishCommand(ctx context.Context, serial string, command map[string]any) error {
	msg := make(map[string]any, len(command)+1)
	for k, v := range command {
		msg[k] = v
	}
	msg["secret"] = b.cfg.Secret

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	topic := CommandTopic(serial)
	if err := b.Publish(ctx, topic, payload); err != nil {
		b.logger.Error("mqtt command publish failed", "topic", topic, "action", command["action"], "error", err)
		return err
	}
	b.logger.Info("mqtt command published", "topic", topic, "action", command["action"])
	b.bus.Publish(events.Event{
		Source: events.SourceMQTT,
		Kind:   events.KindCommandSent,
		Data:   map[string]any{"serial": serial, "action": command["action"]},
	})
	return nil
}
