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

	"github.com/nugget/ember/internal/config"
	"github.com/nugget/ember/internal/session"
)

// rateWindow is the window [config.MQTTConfig.RateLimit] counts over.
const rateWindow = time.Minute

// errNotConnected is returned by Send before Start has connected.
var errNotConnected = errors.New("mqtt link not started")

// Link is ember's connection to the broker.
type Link struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	stats      StatsSource
	handler    MessageHandler
	limiter    *messageRateLimiter
	logger     *slog.Logger
	started    time.Time

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// New creates a Link but does not connect. stats and handler may be
// nil, which disables state publishing and inbound delivery.
func New(cfg config.MQTTConfig, instanceID string, stats StatsSource, handler MessageHandler, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		stats:      stats,
		handler:    handler,
		limiter:    newMessageRateLimiter(cfg.RateLimit),
		logger:     logger.With("component", "mqtt"),
	}
}

// Name identifies the link as an output channel.
func (l *Link) Name() string { return "mqtt" }

// Start connects to the broker and runs the state publish loop. It
// blocks until ctx is cancelled. Every (re-)connect republishes
// discovery configs and the birth message and resubscribes to the hear
// topic.
func (l *Link) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(l.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	l.started = time.Now()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: l.cfg.Username,
		ConnectPassword: []byte(l.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   l.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			l.logger.Info("mqtt connected to broker", "broker", l.cfg.Broker)
			l.publishDiscovery(ctx, cm)
			l.publishAvailability(ctx, cm, "online")
			l.subscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			l.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "ember-" + l.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					l.receive(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	l.mu.Lock()
	l.cm = cm
	l.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		l.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	l.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (l *Link) Stop(ctx context.Context) error {
	cm := l.conn()
	if cm == nil {
		return nil
	}
	l.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// sayPayload is the JSON published for each agent message. Inner voice
// stays private.
type sayPayload struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Send publishes msg to the say topic.
func (l *Link) Send(ctx context.Context, msg session.ChatMessage) error {
	cm := l.conn()
	if cm == nil {
		return errNotConnected
	}
	payload, err := json.Marshal(sayPayload{Role: msg.Role, Text: msg.Content, Timestamp: msg.Timestamp})
	if err != nil {
		return fmt.Errorf("marshal say payload: %w", err)
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   l.sayTopic(),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("mqtt publish say: %w", err)
	}
	return nil
}

func (l *Link) conn() *autopaho.ConnectionManager {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cm
}

// --- Topic helpers ---

func (l *Link) baseTopic() string {
	return l.cfg.TopicPrefix + "/" + l.cfg.DeviceName
}

func (l *Link) availabilityTopic() string { return l.baseTopic() + "/availability" }
func (l *Link) sayTopic() string          { return l.baseTopic() + "/say" }
func (l *Link) hearTopic() string         { return l.baseTopic() + "/hear" }

func (l *Link) stateTopic(entity string) string {
	return l.baseTopic() + "/" + entity + "/state"
}

func (l *Link) discoveryTopic(component, entity string) string {
	return l.cfg.DiscoveryPrefix + "/" + component + "/" + l.cfg.DeviceName + "/" + entity + "/config"
}

// --- Connection callbacks ---

func (l *Link) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	if l.stats == nil {
		return
	}
	for _, s := range l.sensorDefinitions() {
		topic := l.discoveryTopic("sensor", s.entity)
		payload, err := json.Marshal(s.config)
		if err != nil {
			l.logger.Error("mqtt marshal discovery payload", "entity", s.entity, "error", err)
			continue
		}
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			l.logger.Warn("mqtt discovery publish failed", "entity", s.entity, "topic", topic, "error", err)
		}
	}
	l.logger.Debug("mqtt discovery published", "sensors", len(sensorSpecs))
}

func (l *Link) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   l.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		l.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	l.logger.Info("mqtt availability published", "status", status)
}

func (l *Link) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if l.handler == nil {
		return
	}
	topic := l.hearTopic()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		l.logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
		return
	}
	l.logger.Info("mqtt subscribed", "topic", topic)
}

// receive filters one inbound message and hands it to the handler.
func (l *Link) receive(topic string, payload []byte) {
	if topic != l.hearTopic() || l.handler == nil {
		return
	}
	if !l.limiter.allow() {
		return
	}
	text, ok := parseInbound(payload)
	if !ok {
		l.logger.Debug("mqtt blank message ignored", "topic", topic)
		return
	}
	l.logger.Debug("mqtt message received", "topic", topic, "payload_size", len(payload))
	l.handler(text)
}

// --- Periodic loop ---

func (l *Link) runLoop(ctx context.Context) {
	interval := l.cfg.PublishInterval
	if interval <= 0 {
		interval = time.Minute
	}
	states := time.NewTicker(interval)
	defer states.Stop()
	window := time.NewTicker(rateWindow)
	defer window.Stop()

	l.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-states.C:
			l.publishStates(ctx)
		case <-window.C:
			if received, dropped := l.limiter.reset(); dropped > 0 {
				l.logger.Warn("mqtt messages dropped due to rate limit",
					"received", received,
					"dropped", dropped,
					"limit", l.cfg.RateLimit,
				)
			}
		}
	}
}

func (l *Link) publishStates(ctx context.Context) {
	cm := l.conn()
	if cm == nil || l.stats == nil {
		return
	}
	states := sensorStates(l.stats.Snapshot(), time.Since(l.started))
	for entity, value := range states {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   l.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			l.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	l.logger.Debug("mqtt sensor states published", "entities", len(states))
}
