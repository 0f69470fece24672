package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// MQTTConfig configures the MQTT transport.
type MQTTConfig struct {
	Broker   string
	Room     string
	Username string
	Password string
	ClientID string
}

// MQTTTransport connects to a chat surface through an MQTT broker.
// Inbound messages arrive on <room>/messages/<user_id>; replies are
// published to <room>/replies/<user_id>. A retained will message marks
// the bot offline if the connection drops uncleanly.
type MQTTTransport struct {
	cfg    MQTTConfig
	logger *slog.Logger

	cm   *autopaho.ConnectionManager
	cmMu sync.Mutex

	inbox chan Message
}

// mqttPayload is the JSON body of inbound message publications.
type mqttPayload struct {
	Text       string    `json:"text"`
	SequenceID int64     `json:"sequence_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewMQTTTransport creates an MQTT transport. Connect must be called
// before use.
func NewMQTTTransport(cfg MQTTConfig, logger *slog.Logger) *MQTTTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "rapport-" + cfg.Room
	}
	return &MQTTTransport{
		cfg:    cfg,
		logger: logger.With("transport", "mqtt"),
		inbox:  make(chan Message, 256),
	}
}

// Connect establishes the broker connection, subscribes to the room's
// message topics, and publishes an online availability message. Autopaho
// reconnects and re-subscribes on its own after broker hiccups.
func (t *MQTTTransport) Connect(ctx context.Context) error {
	brokerURL, err := url.Parse(t.cfg.Broker)
	if err != nil {
		return &Error{Op: "parse broker url", Err: err}
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: t.cfg.Username,
		ConnectPassword: []byte(t.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   t.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			t.logger.Info("connected to broker", "broker", t.cfg.Broker)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: t.messagesFilter(), QoS: 1},
				},
			}); err != nil {
				t.logger.Error("subscribe failed", "topic", t.messagesFilter(), "error", err)
			}
			if _, err := cm.Publish(ctx, &paho.Publish{
				Topic:   t.availabilityTopic(),
				Payload: []byte("online"),
				QoS:     1,
				Retain:  true,
			}); err != nil {
				t.logger.Warn("availability publish failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			t.logger.Warn("connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: t.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					t.handlePublish(pr.Packet.Topic, pr.Packet.Payload)
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
		return &Error{Op: "connect", Err: err}
	}

	t.cmMu.Lock()
	t.cm = cm
	t.cmMu.Unlock()

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Autopaho keeps retrying in the background.
		t.logger.Warn("initial connection timed out, retrying in background", "error", err)
	}
	return nil
}

func (t *MQTTTransport) handlePublish(topic string, payload []byte) {
	userID, ok := t.userFromTopic(topic)
	if !ok {
		t.logger.Debug("ignoring publication on unexpected topic", "topic", topic)
		return
	}

	msg, err := decodeMessage(userID, payload)
	if err != nil {
		t.logger.Warn("dropping malformed message", "topic", topic, "error", err)
		return
	}

	select {
	case t.inbox <- msg:
	default:
		t.logger.Warn("inbox full, dropping message",
			"user_id", msg.UserID, "sequence_id", msg.SequenceID)
	}
}

// Poll drains the inbox without blocking and returns the batch.
func (t *MQTTTransport) Poll(ctx context.Context) ([]Message, error) {
	t.cmMu.Lock()
	connected := t.cm != nil
	t.cmMu.Unlock()
	if !connected {
		return nil, &Error{Op: "poll", Err: fmt.Errorf("not connected")}
	}

	var batch []Message
	for {
		select {
		case msg := <-t.inbox:
			batch = append(batch, msg)
		case <-ctx.Done():
			return batch, ctx.Err()
		default:
			return batch, nil
		}
	}
}

// Send publishes a reply to the user's reply topic.
func (t *MQTTTransport) Send(ctx context.Context, userID, text string) error {
	t.cmMu.Lock()
	cm := t.cm
	t.cmMu.Unlock()
	if cm == nil {
		return &Error{Op: "send", Err: fmt.Errorf("not connected")}
	}

	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return &Error{Op: "encode reply", Err: err}
	}

	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   t.replyTopic(userID),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return &Error{Op: "send", Err: err}
	}
	return nil
}

// Close publishes an offline availability message and disconnects.
func (t *MQTTTransport) Close() error {
	t.cmMu.Lock()
	cm := t.cm
	t.cm = nil
	t.cmMu.Unlock()
	if cm == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   t.availabilityTopic(),
		Payload: []byte("offline"),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		t.logger.Warn("offline publish failed", "error", err)
	}
	return cm.Disconnect(ctx)
}

func (t *MQTTTransport) availabilityTopic() string {
	return t.cfg.Room + "/bot/availability"
}

func (t *MQTTTransport) messagesFilter() string {
	return t.cfg.Room + "/messages/+"
}

func (t *MQTTTransport) replyTopic(userID string) string {
	return t.cfg.Room + "/replies/" + userID
}

// userFromTopic extracts the user id from <room>/messages/<user_id>.
func (t *MQTTTransport) userFromTopic(topic string) (string, bool) {
	prefix := t.cfg.Room + "/messages/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	userID := topic[len(prefix):]
	if userID == "" || strings.Contains(userID, "/") {
		return "", false
	}
	return userID, true
}

func decodeMessage(userID string, payload []byte) (Message, error) {
	var p mqttPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Message{}, fmt.Errorf("decode payload: %w", err)
	}
	if p.Text == "" {
		return Message{}, fmt.Errorf("empty text")
	}
	if p.SequenceID <= 0 {
		return Message{}, fmt.Errorf("missing sequence_id")
	}
	return Message{
		UserID:     userID,
		Text:       p.Text,
		SequenceID: p.SequenceID,
		Timestamp:  p.Timestamp,
	}, nil
}
