package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/tphakala/folio/internal/conf"
	"github.com/tphakala/folio/internal/errors"
	"github.com/tphakala/folio/internal/logger"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
	mqttQoS            = 1
)

// MQTTSink publishes lifecycle signals as JSON to <topic>/<signal name>.
type MQTTSink struct {
	client paho.Client
	topic  string
	log    logger.Logger
}

// NewMQTTSink creates a sink for cfg. Call Connect before use.
func NewMQTTSink(cfg conf.MQTTSettings, log logger.Logger) *MQTTSink {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.Module("mqtt")

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("folio-%d", time.Now().UnixNano())
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warn("mqtt connection lost", logger.Error(err))
	})
	opts.SetOnConnectHandler(func(_ paho.Client) {
		log.Info("mqtt connected", logger.String("broker", cfg.Broker))
	})

	return &MQTTSink{
		client: paho.NewClient(opts),
		topic:  cfg.Topic,
		log:    log,
	}
}

// Connect dials the broker, honouring ctx.
func (s *MQTTSink) Connect(ctx context.Context) error {
	token := s.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return errors.New(ctx.Err()).Component("signals").Category(errors.CategoryNetwork).Build()
	}
	if err := token.Error(); err != nil {
		return errors.Newf("failed to connect to mqtt broker: %w", err).
			Component("signals").
			Category(errors.CategoryNetwork).
			Build()
	}
	return nil
}

// Topic returns the full topic for a signal name.
func (s *MQTTSink) Topic(name Name) string {
	return s.topic + "/" + string(name)
}

// Handle publishes event. It is a bus Handler; failures are logged.
func (s *MQTTSink) Handle(event *Event) {
	if !s.client.IsConnected() {
		s.log.Debug("mqtt not connected, dropping signal", logger.String("signal", string(event.Name)))
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.log.Error("failed to encode signal", logger.Error(err))
		return
	}
	token := s.client.Publish(s.Topic(event.Name), mqttQoS, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		s.log.Warn("mqtt publish timed out", logger.String("signal", string(event.Name)))
		return
	}
	if err := token.Error(); err != nil {
		s.log.Warn("mqtt publish failed", logger.String("signal", string(event.Name)), logger.Error(err))
	}
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	s.client.Disconnect(250)
}
