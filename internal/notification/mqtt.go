package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mikeyg42/mecam/internal/config"
	"github.com/mikeyg42/mecam/internal/recorder/recorderlog"
)

// MQTTChannel publishes the event as JSON. It connects per send so broker
// settings are always the ones in effect at dispatch time.
type MQTTChannel struct {
	cfg    config.MQTTConfig
	logger recorderlog.Logger
}

func NewMQTTChannel(cfg config.MQTTConfig, logger recorderlog.Logger) *MQTTChannel {
	if logger == nil {
		logger = recorderlog.L()
	}
	return &MQTTChannel{cfg: cfg, logger: logger.Named("mqtt")}
}

func (c *MQTTChannel) Name() string { return "mqtt" }

func (c *MQTTChannel) Send(ctx context.Context, ev Event) error {
	if c.cfg.Broker == "" || c.cfg.Topic == "" {
		return backoff.Permanent(errors.New("mqtt: broker and topic are required"))
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return backoff.Permanent(err)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(c.cfg.Broker))
	opts.SetClientID(c.cfg.ClientID)
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(10 * time.Second)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.logger.Warn("mqtt connection lost", recorderlog.Error(err))
	}

	client := mqtt.NewClient(opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	defer client.Disconnect(250)

	qos := byte(c.cfg.QoS)
	if qos > 2 {
		qos = 1
	}
	if err := waitToken(ctx, client.Publish(c.cfg.Topic, qos, false, payload)); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	c.logger.Debug("event published",
		recorderlog.String("topic", c.cfg.Topic),
		recorderlog.Int("qos", int(qos)),
		recorderlog.Int("size", len(payload)))
	return nil
}

func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}
