package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "beesense/pkg/logx"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type MQTTConfig struct {
	Enabled        bool
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	ConnectTimeout time.Duration
}

// mqttDriver publishes the JSON notification retained on <prefix>/<slot>, so
// the broker keeps the latest notification per slot.
type mqttDriver struct {
	cfg    MQTTConfig
	client mqtt.Client
	log    logx.Logger
}

func NewMQTT(cfg MQTTConfig, log logx.Logger) (Driver, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("mqtt broker is empty")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt qos %d out of range", cfg.QoS)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "beesense"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "beesense/notifications"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", logx.Err(err))
	})

	client := mqtt.NewClient(opts)
	// With ConnectRetry the token completes once connected; a timeout here
	// only means the first notification may wait for the broker.
	if tok := client.Connect(); !tok.WaitTimeout(cfg.ConnectTimeout) {
		log.Warn("mqtt broker not reachable yet; retrying in background", logx.String("broker", cfg.Broker))
	} else if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &mqttDriver{cfg: cfg, client: client, log: log}, nil
}

func (d *mqttDriver) Name() string { return "mqtt" }

func (d *mqttDriver) topic(slot string) string {
	return strings.TrimRight(d.cfg.TopicPrefix, "/") + "/" + slot
}

func (d *mqttDriver) Notify(ctx context.Context, n Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	tok := d.client.Publish(d.topic(n.Slot), d.cfg.QoS, true, b)
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish: %w", ctx.Err())
	}
}

func (d *mqttDriver) Close() error {
	d.client.Disconnect(250)
	return nil
}
