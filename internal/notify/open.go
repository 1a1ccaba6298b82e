package notify

import (
	"errors"
	"fmt"

	logx "beesense/pkg/logx"
)

// Config selects and configures the drivers.
type Config struct {
	Delivery DeliveryConfig
	Log      bool
	Telegram TelegramConfig
	MQTT     MQTTConfig
	Shoutrrr ShoutrrrConfig
	Kafka    KafkaConfig
}

// Open builds every enabled driver and wraps them in a Multi.
// A driver that fails to build closes the ones already built.
func Open(cfg Config, log logx.Logger) (*Multi, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	var drivers []Driver
	fail := func(name string, err error) (*Multi, error) {
		for _, d := range drivers {
			_ = d.Close()
		}
		return nil, fmt.Errorf("notifier %s: %w", name, err)
	}

	if cfg.Log {
		drivers = append(drivers, NewLog(log.With(logx.String("comp", "notify.log"))))
	}
	if cfg.Telegram.Enabled {
		d, err := NewTelegram(cfg.Telegram, log.With(logx.String("comp", "notify.telegram")))
		if err != nil {
			return fail("telegram", err)
		}
		drivers = append(drivers, d)
	}
	if cfg.MQTT.Enabled {
		d, err := NewMQTT(cfg.MQTT, log.With(logx.String("comp", "notify.mqtt")))
		if err != nil {
			return fail("mqtt", err)
		}
		drivers = append(drivers, d)
	}
	if cfg.Shoutrrr.Enabled {
		d, err := NewShoutrrr(cfg.Shoutrrr)
		if err != nil {
			return fail("shoutrrr", err)
		}
		drivers = append(drivers, d)
	}
	if cfg.Kafka.Enabled {
		d, err := NewKafka(cfg.Kafka)
		if err != nil {
			return fail("kafka", err)
		}
		drivers = append(drivers, d)
	}
	if len(drivers) == 0 {
		return nil, ErrNoDrivers
	}
	return NewMulti(cfg.Delivery, log.With(logx.String("comp", "notify")), drivers...), nil
}

// Validate checks driver settings without connecting anywhere.
func (c Config) Validate() error {
	var errs []error
	if c.Telegram.Enabled {
		if c.Telegram.Token == "" {
			errs = append(errs, errors.New("notifier.telegram.token is required"))
		}
		if c.Telegram.ChatID == 0 {
			errs = append(errs, errors.New("notifier.telegram.chat_id is required"))
		}
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, errors.New("notifier.mqtt.broker is required"))
		}
		if c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("notifier.mqtt.qos must be 0..2, got %d", c.MQTT.QoS))
		}
	}
	if c.Shoutrrr.Enabled && len(c.Shoutrrr.URLs) == 0 {
		errs = append(errs, errors.New("notifier.shoutrrr.urls is required"))
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("notifier.kafka.brokers is required"))
		}
		if c.Kafka.Topic == "" {
			errs = append(errs, errors.New("notifier.kafka.topic is required"))
		}
	}
	if !c.Log && !c.Telegram.Enabled && !c.MQTT.Enabled && !c.Shoutrrr.Enabled && !c.Kafka.Enabled {
		errs = append(errs, ErrNoDrivers)
	}
	return errors.Join(errs...)
}
