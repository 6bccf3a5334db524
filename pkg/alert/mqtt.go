package alert

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type MQTTConfig struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	User  string `json:"user"`
	Pass  string `json:"pass"`
	Topic string `json:"topic"`
}

func (c MQTTConfig) Enabled() bool {
	return c.Host != "" && c.Port != 0 && c.Topic != ""
}

// MQTTPublisher mirrors alerts to a broker topic. Alerts are rare, so each
// publish uses its own short lived connection.
type MQTTPublisher struct {
	cfg     MQTTConfig
	timeout time.Duration
}

func NewMQTTPublisher(cfg MQTTConfig) *MQTTPublisher {
	return &MQTTPublisher{cfg: cfg, timeout: 5 * time.Second}
}

func (p *MQTTPublisher) Publish(payload []byte) error {
	opts := mqtt.NewClientOptions().AddBroker(fmt.Sprintf("tcp://%s:%d", p.cfg.Host, p.cfg.Port))
	opts.SetConnectTimeout(p.timeout)
	if p.cfg.User != "" && p.cfg.Pass != "" {
		opts.SetUsername(p.cfg.User)
		opts.SetPassword(p.cfg.Pass)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); !token.WaitTimeout(p.timeout) || token.Error() != nil {
		return fmt.Errorf("connect to mqtt: %w", tokenError(token))
	}
	defer client.Disconnect(250)

	token := client.Publish(p.cfg.Topic, 0, false, payload)
	if !token.WaitTimeout(p.timeout) || token.Error() != nil {
		return fmt.Errorf("publish to mqtt: %w", tokenError(token))
	}
	return nil
}

func tokenError(t mqtt.Token) error {
	if err := t.Error(); err != nil {
		return err
	}
	return fmt.Errorf("timed out")
}
