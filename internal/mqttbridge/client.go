// Package mqttbridge publishes compass state to an MQTT broker and can feed
// magnetometer and gyroscope samples from the broker into the fusion engine.
package mqttbridge

import (
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const DefaultTopicPrefix = "compass"

// Client is the part of mqtt.Client the bridge uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
}

// Connect dials the broker and waits for the first connection. The client
// reconnects on its own afterwards.
func Connect(cfg Config, log *zap.Logger) (mqtt.Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, fmt.Errorf("mqttbridge: broker is required")
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "compass-ng"
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("mqtt connection lost", zap.String("broker", cfg.Broker), zap.Error(err))
		}).
		SetOnConnectHandler(func(_ mqtt.Client) {
			log.Info("mqtt connected", zap.String("broker", cfg.Broker), zap.String("client_id", clientID))
		})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqttbridge: connect %s: %w", cfg.Broker, token.Error())
	}
	return client, nil
}

// Topics derives every topic from a prefix.
type Topics struct {
	Heading string
	Target  string
	Status  string
	Sensor  string // wildcard subscription for inbound samples
}

func TopicsFor(prefix string) Topics {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{
		Heading: prefix + "/heading",
		Target:  prefix + "/target",
		Status:  prefix + "/status",
		Sensor:  prefix + "/sensor/+",
	}
}
