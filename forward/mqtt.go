package forward

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
)

const mqttOpTimeout = 10 * time.Second

// MQTTTransport publishes records to a broker topic.
type MQTTTransport struct {
	client mqtt.Client
	topic  string
	qos    byte
}

// NewMQTTTransport connects to the broker and returns the transport. broker
// is a paho URL such as tcp://host:1883.
func NewMQTTTransport(broker, clientID, topic string, qos byte) (*MQTTTransport, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttOpTimeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttOpTimeout) {
		return nil, errors.Errorf("timed out connecting to broker %s", broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "connect to broker %s", broker)
	}
	return &MQTTTransport{client: client, topic: topic, qos: qos}, nil
}

func (t *MQTTTransport) Deliver(ctx context.Context, payload []byte, contentType string) error {
	token := t.client.Publish(t.topic, t.qos, false, payload)

	done := make(chan bool, 1)
	go func() {
		done <- token.WaitTimeout(mqttOpTimeout)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case completed := <-done:
		if !completed {
			return errors.New("publish not acknowledged in time")
		}
	}

	if err := token.Error(); err != nil {
		return errors.Wrap(err, "publish record")
	}
	return nil
}

func (t *MQTTTransport) Close() error {
	t.client.Disconnect(250)
	return nil
}
