package realtime

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var errMQTTNotConnected = errors.New("mqtt not connected")

// MQTTDialer connects to an MQTT broker (tcp://, ssl://, ws://, wss://).
// Paho's own reconnect logic is disabled; the Channel owns reconnection.
type MQTTDialer struct {
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	TLSConfig      *tls.Config
	// QoS for publishes and subscriptions. Probes always use QoS 1.
	QoS byte
}

func (d MQTTDialer) Dial(target Target) (Transport, error) {
	if target.URL == nil {
		return nil, ErrMissingHubURL
	}

	var connectTimeout = d.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	var keepAlive = d.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}

	var broker = *target.URL
	broker.User = nil

	var opts = mqtt.NewClientOptions()
	opts.AddBroker(broker.String())
	opts.SetClientID(target.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	// Paho calls handlers on its router goroutine in order; they only queue
	// onto the transport's inbox.
	opts.SetOrderMatters(true)

	if user := target.URL.User; user != nil {
		opts.SetUsername(user.Username())
		if password, ok := user.Password(); ok {
			opts.SetPassword(password)
		}
	}
	if d.TLSConfig != nil {
		opts.SetTLSConfig(d.TLSConfig)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if target.OnConnectionLost != nil {
			target.OnConnectionLost(err)
		}
	})

	return &mqttTransport{
		client:     mqtt.NewClient(opts),
		probeTopic: target.ProbeTopic,
		qos:        d.QoS,
		inbox:      newInbox(),
	}, nil
}

type mqttTransport struct {
	client     mqtt.Client
	probeTopic string
	qos        byte
	inbox      *inbox
}

// waitToken blocks until the token completes or ctx ends.
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *mqttTransport) Connect(ctx context.Context) error {
	if err := waitToken(ctx, t.client.Connect()); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

func (t *mqttTransport) Close() error {
	t.client.Disconnect(250)
	t.inbox.close()
	return nil
}

// Publish hands the message to paho without waiting for delivery.
func (t *mqttTransport) Publish(_ context.Context, topic string, payload []byte) error {
	if !t.client.IsConnectionOpen() {
		return errMQTTNotConnected
	}

	var token = t.client.Publish(topic, t.qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	default:
		return nil
	}
}

func (t *mqttTransport) Subscribe(ctx context.Context, topic string, handler func([]byte)) error {
	var token = t.client.Subscribe(topic, t.qos, func(_ mqtt.Client, msg mqtt.Message) {
		var payload = msg.Payload()
		t.inbox.push(func() { handler(payload) })
	})
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return nil
}

func (t *mqttTransport) Unsubscribe(ctx context.Context, topic string) error {
	if err := waitToken(ctx, t.client.Unsubscribe(topic)); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", topic, err)
	}
	return nil
}

// Ping publishes at QoS 1 to the probe topic and waits for the broker's PUBACK.
func (t *mqttTransport) Ping(ctx context.Context) error {
	if !t.client.IsConnectionOpen() {
		return errMQTTNotConnected
	}

	var payload = []byte(time.Now().UTC().Format(time.RFC3339Nano))
	if err := waitToken(ctx, t.client.Publish(t.probeTopic, 1, false, payload)); err != nil {
		return fmt.Errorf("mqtt probe failed: %w", err)
	}
	return nil
}
