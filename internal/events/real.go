package events

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"loop-dosing/internal/dosing"
	"loop-dosing/internal/freshness"
)

// ConnectOptions describe the broker connection.
type ConnectOptions struct {
	Broker   string
	ClientID string
}

// Connect dials the broker with auto-reconnect enabled.
func Connect(opts ConnectOptions) (paho.Client, error) {
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "loopd"
	}
	pahoOpts := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	client := paho.NewClient(pahoOpts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return client, nil
}

// RealPublisher publishes to an actual MQTT broker.
type RealPublisher struct {
	client         paho.Client
	stalenessTopic string
	enactmentTopic string
	ownsClient     bool
}

// NewRealPublisher publishes under prefix using client. When ownsClient is
// set, Close disconnects the client.
func NewRealPublisher(client paho.Client, prefix string, ownsClient bool) *RealPublisher {
	return &RealPublisher{
		client:         client,
		stalenessTopic: Topic(prefix, TopicStaleness),
		enactmentTopic: Topic(prefix, TopicEnactments),
		ownsClient:     ownsClient,
	}
}

// PublishStaleness sends a retained staleness event so late subscribers see
// the current state.
func (p *RealPublisher) PublishStaleness(deviceID string, t freshness.Transition) error {
	payload, err := FormatStaleness(deviceID, t)
	if err != nil {
		return fmt.Errorf("format staleness payload: %w", err)
	}
	return p.publish(p.stalenessTopic, 1, true, payload)
}

// PublishEnactment sends an enactment event.
func (p *RealPublisher) PublishEnactment(rec dosing.Record) error {
	payload, err := FormatEnactment(rec)
	if err != nil {
		return fmt.Errorf("format enactment payload: %w", err)
	}
	return p.publish(p.enactmentTopic, 1, false, payload)
}

func (p *RealPublisher) publish(topic string, qos byte, retained bool, payload []byte) error {
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker if this publisher owns the client.
func (p *RealPublisher) Close() error {
	if p.ownsClient {
		p.client.Disconnect(1000)
	}
	return nil
}

var _ Publisher = (*RealPublisher)(nil)
