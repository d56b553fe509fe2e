package device

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"loop-dosing/internal/dosing"
)

// Transport is the slice of an MQTT client the pump bridge needs.
type Transport interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func(payload []byte)) error
	Unsubscribe(topic string) error
}

// PahoTransport adapts a connected paho client.
type PahoTransport struct {
	client  paho.Client
	timeout time.Duration
}

// NewPahoTransport wraps client. Broker round trips are bounded by 5s.
func NewPahoTransport(client paho.Client) *PahoTransport {
	return &PahoTransport{client: client, timeout: 5 * time.Second}
}

// Publish sends payload with QoS 1.
func (p *PahoTransport) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Subscribe registers handler for topic with QoS 1.
func (p *PahoTransport) Subscribe(topic string, handler func(payload []byte)) error {
	token := p.client.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
		handler(msg.Payload())
	})
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// Unsubscribe drops the subscription for topic.
func (p *PahoTransport) Unsubscribe(topic string) error {
	token := p.client.Unsubscribe(topic)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("unsubscribe timeout")
	}
	return token.Error()
}

// MQTTPumpOptions parameterise the MQTT pump bridge.
type MQTTPumpOptions struct {
	DeviceID    string
	TopicPrefix string
	Timeout     time.Duration
}

// Command is the JSON request published to the pump bridge.
type Command struct {
	ID              string  `json:"id"`
	Type            string  `json:"type"`
	UnitsPerHour    float64 `json:"units_per_hour,omitempty"`
	DurationSeconds int64   `json:"duration_seconds,omitempty"`
	Units           float64 `json:"units,omitempty"`
	Trigger         string  `json:"trigger,omitempty"`
	IssuedAt        string  `json:"issued_at"`
}

// Reply is the JSON acknowledgement the bridge publishes back.
type Reply struct {
	ID        string `json:"id"`
	OK        bool   `json:"ok"`
	ErrorKind string `json:"error_kind,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// MQTTPump forwards commands to a pump bridge over MQTT and waits for the
// matching reply.
type MQTTPump struct {
	transport    Transport
	opts         MQTTPumpOptions
	commandTopic string
	replyTopic   string
	logger       zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan Reply
}

// NewMQTTPump subscribes to the reply topic and returns a ready bridge.
func NewMQTTPump(transport Transport, opts MQTTPumpOptions, logger zerolog.Logger) (*MQTTPump, error) {
	if opts.DeviceID == "" {
		return nil, fmt.Errorf("mqtt pump requires a device id")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	prefix := strings.TrimRight(opts.TopicPrefix, "/")
	if prefix == "" {
		prefix = "loopd"
	}

	p := &MQTTPump{
		transport:    transport,
		opts:         opts,
		commandTopic: fmt.Sprintf("%s/pump/%s/command", prefix, opts.DeviceID),
		replyTopic:   fmt.Sprintf("%s/pump/%s/reply", prefix, opts.DeviceID),
		logger:       logger.With().Str("component", "mqtt_pump").Str("device", opts.DeviceID).Logger(),
		pending:      make(map[string]chan Reply),
	}
	if err := transport.Subscribe(p.replyTopic, p.handleReply); err != nil {
		return nil, fmt.Errorf("subscribe pump replies: %w", err)
	}
	return p, nil
}

// CommandTopic is where commands are published.
func (p *MQTTPump) CommandTopic() string { return p.commandTopic }

// ReplyTopic is where acknowledgements are expected.
func (p *MQTTPump) ReplyTopic() string { return p.replyTopic }

// Close drops the reply subscription.
func (p *MQTTPump) Close() error {
	return p.transport.Unsubscribe(p.replyTopic)
}

// SetTemporaryBasal implements dosing.Device.
func (p *MQTTPump) SetTemporaryBasal(ctx context.Context, unitsPerHour float64, duration time.Duration) error {
	return p.send(ctx, Command{
		Type:            "temp_basal",
		UnitsPerHour:    unitsPerHour,
		DurationSeconds: int64(duration / time.Second),
	})
}

// DeliverBolus implements dosing.Device.
func (p *MQTTPump) DeliverBolus(ctx context.Context, units float64, trigger dosing.Trigger) error {
	return p.send(ctx, Command{
		Type:    "bolus",
		Units:   units,
		Trigger: string(trigger),
	})
}

func (p *MQTTPump) send(ctx context.Context, cmd Command) error {
	cmd.ID = uuid.NewString()
	cmd.IssuedAt = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode pump command: %w", err)
	}

	replies := make(chan Reply, 1)
	p.mu.Lock()
	p.pending[cmd.ID] = replies
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, cmd.ID)
		p.mu.Unlock()
	}()

	if err := p.transport.Publish(p.commandTopic, payload); err != nil {
		return dosing.NewDeviceError(dosing.FailureUnreachable, "%v", err)
	}

	timer := time.NewTimer(p.opts.Timeout)
	defer timer.Stop()

	select {
	case reply := <-replies:
		if reply.OK {
			return nil
		}
		return replyError(reply)
	case <-timer.C:
		return dosing.NewDeviceError(dosing.FailureTimeout, "no reply to %s %s within %s", cmd.Type, cmd.ID, p.opts.Timeout)
	case <-ctx.Done():
		return dosing.NewDeviceError(dosing.FailureTimeout, "%s %s: %v", cmd.Type, cmd.ID, ctx.Err())
	}
}

func (p *MQTTPump) handleReply(payload []byte) {
	var reply Reply
	if err := json.Unmarshal(payload, &reply); err != nil {
		p.logger.Warn().Err(err).Msg("discarding malformed pump reply")
		return
	}

	p.mu.Lock()
	ch, ok := p.pending[reply.ID]
	p.mu.Unlock()
	if !ok {
		p.logger.Debug().Str("command_id", reply.ID).Msg("reply for unknown or expired command")
		return
	}

	select {
	case ch <- reply:
	default:
	}
}

func replyError(reply Reply) error {
	kind := dosing.FailureKind(reply.ErrorKind)
	switch kind {
	case dosing.FailureUnreachable, dosing.FailureRejected, dosing.FailureBusy, dosing.FailureTimeout:
	default:
		kind = dosing.FailureRejected
	}
	return &dosing.DeviceError{Kind: kind, Detail: reply.Detail}
}

var _ dosing.Device = (*MQTTPump)(nil)
