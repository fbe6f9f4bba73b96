package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/wanderplan/internal/config"
	"github.com/nugget/wanderplan/internal/events"
)

// publishClient is the part of [autopaho.ConnectionManager] the bridge
// uses.
type publishClient interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher forwards bus events to the broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	tokens     *DailyTokens
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect and begin forwarding.
func New(cfg config.MQTTConfig, instanceID string, tokens *DailyTokens, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if tokens == nil {
		tokens = NewDailyTokens(nil)
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		tokens:     tokens,
		logger:     logger.With("component", "mqtt"),
	}
}

// Start connects to the broker and forwards events from bus until ctx
// is cancelled.
func (p *Publisher) Start(ctx context.Context, bus *events.Bus) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.statusTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishStatus(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	ch := bus.Subscribe(256)
	defer bus.Unsubscribe(ch)
	p.forward(ctx, ch, cm)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishStatus(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) forward(ctx context.Context, ch <-chan events.Event, client publishClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			for _, msg := range p.messagesFor(e) {
				if _, err := client.Publish(ctx, msg); err != nil {
					p.logger.Debug("mqtt publish failed", "topic", msg.Topic, "error", err)
				}
			}
		}
	}
}

// messagesFor maps one bus event to the broker messages it produces.
// Stream deltas and model-call starts are too chatty to forward.
func (p *Publisher) messagesFor(e events.Event) []*paho.Publish {
	switch e.Kind {
	case events.KindStreamEvent, events.KindLLMCall:
		return nil
	case events.KindLLMResponse:
		in, _ := e.Data["tokens_in"].(int)
		out, _ := e.Data["tokens_out"].(int)
		p.tokens.OnTokens(in, out)
		input, output, _ := p.tokens.Snapshot()
		return []*paho.Publish{{
			Topic:   p.topic("stats", "tokens_today"),
			Payload: []byte(strconv.FormatInt(input+output, 10)),
			Retain:  true,
		}}
	}

	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return nil
	}

	if e.Source == events.SourceTrip {
		tripID, _ := e.Data["trip_id"].(string)
		if tripID == "" {
			return nil
		}
		return []*paho.Publish{{
			Topic:   p.topic("trips", tripID, e.Kind),
			Payload: payload,
			QoS:     1,
			Retain:  e.Kind == events.KindTripShared,
		}}
	}

	if e.Session == "" {
		return nil
	}
	return []*paho.Publish{{
		Topic:   p.topic("sessions", e.Session, e.Kind),
		Payload: payload,
	}}
}

func (p *Publisher) publishStatus(ctx context.Context, client publishClient, status string) {
	if _, err := client.Publish(ctx, &paho.Publish{
		Topic:   p.statusTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt status publish failed", "status", status, "error", err)
		return
	}
	p.logger.Debug("mqtt status published", "status", status)
}

// --- Topic helpers ---

func (p *Publisher) topic(parts ...string) string {
	t := p.cfg.TopicPrefix
	for _, part := range parts {
		t += "/" + part
	}
	return t
}

func (p *Publisher) statusTopic() string {
	return p.topic("status")
}

// clientID keeps broker sessions distinct when several instances share
// one configured client id.
func (p *Publisher) clientID() string {
	if len(p.instanceID) >= 8 {
		return p.cfg.ClientID + "-" + p.instanceID[len(p.instanceID)-8:]
	}
	return p.cfg.ClientID
}
