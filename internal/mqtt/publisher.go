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

	"github.com/zhishimianbao/tripmind/internal/config"
	"github.com/zhishimianbao/tripmind/internal/events"
)

const (
	statePublishInterval = time.Minute
	busBuffer            = 256
)

// Publisher manages the MQTT connection and forwards bus events to
// the broker.
type Publisher struct {
	cfg    config.MQTTConfig
	bus    *events.Bus
	daily  *DailyUsage
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin.
func New(cfg config.MQTTConfig, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:    cfg,
		bus:    bus,
		daily:  NewDailyUsage(nil),
		logger: logger,
	}
}

// Daily returns the publisher's daily usage counter.
func (p *Publisher) Daily() *DailyUsage { return p.daily }

// Start connects to the broker and forwards events until ctx is
// cancelled.
func (p *Publisher) Start(ctx context.Context) error {
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
			Topic:   p.topic("availability"),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "tripmind-" + p.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
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

	p.run(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) topic(name string) string {
	return p.cfg.TopicPrefix + "/" + p.cfg.DeviceName + "/" + name
}

func (p *Publisher) run(ctx context.Context) {
	ch := p.bus.Subscribe(busBuffer)
	defer p.bus.Unsubscribe(ch)

	ticker := time.NewTicker(statePublishInterval)
	defer ticker.Stop()

	p.publishDaily(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			p.handle(ctx, e)
		case <-ticker.C:
			p.publishDaily(ctx)
		}
	}
}

func (p *Publisher) handle(ctx context.Context, e events.Event) {
	if e.Kind == events.KindUsage {
		p.daily.Add(intField(e.Data, "prompt_tokens"), intField(e.Data, "completion_tokens"))
	}
	name, payload, ok := messageFor(e)
	if !ok {
		return
	}
	p.publish(ctx, name, payload, false)
}

// messageFor maps a bus event to a topic name and JSON payload. Events
// that are not forwarded return ok == false.
func messageFor(e events.Event) (name string, payload []byte, ok bool) {
	switch e.Kind {
	case events.KindUsage:
		name = "usage"
	case events.KindRequestComplete:
		name = "requests"
	default:
		return "", nil, false
	}
	body := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		body[k] = v
	}
	body["ts"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	payload, err := json.Marshal(body)
	if err != nil {
		return "", nil, false
	}
	return name, payload, true
}

func (p *Publisher) publishDaily(ctx context.Context) {
	prompt, completion, _ := p.daily.Snapshot()
	p.publish(ctx, "tokens_today", []byte(strconv.FormatInt(prompt+completion, 10)), true)
}

func (p *Publisher) publish(ctx context.Context, name string, payload []byte, retain bool) {
	if p.cm == nil {
		return
	}
	var qos byte
	if retain {
		qos = 1
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.topic(name),
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		p.logger.Debug("mqtt publish failed", "topic", p.topic(name), "error", err)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.topic("availability"),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
