// Package mqttpub forwards samples and status changes to an MQTT broker.
package mqttpub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"aqm-go/bus"
	"aqm-go/drivers/sen5x"
	"aqm-go/errcode"
	"aqm-go/services/poller"
)

type Config struct {
	Broker   string // tcp://host:1883
	Topic    string // prefix
	ClientID string
	QoS      byte
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Client is the part of mqtt.Client used here.
type Client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type Publisher struct {
	client Client
	cfg    Config
	log    *slog.Logger
}

// New builds a paho client for cfg.Broker; nothing connects until Run.
func New(cfg Config) *Publisher {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout).
		SetWill(cfg.Topic+"/state", "offline", cfg.QoS, true)
	return NewWithClient(mqtt.NewClient(opts), cfg)
}

// NewWithClient uses an existing client.
func NewWithClient(c Client, cfg Config) *Publisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{client: c, cfg: cfg, log: log.With("component", "mqttpub", "broker", cfg.Broker)}
}

func (p *Publisher) wait(t mqtt.Token, op string) error {
	if !t.WaitTimeout(p.cfg.Timeout) {
		return &errcode.E{C: errcode.Timeout, Op: "mqttpub", Msg: op}
	}
	return errcode.Wrap(errcode.IO, "mqttpub", t.Error())
}

func (p *Publisher) publish(topic string, retained bool, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.wait(p.client.Publish(p.cfg.Topic+"/"+topic, p.cfg.QoS, retained, b), "publish "+topic)
}

// SamplePayload is the JSON form of a sample; absent readings are null.
func SamplePayload(ev poller.SampleEvent) map[string]any {
	m := map[string]any{"time": ev.Time.UTC().Format(time.RFC3339)}
	for f := sen5x.Field(0); f < sen5x.NumFields; f++ {
		if v, ok := ev.Sample.Get(f); ok {
			m[f.Key()] = v
		} else {
			m[f.Key()] = nil
		}
	}
	return m
}

// StatusPayload is the JSON form of a status check.
func StatusPayload(ev poller.StatusEvent) map[string]any {
	errs := ev.Status.Names()
	if errs == nil {
		errs = []string{}
	}
	return map[string]any{
		"time":   ev.Time.UTC().Format(time.RFC3339),
		"ok":     ev.Status == 0,
		"errors": errs,
	}
}

// Handle publishes one poller message.
func (p *Publisher) Handle(msg *bus.Message) error {
	switch ev := msg.Payload.(type) {
	case poller.SampleEvent:
		return p.publish("sample", false, SamplePayload(ev))
	case poller.StatusEvent:
		return p.publish("status", true, StatusPayload(ev))
	case poller.State:
		return p.wait(p.client.Publish(p.cfg.Topic+"/state", p.cfg.QoS, true, ev.String()), "publish state")
	}
	return nil
}

// Run connects and forwards poller messages until ctx is done.
func (p *Publisher) Run(ctx context.Context, conn *bus.Connection) error {
	if err := p.wait(p.client.Connect(), "connect"); err != nil {
		return fmt.Errorf("mqttpub: connect %s: %w", p.cfg.Broker, err)
	}
	defer p.client.Disconnect(250)
	p.log.Info("connected")

	sub := conn.Subscribe(bus.T("sensor", bus.Rest))
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Channel():
			if !ok {
				return nil
			}
			if err := p.Handle(msg); err != nil {
				p.log.Warn("publish failed", "topic", msg.Topic, "err", err)
			}
		}
	}
}
