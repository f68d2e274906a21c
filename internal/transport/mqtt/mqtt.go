// Package mqtt publishes alerts to displays and speakers subscribed on an
// MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"adzanbot/internal/transport"
	"adzanbot/pkg/logx"
)

type Config struct {
	Broker         string // tcp://host:1883
	ClientID       string
	Username       string
	Password       string
	Topic          string
	QoS            byte
	Retained       bool
	ConnectTimeout time.Duration
}

// Payload is the JSON document published per alert.
type Payload struct {
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	Prayer string    `json:"prayer,omitempty"`
	At     time.Time `json:"at"`
	Key    string    `json:"key,omitempty"`
}

// publisher is the subset of paho.Client the adapter uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

type Adapter struct {
	cfg    Config
	log    logx.Logger
	mu     sync.Mutex
	client paho.Client
	pub    publisher
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("mqtt broker is empty")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("mqtt topic is empty")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt qos %d out of range", cfg.QoS)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "adzanbot"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log.With(logx.String("comp", "mqtt"))}, nil
}

// Start connects to the broker. Later connection losses are retried by the
// client in the background.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return nil
	}
	opts := paho.NewClientOptions()
	opts.AddBroker(a.cfg.Broker)
	opts.SetClientID(a.cfg.ClientID)
	opts.SetUsername(a.cfg.Username)
	opts.SetPassword(a.cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(a.cfg.ConnectTimeout)
	opts.OnConnect = func(paho.Client) {
		a.log.Info("connected", logx.String("broker", a.cfg.Broker))
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		a.log.Warn("connection lost", logx.Err(err))
	}

	c := paho.NewClient(opts)
	tok := c.Connect()
	wait := a.cfg.ConnectTimeout
	if dl, ok := ctx.Deadline(); ok {
		wait = min(wait, time.Until(dl))
	}
	if !tok.WaitTimeout(wait) {
		// ConnectRetry keeps trying; publishes queue until connected.
		a.log.Warn("mqtt connect pending", logx.String("broker", a.cfg.Broker))
	} else if err := tok.Error(); err != nil {
		c.Disconnect(0)
		return fmt.Errorf("mqtt connect %s: %w", a.cfg.Broker, err)
	}
	a.client, a.pub = c, c
	return nil
}

func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	c := a.client
	a.client, a.pub = nil, nil
	a.mu.Unlock()
	if c != nil {
		c.Disconnect(250)
	}
	return nil
}

// Send implements transport.Sender. The topic gets the prayer appended
// ("adzan/alerts/fajr") when the notification names one.
func (a *Adapter) Send(ctx context.Context, n transport.Notification) error {
	a.mu.Lock()
	pub := a.pub
	a.mu.Unlock()
	if pub == nil {
		return errors.New("mqtt not connected")
	}
	b, err := json.Marshal(Payload{Title: n.Title, Body: n.Text, Prayer: n.Prayer, At: n.At, Key: n.Key})
	if err != nil {
		return err
	}
	tok := pub.Publish(topicFor(a.cfg.Topic, n.Prayer), a.cfg.QoS, a.cfg.Retained, b)
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func topicFor(base, prayer string) string {
	base = strings.TrimRight(base, "/")
	if prayer == "" {
		return base
	}
	return base + "/" + strings.ToLower(prayer)
}
