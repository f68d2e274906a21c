package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"adzanbot/internal/transport"
	"adzanbot/pkg/logx"
)

type doneToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *doneToken {
	t := &doneToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

type fakePub struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
	err      error
}

func (f *fakePub) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	f.topic, f.qos, f.retained = topic, qos, retained
	f.payload, _ = payload.([]byte)
	return newToken(f.err)
}

func TestSendPublishesPayload(t *testing.T) {
	t.Parallel()
	a, err := New(Config{Broker: "tcp://127.0.0.1:1883", Topic: "adzan/alerts/", QoS: 1}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fp := &fakePub{}
	a.pub = fp

	at := time.Date(2025, 3, 15, 4, 40, 0, 0, time.UTC)
	err = a.Send(context.Background(), transport.Notification{Title: "Fajr", Text: "04:40", Prayer: "Fajr", At: at, Key: "alert:fajr:1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if fp.topic != "adzan/alerts/fajr" || fp.qos != 1 {
		t.Fatalf("published to %q qos %d", fp.topic, fp.qos)
	}
	var p Payload
	if err := json.Unmarshal(fp.payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Title != "Fajr" || p.Body != "04:40" || !p.At.Equal(at) || p.Key != "alert:fajr:1" {
		t.Fatalf("payload = %+v", p)
	}

	fp.err = errors.New("broker gone")
	if err := a.Send(context.Background(), transport.Notification{Text: "x"}); err == nil {
		t.Fatalf("publish error not returned")
	}
	if fp.topic != "adzan/alerts" {
		t.Fatalf("topic without prayer = %q", fp.topic)
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	tests := []Config{
		{Topic: "t"},
		{Broker: "tcp://x:1883"},
		{Broker: "tcp://x:1883", Topic: "t", QoS: 3},
	}
	for _, cfg := range tests {
		if _, err := New(cfg, logx.Nop()); err == nil {
			t.Fatalf("New(%+v) accepted", cfg)
		}
	}
	a, _ := New(Config{Broker: "tcp://x:1883", Topic: "t"}, logx.Nop())
	if err := a.Send(context.Background(), transport.Notification{}); err == nil {
		t.Fatalf("Send before Start accepted")
	}
}
