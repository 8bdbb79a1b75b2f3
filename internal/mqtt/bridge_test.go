package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/agrifarm/internal/config"
	"github.com/nugget/agrifarm/internal/events"
)

func testBridge(t *testing.T, cfg config.MQTTConfig) (*Bridge, *[]*paho.Publish) {
	t.Helper()
	b := NewBridge(cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var sent []*paho.Publish
	b.publish = func(_ context.Context, p *paho.Publish) error {
		sent = append(sent, p)
		return nil
	}
	return b, &sent
}

func TestNewBridge_ClientID(t *testing.T) {
	b := NewBridge(config.MQTTConfig{Broker: "mqtt://localhost:1883"}, nil, nil)
	if !strings.HasPrefix(b.ClientID(), "agri-chatbot-") {
		t.Errorf("ClientID() = %q", b.ClientID())
	}
	if b.limiter.limit != defaultRateLimit {
		t.Errorf("rate limit = %d, want default %d", b.limiter.limit, defaultRateLimit)
	}
}

func TestClientConfig(t *testing.T) {
	b := NewBridge(config.MQTTConfig{
		Broker:   "mqtts://broker.example.com:8883",
		Username: "farm",
		Password: "secret",
	}, nil, nil)

	cfg, err := b.clientConfig(context.Background())
	if err != nil {
		t.Fatalf("clientConfig: %v", err)
	}
	if cfg.KeepAlive != 60 {
		t.Errorf("KeepAlive = %d, want 60", cfg.KeepAlive)
	}
	if cfg.ConnectTimeout != 30*time.Second {
		t.Errorf("ConnectTimeout = %v, want 30s", cfg.ConnectTimeout)
	}
	if !cfg.CleanStartOnInitialConnection {
		t.Error("clean start not set")
	}
	if d := cfg.ReconnectBackoff(5); d != time.Second {
		t.Errorf("ReconnectBackoff(5) = %v, want 1s", d)
	}
	if cfg.TlsCfg == nil {
		t.Error("TLS not enabled for mqtts scheme")
	}
	if cfg.ConnectUsername != "farm" || string(cfg.ConnectPassword) != "secret" {
		t.Error("credentials not set")
	}
	w := cfg.WillMessage
	if w == nil || w.Topic != TopicSystemStatus || string(w.Payload) != "offline" || !w.Retain {
		t.Errorf("WillMessage = %+v", w)
	}
	if cfg.ClientConfig.ClientID != b.ClientID() {
		t.Errorf("ClientID = %q, want %q", cfg.ClientConfig.ClientID, b.ClientID())
	}
}

func TestClientConfig_PlainAndBadURL(t *testing.T) {
	b := NewBridge(config.MQTTConfig{Broker: "mqtt://localhost:1883"}, nil, nil)
	cfg, err := b.clientConfig(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TlsCfg != nil {
		t.Error("TLS enabled for plain mqtt scheme")
	}
	if cfg.ConnectUsername != "" {
		t.Error("username set without credentials")
	}

	b = NewBridge(config.MQTTConfig{Broker: "://bad"}, nil, nil)
	if _, err := b.clientConfig(context.Background()); err == nil {
		t.Error("expected error for malformed broker URL")
	}
}

func TestDispatch(t *testing.T) {
	b, _ := testBridge(t, config.MQTTConfig{})
	var data, status, all []string
	b.Handle(TopicSensorData, func(_ context.Context, topic string, _ []byte) { data = append(data, topic) })
	b.Handle(TopicSensorStatus, func(_ context.Context, topic string, _ []byte) { status = append(status, topic) })
	b.Handle("sensors/#", func(_ context.Context, topic string, _ []byte) { all = append(all, topic) })

	ctx := context.Background()
	b.dispatch(ctx, "sensors/ESP32-001/data", []byte(`{}`))
	b.dispatch(ctx, "sensors/ESP32-001/status", []byte(`{}`))
	b.dispatch(ctx, "system/status", []byte("online"))

	if len(data) != 1 || len(status) != 1 || len(all) != 2 {
		t.Errorf("data=%v status=%v all=%v", data, status, all)
	}
}

func TestDispatch_RateLimited(t *testing.T) {
	b, _ := testBridge(t, config.MQTTConfig{RateLimit: 2})
	n := 0
	b.Handle("#", func(context.Context, string, []byte) { n++ })
	for range 5 {
		b.dispatch(context.Background(), "sensors/x/data", nil)
	}
	if n != 2 {
		t.Errorf("handled %d messages, want 2", n)
	}
}

func TestPublishCommand(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)

	b, sent := testBridge(t, config.MQTTConfig{Secret: "s3cret"})
	b.bus = bus

	cmd := map[string]any{"action": "turn_on", "component": "pump"}
	if err := b.PublishCommand(context.Background(), "ESP32-001", cmd); err != nil {
		t.Fatalf("PublishCommand: %v", err)
	}
	if _, ok := cmd["secret"]; ok {
		t.Error("caller's command map was modified")
	}
	if len(*sent) != 1 {
		t.Fatalf("sent %d packets, want 1", len(*sent))
	}
	p := (*sent)[0]
	if p.Topic != "control/ESP32-001/command" || p.QoS != 1 || p.Retain {
		t.Errorf("packet = topic %q qos %d retain %v", p.Topic, p.QoS, p.Retain)
	}
	var got map[string]any
	if err := json.Unmarshal(p.Payload, &got); err != nil {
		t.Fatal(err)
	}
	if got["secret"] != "s3cret" || got["action"] != "turn_on" || got["component"] != "pump" {
		t.Errorf("payload = %v", got)
	}

	select {
	case e := <-sub:
		if e.Kind != events.KindCommandSent || e.Data["serial"] != "ESP32-001" {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Error("no command_sent event")
	}
}

func TestPublishCommand_Errors(t *testing.T) {
	b := NewBridge(config.MQTTConfig{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := b.PublishCommand(context.Background(), "x", map[string]any{}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("err = %v, want ErrNotStarted", err)
	}
	if err := b.AwaitConnection(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("AwaitConnection err = %v, want ErrNotStarted", err)
	}
	if err := b.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}

	var buf bytes.Buffer
	b.logger = slog.New(slog.NewTextHandler(&buf, nil))
	boom := errors.New("broker gone")
	b.publish = func(context.Context, *paho.Publish) error { return boom }
	if err := b.PublishCommand(context.Background(), "ESP32-001", map[string]any{"action": "irrigate"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped broker error", err)
	}
	if !strings.Contains(buf.String(), "mqtt command publish failed") {
		t.Errorf("missing error log: %s", buf.String())
	}
}
