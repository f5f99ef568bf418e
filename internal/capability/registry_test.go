package capability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRegistryListAndSupported(t *testing.T) {
	r := NewRegistry("node-a", nil, newLogger())
	attrs := map[string]string{"mode": "mock"}
	r.Set(RemoteSynthesis, true, nil)
	r.Set(Recognition, false, nil)
	r.Set(LocalSynthesis, true, attrs)
	attrs["mode"] = "changed"

	if !r.Supported(RemoteSynthesis) || r.Supported(Recognition) || r.Supported(DocumentAssistant) {
		t.Fatalf("unexpected support flags %+v", r.List())
	}
	caps := r.List()
	if len(caps) != 3 || caps[0].Name != Recognition || caps[1].Name != LocalSynthesis {
		t.Fatalf("expected sorted capabilities, got %+v", caps)
	}
	if caps[1].Attributes["mode"] != "mock" {
		t.Fatalf("attributes must be copied, got %+v", caps[1].Attributes)
	}
	if err := r.Announce(); err != nil {
		t.Fatalf("announce without bus: %v", err)
	}
}

func TestAnnouncePublishesOnBus(t *testing.T) {
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	msgs := make(chan *nats.Msg, 1)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectCapabilities, msgs)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	r := NewRegistry("node-a", client, newLogger())
	r.Set(PDFExtraction, true, nil)
	if err := r.Announce(); err != nil {
		t.Fatalf("announce: %v", err)
	}

	select {
	case msg := <-msgs:
		var ann protocol.CapabilityAnnouncement
		if err := json.Unmarshal(msg.Data, &ann); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ann.NodeID != "node-a" || len(ann.Capabilities) != 1 || !ann.Capabilities[0].Available {
			t.Fatalf("unexpected announcement %+v", ann)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no announcement received")
	}
}
