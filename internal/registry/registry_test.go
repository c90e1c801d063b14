package registry

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/sttgate/internal/bus"
	"github.com/loqalabs/sttgate/internal/config"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func startRegistry(t *testing.T) (*Registry, *nats.Conn) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: server.RANDOM_PORT, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	cfg := config.NodeConfig{ID: "gw-1", HeartbeatIntervalMS: 50, HeartbeatTimeoutMS: 500}
	reg, err := New(context.Background(), cfg, []Route{{ProviderID: "mock", ModelID: "mock-stt", CostUnits: 1}}, client, log)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(reg.Close)

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(conn.Close)
	return reg, conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGatewayAnnouncesItself(t *testing.T) {
	reg, _ := startRegistry(t)
	if !reg.Healthy() {
		t.Fatal("expected local node to be healthy after announce")
	}
	gateways := reg.Nodes(WithRole(RoleGateway))
	if len(gateways) != 1 || gateways[0].ID != "gw-1" || len(gateways[0].Routes) != 1 {
		t.Fatalf("unexpected gateways %+v", gateways)
	}
	if !reg.ServesProvider("mock") {
		t.Fatal("expected mock route to be served")
	}
}

func TestProviderAnnouncementAndExpiry(t *testing.T) {
	reg, conn := startRegistry(t)
	payload, _ := json.Marshal(announceMessage{
		NodeID: "worker-1",
		Role:   RoleProvider,
		Routes: []Route{{ProviderID: "whisper", ModelID: "large-v3", Locales: []string{"en-US"}}},
	})
	if err := conn.Publish(SubjectAnnounce, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool { return reg.ServesProvider("whisper") })

	// Age the worker past the heartbeat timeout.
	reg.mu.Lock()
	reg.nodes["worker-1"].LastSeen = time.Now().Add(-time.Minute)
	reg.mu.Unlock()
	reg.evaluateHealth()

	if reg.ServesProvider("whisper") {
		t.Fatal("expected lapsed worker to stop serving")
	}
	if nodes := reg.Nodes(WithRole(RoleProvider)); len(nodes) != 1 || nodes[0].Healthy {
		t.Fatalf("expected unhealthy worker to remain listed, got %+v", nodes)
	}

	hb, _ := json.Marshal(heartbeatMessage{NodeID: "worker-1", Timestamp: time.Now().UTC()})
	if err := conn.Publish(SubjectHeartbeatPrefix+"worker-1", hb); err != nil {
		t.Fatalf("publish heartbeat: %v", err)
	}
	waitFor(t, func() bool { return reg.ServesProvider("whisper") })
}

func TestInvalidMessagesIgnored(t *testing.T) {
	reg, conn := startRegistry(t)
	if err := conn.Publish(SubjectAnnounce, []byte("{oops")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := conn.Publish(SubjectHeartbeatPrefix+"x", []byte(`{"node_id":""}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if n := len(reg.Nodes(nil)); n != 1 {
		t.Fatalf("expected only the gateway, got %d nodes", n)
	}
}
