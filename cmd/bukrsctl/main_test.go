package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/dolphin2410/bukrs/api"
	"github.com/dolphin2410/bukrs/dispatch"
	"github.com/dolphin2410/bukrs/packets"
	"github.com/dolphin2410/bukrs/server"
)

func startServer(t *testing.T) (*api.API, string) {
	t.Helper()
	schema, err := packets.NewSchema()
	if err != nil {
		t.Fatal(err)
	}
	a := api.New()
	d := dispatch.New()
	if err := d.RegisterListener(a); err != nil {
		t.Fatal(err)
	}
	srv := server.NewServer(schema, d, server.OnDisconnect(a.Disconnected))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.ServeListener(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return a, ln.Addr().String()
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHandshakeCommand(t *testing.T) {
	_, addr := startServer(t)
	out, err := execute(t, "--addr", addr, "handshake")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "client_id=") {
		t.Fatalf("output = %q", out)
	}
}

func TestPlayerCommands(t *testing.T) {
	a, addr := startServer(t)
	players := a.Players.(*api.MemoryPlayers)
	players.Join(packets.PlayerData{ID: 7, Name: "Steve", UUID: packets.UUID{MSB: 1, LSB: 2}})

	out, err := execute(t, "--addr", addr, "players")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "7" {
		t.Fatalf("players = %q", out)
	}

	for _, q := range []string{"steve", "7"} {
		out, err := execute(t, "--addr", addr, "player", q)
		if err != nil {
			t.Fatalf("player %s: %v", q, err)
		}
		want := "7\tSteve\t00000000000000010000000000000002\n"
		if out != want {
			t.Fatalf("player %s = %q, want %q", q, out, want)
		}
	}

	if _, err := execute(t, "--addr", addr, "--timeout", "200ms", "player", "alex"); err == nil {
		t.Fatal("expect error for unknown player")
	}
}

func TestNewBalancer(t *testing.T) {
	for _, name := range []string{"roundrobin", "random"} {
		if _, err := newBalancer(name, ""); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}
	if _, err := newBalancer("hash", ""); err == nil {
		t.Fatal("hash without key should fail")
	}
	b, err := newBalancer("hash", "Steve")
	if err != nil || b.Name() == "" {
		t.Fatalf("hash = %v, %v", b, err)
	}
	if _, err := newBalancer("sticky", ""); err == nil {
		t.Fatal("expect unknown balancer error")
	}
}
