package registry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryRegisterAndDiscover(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	_ = reg.Register(ctx, "bukrs", Endpoint{Addr: "b:2", Weight: 1}, 10)
	_ = reg.Register(ctx, "bukrs", Endpoint{Addr: "a:1", Weight: 3}, 10)
	_ = reg.Register(ctx, "other", Endpoint{Addr: "c:3"}, 10)

	eps, err := reg.Discover(ctx, "bukrs")
	if err != nil {
		t.Fatal(err)
	}
	if len(eps) != 2 || eps[0].Addr != "a:1" || eps[1].Addr != "b:2" {
		t.Fatalf("discover = %+v", eps)
	}

	_ = reg.Deregister(ctx, "bukrs", "a:1")
	eps, _ = reg.Discover(ctx, "bukrs")
	if len(eps) != 1 || eps[0].Addr != "b:2" {
		t.Fatalf("after deregister = %+v", eps)
	}
}

func TestMemoryWatch(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := reg.Watch(ctx, "bukrs")
	if err != nil {
		t.Fatal(err)
	}

	_ = reg.Register(context.Background(), "bukrs", Endpoint{Addr: "a:1"}, 10)
	_ = reg.Register(context.Background(), "bukrs", Endpoint{Addr: "b:2"}, 10)

	select {
	case eps := <-ch:
		if len(eps) != 2 {
			t.Fatalf("watch delivered %+v, want latest list", eps)
		}
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected update after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}

func TestMemoryClose(t *testing.T) {
	reg := NewMemoryRegistry()
	if err := reg.Close(); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(context.Background(), "bukrs", Endpoint{Addr: "a:1"}, 10); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v", err)
	}
	if err := reg.Close(); err != nil {
		t.Fatal(err)
	}
}
