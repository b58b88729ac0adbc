package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

// etcdEndpoints returns the endpoints from BUKRS_ETCD_ENDPOINTS or skips.
func etcdEndpoints(t *testing.T) []string {
	t.Helper()
	v := os.Getenv("BUKRS_ETCD_ENDPOINTS")
	if v == "" {
		t.Skip("BUKRS_ETCD_ENDPOINTS not set")
	}
	return strings.Split(v, ",")
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t), 5*time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	service := "bukrs-test-" + time.Now().Format("150405.000")
	ep1 := Endpoint{Addr: "127.0.0.1:25001", Weight: 10, Version: "1.0"}
	ep2 := Endpoint{Addr: "127.0.0.1:25002", Weight: 5, Version: "1.0"}

	if err := reg.Register(ctx, service, ep1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, service, ep2, 10); err != nil {
		t.Fatal(err)
	}

	endpoints, err := reg.Discover(ctx, service)
	if err != nil {
		t.Fatal(err)
	}
	if len(endpoints) != 2 {
		t.Fatalf("expect 2 endpoints, got %d", len(endpoints))
	}

	if err := reg.Deregister(ctx, service, ep1.Addr); err != nil {
		t.Fatal(err)
	}
	endpoints, err = reg.Discover(ctx, service)
	if err != nil {
		t.Fatal(err)
	}
	if len(endpoints) != 1 || endpoints[0].Addr != ep2.Addr {
		t.Fatalf("after deregister: %+v", endpoints)
	}

	_ = reg.Deregister(ctx, service, ep2.Addr)
}
