package registry

import (
	"os"
	"strings"
	"testing"
	"time"
)

// etcdRegistry needs a live cluster; set ETCD_ENDPOINTS (comma-separated) to
// run these, e.g. ETCD_ENDPOINTS=127.0.0.1:2379 go test ./registry/...
func etcdReg(t *testing.T) *EtcdRegistry {
	t.Helper()
	eps := os.Getenv("ETCD_ENDPOINTS")
	if eps == "" {
		t.Skip("ETCD_ENDPOINTS not set")
	}
	reg, err := NewEtcdRegistry(strings.Split(eps, ","))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestEtcdRegisterDiscoverDeregister(t *testing.T) {
	reg := etcdReg(t)
	in := ServiceInstance{Addr: "127.0.0.1:19001", Weight: 3, Version: "test"}

	if err := reg.Register("EtcdGreeterTest", in, 5); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister("EtcdGreeterTest", in.Addr)

	list, err := reg.Discover("EtcdGreeterTest")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, got := range list {
		if got.Addr == in.Addr && got.Weight == 3 && got.Version == "test" {
			found = true
		}
	}
	if !found {
		t.Fatalf("registered instance not discovered: %+v", list)
	}

	if err := reg.Deregister("EtcdGreeterTest", in.Addr); err != nil {
		t.Fatal(err)
	}
	list, err = reg.Discover("EtcdGreeterTest")
	if err != nil {
		t.Fatal(err)
	}
	for _, got := range list {
		if got.Addr == in.Addr {
			t.Fatal("instance survived deregistration")
		}
	}
}

func TestEtcdWatchSeesMembershipChange(t *testing.T) {
	reg := etcdReg(t)
	watch := reg.Watch("EtcdWatchTest")

	in := ServiceInstance{Addr: "127.0.0.1:19002"}
	if err := reg.Register("EtcdWatchTest", in, 5); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister("EtcdWatchTest", in.Addr)

	select {
	case list := <-watch:
		found := false
		for _, got := range list {
			if got.Addr == in.Addr {
				found = true
			}
		}
		if !found {
			t.Fatalf("watch update missing the new instance: %+v", list)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no watch update after registration")
	}
}
