package leader

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestSingleLeader(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	a := New(client, "test:leader", "replica-a", time.Second)
	b := New(client, "test:leader", "replica-b", time.Second)

	a.campaign(ctx)
	b.campaign(ctx)

	if !a.IsLeader() {
		t.Fatalf("first campaigner should hold the lease")
	}
	if b.IsLeader() {
		t.Fatalf("only one replica may lead")
	}
}

func TestResignHandsOverLease(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	a := New(client, "test:leader", "replica-a", time.Second)
	b := New(client, "test:leader", "replica-b", time.Second)

	a.campaign(ctx)
	a.resign()
	if a.IsLeader() {
		t.Fatalf("resigned replica must not report leadership")
	}

	b.campaign(ctx)
	if !b.IsLeader() {
		t.Fatalf("lease should be free after resign")
	}
}

func TestRenewKeepsLease(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	a := New(client, "test:leader", "replica-a", time.Second)
	a.campaign(ctx)
	a.campaign(ctx)
	if !a.IsLeader() {
		t.Fatalf("renewal must keep the lease")
	}
}

func TestLostLeaseDetected(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	a := New(client, "test:leader", "replica-a", time.Second)
	a.campaign(ctx)

	// Another replica stole the key out from under us.
	client.Set(ctx, "test:leader", "replica-b", time.Second)
	a.campaign(ctx)
	if a.IsLeader() {
		t.Fatalf("replica must notice a stolen lease")
	}
}
