package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tnqbao/gau-workflow-monitor/config"
	"github.com/tnqbao/gau-workflow-monitor/infra"
)

func subscriberNames(subs []Subscriber) []string {
	names := make([]string, 0, len(subs))
	for _, s := range subs {
		names = append(names, s.Name())
	}
	return names
}

func TestNewSubscribersOrder(t *testing.T) {
	t.Parallel()

	got := subscriberNames(NewSubscribers(nil, SubscriberDeps{Notifier: &fakeNotifier{}}))
	want := []string{"email", "download", "system-test"}
	if len(got) != len(want) {
		t.Fatalf("subscribers = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("subscribers = %v, want %v", got, want)
		}
	}
}

func TestNewSubscribersHonoursToggles(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultMonitorConfig()
	cfg.Download.Enabled = false

	got := subscriberNames(NewSubscribers(cfg, SubscriberDeps{}))
	if len(got) != 1 || got[0] != "system-test" {
		t.Fatalf("subscribers = %v", got)
	}
}

func TestRedisTickLeaseGrantsOneHolder(t *testing.T) {
	t.Parallel()

	redis := newTestRedisClient(t)
	first := NewRedisTickLease(redis, "replica-a")
	second := NewRedisTickLease(redis, "replica-b")
	ctx := context.Background()

	ok, err := first.Acquire(ctx, "alice", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first Acquire = %v, %v", ok, err)
	}
	ok, err = second.Acquire(ctx, "alice", time.Minute)
	if err != nil || ok {
		t.Fatalf("second Acquire = %v, %v", ok, err)
	}
	ok, err = second.Acquire(ctx, "bob", time.Minute)
	if err != nil || !ok {
		t.Fatalf("other key Acquire = %v, %v", ok, err)
	}
}

func TestRedisTickLeaseRenewsForItsHolder(t *testing.T) {
	t.Parallel()

	server, client := newTestRedis(t)
	leader := NewRedisTickLease(client, "replica-a")
	standby := NewRedisTickLease(client, "replica-b")
	ctx := context.Background()
	ttl := 30 * time.Second

	if ok, err := leader.Acquire(ctx, "alice", ttl); err != nil || !ok {
		t.Fatalf("first tick = %v, %v", ok, err)
	}

	// next tick arrives just before the previous lease runs out
	server.FastForward(ttl - 5*time.Millisecond)
	if ok, err := leader.Acquire(ctx, "alice", ttl); err != nil || !ok {
		t.Fatalf("holder lost its own lease on an early tick: %v, %v", ok, err)
	}
	if ok, err := standby.Acquire(ctx, "alice", ttl); err != nil || ok {
		t.Fatalf("standby took a held lease: %v, %v", ok, err)
	}

	// renewal pushed expiry out by a full ttl
	server.FastForward(ttl - 5*time.Millisecond)
	if ok, _ := standby.Acquire(ctx, "alice", ttl); ok {
		t.Fatal("standby took the lease before the renewed ttl ran out")
	}

	server.FastForward(10 * time.Millisecond)
	if ok, err := standby.Acquire(ctx, "alice", ttl); err != nil || !ok {
		t.Fatalf("standby could not take an expired lease: %v, %v", ok, err)
	}
	if ok, _ := leader.Acquire(ctx, "alice", ttl); ok {
		t.Fatal("former holder kept ticking after losing the lease")
	}
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *infra.RedisClient) {
	t.Helper()
	server := miniredis.RunT(t)
	return server, infra.NewRedisClient(redis.NewClient(&redis.Options{Addr: server.Addr()}))
}

func newTestRedisClient(t *testing.T) *infra.RedisClient {
	t.Helper()
	_, client := newTestRedis(t)
	return client
}
