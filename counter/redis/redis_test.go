//go:build integration

package redis_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mediaforge/genrouter"
	counterredis "github.com/mediaforge/genrouter/counter/redis"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestStore(t *testing.T, client *goredis.Client) *counterredis.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := "test:" + t.Name() + ":"
	s := counterredis.New(client, counterredis.WithKeyPrefix(prefix))
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return s
}

func TestIncrByAndGet(t *testing.T) {
	store := newTestStore(t, newTestClient(t))
	ctx := context.Background()

	v, err := store.IncrBy(ctx, "k", 3, 0)
	if err != nil {
		t.Fatalf("incrby: %v", err)
	}
	if v != 3 {
		t.Fatalf("expected 3, got %d", v)
	}

	v, ok, err := store.Get(ctx, "k")
	if err != nil || !ok || v != 3 {
		t.Fatalf("get: v=%d ok=%v err=%v", v, ok, err)
	}

	_, ok, err = store.Get(ctx, "absent")
	if err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
}

func TestIncrByKeepsOriginalTTL(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	if _, err := store.IncrBy(ctx, "k", 1, time.Hour); err != nil {
		t.Fatalf("incrby: %v", err)
	}
	if _, err := store.IncrBy(ctx, "k", 1, 10*time.Hour); err != nil {
		t.Fatalf("incrby: %v", err)
	}

	ttl := client.TTL(ctx, "test:"+t.Name()+":k").Val()
	if ttl > time.Hour {
		t.Fatalf("ttl was refreshed on increment: %s", ttl)
	}
}

func TestCompareAndSwap(t *testing.T) {
	store := newTestStore(t, newTestClient(t))
	ctx := context.Background()

	// A missing key compares equal to zero.
	swapped, err := store.CompareAndSwap(ctx, "k", 0, 5, 0)
	if err != nil || !swapped {
		t.Fatalf("cas from zero: swapped=%v err=%v", swapped, err)
	}

	swapped, err = store.CompareAndSwap(ctx, "k", 4, 9, 0)
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if swapped {
		t.Fatal("stale old value must not swap")
	}

	v, _, err := store.Get(ctx, "k")
	if err != nil || v != 5 {
		t.Fatalf("expected 5, got %d (err %v)", v, err)
	}
}

func TestSetIfAbsent(t *testing.T) {
	store := newTestStore(t, newTestClient(t))
	ctx := context.Background()

	ok, err := store.SetIfAbsent(ctx, "k", 7, 0)
	if err != nil || !ok {
		t.Fatalf("setnx: ok=%v err=%v", ok, err)
	}
	ok, err = store.SetIfAbsent(ctx, "k", 9, 0)
	if err != nil || ok {
		t.Fatalf("second setnx should lose: ok=%v err=%v", ok, err)
	}
}

func TestAdmitScript(t *testing.T) {
	store := newTestStore(t, newTestClient(t))
	ctx := context.Background()
	now := time.Now().Unix()

	check := genrouter.AdmitCheck{
		GlobalKey:       "usage:u1:2026-01-01",
		ModeKey:         "usage:u1:image:2026-01-01",
		CooldownKey:     "cooldown:u1",
		Count:           1,
		GlobalLimit:     2,
		ModeLimit:       2,
		Now:             now,
		CooldownSeconds: 3,
		CounterTTL:      48 * time.Hour,
	}

	out, err := store.Admit(ctx, check)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !out.Allowed {
		t.Fatalf("first admit refused: %+v", out)
	}

	// The cooldown written by the first admit blocks an immediate retry.
	out, err = store.Admit(ctx, check)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if out.Allowed || out.Reason != genrouter.DenyCooldownActive {
		t.Fatalf("expected cooldown denial, got %+v", out)
	}
	if out.RetryAfterSecs <= 0 {
		t.Fatalf("expected positive retry-after, got %d", out.RetryAfterSecs)
	}

	// Past the cooldown the quota itself is the bound.
	check.Now = now + 10
	out, err = store.Admit(ctx, check)
	if err != nil || !out.Allowed {
		t.Fatalf("second admit: %+v err=%v", out, err)
	}

	check.Now = now + 20
	out, err = store.Admit(ctx, check)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if out.Allowed || out.Reason != genrouter.DenyQuotaExceeded {
		t.Fatalf("expected quota denial, got %+v", out)
	}
	if out.Used != 2 || out.Limit != 2 {
		t.Fatalf("expected used=2 limit=2, got %+v", out)
	}
}

func TestAdmitScriptConcurrent(t *testing.T) {
	store := newTestStore(t, newTestClient(t))
	ctx := context.Background()
	now := time.Now().Unix()

	const limit = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := store.Admit(ctx, genrouter.AdmitCheck{
				GlobalKey:   "usage:u1:2026-01-01",
				ModeKey:     "usage:u1:image:2026-01-01",
				CooldownKey: "cooldown:u1",
				Count:       1,
				GlobalLimit: limit,
				Now:         now,
				CounterTTL:  48 * time.Hour,
			})
			if err != nil {
				t.Error(err)
				return
			}
			if out.Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != limit {
		t.Fatalf("expected exactly %d admissions, got %d", limit, admitted)
	}
}
