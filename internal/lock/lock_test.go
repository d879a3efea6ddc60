package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	_ Locker = (*Local)(nil)
	_ Locker = (*Redis)(nil)
)

func TestLocalExclusive(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "paper1/alice/or_group_1")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("max holders = %d, want 1", maxSeen)
	}
	if len(l.locks) != 0 {
		t.Errorf("%d keys left after all unlocks", len(l.locks))
	}
}

func TestLocalIndependentKeys(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	unlockA, err := l.Lock(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA()

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx2, "b")
	if err != nil {
		t.Fatalf("different key should not block: %v", err)
	}
	unlockB()
}

func TestLocalContextCancel(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("err = %v, want ErrNotAcquired", err)
	}

	unlock()
	unlock() // second call is a no-op

	if _, err := l.Lock(context.Background(), "k"); err != nil {
		t.Fatalf("lock after release: %v", err)
	}
}

// TestRedis runs against a real server named by PAPERGRADER_TEST_REDIS,
// e.g. localhost:6379.
func TestRedis(t *testing.T) {
	addr := os.Getenv("PAPERGRADER_TEST_REDIS")
	if addr == "" {
		t.Skip("PAPERGRADER_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	prefix := "papergrader-test:" + time.Now().Format("150405.000") + ":"
	r := NewRedis(client, prefix, time.Second)

	unlock, err := r.Lock(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := r.Lock(short, "k"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("second lock err = %v, want ErrNotAcquired", err)
	}

	// a stale unlock must not remove someone else's lock
	client.Set(ctx, prefix+"k", "other-token", time.Second)
	unlock()
	if v, _ := client.Get(ctx, prefix+"k").Result(); v != "other-token" {
		t.Errorf("foreign lock removed, value = %q", v)
	}
	client.Del(ctx, prefix+"k")

	unlock2, err := r.Lock(ctx, "k")
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	unlock2()
	if n, _ := client.Exists(ctx, prefix+"k").Result(); n != 0 {
		t.Error("key should be deleted on unlock")
	}
}

// TestRedisRefresh holds a lock for several TTLs and checks that it stays
// exclusive until released.
func TestRedisRefresh(t *testing.T) {
	addr := os.Getenv("PAPERGRADER_TEST_REDIS")
	if addr == "" {
		t.Skip("PAPERGRADER_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	prefix := "papergrader-test:" + time.Now().Format("150405.000") + ":"
	ttl := 300 * time.Millisecond
	holder := NewRedis(client, prefix, ttl)
	other := NewRedis(client, prefix, ttl)

	unlock, err := holder.Lock(ctx, "group")
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(3 * ttl)

	short, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()
	if _, err := other.Lock(short, "group"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("lock taken while held past its ttl: err = %v", err)
	}
	if pttl, _ := client.PTTL(ctx, prefix+"group").Result(); pttl <= 0 {
		t.Errorf("held key has no expiry: %v", pttl)
	}

	unlock()
	unlock2, err := other.Lock(ctx, "group")
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	unlock2()
}
