package lock_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jensholdgaard/bidengine/internal/lock"
)

func TestNop(t *testing.T) {
	unlock, ok, err := lock.Nop{}.TryLock(context.Background())
	if err != nil || !ok {
		t.Fatalf("TryLock() = %v, %v; want ok", ok, err)
	}
	if err := unlock(context.Background()); err != nil {
		t.Errorf("unlock() error = %v", err)
	}
}

// setupRedis starts a Redis container. Skipped in short mode.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("starting redis container: %v", err)
	}

	endpoint, err := ctr.PortEndpoint(ctx, "6379/tcp", "")
	if err != nil {
		t.Fatalf("getting redis endpoint: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedis_MutualExclusion(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	key := fmt.Sprintf("test:%d", time.Now().UnixNano())

	a := lock.NewRedis(client, key, time.Minute)
	b := lock.NewRedis(client, key, time.Minute)

	unlock, ok, err := a.TryLock(ctx)
	if err != nil || !ok {
		t.Fatalf("first TryLock() = %v, %v; want ok", ok, err)
	}
	if _, ok, err := b.TryLock(ctx); err != nil || ok {
		t.Fatalf("second TryLock() = %v, %v; want not ok", ok, err)
	}
	if err := unlock(ctx); err != nil {
		t.Fatalf("unlock() error = %v", err)
	}
	unlockB, ok, err := b.TryLock(ctx)
	if err != nil || !ok {
		t.Fatalf("TryLock() after release = %v, %v; want ok", ok, err)
	}
	_ = unlockB(ctx)
}

func TestRedis_ExpiredLeaseNotReleasedByOldHolder(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	key := fmt.Sprintf("test:%d", time.Now().UnixNano())

	short := lock.NewRedis(client, key, 100*time.Millisecond)
	unlock, ok, err := short.TryLock(ctx)
	if err != nil || !ok {
		t.Fatalf("TryLock() = %v, %v; want ok", ok, err)
	}
	time.Sleep(300 * time.Millisecond)

	other := lock.NewRedis(client, key, time.Minute)
	unlockOther, ok, err := other.TryLock(ctx)
	if err != nil || !ok {
		t.Fatalf("TryLock() after expiry = %v, %v; want ok", ok, err)
	}

	if err := unlock(ctx); !errors.Is(err, lock.ErrNotHeld) {
		t.Errorf("stale unlock() error = %v, want ErrNotHeld", err)
	}
	if err := unlockOther(ctx); err != nil {
		t.Errorf("unlock() error = %v", err)
	}
}
