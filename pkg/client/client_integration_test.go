//go:build integration

package client

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/Sternrassler/sn-soap-client/internal/testutil"
	"github.com/Sternrassler/sn-soap-client/pkg/cache"
	"github.com/Sternrassler/sn-soap-client/pkg/query"
	"github.com/Sternrassler/sn-soap-client/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedisContainer creates a Redis container for integration testing.
func setupRedisContainer(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := redisContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := redisContainer.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestIntegration_WSDLCachedAcrossClients(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	mock := newMock(t)
	cfg := testConfig(mock)
	cfg.Redis = redisClient

	ctx := context.Background()

	first, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer first.Close()

	if mock.GetWSDLCount() != 1 {
		t.Fatalf("WSDL downloads = %d, want 1", mock.GetWSDLCount())
	}

	exists, err := redisClient.Exists(ctx, cache.Key{Instance: "dev1", Table: "sys_user"}.String()).Result()
	if err != nil || exists != 1 {
		t.Fatalf("WSDL not cached in Redis (exists=%d, err=%v)", exists, err)
	}

	second, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("second New() error = %v", err)
	}
	defer second.Close()

	// Binding always authenticates against the instance.
	if mock.GetWSDLCount() != 2 {
		t.Fatalf("WSDL downloads = %d, want 2", mock.GetWSDLCount())
	}

	ops, err := second.ListOperations(ctx, "sys_user")
	if err != nil {
		t.Fatalf("ListOperations() error = %v", err)
	}
	if len(ops) != 6 {
		t.Errorf("ops = %v, want 6", ops)
	}
	if mock.GetWSDLCount() != 2 {
		t.Errorf("WSDL downloads = %d, ListOperations should be served from cache", mock.GetWSDLCount())
	}
}

func TestIntegration_WarmCacheRejectsBadCredentials(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	mock := newMock(t)
	cfg := testConfig(mock)
	cfg.Redis = redisClient

	ctx := context.Background()

	warm, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	warm.Close()

	cfg.Password = "wrong"
	c, err := New(ctx, cfg)

	var authErr *query.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("New() error = %v, want *query.AuthenticationError", err)
	}
	if c != nil {
		t.Error("client should be nil on error")
	}
}

func TestIntegration_ThrottleHonoursContext(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	mock := newMock(t)
	mock.SetTable("incident", testutil.NewIncidents(3, "true")...)
	mock.SetHeader(ratelimit.HeaderLimit, "100")
	mock.SetHeader(ratelimit.HeaderRemaining, "5")
	mock.SetHeader(ratelimit.HeaderReset, strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))

	cfg := testConfig(mock)
	cfg.Redis = redisClient

	c, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	// The window is nearly used up, so the next call sleeps ThrottleDelay.
	ctx, cancel := context.WithTimeout(context.Background(), ratelimit.ThrottleDelay/10)
	defer cancel()

	_, err = c.ResolveKeys(ctx, "incident", "")
	if !errors.Is(err, ErrContextCancelled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ResolveKeys() error = %v, want cancelled context", err)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("a cancelled throttle wait must not be sent and retried")
	}
	if n := mock.OperationCount("incident", OpGetKeys); n != 0 {
		t.Errorf("getKeys calls = %d, want 0", n)
	}
}

func TestIntegration_RateLimitBlocksQuery(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	mock := newMock(t)
	mock.SetTable("incident", testutil.NewIncidents(3, "true")...)
	mock.SetHeader(ratelimit.HeaderLimit, "100")
	mock.SetHeader(ratelimit.HeaderRemaining, "0")
	mock.SetHeader(ratelimit.HeaderReset, strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))

	cfg := testConfig(mock)
	cfg.Redis = redisClient

	ctx := context.Background()
	runner, err := Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	pages, err := runner.Run(query.Request{Table: "incident"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	_, err = pages.Next(ctx)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Next() error = %v, want ErrRateLimited", err)
	}
	var retrErr *query.RetrievalError
	if !errors.As(err, &retrErr) || retrErr.Stage != query.StageGetKeys {
		t.Errorf("error = %v, want getKeys RetrievalError", err)
	}
	if n := mock.OperationCount("incident", OpGetKeys); n != 0 {
		t.Errorf("getKeys calls = %d, blocked request reached the instance", n)
	}
}

func TestIntegration_FullQueryWithRedis(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	mock := newMock(t)
	mock.SetTable("incident", testutil.NewIncidents(7, "true")...)
	mock.SetHeader(ratelimit.HeaderLimit, "1000")
	mock.SetHeader(ratelimit.HeaderRemaining, "900")
	mock.SetHeader(ratelimit.HeaderReset, strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))

	cfg := testConfig(mock)
	cfg.Redis = redisClient

	ctx := context.Background()
	runner, err := Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	pages, err := runner.Run(query.Request{Table: "incident", Params: map[string]any{"active": "true"}, PageSize: 3})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	total := 0
	for page, err := range pages.All(ctx) {
		if err != nil {
			t.Fatalf("iteration error = %v", err)
		}
		total += len(page)
	}
	if total != 7 {
		t.Errorf("records = %d, want 7", total)
	}

	tracker := ratelimit.NewTracker(redisClient, "dev1", zerolog.Nop())
	state, err := tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Remaining != 900 {
		t.Errorf("shared Remaining = %d, want 900", state.Remaining)
	}
}
