package testredis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const defaultImage = "redis:7"

// StartRedis starts a disposable Redis container and returns a redis:// URL
// that already answers PING. TEST_REDIS_IMAGE overrides the image.
func StartRedis(tb testing.TB) string {
	tb.Helper()

	image := os.Getenv("TEST_REDIS_IMAGE")
	if image == "" {
		image = defaultImage
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		tb.Fatalf("start redis container: %v", err)
	}
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			tb.Errorf("terminate redis container: %v", err)
		}
	})

	endpoint, err := container.PortEndpoint(ctx, "6379/tcp", "redis")
	if err != nil {
		tb.Fatalf("get redis endpoint: %v", err)
	}

	opts, err := goredis.ParseURL(endpoint)
	if err != nil {
		tb.Fatalf("parse redis url %s: %v", endpoint, err)
	}
	client := goredis.NewClient(opts)
	defer client.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		tb.Fatalf("redis not ready: %v", fmt.Errorf("ping %s: %w", endpoint, err))
	}
	return endpoint
}
