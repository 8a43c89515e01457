package testinfinispan

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

const (
	defaultImage = "quay.io/infinispan/server:15.2"
	username     = "admin"
	password     = "password"
)

// Infinispan holds connection details for a running Infinispan container.
type Infinispan struct {
	Host     string // host:port of the RESP endpoint
	Username string
	Password string
}

// StartInfinispan starts a disposable Infinispan server with its RESP
// connector enabled. TEST_INFINISPAN_IMAGE overrides the image.
func StartInfinispan(tb testing.TB) Infinispan {
	tb.Helper()

	image := os.Getenv("TEST_INFINISPAN_IMAGE")
	if image == "" {
		image = defaultImage
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{"11222/tcp"},
			Env:          map[string]string{"USER": username, "PASS": password},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("11222/tcp"),
				wait.ForLog("Started connector Resp"),
			).WithDeadline(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		tb.Fatalf("start infinispan container: %v", err)
	}
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			tb.Errorf("terminate infinispan container: %v", err)
		}
	})

	hostPort, err := container.PortEndpoint(ctx, "11222/tcp", "")
	if err != nil {
		tb.Fatalf("get infinispan endpoint: %v", err)
	}
	server := Infinispan{Host: hostPort, Username: username, Password: password}
	if err := server.waitReady(ctx, 60*time.Second); err != nil {
		tb.Fatalf("infinispan RESP not ready: %v", err)
	}
	return server
}

// waitReady polls PING because the RESP connector can lag the log line.
func (s Infinispan) waitReady(ctx context.Context, budget time.Duration) error {
	client := goredis.NewClient(&goredis.Options{
		Addr:     s.Host,
		Username: s.Username,
		Password: s.Password,
		Protocol: 2,
	})
	defer client.Close()

	deadline := time.Now().Add(budget)
	var lastErr error
	for time.Now().Before(deadline) {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		lastErr = client.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			return nil
		}
		time.Sleep(time.Second)
	}
	return fmt.Errorf("no PING reply within %s: %w", budget, lastErr)
}
