package testmongo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const defaultImage = "mongo:7"

// StartMongo starts a disposable MongoDB container and returns its connection
// URI. TEST_MONGO_IMAGE overrides the image.
func StartMongo(tb testing.TB) string {
	tb.Helper()

	image := os.Getenv("TEST_MONGO_IMAGE")
	if image == "" {
		image = defaultImage
	}

	ctx := context.Background()
	container, err := mongodb.Run(ctx, image)
	if err != nil {
		tb.Fatalf("start mongodb container: %v", err)
	}
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			tb.Errorf("terminate mongodb container: %v", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		tb.Fatalf("build mongodb connection string: %v", err)
	}
	return uri
}

// StartDatabase starts MongoDB and returns a connected handle on the named
// database. The client is disconnected on cleanup.
func StartDatabase(tb testing.TB, name string) *mongo.Database {
	tb.Helper()

	client, err := mongo.Connect(options.Client().ApplyURI(StartMongo(tb)))
	if err != nil {
		tb.Fatalf("connect to mongodb: %v", err)
	}
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.Ping(ctx, nil); err != nil {
		tb.Fatalf("ping mongodb: %v", err)
	}
	return client.Database(name)
}
