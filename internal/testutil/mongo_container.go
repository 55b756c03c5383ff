package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var mongoShared sharedContainer

// GetMongoURI returns the MongoDB URI of a shared container.
func GetMongoURI(t *testing.T) string {
	t.Helper()
	return mongoShared.get(t, "MongoDB", func(ctx context.Context) (string, error) {
		mongoC, err := testcontainers.Run(
			ctx, "mongo:7",
			testcontainers.WithExposedPorts("27017/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("27017/tcp").WithStartupTimeout(2*time.Minute),
			),
		)
		if err != nil {
			return "", err
		}
		endpoint, err := endpointOf(ctx, mongoC)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("mongodb://%s", endpoint), nil
	})
}

// NewMongoClient connects to the shared MongoDB container and disconnects
// when the test finishes.
func NewMongoClient(t *testing.T) *mongo.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(GetMongoURI(t)))
	if err != nil {
		t.Fatalf("mongo.Connect failed: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
	})
	return client
}
