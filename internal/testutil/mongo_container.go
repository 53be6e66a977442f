package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var mongoDB sharedContainer

// GetMongoURI returns a connection URI for a shared MongoDB 7 container.
func GetMongoURI(t *testing.T) string {
	t.Helper()
	return mongoDB.get(t, "mongo", startMongo)
}

func startMongo(ctx context.Context) (testcontainers.Container, string, error) {
	mongoC, err := testcontainers.Run(
		ctx, "mongo:7",
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("mongod startup complete"),
		),
	)
	if err != nil {
		return nil, "", err
	}

	endpoint, err := mongoC.Endpoint(ctx, "")
	if err != nil {
		_ = mongoC.Terminate(context.Background()) // best-effort cleanup
		return nil, "", err
	}
	return mongoC, fmt.Sprintf("mongodb://%s", endpoint), nil
}
