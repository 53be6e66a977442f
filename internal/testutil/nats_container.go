package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var natsServer sharedContainer

// GetNATSURL returns the client URL of a shared NATS server with JetStream
// enabled.
func GetNATSURL(t *testing.T) string {
	t.Helper()
	return natsServer.get(t, "nats", startNATS)
}

func startNATS(ctx context.Context) (testcontainers.Container, string, error) {
	natsC, err := testcontainers.Run(
		ctx, "nats:2.10",
		testcontainers.WithCmd("-js"),
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		),
	)
	if err != nil {
		return nil, "", err
	}

	endpoint, err := natsC.PortEndpoint(ctx, "4222/tcp", "")
	if err != nil {
		_ = natsC.Terminate(context.Background()) // best-effort cleanup
		return nil, "", err
	}
	return natsC, fmt.Sprintf("nats://%s", endpoint), nil
}
