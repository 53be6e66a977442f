// Package testutil starts shared containers for backend integration tests.
//
// Each container is started at most once per test binary and reaped by the
// testcontainers reaper when the binary exits. Tests are skipped when a
// container cannot be started, typically because Docker is unavailable, or
// when testing.Short is set.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
)

// startTimeout is generous for CI environments pulling images.
const startTimeout = 3 * time.Minute

// sharedContainer lazily starts one container and remembers the connection
// string derived from it.
type sharedContainer struct {
	once     sync.Once
	endpoint string
	err      error
}

func (c *sharedContainer) get(t *testing.T, name string, start func(ctx context.Context) (testcontainers.Container, string, error)) string {
	t.Helper()
	if testing.Short() {
		t.Skipf("skipping %s integration test in short mode", name)
	}
	c.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()
		_, c.endpoint, c.err = start(ctx)
	})
	if c.err != nil {
		t.Skipf("%s container unavailable: %v", name, c.err)
	}
	return c.endpoint
}
