// Package testutil starts shared Testcontainers instances for the
// Redis, PostgreSQL and MongoDB backed tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
)

// startupTimeout is generous for CI environments.
const startupTimeout = 3 * time.Minute

// sharedContainer starts a container at most once per test binary.
// The container is reaped by Testcontainers when the process exits, so
// later suites in the same package can keep using it.
type sharedContainer struct {
	once     sync.Once
	endpoint string
	err      error
}

func (s *sharedContainer) get(t *testing.T, name string, start func(ctx context.Context) (string, error)) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
		defer cancel()

		// Guard against Testcontainers panicking on unsupported Docker setups.
		defer func() {
			if r := recover(); r != nil {
				s.err = fmt.Errorf("starting %s testcontainer panicked: %v", name, r)
			}
		}()

		s.endpoint, s.err = start(ctx)
	})

	if s.err != nil {
		t.Skipf("skipping %s tests: %v", name, s.err)
	}
	return s.endpoint
}

func endpointOf(ctx context.Context, c testcontainers.Container) (string, error) {
	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		_ = c.Terminate(context.Background()) // best-effort cleanup
		return "", err
	}
	return endpoint, nil
}
